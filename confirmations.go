package steamguard

import (
	"context"
	"net/url"
	"strconv"

	"github.com/escrow-tf/steamguard/api"
	"github.com/escrow-tf/steamguard/htmlutil"
	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
)

// ConfirmationType mirrors the data-type attribute of a pending mobile
// confirmation. Wire value 4 is deliberately undefined and rejected.
type ConfirmationType byte

const (
	ConfirmationUnknown           ConfirmationType = 0
	ConfirmationGeneric           ConfirmationType = 1
	ConfirmationTrade             ConfirmationType = 2
	ConfirmationMarket            ConfirmationType = 3
	ConfirmationPhoneNumberChange ConfirmationType = 5
	ConfirmationAccountRecovery   ConfirmationType = 6
)

var ErrUnknownConfirmationType = eris.New("unknown confirmation type")

// ParseConfirmationType parses a wire type value, rejecting anything outside
// the known set.
func ParseConfirmationType(value string) (ConfirmationType, error) {
	parsed, err := strconv.ParseUint(value, 10, 8)
	if err != nil {
		return ConfirmationUnknown, eris.Wrapf(err, "can't parse confirmation type %q", value)
	}

	confirmationType := ConfirmationType(parsed)
	switch confirmationType {
	case ConfirmationGeneric, ConfirmationTrade, ConfirmationMarket,
		ConfirmationPhoneNumberChange, ConfirmationAccountRecovery:
		return confirmationType, nil
	default:
		return ConfirmationUnknown, eris.Wrapf(ErrUnknownConfirmationType, "%d", parsed)
	}
}

// Confirmation is one pending server-side action awaiting mobile approval.
type Confirmation struct {
	ID      uint64
	Key     uint64
	Creator uint64
	Type    ConfirmationType

	// Headline is best-effort display text; may be empty.
	Headline string
}

const confirmationsTag = "conf"

// confirmationCredentials derives the signed query parameters every
// confirmation endpoint requires.
func (h *Handler) confirmationCredentials(ctx context.Context, tag string) (deviceID string, steamTime uint32, hash string, err error) {
	if h.totpState == nil {
		return "", 0, "", ErrNoAuthenticator
	}

	deviceID = h.totpState.DeviceID()
	if deviceID == "" {
		return "", 0, "", eris.New("authenticator has no device id")
	}

	steamTime = h.runtime.SteamTime(ctx)
	if steamTime == 0 {
		return "", 0, "", eris.New("couldn't obtain Steam time")
	}

	hash, err = h.totpState.GenerateConfirmationKey(steamTime, tag)
	if err != nil {
		return "", 0, "", err
	}

	return deviceID, steamTime, hash, nil
}

// ListConfirmations fetches the pending confirmation list. Any malformed
// entry voids the whole listing; an empty page yields an empty slice.
func (h *Handler) ListConfirmations(ctx context.Context) ([]*Confirmation, error) {
	deviceID, steamTime, hash, err := h.confirmationCredentials(ctx, confirmationsTag)
	if err != nil {
		return nil, err
	}

	if err := h.runtime.confGate.Acquire(ctx); err != nil {
		return nil, err
	}

	query := url.Values{
		"a":   []string{h.steamID.String()},
		"k":   []string{hash},
		"l":   []string{"english"},
		"m":   []string{"android"},
		"p":   []string{deviceID},
		"t":   []string{strconv.FormatUint(uint64(steamTime), 10)},
		"tag": []string{confirmationsTag},
	}

	root, err := h.GetHTML(ctx, api.CommunityHost, "/mobileconf/conf?"+query.Encode(), RequestOptions{
		Session: SessionFieldLower,
	})
	if err != nil {
		return nil, err
	}

	entries := htmlutil.FindAllByClass(root, "mobileconf_list_entry")
	confirmations := make([]*Confirmation, 0, len(entries))
	for _, entry := range entries {
		confirmation, parseErr := parseConfirmationEntry(entry)
		if parseErr != nil {
			return nil, eris.Wrap(parseErr, "malformed confirmation entry")
		}
		confirmations = append(confirmations, confirmation)
	}

	return confirmations, nil
}

func parseConfirmationEntry(entry *html.Node) (*Confirmation, error) {
	id, err := nonzeroAttr(entry, "data-confid")
	if err != nil {
		return nil, err
	}

	key, err := nonzeroAttr(entry, "data-key")
	if err != nil {
		return nil, err
	}

	creator, err := nonzeroAttr(entry, "data-creator")
	if err != nil {
		return nil, err
	}

	typeValue, ok := htmlutil.Attr(entry, "data-type")
	if !ok {
		return nil, eris.New("entry is missing data-type")
	}

	confirmationType, err := ParseConfirmationType(typeValue)
	if err != nil {
		return nil, err
	}

	confirmation := &Confirmation{
		ID:      id,
		Key:     key,
		Creator: creator,
		Type:    confirmationType,
	}

	// display text is decoration, absence is fine
	if description := htmlutil.FindAllByClass(entry, "mobileconf_list_entry_description"); len(description) > 0 {
		if headline := htmlutil.FindByTag(description[0], "div"); headline != nil {
			confirmation.Headline = htmlutil.Text(headline)
		}
	}

	return confirmation, nil
}

func nonzeroAttr(entry *html.Node, name string) (uint64, error) {
	value, ok := htmlutil.Attr(entry, name)
	if !ok {
		return 0, eris.Errorf("entry is missing %s", name)
	}

	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "can't parse %s %q", name, value)
	}
	if parsed == 0 {
		return 0, eris.Errorf("%s must be non-zero", name)
	}

	return parsed, nil
}

type confirmationOpResponse struct {
	Success bool `json:"success"`
}

// AcceptConfirmations approves the given confirmations.
func (h *Handler) AcceptConfirmations(ctx context.Context, confirmations ...*Confirmation) (bool, error) {
	return h.HandleConfirmations(ctx, true, confirmations...)
}

// CancelConfirmations denies the given confirmations.
func (h *Handler) CancelConfirmations(ctx context.Context, confirmations ...*Confirmation) (bool, error) {
	return h.HandleConfirmations(ctx, false, confirmations...)
}

// HandleConfirmations approves or cancels confirmations in one batch. Steam's
// batch endpoint is flaky under load; a failed batch falls back to handling
// each confirmation individually.
func (h *Handler) HandleConfirmations(ctx context.Context, accept bool, confirmations ...*Confirmation) (bool, error) {
	if len(confirmations) == 0 {
		return true, nil
	}

	deviceID, steamTime, hash, err := h.confirmationCredentials(ctx, confirmationsTag)
	if err != nil {
		return false, err
	}

	operation := "cancel"
	if accept {
		operation = "allow"
	}

	pairs := []FormPair{
		{Name: "a", Value: h.steamID.String()},
		{Name: "k", Value: hash},
		{Name: "m", Value: "android"},
		{Name: "op", Value: operation},
		{Name: "p", Value: deviceID},
		{Name: "t", Value: strconv.FormatUint(uint64(steamTime), 10)},
		{Name: "tag", Value: confirmationsTag},
	}
	for _, confirmation := range confirmations {
		pairs = append(pairs,
			FormPair{Name: "cid[]", Value: strconv.FormatUint(confirmation.ID, 10)},
			FormPair{Name: "ck[]", Value: strconv.FormatUint(confirmation.Key, 10)},
		)
	}

	var response confirmationOpResponse
	err = h.PostJSONPairs(ctx, api.CommunityHost, "/mobileconf/multiajaxop", pairs, &response, RequestOptions{
		Session: SessionFieldLower,
	})
	if err != nil {
		return false, err
	}

	if response.Success {
		return true, nil
	}

	return h.handleConfirmationsIndividually(ctx, operation, confirmations)
}

// handleConfirmationsIndividually is the batch fallback: one ajaxop call per
// confirmation, in input order. Per-item success values are ignored; only a
// transport failure aborts.
func (h *Handler) handleConfirmationsIndividually(ctx context.Context, operation string, confirmations []*Confirmation) (bool, error) {
	for _, confirmation := range confirmations {
		deviceID, steamTime, hash, err := h.confirmationCredentials(ctx, confirmationsTag)
		if err != nil {
			return false, err
		}

		query := url.Values{
			"a":   []string{h.steamID.String()},
			"cid": []string{strconv.FormatUint(confirmation.ID, 10)},
			"ck":  []string{strconv.FormatUint(confirmation.Key, 10)},
			"k":   []string{hash},
			"l":   []string{"english"},
			"m":   []string{"android"},
			"op":  []string{operation},
			"p":   []string{deviceID},
			"t":   []string{strconv.FormatUint(uint64(steamTime), 10)},
			"tag": []string{confirmationsTag},
		}

		var response confirmationOpResponse
		err = h.GetJSON(ctx, api.CommunityHost, "/mobileconf/ajaxop?"+query.Encode(), &response, RequestOptions{
			Session: SessionFieldLower,
		})
		if err != nil {
			return false, err
		}
	}

	return true, nil
}
