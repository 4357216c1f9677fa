package steamguard

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/escrow-tf/steamguard/api"
	"github.com/escrow-tf/steamguard/htmlutil"
	"github.com/rotisserie/eris"
)

// KeyState classifies the /dev/apikey page.
type KeyState int

const (
	KeyStateError KeyState = iota
	KeyStateTimeout
	KeyStateRegistered
	KeyStateNotRegisteredYet
	KeyStateAccessDenied
)

var (
	// ErrAPIKeyUnavailable marks accounts that can never hold a WebAPI key
	// (limited accounts, access denied).
	ErrAPIKeyUnavailable = eris.New("WebAPI key is permanently unavailable for this account")

	// ErrAPIKeyTransient marks states worth retrying later (page timeout,
	// email not yet validated).
	ErrAPIKeyTransient = eris.New("WebAPI key state could not be determined")
)

var apiKeyPattern = regexp.MustCompile(`Key: ([0-9A-Fa-f]{32})`)

type keyPageState struct {
	state KeyState
	key   string
	// transientDenial flags the "Validated email address required" variant
	// of the denial page, which clears once the account validates.
	transientDenial bool
}

// getAPIKeyState scrapes /dev/apikey and classifies it.
func (h *Handler) getAPIKeyState(ctx context.Context) (keyPageState, error) {
	root, err := h.GetHTML(ctx, api.CommunityHost, "/dev/apikey?l=english", RequestOptions{
		Session: SessionFieldLower,
	})
	if err != nil {
		return keyPageState{state: KeyStateTimeout}, nil
	}

	mainContents := htmlutil.FindByID(root, "mainContents")
	if mainContents == nil {
		return keyPageState{state: KeyStateTimeout}, nil
	}

	title := htmlutil.FindByTag(mainContents, "h2")
	if title == nil {
		return keyPageState{state: KeyStateTimeout}, nil
	}

	titleText := htmlutil.Text(title)
	switch {
	case strings.Contains(titleText, "Access Denied"):
		return keyPageState{state: KeyStateAccessDenied}, nil
	case strings.Contains(titleText, "Validated email address required"):
		return keyPageState{state: KeyStateAccessDenied, transientDenial: true}, nil
	}

	bodyContents := htmlutil.FindByID(root, "bodyContents_ex")
	if bodyContents == nil {
		return keyPageState{state: KeyStateError}, nil
	}

	paragraph := htmlutil.FindByTag(bodyContents, "p")
	if paragraph == nil {
		return keyPageState{state: KeyStateError}, nil
	}

	paragraphText := htmlutil.Text(paragraph)
	if strings.Contains(paragraphText, "Registering for a Steam Web API Key") {
		return keyPageState{state: KeyStateNotRegisteredYet}, nil
	}

	if match := apiKeyPattern.FindStringSubmatch(paragraphText); match != nil {
		return keyPageState{state: KeyStateRegistered, key: match[1]}, nil
	}

	return keyPageState{state: KeyStateError}, nil
}

// registerAPIKey submits the key registration form.
func (h *Handler) registerAPIKey(ctx context.Context) error {
	data := url.Values{
		"agreeToTerms": []string{"agreed"},
		"domain":       []string{"generated.by." + h.appName + ".localhost"},
		"Submit":       []string{"Register"},
	}

	return h.Post(ctx, api.CommunityHost, "/dev/registerkey", data, RequestOptions{
		Session: SessionFieldLower,
	})
}

// ResolveAPIKey returns the account's WebAPI key, registering one when the
// account hasn't yet. The outcome is cached: a key forever, unavailability
// as an empty sentinel. Transient states are not cached.
func (h *Handler) ResolveAPIKey(ctx context.Context) (string, error) {
	h.apiKeyMu.Lock()
	defer h.apiKeyMu.Unlock()

	if h.cachedAPIKey != nil {
		if *h.cachedAPIKey == "" {
			return "", ErrAPIKeyUnavailable
		}
		return *h.cachedAPIKey, nil
	}

	if h.account.IsAccountLimited() {
		h.cacheAPIKeyLocked("")
		return "", ErrAPIKeyUnavailable
	}

	page, err := h.getAPIKeyState(ctx)
	if err != nil {
		return "", err
	}

	switch page.state {
	case KeyStateAccessDenied:
		if page.transientDenial {
			return "", eris.Wrap(ErrAPIKeyTransient, "email address is not validated yet")
		}
		h.cacheAPIKeyLocked("")
		return "", ErrAPIKeyUnavailable

	case KeyStateTimeout:
		return "", eris.Wrap(ErrAPIKeyTransient, "key page timed out")

	case KeyStateRegistered:
		h.cacheAPIKeyLocked(page.key)
		return page.key, nil

	case KeyStateNotRegisteredYet:
		if err := h.registerAPIKey(ctx); err != nil {
			return "", eris.Wrap(err, "key registration failed")
		}

		page, err = h.getAPIKeyState(ctx)
		if err != nil {
			return "", err
		}

		switch page.state {
		case KeyStateRegistered:
			h.cacheAPIKeyLocked(page.key)
			return page.key, nil
		case KeyStateTimeout:
			return "", eris.Wrap(ErrAPIKeyTransient, "key page timed out after registration")
		default:
			return "", eris.Errorf("key page in unexpected state %d after registration", page.state)
		}

	default:
		return "", eris.Errorf("key page in unexpected state %d", page.state)
	}
}

// cacheAPIKeyLocked stores the resolution outcome and forwards usable keys
// to the transport. Callers must hold apiKeyMu.
func (h *Handler) cacheAPIKeyLocked(key string) {
	h.cachedAPIKey = &key
	if key != "" {
		h.transport.SetWebApiKey(key)
	}
}
