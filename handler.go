package steamguard

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/escrow-tf/steamguard/api"
	"github.com/escrow-tf/steamguard/api/auth"
	"github.com/escrow-tf/steamguard/api/twofactor"
	"github.com/escrow-tf/steamguard/steamcrypto"
	"github.com/escrow-tf/steamguard/steamid"
	"github.com/escrow-tf/steamguard/totp"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotInitialized       = eris.New("web session is not initialized")
	ErrTriesExhausted       = eris.New("request retries exhausted")
	ErrSessionRefreshFailed = eris.New("session refresh failed")
	ErrNoSessionCookie      = eris.New("sessionid cookie is not set")
	ErrNoAuthenticator      = eris.New("no authenticator state attached to this handler")
)

// Account is the facade owning the Steam protocol connection. RefreshSession
// must acquire a fresh nonce and drive Init on this handler; the handler only
// observes the outcome.
type Account interface {
	RefreshSession(ctx context.Context) error
	IsAccountLimited() bool
}

// Handler owns one account's authenticated web session: cookies, expiry
// tracking, the request executor, the WebAPI key cache, and the confirmation
// protocol.
type Handler struct {
	runtime    *Runtime
	account    Account
	transport  *api.HttpTransport
	authClient *auth.Client
	timeClient *twofactor.Client
	totpState  *totp.State
	appName    string

	maxTries          int
	connectionTimeout time.Duration

	steamID  steamid.SteamID
	vanityMu sync.RWMutex
	// vanityURL mirrors the account's community vanity name; updated through
	// OnVanityURLChanged.
	vanityURL string

	initialized atomic.Bool

	sessionMu          sync.Mutex
	lastSessionCheck   time.Time
	lastSessionRefresh time.Time

	apiKeyMu sync.Mutex
	// cachedAPIKey: nil means not yet known; a pointer to "" means
	// permanently unavailable.
	cachedAPIKey *string
}

// HandlerOptions configures a Handler. The zero value is usable.
type HandlerOptions struct {
	// Proxy routes all of this handler's HTTP through the given proxy.
	Proxy *url.URL

	// TotpState attaches authenticator secrets; required for confirmations.
	TotpState *totp.State

	// AppName brands the WebAPI key registration domain.
	AppName string

	// ResponseCache, when set, caches idempotent WebAPI responses.
	ResponseCache api.CacheAdaptor

	// MaxTries overrides the retry budget of session-aware operations.
	MaxTries int

	// ConnectionTimeout overrides how long operations wait for session
	// initialization.
	ConnectionTimeout time.Duration
}

func NewHandler(runtime *Runtime, account Account, options HandlerOptions) (*Handler, error) {
	if runtime == nil {
		return nil, eris.New("runtime must not be nil")
	}
	if account == nil {
		return nil, eris.New("account must not be nil")
	}

	transport := api.NewTransport(api.HttpTransportOptions{
		Proxy:         options.Proxy,
		ResponseCache: options.ResponseCache,
		Limiters:      runtime.Limiters(),
	})

	maxTries := options.MaxTries
	if maxTries <= 0 {
		maxTries = DefaultMaxTries
	}

	connectionTimeout := options.ConnectionTimeout
	if connectionTimeout <= 0 {
		connectionTimeout = DefaultConnectionTimeout * time.Second
	}

	appName := options.AppName
	if appName == "" {
		appName = "steamguard"
	}

	handler := &Handler{
		runtime:           runtime,
		account:           account,
		transport:         transport,
		authClient:        auth.NewClient(transport),
		timeClient:        twofactor.NewClient(transport),
		totpState:         options.TotpState,
		appName:           appName,
		maxTries:          maxTries,
		connectionTimeout: connectionTimeout,
	}

	runtime.bindTimeSource(handler.timeClient)

	return handler, nil
}

func (h *Handler) SteamID() steamid.SteamID {
	return h.steamID
}

func (h *Handler) IsInitialized() bool {
	return h.initialized.Load()
}

// SessionID reads the anti-CSRF session cookie for the given host.
func (h *Handler) SessionID(host string) (string, error) {
	value, ok := h.cookieValue(host, "sessionid")
	if !ok {
		return "", ErrNoSessionCookie
	}
	return value, nil
}

// Init performs the web auth handshake: it encrypts the single-use login
// nonce under a fresh session key, exchanges the envelope for session
// tokens, and installs the session cookies on all web hosts. One attempt
// only; on failure the caller must obtain a fresh nonce.
func (h *Handler) Init(
	ctx context.Context,
	steamID steamid.SteamID,
	universe steamid.Universe,
	webAPIUserNonce string,
	parentalCode string,
) error {
	if !steamID.IsValidIndividual() {
		return eris.Errorf("steamID is not a valid individual account: %v", steamID.String())
	}
	if universe == steamid.UniverseInvalid || universe > steamid.UniverseDev {
		return eris.Errorf("universe %d is not valid", universe)
	}
	if webAPIUserNonce == "" {
		return eris.New("webAPIUserNonce must not be empty")
	}

	publicKey, err := steamcrypto.UniversePublicKey(universe)
	if err != nil {
		return err
	}

	sessionKey, err := steamcrypto.GenerateSessionKey()
	if err != nil {
		return err
	}

	encryptedSessionKey, err := steamcrypto.EncryptPKCS1(publicKey, sessionKey)
	if err != nil {
		return err
	}

	encryptedLoginKey, err := steamcrypto.SymmetricEncrypt(sessionKey, []byte(webAPIUserNonce))
	if err != nil {
		return err
	}

	tokens, err := h.authClient.AuthenticateUser(ctx, steamID, encryptedSessionKey, encryptedLoginKey)
	if err != nil {
		return eris.Wrap(err, "AuthenticateUser failed")
	}

	h.steamID = steamID
	h.installSessionCookies(steamID, tokens)

	if parentalCode != "" {
		if len(parentalCode) != 4 {
			return eris.New("parental code must be exactly 4 characters")
		}
		if err := h.unlockParentalAccount(ctx, parentalCode); err != nil {
			return eris.Wrap(err, "parental unlock failed")
		}
	}

	// terminal write: when Init runs inside Account.RefreshSession the
	// session mutex is already held by the refreshing caller, so only lock
	// when it's free
	now := time.Now()
	locked := h.sessionMu.TryLock()
	h.lastSessionCheck = now
	h.lastSessionRefresh = now
	if locked {
		h.sessionMu.Unlock()
	}
	h.initialized.Store(true)

	// best-effort warm-up; callers needing the key go through ResolveAPIKey
	go func() {
		warmCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_, _ = h.ResolveAPIKey(warmCtx)
	}()

	return nil
}

// installSessionCookies places the session cookies on every web host, path
// "/", dot-prefixed domain.
func (h *Handler) installSessionCookies(steamID steamid.SteamID, tokens auth.SessionTokens) {
	sessionID := base64.StdEncoding.EncodeToString([]byte(steamID.String()))

	_, offsetSeconds := time.Now().Zone()
	// the comma is URL-encoded, matching what the official app sends
	timezoneOffset := strconv.Itoa(offsetSeconds) + url.QueryEscape(",") + "0"

	jar := h.transport.CookieJar()
	for _, host := range api.WebHosts() {
		cookieURL := &url.URL{Scheme: "https", Host: host, Path: "/"}
		jar.SetCookies(cookieURL, []*http.Cookie{
			{Name: "sessionid", Value: sessionID, Path: "/", Domain: "." + host},
			{Name: "steamLogin", Value: tokens.Token, Path: "/", Domain: "." + host, HttpOnly: true},
			{Name: "steamLoginSecure", Value: tokens.TokenSecure, Path: "/", Domain: "." + host, Secure: true, HttpOnly: true},
			{Name: "timezoneOffset", Value: timezoneOffset, Path: "/", Domain: "." + host},
		})
	}
}

// unlockParentalAccount enters the family-view PIN on community and store in
// parallel; the handshake fails if either rejects.
func (h *Handler) unlockParentalAccount(ctx context.Context, parentalCode string) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, host := range []string{api.CommunityHost, api.StoreHost} {
		host := host
		group.Go(func() error {
			return h.unlockParentalAccountForService(ctx, host, parentalCode)
		})
	}
	return group.Wait()
}

// unlockParentalAccountForService posts the PIN directly: the session-aware
// executor can't be used because the handler isn't initialized yet. Retries
// on the self-profile quirk; an expired-session redirect is terminal.
func (h *Handler) unlockParentalAccountForService(ctx context.Context, host string, parentalCode string) error {
	sessionID, err := h.SessionID(host)
	if err != nil {
		return err
	}

	body := url.Values{
		"pin":       []string{parentalCode},
		"sessionid": []string{sessionID},
	}

	for try := 0; try < h.maxTries; try++ {
		var finalURL *url.URL
		var statusOK bool
		err := h.transport.Limit(ctx, host, func(ctx context.Context) error {
			request, reqErr := http.NewRequestWithContext(
				ctx,
				http.MethodPost,
				"https://"+host+"/parental/ajaxunlock",
				strings.NewReader(body.Encode()),
			)
			if reqErr != nil {
				return reqErr
			}
			request.Header.Set("User-Agent", api.UserAgent)
			request.Header.Set("Content-Type", api.FormContentType)

			response, doErr := h.transport.HttpClient().Do(request)
			if doErr != nil {
				return doErr
			}
			defer func() { _ = response.Body.Close() }()
			finalURL = response.Request.URL
			statusOK = response.StatusCode >= 200 && response.StatusCode < 300
			return nil
		})
		if err != nil {
			return eris.Wrapf(err, "parental unlock transport failure on %v", host)
		}

		if isSessionExpiredURI(finalURL) {
			return eris.Errorf("parental unlock on %v hit an expired session", host)
		}
		if h.isSelfProfileURI(finalURL) {
			continue
		}
		if !statusOK {
			return eris.Errorf("parental unlock on %v was rejected", host)
		}
		return nil
	}

	return eris.Wrapf(ErrTriesExhausted, "parental unlock on %v", host)
}

// OnDisconnected drops the logical session. Cookies stay in the jar; the
// next handshake overwrites them.
func (h *Handler) OnDisconnected() {
	h.initialized.Store(false)

	h.apiKeyMu.Lock()
	h.cachedAPIKey = nil
	h.apiKeyMu.Unlock()
}

// OnVanityURLChanged tracks the account's community vanity name so the
// self-profile classifier keeps matching.
func (h *Handler) OnVanityURLChanged(vanityURL string) {
	h.vanityMu.Lock()
	h.vanityURL = vanityURL
	h.vanityMu.Unlock()
}
