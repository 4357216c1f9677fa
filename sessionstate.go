package steamguard

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/escrow-tf/steamguard/api"
	"github.com/golang-jwt/jwt/v5"
)

// sessionProbeHost and sessionProbePath form the session health probe: the
// account page is light, stable, and redirects to login when the session is
// gone.
const sessionProbeHost = api.StoreHost
const sessionProbePath = "/account"

// lastSeenHealthy reports whether the most recent session check observed a
// live session. Callers must hold sessionMu.
func (h *Handler) lastSeenHealthy() bool {
	return h.lastSessionCheck.Equal(h.lastSessionRefresh)
}

// IsSessionExpired probes whether the web session is still live. Concurrent
// callers are deduplicated: whoever entered after the last completed check
// reuses its verdict. The returned error is non-nil iff the probe itself
// could not complete.
func (h *Handler) IsSessionExpired(ctx context.Context) (bool, error) {
	triggeredAt := time.Now()

	h.sessionMu.Lock()
	defer h.sessionMu.Unlock()

	if !triggeredAt.After(h.lastSessionCheck) {
		return !h.lastSeenHealthy(), nil
	}

	// a JWT access token that has already passed its exp claim saves the
	// HTTP probe; opaque tokens fall through to the probe
	if h.accessTokenExpired() {
		h.initialized.Store(false)
		h.lastSessionCheck = time.Now()
		return true, nil
	}

	finalURL, err := h.headFinalURL(ctx, sessionProbeHost, sessionProbePath)
	if err != nil {
		return false, err
	}

	now := time.Now()
	expired := isSessionExpiredURI(finalURL)
	if expired {
		h.initialized.Store(false)
	} else {
		h.lastSessionRefresh = now
	}
	h.lastSessionCheck = now

	return expired, nil
}

// refreshSession renews the session through the account facade. Deduplicated
// like IsSessionExpired, but with inverted polarity: a deduplicated caller
// succeeds iff the last check saw the session healthy.
func (h *Handler) refreshSession(ctx context.Context) bool {
	triggeredAt := time.Now()

	h.sessionMu.Lock()
	defer h.sessionMu.Unlock()

	if !triggeredAt.After(h.lastSessionCheck) {
		return h.lastSeenHealthy()
	}

	h.initialized.Store(false)

	if err := h.account.RefreshSession(ctx); err != nil {
		return false
	}

	now := time.Now()
	h.lastSessionCheck = now
	h.lastSessionRefresh = now

	return true
}

// RefreshSession forces a session renewal through the account facade.
func (h *Handler) RefreshSession(ctx context.Context) error {
	if !h.refreshSession(ctx) {
		return ErrSessionRefreshFailed
	}
	return nil
}

// awaitSessionSettled blocks until any in-flight session check or refresh
// completes.
func (h *Handler) awaitSessionSettled() {
	h.sessionMu.Lock()
	h.sessionMu.Unlock() //nolint:staticcheck // acquire-then-release is the point
}

// headFinalURL issues a bare HEAD and reports the terminal redirect URI.
func (h *Handler) headFinalURL(ctx context.Context, host string, path string) (*url.URL, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodHead, "https://"+host+path, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("User-Agent", api.UserAgent)

	var finalURL *url.URL
	err = h.transport.Limit(ctx, host, func(ctx context.Context) error {
		response, doErr := h.transport.HttpClient().Do(request.WithContext(ctx))
		if doErr != nil {
			return doErr
		}
		defer func() { _ = response.Body.Close() }()
		finalURL = response.Request.URL
		return nil
	})
	if err != nil {
		return nil, err
	}

	return finalURL, nil
}

// accessTokenExpired inspects the steamLoginSecure cookie; when its token
// part is a JWT with a passed exp claim the session is known dead without
// any HTTP. Callers must hold sessionMu.
func (h *Handler) accessTokenExpired() bool {
	value, ok := h.cookieValue(api.CommunityHost, "steamLoginSecure")
	if !ok {
		return false
	}

	unescaped, err := url.QueryUnescape(value)
	if err != nil {
		return false
	}

	_, token, found := strings.Cut(unescaped, "||")
	if !found {
		return false
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false
	}

	expiration, err := parsed.Claims.GetExpirationTime()
	if err != nil || expiration == nil {
		return false
	}

	return expiration.Before(time.Now())
}

// isSessionExpiredURI classifies a terminal redirect: Steam lands expired
// sessions on /login pages or the lostauth host.
func isSessionExpiredURI(u *url.URL) bool {
	if u == nil {
		return false
	}
	return strings.HasPrefix(u.Path, "/login") || u.Host == "lostauth"
}

// profilePath is the handler's own absolute profile path, preferring the
// vanity form when one is known.
func (h *Handler) profilePath() string {
	h.vanityMu.RLock()
	vanity := h.vanityURL
	h.vanityMu.RUnlock()

	if vanity != "" {
		return "/id/" + vanity
	}
	return "/profiles/" + h.steamID.String()
}

// isSelfProfileURI reports whether the terminal URI points at the handler's
// own profile, a known Steam quirk on unrelated requests.
func (h *Handler) isSelfProfileURI(u *url.URL) bool {
	if u == nil || h.steamID.Uint64() == 0 {
		return false
	}
	return u.Path == h.profilePath()
}

// cookieValue reads a cookie from the given host's jar.
func (h *Handler) cookieValue(host string, name string) (string, bool) {
	cookieURL := &url.URL{Scheme: "https", Host: host, Path: "/"}
	for _, cookie := range h.transport.CookieJar().Cookies(cookieURL) {
		if cookie.Name == name {
			return cookie.Value, true
		}
	}
	return "", false
}
