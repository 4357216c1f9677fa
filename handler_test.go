package steamguard

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/escrow-tf/steamguard/api"
	"github.com/escrow-tf/steamguard/steamid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const authenticateUserPath = "/ISteamUserAuth/AuthenticateUser/v1/"

func authenticateUserStub() func(req *http.Request) (*http.Response, error) {
	return func(req *http.Request) (*http.Response, error) {
		if req.URL.Host == api.WebAPIHost && req.URL.Path == authenticateUserPath {
			return textResponse(http.StatusOK, `{"authenticateuser":{"token":"tok123","tokensecure":"sec456"}}`), nil
		}
		if req.URL.Path == "/parental/ajaxunlock" {
			return textResponse(http.StatusOK, `{"success":true}`), nil
		}
		if response, ok := healthyProbe(req); ok {
			return response, nil
		}
		return textResponse(http.StatusNotFound, ""), nil
	}
}

func testSteamID(t *testing.T) steamid.SteamID {
	t.Helper()
	id, err := steamid.ParseSteamID64(testSteamID64)
	require.NoError(t, err)
	return id
}

func TestInitInstallsSessionCookies(t *testing.T) {
	stub := &stubTransport{}
	stub.handler = authenticateUserStub()

	handler, _ := newTestHandler(t, stub, HandlerOptions{})

	err := handler.Init(context.Background(), testSteamID(t), steamid.UniversePublic, "nonce-value", "")
	require.NoError(t, err)

	assert.True(t, handler.IsInitialized())

	handler.sessionMu.Lock()
	healthy := handler.lastSeenHealthy()
	handler.sessionMu.Unlock()
	assert.True(t, healthy)

	assert.Equal(t, testSteamID64, handler.SteamID().String())

	wantSessionID := base64.StdEncoding.EncodeToString([]byte(testSteamID64))

	jar := handler.transport.CookieJar()
	for _, host := range api.WebHosts() {
		cookieURL := &url.URL{Scheme: "https", Host: host, Path: "/"}
		cookies := map[string]string{}
		for _, cookie := range jar.Cookies(cookieURL) {
			cookies[cookie.Name] = cookie.Value
		}

		assert.Equal(t, wantSessionID, cookies["sessionid"], host)
		assert.Equal(t, "tok123", cookies["steamLogin"], host)
		assert.Equal(t, "sec456", cookies["steamLoginSecure"], host)
		require.Contains(t, cookies, "timezoneOffset", host)
		assert.Contains(t, cookies["timezoneOffset"], "%2C0", host)
	}

	calls := stub.callsTo(authenticateUserPath)
	require.Len(t, calls, 1, "the nonce is single-use: exactly one attempt")
	assert.Contains(t, calls[0].body, "steamid="+testSteamID64)
	assert.Contains(t, calls[0].body, "sessionkey=")
	assert.Contains(t, calls[0].body, "encrypted_loginkey=")
}

func TestInitValidation(t *testing.T) {
	stub := &stubTransport{}
	stub.handler = authenticateUserStub()

	clanID, err := steamid.ParseSteamID64("103582791429521412")
	require.NoError(t, err)

	tests := []struct {
		name     string
		steamID  steamid.SteamID
		universe steamid.Universe
		nonce    string
	}{
		{"ClanID", clanID, steamid.UniversePublic, "nonce"},
		{"InvalidUniverse", testSteamID(t), steamid.UniverseInvalid, "nonce"},
		{"OutOfRangeUniverse", testSteamID(t), steamid.Universe(99), "nonce"},
		{"EmptyNonce", testSteamID(t), steamid.UniversePublic, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _ := newTestHandler(t, stub, HandlerOptions{})
			err := handler.Init(context.Background(), tt.steamID, tt.universe, tt.nonce, "")
			assert.Error(t, err)
			assert.False(t, handler.IsInitialized())
		})
	}
}

func TestInitUnknownUniverseKey(t *testing.T) {
	stub := &stubTransport{}
	stub.handler = authenticateUserStub()

	handler, _ := newTestHandler(t, stub, HandlerOptions{})
	err := handler.Init(context.Background(), testSteamID(t), steamid.UniverseBeta, "nonce", "")
	assert.Error(t, err)
	assert.Empty(t, stub.callsTo(authenticateUserPath), "no RSA key, no RPC")
}

func TestInitMissingTokensFails(t *testing.T) {
	stub := &stubTransport{}
	stub.handler = func(req *http.Request) (*http.Response, error) {
		if req.URL.Path == authenticateUserPath {
			return textResponse(http.StatusOK, `{"authenticateuser":{"token":"","tokensecure":""}}`), nil
		}
		return textResponse(http.StatusOK, ""), nil
	}

	handler, _ := newTestHandler(t, stub, HandlerOptions{})
	err := handler.Init(context.Background(), testSteamID(t), steamid.UniversePublic, "nonce", "")
	assert.Error(t, err)
	assert.False(t, handler.IsInitialized())
}

func TestInitWithParentalUnlock(t *testing.T) {
	stub := &stubTransport{}
	stub.handler = authenticateUserStub()

	handler, _ := newTestHandler(t, stub, HandlerOptions{})
	err := handler.Init(context.Background(), testSteamID(t), steamid.UniversePublic, "nonce", "1234")
	require.NoError(t, err)
	assert.True(t, handler.IsInitialized())

	calls := stub.callsTo("/parental/ajaxunlock")
	require.Len(t, calls, 2, "unlock must hit community and store")

	hosts := map[string]bool{}
	for _, call := range calls {
		hosts[call.host] = true
		assert.Contains(t, call.body, "pin=1234")
		assert.Contains(t, call.body, "sessionid=")
	}
	assert.True(t, hosts[api.CommunityHost])
	assert.True(t, hosts[api.StoreHost])
}

func TestInitRejectsBadParentalCode(t *testing.T) {
	stub := &stubTransport{}
	stub.handler = authenticateUserStub()

	handler, _ := newTestHandler(t, stub, HandlerOptions{})
	err := handler.Init(context.Background(), testSteamID(t), steamid.UniversePublic, "nonce", "12345")
	assert.Error(t, err)
	assert.False(t, handler.IsInitialized())
}

func TestInitParentalUnlockExpiredSessionIsTerminal(t *testing.T) {
	stub := &stubTransport{}
	stub.handler = func(req *http.Request) (*http.Response, error) {
		if req.URL.Path == authenticateUserPath {
			return textResponse(http.StatusOK, `{"authenticateuser":{"token":"tok","tokensecure":"sec"}}`), nil
		}
		if req.URL.Path == "/parental/ajaxunlock" {
			return redirectResponse("https://" + req.URL.Host + "/login/home/"), nil
		}
		if strings.HasPrefix(req.URL.Path, "/login") {
			return textResponse(http.StatusOK, ""), nil
		}
		return textResponse(http.StatusOK, ""), nil
	}

	handler, _ := newTestHandler(t, stub, HandlerOptions{})
	err := handler.Init(context.Background(), testSteamID(t), steamid.UniversePublic, "nonce", "1234")
	assert.Error(t, err)
	assert.False(t, handler.IsInitialized())

	unlockCalls := stub.callsTo("/parental/ajaxunlock")
	assert.LessOrEqual(t, len(unlockCalls), 2, "an expired redirect must not be retried")
}

func TestOnDisconnectedClearsSessionAndKey(t *testing.T) {
	stub := &stubTransport{}
	stub.handler = authenticateUserStub()

	handler, _ := newTestHandler(t, stub, HandlerOptions{})
	primeSession(t, handler)

	key := "0123456789ABCDEF0123456789ABCDEF"
	handler.apiKeyMu.Lock()
	handler.cacheAPIKeyLocked(key)
	handler.apiKeyMu.Unlock()

	handler.OnDisconnected()

	assert.False(t, handler.IsInitialized())
	handler.apiKeyMu.Lock()
	assert.Nil(t, handler.cachedAPIKey)
	handler.apiKeyMu.Unlock()
}

func TestNewHandlerValidation(t *testing.T) {
	runtime := NewRuntime()

	_, err := NewHandler(nil, &fakeAccount{}, HandlerOptions{})
	assert.Error(t, err)

	_, err = NewHandler(runtime, nil, HandlerOptions{})
	assert.Error(t, err)
}

func TestSessionIDReadsCookie(t *testing.T) {
	stub := &stubTransport{}
	stub.handler = authenticateUserStub()

	handler, _ := newTestHandler(t, stub, HandlerOptions{})

	_, err := handler.SessionID(api.CommunityHost)
	assert.ErrorIs(t, err, ErrNoSessionCookie)

	setCookie(handler, api.CommunityHost, "sessionid", "sid123")
	sessionID, err := handler.SessionID(api.CommunityHost)
	require.NoError(t, err)
	assert.Equal(t, "sid123", sessionID)
}
