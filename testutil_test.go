package steamguard

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/escrow-tf/steamguard/api"
	"github.com/escrow-tf/steamguard/steamid"
	"github.com/stretchr/testify/require"
)

const testSteamID64 = "76561197960287930"

// 20 bytes of 0x61.
const testSharedSecret = "YWFhYWFhYWFhYWFhYWFhYWFhYWE="

// 20 zero bytes.
const testIdentitySecret = "AAAAAAAAAAAAAAAAAAAAAAAAAAA="

const testDeviceID = "android:5A6B7C8D-DEAD-BEEF-1234-567890ABCDEF"

type stubCall struct {
	method string
	host   string
	path   string
	body   string
}

// stubTransport replaces the pooled RoundTripper so tests run fully offline.
// Redirect handling stays with net/http's client, so terminal-URI
// classification is exercised for real.
type stubTransport struct {
	mu      sync.Mutex
	calls   []stubCall
	handler func(req *http.Request) (*http.Response, error)
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		raw, _ := io.ReadAll(req.Body)
		body = string(raw)
	}

	s.mu.Lock()
	s.calls = append(s.calls, stubCall{
		method: req.Method,
		host:   req.URL.Host,
		path:   req.URL.RequestURI(),
		body:   body,
	})
	s.mu.Unlock()

	response, err := s.handler(req)
	if response != nil && response.Request == nil {
		response.Request = req
	}
	return response, err
}

func (s *stubTransport) callsTo(path string) []stubCall {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []stubCall
	for _, call := range s.calls {
		if strings.HasPrefix(call.path, path) {
			matched = append(matched, call)
		}
	}
	return matched
}

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func redirectResponse(location string) *http.Response {
	response := textResponse(http.StatusFound, "")
	response.Header.Set("Location", location)
	return response
}

// healthyProbe answers the store session probe so preemptive checks pass.
func healthyProbe(req *http.Request) (*http.Response, bool) {
	if req.URL.Host == api.StoreHost && req.URL.Path == "/account" {
		return textResponse(http.StatusOK, ""), true
	}
	return nil, false
}

type fakeAccount struct {
	mu           sync.Mutex
	refreshCalls int
	refreshErr   error
	limited      bool
	handler      *Handler
}

func (a *fakeAccount) RefreshSession(ctx context.Context) error {
	a.mu.Lock()
	a.refreshCalls++
	a.mu.Unlock()

	if a.refreshErr != nil {
		return a.refreshErr
	}
	if a.handler != nil {
		a.handler.initialized.Store(true)
	}
	return nil
}

func (a *fakeAccount) IsAccountLimited() bool {
	return a.limited
}

func (a *fakeAccount) refreshCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshCalls
}

func newTestHandler(t *testing.T, stub *stubTransport, options HandlerOptions) (*Handler, *fakeAccount) {
	t.Helper()

	runtime := NewRuntime(
		WithWebLimiterDelay(0),
		WithConfirmationsLimiterDelay(0),
	)

	account := &fakeAccount{}
	handler, err := NewHandler(runtime, account, options)
	require.NoError(t, err)

	handler.transport.HttpClient().Transport = stub
	account.handler = handler

	return handler, account
}

// primeSession puts the handler into the initialized state a completed
// handshake leaves behind.
func primeSession(t *testing.T, handler *Handler) {
	t.Helper()

	id, err := steamid.ParseSteamID64(testSteamID64)
	require.NoError(t, err)

	handler.steamID = id

	now := time.Now()
	handler.sessionMu.Lock()
	handler.lastSessionCheck = now
	handler.lastSessionRefresh = now
	handler.sessionMu.Unlock()
	handler.initialized.Store(true)
}

func setCookie(handler *Handler, host string, name string, value string) {
	cookieURL := &url.URL{Scheme: "https", Host: host, Path: "/"}
	handler.transport.CookieJar().SetCookies(cookieURL, []*http.Cookie{
		{Name: name, Value: value, Path: "/"},
	})
}
