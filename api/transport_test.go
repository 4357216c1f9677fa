package api

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/escrow-tf/steamguard/steamlang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRequest struct {
	retryable   bool
	cacheTTL    time.Duration
	requiresKey bool
	method      string
	url         string
	values      url.Values
}

func (r testRequest) Retryable() bool             { return r.retryable }
func (r testRequest) CacheTTL() time.Duration     { return r.cacheTTL }
func (r testRequest) RequiresApiKey() bool        { return r.requiresKey }
func (r testRequest) Method() string              { return r.method }
func (r testRequest) Url() string                 { return r.url }
func (r testRequest) Values() (url.Values, error) { return r.values, nil }

type recordingRoundTripper struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
	respond  func(req *http.Request) *http.Response
}

func (rt *recordingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		raw, _ := io.ReadAll(req.Body)
		body = string(raw)
	}

	rt.mu.Lock()
	rt.requests = append(rt.requests, req)
	rt.bodies = append(rt.bodies, body)
	rt.mu.Unlock()

	return rt.respond(req), nil
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newStubbedTransport(respond func(req *http.Request) *http.Response) (*HttpTransport, *recordingRoundTripper) {
	transport := NewTransport(HttpTransportOptions{})
	rt := &recordingRoundTripper{respond: respond}
	transport.HttpClient().Transport = rt
	return transport, rt
}

func TestSendGetEncodesQuery(t *testing.T) {
	transport, rt := newStubbedTransport(func(req *http.Request) *http.Response {
		return jsonResponse(http.StatusOK, `{"response":{"value":"hi"}}`)
	})

	request := testRequest{
		method: http.MethodGet,
		url:    BaseURL + "/ITest/Method/v1/",
		values: url.Values{"steamid": []string{"0"}},
	}

	var response struct {
		Response struct {
			Value string `json:"value"`
		} `json:"response"`
	}
	err := transport.Send(context.Background(), request, &response)
	require.NoError(t, err)
	assert.Equal(t, "hi", response.Response.Value)

	require.Len(t, rt.requests, 1)
	sent := rt.requests[0]
	assert.Equal(t, "steamid=0", sent.URL.RawQuery)
	assert.Equal(t, JsonContentType, sent.Header.Get("Accept"))
	assert.Equal(t, UserAgent, sent.Header.Get("User-Agent"))
}

func TestSendPostEncodesFormBody(t *testing.T) {
	transport, rt := newStubbedTransport(func(req *http.Request) *http.Response {
		return jsonResponse(http.StatusOK, `{}`)
	})

	request := testRequest{
		method: http.MethodPost,
		url:    BaseURL + "/ITest/Method/v1/",
		values: url.Values{"client_id": []string{"abc"}},
	}

	err := transport.Send(context.Background(), request, nil)
	require.NoError(t, err)

	require.Len(t, rt.requests, 1)
	assert.Equal(t, FormContentType, rt.requests[0].Header.Get("Content-Type"))
	assert.Equal(t, "client_id=abc", rt.bodies[0])
}

func TestSendClassifiesEResultHeader(t *testing.T) {
	transport, _ := newStubbedTransport(func(req *http.Request) *http.Response {
		response := jsonResponse(http.StatusOK, `{}`)
		response.Header["X-Eresult"] = []string{"15"}
		return response
	})

	request := testRequest{
		method: http.MethodPost,
		url:    BaseURL + "/ITest/Method/v1/",
	}

	err := transport.Send(context.Background(), request, nil)
	require.Error(t, err)
	assert.True(t, steamlang.IsResult(err, steamlang.AccessDeniedResult))
}

func TestSendFailsOnErrorStatus(t *testing.T) {
	transport, _ := newStubbedTransport(func(req *http.Request) *http.Response {
		return jsonResponse(http.StatusInternalServerError, "")
	})

	request := testRequest{
		method: http.MethodGet,
		url:    BaseURL + "/ITest/Method/v1/",
	}

	err := transport.Send(context.Background(), request, nil)
	assert.Error(t, err)
}

func TestSendRequiresApiKey(t *testing.T) {
	transport, rt := newStubbedTransport(func(req *http.Request) *http.Response {
		return jsonResponse(http.StatusOK, `{}`)
	})

	request := testRequest{
		method:      http.MethodGet,
		url:         BaseURL + "/ITest/Method/v1/",
		requiresKey: true,
	}

	err := transport.Send(context.Background(), request, nil)
	assert.Error(t, err, "no key set yet")
	assert.Empty(t, rt.requests)

	transport.SetWebApiKey("0123456789ABCDEF0123456789ABCDEF")
	err = transport.Send(context.Background(), request, nil)
	require.NoError(t, err)
	require.Len(t, rt.requests, 1)
	assert.Equal(t, "0123456789ABCDEF0123456789ABCDEF", rt.requests[0].URL.Query().Get("key"))
}

func TestTransportSeedsMobileCookies(t *testing.T) {
	transport := NewTransport(HttpTransportOptions{})

	for _, host := range WebHosts() {
		cookieURL := &url.URL{Scheme: "https", Host: host, Path: "/"}
		cookies := map[string]string{}
		for _, cookie := range transport.CookieJar().Cookies(cookieURL) {
			cookies[cookie.Name] = cookie.Value
		}
		assert.Equal(t, "android", cookies["mobileClient"], host)
		assert.Contains(t, cookies, "mobileClientVersion", host)
	}
}

type memoryCache struct {
	mu    sync.Mutex
	items map[string]string
}

func (m *memoryCache) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.items[key]
	if !ok {
		return "", context.Canceled
	}
	return value, nil
}

func (m *memoryCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = map[string]string{}
	}
	m.items[key] = value
	return nil
}

func TestCachingTransportServesRepeatGets(t *testing.T) {
	cache := &memoryCache{}
	transport := NewTransport(HttpTransportOptions{ResponseCache: cache})

	rt := &recordingRoundTripper{respond: func(req *http.Request) *http.Response {
		return jsonResponse(http.StatusOK, `{"response":{"value":"cached"}}`)
	}}
	// rebuild the chain with the stub underneath the cache layer
	transport.HttpClient().Transport = newCachingTransport(rt, cache)

	request := testRequest{
		method:   http.MethodGet,
		url:      BaseURL + "/ITest/Method/v1/",
		cacheTTL: time.Minute,
	}

	for i := 0; i < 3; i++ {
		var response struct {
			Response struct {
				Value string `json:"value"`
			} `json:"response"`
		}
		err := transport.Send(context.Background(), request, &response)
		require.NoError(t, err)
		assert.Equal(t, "cached", response.Response.Value)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Len(t, rt.requests, 1, "repeat GETs within TTL must come from cache")
}
