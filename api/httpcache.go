package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"
)

// CacheAdaptor stores dumped HTTP responses for idempotent WebAPI requests.
type CacheAdaptor interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

type cacheTtlContextKey struct{}

type cachingTransport struct {
	next     http.RoundTripper
	cacheKey func(*http.Request) string
	cache    CacheAdaptor
}

func (c *cachingTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	// only cache idempotent requests
	if request.Method != http.MethodGet && request.Method != http.MethodHead {
		return c.next.RoundTrip(request)
	}

	ctx := request.Context()

	ttl, ttlOk := ctx.Value(cacheTtlContextKey{}).(time.Duration)
	if !ttlOk || ttl == 0 {
		return c.next.RoundTrip(request)
	}

	requestKey := c.cacheKey(request)
	if cachedResponse, cacheErr := c.cache.Get(ctx, requestKey); cacheErr == nil {
		reader := bufio.NewReader(strings.NewReader(cachedResponse))
		if response, readErr := http.ReadResponse(reader, request); readErr == nil {
			return response, nil
		}
	}

	response, err := c.next.RoundTrip(request)
	if err != nil {
		return nil, err
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return response, nil
	}

	// best effort; a failed cache write must not fail the request
	_ = c.cacheResponse(ctx, requestKey, response, ttl)

	return response, nil
}

func (c *cachingTransport) cacheResponse(
	ctx context.Context,
	key string,
	response *http.Response,
	ttl time.Duration,
) error {
	responseDump, dumpErr := httputil.DumpResponse(response, true)
	if dumpErr != nil {
		return dumpErr
	}

	return c.cache.Set(ctx, key, string(responseDump), ttl)
}

// ContextWithCachingTtl marks a request's context so the caching transport
// serves and stores it with the given TTL.
func ContextWithCachingTtl(ctx context.Context, ttl time.Duration) context.Context {
	return context.WithValue(ctx, cacheTtlContextKey{}, ttl)
}

func newCachingTransport(next http.RoundTripper, cache CacheAdaptor) http.RoundTripper {
	if cache == nil {
		return next
	}

	return &cachingTransport{
		next:     next,
		cacheKey: func(request *http.Request) string { return request.URL.String() },
		cache:    cache,
	}
}
