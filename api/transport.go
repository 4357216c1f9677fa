package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/escrow-tf/steamguard/limiter"
	"github.com/escrow-tf/steamguard/steamlang"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rotisserie/eris"
)

// Hosts this client talks to. Session cookies are installed on the three web
// hosts; RPCs go to the WebAPI host.
const (
	CommunityHost = "steamcommunity.com"
	StoreHost     = "store.steampowered.com"
	HelpHost      = "help.steampowered.com"
	WebAPIHost    = "api.steampowered.com"
)

const BaseURL = "https://" + WebAPIHost

const JsonContentType = "application/json"
const FormContentType = "application/x-www-form-urlencoded"

// UserAgent impersonates the official mobile app's HTTP stack.
const UserAgent = "okhttp/3.12.12"

// WebHosts lists the hosts that carry a web session.
func WebHosts() []string {
	return []string{CommunityHost, StoreHost, HelpHost}
}

// Request describes one WebAPI call.
type Request interface {
	Retryable() bool
	CacheTTL() time.Duration
	RequiresApiKey() bool
	Method() string
	Url() string
	Values() (url.Values, error)
}

type Transport interface {
	CookieJar() http.CookieJar
	Send(ctx context.Context, request Request, response any) error
	HttpClient() *http.Client
}

type HttpTransport struct {
	webApiKey   string
	client      *http.Client
	retryClient *retryablehttp.Client
	limiters    *limiter.Registry
}

type HttpTransportOptions struct {
	WebApiKey     string
	Proxy         *url.URL
	ResponseCache CacheAdaptor
	Limiters      *limiter.Registry
}

func NewTransport(options HttpTransportOptions) *HttpTransport {
	jar, err := cookiejar.New(nil)
	if err != nil {
		panic("Failed to create cookie jar, which should never happen as cookiejar.New does not return any errors")
	}

	for _, host := range WebHosts() {
		cookieUrl := &url.URL{Scheme: "https", Host: host, Path: "/"}
		jar.SetCookies(cookieUrl, []*http.Cookie{
			{
				Name:  "mobileClient",
				Value: "android",
			},
			{
				Name:  "mobileClientVersion",
				Value: "777777 3.6.4",
			},
		})
	}

	pooled := cleanhttp.DefaultPooledTransport()
	if options.Proxy != nil {
		pooled.Proxy = http.ProxyURL(options.Proxy)
	}

	httpClient := &http.Client{
		Transport: newCachingTransport(pooled, options.ResponseCache),
		Jar:       jar,
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = httpClient
	retryClient.Logger = nil

	return &HttpTransport{
		webApiKey:   options.WebApiKey,
		client:      httpClient,
		retryClient: retryClient,
		limiters:    options.Limiters,
	}
}

func (c *HttpTransport) CookieJar() http.CookieJar {
	return c.client.Jar
}

func (c *HttpTransport) HttpClient() *http.Client {
	return c.client
}

// SetWebApiKey installs a WebAPI key for requests that require one. The key
// lifecycle is owned by the session handler.
func (c *HttpTransport) SetWebApiKey(key string) {
	c.webApiKey = key
}

// Limit runs op under the process-wide limiter bucket for host.
func (c *HttpTransport) Limit(ctx context.Context, host string, op func(ctx context.Context) error) error {
	if c.limiters == nil {
		return op(ctx)
	}
	return c.limiters.Limit(ctx, host, op)
}

// Send sends a specialized HTTP Request to steam.
func (c *HttpTransport) Send(ctx context.Context, request Request, response any) error {
	httpMethod := request.Method()

	requestValues, valuesErr := request.Values()
	if valuesErr != nil {
		return valuesErr
	}

	requestUrl := request.Url()

	if request.RequiresApiKey() {
		if c.webApiKey == "" {
			return eris.Errorf("request to %v requires a WebAPI key and none is set", requestUrl)
		}
		if requestValues == nil {
			requestValues = make(url.Values)
		}
		requestValues.Add("key", c.webApiKey)
	}

	var httpBody io.Reader
	if requestValues != nil {
		if httpMethod == http.MethodGet {
			if !strings.HasSuffix(requestUrl, "?") {
				requestUrl += "?"
			}
			requestUrl += requestValues.Encode()
		} else {
			httpBody = strings.NewReader(requestValues.Encode())
		}
	}

	if ttl := request.CacheTTL(); ttl > 0 {
		ctx = ContextWithCachingTtl(ctx, ttl)
	}

	httpRequest, httpRequestErr := http.NewRequestWithContext(ctx, httpMethod, requestUrl, httpBody)
	if httpRequestErr != nil {
		return httpRequestErr
	}

	httpRequest.Header.Add("Accept", JsonContentType)
	httpRequest.Header.Add("User-Agent", UserAgent)
	if httpMethod == http.MethodPost {
		httpRequest.Header.Add("Content-Type", FormContentType)
	}

	httpClient := c.client
	if request.Retryable() {
		httpClient = c.retryClient.StandardClient()
	}

	var httpResponse *http.Response
	sendErr := c.Limit(ctx, httpRequest.URL.Host, func(ctx context.Context) error {
		var doErr error
		httpResponse, doErr = httpClient.Do(httpRequest.WithContext(ctx))
		return doErr
	})
	if sendErr != nil {
		return eris.Wrap(sendErr, "request to Steam failed")
	}

	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			log.Printf("Error closing steam response body: %v", err)
		}
	}(httpResponse.Body)

	if err := steamlang.EnsureSuccessResponse(httpResponse); err != nil {
		return err
	}

	if err := steamlang.EnsureEResultResponse(httpResponse); err != nil {
		return err
	}

	if response != nil {
		responseBody, err := io.ReadAll(httpResponse.Body)
		if err != nil {
			return eris.Wrap(err, "couldn't read response body")
		}

		if err := json.Unmarshal(responseBody, response); err != nil {
			return eris.Wrap(err, "couldn't unmarshal response body")
		}
	}

	return nil
}
