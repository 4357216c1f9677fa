package steamguard

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/escrow-tf/steamguard/api"
	"github.com/escrow-tf/steamguard/htmlutil"
	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
)

// SessionField selects how the anti-CSRF session id is stamped into a POST
// body; endpoints are picky about the casing.
type SessionField int

const (
	// SessionFieldNone suppresses session stamping.
	SessionFieldNone SessionField = iota
	// SessionFieldLower stamps "sessionid"; most endpoints.
	SessionFieldLower
	// SessionFieldCamel stamps "sessionID"; market posts.
	SessionFieldCamel
	// SessionFieldPascal stamps "SessionID".
	SessionFieldPascal
)

func (f SessionField) fieldName() (string, bool) {
	switch f {
	case SessionFieldLower:
		return "sessionid", true
	case SessionFieldCamel:
		return "sessionID", true
	case SessionFieldPascal:
		return "SessionID", true
	default:
		return "", false
	}
}

// FormPair is one entry of an ordered POST body; order and duplicates are
// preserved on the wire, which multiajaxop depends on.
type FormPair struct {
	Name  string
	Value string
}

// RequestOptions tune a single executor call.
type RequestOptions struct {
	// Session selects the anti-CSRF stamping for POST bodies.
	Session SessionField

	// MaxTries overrides the handler's retry budget; zero means default.
	MaxTries int

	// WithoutSessionCheck skips the preemptive expiry probe. The call still
	// briefly blocks on the session mutex so it never rides a dead session
	// through an in-flight refresh.
	WithoutSessionCheck bool

	// Referer, when set, is sent along.
	Referer string
}

type requestSpec struct {
	method  string
	host    string
	path    string
	values  url.Values
	pairs   []FormPair
	options RequestOptions
	head    bool
}

type browseResult struct {
	finalURL   *url.URL
	statusCode int
	body       []byte
}

// execute runs the shared request template: session the call, wait for
// initialization, stamp the anti-CSRF field, dispatch under the limiter,
// classify the terminal URI, and retry within the budget.
func (h *Handler) execute(ctx context.Context, spec requestSpec) (*browseResult, error) {
	if spec.host == "" || spec.path == "" {
		return nil, eris.New("host and path must not be empty")
	}

	tries := spec.options.MaxTries
	if tries <= 0 {
		tries = h.maxTries
	}

	requestPath := spec.path
	if i := strings.IndexByte(requestPath, '?'); i >= 0 {
		requestPath = requestPath[:i]
	}

	var lastErr error
	for ; tries > 0; tries-- {
		if spec.options.WithoutSessionCheck {
			h.awaitSessionSettled()
		} else {
			expired, probeErr := h.IsSessionExpired(ctx)
			if probeErr == nil && expired {
				if !h.refreshSession(ctx) {
					return nil, ErrSessionRefreshFailed
				}
				lastErr = eris.New("session was expired, refreshed")
				continue
			}
		}

		if err := h.waitInitialized(ctx); err != nil {
			return nil, err
		}

		pairs, values, err := h.stampSession(spec)
		if err != nil {
			return nil, err
		}

		result, err := h.fetch(ctx, spec, pairs, values)
		if err != nil {
			lastErr = err
			continue
		}

		if isSessionExpiredURI(result.finalURL) {
			if !h.refreshSession(ctx) {
				return nil, ErrSessionRefreshFailed
			}
			lastErr = eris.Errorf("session expired redirect to %v", result.finalURL)
			continue
		}

		if h.isSelfProfileURI(result.finalURL) && result.finalURL.Path != requestPath {
			lastErr = eris.Errorf("self-profile redirect to %v", result.finalURL)
			continue
		}

		if result.statusCode < 200 || result.statusCode >= 300 {
			lastErr = eris.Errorf("request to %v failed with status %d", spec.path, result.statusCode)
			continue
		}

		return result, nil
	}

	if lastErr != nil {
		return nil, eris.Wrap(ErrTriesExhausted, lastErr.Error())
	}
	return nil, ErrTriesExhausted
}

// stampSession injects the session id into POST bodies under the requested
// casing. Ordered bodies drop any identical prior pair and append fresh.
func (h *Handler) stampSession(spec requestSpec) ([]FormPair, url.Values, error) {
	name, stamp := spec.options.Session.fieldName()
	if spec.method != http.MethodPost || !stamp {
		return spec.pairs, spec.values, nil
	}

	sessionID, err := h.SessionID(spec.host)
	if err != nil {
		return nil, nil, err
	}

	if spec.pairs != nil {
		stamped := make([]FormPair, 0, len(spec.pairs)+1)
		for _, pair := range spec.pairs {
			if pair.Name == name && pair.Value == sessionID {
				continue
			}
			stamped = append(stamped, pair)
		}
		stamped = append(stamped, FormPair{Name: name, Value: sessionID})
		return stamped, nil, nil
	}

	stamped := make(url.Values, len(spec.values)+1)
	for key, value := range spec.values {
		stamped[key] = value
	}
	stamped.Set(name, sessionID)
	return nil, stamped, nil
}

// waitInitialized polls until the session is initialized, one-second steps,
// bounded by the handler's connection timeout.
func (h *Handler) waitInitialized(ctx context.Context) error {
	deadline := time.Now().Add(h.connectionTimeout)
	for !h.initialized.Load() {
		if time.Now().After(deadline) {
			return ErrNotInitialized
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil
}

func encodePairs(pairs []FormPair) string {
	var b strings.Builder
	for i, pair := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(pair.Name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(pair.Value))
	}
	return b.String()
}

// fetch performs one HTTP round under the host's limiter bucket.
func (h *Handler) fetch(ctx context.Context, spec requestSpec, pairs []FormPair, values url.Values) (*browseResult, error) {
	var result *browseResult
	err := h.transport.Limit(ctx, spec.host, func(ctx context.Context) error {
		var bodyReader io.Reader
		if spec.method == http.MethodPost {
			var encoded string
			switch {
			case pairs != nil:
				encoded = encodePairs(pairs)
			case values != nil:
				encoded = values.Encode()
			}
			bodyReader = strings.NewReader(encoded)
		}

		request, reqErr := http.NewRequestWithContext(ctx, spec.method, "https://"+spec.host+spec.path, bodyReader)
		if reqErr != nil {
			return reqErr
		}
		request.Header.Set("User-Agent", api.UserAgent)
		if spec.method == http.MethodPost {
			request.Header.Set("Content-Type", api.FormContentType)
		}
		if spec.options.Referer != "" {
			request.Header.Set("Referer", spec.options.Referer)
		}

		response, doErr := h.transport.HttpClient().Do(request)
		if doErr != nil {
			return doErr
		}
		defer func() { _ = response.Body.Close() }()

		var body []byte
		if !spec.head {
			var readErr error
			body, readErr = io.ReadAll(response.Body)
			if readErr != nil {
				return readErr
			}
		}

		result = &browseResult{
			finalURL:   response.Request.URL,
			statusCode: response.StatusCode,
			body:       body,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetHTML fetches a page and parses it.
func (h *Handler) GetHTML(ctx context.Context, host string, path string, options RequestOptions) (*html.Node, error) {
	result, err := h.execute(ctx, requestSpec{
		method:  http.MethodGet,
		host:    host,
		path:    path,
		options: options,
	})
	if err != nil {
		return nil, err
	}

	root, err := htmlutil.ParseString(string(result.body))
	if err != nil {
		return nil, eris.Wrap(err, "couldn't parse HTML response")
	}
	return root, nil
}

// GetJSON fetches and unmarshals a JSON document into response.
func (h *Handler) GetJSON(ctx context.Context, host string, path string, response any, options RequestOptions) error {
	result, err := h.execute(ctx, requestSpec{
		method:  http.MethodGet,
		host:    host,
		path:    path,
		options: options,
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(result.body, response); err != nil {
		return eris.Wrap(err, "couldn't unmarshal JSON response")
	}
	return nil
}

// GetXML fetches and unmarshals an XML document into response.
func (h *Handler) GetXML(ctx context.Context, host string, path string, response any, options RequestOptions) error {
	result, err := h.execute(ctx, requestSpec{
		method:  http.MethodGet,
		host:    host,
		path:    path,
		options: options,
	})
	if err != nil {
		return err
	}

	if err := xml.Unmarshal(result.body, response); err != nil {
		return eris.Wrap(err, "couldn't unmarshal XML response")
	}
	return nil
}

// Head issues a HEAD through the full session-aware template.
func (h *Handler) Head(ctx context.Context, host string, path string, options RequestOptions) error {
	_, err := h.execute(ctx, requestSpec{
		method:  http.MethodHead,
		host:    host,
		path:    path,
		options: options,
		head:    true,
	})
	return err
}

// PostHTML posts a form and parses the resulting page.
func (h *Handler) PostHTML(ctx context.Context, host string, path string, data url.Values, options RequestOptions) (*html.Node, error) {
	result, err := h.execute(ctx, requestSpec{
		method:  http.MethodPost,
		host:    host,
		path:    path,
		values:  data,
		options: options,
	})
	if err != nil {
		return nil, err
	}

	root, err := htmlutil.ParseString(string(result.body))
	if err != nil {
		return nil, eris.Wrap(err, "couldn't parse HTML response")
	}
	return root, nil
}

// PostJSON posts a form and unmarshals the JSON reply into response.
func (h *Handler) PostJSON(ctx context.Context, host string, path string, data url.Values, response any, options RequestOptions) error {
	result, err := h.execute(ctx, requestSpec{
		method:  http.MethodPost,
		host:    host,
		path:    path,
		values:  data,
		options: options,
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(result.body, response); err != nil {
		return eris.Wrap(err, "couldn't unmarshal JSON response")
	}
	return nil
}

// PostJSONPairs posts an ordered body and unmarshals the JSON reply into
// response.
func (h *Handler) PostJSONPairs(ctx context.Context, host string, path string, pairs []FormPair, response any, options RequestOptions) error {
	if pairs == nil {
		pairs = []FormPair{}
	}

	result, err := h.execute(ctx, requestSpec{
		method:  http.MethodPost,
		host:    host,
		path:    path,
		pairs:   pairs,
		options: options,
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(result.body, response); err != nil {
		return eris.Wrap(err, "couldn't unmarshal JSON response")
	}
	return nil
}

// Post posts a form and discards the reply.
func (h *Handler) Post(ctx context.Context, host string, path string, data url.Values, options RequestOptions) error {
	_, err := h.execute(ctx, requestSpec{
		method:  http.MethodPost,
		host:    host,
		path:    path,
		values:  data,
		options: options,
	})
	return err
}
