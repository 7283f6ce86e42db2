// Package httpclient executes HTTP calls on behalf of http.request steps and
// shapes the response into the record stored in the run context.
package httpclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultTimeout         = schema.DefaultTimeoutMs * time.Millisecond
	defaultMaxRedirects    = 10
)

// Config configures a Client.
type Config struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

// Auth selects one of the supported authentication schemes.
type Auth struct {
	Type        string `json:"type"` // bearer | basic | apiKey
	Token       string `json:"token,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	HeaderName  string `json:"headerName,omitempty"`
	HeaderValue string `json:"headerValue,omitempty"`
}

// Request is the resolved request configuration of one call.
type Request struct {
	Method            string            `json:"method,omitempty"`
	URL               string            `json:"url"`
	Headers           map[string]string `json:"headers,omitempty"`
	Query             map[string]string `json:"query,omitempty"`
	Body              any               `json:"body,omitempty"`
	BodyEncoding      string            `json:"bodyEncoding,omitempty"` // json | form | text | raw
	Auth              *Auth             `json:"auth,omitempty"`
	TimeoutMs         int               `json:"timeoutMs,omitempty"`
	FollowRedirects   *bool             `json:"followRedirects,omitempty"`
	MaxRedirects      int               `json:"maxRedirects,omitempty"`
	TLSSkipVerify     bool              `json:"tlsSkipVerify,omitempty"`
	FailOnErrorStatus bool              `json:"failOnErrorStatus,omitempty"`
}

// Response is the outcome of one call.
type Response struct {
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Body      any               `json:"body"`
	Duration  int64             `json:"duration"` // ms
	Timestamp time.Time         `json:"timestamp"`
}

// Record returns the response in the shape other steps read from data.
func (r *Response) Record() map[string]any {
	return map[string]any{
		"status":    r.Status,
		"headers":   r.Headers,
		"body":      r.Body,
		"duration":  r.Duration,
		"timestamp": r.Timestamp.Format(time.RFC3339Nano),
	}
}

// Client executes Requests.
type Client struct {
	config Config
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	return &Client{config: cfg}
}

// Validate checks the parts of req that do not depend on the remote side.
func Validate(req *Request) error {
	if req == nil || req.URL == "" {
		return schema.NewError(schema.ErrCodeConfig, "http request: missing required field 'url'")
	}
	u, err := url.ParseRequestURI(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeConfig, "http request: invalid url %q", req.URL)
	}
	switch req.BodyEncoding {
	case "", "json", "form", "text", "raw":
	default:
		return schema.NewErrorf(schema.ErrCodeConfig, "http request: unknown body encoding %q", req.BodyEncoding)
	}
	if req.Auth != nil {
		switch req.Auth.Type {
		case "bearer", "basic", "apiKey":
		default:
			return schema.NewErrorf(schema.ErrCodeConfig, "http request: unknown auth type %q", req.Auth.Type)
		}
	}
	return nil
}

// Execute performs req and returns the parsed response. JSON bodies are
// decoded; anything else is returned as text.
func (c *Client) Execute(ctx context.Context, req *Request) (*Response, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	timeout := c.config.DefaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	body, contentType, err := encodeBody(req)
	if err != nil {
		return nil, err
	}

	target, err := withQuery(req.URL, req.Query)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "http request: %s", err.Error()).WithCause(err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	applyAuth(httpReq, req.Auth)

	start := time.Now()
	resp, err := c.httpClient(req).Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "%s %s timed out after %dms", method, req.URL, timeout.Milliseconds()).
				WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeOperation, "%s %s failed: %s", method, req.URL, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeOperation, "%s %s: read response body: %s", method, req.URL, err.Error()).WithCause(err)
	}

	out := &Response{
		Status:    resp.StatusCode,
		Headers:   make(map[string]string, len(resp.Header)),
		Body:      decodeBody(raw, resp.Header.Get("Content-Type")),
		Duration:  time.Since(start).Milliseconds(),
		Timestamp: time.Now().UTC(),
	}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}

	if req.FailOnErrorStatus && resp.StatusCode >= 400 {
		return out, schema.NewErrorf(schema.ErrCodeOperation, "%s %s returned status %d", method, req.URL, resp.StatusCode).
			WithDetails(out.Record())
	}
	return out, nil
}

func (c *Client) httpClient(req *Request) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if req.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	if req.FollowRedirects != nil && !*req.FollowRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
		return client
	}
	limit := req.MaxRedirects
	if limit <= 0 {
		limit = defaultMaxRedirects
	}
	client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
		if len(via) >= limit {
			return fmt.Errorf("stopped after %d redirects", limit)
		}
		return nil
	}
	return client
}

func encodeBody(req *Request) (io.Reader, string, error) {
	if req.Body == nil {
		return nil, "", nil
	}
	switch req.BodyEncoding {
	case "form":
		form, ok := req.Body.(map[string]any)
		if !ok {
			return nil, "", schema.NewErrorf(schema.ErrCodeConfig, "http request: form body must be an object, got %T", req.Body)
		}
		vals := url.Values{}
		for k, v := range form {
			vals.Set(k, fmt.Sprint(v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprint(req.Body)), "text/plain", nil
	case "raw":
		return strings.NewReader(fmt.Sprint(req.Body)), "", nil
	default:
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, "", schema.NewErrorf(schema.ErrCodeConfig, "http request: body is not JSON-encodable: %s", err.Error()).WithCause(err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

func decodeBody(raw []byte, contentType string) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

func withQuery(rawURL string, query map[string]string) (string, error) {
	if len(query) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeConfig, "http request: invalid url %q", rawURL).WithCause(err)
	}
	q := u.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func applyAuth(req *http.Request, auth *Auth) {
	if auth == nil {
		return
	}
	switch auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "basic":
		req.SetBasicAuth(auth.Username, auth.Password)
	case "apiKey":
		if auth.HeaderName != "" {
			req.Header.Set(auth.HeaderName, auth.HeaderValue)
		}
	}
}
