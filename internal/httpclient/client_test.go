package httpclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func TestExecute_GETJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "7", r.URL.Query().Get("page"))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Custom", "test-value")
		_ = json.NewEncoder(w).Encode(map[string]any{"greeting": "hello", "count": 42})
	}))
	defer srv.Close()

	resp, err := New(Config{}).Execute(context.Background(), &Request{URL: srv.URL, Query: map[string]string{"page": "7"}})
	require.NoError(t, err)

	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "test-value", resp.Headers["X-Custom"])
	body, ok := resp.Body.(map[string]any)
	require.True(t, ok, "json body should be decoded")
	assert.Equal(t, "hello", body["greeting"])
	assert.GreaterOrEqual(t, resp.Duration, int64(0))
	assert.False(t, resp.Timestamp.IsZero())

	rec := resp.Record()
	for _, key := range []string{"status", "headers", "body", "duration", "timestamp"} {
		assert.Contains(t, rec, key)
	}
}

func TestExecute_POSTJSONBody(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &received)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer srv.Close()

	resp, err := New(Config{}).Execute(context.Background(), &Request{
		Method: "post",
		URL:    srv.URL,
		Body:   map[string]any{"name": "widget", "qty": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, 201, resp.Status)
	assert.Equal(t, "created", resp.Body)
	assert.Equal(t, "widget", received["name"])
}

func TestExecute_FormBodyAndAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "ada", r.PostForm.Get("user"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "u", user)
		assert.Equal(t, "p", pass)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	resp, err := New(Config{}).Execute(context.Background(), &Request{
		Method:       http.MethodPost,
		URL:          srv.URL,
		Body:         map[string]any{"user": "ada"},
		BodyEncoding: "form",
		Auth:         &Auth{Type: "basic", Username: "u", Password: "p"},
	})
	require.NoError(t, err)
	assert.Equal(t, 204, resp.Status)
	assert.Nil(t, resp.Body)
}

func TestExecute_BearerAndAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Auth", r.Header.Get("Authorization"))
		w.Header().Set("X-Key", r.Header.Get("X-Api-Key"))
	}))
	defer srv.Close()

	c := New(Config{})
	resp, err := c.Execute(context.Background(), &Request{URL: srv.URL, Auth: &Auth{Type: "bearer", Token: "t0k"}})
	require.NoError(t, err)
	assert.Equal(t, "Bearer t0k", resp.Headers["X-Auth"])

	resp, err = c.Execute(context.Background(), &Request{URL: srv.URL, Auth: &Auth{Type: "apiKey", HeaderName: "X-Api-Key", HeaderValue: "k"}})
	require.NoError(t, err)
	assert.Equal(t, "k", resp.Headers["X-Key"])
}

func TestExecute_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{})
	resp, err := c.Execute(context.Background(), &Request{URL: srv.URL})
	require.NoError(t, err, "error statuses are data unless failOnErrorStatus is set")
	assert.Equal(t, 503, resp.Status)

	resp, err = c.Execute(context.Background(), &Request{URL: srv.URL, FailOnErrorStatus: true})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeOperation))
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, 503, resp.Status)
}

func TestExecute_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	_, err := New(Config{}).Execute(context.Background(), &Request{URL: srv.URL, TimeoutMs: 50})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTimeout))
	assert.Contains(t, err.Error(), "50ms")
}

func TestExecute_NoFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("new"))
	}))
	defer srv.Close()

	follow := false
	resp, err := New(Config{}).Execute(context.Background(), &Request{URL: srv.URL + "/old", FollowRedirects: &follow})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.Status)

	resp, err = New(Config{}).Execute(context.Background(), &Request{URL: srv.URL + "/old"})
	require.NoError(t, err)
	assert.Equal(t, "new", resp.Body)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		req  *Request
		ok   bool
	}{
		{"nil", nil, false},
		{"missing url", &Request{}, false},
		{"bad scheme", &Request{URL: "ftp://example.test"}, false},
		{"relative", &Request{URL: "/api"}, false},
		{"bad encoding", &Request{URL: "https://example.test", BodyEncoding: "xml"}, false},
		{"bad auth", &Request{URL: "https://example.test", Auth: &Auth{Type: "oauth"}}, false},
		{"ok", &Request{URL: "https://example.test/api"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.req)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, schema.HasCode(err, schema.ErrCodeConfig))
		})
	}
}
