package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"persona-chat/internal/domain"
)

func TestEndpoint(t *testing.T) {
	cases := []struct {
		base, path, want string
	}{
		{"https://api.openai.com/v1", pathChat, "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com/v1/", pathChat, "https://api.openai.com/v1/chat/completions"},
		{"http://localhost:8080", pathChat, "http://localhost:8080/v1/chat/completions"},
		{"", pathChat, "https://api.openai.com/v1/chat/completions"},
		{"http://localhost:8080/", pathModeration, "http://localhost:8080/v1/moderations"},
		{"", pathModeration, "https://api.openai.com/v1/moderations"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, endpoint(tc.base, tc.path), "base=%q", tc.base)
	}
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(nil, "/persona-chat")
	require.ErrorContains(t, err, "nil")
	_, err = NewClient(&fakeGetter{}, " / ")
	require.ErrorContains(t, err, "prefix")

	c, err := NewClient(&fakeGetter{}, "/persona-chat/")
	require.NoError(t, err)
	require.Equal(t, defaultBaseURL, c.baseURL)
	require.Equal(t, "/persona-chat/open-ai-token", c.tokenParam)
}

// fakeGetter serves the token parameter.
type fakeGetter struct {
	val   string
	err   error
	calls int
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.val, f.err
}

func TestToken_ReadOncePerProcess(t *testing.T) {
	g := &fakeGetter{val: `{"token":"sk-from-ssm"}`}
	c, err := NewClient(g, "/persona-chat")
	require.NoError(t, err)

	for range 3 {
		key, err := c.token(context.Background())
		require.NoError(t, err)
		require.Equal(t, "sk-from-ssm", key)
	}
	require.Equal(t, 1, g.calls)
}

func TestLoadToken(t *testing.T) {
	const name = "/persona-chat/open-ai-token"
	cases := []struct {
		desc    string
		getter  Getter
		name    string
		want    string
		wantErr string
	}{
		{"json token", &fakeGetter{val: `{"token":"sk-json"}`}, name, "sk-json", ""},
		{"missing field", &fakeGetter{val: `{"other":"value"}`}, name, "", "API token is empty"},
		{"blank token", &fakeGetter{val: `{"token":"  "}`}, name, "", "API token is empty"},
		{"malformed", &fakeGetter{val: `{"broken`}, name, "", "unmarshal"},
		{"getter error", &fakeGetter{err: errors.New("ssm unavailable")}, name, "", "ssm unavailable"},
		{"nil getter", nil, name, "", "nil"},
		{"empty name", &fakeGetter{val: `{"token":"sk"}`}, " ", "", "empty"},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := loadToken(context.Background(), tc.getter, tc.name)
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

// ---------------------------------------------------------------------------
// Client.Complete
// ---------------------------------------------------------------------------

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(
		&fakeGetter{val: `{"token":"sk-test"}`},
		"/persona-chat",
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
		WithDefaultModel("gpt-mock"),
	)
	require.NoError(t, err)
	return c
}

var hiMessages = []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}}

func TestClient_Complete_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "gpt-persona", req.Model)
		require.Equal(t, 300, req.MaxTokens)
		require.NotNil(t, req.Temperature)
		require.InDelta(t, 0.9, *req.Temperature, 1e-9)
		require.Nil(t, req.ResponseFormat)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-123",
			"object": "chat.completion",
			"created": 1670000000,
			"choices": [{
				"index": 0,
				"message": { "role": "assistant", "content": "在呢\n刚下班" },
				"finish_reason": "stop"
			}]
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.Complete(context.Background(), hiMessages, domain.CompletionOptions{
		Model:           "gpt-persona",
		MaxOutputLength: 300,
		Temperature:     0.9,
	})
	require.NoError(t, err)
	require.Equal(t, "在呢\n刚下班", resp)
}

func TestClient_Complete_SchemaAsResponseFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqBody, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Contains(t, string(reqBody), `"response_format":{"type":"json_schema"`)
		require.Contains(t, string(reqBody), `"name":"pending_decision"`)
		require.Contains(t, string(reqBody), `"strict":true`)
		require.Contains(t, string(reqBody), `"model":"gpt-mock"`)
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"{\"decision\":\"accept\"}"}}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.Complete(context.Background(), hiMessages, domain.CompletionOptions{
		Schema: &domain.ResponseSchema{Name: "pending_decision", Schema: json.RawMessage(`{"type":"object"}`)},
	})
	require.NoError(t, err)
	require.Equal(t, `{"decision":"accept"}`, resp)
}

func TestClient_Complete_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`not-a-json`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Complete(context.Background(), hiMessages, domain.CompletionOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode response")
}

func TestClient_Complete_TimeoutOption(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Complete(context.Background(), hiMessages, domain.CompletionOptions{Timeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestClient_Complete_HTTPClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.httpClient = &http.Client{Timeout: 50 * time.Millisecond}
	_, err := c.Complete(context.Background(), hiMessages, domain.CompletionOptions{})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestClient_Complete_CallerCancelIsNotTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := c.Complete(ctx, hiMessages, domain.CompletionOptions{})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, context.Canceled)
}

func TestClient_Complete_EmptyModel(t *testing.T) {
	c, err := NewClient(&fakeGetter{val: `{"token":"sk-test"}`}, "/persona-chat")
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), hiMessages, domain.CompletionOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "model")
}

func TestClient_Complete_EmptyMessages(t *testing.T) {
	c, err := NewClient(&fakeGetter{val: `{"token":"sk-test"}`}, "/persona-chat", WithDefaultModel("gpt-mock"))
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), nil, domain.CompletionOptions{})
	require.ErrorContains(t, err, "messages")
}

func TestClient_Complete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Complete(context.Background(), hiMessages, domain.CompletionOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no choices")
}

func TestClient_Moderate_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"results":[{"flagged":false}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.httpClient = &http.Client{Timeout: 50 * time.Millisecond}
	_, err := c.Moderate(context.Background(), "hello")
	require.Error(t, err)
}

func TestClient_Moderate_NetworkError(t *testing.T) {
	c, err := NewClient(&fakeGetter{val: `{"token":"sk-test"}`}, "/persona-chat")
	require.NoError(t, err)
	c.baseURL = "http://127.0.0.1:1"
	c.httpClient = &http.Client{Timeout: 100 * time.Millisecond}

	_, err = c.Moderate(context.Background(), "hello")
	require.Error(t, err)
	require.Contains(t, err.Error(), "request failed")
}

// ---------------------------------------------------------------------------
// Client.Moderate
// ---------------------------------------------------------------------------

func TestClient_Moderate_NotFlagged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/moderations", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"results":[{"flagged":false}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	flagged, err := c.Moderate(context.Background(), "晚上一起吃饭吗")
	require.NoError(t, err)
	require.False(t, flagged)
}

func TestClient_Moderate_Flagged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"results":[{"flagged":true}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	flagged, err := c.Moderate(context.Background(), "some unsafe content")
	require.NoError(t, err)
	require.True(t, flagged)
}

func TestClient_Moderate_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`not-json`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Moderate(context.Background(), "hello")
	require.Error(t, err)
	require.ErrorContains(t, err, "moderate: decode response")
}

func TestClient_Moderate_EmptyResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Moderate(context.Background(), "hello")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no results")
}

func TestClient_UpstreamStatus(t *testing.T) {
	calls := map[string]func(*Client) error{
		"complete": func(c *Client) error {
			_, err := c.Complete(context.Background(), hiMessages, domain.CompletionOptions{})
			return err
		},
		"moderate": func(c *Client) error {
			_, err := c.Moderate(context.Background(), "hello")
			return err
		},
	}
	for name, call := range calls {
		for _, status := range []int{400, 429, 500} {
			t.Run(fmt.Sprintf("%s/%d", name, status), func(t *testing.T) {
				srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(status)
					_, _ = w.Write([]byte(`{"error":"upstream"}`))
				}))
				defer srv.Close()

				err := call(newTestClient(t, srv))
				var statusErr *HTTPStatusError
				require.ErrorAs(t, err, &statusErr)
				require.Equal(t, status, statusErr.HTTPStatusCode())
				require.ErrorContains(t, err, "unexpected status")
			})
		}
	}
}
