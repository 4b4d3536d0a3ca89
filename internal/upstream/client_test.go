package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/session-gateway/internal/credential"
	"github.com/vnmchuo/session-gateway/internal/translate"
)

type fakeUpstream struct {
	mu          sync.Mutex
	orgCalls    int
	createCalls int
	deletes     []string
	cookies     []string
	created     []string
	completions [][]byte

	orgStatus  []int // consumed per call; empty means 200
	createCode int
	completion http.HandlerFunc
}

func (f *fakeUpstream) server(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/api/organizations", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.orgCalls++
		f.cookies = append(f.cookies, r.Header.Get("Cookie"))
		status := http.StatusOK
		if len(f.orgStatus) > 0 {
			status, f.orgStatus = f.orgStatus[0], f.orgStatus[1:]
		}
		f.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_, _ = w.Write([]byte(`[{"uuid":"org-1","name":"personal"}]`))
	})
	r.Post("/api/organizations/{org}/chat_conversations", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.createCalls++
		f.created = append(f.created, gjson.GetBytes(body, "uuid").String())
		code := f.createCode
		f.mu.Unlock()
		if code == 0 {
			code = http.StatusCreated
		}
		w.WriteHeader(code)
		_, _ = w.Write(body)
	})
	r.Post("/api/organizations/{org}/chat_conversations/{id}/completion", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.completions = append(f.completions, body)
		f.mu.Unlock()
		f.completion(w, r)
	})
	r.Delete("/api/organizations/{org}/chat_conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deletes = append(f.deletes, chi.URLParam(r, "id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeUpstream) deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletes...)
}

func writeEvents(events ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			fmt.Fprintf(w, "event: completion\ndata: %s\n\n", ev)
			w.(http.Flusher).Flush()
		}
	}
}

func completionEvent(text string, stop string) string {
	stopReason := "null"
	if stop != "" {
		stopReason = fmt.Sprintf("%q", stop)
	}
	return fmt.Sprintf(`{"type":"completion","completion":%q,"stop_reason":%s}`, text, stopReason)
}

func newTestClient(t *testing.T, srv *httptest.Server, opts Options) *Client {
	t.Helper()
	opts.BaseURL = srv.URL
	opts.Tracer = noop.NewTracerProvider().Tracer("test")
	c := New(opts)
	c.backoff = func(int) time.Duration { return 0 }
	return c
}

func testLease() *credential.Lease {
	return &credential.Lease{ID: "lease-1", CredentialID: "cred-1", Secret: "sk-secret"}
}

func testRequest() *translate.OutboundRequest {
	return &translate.OutboundRequest{
		Model:             "claude-3-5-sonnet",
		Prompt:            "Human: hi\n\nAssistant:",
		Attachments:       []translate.Attachment{},
		Files:             []string{},
		RenderingMode:     "raw",
		Timezone:          "UTC",
		MaxTokensToSample: 64,
	}
}

func collect(t *testing.T, ch <-chan *Chunk) []*Chunk {
	t.Helper()
	var out []*Chunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestSendStreamsInOrder(t *testing.T) {
	f := &fakeUpstream{completion: writeEvents(
		completionEvent("Hel", ""),
		`{"type":"ping"}`,
		completionEvent("lo", ""),
		completionEvent(" world", "stop_sequence"),
	)}
	c := newTestClient(t, f.server(t), Options{})

	ch, err := c.Send(context.Background(), testRequest(), testLease())
	require.NoError(t, err)
	chunks := collect(t, ch)

	require.Len(t, chunks, 4)
	var deltas []string
	for _, chunk := range chunks[:3] {
		require.NoError(t, chunk.Err)
		deltas = append(deltas, chunk.Delta)
	}
	assert.Equal(t, []string{"Hel", "lo", " world"}, deltas)
	assert.True(t, chunks[3].Done)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.created, 1)
	assert.Equal(t, []string{f.created[0]}, f.deletes)
	assert.Equal(t, []string{"sessionKey=sk-secret"}, f.cookies)
	require.Len(t, f.completions, 1)
	assert.Equal(t, "Human: hi\n\nAssistant:", gjson.GetBytes(f.completions[0], "prompt").String())
	assert.Equal(t, int64(64), gjson.GetBytes(f.completions[0], "max_tokens_to_sample").Int())
}

func TestSendCachesOrganization(t *testing.T) {
	f := &fakeUpstream{completion: writeEvents(completionEvent("ok", "end_turn"))}
	c := newTestClient(t, f.server(t), Options{})

	for i := 0; i < 3; i++ {
		ch, err := c.Send(context.Background(), testRequest(), testLease())
		require.NoError(t, err)
		collect(t, ch)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 1, f.orgCalls)
	assert.Equal(t, 3, f.createCalls)
	assert.Len(t, f.deletes, 3)
}

func TestSendUsesConfiguredOrganization(t *testing.T) {
	f := &fakeUpstream{completion: writeEvents(completionEvent("ok", "end_turn"))}
	c := newTestClient(t, f.server(t), Options{})

	lease := testLease()
	lease.OrgID = "org-configured"
	ch, err := c.Send(context.Background(), testRequest(), lease)
	require.NoError(t, err)
	collect(t, ch)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Zero(t, f.orgCalls)
}

func TestSendTreatsConflictAsCreated(t *testing.T) {
	f := &fakeUpstream{createCode: http.StatusConflict, completion: writeEvents(completionEvent("ok", "end_turn"))}
	c := newTestClient(t, f.server(t), Options{})

	ch, err := c.Send(context.Background(), testRequest(), testLease())
	require.NoError(t, err)
	chunks := collect(t, ch)
	assert.True(t, chunks[len(chunks)-1].Done)
}

func TestSendClassifiesCompletionStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		header     string
		body       string
		kind       Kind
		retryAfter time.Duration
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, header: "7", kind: KindRateLimited, retryAfter: 7 * time.Second},
		{name: "unauthorized", status: http.StatusUnauthorized, kind: KindAuthInvalid},
		{name: "forbidden", status: http.StatusForbidden, body: `{"error":{"message":"account disabled"}}`, kind: KindAuthInvalid},
		{name: "server error", status: http.StatusBadGateway, kind: KindTimeout},
		{name: "request timeout", status: http.StatusRequestTimeout, kind: KindTimeout},
		{name: "bad request", status: http.StatusBadRequest, kind: KindMalformed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeUpstream{completion: func(w http.ResponseWriter, r *http.Request) {
				if tc.header != "" {
					w.Header().Set("Retry-After", tc.header)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}}
			c := newTestClient(t, f.server(t), Options{})

			_, err := c.Send(context.Background(), testRequest(), testLease())
			var ue *Error
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, tc.kind, ue.Kind)
			assert.Equal(t, tc.status, ue.Status)
			assert.Equal(t, tc.retryAfter, ue.RetryAfter)
			assert.NotContains(t, ue.Error(), "sk-secret")
			assert.Len(t, f.deleted(), 1, "conversation must be deleted after a failed completion")
		})
	}
}

func TestRateLimitResetHintFromBody(t *testing.T) {
	reset := time.Now().Add(90 * time.Second).Unix()
	f := &fakeUpstream{completion: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprintf(w, `{"error":{"type":"rate_limit_error","message":"limit","resetsAt":%d}}`, reset)
	}}
	c := newTestClient(t, f.server(t), Options{})

	_, err := c.Send(context.Background(), testRequest(), testLease())
	var ue *Error
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, KindRateLimited, ue.Kind)
	assert.InDelta(t, 90, ue.RetryAfter.Seconds(), 2)
	assert.Equal(t, "limit", ue.Message)
}

func TestSetupRetriesTransientFailures(t *testing.T) {
	f := &fakeUpstream{
		orgStatus:  []int{http.StatusBadGateway, http.StatusServiceUnavailable},
		completion: writeEvents(completionEvent("ok", "end_turn")),
	}
	c := newTestClient(t, f.server(t), Options{SetupRetries: 2})

	ch, err := c.Send(context.Background(), testRequest(), testLease())
	require.NoError(t, err)
	collect(t, ch)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 3, f.orgCalls)
}

func TestSetupDoesNotRetryCredentialErrors(t *testing.T) {
	f := &fakeUpstream{orgStatus: []int{http.StatusUnauthorized, http.StatusUnauthorized}}
	c := newTestClient(t, f.server(t), Options{SetupRetries: 3})

	_, err := c.Send(context.Background(), testRequest(), testLease())
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindAuthInvalid, kind)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 1, f.orgCalls)
	assert.Zero(t, f.createCalls)
	assert.Empty(t, f.deletes, "nothing was created, nothing to delete")
}

func TestSendSurfacesErrorEvents(t *testing.T) {
	tests := []struct {
		name  string
		event string
		kind  Kind
	}{
		{name: "rate limit", event: `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`, kind: KindRateLimited},
		{name: "permission", event: `{"type":"error","error":{"type":"permission_error","message":"no"}}`, kind: KindAuthInvalid},
		{name: "overloaded", event: `{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`, kind: KindTimeout},
		{name: "garbage", event: `not json`, kind: KindMalformed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeUpstream{completion: writeEvents(completionEvent("partial", ""), tc.event)}
			c := newTestClient(t, f.server(t), Options{})

			ch, err := c.Send(context.Background(), testRequest(), testLease())
			require.NoError(t, err)
			chunks := collect(t, ch)

			require.Len(t, chunks, 2)
			assert.Equal(t, "partial", chunks[0].Delta)
			kind, ok := KindOf(chunks[1].Err)
			require.True(t, ok)
			assert.Equal(t, tc.kind, kind)
			assert.Len(t, f.deleted(), 1)
		})
	}
}

func TestCancelMidStreamTearsDownOnce(t *testing.T) {
	release := make(chan struct{})
	f := &fakeUpstream{completion: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", completionEvent("Hel", ""))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}}
	defer close(release)
	c := newTestClient(t, f.server(t), Options{StreamBuffer: 1})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.Send(ctx, testRequest(), testLease())
	require.NoError(t, err)

	first := <-ch
	require.Equal(t, "Hel", first.Delta)
	cancel()

	collect(t, ch)
	assert.Len(t, f.deleted(), 1)
}

func TestDeadlineMidStreamEndsWithTimeoutChunk(t *testing.T) {
	f := &fakeUpstream{completion: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", completionEvent("Hel", ""))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}}
	c := newTestClient(t, f.server(t), Options{})

	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		ch, err := c.Send(ctx, testRequest(), testLease())
		require.NoError(t, err)

		require.Equal(t, "Hel", (<-ch).Delta)
		<-ctx.Done()
		chunks := collect(t, ch)
		cancel()

		require.NotEmpty(t, chunks, "run %d: stream closed without a terminal chunk", i)
		kind, ok := KindOf(chunks[len(chunks)-1].Err)
		require.True(t, ok, "run %d", i)
		assert.Equal(t, KindTimeout, kind)
	}
}

func TestBreakerOpensAfterHostFailures(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	c := newTestClient(t, srv, Options{})

	for i := 0; i < 3; i++ {
		_, err := c.Send(context.Background(), testRequest(), testLease())
		kind, _ := KindOf(err)
		assert.Equal(t, KindTimeout, kind)
	}

	_, err := c.Send(context.Background(), testRequest(), testLease())
	var ue *Error
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, KindTimeout, ue.Kind)
	assert.Contains(t, ue.Error(), "circuit open")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls)
}

func TestCreateBodyCarriesModel(t *testing.T) {
	var (
		mu   sync.Mutex
		body []byte
	)
	r := chi.NewRouter()
	r.Get("/api/organizations", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]string{{"uuid": "org-9"}})
	})
	r.Post("/api/organizations/org-9/chat_conversations", func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = raw
		mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	c := newTestClient(t, srv, Options{})

	_, err := c.Send(context.Background(), testRequest(), testLease())
	require.Error(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "claude-3-5-sonnet", gjson.GetBytes(body, "model").String())
	assert.Equal(t, "", gjson.GetBytes(body, "name").String())
	assert.True(t, gjson.GetBytes(body, "name").Exists())
	assert.Len(t, gjson.GetBytes(body, "uuid").String(), 36)
}
