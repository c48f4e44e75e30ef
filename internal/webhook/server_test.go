package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-relay-bot/internal/clock"
	"llm-relay-bot/internal/replicate"
)

const testToken = "s3cret"

type sentMessage struct {
	channelID string
	text      string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (r *recordingSender) SendMessageToChannel(ctx context.Context, channelID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, sentMessage{channelID: channelID, text: text})
	return nil
}

func (r *recordingSender) messages() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentMessage(nil), r.sent...)
}

type stubSummarizer struct {
	summary string
	err     error
}

func (s *stubSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	return s.summary, s.err
}

type fixture struct {
	server *Server
	sender *recordingSender
	routes *replicate.MemoryRouteStore
	clock  *clock.Fake
	router http.Handler
}

func newFixture(t *testing.T, mutate func(*Config), summarizer *stubSummarizer) *fixture {
	t.Helper()
	cfg := Config{
		Port:               0,
		SecretToken:        testToken,
		DefaultChannelID:   "chat-chan",
		RateLimitPerSecond: 100,
		RateLimitBurst:     100,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	sender := &recordingSender{}
	routes := replicate.NewMemoryRouteStore(time.Hour)
	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	var s *Server
	if summarizer != nil {
		s = NewServer(cfg, sender, summarizer, routes, fake, logger)
	} else {
		s = NewServer(cfg, sender, nil, routes, fake, logger)
	}

	return &fixture{server: s, sender: sender, routes: routes, clock: fake, router: s.Router()}
}

func (f *fixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func authed() map[string]string {
	return map[string]string{headerToken: testToken}
}

func TestHealthAndUptime(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))

	f.clock.Advance(90 * time.Second)
	rec = f.do(http.MethodGet, "/uptime", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body uptimeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, int64(90), body.UptimeSeconds)
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec := f.do(http.MethodGet, "/health", "", map[string]string{headerRequestID: "req-1"})
	assert.Equal(t, "req-1", rec.Header().Get(headerRequestID))
}

func TestTokenVerification(t *testing.T) {
	f := newFixture(t, nil, nil)
	body := `{"message":"hi"}`

	tests := []struct {
		name    string
		path    string
		headers map[string]string
		want    int
	}{
		{"missing token", "/post", nil, http.StatusForbidden},
		{"wrong token", "/post", map[string]string{headerToken: "nope"}, http.StatusForbidden},
		{"header token", "/post", authed(), http.StatusOK},
		{"query token", "/post?token=" + testToken, nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, tt.path, body, tt.headers)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestIPAllowList(t *testing.T) {
	// httptest requests come from 192.0.2.1
	allowed := newFixture(t, func(c *Config) { c.WhitelistedIPs = []string{"192.0.2.1"} }, nil)
	rec := allowed.do(http.MethodPost, "/post", `{"message":"hi"}`, authed())
	assert.Equal(t, http.StatusOK, rec.Code)

	denied := newFixture(t, func(c *Config) { c.WhitelistedIPs = []string{"10.0.0.1"} }, nil)
	rec = denied.do(http.MethodPost, "/post", `{"message":"hi"}`, authed())
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, denied.sender.messages())
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.RateLimitPerSecond = 1
		c.RateLimitBurst = 2
	}, nil)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, f.do(http.MethodPost, "/post", `{"message":"hi"}`, authed()).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	f.clock.Advance(time.Second)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/post", `{"message":"hi"}`, authed()).Code)
}

func TestPost(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(http.MethodPost, "/post", `{"message":"hello world"}`, authed())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, "/post", `{"message":"elsewhere","channel_id":"other"}`, authed())
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []sentMessage{
		{channelID: "chat-chan", text: "hello world"},
		{channelID: "other", text: "elsewhere"},
	}, f.sender.messages())

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/post", `{"message":"  "}`, authed()).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/post", `not json`, authed()).Code)
}

func TestPost_SendFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.sender.err = errors.New("discord down")

	rec := f.do(http.MethodPost, "/post", `{"message":"hello"}`, authed())
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSummariseThenPost(t *testing.T) {
	f := newFixture(t, nil, &stubSummarizer{summary: "the gist"})
	rec := f.do(http.MethodPost, "/summarise-then-post", `{"message":"a very long text"}`, authed())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []sentMessage{{channelID: "chat-chan", text: "the gist"}}, f.sender.messages())

	empty := newFixture(t, nil, &stubSummarizer{summary: " "})
	rec = empty.do(http.MethodPost, "/summarise-then-post", `{"message":"text"}`, authed())
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, empty.sender.messages())

	failing := newFixture(t, nil, &stubSummarizer{err: errors.New("llm down")})
	rec = failing.do(http.MethodPost, "/summarise-then-post", `{"message":"text"}`, authed())
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	disabled := newFixture(t, nil, nil)
	rec = disabled.do(http.MethodPost, "/summarise-then-post", `{"message":"text"}`, authed())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPredictionCallback(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, f.routes.Save(ctx, "pred-1", "asking-chan"))

	rec := f.do(http.MethodPost, "/webhook",
		`{"id":"pred-1","status":"processing","input":{"image":"https://img/cat.png"}}`, authed())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.sender.messages(), "in-progress updates are ignored")

	rec = f.do(http.MethodPost, "/webhook",
		`{"id":"pred-1","status":"succeeded","input":{"image":"https://img/cat.png"},"output":["a","cat"]}`, authed())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, "/webhook", `{"id":"pred-2","status":"failed"}`, authed())
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []sentMessage{
		{channelID: "asking-chan", text: "a cat\nImage URL: https://img/cat.png"},
		{channelID: "chat-chan", text: "Prediction ID: pred-2\nStatus: failed"},
	}, f.sender.messages())

	channelID, err := f.routes.Lookup(ctx, "pred-1")
	require.NoError(t, err)
	assert.Empty(t, channelID, "route is removed after delivery")

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/webhook", `{`, authed()).Code)
}

func TestFormatPrediction(t *testing.T) {
	tests := []struct {
		name   string
		p      replicate.Prediction
		want   string
		wantOK bool
	}{
		{"starting", replicate.Prediction{Status: "starting"}, "", false},
		{"processing", replicate.Prediction{Status: "processing"}, "", false},
		{"succeeded without image", replicate.Prediction{Status: "succeeded", Output: json.RawMessage(`["x","y"]`)}, "x y", true},
		{"canceled", replicate.Prediction{ID: "p", Status: "canceled"}, "Prediction ID: p\nStatus: canceled", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FormatPrediction(&tt.p)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShutdownStopsStart(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.server.Start(ctx) }()

	require.NoError(t, f.server.Shutdown(context.Background()))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}

func TestIPLimiter_BoundsTrackedVisitors(t *testing.T) {
	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter := newIPLimiter(1, 1, fake)
	limiter.max = 8

	for i := 0; i < 100; i++ {
		assert.True(t, limiter.allow(fmt.Sprintf("10.0.0.%d", i)))
		fake.Advance(time.Millisecond)
	}

	limiter.mu.Lock()
	tracked := len(limiter.visitors)
	_, newest := limiter.visitors["10.0.0.99"]
	_, oldest := limiter.visitors["10.0.0.0"]
	limiter.mu.Unlock()

	assert.LessOrEqual(t, tracked, 8)
	assert.True(t, newest)
	assert.False(t, oldest)
}

func TestIPLimiter_EvictsIdleVisitorsFirst(t *testing.T) {
	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter := newIPLimiter(1, 1, fake)
	limiter.max = 3

	limiter.allow("idle")
	fake.Advance(limiterIdleTTL + time.Second)
	limiter.allow("a")
	limiter.allow("b")
	limiter.allow("c")

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Len(t, limiter.visitors, 3)
	assert.NotContains(t, limiter.visitors, "idle")
	assert.Contains(t, limiter.visitors, "a")
}
