package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"llm-relay/internal/models"
)

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func TestRetryServerErrorBacksOffExponentially(t *testing.T) {
	rec := &sleepRecorder{}
	r := &Retrier{Provider: "test", MaxRetries: 3, BaseDelay: 100 * time.Millisecond, Sleep: rec.sleep}

	attempts := 0
	err := r.Do(context.Background(), 0, func(ctx context.Context, attempt int) error {
		attempts++
		return models.NewProviderError("test", models.ErrServer, 500, "boom")
	})

	pe, ok := models.AsProviderError(err)
	if !ok || pe.Code != models.ErrServer {
		t.Fatalf("expected SERVER_ERROR, got %v", err)
	}
	if attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", attempts)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if len(rec.delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, rec.delays)
	}
	for i := range want {
		if rec.delays[i] != want[i] {
			t.Fatalf("delay %d: expected %v, got %v", i, want[i], rec.delays[i])
		}
	}
}

func TestRetryNonRetryableFailsImmediately(t *testing.T) {
	rec := &sleepRecorder{}
	r := &Retrier{Provider: "test", MaxRetries: 3, Sleep: rec.sleep}

	attempts := 0
	err := r.Do(context.Background(), 0, func(ctx context.Context, attempt int) error {
		attempts++
		return models.NewProviderError("test", models.ErrInvalidAPIKey, 401, "bad key")
	})
	if pe, ok := models.AsProviderError(err); !ok || pe.Code != models.ErrInvalidAPIKey {
		t.Fatalf("expected INVALID_API_KEY, got %v", err)
	}
	if attempts != 1 || len(rec.delays) != 0 {
		t.Fatalf("expected one attempt and no delay, got %d attempts, delays %v", attempts, rec.delays)
	}
}

func TestRetryHonoursRetryAfter(t *testing.T) {
	rec := &sleepRecorder{}
	r := &Retrier{Provider: "test", MaxRetries: 3, BaseDelay: time.Millisecond, Sleep: rec.sleep}

	attempts := 0
	err := r.Do(context.Background(), 0, func(ctx context.Context, attempt int) error {
		attempts++
		if attempts == 1 {
			pe := models.NewProviderError("test", models.ErrRateLimit, 429, "slow down")
			pe.RetryAfter = 7 * time.Second
			return pe
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(rec.delays) != 1 || rec.delays[0] != 7*time.Second {
		t.Fatalf("expected exact retry-after delay, got %v", rec.delays)
	}
}

func TestRetryUnclassifiedErrorIsNetworkAndRetried(t *testing.T) {
	rec := &sleepRecorder{}
	r := &Retrier{Provider: "test", MaxRetries: 1, BaseDelay: time.Millisecond, Sleep: rec.sleep}

	attempts := 0
	err := r.Do(context.Background(), 0, func(ctx context.Context, attempt int) error {
		attempts++
		return errors.New("connection reset")
	})
	if pe, ok := models.AsProviderError(err); !ok || pe.Code != models.ErrNetwork {
		t.Fatalf("expected NETWORK_ERROR, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetryCancelledContextIsTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &Retrier{Provider: "test", MaxRetries: 3}

	err := r.Do(ctx, 0, func(ctx context.Context, attempt int) error {
		return ctx.Err()
	})
	pe, ok := models.AsProviderError(err)
	if !ok || pe.Code != models.ErrTimeout || pe.Retryable {
		t.Fatalf("expected non-retryable TIMEOUT, got %v", err)
	}
}

func TestRateLimiterWaitsForWindowReset(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var slept []time.Duration
	l := NewRateLimiter(2, 0)
	l.now = func() time.Time { return now }
	l.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		now = now.Add(d)
		return nil
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := l.Acquire(ctx, 10); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if len(slept) != 0 {
		t.Fatalf("first two requests should not wait, slept %v", slept)
	}

	now = now.Add(15 * time.Second)
	if err := l.Acquire(ctx, 10); err != nil {
		t.Fatalf("third acquire: %v", err)
	}
	if len(slept) != 1 || slept[0] != 45*time.Second {
		t.Fatalf("expected a single 45s wait, got %v", slept)
	}
}

func TestRateLimiterTokenBudgetAdmitsOversizedIntoEmptyWindow(t *testing.T) {
	now := time.Unix(0, 0)
	l := NewRateLimiter(0, 100)
	l.now = func() time.Time { return now }
	waits := 0
	l.sleep = func(ctx context.Context, d time.Duration) error {
		waits++
		now = now.Add(d)
		return nil
	}

	if err := l.Acquire(context.Background(), 500); err != nil {
		t.Fatalf("oversized acquire: %v", err)
	}
	if waits != 0 {
		t.Fatalf("oversized request into empty window should not wait")
	}
	if err := l.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if waits != 1 {
		t.Fatalf("expected second acquire to wait once, waited %d", waits)
	}
}

func TestRateLimiterCancellable(t *testing.T) {
	l := NewRateLimiter(1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Acquire(ctx, 0); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	cancel()
	if err := l.Acquire(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSSEReaderFramesAcrossPartialReads(t *testing.T) {
	raw := "event: ping\r\n" +
		": comment\n" +
		"\n" +
		"event: message_start\n" +
		"data: {\"a\":1}\n\n" +
		"data:{\"b\":\r\n" +
		"data: 2}\r\n" +
		"\r\n" +
		"data: [DONE]\n\n" +
		"data: tail"

	reader := NewSSEReader(iotest.OneByteReader(strings.NewReader(raw)))
	type frame struct{ event, payload string }
	var got []frame
	for {
		payload, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		got = append(got, frame{reader.Event(), payload})
	}

	want := []frame{
		{"message_start", `{"a":1}`},
		{"", "{\"b\":\n2}"},
		{"", "tail"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestClassifyStatusDefaults(t *testing.T) {
	tests := []struct {
		status int
		code   models.ErrorCode
	}{
		{400, models.ErrInvalidRequest},
		{401, models.ErrInvalidAPIKey},
		{403, models.ErrInvalidAPIKey},
		{404, models.ErrModelNotFound},
		{429, models.ErrRateLimit},
		{500, models.ErrServer},
		{503, models.ErrServer},
	}
	for _, tt := range tests {
		pe := ClassifyStatus("p", tt.status, "")
		if pe.Code != tt.code {
			t.Fatalf("status %d: expected %s, got %s", tt.status, tt.code, pe.Code)
		}
	}
	if pe := ClassifyStatus("p", 429, ""); pe.RetryAfter != DefaultRateLimitRetryAfter || !pe.Retryable {
		t.Fatalf("429 should carry the default retry hint, got %+v", pe)
	}
}

func TestClientSendRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test") != "yes" {
			t.Errorf("missing custom header")
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("overloaded"))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	c := New(Options{Provider: "test", MaxRetries: 2, BaseDelay: 10 * time.Millisecond})
	c.Retrier().Sleep = rec.sleep

	var out struct {
		OK bool `json:"ok"`
	}
	err := c.SendJSON(context.Background(), Request{
		URL:    srv.URL,
		Header: http.Header{"X-Test": []string{"yes"}},
		Body:   map[string]string{"q": "x"},
	}, &out)
	if err != nil {
		t.Fatalf("SendJSON: %v", err)
	}
	if !out.OK || calls.Load() != 2 {
		t.Fatalf("expected success after 2 calls, got ok=%v calls=%d", out.OK, calls.Load())
	}
	if len(rec.delays) != 1 || rec.delays[0] != 10*time.Millisecond {
		t.Fatalf("unexpected delays %v", rec.delays)
	}
}

func TestClientSendUsesErrorDecoderAndRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`quota`))
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	c := New(Options{
		Provider:   "test",
		MaxRetries: 1,
		DecodeError: func(status int, header http.Header, body []byte) *models.ProviderError {
			if string(body) == "quota" {
				return models.NewProviderError("", models.ErrQuotaExceeded, status, "quota exhausted")
			}
			return nil
		},
	})
	c.Retrier().Sleep = rec.sleep

	_, err := c.Send(context.Background(), Request{URL: srv.URL, Body: struct{}{}})
	pe, ok := models.AsProviderError(err)
	if !ok || pe.Code != models.ErrQuotaExceeded || pe.Provider != "test" || pe.StatusCode != 429 {
		t.Fatalf("expected decoded QUOTA_EXCEEDED, got %v", err)
	}
	if len(rec.delays) != 0 {
		t.Fatalf("quota errors must not be retried, slept %v", rec.delays)
	}
}

func TestClientTimeoutAbortsCall(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(Options{Provider: "test", Timeout: 50 * time.Millisecond})
	ctx, cancel := c.WithTimeout(context.Background())
	defer cancel()

	_, err := c.Send(ctx, Request{URL: srv.URL, Body: struct{}{}})
	pe, ok := models.AsProviderError(err)
	if !ok || pe.Code != models.ErrTimeout {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h := http.Header{}
	h.Set("Retry-After", "2")
	if got := ParseRetryAfter(h, now); got != 2*time.Second {
		t.Fatalf("expected 2s, got %v", got)
	}
	h.Set("Retry-After", now.Add(5*time.Second).Format(http.TimeFormat))
	if got := ParseRetryAfter(h, now); got != 5*time.Second {
		t.Fatalf("expected 5s, got %v", got)
	}
}
