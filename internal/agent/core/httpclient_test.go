package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Multiplier: 2, Max: 400 * time.Millisecond}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
	}
	for attempt, w := range want {
		if got := b.Delay(attempt); got != w {
			t.Errorf("Delay(%d) = %s, want %s", attempt, got, w)
		}
	}
}

func TestBackoffZeroValueDefaults(t *testing.T) {
	var b Backoff
	if got := b.Delay(0); got != 300*time.Millisecond {
		t.Fatalf("Delay(0) = %s, want the 300ms default base", got)
	}
	if got := b.Delay(1); got != 600*time.Millisecond {
		t.Fatalf("Delay(1) = %s, want doubling by default", got)
	}
}

func TestBackoffJitterStaysBounded(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Multiplier: 2, Jitter: 0.5}
	for i := 0; i < 200; i++ {
		d := b.Delay(0)
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered delay %s outside [50ms, 150ms]", d)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"7", 7 * time.Second},
		{"0", 0},
		{"-3", 0},
		{"soon", 0},
		{" 2 ", 2 * time.Second},
	}
	for _, tc := range cases {
		if got := parseRetryAfter(tc.in); got != tc.want {
			t.Errorf("parseRetryAfter(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got <= 0 || got > 90*time.Second {
		t.Fatalf("future date = %s, want a positive duration up to 90s", got)
	}

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(past); got != 0 {
		t.Fatalf("past date = %s, want 0", got)
	}
}

func TestPostJSONSetsHeadersAndParsesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if r.Header.Get("X-Session") != "sess-1" {
			t.Errorf("custom header missing")
		}
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewHTTPClient(time.Second)
	resp, err := client.PostJSON(context.Background(), srv.URL, map[string]string{"X-Session": "sess-1"}, map[string]string{"answer": "42"})
	if err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.RetryAfter != 3*time.Second {
		t.Fatalf("retry after = %s, want 3s", resp.RetryAfter)
	}
}

func TestPostJSONNon2xxIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewHTTPClient(time.Second)
	resp, err := client.PostJSON(context.Background(), srv.URL, nil, "ping")
	if err != nil {
		t.Fatalf("PostJSON treated a 500 as an error: %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(resp.Body), "upstream exploded") {
		t.Fatalf("body = %q", resp.Body)
	}
}

func TestPostJSONCapsResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunk := strings.Repeat("a", 64*1024)
		for i := 0; i < 32; i++ { // 2 MiB total
			if _, err := w.Write([]byte(chunk)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := NewHTTPClient(5 * time.Second)
	resp, err := client.PostJSON(context.Background(), srv.URL, nil, "ping")
	if err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	if len(resp.Body) != maxResponseBytes {
		t.Fatalf("body length = %d, want the %d cap", len(resp.Body), maxResponseBytes)
	}
}

func TestSleepForRespectsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := SleepFor(ctx, time.Minute); err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("SleepFor did not return promptly on cancel")
	}
}

func TestSleepForZeroReturnsImmediately(t *testing.T) {
	if err := SleepFor(context.Background(), 0); err != nil {
		t.Fatalf("SleepFor(0) = %v", err)
	}
	if err := SleepFor(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("SleepFor(10ms) = %v", err)
	}
}
