package discord

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lvdashuaibi/rsvpsync/config"
)

func testConfig(url string) config.DiscordConfig {
	return config.DiscordConfig{
		BotAPIURL:      url,
		AttemptTimeout: []time.Duration{200 * time.Millisecond, 200 * time.Millisecond, 200 * time.Millisecond},
	}
}

func TestUpdateRSVPEmbed_Success(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL + "/"))
	res := c.UpdateRSVPEmbed(context.Background(), 42)
	if !res.Success || res.Attempts != 1 {
		t.Fatalf("result = %+v", res)
	}
	if path != "/api/update_rsvp_embed/42" {
		t.Fatalf("path = %q", path)
	}
}

func TestUpdateRSVPEmbed_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := NewClient(testConfig(srv.URL)).UpdateRSVPEmbed(context.Background(), 1)
	if !res.Success || res.Attempts != 3 {
		t.Fatalf("result = %+v", res)
	}
}

func TestUpdateRSVPEmbed_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "unknown match", http.StatusNotFound)
	}))
	defer srv.Close()

	res := NewClient(testConfig(srv.URL)).UpdateRSVPEmbed(context.Background(), 1)
	if res.Success || res.StatusCode != http.StatusNotFound || res.Error == "" {
		t.Fatalf("result = %+v", res)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestUpdateRSVPEmbed_TimeoutGivesUpAfterAllAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.AttemptTimeout = []time.Duration{20 * time.Millisecond, 20 * time.Millisecond}
	res := NewClient(cfg).UpdateRSVPEmbed(context.Background(), 1)
	if res.Success || res.Attempts != 2 {
		t.Fatalf("result = %+v", res)
	}
}

func TestUpdateRSVPEmbed_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.AttemptTimeout = []time.Duration{time.Second}
	c := NewClient(cfg)
	for i := 0; i < 5; i++ {
		c.UpdateRSVPEmbed(context.Background(), 1)
	}
	before := atomic.LoadInt32(&calls)

	res := c.UpdateRSVPEmbed(context.Background(), 1)
	if res.Success {
		t.Fatal("open breaker should reject")
	}
	if atomic.LoadInt32(&calls) != before {
		t.Fatal("open breaker must not reach the bot")
	}
}
