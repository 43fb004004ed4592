package tunnel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func tunnelAdmin(t *testing.T, body string, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.URL.Path != "/api/tunnels" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPublicURLPicksFirstHTTPS(t *testing.T) {
	srv := tunnelAdmin(t, `{"tunnels":[
		{"public_url":"tcp://0.tcp.example:1234"},
		{"public_url":"http://abc.tunnel.example"},
		{"public_url":"https://abc.tunnel.example"}
	]}`, nil)

	r := NewResolver(srv.URL, time.Minute)
	u, ok := r.PublicURL(context.Background())
	if !ok {
		t.Fatal("expected discovery to succeed")
	}
	if u != "https://abc.tunnel.example" {
		t.Errorf("public url = %q", u)
	}
}

func TestPublicURLCaches(t *testing.T) {
	var hits atomic.Int64
	srv := tunnelAdmin(t, `{"tunnels":[{"public_url":"https://x.example"}]}`, &hits)

	r := NewResolver(srv.URL, time.Minute)
	for i := 0; i < 5; i++ {
		if _, ok := r.PublicURL(context.Background()); !ok {
			t.Fatal("discovery failed")
		}
	}
	if hits.Load() != 1 {
		t.Errorf("admin endpoint hit %d times, want 1 (cached)", hits.Load())
	}

	r.Invalidate()
	r.PublicURL(context.Background())
	if hits.Load() != 2 {
		t.Errorf("admin endpoint hit %d times after invalidate, want 2", hits.Load())
	}
}

func TestPublicURLOffline(t *testing.T) {
	r := NewResolver("http://127.0.0.1:1", time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, ok := r.PublicURL(ctx); ok {
		t.Fatal("expected discovery to fail with tunnel offline")
	}
}

func TestPublicURLNoHTTPSTunnel(t *testing.T) {
	srv := tunnelAdmin(t, `{"tunnels":[{"public_url":"http://plain.example"}]}`, nil)
	r := NewResolver(srv.URL, time.Minute)
	if _, ok := r.PublicURL(context.Background()); ok {
		t.Fatal("expected miss when only plain http is exposed")
	}
}

func TestTranslate(t *testing.T) {
	srv := tunnelAdmin(t, `{"tunnels":[{"public_url":"https://pub.example"}]}`, nil)
	r := NewResolver(srv.URL, time.Minute)

	out, ok := r.Translate(context.Background(), "http://127.0.0.1:8080/grafana/?x=1")
	if !ok {
		t.Fatal("translate failed")
	}
	if out != "https://pub.example/grafana/?x=1" {
		t.Errorf("translated = %q", out)
	}
}

func TestTranslateOfflinePassthrough(t *testing.T) {
	r := NewResolver("http://127.0.0.1:1", time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	out, ok := r.Translate(ctx, "http://127.0.0.1:8080/x/")
	if ok {
		t.Fatal("expected ok=false offline")
	}
	if out != "http://127.0.0.1:8080/x/" {
		t.Errorf("offline translate should pass through, got %q", out)
	}
}
