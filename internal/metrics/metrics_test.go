package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestServer_Endpoints(t *testing.T) {
	srv := NewServer("127.0.0.1:0", zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ActiveListeners.WithLabelValues("stream1").Set(3)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Errorf("/health = %d %q, want 200 OK", resp.StatusCode, body)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `hlsroster_active_listeners{stream="stream1"} 3`) {
		t.Errorf("/metrics missing active listener gauge")
	}
}
