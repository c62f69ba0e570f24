package geo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPProvider_Lookup(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","country":"Germany","query":"8.8.8.8"}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{URL: srv.URL + "/json/", Timeout: time.Second})

	data, err := p.Lookup(context.Background(), "8.8.8.8")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if gotPath != "/json/8.8.8.8" {
		t.Errorf("Request path = %q, want /json/8.8.8.8", gotPath)
	}
	if !strings.Contains(string(data), `"Germany"`) {
		t.Errorf("Unexpected document: %s", data)
	}
}

func TestHTTPProvider_TemplatedURL(t *testing.T) {
	var gotPath, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.URL.Query().Get("token")
		_, _ = w.Write([]byte(`{"country":{"names":{"en":"France"}}}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{URL: srv.URL + "/" + IPPlaceholder + "/?token=abc"})
	if _, err := p.Lookup(context.Background(), "9.9.9.9"); err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if gotPath != "/9.9.9.9/" || gotToken != "abc" {
		t.Errorf("Request = %q token=%q", gotPath, gotToken)
	}
}

func TestHTTPProvider_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr bool
	}{
		{"server error", http.StatusInternalServerError, `{}`, true},
		{"fail status", http.StatusOK, `{"status":"fail","message":"reserved range"}`, true},
		{"invalid json", http.StatusOK, `not json`, true},
		{"ok", http.StatusOK, `{"status":"success"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := NewHTTPProvider(HTTPConfig{URL: srv.URL + "/"})
			_, err := p.Lookup(context.Background(), "1.2.3.4")
			if (err != nil) != tt.wantErr {
				t.Errorf("Lookup() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && errors.Is(err, ErrNotAttempted) {
				t.Errorf("Provider failure should not be marked as not attempted: %v", err)
			}
		})
	}
}

func TestHTTPProvider_PrivateAddressSkipsRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{URL: srv.URL + "/"})
	for _, ip := range []string{"192.168.1.10", "10.0.0.1", "127.0.0.1", "not-an-ip"} {
		if _, err := p.Lookup(context.Background(), ip); !errors.Is(err, ErrPrivateAddress) {
			t.Errorf("Lookup(%s) error = %v, want ErrPrivateAddress", ip, err)
		}
	}
	if hits.Load() != 0 {
		t.Errorf("Provider received %d requests for private addresses", hits.Load())
	}
}

func TestHTTPProvider_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{URL: srv.URL + "/", RatePerMinute: 1})

	if _, err := p.Lookup(context.Background(), "1.1.1.1"); err != nil {
		t.Fatalf("first Lookup failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Lookup(ctx, "2.2.2.2")
	if !errors.Is(err, ErrNotAttempted) {
		t.Errorf("second Lookup error = %v, want ErrNotAttempted", err)
	}
}
