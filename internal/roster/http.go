package roster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
)

// ErrCollectorStatus is wrapped by errors for non-2xx collector responses.
var ErrCollectorStatus = errors.New("roster: collector rejected document")

// maxErrorBody bounds the response excerpt kept in errors.
const maxErrorBody = 512

// HTTPConfig configures an HTTPSink.
type HTTPConfig struct {
	Endpoint string
	Username string
	Password string
	Timeout  time.Duration
	Client   *http.Client
}

// HTTPSink POSTs the document to a collector with basic auth. Failed
// deliveries are not retried; the next cycle sends fresh data.
type HTTPSink struct {
	endpoint string
	username string
	password string
	client   *http.Client
	breaker  circuitbreaker.CircuitBreaker[any]
}

// NewHTTPSink creates a collector sink. Empty credentials send no
// Authorization header.
func NewHTTPSink(cfg HTTPConfig) *HTTPSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	// Open after three consecutive failures and probe again after a minute
	breaker := circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(3).
		WithDelay(time.Minute).
		WithSuccessThreshold(1).
		Build()

	return &HTTPSink{
		endpoint: cfg.Endpoint,
		username: cfg.Username,
		password: cfg.Password,
		client:   client,
		breaker:  breaker,
	}
}

// Name implements Sink.
func (s *HTTPSink) Name() string { return "collector" }

// Endpoint returns the collector URL.
func (s *HTTPSink) Endpoint() string { return s.endpoint }

// Publish implements Sink.
func (s *HTTPSink) Publish(ctx context.Context, doc *Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode roster: %w", err)
	}

	_, err = failsafe.With(s.breaker).WithContext(ctx).Get(func() (any, error) {
		return nil, s.post(ctx, body)
	})
	return err
}

func (s *HTTPSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build collector request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.username != "" || s.password != "" {
		req.SetBasicAuth(s.username, s.password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("collector request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: status %d: %s", ErrCollectorStatus, resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
