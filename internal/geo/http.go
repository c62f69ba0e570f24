package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"golang.org/x/time/rate"
)

// IPPlaceholder is replaced by the client IP in templated provider URLs,
// e.g. "https://api.findip.net/{IP_ADDRESS}/?token=...". URLs without it
// get the IP appended ("http://ip-api.com/json/").
const IPPlaceholder = "{IP_ADDRESS}"

// ErrPrivateAddress is returned for addresses no public provider can locate.
var ErrPrivateAddress = errors.New("geo: private or invalid address")

// maxResponseSize bounds provider response bodies.
const maxResponseSize = 64 * 1024

// HTTPConfig configures an HTTPProvider.
type HTTPConfig struct {
	URL           string
	Timeout       time.Duration
	RatePerMinute int
	Client        *http.Client
}

// HTTPProvider queries a JSON geolocation API over HTTP.
type HTTPProvider struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	breaker circuitbreaker.CircuitBreaker[json.RawMessage]
}

// NewHTTPProvider creates an HTTP geolocation provider. RatePerMinute of
// zero disables client-side rate limiting.
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	var limiter *rate.Limiter
	if cfg.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), cfg.RatePerMinute)
	}

	breaker := circuitbreaker.NewBuilder[json.RawMessage]().
		WithFailureThresholdRatio(5, 10).
		WithDelay(time.Minute).
		WithSuccessThreshold(1).
		Build()

	return &HTTPProvider{
		url:     cfg.URL,
		client:  client,
		limiter: limiter,
		breaker: breaker,
	}
}

// Lookup fetches the location document for ip.
func (p *HTTPProvider) Lookup(ctx context.Context, ip string) (json.RawMessage, error) {
	if !isPublicIP(ip) {
		return nil, fmt.Errorf("%w: %s", ErrPrivateAddress, ip)
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limited: %v", ErrNotAttempted, err)
		}
	}

	data, err := failsafe.With(p.breaker).WithContext(ctx).Get(func() (json.RawMessage, error) {
		return p.fetch(ctx, ip)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, fmt.Errorf("%w: %v", ErrNotAttempted, err)
	}
	return data, err
}

func (p *HTTPProvider) requestURL(ip string) string {
	if strings.Contains(p.url, IPPlaceholder) {
		return strings.ReplaceAll(p.url, IPPlaceholder, ip)
	}
	return p.url + ip
}

func (p *HTTPProvider) fetch(ctx context.Context, ip string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.requestURL(ip), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build geo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geo request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read geo response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("geo provider returned status %d", resp.StatusCode)
	}

	if !json.Valid(body) {
		return nil, fmt.Errorf("geo provider returned invalid JSON")
	}

	// ip-api.com reports lookup failures with a 200 and status "fail".
	var status struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &status); err == nil && status.Status == "fail" {
		return nil, fmt.Errorf("geo provider failed lookup: %s", status.Message)
	}

	return json.RawMessage(body), nil
}

// isPublicIP reports whether ip parses and is routable on the internet.
func isPublicIP(ip string) bool {
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsUnspecified() {
		return false
	}
	return !addr.IsPrivate()
}
