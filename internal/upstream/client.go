// Package upstream implements the signed, rate-limited HTTP client for the
// auction site: product fetches and bid placement.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/calprice/auctiond/internal/crypto"
	"github.com/calprice/auctiond/internal/domain"
)

// Config holds the client parameters.
type Config struct {
	// BaseURL serves product pages (GET /p/product/{id}).
	BaseURL string
	// APIURL serves the bid endpoint (POST /auctions/{id}/bid).
	APIURL string
	// DataParam is the opaque route parameter forcing JSON product output.
	DataParam string

	Timeout         time.Duration
	RateLimitPerMin int
}

// Client performs the two upstream operations. Every outbound request carries
// the session cookie and the signing headers. The token-bucket limiter is
// process-global; requests it refuses fail with domain.ErrRateLimited and
// never reach the wire.
type Client struct {
	cfg        Config
	httpClient *http.Client
	signer     *crypto.Signer
	limiter    *rate.Limiter
	logger     *slog.Logger

	mu     sync.RWMutex
	cookie string
}

// New creates a Client. The signer may sign with an empty secret when signing
// is not configured; the headers are still sent.
func New(cfg Config, signer *crypto.Signer, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 100
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		signer:     signer,
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMin)/60.0), cfg.RateLimitPerMin),
		logger:     logger.With(slog.String("component", "upstream")),
	}
}

// SetSession replaces the opaque session cookie used on every request.
func (c *Client) SetSession(cookie string) {
	c.mu.Lock()
	c.cookie = cookie
	c.mu.Unlock()
}

// Session returns the current session cookie.
func (c *Client) Session() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cookie
}

// FetchAuction fetches and parses the product document for id.
func (c *Client) FetchAuction(ctx context.Context, id string) (domain.Product, error) {
	pageURL := fmt.Sprintf("%s/p/product/%s", c.cfg.BaseURL, url.PathEscape(id))
	fetchURL := pageURL + "?_data=" + url.QueryEscape(c.cfg.DataParam)

	body, err := c.do(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return domain.Product{}, fmt.Errorf("upstream: fetch auction %s: %w", id, err)
	}

	var envelope productEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return domain.Product{}, fmt.Errorf("upstream: decode product %s: %w", id, err)
	}

	product, err := envelope.Product.toProduct(pageURL, time.Now().UTC())
	if err != nil {
		return domain.Product{}, fmt.Errorf("upstream: product %s: %w", id, err)
	}
	return product, nil
}

// PlaceBid submits a bid of amount whole dollars on auction id.
//
// The returned error is non-nil for transport failures, 5xx responses, the
// local rate limiter, and a 404; the circuit breaker counts only the first two
// as failures. Other 4xx rejections come back as a BidRejected outcome with a
// nil error.
func (c *Client) PlaceBid(ctx context.Context, id string, amount int) (domain.BidOutcome, error) {
	bidURL := fmt.Sprintf("%s/auctions/%s/bid", c.cfg.APIURL, url.PathEscape(id))

	payload, err := json.Marshal(map[string]int{"amount": amount})
	if err != nil {
		return domain.BidOutcome{Kind: domain.BidTransportError}, fmt.Errorf("upstream: marshal bid: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, bidURL, payload)
	if err != nil {
		var statusErr *domain.StatusError
		if errors.As(err, &statusErr) && !statusErr.IsServerError() {
			// Logical rejection; not a breaker failure.
			return rejectedOutcome(statusErr), nil
		}
		kind := domain.BidTransportError
		if errors.As(err, &statusErr) {
			kind = domain.BidRejected
		}
		out := domain.BidOutcome{Kind: kind}
		if kind == domain.BidRejected {
			out.Reason = domain.RejectUpstreamError
		}
		return out, fmt.Errorf("upstream: place bid %s: %w", id, err)
	}

	return parseBidBody(body), nil
}

// parseBidBody classifies a 2xx bid response. Unknown success bodies count as
// accepted unless data.minimumNextBid is present.
func parseBidBody(body []byte) domain.BidOutcome {
	out := domain.BidOutcome{Kind: domain.BidAccepted, Raw: json.RawMessage(body)}

	var resp bidResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Data == nil {
		return out
	}
	if resp.Data.MinimumNextBid == "" {
		return out
	}

	out.Kind = domain.BidAcceptedButOutbid
	out.NewCurrent = numToDollars(resp.Data.CurrentAmount)
	out.NewMinimumNextBid = numToDollars(resp.Data.MinimumNextBid)
	out.NewBidCount = resp.Data.BidCount
	out.NewBidderCount = resp.Data.BidderCount
	return out
}

// rejectedOutcome maps a 4xx status onto a logical rejection reason.
func rejectedOutcome(statusErr *domain.StatusError) domain.BidOutcome {
	out := domain.BidOutcome{
		Kind: domain.BidRejected,
		Raw:  json.RawMessage(statusErr.Body),
	}
	switch statusErr.Code {
	case http.StatusUnauthorized:
		out.Reason = domain.RejectNotAuthenticated
	case http.StatusForbidden:
		out.Reason = domain.RejectNotAllowed
	case http.StatusConflict, http.StatusGone:
		out.Reason = domain.RejectAuctionClosed
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		out.Reason = domain.RejectBidTooLow
	default:
		out.Reason = domain.RejectNotAllowed
	}
	return out
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// do builds, signs, sends, and reads a request. Non-2xx statuses return a
// *domain.StatusError.
func (c *Client) do(ctx context.Context, method, rawURL string, reqBody []byte) ([]byte, error) {
	if !c.limiter.Allow() {
		return nil, domain.ErrRateLimited
	}

	var bodyReader io.Reader
	if reqBody != nil {
		bodyReader = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if cookie := c.Session(); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	for k, v := range c.signer.Headers(method, req.URL.Path, reqBody) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusNotFound {
			return nil, domain.ErrNotFound
		}
		return nil, &domain.StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	return respBody, nil
}

// Compile-time interface check.
var _ domain.UpstreamAPI = (*Client)(nil)
