package upstream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calprice/auctiond/internal/crypto"
	"github.com/calprice/auctiond/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const productJSON = `{
	"product": {
		"id": 4521,
		"title": "Cordless Drill",
		"currentPrice": 50,
		"bidCount": 12,
		"bidderCount": 4,
		"isClosed": false,
		"marketStatus": "open",
		"closeTime": {"value": "2025-06-01T18:30:00Z"},
		"extensionInterval": 30,
		"retailPrice": 199,
		"inventoryNumber": 88123,
		"userState": {"nextBid": 51, "isWinning": false, "isWatching": true},
		"photos": [{"url": "https://img.example.com/drill.jpg"}],
		"somethingUnknown": {"nested": true}
	}
}`

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(Config{
		BaseURL:         srv.URL,
		APIURL:          srv.URL,
		DataParam:       "routes/p.product.$id",
		Timeout:         5 * time.Second,
		RateLimitPerMin: 600,
	}, crypto.NewSigner("test-secret"), testLogger())
	return c, srv
}

func TestFetchAuctionParsesContract(t *testing.T) {
	var gotPath, gotQuery string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("_data")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, productJSON)
	}))

	product, err := c.FetchAuction(context.Background(), "4521")
	require.NoError(t, err)

	assert.Equal(t, "/p/product/4521", gotPath)
	assert.Equal(t, "routes/p.product.$id", gotQuery)

	assert.Equal(t, "4521", product.ID)
	assert.Equal(t, "Cordless Drill", product.Meta.Title)
	assert.Equal(t, "https://img.example.com/drill.jpg", product.Meta.ImageURL)

	snap := product.Snapshot
	assert.Equal(t, 50, snap.CurrentBid)
	assert.Equal(t, 51, snap.NextBid)
	assert.Equal(t, 12, snap.BidCount)
	assert.Equal(t, 4, snap.BidderCount)
	assert.False(t, snap.IsWinning)
	assert.True(t, snap.IsWatching)
	assert.False(t, snap.IsClosed)
	assert.Equal(t, 199, snap.RetailPrice)
	assert.Equal(t, 30, snap.ExtensionIntervalSeconds)
	assert.Equal(t, time.Date(2025, 6, 1, 18, 30, 0, 0, time.UTC), snap.CloseAt.UTC())
	assert.False(t, snap.ObservedAt.IsZero())
}

func TestFetchAuctionClosedMarketStatus(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"product":{"id":1,"currentPrice":20,"marketStatus":"sold"}}`)
	}))

	product, err := c.FetchAuction(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, product.Snapshot.IsClosed)
}

func TestFetchAuctionValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing product", `{}`},
		{"missing id", `{"product":{"currentPrice":20,"closeTime":{"value":"2025-06-01T18:30:00Z"}}}`},
		{"missing closeTime on open auction", `{"product":{"id":1,"currentPrice":20}}`},
		{"bad closeTime", `{"product":{"id":1,"currentPrice":20,"closeTime":{"value":"yesterday"}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, tt.body)
			}))
			_, err := c.FetchAuction(context.Background(), "1")
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestFetchAuctionNotFound(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	_, err := c.FetchAuction(context.Background(), "gone")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRequestSigningAndCookie(t *testing.T) {
	signer := crypto.NewSigner("test-secret")

	var verified error
	var gotCookie string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotCookie = r.Header.Get("Cookie")
		verified = signer.Verify(
			r.Method, r.URL.Path, body,
			r.Header.Get(crypto.HeaderTimestamp),
			r.Header.Get(crypto.HeaderSignature),
		)
		io.WriteString(w, `{"ok":true}`)
	}))
	c.SetSession("session=opaque-cookie")

	_, err := c.PlaceBid(context.Background(), "77", 51)
	require.NoError(t, err)
	assert.NoError(t, verified)
	assert.Equal(t, "session=opaque-cookie", gotCookie)
}

func TestPlaceBidOutcomes(t *testing.T) {
	t.Run("unknown success body is accepted", func(t *testing.T) {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"confirmation":"yes"}`)
		}))
		out, err := c.PlaceBid(context.Background(), "1", 51)
		require.NoError(t, err)
		assert.Equal(t, domain.BidAccepted, out.Kind)
	})

	t.Run("minimumNextBid means outbid", func(t *testing.T) {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req map[string]int
			json.NewDecoder(r.Body).Decode(&req)
			assert.Equal(t, 51, req["amount"])
			io.WriteString(w, `{"data":{"currentAmount":60,"minimumNextBid":61,"bidCount":14,"bidderCount":5}}`)
		}))
		out, err := c.PlaceBid(context.Background(), "1", 51)
		require.NoError(t, err)
		assert.Equal(t, domain.BidAcceptedButOutbid, out.Kind)
		assert.Equal(t, 60, out.NewCurrent)
		assert.Equal(t, 61, out.NewMinimumNextBid)
		assert.Equal(t, 14, out.NewBidCount)
	})

	t.Run("4xx is a logical rejection without error", func(t *testing.T) {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, `{"error":"bidding not allowed"}`)
		}))
		out, err := c.PlaceBid(context.Background(), "1", 51)
		require.NoError(t, err)
		assert.Equal(t, domain.BidRejected, out.Kind)
		assert.Equal(t, domain.RejectNotAllowed, out.Reason)
	})

	t.Run("400 maps to bid too low", func(t *testing.T) {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}))
		out, err := c.PlaceBid(context.Background(), "1", 51)
		require.NoError(t, err)
		assert.Equal(t, domain.RejectBidTooLow, out.Reason)
	})

	t.Run("5xx surfaces an error for the breaker", func(t *testing.T) {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		out, err := c.PlaceBid(context.Background(), "1", 51)
		require.Error(t, err)
		assert.Equal(t, domain.BidRejected, out.Kind)
		assert.Equal(t, domain.RejectUpstreamError, out.Reason)

		var statusErr *domain.StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.True(t, statusErr.IsServerError())
	})
}

func TestRateLimiterRefusesBeforeWire(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		io.WriteString(w, `{"ok":true}`)
	}))
	t.Cleanup(srv.Close)

	c := New(Config{
		BaseURL:         srv.URL,
		APIURL:          srv.URL,
		Timeout:         time.Second,
		RateLimitPerMin: 1,
	}, crypto.NewSigner(""), testLogger())

	_, err := c.PlaceBid(context.Background(), "1", 10)
	require.NoError(t, err)

	_, err = c.PlaceBid(context.Background(), "1", 10)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, 1, hits)
}
