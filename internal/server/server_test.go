package server

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachemem "github.com/alanyoungcy/optionmarket/internal/cache/memory"
	"github.com/alanyoungcy/optionmarket/internal/commitment"
	"github.com/alanyoungcy/optionmarket/internal/domain"
	"github.com/alanyoungcy/optionmarket/internal/metrics"
	"github.com/alanyoungcy/optionmarket/internal/server/handler"
	"github.com/alanyoungcy/optionmarket/internal/service"
)

// emptyMarket knows no commitments or options.
type emptyMarket struct{}

func (emptyMarket) SubmitCommitment(context.Context, domain.Commitment) (common.Hash, error) {
	return common.Hash{}, domain.ErrBadSignature
}

func (emptyMarket) SubmitLegacy(context.Context, domain.LegacyCommitment) (common.Hash, error) {
	return common.Hash{}, domain.ErrBadSignature
}

func (emptyMarket) ListCommitments(context.Context, service.Filter) ([]service.Listing, int, error) {
	return []service.Listing{}, 0, nil
}

func (emptyMarket) Commitment(context.Context, common.Hash) (commitment.Entry, error) {
	return commitment.Entry{}, domain.ErrNotFound
}

func (emptyMarket) TakeCommitment(context.Context, service.TakeRequest) (domain.ActiveOption, error) {
	return domain.ActiveOption{}, domain.ErrNotFound
}

func (emptyMarket) Option(context.Context, string) (domain.ActiveOption, error) {
	return domain.ActiveOption{}, domain.ErrNotFound
}

func (emptyMarket) OptionsByTaker(context.Context, common.Address, domain.ListOpts) ([]domain.ActiveOption, error) {
	return nil, nil
}

func (emptyMarket) ActiveOptions(context.Context) ([]domain.ActiveOption, error) { return nil, nil }

func (emptyMarket) ExerciseOption(context.Context, string, service.ExerciseRequest) (domain.ActiveOption, error) {
	return domain.ActiveOption{}, domain.ErrNotFound
}

func (emptyMarket) LiquidateOption(context.Context, string, service.LiquidateRequest) (domain.ActiveOption, error) {
	return domain.ActiveOption{}, domain.ErrNotFound
}

func (emptyMarket) ExpireOption(context.Context, string) (domain.ActiveOption, error) {
	return domain.ActiveOption{}, domain.ErrNotFound
}

func (emptyMarket) QuoteSettlement(context.Context, common.Address, common.Address, *big.Int) (domain.SettlementQuote, error) {
	return domain.SettlementQuote{}, domain.ErrNoLiquidity
}

func newTestServer(cfg Config, limiter domain.RateLimiter) http.Handler {
	logger := slog.New(slog.DiscardHandler)
	var m emptyMarket
	s := NewServer(cfg, Handlers{
		Health:      handler.NewHealthHandler("server", nil),
		Commitments: handler.NewCommitmentHandler(m, logger),
		Options:     handler.NewOptionHandler(m, logger),
		Settlement:  handler.NewSettlementHandler(m, logger),
		Metrics:     metrics.New().Handler(),
	}, nil, limiter, logger)
	return s.Handler()
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	h := newTestServer(Config{APIKey: "secret"}, nil)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/commitments", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/commitments", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = serve(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/options/x/expire", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = serve(h, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/options/x/expire", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = serve(h, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPublicReads(t *testing.T) {
	h := newTestServer(Config{APIKey: "secret", PublicReads: true}, nil)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/commitments", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, httptest.NewRequest(http.MethodPost, "/api/commitments", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(Config{APIKey: "secret", CORSOrigins: []string{"https://app.example"}}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/commitments", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := serve(h, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/commitments", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = serve(h, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(Config{RateLimit: 2}, cachemem.NewRateLimiter())

	for range 2 {
		rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	rec = serve(h, req)
	assert.Equal(t, http.StatusOK, rec.Code, "other clients keep their own budget")
}

func TestMetricsAndRequestID(t *testing.T) {
	h := newTestServer(Config{APIKey: "secret"}, nil)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec = serve(h, req)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestUnknownRoute(t *testing.T) {
	h := newTestServer(Config{}, nil)
	rec := serve(h, httptest.NewRequest(http.MethodDelete, "/api/commitments", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
