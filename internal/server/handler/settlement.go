package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// SettlementService quotes conversions.
type SettlementService interface {
	QuoteSettlement(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (domain.SettlementQuote, error)
}

// SettlementHandler serves the settlement quote endpoint.
type SettlementHandler struct {
	svc    SettlementService
	logger *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler.
func NewSettlementHandler(svc SettlementService, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{svc: svc, logger: logger.With(slog.String("handler", "settlement"))}
}

// Quote estimates amount_in of token_in converted to token_out, net of the
// protocol fee.
// GET /api/settlement/quote?token_in=0x...&token_out=0x...&amount_in=...
func (h *SettlementHandler) Quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tokenIn, err := parseAddress("token_in", q.Get("token_in"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tokenOut, err := parseAddress("token_out", q.Get("token_out"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amountIn, err := parseAmount("amount_in", q.Get("amount_in"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	quote, err := h.svc.QuoteSettlement(r.Context(), tokenIn, tokenOut, amountIn)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}
