package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/optionmarket/internal/domain"
	"github.com/alanyoungcy/optionmarket/internal/service"
)

// OptionService is what the option endpoints need from the marketplace.
type OptionService interface {
	Option(ctx context.Context, id string) (domain.ActiveOption, error)
	OptionsByTaker(ctx context.Context, taker common.Address, opts domain.ListOpts) ([]domain.ActiveOption, error)
	ActiveOptions(ctx context.Context) ([]domain.ActiveOption, error)
	ExerciseOption(ctx context.Context, id string, req service.ExerciseRequest) (domain.ActiveOption, error)
	LiquidateOption(ctx context.Context, id string, req service.LiquidateRequest) (domain.ActiveOption, error)
	ExpireOption(ctx context.Context, id string) (domain.ActiveOption, error)
}

// OptionHandler serves the option endpoints.
type OptionHandler struct {
	svc    OptionService
	logger *slog.Logger
}

// NewOptionHandler creates an OptionHandler.
func NewOptionHandler(svc OptionService, logger *slog.Logger) *OptionHandler {
	return &OptionHandler{svc: svc, logger: logger.With(slog.String("handler", "options"))}
}

// settlementBody is the caller-supplied part of a settlement. token_in,
// recipient and amount_in may be omitted; when given they must agree with
// the option, amount_in as an upper bound on what is sold.
type settlementBody struct {
	Method       domain.SettlementMethod `json:"method"`
	TokenIn      common.Address          `json:"token_in"`
	TokenOut     common.Address          `json:"token_out"`
	AmountIn     *big.Int                `json:"amount_in"`
	MinAmountOut *big.Int                `json:"min_amount_out"`
	Recipient    common.Address          `json:"recipient"`
	Deadline     int64                   `json:"deadline"` // unix seconds
	RoutingData  hexutil.Bytes           `json:"routing_data"`
}

func (b settlementBody) params() domain.SettlementParams {
	p := domain.SettlementParams{
		TokenIn:      b.TokenIn,
		TokenOut:     b.TokenOut,
		AmountIn:     b.AmountIn,
		MinAmountOut: b.MinAmountOut,
		Recipient:    b.Recipient,
		RoutingData:  b.RoutingData,
	}
	if m, err := domain.ParseSettlementMethod(string(b.Method)); err == nil {
		p.Method = m
	}
	if b.Deadline > 0 {
		p.Deadline = time.Unix(b.Deadline, 0).UTC()
	}
	return p
}

type exerciseRequest struct {
	Signature hexutil.Bytes `json:"signature"`
	settlementBody
}

type liquidateRequest struct {
	Liquidator          common.Address `json:"liquidator"`
	MaxPriceMovementBps int64          `json:"max_price_movement_bps"`
	Settlement          settlementBody `json:"settlement"`
}

type listOptionsResponse struct {
	Options []domain.ActiveOption `json:"options"`
}

// List returns a taker's options, or every active option without taker.
// GET /api/options?taker=0x...&limit=50&offset=0
func (h *OptionHandler) List(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var out []domain.ActiveOption
	if v := r.URL.Query().Get("taker"); v != "" {
		taker, err := parseAddress("taker", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		out, err = h.svc.OptionsByTaker(r.Context(), taker, opts)
		if err != nil {
			writeDomainError(w, h.logger, r, err)
			return
		}
	} else {
		all, err := h.svc.ActiveOptions(r.Context())
		if err != nil {
			writeDomainError(w, h.logger, r, err)
			return
		}
		out = page(all, opts.Offset, opts.Limit)
	}
	if out == nil {
		out = []domain.ActiveOption{}
	}
	writeJSON(w, http.StatusOK, listOptionsResponse{Options: out})
}

// Get returns one option.
// GET /api/options/{id}
func (h *OptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	opt, err := h.svc.Option(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, opt)
}

// Exercise settles an option for its taker. The body carries the taker's
// OptionExercise signature over the option id and deadline.
// POST /api/options/{id}/exercise
func (h *OptionHandler) Exercise(w http.ResponseWriter, r *http.Request) {
	var req exerciseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Signature) == 0 || req.Method == "" || req.TokenOut == (common.Address{}) || req.Deadline <= 0 {
		writeError(w, http.StatusBadRequest, "signature, method, token_out and deadline are required")
		return
	}
	opt, err := h.svc.ExerciseOption(r.Context(), r.PathValue("id"), service.ExerciseRequest{
		Signature:  req.Signature,
		Settlement: req.params(),
	})
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, opt)
}

// Liquidate settles an option past its deadline.
// POST /api/options/{id}/liquidate
func (h *OptionHandler) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Liquidator == (common.Address{}) || req.Settlement.Method == "" || req.Settlement.TokenOut == (common.Address{}) {
		writeError(w, http.StatusBadRequest, "liquidator, settlement.method and settlement.token_out are required")
		return
	}
	if req.MaxPriceMovementBps < 0 {
		writeError(w, http.StatusBadRequest, "max_price_movement_bps must not be negative")
		return
	}
	opt, err := h.svc.LiquidateOption(r.Context(), r.PathValue("id"), service.LiquidateRequest{
		Liquidator:          req.Liquidator,
		MaxPriceMovementBps: req.MaxPriceMovementBps,
		Settlement:          req.Settlement.params(),
	})
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, opt)
}

// Expire closes an option past its deadline without settlement.
// POST /api/options/{id}/expire
func (h *OptionHandler) Expire(w http.ResponseWriter, r *http.Request) {
	opt, err := h.svc.ExpireOption(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, opt)
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
