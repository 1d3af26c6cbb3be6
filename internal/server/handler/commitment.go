package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionmarket/internal/commitment"
	"github.com/alanyoungcy/optionmarket/internal/domain"
	"github.com/alanyoungcy/optionmarket/internal/service"
)

// CommitmentService is what the commitment endpoints need from the
// marketplace.
type CommitmentService interface {
	SubmitCommitment(ctx context.Context, c domain.Commitment) (common.Hash, error)
	SubmitLegacy(ctx context.Context, l domain.LegacyCommitment) (common.Hash, error)
	ListCommitments(ctx context.Context, f service.Filter) ([]service.Listing, int, error)
	Commitment(ctx context.Context, hash common.Hash) (commitment.Entry, error)
	TakeCommitment(ctx context.Context, req service.TakeRequest) (domain.ActiveOption, error)
}

// CommitmentHandler serves the commitment endpoints.
type CommitmentHandler struct {
	svc    CommitmentService
	logger *slog.Logger
}

// NewCommitmentHandler creates a CommitmentHandler.
func NewCommitmentHandler(svc CommitmentService, logger *slog.Logger) *CommitmentHandler {
	return &CommitmentHandler{svc: svc, logger: logger.With(slog.String("handler", "commitments"))}
}

type commitmentView struct {
	Hash         common.Hash             `json:"hash"`
	Commitment   domain.Commitment       `json:"commitment"`
	Original     *big.Int                `json:"original"`
	Remaining    *big.Int                `json:"remaining"`
	Status       domain.CommitmentStatus `json:"status"`
	RetireReason string                  `json:"retireReason,omitempty"`
}

type listCommitmentsResponse struct {
	Commitments []service.Listing `json:"commitments"`
	Total       int               `json:"total"`
}

type takeRequest struct {
	// Taker is the caller: the taker of an LP offer, or the LP filling a
	// taker demand.
	Taker        common.Address `json:"taker"`
	Amount       *big.Int       `json:"amount"`
	DurationDays uint32         `json:"duration_days"`
}

// Submit accepts a signed commitment. Bodies carrying an "lp" field are
// decoded as the legacy LP-only shape.
// POST /api/commitments
func (h *CommitmentHandler) Submit(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(body, &shape); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	var hash common.Hash
	if _, legacy := shape["lp"]; legacy {
		var l domain.LegacyCommitment
		if err := json.Unmarshal(body, &l); err != nil {
			writeError(w, http.StatusBadRequest, "invalid legacy commitment: "+err.Error())
			return
		}
		hash, err = h.svc.SubmitLegacy(r.Context(), l)
	} else {
		var c domain.Commitment
		if err := json.Unmarshal(body, &c); err != nil {
			writeError(w, http.StatusBadRequest, "invalid commitment: "+err.Error())
			return
		}
		hash, err = h.svc.SubmitCommitment(r.Context(), c)
	}
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"hash": hash.Hex()})
}

// List returns open commitments.
// GET /api/commitments?asset=&creator=&option_type=&commitment_type=&min_duration=&max_duration=&min_yield_bps=&max_yield_bps=&sort=&order=&limit=&offset=
func (h *CommitmentHandler) List(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ls, total, err := h.svc.ListCommitments(r.Context(), f)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listCommitmentsResponse{Commitments: ls, Total: total})
}

// Get returns one commitment with its capacity.
// GET /api/commitments/{hash}
func (h *CommitmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(r.PathValue("hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e, err := h.svc.Commitment(r.Context(), hash)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commitmentView{
		Hash:         e.Hash,
		Commitment:   e.Commitment,
		Original:     e.Capacity.Original,
		Remaining:    e.Capacity.Remaining,
		Status:       e.Capacity.Status,
		RetireReason: e.Capacity.RetireReason,
	})
}

// Take opens an option against a commitment.
// POST /api/commitments/{hash}/take
func (h *CommitmentHandler) Take(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(r.PathValue("hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req takeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Taker == (common.Address{}) || req.Amount == nil || req.DurationDays == 0 {
		writeError(w, http.StatusBadRequest, "taker, amount and duration_days are required")
		return
	}
	opt, err := h.svc.TakeCommitment(r.Context(), service.TakeRequest{
		Hash:         hash,
		Caller:       req.Taker,
		Amount:       req.Amount,
		DurationDays: req.DurationDays,
	})
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, opt)
}

func parseFilter(r *http.Request) (service.Filter, error) {
	q := r.URL.Query()
	var f service.Filter

	if v := q.Get("asset"); v != "" {
		a, err := parseAddress("asset", v)
		if err != nil {
			return f, err
		}
		f.Asset = &a
	}
	if v := q.Get("creator"); v != "" {
		a, err := parseAddress("creator", v)
		if err != nil {
			return f, err
		}
		f.Creator = &a
	}
	if v := q.Get("option_type"); v != "" {
		t, err := domain.ParseOptionType(v)
		if err != nil {
			return f, err
		}
		f.OptionType = &t
	}
	if v := q.Get("commitment_type"); v != "" {
		t, err := domain.ParseCommitmentType(v)
		if err != nil {
			return f, err
		}
		f.CommitmentType = &t
	}

	var err error
	if f.MinDurationDays, err = optionalUint32(q.Get("min_duration"), "min_duration"); err != nil {
		return f, err
	}
	if f.MaxDurationDays, err = optionalUint32(q.Get("max_duration"), "max_duration"); err != nil {
		return f, err
	}
	if f.MinYieldBps, err = optionalInt(q.Get("min_yield_bps"), "min_yield_bps"); err != nil {
		return f, err
	}
	if f.MaxYieldBps, err = optionalInt(q.Get("max_yield_bps"), "max_yield_bps"); err != nil {
		return f, err
	}

	switch s := strings.ToLower(q.Get("sort")); s {
	case "", service.SortPremium, service.SortAmount, service.SortYield, service.SortCollateral:
		f.SortBy = s
	default:
		return f, errors.New("sort: must be one of premium, amount, yield, collateral")
	}
	switch strings.ToLower(q.Get("order")) {
	case "", "asc":
	case "desc":
		f.Descending = true
	default:
		return f, errors.New("order: must be asc or desc")
	}

	opts, err := parseListOpts(r)
	if err != nil {
		return f, err
	}
	f.Offset, f.Limit = opts.Offset, opts.Limit
	return f, nil
}
