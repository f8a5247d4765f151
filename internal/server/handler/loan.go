package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/trustbond/internal/domain"
	"github.com/alanyoungcy/trustbond/internal/service"
)

// poolMoveFunc is the shared shape of PoolDeposit and PoolWithdraw.
type poolMoveFunc func(ctx context.Context, caller common.Address, amount int64) error

// LoanHandler serves lending pool endpoints.
type LoanHandler struct {
	svc    *service.LoanService
	logger *slog.Logger
}

// NewLoanHandler creates a LoanHandler backed by the loan service.
func NewLoanHandler(svc *service.LoanService, logger *slog.Logger) *LoanHandler {
	return &LoanHandler{svc: svc, logger: logHandler(logger, "loan")}
}

type loanView struct {
	ID        string `json:"id"`
	Borrower  string `json:"borrower"`
	Principal int64  `json:"principal"`
	RateBps   int64  `json:"rate_bps"`
	Duration  string `json:"duration"`
	StartedAt string `json:"started_at"`
	Status    string `json:"status"`
	SettledAt string `json:"settled_at,omitempty"`
}

func toLoanView(l domain.Loan) loanView {
	v := loanView{
		ID:        l.ID,
		Borrower:  l.Borrower.Hex(),
		Principal: l.Principal,
		RateBps:   l.RateBps,
		Duration:  l.Duration.String(),
		StartedAt: l.StartedAt.UTC().Format(time.RFC3339),
		Status:    string(l.Status),
	}
	if l.SettledAt != nil {
		v.SettledAt = l.SettledAt.UTC().Format(time.RFC3339)
	}
	return v
}

// Borrow originates a loan against the borrower's bond collateral.
// POST /api/loans
func (h *LoanHandler) Borrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Borrower string `json:"borrower"`
		Amount   int64  `json:"amount"`
		Duration string `json:"duration"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	borrower, ok := parseAddress(req.Borrower)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid borrower address")
		return
	}
	duration, err := time.ParseDuration(req.Duration)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid duration")
		return
	}

	loan, err := h.svc.Borrow(r.Context(), borrower, req.Amount, duration)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLoanView(loan))
}

// Repay settles a loan with the caller's payment.
// POST /api/loans/{id}/repay
func (h *LoanHandler) Repay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller  string `json:"caller"`
		Payment int64  `json:"payment"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}

	owed, refund, err := h.svc.Repay(r.Context(), caller, pathParam(r, "id"), req.Payment)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"loan_id": pathParam(r, "id"),
		"owed":    owed,
		"refund":  refund,
	})
}

// Liquidate defaults an expired loan.
// POST /api/loans/{id}/liquidate
func (h *LoanHandler) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}

	recovered, err := h.svc.Liquidate(r.Context(), caller, pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"loan_id":   pathParam(r, "id"),
		"recovered": recovered,
	})
}

// GetLoan returns a loan by id.
// GET /api/loans/{id}
func (h *LoanHandler) GetLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := h.svc.GetLoan(pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanView(loan))
}

// ListUserLoans returns a borrower's loan history.
// GET /api/users/{addr}/loans
func (h *LoanHandler) ListUserLoans(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(pathParam(r, "addr"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	loans := h.svc.LoansOf(addr)
	views := make([]loanView, 0, len(loans))
	for _, l := range loans {
		views = append(views, toLoanView(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"loans": views, "count": len(views)})
}

// GetActiveLoan returns the borrower's active loan, if any.
// GET /api/users/{addr}/loans/active
func (h *LoanHandler) GetActiveLoan(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(pathParam(r, "addr"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	loan, ok := h.svc.ActiveLoan(addr)
	if !ok {
		writeError(w, http.StatusNotFound, "no active loan")
		return
	}
	writeJSON(w, http.StatusOK, toLoanView(loan))
}

// GetMaxBorrowable returns the user's current borrowing limit.
// GET /api/users/{addr}/max-borrowable
func (h *LoanHandler) GetMaxBorrowable(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(pathParam(r, "addr"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":        addr.Hex(),
		"max_borrowable": h.svc.MaxBorrowable(addr),
	})
}

// GetLiquidity returns the pool's liquidity balance.
// GET /api/pool/liquidity
func (h *LoanHandler) GetLiquidity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"liquidity": h.svc.Liquidity()})
}

// PoolDeposit moves funds from the caller's balance into pool liquidity.
// POST /api/pool/deposit
func (h *LoanHandler) PoolDeposit(w http.ResponseWriter, r *http.Request) {
	h.poolMove(w, r, h.svc.PoolDeposit)
}

// PoolWithdraw moves pool liquidity back to the caller's balance.
// POST /api/pool/withdraw
func (h *LoanHandler) PoolWithdraw(w http.ResponseWriter, r *http.Request) {
	h.poolMove(w, r, h.svc.PoolWithdraw)
}

func (h *LoanHandler) poolMove(w http.ResponseWriter, r *http.Request, op poolMoveFunc) {
	var req struct {
		Caller string `json:"caller"`
		Amount int64  `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}

	if err := op(r.Context(), caller, req.Amount); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"liquidity": h.svc.Liquidity()})
}
