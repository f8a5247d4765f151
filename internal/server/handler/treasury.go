package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/trustbond/internal/service"
)

// TreasuryHandler serves treasury balance endpoints.
type TreasuryHandler struct {
	svc    *service.BondService
	logger *slog.Logger
}

// NewTreasuryHandler creates a TreasuryHandler backed by the bond service.
func NewTreasuryHandler(svc *service.BondService, logger *slog.Logger) *TreasuryHandler {
	return &TreasuryHandler{svc: svc, logger: logHandler(logger, "treasury")}
}

// Deposit credits an address's withdrawable balance.
// POST /api/treasury/deposit
func (h *TreasuryHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, h.svc.Deposit)
}

// Withdraw debits an address's withdrawable balance.
// POST /api/treasury/withdraw
func (h *TreasuryHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, h.svc.Withdraw)
}

func (h *TreasuryHandler) move(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, addr common.Address, amount int64) error) {
	var req struct {
		Address string `json:"address"`
		Amount  int64  `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	addr, ok := parseAddress(req.Address)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	if err := op(r.Context(), addr, req.Amount); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	balance, err := h.svc.Balance(r.Context(), addr)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address": addr.Hex(),
		"balance": balance,
	})
}

// GetBalance returns an address's withdrawable balance.
// GET /api/treasury/balance/{addr}
func (h *TreasuryHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(pathParam(r, "addr"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	balance, err := h.svc.Balance(r.Context(), addr)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address": addr.Hex(),
		"balance": balance,
	})
}
