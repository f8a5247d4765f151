package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/trustbond/internal/domain"
	"github.com/alanyoungcy/trustbond/internal/ledger"
	"github.com/alanyoungcy/trustbond/internal/service"
)

// BondHandler serves bond ledger and trust score endpoints.
type BondHandler struct {
	svc    *service.BondService
	logger *slog.Logger
}

// NewBondHandler creates a BondHandler backed by the bond service.
func NewBondHandler(svc *service.BondService, logger *slog.Logger) *BondHandler {
	return &BondHandler{svc: svc, logger: logHandler(logger, "bond")}
}

// bondView is the JSON shape of a bond in API responses.
type bondView struct {
	Key             string `json:"key"`
	ParticipantLow  string `json:"participant_low"`
	ParticipantHigh string `json:"participant_high"`
	StakeLow        int64  `json:"stake_low"`
	StakeHigh       int64  `json:"stake_high"`
	AccruedYield    int64  `json:"accrued_yield"`
	TotalValue      int64  `json:"total_value"`
	CreatedAt       string `json:"created_at"`
	Active          bool   `json:"active"`
	Frozen          bool   `json:"frozen"`
}

func toBondView(b domain.Bond) bondView {
	return bondView{
		Key:             b.Key.Hex(),
		ParticipantLow:  b.ParticipantLow.Hex(),
		ParticipantHigh: b.ParticipantHigh.Hex(),
		StakeLow:        b.StakeLow,
		StakeHigh:       b.StakeHigh,
		AccruedYield:    b.AccruedYield,
		TotalValue:      b.TotalValue(),
		CreatedAt:       b.CreatedAt.UTC().Format(time.RFC3339),
		Active:          b.Active,
		Frozen:          b.Frozen,
	}
}

type settlementView struct {
	Kind    string `json:"kind"`
	BondKey string `json:"bond_key"`
	Caller  string `json:"caller"`
	Total   int64  `json:"total"`
	Penalty int64  `json:"penalty"`
}

func toSettlementView(s ledger.Settlement) settlementView {
	return settlementView{
		Kind:    s.Kind,
		BondKey: s.BondKey.Hex(),
		Caller:  s.Caller.Hex(),
		Total:   s.Total,
		Penalty: s.Penalty,
	}
}

// CreateBond opens a pending bond funded from the initiator's balance.
// POST /api/bonds
func (h *BondHandler) CreateBond(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Initiator string `json:"initiator"`
		Partner   string `json:"partner"`
		Stake     int64  `json:"stake"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	initiator, ok := parseAddress(req.Initiator)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid initiator address")
		return
	}
	partner, ok := parseAddress(req.Partner)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid partner address")
		return
	}

	bond, err := h.svc.CreateBond(r.Context(), initiator, partner, req.Stake)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBondView(bond))
}

// AddStake fills the caller's slot on a pending bond.
// POST /api/bonds/stake
func (h *BondHandler) AddStake(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller  string `json:"caller"`
		Partner string `json:"partner"`
		Amount  int64  `json:"amount"`
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
	partner, ok := parseAddress(req.Partner)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid partner address")
		return
	}

	bond, err := h.svc.AddStake(r.Context(), caller, partner, req.Amount)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toBondView(bond))
}

// Exit terminates the caller's bond cooperatively.
// POST /api/bonds/exit
func (h *BondHandler) Exit(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.svc.Exit)
}

// Defect terminates the caller's bond adversarially.
// POST /api/bonds/defect
func (h *BondHandler) Defect(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.svc.Defect)
}

func (h *BondHandler) settle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, caller, partner common.Address) (ledger.Settlement, error)) {
	var req struct {
		Caller  string `json:"caller"`
		Partner string `json:"partner"`
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
	partner, ok := parseAddress(req.Partner)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid partner address")
		return
	}

	settlement, err := op(r.Context(), caller, partner)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementView(settlement))
}

// GetBondKey derives the canonical bond key for a pair of addresses.
// GET /api/bonds/key?a=<addr>&b=<addr>
func (h *BondHandler) GetBondKey(w http.ResponseWriter, r *http.Request) {
	a, ok := parseAddress(r.URL.Query().Get("a"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address a")
		return
	}
	b, ok := parseAddress(r.URL.Query().Get("b"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address b")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key": ledger.BondKey(a, b).Hex(),
	})
}

// GetBond returns the bond stored under the given key.
// GET /api/bonds/{key}
func (h *BondHandler) GetBond(w http.ResponseWriter, r *http.Request) {
	key := common.HexToHash(pathParam(r, "key"))
	bond, err := h.svc.GetBond(key)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toBondView(bond))
}

// ListUserBonds returns a user's bonds, active only when ?active=true.
// GET /api/users/{addr}/bonds
func (h *BondHandler) ListUserBonds(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(pathParam(r, "addr"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}

	var bonds []domain.Bond
	if r.URL.Query().Get("active") == "true" {
		bonds = h.svc.ActiveBonds(addr)
	} else {
		bonds = h.svc.UserBonds(addr)
	}

	views := make([]bondView, 0, len(bonds))
	for _, b := range bonds {
		views = append(views, toBondView(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"bonds": views, "count": len(views)})
}

// GetAccount returns a user's ledger account.
// GET /api/users/{addr}/account
func (h *BondHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(pathParam(r, "addr"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	acct, err := h.svc.Account(addr)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	keys := make([]string, 0, len(acct.BondKeys))
	for _, k := range acct.BondKeys {
		keys = append(keys, k.Hex())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":      acct.Address.Hex(),
		"bond_keys":    keys,
		"exit_count":   acct.ExitCount,
		"defect_count": acct.DefectCount,
		"created_at":   acct.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// GetScore returns a user's trust score.
// GET /api/users/{addr}/score
func (h *BondHandler) GetScore(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(pathParam(r, "addr"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address": addr.Hex(),
		"score":   h.svc.Score(r.Context(), addr),
	})
}

// GetRawScore returns the ledger's fallback score for a user.
// GET /api/users/{addr}/raw-score
func (h *BondHandler) GetRawScore(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(pathParam(r, "addr"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":   addr.Hex(),
		"raw_score": h.svc.RawScore(addr),
	})
}

// GetUserValue returns a user's total bond collateral value.
// GET /api/users/{addr}/value
func (h *BondHandler) GetUserValue(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(pathParam(r, "addr"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":     addr.Hex(),
		"total_value": h.svc.UserTotalValue(addr),
	})
}

// Freeze toggles the frozen flag on all of a user's active bonds.
// POST /api/bonds/freeze
func (h *BondHandler) Freeze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		User   string `json:"user"`
		Frozen bool   `json:"frozen"`
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
	user, ok := parseAddress(req.User)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user address")
		return
	}

	touched, err := h.svc.FreezeUser(r.Context(), caller, user, req.Frozen)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	keys := make([]string, 0, len(touched))
	for _, k := range touched {
		keys = append(keys, k.Hex())
	}
	writeJSON(w, http.StatusOK, map[string]any{"bond_keys": keys, "frozen": req.Frozen})
}

// ClaimYield releases accrued yield on a user's frozen bonds.
// POST /api/bonds/claim-yield
func (h *BondHandler) ClaimYield(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		User   string `json:"user"`
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
	user, ok := parseAddress(req.User)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user address")
		return
	}

	claims, err := h.svc.ClaimYield(r.Context(), caller, user)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	var total int64
	views := make([]map[string]any, 0, len(claims))
	for _, c := range claims {
		total += c.Yield
		views = append(views, map[string]any{"bond_key": c.BondKey.Hex(), "yield": c.Yield})
	}
	writeJSON(w, http.StatusOK, map[string]any{"claims": views, "total": total})
}

// GetPenaltyReserve returns the cumulative retained penalties.
// GET /api/ledger/penalty-reserve
func (h *BondHandler) GetPenaltyReserve(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"penalty_reserve": h.svc.PenaltyReserve()})
}
