// Package service composes the in-memory engines with persistence, caching,
// events, receipts, and notifications. The engines stay authoritative during
// operation; the services write state through to the stores and reload it at
// boot.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/trustbond/internal/crypto"
	"github.com/alanyoungcy/trustbond/internal/domain"
	"github.com/alanyoungcy/trustbond/internal/ledger"
)

// TreasuryPayer settles ledger and pool payouts by crediting the recipient's
// withdrawable treasury balance. Each successful credit is receipted with the
// operator key and recorded in the audit log.
//
// Payments are synchronous and their errors abort the engine operation that
// issued them. Settlement batches go through BalanceStore.CreditAll, which
// commits every credit in one transaction, so a failed batch leaves no
// recipient partially paid.
type TreasuryPayer struct {
	balances domain.BalanceStore
	signer   *crypto.ReceiptSigner // optional
	audit    domain.AuditStore
	logger   *slog.Logger
}

// NewTreasuryPayer creates a TreasuryPayer. signer may be nil, in which case
// payouts are credited without receipts.
func NewTreasuryPayer(balances domain.BalanceStore, signer *crypto.ReceiptSigner, audit domain.AuditStore, logger *slog.Logger) *TreasuryPayer {
	return &TreasuryPayer{
		balances: balances,
		signer:   signer,
		audit:    audit,
		logger:   logger.With(slog.String("component", "treasury")),
	}
}

// Pay credits amount to the recipient's balance. The memo identifies the
// settlement that produced the payout (bond key or loan id).
func (t *TreasuryPayer) Pay(ctx context.Context, to common.Address, amount int64, memo string) error {
	if err := t.balances.Credit(ctx, to, amount); err != nil {
		return err
	}
	t.record(ctx, to, amount, memo)
	return nil
}

// PayAll credits a settlement's payouts as one atomic batch. Receipts and
// audit rows are written only after every credit has committed.
func (t *TreasuryPayer) PayAll(ctx context.Context, payouts []ledger.Payout, memo string) error {
	credits := make([]domain.Credit, 0, len(payouts))
	for _, p := range payouts {
		if p.Amount <= 0 {
			continue
		}
		credits = append(credits, domain.Credit{To: p.To, Amount: p.Amount})
	}
	if len(credits) == 0 {
		return nil
	}
	if err := t.balances.CreditAll(ctx, credits); err != nil {
		return err
	}
	for _, c := range credits {
		t.record(ctx, c.To, c.Amount, memo)
	}
	return nil
}

// record receipts and audits a committed credit. The credit stands even when
// receipting or auditing fails; both are provenance, not settlement.
func (t *TreasuryPayer) record(ctx context.Context, to common.Address, amount int64, memo string) {
	detail := map[string]any{
		"to":     to.Hex(),
		"amount": amount,
		"memo":   memo,
	}

	if t.signer != nil {
		receipt, err := t.signer.Sign("payout", memo, to, amount, time.Now().UTC())
		if err != nil {
			t.logger.WarnContext(ctx, "treasury: receipt signing failed",
				slog.String("to", to.Hex()),
				slog.String("error", err.Error()),
			)
		} else {
			detail["receipt_digest"] = receipt.Digest.Hex()
			detail["receipt_signature"] = receipt.Signature
		}
	}

	if err := t.audit.Log(ctx, "treasury.payout", detail); err != nil {
		t.logger.WarnContext(ctx, "treasury: audit log failed",
			slog.String("to", to.Hex()),
			slog.String("error", err.Error()),
		)
	}
}
