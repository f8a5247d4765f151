package crypto

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// A throwaway key for tests only.
const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestReceiptSignAndVerify(t *testing.T) {
	signer, err := NewReceiptSigner(testKeyHex)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	recipient := common.HexToAddress("0x00000000000000000000000000000000000000Aa")
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r, err := signer.Sign("bond.exit", "0xabc123", recipient, 19_500_000, issued)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if r.Signature == "" || r.Digest == (common.Hash{}) {
		t.Fatal("receipt missing signature or digest")
	}

	ok, err := Verify(r, signer.Address())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Error("valid receipt did not verify")
	}

	// Wrong expected signer.
	ok, err = Verify(r, recipient)
	if err != nil {
		t.Fatalf("verify wrong signer: %v", err)
	}
	if ok {
		t.Error("receipt verified against the wrong signer")
	}
}

func TestReceiptVerifyRejectsTampering(t *testing.T) {
	signer, err := NewReceiptSigner("0x" + testKeyHex)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	recipient := common.HexToAddress("0x00000000000000000000000000000000000000bB")
	r, err := signer.Sign("loan.disburse", "loan-1", recipient, 5_000_000, time.Now().UTC())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	tampered := r
	tampered.Amount = 50_000_000
	ok, err := Verify(tampered, signer.Address())
	if err != nil {
		t.Fatalf("verify tampered: %v", err)
	}
	if ok {
		t.Error("tampered receipt verified")
	}
}

func TestNewReceiptSignerRejectsBadKey(t *testing.T) {
	if _, err := NewReceiptSigner("not-hex"); err == nil {
		t.Error("invalid key accepted")
	}
}
