package auth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/missions/internal/kv"
	"github.com/MarcoPoloResearchLab/missions/internal/kv/memory"
	"github.com/MarcoPoloResearchLab/missions/internal/missions"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

type adminKey struct {
	private *ecdsa.PrivateKey
	wallet  missions.Wallet
}

func newAdminKey(t *testing.T) adminKey {
	t.Helper()
	private, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("unexpected key error: %v", err)
	}
	wallet, err := missions.NewWallet(crypto.PubkeyToAddress(private.PublicKey).Hex())
	if err != nil {
		t.Fatalf("unexpected wallet error: %v", err)
	}
	return adminKey{private: private, wallet: wallet}
}

// sign produces a wallet-style personal signature with a 27/28 recovery byte.
func (k adminKey) sign(t *testing.T, message string) string {
	t.Helper()
	signature, err := crypto.Sign(accounts.TextHash([]byte(message)), k.private)
	if err != nil {
		t.Fatalf("unexpected sign error: %v", err)
	}
	signature[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(signature)
}

type verifierClock struct {
	now time.Time
}

func (c *verifierClock) Now() time.Time {
	return c.now
}

func newTestWalletVerifier(t *testing.T) (*WalletVerifier, *verifierClock) {
	t.Helper()
	clock := &verifierClock{now: time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)}
	verifier, err := NewWalletVerifier(WalletVerifierConfig{
		Store:    memory.New(memory.Config{Clock: clock.Now}),
		Keys:     kv.NewKeys("test"),
		NonceTTL: time.Minute,
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("unexpected verifier error: %v", err)
	}
	return verifier, clock
}

func TestWalletVerifierAcceptsSignedChallengeOnce(t *testing.T) {
	verifier, _ := newTestWalletVerifier(t)
	key := newAdminKey(t)

	challenge, err := verifier.IssueChallenge(context.Background(), key.wallet)
	if err != nil {
		t.Fatalf("unexpected challenge error: %v", err)
	}
	if challenge.Message != ChallengeMessage(key.wallet.String(), challenge.Nonce) {
		t.Fatalf("unexpected challenge message %q", challenge.Message)
	}
	signature := key.sign(t, challenge.Message)

	if err := verifier.Verify(context.Background(), key.wallet, signature); err != nil {
		t.Fatalf("expected signature to verify: %v", err)
	}
	if err := verifier.Verify(context.Background(), key.wallet, signature); !errors.Is(err, ErrNonceNotFound) {
		t.Fatalf("expected replay to fail, got %v", err)
	}
}

func TestWalletVerifierRejectsForeignSignature(t *testing.T) {
	verifier, _ := newTestWalletVerifier(t)
	admin := newAdminKey(t)
	intruder := newAdminKey(t)

	challenge, err := verifier.IssueChallenge(context.Background(), admin.wallet)
	if err != nil {
		t.Fatalf("unexpected challenge error: %v", err)
	}
	err = verifier.Verify(context.Background(), admin.wallet, intruder.sign(t, challenge.Message))
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := verifier.Verify(context.Background(), admin.wallet, admin.sign(t, challenge.Message)); err != nil {
		t.Fatalf("a failed attempt must not burn the nonce: %v", err)
	}
}

func TestWalletVerifierRejectsExpiredNonce(t *testing.T) {
	verifier, clock := newTestWalletVerifier(t)
	key := newAdminKey(t)
	challenge, err := verifier.IssueChallenge(context.Background(), key.wallet)
	if err != nil {
		t.Fatalf("unexpected challenge error: %v", err)
	}
	clock.now = clock.now.Add(2 * time.Minute)
	if err := verifier.Verify(context.Background(), key.wallet, key.sign(t, challenge.Message)); !errors.Is(err, ErrNonceNotFound) {
		t.Fatalf("expected expired nonce, got %v", err)
	}
}

func TestWalletVerifierRejectsMalformedInput(t *testing.T) {
	verifier, _ := newTestWalletVerifier(t)
	key := newAdminKey(t)
	if _, err := verifier.IssueChallenge(context.Background(), key.wallet); err != nil {
		t.Fatalf("unexpected challenge error: %v", err)
	}
	testCases := []struct {
		name      string
		signature string
	}{
		{name: "not hex", signature: "signature"},
		{name: "short", signature: "0x1234"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if err := verifier.Verify(context.Background(), key.wallet, testCase.signature); !errors.Is(err, ErrMalformedSignature) {
				t.Fatalf("expected malformed signature, got %v", err)
			}
		})
	}

	notEVM, _ := missions.NewWallet("solana-wallet")
	if _, err := verifier.IssueChallenge(context.Background(), notEVM); !errors.Is(err, ErrWalletNotAnEVMAccount) {
		t.Fatalf("expected non-EVM rejection, got %v", err)
	}
}

func TestAllowlistNormalizesWallets(t *testing.T) {
	allowlist, rejected := NewAllowlist([]string{"0x00000000000000000000000000000000000000AD", " ", "bad wallet"})
	if len(rejected) != 2 || allowlist.Len() != 1 {
		t.Fatalf("unexpected allowlist: len=%d rejected=%v", allowlist.Len(), rejected)
	}
	if !allowlist.Allows(testAdminWallet) {
		t.Fatalf("expected lower-cased wallet to be allowed")
	}
	if allowlist.Allows("0x00000000000000000000000000000000000000ee") {
		t.Fatalf("unexpected admin")
	}
	var empty *Allowlist
	if empty.Allows(testAdminWallet) {
		t.Fatalf("nil allowlist must deny")
	}
}
