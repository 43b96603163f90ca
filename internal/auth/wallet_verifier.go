package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/missions/internal/kv"
	"github.com/MarcoPoloResearchLab/missions/internal/missions"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultNonceTTL  = 5 * time.Minute
	signatureLength  = 65
	challengeHeading = "Sign in to the missions admin console"
)

var (
	errMissingNonceStore     = errors.New("nonce store is required")
	ErrInvalidVerifierConfig = errors.New("auth: invalid wallet verifier config")
	ErrNonceNotFound         = errors.New("auth: nonce missing or expired")
	ErrNonceConsumed         = errors.New("auth: nonce already used")
	ErrMalformedSignature    = errors.New("auth: malformed signature")
	ErrSignatureMismatch     = errors.New("auth: signature does not match wallet")
	ErrWalletNotAnEVMAccount = errors.New("auth: wallet is not an EVM address")
)

// WalletVerifierConfig bundles configuration required to instantiate a WalletVerifier.
type WalletVerifierConfig struct {
	Store    kv.Store
	Keys     kv.Keys
	NonceTTL time.Duration
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Challenge is the message an admin signs to log in.
type Challenge struct {
	Wallet    string `json:"wallet"`
	Nonce     string `json:"nonce"`
	Message   string `json:"message"`
	ExpiresAt int64  `json:"expiresAt"`
}

// WalletVerifier issues one-time login challenges and verifies EIP-191 personal signatures
// over them.
type WalletVerifier struct {
	store    kv.Store
	keys     kv.Keys
	nonceTTL time.Duration
	logger   *zap.Logger
	clock    func() time.Time
}

// NewWalletVerifier constructs a verifier with validated configuration.
func NewWalletVerifier(cfg WalletVerifierConfig) (*WalletVerifier, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingNonceStore)
	}
	nonceTTL := cfg.NonceTTL
	if nonceTTL <= 0 {
		nonceTTL = defaultNonceTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &WalletVerifier{store: cfg.Store, keys: cfg.Keys, nonceTTL: nonceTTL, logger: logger, clock: clock}, nil
}

// ChallengeMessage is the exact text signed for a wallet and nonce.
func ChallengeMessage(wallet, nonce string) string {
	return fmt.Sprintf("%s\nWallet: %s\nNonce: %s", challengeHeading, wallet, nonce)
}

// IssueChallenge stores a fresh nonce for the wallet, replacing any earlier one.
func (v *WalletVerifier) IssueChallenge(ctx context.Context, wallet missions.Wallet) (Challenge, error) {
	if !common.IsHexAddress(wallet.String()) {
		return Challenge{}, ErrWalletNotAnEVMAccount
	}
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := v.store.Set(ctx, v.keys.AdminNonce(wallet.String()), nonce, v.nonceTTL); err != nil {
		return Challenge{}, fmt.Errorf("auth: store nonce: %w", err)
	}
	return Challenge{
		Wallet:    wallet.String(),
		Nonce:     nonce,
		Message:   ChallengeMessage(wallet.String(), nonce),
		ExpiresAt: v.clock().Add(v.nonceTTL).UTC().UnixMilli(),
	}, nil
}

// Verify checks that signature was produced by wallet over its pending challenge and consumes
// the nonce. A nonce is accepted at most once even under concurrent attempts.
func (v *WalletVerifier) Verify(ctx context.Context, wallet missions.Wallet, signature string) error {
	if !common.IsHexAddress(wallet.String()) {
		return ErrWalletNotAnEVMAccount
	}
	nonceKey := v.keys.AdminNonce(wallet.String())
	nonce, found, err := v.store.Get(ctx, nonceKey)
	if err != nil {
		return fmt.Errorf("auth: load nonce: %w", err)
	}
	if !found || nonce == "" {
		return ErrNonceNotFound
	}

	signer, err := recoverSigner(ChallengeMessage(wallet.String(), nonce), signature)
	if err != nil {
		return err
	}
	if signer != common.HexToAddress(wallet.String()) {
		v.logger.Info("admin signature mismatch",
			zap.String("wallet", wallet.String()),
			zap.String("signer", signer.Hex()))
		return ErrSignatureMismatch
	}

	consumed, err := v.store.SetNX(ctx, nonceKey+":used:"+nonce, "1", v.nonceTTL)
	if err != nil {
		return fmt.Errorf("auth: consume nonce: %w", err)
	}
	if !consumed {
		return ErrNonceConsumed
	}
	if err := v.store.Del(ctx, nonceKey); err != nil {
		v.logger.Warn("admin nonce not cleared", zap.String("wallet", wallet.String()), zap.Error(err))
	}
	return nil
}

// recoverSigner returns the address that produced an EIP-191 personal signature over message.
func recoverSigner(message, signature string) (common.Address, error) {
	raw, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if len(raw) != signatureLength {
		return common.Address{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedSignature, signatureLength, len(raw))
	}
	sig := append([]byte(nil), raw...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	publicKey, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return crypto.PubkeyToAddress(*publicKey), nil
}
