package auth

import (
	"github.com/MarcoPoloResearchLab/missions/internal/missions"
)

// Allowlist is the set of wallets permitted to review submissions.
type Allowlist struct {
	wallets map[missions.Wallet]struct{}
}

// NewAllowlist normalizes the configured wallets. Invalid entries are skipped and returned so
// the caller can log them.
func NewAllowlist(wallets []string) (*Allowlist, []string) {
	allowlist := &Allowlist{wallets: make(map[missions.Wallet]struct{}, len(wallets))}
	var rejected []string
	for _, raw := range wallets {
		wallet, err := missions.NewWallet(raw)
		if err != nil {
			rejected = append(rejected, raw)
			continue
		}
		allowlist.wallets[wallet] = struct{}{}
	}
	return allowlist, rejected
}

// Allows reports whether the wallet is an admin.
func (a *Allowlist) Allows(wallet string) bool {
	if a == nil {
		return false
	}
	normalized, err := missions.NewWallet(wallet)
	if err != nil {
		return false
	}
	_, ok := a.wallets[normalized]
	return ok
}

// Len reports the number of admins.
func (a *Allowlist) Len() int {
	if a == nil {
		return 0
	}
	return len(a.wallets)
}
