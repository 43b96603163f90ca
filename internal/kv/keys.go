package kv

import "strings"

// Keys builds the logical key families under a shared namespace prefix.
type Keys struct {
	prefix string
}

// NewKeys returns a key builder. An empty prefix leaves keys unqualified.
func NewKeys(prefix string) Keys {
	trimmed := strings.TrimSpace(prefix)
	if trimmed != "" && !strings.HasSuffix(trimmed, ":") {
		trimmed += ":"
	}
	return Keys{prefix: trimmed}
}

func (k Keys) join(parts ...string) string {
	return k.prefix + strings.Join(parts, ":")
}

func (k Keys) Profile(wallet string) string { return k.join("profile", wallet) }

func (k Keys) Claim(wallet, mission, periodKey string) string {
	return k.join("claim", wallet, mission, periodKey)
}

func (k Keys) Unique(wallet, mission string) string { return k.join("unique", wallet, mission) }

func (k Keys) Ledger(wallet string) string { return k.join("ledger", wallet) }

func (k Keys) SubmissionMarker(wallet, mission, periodKey string) string {
	return k.join("submission", wallet, mission, periodKey)
}

func (k Keys) PendingSubmissions() string  { return k.join("submissions", "pending") }
func (k Keys) ApprovedSubmissions() string { return k.join("submissions", "approved") }
func (k Keys) RejectedSubmissions() string { return k.join("submissions", "rejected") }

// PeriodBucket is the hash of per-wallet points earned in one period instance.
func (k Keys) PeriodBucket(period, periodKey string) string {
	return k.join("bucket", period, periodKey)
}

// Leaderboard names a ranked set; scopeKey is empty for all-time boards.
func (k Keys) Leaderboard(metric, scope, scopeKey string) string {
	if scopeKey == "" {
		return k.join("leaderboard", metric, scope)
	}
	return k.join("leaderboard", metric, scope, scopeKey)
}

func (k Keys) OnchainLast(wallet string) string { return k.join("onchain", "last", wallet) }

func (k Keys) AdminNonce(wallet string) string { return k.join("auth", "nonce", wallet) }
