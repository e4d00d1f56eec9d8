// Package injector selects and concatenates context rows under a
// model-specific character budget, with per-session refresh policies.
package injector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/avansa/shadowmem/internal/storage"
)

// Mode selects the per-deployment refresh policy.
type Mode string

const (
	// ModeAlways injects the full set every turn. Expensive; only for
	// small always-critical sets.
	ModeAlways Mode = "always"
	// ModeFirstRun injects once per session and never refreshes.
	ModeFirstRun Mode = "first-run"
	// ModeDigest injects on the first turn, suppresses afterwards, and
	// re-injects when the TTL elapses or the underlying content changes.
	ModeDigest Mode = "digest"
)

// DefaultTTL is the digest-mode re-injection interval.
const DefaultTTL = 10 * time.Minute

// DefaultFallbackBudget applies when no model pattern matches.
const DefaultFallbackBudget = 4000

// DefaultAlwaysBudget is the separate, smaller allowance for always-on rows.
const DefaultAlwaysBudget = 1000

// ModelBudget maps a model-identifier substring to a character budget.
type ModelBudget struct {
	ModelSubstring string
	Budget         int
}

// Config tunes the injector. Zero values take the documented defaults.
type Config struct {
	Mode Mode
	TTL  time.Duration
	// Budgets are checked in order against the caller's model identifier;
	// the first substring match wins.
	Budgets        []ModelBudget
	FallbackBudget int
	AlwaysBudget   int
}

// RowSource lists context rows in ascending priority order.
type RowSource interface {
	ListContextRows(ctx context.Context) ([]storage.ContextRow, error)
}

// Session carries the per-session injection state. It is owned by the
// caller (one per agent session), not shared across sessions, so TTL and
// content-hash bookkeeping can't leak between conversations.
type Session struct {
	InjectedOnce   bool
	LastInjectedAt time.Time
	LastHash       string
}

// Injection is the outcome of one pre-turn hook invocation.
type Injection struct {
	// Content is the text to prepend this turn; empty when suppressed.
	Content string
	// Refreshed reports that digest mode re-injected due to TTL expiry or
	// a content change, as opposed to a first-turn injection.
	Refreshed bool
}

// Injector selects context rows for a turn.
type Injector struct {
	rows RowSource
	cfg  Config
	now  func() time.Time
}

// New creates an Injector over a row source.
func New(rows RowSource, cfg Config) *Injector {
	if cfg.Mode == "" {
		cfg.Mode = ModeDigest
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.FallbackBudget <= 0 {
		cfg.FallbackBudget = DefaultFallbackBudget
	}
	if cfg.AlwaysBudget <= 0 {
		cfg.AlwaysBudget = DefaultAlwaysBudget
	}
	return &Injector{rows: rows, cfg: cfg, now: time.Now}
}

// BudgetFor resolves the character budget for a model identifier by
// substring match, first match wins, falling back to the global default.
func (inj *Injector) BudgetFor(model string) int {
	for _, b := range inj.cfg.Budgets {
		if b.ModelSubstring != "" && containsFold(model, b.ModelSubstring) {
			return b.Budget
		}
	}
	return inj.cfg.FallbackBudget
}

// Inject computes the context block for one turn and updates the session
// state. Rows marked always-on bypass suppression and are appended after
// the normal selection within their own smaller allowance.
func (inj *Injector) Inject(ctx context.Context, model string, sess *Session) (Injection, error) {
	rows, err := inj.rows.ListContextRows(ctx)
	if err != nil {
		return Injection{}, err
	}

	var normal, always []storage.ContextRow
	for _, r := range rows {
		if r.Always {
			always = append(always, r)
		} else {
			normal = append(normal, r)
		}
	}

	hash := contentHash(normal)
	now := inj.now()

	injectNormal := false
	refreshed := false
	switch inj.cfg.Mode {
	case ModeAlways:
		injectNormal = true
	case ModeFirstRun:
		injectNormal = !sess.InjectedOnce
	default: // ModeDigest
		switch {
		case !sess.InjectedOnce:
			injectNormal = true
		case now.Sub(sess.LastInjectedAt) >= inj.cfg.TTL:
			injectNormal = true
			refreshed = true
		case hash != sess.LastHash:
			injectNormal = true
			refreshed = true
		}
	}

	var parts []string
	if injectNormal && len(normal) > 0 {
		parts = selectWithinBudget(normal, inj.BudgetFor(model))
		sess.InjectedOnce = true
		sess.LastInjectedAt = now
		sess.LastHash = hash
	}
	parts = append(parts, selectWithinBudget(always, inj.cfg.AlwaysBudget)...)

	return Injection{Content: join(parts), Refreshed: refreshed}, nil
}

// selectWithinBudget walks rows in priority order, concatenating until the
// budget is reached. A row that would overflow the remaining budget is
// omitted entirely; partial truncation of identity or safety text is worse
// than omission.
func selectWithinBudget(rows []storage.ContextRow, budget int) []string {
	var parts []string
	used := 0
	for _, r := range rows {
		cost := len(r.Content)
		if len(parts) > 0 {
			cost += len(rowSeparator)
		}
		if used+cost > budget {
			break
		}
		parts = append(parts, r.Content)
		used += cost
	}
	return parts
}

const rowSeparator = "\n\n"

func join(parts []string) string {
	return strings.Join(parts, rowSeparator)
}

// contentHash fingerprints the normal row set so digest mode can detect
// content changes and treat them as a refresh.
func contentHash(rows []storage.ContextRow) string {
	h := sha256.New()
	for _, r := range rows {
		h.Write([]byte(r.Key))
		h.Write([]byte{0})
		h.Write([]byte(r.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// containsFold reports whether s contains substr, case-insensitively.
func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
