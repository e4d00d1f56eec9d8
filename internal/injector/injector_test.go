package injector

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/avansa/shadowmem/internal/storage"
)

type mockRows struct {
	listFn func(ctx context.Context) ([]storage.ContextRow, error)
}

func (m *mockRows) ListContextRows(ctx context.Context) ([]storage.ContextRow, error) {
	return m.listFn(ctx)
}

func staticRows(rows ...storage.ContextRow) *mockRows {
	return &mockRows{listFn: func(context.Context) ([]storage.ContextRow, error) {
		return rows, nil
	}}
}

func newTestInjector(rows RowSource, cfg Config, at *time.Time) *Injector {
	inj := New(rows, cfg)
	inj.now = func() time.Time { return *at }
	return inj
}

func TestBudgetFor(t *testing.T) {
	inj := New(staticRows(), Config{
		Budgets: []ModelBudget{
			{ModelSubstring: "claude", Budget: 16000},
			{ModelSubstring: "gpt-4", Budget: 12000},
			{ModelSubstring: "gpt", Budget: 8000},
		},
		FallbackBudget: 4000,
	})

	tests := []struct {
		model string
		want  int
	}{
		{"claude-sonnet-4", 16000},
		{"Claude-Opus", 16000}, // case-insensitive
		{"gpt-4o", 12000},
		{"gpt-3.5-turbo", 8000}, // first match wins, order matters
		{"llama3", 4000},
		{"", 4000},
	}
	for _, tt := range tests {
		if got := inj.BudgetFor(tt.model); got != tt.want {
			t.Errorf("BudgetFor(%q) = %d, want %d", tt.model, got, tt.want)
		}
	}
}

func TestSelectWithinBudgetRowGranularity(t *testing.T) {
	rows := []storage.ContextRow{
		{Key: "a", Content: strings.Repeat("a", 100)},
		{Key: "b", Content: strings.Repeat("b", 200)},
		{Key: "c", Content: strings.Repeat("c", 10)},
	}

	// Budget admits row a; row b would overflow and selection stops there.
	// Rows are never truncated mid-content.
	parts := selectWithinBudget(rows, 160)
	if len(parts) != 1 || len(parts[0]) != 100 {
		t.Errorf("parts = %d rows, want just row a intact", len(parts))
	}

	// A large enough budget takes everything, separators included.
	parts = selectWithinBudget(rows, 100+2+200+2+10)
	if len(parts) != 3 {
		t.Errorf("full budget selected %d rows, want 3", len(parts))
	}

	// One-over misses the last row.
	parts = selectWithinBudget(rows, 100+2+200+2+10-1)
	if len(parts) != 2 {
		t.Errorf("budget one short selected %d rows, want 2", len(parts))
	}

	if parts := selectWithinBudget(nil, 100); len(parts) != 0 {
		t.Errorf("no rows produced %d parts", len(parts))
	}
}

func TestInjectModeAlways(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	inj := newTestInjector(staticRows(
		storage.ContextRow{Key: "id", Content: "identity", Priority: 1},
	), Config{Mode: ModeAlways}, &at)

	sess := &Session{}
	for turn := 1; turn <= 3; turn++ {
		out, err := inj.Inject(context.Background(), "m", sess)
		if err != nil {
			t.Fatalf("Inject (turn %d): %v", turn, err)
		}
		if out.Content != "identity" {
			t.Errorf("turn %d content = %q, want full set every turn", turn, out.Content)
		}
	}
}

func TestInjectModeFirstRun(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	inj := newTestInjector(staticRows(
		storage.ContextRow{Key: "id", Content: "identity", Priority: 1},
	), Config{Mode: ModeFirstRun, TTL: time.Minute}, &at)

	sess := &Session{}
	out, err := inj.Inject(context.Background(), "m", sess)
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if out.Content != "identity" {
		t.Errorf("first turn content = %q", out.Content)
	}

	// Never refreshes, even long after the TTL.
	at = at.Add(24 * time.Hour)
	out, err = inj.Inject(context.Background(), "m", sess)
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if out.Content != "" {
		t.Errorf("second turn content = %q, want suppressed", out.Content)
	}
}

func TestInjectModeDigestTTL(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	inj := newTestInjector(staticRows(
		storage.ContextRow{Key: "id", Content: "identity", Priority: 1},
	), Config{Mode: ModeDigest, TTL: 10 * time.Minute}, &at)

	sess := &Session{}
	out, _ := inj.Inject(context.Background(), "m", sess)
	if out.Content != "identity" || out.Refreshed {
		t.Errorf("first turn = %+v, want injection without refresh flag", out)
	}

	// Within the TTL the set is suppressed.
	at = at.Add(5 * time.Minute)
	out, _ = inj.Inject(context.Background(), "m", sess)
	if out.Content != "" || out.Refreshed {
		t.Errorf("turn within TTL = %+v, want suppressed", out)
	}

	// Past the TTL it re-injects and reports the refresh.
	at = at.Add(6 * time.Minute)
	out, _ = inj.Inject(context.Background(), "m", sess)
	if out.Content != "identity" || !out.Refreshed {
		t.Errorf("turn past TTL = %+v, want refreshed injection", out)
	}

	// The refresh resets the clock.
	at = at.Add(time.Minute)
	out, _ = inj.Inject(context.Background(), "m", sess)
	if out.Content != "" {
		t.Errorf("turn after refresh = %+v, want suppressed again", out)
	}
}

func TestInjectModeDigestContentChange(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	content := "version one"
	rows := &mockRows{listFn: func(context.Context) ([]storage.ContextRow, error) {
		return []storage.ContextRow{{Key: "id", Content: content, Priority: 1}}, nil
	}}
	inj := newTestInjector(rows, Config{Mode: ModeDigest, TTL: time.Hour}, &at)

	sess := &Session{}
	if out, _ := inj.Inject(context.Background(), "m", sess); out.Content != "version one" {
		t.Fatalf("first turn content = %q", out.Content)
	}

	// Same content, well within TTL: suppressed.
	at = at.Add(time.Minute)
	if out, _ := inj.Inject(context.Background(), "m", sess); out.Content != "" {
		t.Errorf("unchanged content re-injected: %q", out.Content)
	}

	// An edit to the row set forces a refresh before the TTL.
	content = "version two"
	at = at.Add(time.Minute)
	out, _ := inj.Inject(context.Background(), "m", sess)
	if out.Content != "version two" || !out.Refreshed {
		t.Errorf("changed content turn = %+v, want refreshed injection", out)
	}
}

func TestInjectAlwaysRowsBypassSuppression(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	inj := newTestInjector(staticRows(
		storage.ContextRow{Key: "id", Content: "identity", Priority: 1},
		storage.ContextRow{Key: "safety", Content: "never push to main", Priority: 2, Always: true},
	), Config{Mode: ModeDigest, TTL: time.Hour}, &at)

	sess := &Session{}
	out, _ := inj.Inject(context.Background(), "m", sess)
	if out.Content != "identity\n\nnever push to main" {
		t.Errorf("first turn = %q", out.Content)
	}

	// Suppressed turn still carries the always row.
	at = at.Add(time.Minute)
	out, _ = inj.Inject(context.Background(), "m", sess)
	if out.Content != "never push to main" {
		t.Errorf("suppressed turn = %q, want only the always row", out.Content)
	}
}

func TestInjectAlwaysRowsHaveOwnBudget(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	inj := newTestInjector(staticRows(
		storage.ContextRow{Key: "huge", Content: strings.Repeat("x", 2000), Priority: 1, Always: true},
		storage.ContextRow{Key: "small", Content: "rule", Priority: 2, Always: true},
	), Config{Mode: ModeAlways, AlwaysBudget: 100}, &at)

	out, _ := inj.Inject(context.Background(), "claude", &Session{})
	// The oversized always row stops selection; nothing after it fits either.
	if out.Content != "" {
		t.Errorf("content = %q, want empty when the first always row overflows", out.Content)
	}
}

func TestInjectPriorityOrderAndBudgetTrim(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	inj := newTestInjector(staticRows(
		storage.ContextRow{Key: "first", Content: "aaaa", Priority: 1},
		storage.ContextRow{Key: "second", Content: "bbbb", Priority: 2},
		storage.ContextRow{Key: "third", Content: strings.Repeat("c", 50), Priority: 3},
	), Config{Mode: ModeAlways, FallbackBudget: 12}, &at)

	out, err := inj.Inject(context.Background(), "m", &Session{})
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	// 4 + 2 + 4 = 10 fits; the third row would overflow and is dropped whole.
	if out.Content != "aaaa\n\nbbbb" {
		t.Errorf("content = %q, want the first two rows joined", out.Content)
	}
}

func TestInjectSessionsAreIndependent(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	inj := newTestInjector(staticRows(
		storage.ContextRow{Key: "id", Content: "identity", Priority: 1},
	), Config{Mode: ModeFirstRun}, &at)

	a, b := &Session{}, &Session{}
	if out, _ := inj.Inject(context.Background(), "m", a); out.Content == "" {
		t.Fatal("session a first turn suppressed")
	}
	// Session b's first turn is unaffected by session a's state.
	if out, _ := inj.Inject(context.Background(), "m", b); out.Content != "identity" {
		t.Errorf("session b first turn = %q, want injection", out.Content)
	}
	if out, _ := inj.Inject(context.Background(), "m", a); out.Content != "" {
		t.Errorf("session a second turn = %q, want suppressed", out.Content)
	}
}
