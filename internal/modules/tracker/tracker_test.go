package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"aegis-sentry/internal/storage"

	"go.uber.org/zap"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fakeSettings struct {
	enabled bool
	err     error
}

func (f *fakeSettings) SecuritySettings(context.Context, string) (storage.GuildSecuritySettings, error) {
	if f.err != nil {
		return storage.GuildSecuritySettings{}, f.err
	}
	return storage.GuildSecuritySettings{
		SecurityEnabled:        f.enabled,
		ActionsSecurityEnabled: f.enabled,
	}, nil
}

type fakeGrants struct {
	active bool
}

func (f *fakeGrants) IsActive(string, string) bool { return f.active }

type fakeQuarantiner struct {
	quarantined map[string]bool
	calls       []string
	err         error
}

func (f *fakeQuarantiner) IsQuarantined(guildID, userID string) bool {
	return f.quarantined[guildID+":"+userID]
}

func (f *fakeQuarantiner) Quarantine(_ context.Context, guildID, userID, reason string, _ time.Duration) error {
	f.calls = append(f.calls, userID+"|"+reason)
	if f.err != nil {
		return f.err
	}
	if f.quarantined == nil {
		f.quarantined = make(map[string]bool)
	}
	f.quarantined[guildID+":"+userID] = true
	return nil
}

type fakeRecorder struct {
	entries int
}

func (f *fakeRecorder) LogAction(context.Context, string, string, string, string, map[string]any) {
	f.entries++
}

func newTestTracker(settings *fakeSettings, grants *fakeGrants, q *fakeQuarantiner, rec *fakeRecorder) (*Tracker, *fakeClock) {
	cfg := Config{
		Window:        time.Minute,
		Thresholds:    map[string]int{ActionBan: 2, ActionKick: 2, ActionChannelDelete: 2},
		QuarantineFor: 24 * time.Hour,
		BotUserID:     "bot",
	}
	tr := New(cfg, settings, grants, q, rec, zap.NewNop())
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tr.WithClock(clock)
	return tr, clock
}

func TestBelowThresholdAllows(t *testing.T) {
	q := &fakeQuarantiner{}
	rec := &fakeRecorder{}
	tr, _ := newTestTracker(&fakeSettings{enabled: true}, &fakeGrants{}, q, rec)

	if !tr.RecordAction(context.Background(), "g1", "u1", ActionBan, "t1") {
		t.Fatal("expected first ban allowed")
	}
	if len(q.calls) != 0 {
		t.Fatalf("expected no quarantine, got %v", q.calls)
	}
	if rec.entries != 1 {
		t.Fatalf("expected 1 logged action, got %d", rec.entries)
	}
}

func TestThresholdTriggersQuarantineAndBlocks(t *testing.T) {
	q := &fakeQuarantiner{}
	rec := &fakeRecorder{}
	tr, _ := newTestTracker(&fakeSettings{enabled: true}, &fakeGrants{}, q, rec)

	ctx := context.Background()
	if !tr.RecordAction(ctx, "g1", "u1", ActionBan, "t1") {
		t.Fatal("expected first ban allowed")
	}
	if tr.RecordAction(ctx, "g1", "u1", ActionBan, "t2") {
		t.Fatal("expected second ban blocked")
	}
	if len(q.calls) != 1 {
		t.Fatalf("expected one quarantine call, got %v", q.calls)
	}
	want := "u1|Multiple ban actions within 1 minute(s)"
	if q.calls[0] != want {
		t.Fatalf("expected %q, got %q", want, q.calls[0])
	}

	// Follow-up actions are blocked before counting.
	logged := rec.entries
	if tr.RecordAction(ctx, "g1", "u1", ActionKick, "t3") {
		t.Fatal("expected action blocked while quarantined")
	}
	if rec.entries != logged {
		t.Fatal("expected no log entry for blocked action")
	}
}

func TestWindowExpiryResetsCount(t *testing.T) {
	q := &fakeQuarantiner{}
	tr, clock := newTestTracker(&fakeSettings{enabled: true}, &fakeGrants{}, q, &fakeRecorder{})

	ctx := context.Background()
	tr.RecordAction(ctx, "g1", "u1", ActionBan, "t1")
	clock.Advance(61 * time.Second)
	if !tr.RecordAction(ctx, "g1", "u1", ActionBan, "t2") {
		t.Fatal("expected ban outside window allowed")
	}
	if len(q.calls) != 0 {
		t.Fatalf("expected no quarantine across windows, got %v", q.calls)
	}
}

func TestDisabledGuildPassesThrough(t *testing.T) {
	q := &fakeQuarantiner{}
	rec := &fakeRecorder{}
	tr, _ := newTestTracker(&fakeSettings{enabled: false}, &fakeGrants{}, q, rec)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if !tr.RecordAction(ctx, "g1", "u1", ActionBan, "t") {
			t.Fatal("expected disabled guild to allow everything")
		}
	}
	if rec.entries != 0 {
		t.Fatalf("expected no logging for disabled guild, got %d", rec.entries)
	}
}

func TestTempAdminBypassesTracking(t *testing.T) {
	q := &fakeQuarantiner{}
	rec := &fakeRecorder{}
	tr, _ := newTestTracker(&fakeSettings{enabled: true}, &fakeGrants{active: true}, q, rec)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if !tr.RecordAction(ctx, "g1", "u1", ActionBan, "t") {
			t.Fatal("expected temp admin allowed")
		}
	}
	if len(q.calls) != 0 || rec.entries != 0 {
		t.Fatalf("expected bypass, got calls=%v entries=%d", q.calls, rec.entries)
	}
}

func TestUntrackedActionNeverThrottles(t *testing.T) {
	q := &fakeQuarantiner{}
	rec := &fakeRecorder{}
	tr, _ := newTestTracker(&fakeSettings{enabled: true}, &fakeGrants{}, q, rec)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if !tr.RecordAction(ctx, "g1", "u1", ActionRoleUpdate, "t") {
			t.Fatal("expected untracked action allowed")
		}
	}
	if len(q.calls) != 0 {
		t.Fatalf("expected no quarantine, got %v", q.calls)
	}
	if rec.entries != 10 {
		t.Fatalf("expected all actions logged, got %d", rec.entries)
	}
}

func TestQuarantineFailureFailsOpen(t *testing.T) {
	q := &fakeQuarantiner{err: errors.New("missing roles")}
	tr, _ := newTestTracker(&fakeSettings{enabled: true}, &fakeGrants{}, q, &fakeRecorder{})

	ctx := context.Background()
	tr.RecordAction(ctx, "g1", "u1", ActionBan, "t1")
	if !tr.RecordAction(ctx, "g1", "u1", ActionBan, "t2") {
		t.Fatal("expected allow when quarantine fails")
	}
}

func TestSettingsErrorAssumesEnabled(t *testing.T) {
	q := &fakeQuarantiner{}
	tr, _ := newTestTracker(&fakeSettings{err: errors.New("db closed")}, &fakeGrants{}, q, &fakeRecorder{})

	ctx := context.Background()
	tr.RecordAction(ctx, "g1", "u1", ActionBan, "t1")
	if tr.RecordAction(ctx, "g1", "u1", ActionBan, "t2") {
		t.Fatal("expected tracking to continue despite settings error")
	}
}

func TestBotOwnActionsExempt(t *testing.T) {
	q := &fakeQuarantiner{}
	rec := &fakeRecorder{}
	tr, _ := newTestTracker(&fakeSettings{enabled: true}, &fakeGrants{}, q, rec)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if !tr.RecordAction(ctx, "g1", "bot", ActionBan, "t") {
			t.Fatal("expected bot actions exempt")
		}
	}
	if rec.entries != 0 {
		t.Fatalf("expected no logging for bot, got %d", rec.entries)
	}
}
