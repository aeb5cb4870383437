package quarantine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"aegis-sentry/internal/modules/tempadmin"
	"aegis-sentry/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type ownerPrompt struct {
	userID string
	reason string
	roles  []string
}

type fakeDiscord struct {
	guild   *discordgo.Guild
	members map[string]*discordgo.Member

	removed []string
	added   []string
	dms     map[string]int
	dmText  map[string]string
	prompts []ownerPrompt
}

func (f *fakeDiscord) Guild(string) (*discordgo.Guild, error) { return f.guild, nil }

func (f *fakeDiscord) Member(_, userID string) (*discordgo.Member, error) {
	member, ok := f.members[userID]
	if !ok {
		return nil, errors.New("unknown member")
	}
	return member, nil
}

func (f *fakeDiscord) RoleAdd(_, userID, roleID string) error {
	f.added = append(f.added, userID+":"+roleID)
	return nil
}

func (f *fakeDiscord) RoleRemove(_, userID, roleID string) error {
	f.removed = append(f.removed, userID+":"+roleID)
	return nil
}

func (f *fakeDiscord) BotUserID() string { return "bot" }

func (f *fakeDiscord) DirectMessage(userID, content string) error {
	if f.dms == nil {
		f.dms = make(map[string]int)
		f.dmText = make(map[string]string)
	}
	f.dms[userID]++
	f.dmText[userID] = content
	return nil
}

func (f *fakeDiscord) OwnerPrompt(_, _, userID, reason string, removedRoles []string) error {
	f.prompts = append(f.prompts, ownerPrompt{userID: userID, reason: reason, roles: removedRoles})
	return nil
}

type fakeActions struct {
	logged []string
	counts map[string]int
}

func (f *fakeActions) LogAction(_ context.Context, _, userID, actionType, _ string, _ map[string]any) {
	f.logged = append(f.logged, userID+":"+actionType)
}

func (f *fakeActions) CountSince(_ context.Context, _, _, actionType string, _ time.Time) (int, error) {
	return f.counts[actionType], nil
}

func newTestGuild() *discordgo.Guild {
	return &discordgo.Guild{
		ID:      "g1",
		Name:    "Test Guild",
		OwnerID: "owner",
		Roles: []*discordgo.Role{
			{ID: "g1", Position: 0},
			{ID: "plain", Position: 2},
			{ID: "mod", Position: 4, Permissions: discordgo.PermissionManageChannels},
			{ID: "admin", Position: 5, Permissions: discordgo.PermissionAdministrator},
			{ID: "sentry", Position: 10},
			{ID: "high-admin", Position: 20, Permissions: discordgo.PermissionAdministrator},
		},
	}
}

func newTestManager(t *testing.T, discord *fakeDiscord, actions *fakeActions) (*Manager, *tempadmin.Registry, *fakeClock) {
	t.Helper()
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	grants := tempadmin.NewRegistry()
	grants.WithClock(clock)

	cfg := Config{
		QuarantineFor:   24 * time.Hour,
		TempAdminFor:    24 * time.Hour,
		SweepEvery:      5 * time.Minute,
		RequarantineFor: 24 * time.Hour,
		Suspicion: SuspicionThresholds{
			Lookback:       time.Hour,
			Bans:           3,
			Kicks:          5,
			ChannelDeletes: 2,
			RoleUpdates:    5,
		},
	}
	manager := NewManager(cfg, store, discord, grants, actions, zap.NewNop())
	manager.WithClock(clock)
	return manager, grants, clock
}

func TestQuarantineRemovesAdminRolesBelowBot(t *testing.T) {
	discord := &fakeDiscord{
		guild: newTestGuild(),
		members: map[string]*discordgo.Member{
			"bot": {Roles: []string{"sentry"}},
			"u1":  {Roles: []string{"plain", "mod", "admin", "high-admin"}},
		},
	}
	actions := &fakeActions{}
	manager, _, _ := newTestManager(t, discord, actions)

	if err := manager.Quarantine(context.Background(), "g1", "u1", "too many bans", 24*time.Hour); err != nil {
		t.Fatalf("quarantine: %v", err)
	}

	if len(discord.removed) != 2 {
		t.Fatalf("expected mod and admin removed, got %v", discord.removed)
	}
	for _, call := range discord.removed {
		if call == "u1:high-admin" || call == "u1:plain" {
			t.Fatalf("removed role that should stay: %v", discord.removed)
		}
	}
	if !manager.IsQuarantined("g1", "u1") {
		t.Fatal("expected member quarantined")
	}
	if len(discord.prompts) != 1 {
		t.Fatalf("expected one owner prompt, got %d", len(discord.prompts))
	}
	if roles := discord.prompts[0].roles; len(roles) != 2 {
		t.Fatalf("expected removed-roles manifest in owner prompt, got %v", roles)
	}
	if discord.dms["u1"] != 1 {
		t.Fatalf("expected target DM, got %v", discord.dms)
	}
	if !strings.Contains(discord.dmText["u1"], "24 hour") {
		t.Fatalf("expected duration in target DM, got %q", discord.dmText["u1"])
	}
	if len(actions.logged) != 1 || actions.logged[0] != "u1:quarantine" {
		t.Fatalf("expected quarantine logged, got %v", actions.logged)
	}

	active, err := manager.ListActive(context.Background(), "g1")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].QuarantinedTill == nil {
		t.Fatalf("expected one active record with deadline, got %+v", active)
	}
}

func TestQuarantineFailsWithoutRemovableRoles(t *testing.T) {
	discord := &fakeDiscord{
		guild: newTestGuild(),
		members: map[string]*discordgo.Member{
			"bot": {Roles: []string{"sentry"}},
			"u1":  {Roles: []string{"plain", "high-admin"}},
		},
	}
	manager, _, _ := newTestManager(t, discord, &fakeActions{})

	err := manager.Quarantine(context.Background(), "g1", "u1", "test", 0)
	if !errors.Is(err, ErrNoRemovableRoles) {
		t.Fatalf("expected ErrNoRemovableRoles, got %v", err)
	}
	if manager.IsQuarantined("g1", "u1") {
		t.Fatal("expected member not quarantined")
	}
}

func TestUnquarantineRestoresSurvivingRoles(t *testing.T) {
	discord := &fakeDiscord{
		guild: newTestGuild(),
		members: map[string]*discordgo.Member{
			"bot": {Roles: []string{"sentry"}},
			"u1":  {Roles: []string{"mod", "admin"}},
		},
	}
	manager, grants, _ := newTestManager(t, discord, &fakeActions{})

	ctx := context.Background()
	if err := manager.Quarantine(ctx, "g1", "u1", "test", 0); err != nil {
		t.Fatalf("quarantine: %v", err)
	}

	// The mod role is deleted while the member sits in quarantine.
	var roles []*discordgo.Role
	for _, role := range discord.guild.Roles {
		if role.ID != "mod" {
			roles = append(roles, role)
		}
	}
	discord.guild.Roles = roles

	if err := manager.Unquarantine(ctx, "g1", "u1", "owner"); err != nil {
		t.Fatalf("unquarantine: %v", err)
	}

	if len(discord.added) != 1 || discord.added[0] != "u1:admin" {
		t.Fatalf("expected only surviving role restored, got %v", discord.added)
	}
	if manager.IsQuarantined("g1", "u1") {
		t.Fatal("expected member released")
	}
	if !grants.IsActive("g1", "u1") {
		t.Fatal("expected temp admin grant after release")
	}
}

func TestUnquarantineWithoutRecordFails(t *testing.T) {
	discord := &fakeDiscord{guild: newTestGuild(), members: map[string]*discordgo.Member{}}
	manager, _, _ := newTestManager(t, discord, &fakeActions{})

	err := manager.Unquarantine(context.Background(), "g1", "u1", "owner")
	if !errors.Is(err, storage.ErrNoActiveQuarantine) {
		t.Fatalf("expected ErrNoActiveQuarantine, got %v", err)
	}
}

func TestSweepReleasesExpiredQuarantines(t *testing.T) {
	discord := &fakeDiscord{
		guild: newTestGuild(),
		members: map[string]*discordgo.Member{
			"bot": {Roles: []string{"sentry"}},
			"u1":  {Roles: []string{"admin"}},
		},
	}
	manager, _, clock := newTestManager(t, discord, &fakeActions{})

	ctx := context.Background()
	if err := manager.Quarantine(ctx, "g1", "u1", "test", time.Hour); err != nil {
		t.Fatalf("quarantine: %v", err)
	}

	clock.Advance(30 * time.Minute)
	manager.Sweep(ctx)
	if !manager.IsQuarantined("g1", "u1") {
		t.Fatal("expected quarantine still active before deadline")
	}

	clock.Advance(31 * time.Minute)
	manager.Sweep(ctx)
	if manager.IsQuarantined("g1", "u1") {
		t.Fatal("expected quarantine released after deadline")
	}
	if len(discord.added) != 1 {
		t.Fatalf("expected roles restored on auto release, got %v", discord.added)
	}
}

func TestSweepRequarantinesSuspiciousTempAdmin(t *testing.T) {
	discord := &fakeDiscord{
		guild: newTestGuild(),
		members: map[string]*discordgo.Member{
			"bot": {Roles: []string{"sentry"}},
			"u1":  {Roles: []string{"admin"}},
		},
	}
	actions := &fakeActions{counts: map[string]int{"ban": 3}}
	manager, grants, clock := newTestManager(t, discord, actions)

	grants.Grant("g1", "u1", time.Hour)
	clock.Advance(2 * time.Hour)

	manager.Sweep(context.Background())
	if !manager.IsQuarantined("g1", "u1") {
		t.Fatal("expected suspicious temp admin re-quarantined")
	}
}

func TestSweepLetsQuietTempAdminLapse(t *testing.T) {
	discord := &fakeDiscord{
		guild: newTestGuild(),
		members: map[string]*discordgo.Member{
			"bot": {Roles: []string{"sentry"}},
			"u1":  {Roles: []string{"admin"}},
		},
	}
	actions := &fakeActions{counts: map[string]int{"ban": 1}}
	manager, grants, clock := newTestManager(t, discord, actions)

	grants.Grant("g1", "u1", time.Hour)
	clock.Advance(2 * time.Hour)

	manager.Sweep(context.Background())
	if manager.IsQuarantined("g1", "u1") {
		t.Fatal("expected quiet temp admin to lapse without quarantine")
	}
	if grants.IsActive("g1", "u1") {
		t.Fatal("expected grant expired")
	}
}
