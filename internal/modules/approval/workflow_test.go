package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"aegis-sentry/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

type fakeDiscord struct {
	guild   *discordgo.Guild
	members map[string]*discordgo.Member

	added   []string
	removed []string
	dms     map[string]int
	prompts []int64
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

func (f *fakeDiscord) DirectMessage(userID, _ string) error {
	if f.dms == nil {
		f.dms = make(map[string]int)
	}
	f.dms[userID]++
	return nil
}

func (f *fakeDiscord) ApprovalPrompt(_ string, id int64, _, _, _, _ string) error {
	f.prompts = append(f.prompts, id)
	return nil
}

func newTestWorkflow(t *testing.T, discord *fakeDiscord) (*Workflow, *storage.Store) {
	t.Helper()
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewWorkflow(store, discord, zap.NewNop()), store
}

func testGuild() *discordgo.Guild {
	return &discordgo.Guild{
		ID:      "g1",
		Name:    "Test Guild",
		OwnerID: "owner",
		Roles: []*discordgo.Role{
			{ID: "g1", Position: 0},
			{ID: "plain", Name: "Member", Position: 1},
			{ID: "admin", Name: "Admin", Position: 5, Permissions: discordgo.PermissionAdministrator},
			{ID: "mod", Name: "Mod", Position: 4, Permissions: discordgo.PermissionManageRoles},
		},
	}
}

func TestHandleRoleGrantParksAdminRole(t *testing.T) {
	discord := &fakeDiscord{
		guild: testGuild(),
		members: map[string]*discordgo.Member{
			"assigner": {Roles: []string{"mod"}},
			"target":   {Roles: []string{"admin"}},
		},
	}
	workflow, store := newTestWorkflow(t, discord)

	ctx := context.Background()
	if err := workflow.HandleRoleGrant(ctx, "g1", "target", "admin", "assigner"); err != nil {
		t.Fatalf("handle role grant: %v", err)
	}

	if len(discord.removed) != 1 || discord.removed[0] != "target:admin" {
		t.Fatalf("expected provisional strip, got %v", discord.removed)
	}
	if len(discord.prompts) != 1 {
		t.Fatalf("expected owner prompt, got %v", discord.prompts)
	}

	a, err := store.Assignment(ctx, discord.prompts[0], "g1")
	if err != nil {
		t.Fatalf("assignment: %v", err)
	}
	if a.Status != storage.AssignmentPending {
		t.Fatalf("expected pending, got %q", a.Status)
	}
	if len(a.AssignerRoles) != 1 || a.AssignerRoles[0] != "mod" {
		t.Fatalf("expected assigner snapshot [mod], got %v", a.AssignerRoles)
	}
}

func TestHandleRoleGrantIgnoresOwnerAndBot(t *testing.T) {
	discord := &fakeDiscord{guild: testGuild(), members: map[string]*discordgo.Member{}}
	workflow, _ := newTestWorkflow(t, discord)

	ctx := context.Background()
	if err := workflow.HandleRoleGrant(ctx, "g1", "target", "admin", "owner"); err != nil {
		t.Fatalf("owner grant: %v", err)
	}
	if err := workflow.HandleRoleGrant(ctx, "g1", "target", "admin", "bot"); err != nil {
		t.Fatalf("bot grant: %v", err)
	}
	if err := workflow.HandleRoleGrant(ctx, "g1", "owner", "admin", "assigner"); err != nil {
		t.Fatalf("grant to owner: %v", err)
	}
	if len(discord.removed) != 0 || len(discord.prompts) != 0 {
		t.Fatalf("expected no intervention, got removed=%v prompts=%v", discord.removed, discord.prompts)
	}
}

func TestHandleRoleGrantSkipsUnattributedAssigner(t *testing.T) {
	discord := &fakeDiscord{
		guild:   testGuild(),
		members: map[string]*discordgo.Member{"target": {Roles: []string{"admin"}}},
	}
	workflow, store := newTestWorkflow(t, discord)

	ctx := context.Background()
	if err := workflow.HandleRoleGrant(ctx, "g1", "target", "admin", ""); err != nil {
		t.Fatalf("handle role grant: %v", err)
	}

	if len(discord.removed) != 0 || len(discord.prompts) != 0 {
		t.Fatalf("expected no intervention without an assigner, got removed=%v prompts=%v",
			discord.removed, discord.prompts)
	}
	if _, err := store.Assignment(ctx, 1, "g1"); err == nil {
		t.Fatal("expected no pending assignment parked")
	}
}

func TestHandleRoleGrantIgnoresNonAdminRole(t *testing.T) {
	discord := &fakeDiscord{
		guild:   testGuild(),
		members: map[string]*discordgo.Member{"assigner": {Roles: nil}},
	}
	workflow, _ := newTestWorkflow(t, discord)

	if err := workflow.HandleRoleGrant(context.Background(), "g1", "target", "plain", "assigner"); err != nil {
		t.Fatalf("handle role grant: %v", err)
	}
	if len(discord.removed) != 0 {
		t.Fatalf("expected plain role untouched, got %v", discord.removed)
	}
}

func TestApproveRestoresRolesAndCommits(t *testing.T) {
	discord := &fakeDiscord{
		guild: testGuild(),
		members: map[string]*discordgo.Member{
			"assigner": {Roles: []string{"mod"}},
			"target":   {Roles: []string{"admin"}},
		},
	}
	workflow, store := newTestWorkflow(t, discord)

	ctx := context.Background()
	if err := workflow.HandleRoleGrant(ctx, "g1", "target", "admin", "assigner"); err != nil {
		t.Fatalf("handle role grant: %v", err)
	}
	id := discord.prompts[0]

	// Simulate the strip taking effect before the owner responds.
	discord.members["target"] = &discordgo.Member{Roles: nil}
	discord.members["assigner"] = &discordgo.Member{Roles: nil}

	if err := workflow.Approve(ctx, "g1", id, "owner"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	wantAdded := map[string]bool{"target:admin": false, "assigner:mod": false}
	for _, call := range discord.added {
		if _, ok := wantAdded[call]; ok {
			wantAdded[call] = true
		}
	}
	for call, seen := range wantAdded {
		if !seen {
			t.Fatalf("expected role add %q, got %v", call, discord.added)
		}
	}

	a, err := store.Assignment(ctx, id, "g1")
	if err != nil {
		t.Fatalf("assignment: %v", err)
	}
	if a.Status != storage.AssignmentApproved || a.ResolvedBy != "owner" {
		t.Fatalf("expected approved by owner, got %+v", a)
	}
}

func TestApproveRejectsNonOwner(t *testing.T) {
	discord := &fakeDiscord{
		guild: testGuild(),
		members: map[string]*discordgo.Member{
			"assigner": {Roles: nil},
		},
	}
	workflow, _ := newTestWorkflow(t, discord)

	ctx := context.Background()
	if err := workflow.HandleRoleGrant(ctx, "g1", "target", "admin", "assigner"); err != nil {
		t.Fatalf("handle role grant: %v", err)
	}

	err := workflow.Approve(ctx, "g1", discord.prompts[0], "assigner")
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestApproveTwiceFails(t *testing.T) {
	discord := &fakeDiscord{
		guild: testGuild(),
		members: map[string]*discordgo.Member{
			"assigner": {Roles: nil},
			"target":   {Roles: nil},
		},
	}
	workflow, _ := newTestWorkflow(t, discord)

	ctx := context.Background()
	if err := workflow.HandleRoleGrant(ctx, "g1", "target", "admin", "assigner"); err != nil {
		t.Fatalf("handle role grant: %v", err)
	}
	id := discord.prompts[0]

	if err := workflow.Approve(ctx, "g1", id, "owner"); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	err := workflow.Approve(ctx, "g1", id, "owner")
	if !errors.Is(err, storage.ErrAssignmentNotPending) {
		t.Fatalf("expected ErrAssignmentNotPending, got %v", err)
	}
}

func TestApproveSelfAssignmentDeclines(t *testing.T) {
	discord := &fakeDiscord{
		guild: testGuild(),
		members: map[string]*discordgo.Member{
			"assigner": {Roles: nil},
		},
	}
	workflow, store := newTestWorkflow(t, discord)

	ctx := context.Background()
	if err := workflow.HandleRoleGrant(ctx, "g1", "assigner", "admin", "assigner"); err != nil {
		t.Fatalf("handle role grant: %v", err)
	}
	id := discord.prompts[0]

	err := workflow.Approve(ctx, "g1", id, "owner")
	if !errors.Is(err, ErrSelfAssignment) {
		t.Fatalf("expected ErrSelfAssignment, got %v", err)
	}

	a, err := store.Assignment(ctx, id, "g1")
	if err != nil {
		t.Fatalf("assignment: %v", err)
	}
	if a.Status != storage.AssignmentDeclined {
		t.Fatalf("expected declined, got %q", a.Status)
	}
	if len(discord.added) != 0 {
		t.Fatalf("expected no role grants, got %v", discord.added)
	}
}

func TestDeclineLeavesRolesAlone(t *testing.T) {
	discord := &fakeDiscord{
		guild: testGuild(),
		members: map[string]*discordgo.Member{
			"assigner": {Roles: []string{"mod"}},
		},
	}
	workflow, store := newTestWorkflow(t, discord)

	ctx := context.Background()
	if err := workflow.HandleRoleGrant(ctx, "g1", "target", "admin", "assigner"); err != nil {
		t.Fatalf("handle role grant: %v", err)
	}
	id := discord.prompts[0]

	stripped := len(discord.removed)
	if err := workflow.Decline(ctx, "g1", id, "owner"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if len(discord.added) != 0 || len(discord.removed) != stripped {
		t.Fatalf("expected no role mutation on decline, added=%v removed=%v", discord.added, discord.removed)
	}

	a, err := store.Assignment(ctx, id, "g1")
	if err != nil {
		t.Fatalf("assignment: %v", err)
	}
	if a.Status != storage.AssignmentDeclined {
		t.Fatalf("expected declined, got %q", a.Status)
	}
	if clock := time.Since(a.CreatedAt); clock < 0 {
		t.Fatalf("unexpected created_at in the future: %v", a.CreatedAt)
	}
}

func TestPreviouslyApprovedGrantPasses(t *testing.T) {
	discord := &fakeDiscord{
		guild: testGuild(),
		members: map[string]*discordgo.Member{
			"assigner": {Roles: nil},
			"target":   {Roles: nil},
		},
	}
	workflow, _ := newTestWorkflow(t, discord)

	ctx := context.Background()
	if err := workflow.HandleRoleGrant(ctx, "g1", "target", "admin", "assigner"); err != nil {
		t.Fatalf("handle role grant: %v", err)
	}
	if err := workflow.Approve(ctx, "g1", discord.prompts[0], "owner"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	stripped := len(discord.removed)
	prompts := len(discord.prompts)
	if err := workflow.HandleRoleGrant(ctx, "g1", "target", "admin", "assigner"); err != nil {
		t.Fatalf("regrant: %v", err)
	}
	if len(discord.removed) != stripped || len(discord.prompts) != prompts {
		t.Fatal("expected approved grant to pass without a new prompt")
	}
}
