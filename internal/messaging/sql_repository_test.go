package messaging

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/beresta/messenger/internal/apperr"
	"github.com/beresta/messenger/internal/database"
	"go.uber.org/zap"
)

func newSQLRepository(t *testing.T) *SQLRepository {
	t.Helper()
	store, err := database.Open(context.Background(), database.Config{
		Driver: database.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "messenger.db"),
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if failed := database.EnsureSchema(store.DB(), zap.NewNop(), Tables()...); len(failed) != 0 {
		t.Fatalf("schema failures: %v", failed)
	}
	if err := database.ApplyMigrations(store.DB(), zap.NewNop(), Migrations()...); err != nil {
		t.Fatalf("migrations failed: %v", err)
	}
	return NewSQLRepository(store)
}

func TestSQLRepositoryUsersAreUniqueByEmail(t *testing.T) {
	repo := newSQLRepository(t)
	ctx := context.Background()

	created, err := repo.CreateUser(ctx, User{Email: "Alice@Example.com", FirstName: "Alice", CreatedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	if created.ID != 1 || created.Email != "alice@example.com" {
		t.Fatalf("unexpected user %+v", created)
	}

	_, err = repo.CreateUser(ctx, User{Email: "ALICE@example.com", CreatedAt: time.Now().UTC()})
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	loaded, err := repo.UserByEmail(ctx, "alice@EXAMPLE.com")
	if err != nil || loaded.ID != created.ID {
		t.Fatalf("expected case-insensitive lookup, got %+v (%v)", loaded, err)
	}
	if _, err := repo.UserByEmail(ctx, "missing@example.com"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSQLRepositoryFriendEdges(t *testing.T) {
	repo := newSQLRepository(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	first, err := repo.AddFriend(ctx, Friend{UserEmail: "a@x.com", FriendEmail: "b@x.com", CreatedAt: now})
	if err != nil {
		t.Fatalf("add friend failed: %v", err)
	}
	again, err := repo.AddFriend(ctx, Friend{UserEmail: "a@x.com", FriendEmail: "b@x.com", CreatedAt: now})
	if err != nil || again.ID != first.ID {
		t.Fatalf("expected idempotent add, got %+v (%v)", again, err)
	}

	if err := repo.AddChatsAutomatically(ctx, "a@x.com", "b@x.com", now); err != nil {
		t.Fatalf("auto add failed: %v", err)
	}
	if err := repo.AddChatsAutomatically(ctx, "b@x.com", "a@x.com", now); err != nil {
		t.Fatalf("repeated auto add failed: %v", err)
	}

	aFriends, _ := repo.Friends(ctx, "a@x.com")
	bFriends, _ := repo.Friends(ctx, "b@x.com")
	if len(aFriends) != 1 || len(bFriends) != 1 {
		t.Fatalf("expected one edge each way, got %d and %d", len(aFriends), len(bFriends))
	}

	if err := repo.RemoveFriend(ctx, "a@x.com", "b@x.com"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := repo.RemoveFriend(ctx, "a@x.com", "b@x.com"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found on second remove, got %v", err)
	}
}

func TestSQLRepositoryMessagesBetweenIsSymmetricAndSorted(t *testing.T) {
	repo := newSQLRepository(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	inserts := []Message{
		{SenderEmail: "a@x.com", ReceiverEmail: "b@x.com", Body: "third", Status: StatusSent, Timestamp: base.Add(3 * time.Minute)},
		{SenderEmail: "b@x.com", ReceiverEmail: "a@x.com", Body: "first", Status: StatusSent, Timestamp: base.Add(1 * time.Minute)},
		{SenderEmail: "a@x.com", ReceiverEmail: "c@x.com", Body: "other", Status: StatusSent, Timestamp: base},
		{SenderEmail: "a@x.com", ReceiverEmail: "b@x.com", Body: "second", Status: StatusSent, Timestamp: base.Add(2 * time.Minute)},
	}
	for _, message := range inserts {
		if _, err := repo.CreateMessage(ctx, message); err != nil {
			t.Fatalf("create message failed: %v", err)
		}
	}

	forward, err := repo.MessagesBetween(ctx, "a@x.com", "b@x.com")
	if err != nil {
		t.Fatalf("messages between failed: %v", err)
	}
	backward, err := repo.MessagesBetween(ctx, "B@x.com", "a@x.com")
	if err != nil {
		t.Fatalf("messages between failed: %v", err)
	}
	if len(forward) != 3 || len(backward) != 3 {
		t.Fatalf("expected 3 messages each way, got %d and %d", len(forward), len(backward))
	}
	expected := []string{"first", "second", "third"}
	for i := range expected {
		if forward[i].Body != expected[i] || backward[i].ID != forward[i].ID {
			t.Fatalf("unexpected order at %d: forward %q backward id %d", i, forward[i].Body, backward[i].ID)
		}
	}
}

func TestSQLRepositoryMarkDownloaded(t *testing.T) {
	repo := newSQLRepository(t)
	ctx := context.Background()
	message, err := repo.CreateMessage(ctx, Message{SenderEmail: "a@x.com", ReceiverEmail: "b@x.com", Body: "hi", Status: StatusSent, Timestamp: time.Now().UTC()})
	if err != nil {
		t.Fatalf("create message failed: %v", err)
	}

	updated, err := repo.MarkDownloaded(ctx, message.ID, PartyReceiver)
	if err != nil {
		t.Fatalf("mark downloaded failed: %v", err)
	}
	if !updated.DownloadedByReceiver || updated.DownloadedBySender {
		t.Fatalf("unexpected flags %+v", updated)
	}
	if _, err := repo.MarkDownloaded(ctx, 999, PartySender); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSQLRepositoryGroupsAndCalls(t *testing.T) {
	repo := newSQLRepository(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	group, err := repo.CreateGroup(ctx, Group{Name: "Team", CreatedBy: "a@x.com", CreatedAt: now},
		GroupMember{UserEmail: "a@x.com", Role: RoleAdmin, JoinedAt: now})
	if err != nil {
		t.Fatalf("create group failed: %v", err)
	}
	if _, err := repo.AddGroupMember(ctx, GroupMember{GroupID: group.ID, UserEmail: "b@x.com", Role: RoleMember, JoinedAt: now}); err != nil {
		t.Fatalf("add member failed: %v", err)
	}
	if _, err := repo.AddGroupMember(ctx, GroupMember{GroupID: group.ID, UserEmail: "B@x.com", Role: RoleMember, JoinedAt: now}); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected duplicate member conflict, got %v", err)
	}
	if _, err := repo.AddGroupMember(ctx, GroupMember{GroupID: 42, UserEmail: "c@x.com", JoinedAt: now}); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected missing group, got %v", err)
	}
	members, _ := repo.GroupMembers(ctx, group.ID)
	if len(members) != 2 || members[0].Role != RoleAdmin {
		t.Fatalf("unexpected members %+v", members)
	}
	groups, err := repo.UserGroups(ctx, "b@x.com")
	if err != nil || len(groups) != 1 || groups[0].ID != group.ID {
		t.Fatalf("unexpected user groups %+v (%v)", groups, err)
	}

	older := Call{CallID: "call-1", CallerEmail: "a@x.com", ReceiverEmail: "b@x.com", CallType: CallTypeAudio, Status: CallStatusInitiated, StartedAt: now}
	newer := Call{CallID: "call-2", CallerEmail: "b@x.com", ReceiverEmail: "a@x.com", CallType: CallTypeVideo, Status: CallStatusInitiated, StartedAt: now.Add(time.Hour)}
	for _, call := range []Call{older, newer} {
		if _, err := repo.CreateCall(ctx, call); err != nil {
			t.Fatalf("create call failed: %v", err)
		}
	}
	if _, err := repo.CreateCall(ctx, older); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected duplicate call conflict, got %v", err)
	}
	history, _ := repo.Calls(ctx, "a@x.com")
	if len(history) != 2 || history[0].CallID != "call-2" {
		t.Fatalf("expected newest call first, got %+v", history)
	}

	ended := now.Add(2 * time.Minute)
	older.Status, older.EndedAt, older.Duration = CallStatusEnded, &ended, 120
	if _, err := repo.UpdateCall(ctx, older); err != nil {
		t.Fatalf("update call failed: %v", err)
	}
	reloaded, _ := repo.CallByID(ctx, "call-1")
	if reloaded.Status != CallStatusEnded || reloaded.Duration != 120 || reloaded.EndedAt == nil {
		t.Fatalf("unexpected updated call %+v", reloaded)
	}

	if _, err := repo.CreateAgoraCall(ctx, AgoraCall{ChannelName: "room", CallerEmail: "a@x.com", ReceiverEmail: "b@x.com", CallType: CallTypeVideo, Status: CallStatusInitiated, CreatedAt: now}); err != nil {
		t.Fatalf("create agora call failed: %v", err)
	}
	if _, err := repo.CreateAgoraCall(ctx, AgoraCall{ChannelName: "room", CreatedAt: now}); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected channel conflict, got %v", err)
	}
	if _, err := repo.UpdateAgoraCall(ctx, AgoraCall{ChannelName: "missing", Status: CallStatusEnded}); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected missing channel, got %v", err)
	}
}
