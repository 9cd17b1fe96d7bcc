package recordstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/beresta/messenger/internal/apperr"
	"github.com/beresta/messenger/internal/messaging"
)

var fixedTime = time.Date(2026, 10, 14, 8, 15, 30, 0, time.UTC)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "database.json")
	store, err := Open(Config{Path: path, Clock: func() time.Time { return fixedTime }})
	if err != nil {
		t.Fatalf("failed to open record store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestConcurrentCreateUserLosesNothing(t *testing.T) {
	store, path := openTestStore(t)
	ctx := context.Background()
	const writers = 40

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.CreateUser(ctx, messaging.User{Email: fmt.Sprintf("user%02d@x.com", i), CreatedAt: fixedTime})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("create user failed: %v", err)
		}
	}

	doc, err := store.load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(doc.Users) != writers {
		t.Fatalf("expected %d users, found %d", writers, len(doc.Users))
	}
	seen := make(map[int64]bool)
	for _, user := range doc.Users {
		if seen[user.ID] {
			t.Fatalf("duplicate id %d", user.ID)
		}
		seen[user.ID] = true
	}
	if doc.LastIDs[collectionUsers] != writers {
		t.Fatalf("expected users counter %d, got %d", writers, doc.LastIDs[collectionUsers])
	}

	raw, _ := os.ReadFile(path)
	for _, key := range []string{`"users"`, `"friends"`, `"groupMembers"`, `"agoraCalls"`, `"lastIds"`} {
		if !strings.Contains(string(raw), key) {
			t.Fatalf("expected document to contain %s", key)
		}
	}
}

func TestCreateUserIsCaseInsensitive(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateUser(ctx, messaging.User{Email: "Mixed@X.com"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := store.CreateUser(ctx, messaging.User{Email: "mixed@x.COM"}); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	user, err := store.UserByEmail(ctx, "MIXED@x.com")
	if err != nil || user.Email != "mixed@x.com" {
		t.Fatalf("unexpected lookup %+v (%v)", user, err)
	}
}

func TestMessagesBetweenIsSymmetricAndSorted(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for _, message := range []messaging.Message{
		{SenderEmail: "a@x.com", ReceiverEmail: "b@x.com", Body: "late", Timestamp: fixedTime.Add(time.Hour)},
		{SenderEmail: "B@x.com", ReceiverEmail: "a@x.com", Body: "early", Timestamp: fixedTime},
		{SenderEmail: "a@x.com", ReceiverEmail: "z@x.com", Body: "elsewhere", Timestamp: fixedTime},
		{SenderEmail: "a@x.com", ReceiverEmail: "b@x.com", Body: "tie", Timestamp: fixedTime},
	} {
		if _, err := store.CreateMessage(ctx, message); err != nil {
			t.Fatalf("create message failed: %v", err)
		}
	}

	forward, _ := store.MessagesBetween(ctx, "a@x.com", "b@x.com")
	backward, _ := store.MessagesBetween(ctx, "b@x.com", "A@x.com")
	expected := []string{"early", "tie", "late"}
	if len(forward) != len(expected) || len(backward) != len(expected) {
		t.Fatalf("unexpected sizes %d and %d", len(forward), len(backward))
	}
	for i, body := range expected {
		if forward[i].Body != body || backward[i].Body != body {
			t.Fatalf("position %d: forward %q backward %q, want %q", i, forward[i].Body, backward[i].Body, body)
		}
	}
	if forward[0].Status != messaging.StatusSent {
		t.Fatalf("expected default status, got %q", forward[0].Status)
	}
}

func TestAddChatsAutomaticallyCreatesMissingEdges(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.AddFriend(ctx, messaging.Friend{UserEmail: "a@x.com", FriendEmail: "b@x.com"}); err != nil {
		t.Fatalf("add friend failed: %v", err)
	}
	if err := store.AddChatsAutomatically(ctx, "b@x.com", "a@x.com", fixedTime); err != nil {
		t.Fatalf("auto add failed: %v", err)
	}
	doc, _ := store.load()
	if len(doc.Friends) != 2 {
		t.Fatalf("expected exactly two edges, got %+v", doc.Friends)
	}
	if err := store.RemoveFriend(ctx, "a@x.com", "b@x.com"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	remaining, _ := store.Friends(ctx, "b@x.com")
	if len(remaining) != 1 {
		t.Fatalf("expected reverse edge to survive, got %+v", remaining)
	}
}

func TestGroupsAndCalls(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	group, err := store.CreateGroup(ctx, messaging.Group{Name: "Crew", CreatedBy: "a@x.com"},
		messaging.GroupMember{UserEmail: "a@x.com", Role: messaging.RoleAdmin})
	if err != nil {
		t.Fatalf("create group failed: %v", err)
	}
	if _, err := store.AddGroupMember(ctx, messaging.GroupMember{GroupID: group.ID, UserEmail: "A@x.com"}); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected creator to already be a member, got %v", err)
	}
	if _, err := store.AddGroupMember(ctx, messaging.GroupMember{GroupID: group.ID + 1, UserEmail: "b@x.com"}); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected missing group, got %v", err)
	}
	groups, _ := store.UserGroups(ctx, "a@x.com")
	if len(groups) != 1 || groups[0].Name != "Crew" {
		t.Fatalf("unexpected groups %+v", groups)
	}

	if _, err := store.CreateCall(ctx, messaging.Call{CallID: "c1", CallerEmail: "a@x.com", ReceiverEmail: "b@x.com", StartedAt: fixedTime}); err != nil {
		t.Fatalf("create call failed: %v", err)
	}
	if _, err := store.CreateCall(ctx, messaging.Call{CallID: "c2", CallerEmail: "b@x.com", ReceiverEmail: "a@x.com", StartedAt: fixedTime.Add(time.Minute)}); err != nil {
		t.Fatalf("create call failed: %v", err)
	}
	if _, err := store.CreateCall(ctx, messaging.Call{CallID: "c1"}); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected duplicate call, got %v", err)
	}
	ended := fixedTime.Add(10 * time.Minute)
	updated, err := store.UpdateCall(ctx, messaging.Call{CallID: "c1", Status: messaging.CallStatusEnded, EndedAt: &ended, Duration: 600})
	if err != nil || updated.Duration != 600 || updated.CallerEmail != "a@x.com" {
		t.Fatalf("unexpected update %+v (%v)", updated, err)
	}
	calls, _ := store.Calls(ctx, "a@x.com")
	if len(calls) != 2 || calls[0].CallID != "c2" {
		t.Fatalf("expected newest first, got %+v", calls)
	}
}

func TestLoadRejectsCorruptDocument(t *testing.T) {
	store, path := openTestStore(t)
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("failed to corrupt document: %v", err)
	}
	if _, err := store.UserByEmail(context.Background(), "a@x.com"); !errors.Is(err, ErrCorruptDocument) {
		t.Fatalf("expected corrupt document error, got %v", err)
	}
	if _, err := store.CreateUser(context.Background(), messaging.User{Email: "a@x.com"}); !errors.Is(err, ErrCorruptDocument) {
		t.Fatalf("expected writes to refuse a corrupt document, got %v", err)
	}
	if err := store.Health(context.Background()); !errors.Is(err, ErrCorruptDocument) {
		t.Fatalf("expected health check to report corruption, got %v", err)
	}
	raw, _ := os.ReadFile(path)
	if string(raw) != "{not json" {
		t.Fatalf("corrupt document must not be overwritten")
	}
}

func TestBackupWritesTimestampedSnapshot(t *testing.T) {
	store, path := openTestStore(t)
	ctx := context.Background()
	if _, err := store.CreateUser(ctx, messaging.User{Email: "a@x.com"}); err != nil {
		t.Fatalf("create user failed: %v", err)
	}

	backup, err := store.Backup(ctx)
	if err != nil {
		t.Fatalf("backup failed: %v", err)
	}
	expected := filepath.Join(filepath.Dir(path), "database.backup-20261014-081530.json")
	if backup != expected {
		t.Fatalf("unexpected backup path %q", backup)
	}
	raw, err := os.ReadFile(backup)
	if err != nil || !strings.Contains(string(raw), "a@x.com") {
		t.Fatalf("unexpected backup content %q (%v)", raw, err)
	}
}

func TestRunBackupsLogsFailures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "database.json")
	core, logs := observer.New(zapcore.DebugLevel)
	store, err := Open(Config{Path: path, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer store.Close()
	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("failed to write garbage: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	store.RunBackups(ctx, 20*time.Millisecond)

	if logs.FilterMessage("record store backup failed").Len() == 0 {
		t.Fatalf("expected backup failures to be logged")
	}
}

func TestCloseRejectsFurtherCalls(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := store.CreateUser(ctx, messaging.User{Email: "a@x.com"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := store.CreateUser(ctx, messaging.User{Email: "b@x.com"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := store.Friends(ctx, "a@x.com"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on read, got %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}
