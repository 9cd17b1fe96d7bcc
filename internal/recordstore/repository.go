package recordstore

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/beresta/messenger/internal/apperr"
	"github.com/beresta/messenger/internal/messaging"
)

var _ messaging.Repository = (*Store)(nil)

const (
	opLoad   = "recordstore.load"
	opMutate = "recordstore.mutate"
)

// wrap passes domain errors through and hides storage failures behind an
// internal error.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Internal(op, err)
}

func maxID[T any](items []T, id func(T) int64) int64 {
	var highest int64
	for _, item := range items {
		highest = max(highest, id(item))
	}
	return highest
}

func (s *Store) CreateUser(ctx context.Context, user messaging.User) (messaging.User, error) {
	user.Email = messaging.NormalizeEmail(user.Email)
	err := s.mutate(ctx, func(doc *document) error {
		for _, existing := range doc.Users {
			if messaging.NormalizeEmail(existing.Email) == user.Email {
				return apperr.Conflict(messaging.MsgUserExists)
			}
		}
		user.ID = doc.nextID(collectionUsers, maxID(doc.Users, func(u messaging.User) int64 { return u.ID }))
		doc.Users = append(doc.Users, user)
		return nil
	})
	if err != nil {
		return messaging.User{}, wrap(opMutate, err)
	}
	return user, nil
}

func (s *Store) UserByEmail(_ context.Context, email string) (messaging.User, error) {
	doc, err := s.read()
	if err != nil {
		return messaging.User{}, wrap(opLoad, err)
	}
	email = messaging.NormalizeEmail(email)
	for _, user := range doc.Users {
		if messaging.NormalizeEmail(user.Email) == email {
			return user, nil
		}
	}
	return messaging.User{}, apperr.NotFound(messaging.MsgUserNotFound)
}

func findFriend(doc *document, owner, friend string) int {
	for i, edge := range doc.Friends {
		if messaging.NormalizeEmail(edge.UserEmail) == owner && messaging.NormalizeEmail(edge.FriendEmail) == friend {
			return i
		}
	}
	return -1
}

func (doc *document) addFriend(edge messaging.Friend) messaging.Friend {
	if index := findFriend(doc, edge.UserEmail, edge.FriendEmail); index >= 0 {
		return doc.Friends[index]
	}
	edge.ID = doc.nextID(collectionFriends, maxID(doc.Friends, func(f messaging.Friend) int64 { return f.ID }))
	doc.Friends = append(doc.Friends, edge)
	return edge
}

func (s *Store) AddFriend(ctx context.Context, friend messaging.Friend) (messaging.Friend, error) {
	friend.UserEmail = messaging.NormalizeEmail(friend.UserEmail)
	friend.FriendEmail = messaging.NormalizeEmail(friend.FriendEmail)
	var stored messaging.Friend
	err := s.mutate(ctx, func(doc *document) error {
		stored = doc.addFriend(friend)
		return nil
	})
	if err != nil {
		return messaging.Friend{}, wrap(opMutate, err)
	}
	return stored, nil
}

func (s *Store) RemoveFriend(ctx context.Context, ownerEmail, friendEmail string) error {
	owner, friend := messaging.NormalizeEmail(ownerEmail), messaging.NormalizeEmail(friendEmail)
	err := s.mutate(ctx, func(doc *document) error {
		index := findFriend(doc, owner, friend)
		if index < 0 {
			return apperr.NotFound(messaging.MsgFriendNotFound)
		}
		doc.Friends = slices.Delete(doc.Friends, index, index+1)
		return nil
	})
	return wrap(opMutate, err)
}

func (s *Store) Friends(_ context.Context, ownerEmail string) ([]messaging.Friend, error) {
	doc, err := s.read()
	if err != nil {
		return nil, wrap(opLoad, err)
	}
	owner := messaging.NormalizeEmail(ownerEmail)
	friends := make([]messaging.Friend, 0)
	for _, edge := range doc.Friends {
		if messaging.NormalizeEmail(edge.UserEmail) == owner {
			friends = append(friends, edge)
		}
	}
	return friends, nil
}

func (s *Store) AddChatsAutomatically(ctx context.Context, a, b string, at time.Time) error {
	a, b = messaging.NormalizeEmail(a), messaging.NormalizeEmail(b)
	err := s.mutate(ctx, func(doc *document) error {
		doc.addFriend(messaging.Friend{UserEmail: a, FriendEmail: b, CreatedAt: at})
		doc.addFriend(messaging.Friend{UserEmail: b, FriendEmail: a, CreatedAt: at})
		return nil
	})
	return wrap(opMutate, err)
}

func (s *Store) CreateMessage(ctx context.Context, message messaging.Message) (messaging.Message, error) {
	message.SenderEmail = messaging.NormalizeEmail(message.SenderEmail)
	message.ReceiverEmail = messaging.NormalizeEmail(message.ReceiverEmail)
	if message.Status == "" {
		message.Status = messaging.StatusSent
	}
	err := s.mutate(ctx, func(doc *document) error {
		message.ID = doc.nextID(collectionMessages, maxID(doc.Messages, func(m messaging.Message) int64 { return m.ID }))
		doc.Messages = append(doc.Messages, message)
		return nil
	})
	if err != nil {
		return messaging.Message{}, wrap(opMutate, err)
	}
	return message, nil
}

func (s *Store) MessageByID(_ context.Context, id int64) (messaging.Message, error) {
	doc, err := s.read()
	if err != nil {
		return messaging.Message{}, wrap(opLoad, err)
	}
	for _, message := range doc.Messages {
		if message.ID == id {
			return message, nil
		}
	}
	return messaging.Message{}, apperr.NotFound(messaging.MsgMessageNotFound)
}

func (s *Store) MessagesBetween(_ context.Context, a, b string) ([]messaging.Message, error) {
	doc, err := s.read()
	if err != nil {
		return nil, wrap(opLoad, err)
	}
	a, b = messaging.NormalizeEmail(a), messaging.NormalizeEmail(b)
	messages := make([]messaging.Message, 0)
	for _, message := range doc.Messages {
		sender := messaging.NormalizeEmail(message.SenderEmail)
		receiver := messaging.NormalizeEmail(message.ReceiverEmail)
		if (sender == a && receiver == b) || (sender == b && receiver == a) {
			messages = append(messages, message)
		}
	}
	slices.SortStableFunc(messages, func(x, y messaging.Message) int {
		if order := x.Timestamp.Compare(y.Timestamp); order != 0 {
			return order
		}
		return cmp.Compare(x.ID, y.ID)
	})
	return messages, nil
}

func (s *Store) MarkDownloaded(ctx context.Context, id int64, party messaging.Party) (messaging.Message, error) {
	var updated messaging.Message
	err := s.mutate(ctx, func(doc *document) error {
		for i := range doc.Messages {
			if doc.Messages[i].ID != id {
				continue
			}
			if party == messaging.PartySender {
				doc.Messages[i].DownloadedBySender = true
			} else {
				doc.Messages[i].DownloadedByReceiver = true
			}
			updated = doc.Messages[i]
			return nil
		}
		return apperr.NotFound(messaging.MsgMessageNotFound)
	})
	if err != nil {
		return messaging.Message{}, wrap(opMutate, err)
	}
	return updated, nil
}

func (s *Store) CreateGroup(ctx context.Context, group messaging.Group, creator messaging.GroupMember) (messaging.Group, error) {
	creator.UserEmail = messaging.NormalizeEmail(creator.UserEmail)
	err := s.mutate(ctx, func(doc *document) error {
		group.ID = doc.nextID(collectionGroups, maxID(doc.Groups, func(g messaging.Group) int64 { return g.ID }))
		doc.Groups = append(doc.Groups, group)
		creator.GroupID = group.ID
		creator.ID = doc.nextID(collectionGroupMembers, maxID(doc.GroupMembers, func(m messaging.GroupMember) int64 { return m.ID }))
		doc.GroupMembers = append(doc.GroupMembers, creator)
		return nil
	})
	if err != nil {
		return messaging.Group{}, wrap(opMutate, err)
	}
	return group, nil
}

func (s *Store) GroupByID(_ context.Context, id int64) (messaging.Group, error) {
	doc, err := s.read()
	if err != nil {
		return messaging.Group{}, wrap(opLoad, err)
	}
	for _, group := range doc.Groups {
		if group.ID == id {
			return group, nil
		}
	}
	return messaging.Group{}, apperr.NotFound(messaging.MsgGroupNotFound)
}

func (s *Store) AddGroupMember(ctx context.Context, member messaging.GroupMember) (messaging.GroupMember, error) {
	member.UserEmail = messaging.NormalizeEmail(member.UserEmail)
	err := s.mutate(ctx, func(doc *document) error {
		if !slices.ContainsFunc(doc.Groups, func(g messaging.Group) bool { return g.ID == member.GroupID }) {
			return apperr.NotFound(messaging.MsgGroupNotFound)
		}
		for _, existing := range doc.GroupMembers {
			if existing.GroupID == member.GroupID && messaging.NormalizeEmail(existing.UserEmail) == member.UserEmail {
				return apperr.Conflict(messaging.MsgAlreadyMember)
			}
		}
		member.ID = doc.nextID(collectionGroupMembers, maxID(doc.GroupMembers, func(m messaging.GroupMember) int64 { return m.ID }))
		doc.GroupMembers = append(doc.GroupMembers, member)
		return nil
	})
	if err != nil {
		return messaging.GroupMember{}, wrap(opMutate, err)
	}
	return member, nil
}

func (s *Store) GroupMembers(_ context.Context, groupID int64) ([]messaging.GroupMember, error) {
	doc, err := s.read()
	if err != nil {
		return nil, wrap(opLoad, err)
	}
	members := make([]messaging.GroupMember, 0)
	for _, member := range doc.GroupMembers {
		if member.GroupID == groupID {
			members = append(members, member)
		}
	}
	return members, nil
}

func (s *Store) UserGroups(_ context.Context, email string) ([]messaging.Group, error) {
	doc, err := s.read()
	if err != nil {
		return nil, wrap(opLoad, err)
	}
	email = messaging.NormalizeEmail(email)
	memberOf := make(map[int64]struct{})
	for _, member := range doc.GroupMembers {
		if messaging.NormalizeEmail(member.UserEmail) == email {
			memberOf[member.GroupID] = struct{}{}
		}
	}
	groups := make([]messaging.Group, 0, len(memberOf))
	for _, group := range doc.Groups {
		if _, ok := memberOf[group.ID]; ok {
			groups = append(groups, group)
		}
	}
	return groups, nil
}

func (s *Store) CreateGroupMessage(ctx context.Context, message messaging.GroupMessage) (messaging.GroupMessage, error) {
	message.SenderEmail = messaging.NormalizeEmail(message.SenderEmail)
	err := s.mutate(ctx, func(doc *document) error {
		message.ID = doc.nextID(collectionGroupMessages, maxID(doc.GroupMessages, func(m messaging.GroupMessage) int64 { return m.ID }))
		doc.GroupMessages = append(doc.GroupMessages, message)
		return nil
	})
	if err != nil {
		return messaging.GroupMessage{}, wrap(opMutate, err)
	}
	return message, nil
}

func (s *Store) GroupMessages(_ context.Context, groupID int64) ([]messaging.GroupMessage, error) {
	doc, err := s.read()
	if err != nil {
		return nil, wrap(opLoad, err)
	}
	messages := make([]messaging.GroupMessage, 0)
	for _, message := range doc.GroupMessages {
		if message.GroupID == groupID {
			messages = append(messages, message)
		}
	}
	slices.SortStableFunc(messages, func(x, y messaging.GroupMessage) int {
		if order := x.Timestamp.Compare(y.Timestamp); order != 0 {
			return order
		}
		return cmp.Compare(x.ID, y.ID)
	})
	return messages, nil
}

func (s *Store) CreateCall(ctx context.Context, call messaging.Call) (messaging.Call, error) {
	call.CallerEmail = messaging.NormalizeEmail(call.CallerEmail)
	call.ReceiverEmail = messaging.NormalizeEmail(call.ReceiverEmail)
	err := s.mutate(ctx, func(doc *document) error {
		if slices.ContainsFunc(doc.Calls, func(c messaging.Call) bool { return c.CallID == call.CallID }) {
			return apperr.Conflict(messaging.MsgCallExists)
		}
		call.ID = doc.nextID(collectionCalls, maxID(doc.Calls, func(c messaging.Call) int64 { return c.ID }))
		doc.Calls = append(doc.Calls, call)
		return nil
	})
	if err != nil {
		return messaging.Call{}, wrap(opMutate, err)
	}
	return call, nil
}

func (s *Store) CallByID(_ context.Context, callID string) (messaging.Call, error) {
	doc, err := s.read()
	if err != nil {
		return messaging.Call{}, wrap(opLoad, err)
	}
	for _, call := range doc.Calls {
		if call.CallID == callID {
			return call, nil
		}
	}
	return messaging.Call{}, apperr.NotFound(messaging.MsgCallNotFound)
}

// UpdateCall stores the status, end time and duration of an existing call.
func (s *Store) UpdateCall(ctx context.Context, call messaging.Call) (messaging.Call, error) {
	var updated messaging.Call
	err := s.mutate(ctx, func(doc *document) error {
		for i := range doc.Calls {
			if doc.Calls[i].CallID != call.CallID {
				continue
			}
			doc.Calls[i].Status = call.Status
			doc.Calls[i].EndedAt = call.EndedAt
			doc.Calls[i].Duration = call.Duration
			updated = doc.Calls[i]
			return nil
		}
		return apperr.NotFound(messaging.MsgCallNotFound)
	})
	if err != nil {
		return messaging.Call{}, wrap(opMutate, err)
	}
	return updated, nil
}

func (s *Store) Calls(_ context.Context, email string) ([]messaging.Call, error) {
	doc, err := s.read()
	if err != nil {
		return nil, wrap(opLoad, err)
	}
	email = messaging.NormalizeEmail(email)
	calls := make([]messaging.Call, 0)
	for _, call := range doc.Calls {
		if call.CallerEmail == email || call.ReceiverEmail == email {
			calls = append(calls, call)
		}
	}
	slices.SortStableFunc(calls, func(x, y messaging.Call) int {
		if order := y.StartedAt.Compare(x.StartedAt); order != 0 {
			return order
		}
		return cmp.Compare(y.ID, x.ID)
	})
	return calls, nil
}

func (s *Store) CreateAgoraCall(ctx context.Context, call messaging.AgoraCall) (messaging.AgoraCall, error) {
	call.CallerEmail = messaging.NormalizeEmail(call.CallerEmail)
	call.ReceiverEmail = messaging.NormalizeEmail(call.ReceiverEmail)
	err := s.mutate(ctx, func(doc *document) error {
		if slices.ContainsFunc(doc.AgoraCalls, func(c messaging.AgoraCall) bool { return c.ChannelName == call.ChannelName }) {
			return apperr.Conflict(messaging.MsgChannelExists)
		}
		call.ID = doc.nextID(collectionAgoraCalls, maxID(doc.AgoraCalls, func(c messaging.AgoraCall) int64 { return c.ID }))
		doc.AgoraCalls = append(doc.AgoraCalls, call)
		return nil
	})
	if err != nil {
		return messaging.AgoraCall{}, wrap(opMutate, err)
	}
	return call, nil
}

func (s *Store) AgoraCallByChannel(_ context.Context, channelName string) (messaging.AgoraCall, error) {
	doc, err := s.read()
	if err != nil {
		return messaging.AgoraCall{}, wrap(opLoad, err)
	}
	for _, call := range doc.AgoraCalls {
		if call.ChannelName == channelName {
			return call, nil
		}
	}
	return messaging.AgoraCall{}, apperr.NotFound(messaging.MsgChannelNotFound)
}

func (s *Store) UpdateAgoraCall(ctx context.Context, call messaging.AgoraCall) (messaging.AgoraCall, error) {
	var updated messaging.AgoraCall
	err := s.mutate(ctx, func(doc *document) error {
		for i := range doc.AgoraCalls {
			if doc.AgoraCalls[i].ChannelName != call.ChannelName {
				continue
			}
			doc.AgoraCalls[i].Status = call.Status
			doc.AgoraCalls[i].EndedAt = call.EndedAt
			updated = doc.AgoraCalls[i]
			return nil
		}
		return apperr.NotFound(messaging.MsgChannelNotFound)
	})
	if err != nil {
		return messaging.AgoraCall{}, wrap(opMutate, err)
	}
	return updated, nil
}
