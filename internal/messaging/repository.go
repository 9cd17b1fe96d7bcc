package messaging

import (
	"context"
	"time"
)

// Party identifies which side of a conversation acted on a message.
type Party int

const (
	PartySender Party = iota + 1
	PartyReceiver
)

// Repository is the persistence contract shared by the relational store and
// the JSON record store. Emails reaching a repository are already normalized.
// Lookups that miss return apperr not-found errors; uniqueness violations
// return apperr conflict errors.
type Repository interface {
	CreateUser(ctx context.Context, user User) (User, error)
	UserByEmail(ctx context.Context, email string) (User, error)

	// AddFriend returns the existing edge when the pair is already present.
	AddFriend(ctx context.Context, friend Friend) (Friend, error)
	RemoveFriend(ctx context.Context, ownerEmail, friendEmail string) error
	Friends(ctx context.Context, ownerEmail string) ([]Friend, error)
	// AddChatsAutomatically ensures both directed edges between a and b.
	AddChatsAutomatically(ctx context.Context, a, b string, at time.Time) error

	CreateMessage(ctx context.Context, message Message) (Message, error)
	MessageByID(ctx context.Context, id int64) (Message, error)
	// MessagesBetween returns both directions ordered by timestamp, then id.
	MessagesBetween(ctx context.Context, a, b string) ([]Message, error)
	MarkDownloaded(ctx context.Context, id int64, party Party) (Message, error)

	// CreateGroup stores the group and its creator membership together.
	CreateGroup(ctx context.Context, group Group, creator GroupMember) (Group, error)
	GroupByID(ctx context.Context, id int64) (Group, error)
	AddGroupMember(ctx context.Context, member GroupMember) (GroupMember, error)
	GroupMembers(ctx context.Context, groupID int64) ([]GroupMember, error)
	UserGroups(ctx context.Context, email string) ([]Group, error)
	CreateGroupMessage(ctx context.Context, message GroupMessage) (GroupMessage, error)
	GroupMessages(ctx context.Context, groupID int64) ([]GroupMessage, error)

	CreateCall(ctx context.Context, call Call) (Call, error)
	CallByID(ctx context.Context, callID string) (Call, error)
	UpdateCall(ctx context.Context, call Call) (Call, error)
	// Calls lists calls where email is either party, newest first.
	Calls(ctx context.Context, email string) ([]Call, error)

	CreateAgoraCall(ctx context.Context, call AgoraCall) (AgoraCall, error)
	AgoraCallByChannel(ctx context.Context, channelName string) (AgoraCall, error)
	UpdateAgoraCall(ctx context.Context, call AgoraCall) (AgoraCall, error)
}

// Error messages shared by repository implementations.
const (
	MsgUserExists      = "user with this email already exists"
	MsgUserNotFound    = "user not found"
	MsgFriendNotFound  = "friend not found"
	MsgMessageNotFound = "message not found"
	MsgGroupNotFound   = "group not found"
	MsgAlreadyMember   = "user is already a member of this group"
	MsgCallExists      = "call with this id already exists"
	MsgCallNotFound    = "call not found"
	MsgChannelExists   = "call with this channel already exists"
	MsgChannelNotFound = "agora call not found"
)
