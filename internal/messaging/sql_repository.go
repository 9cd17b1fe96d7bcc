package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/beresta/messenger/internal/apperr"
	"github.com/beresta/messenger/internal/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Tables lists the messaging schema in creation order.
func Tables() []database.Table {
	return []database.Table{
		{Model: &User{}},
		{Model: &Friend{}},
		{Model: &Message{}},
		{Model: &Group{}},
		{Model: &GroupMember{}},
		{Model: &GroupMessage{}},
		{Model: &Call{}},
		{Model: &AgoraCall{}},
	}
}

// Migrations lists the data repairs for the messaging schema.
func Migrations() []database.Migration {
	return []database.Migration{
		{Name: "2026-09-01_lowercase_messaging_emails", Apply: lowercaseEmails},
	}
}

func lowercaseEmails(db *gorm.DB) error {
	statements := []string{
		"UPDATE users SET email = LOWER(email) WHERE email <> LOWER(email)",
		"UPDATE friends SET user_email = LOWER(user_email), friend_email = LOWER(friend_email) WHERE user_email <> LOWER(user_email) OR friend_email <> LOWER(friend_email)",
		"UPDATE messages SET sender_email = LOWER(sender_email), receiver_email = LOWER(receiver_email) WHERE sender_email <> LOWER(sender_email) OR receiver_email <> LOWER(receiver_email)",
		"UPDATE group_members SET user_email = LOWER(user_email) WHERE user_email <> LOWER(user_email)",
	}
	for _, statement := range statements {
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}

const (
	opCreateUser    = "messaging.sql.create_user"
	opUserByEmail   = "messaging.sql.user_by_email"
	opAddFriend     = "messaging.sql.add_friend"
	opRemoveFriend  = "messaging.sql.remove_friend"
	opFriends       = "messaging.sql.friends"
	opAutoChats     = "messaging.sql.add_chats_automatically"
	opCreateMessage = "messaging.sql.create_message"
	opMessageByID   = "messaging.sql.message_by_id"
	opConversation  = "messaging.sql.messages_between"
	opMarkDownload  = "messaging.sql.mark_downloaded"
	opCreateGroup   = "messaging.sql.create_group"
	opGroupByID     = "messaging.sql.group_by_id"
	opAddMember     = "messaging.sql.add_group_member"
	opGroupMembers  = "messaging.sql.group_members"
	opUserGroups    = "messaging.sql.user_groups"
	opGroupMessage  = "messaging.sql.create_group_message"
	opGroupHistory  = "messaging.sql.group_messages"
	opCreateCall    = "messaging.sql.create_call"
	opCallByID      = "messaging.sql.call_by_id"
	opUpdateCall    = "messaging.sql.update_call"
	opCalls         = "messaging.sql.calls"
	opCreateAgora   = "messaging.sql.create_agora_call"
	opAgoraByName   = "messaging.sql.agora_call_by_channel"
	opUpdateAgora   = "messaging.sql.update_agora_call"
)

// SQLRepository persists the messaging schema through the relational store.
type SQLRepository struct {
	store *database.Store
}

// NewSQLRepository wraps a relational store.
func NewSQLRepository(store *database.Store) *SQLRepository {
	return &SQLRepository{store: store}
}

func (r *SQLRepository) CreateUser(ctx context.Context, user User) (User, error) {
	user.Email = NormalizeEmail(user.Email)
	err := r.store.Transaction(ctx, func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&User{}).Where("email = ?", user.Email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return apperr.Conflict(MsgUserExists)
		}
		return tx.Create(&user).Error
	})
	if err != nil {
		return User{}, translate(opCreateUser, err, MsgUserExists)
	}
	return user, nil
}

func (r *SQLRepository) UserByEmail(ctx context.Context, email string) (User, error) {
	db, cancel := r.store.Conn(ctx)
	defer cancel()
	var user User
	if err := db.Where("email = ?", NormalizeEmail(email)).Take(&user).Error; err != nil {
		return User{}, notFound(opUserByEmail, err, MsgUserNotFound)
	}
	return user, nil
}

func (r *SQLRepository) AddFriend(ctx context.Context, friend Friend) (Friend, error) {
	friend.UserEmail = NormalizeEmail(friend.UserEmail)
	friend.FriendEmail = NormalizeEmail(friend.FriendEmail)
	err := r.store.Transaction(ctx, func(tx *gorm.DB) error {
		var existing Friend
		err := tx.Where("user_email = ? AND friend_email = ?", friend.UserEmail, friend.FriendEmail).Take(&existing).Error
		if err == nil {
			friend = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(&friend).Error
	})
	if err != nil {
		return Friend{}, apperr.Internal(opAddFriend, err)
	}
	return friend, nil
}

func (r *SQLRepository) RemoveFriend(ctx context.Context, ownerEmail, friendEmail string) error {
	db, cancel := r.store.Conn(ctx)
	defer cancel()
	result := db.Where("user_email = ? AND friend_email = ?", NormalizeEmail(ownerEmail), NormalizeEmail(friendEmail)).
		Delete(&Friend{})
	if result.Error != nil {
		return apperr.Internal(opRemoveFriend, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.NotFound(MsgFriendNotFound)
	}
	return nil
}

func (r *SQLRepository) Friends(ctx context.Context, ownerEmail string) ([]Friend, error) {
	db, cancel := r.store.Conn(ctx)
	defer cancel()
	friends := make([]Friend, 0)
	if err := db.Where("user_email = ?", NormalizeEmail(ownerEmail)).
		Order("created_at ASC").Order("id ASC").
		Find(&friends).Error; err != nil {
		return nil, apperr.Internal(opFriends, err)
	}
	return friends, nil
}

func (r *SQLRepository) AddChatsAutomatically(ctx context.Context, a, b string, at time.Time) error {
	a, b = NormalizeEmail(a), NormalizeEmail(b)
	edges := []Friend{
		{UserEmail: a, FriendEmail: b, CreatedAt: at},
		{UserEmail: b, FriendEmail: a, CreatedAt: at},
	}
	db, cancel := r.store.Conn(ctx)
	defer cancel()
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_email"}, {Name: "friend_email"}},
		DoNothing: true,
	}).Create(&edges).Error
	if err != nil {
		return apperr.Internal(opAutoChats, err)
	}
	return nil
}

func (r *SQLRepository) CreateMessage(ctx context.Context, message Message) (Message, error) {
	db, cancel := r.store.Conn(ctx)
	defer cancel()
	if err := db.Create(&message).Error; err != nil {
		return Message{}, apperr.Internal(opCreateMessage, err)
	}
	return message, nil
}

func (r *SQLRepository) MessageByID(ctx context.Context, id int64) (Message, error) {
	db, cancel := r.store.Conn(ctx)
	defer cancel()
	var message Message
	if err := db.Where("id = ?", id).Take(&message).Error; err != nil {
		return Message{}, notFound(opMessageByID, err, MsgMessageNotFound)
	}
	return message, nil
}

func (r *SQLRepository) MessagesBetween(ctx context.Context, a, b string) ([]Message, error) {
	a, b = NormalizeEmail(a), NormalizeEmail(b)
	db, cancel := r.store.Conn(ctx)
	defer cancel()
	messages := make([]Message, 0)
	if err := db.
		Where("(sender_email = ? AND receiver_email = ?) OR (sender_email = ? AND receiver_email = ?)", a, b, b, a).
		Order("timestamp ASC").Order("id ASC").
		Find(&messages).Error; err != nil {
		return nil, apperr.Internal(opConversation, err)
	}
	return messages, nil
}

func (r *SQLRepository) MarkDownloaded(ctx context.Context, id int64, party Party) (Message, error) {
	column := "downloaded_by_receiver"
	if party == PartySender {
		column = "downloaded_by_sender"
	}
	var message Message
	err := r.store.Transaction(ctx, func(tx *gorm.DB) error {
		result := tx.Model(&Message{}).Where("id = ?", id).Update(column, true)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return apperr.NotFound(MsgMessageNotFound)
		}
		return tx.Where("id = ?", id).Take(&message).Error
	})
	if err != nil {
		return Message{}, translate(opMarkDownload, err, "")
	}
	return message, nil
}

func (r *SQLRepository) CreateGroup(ctx context.Context, group Group, creator GroupMember) (Group, error) {
	err := r.store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&group).Error; err != nil {
			return err
		}
		creator.GroupID = group.ID
		creator.UserEmail = NormalizeEmail(creator.UserEmail)
		return tx.Create(&creator).Error
	})
	if err != nil {
		return Group{}, apperr.Internal(opCreateGroup, err)
	}
	return group, nil
}

func (r *SQLRepository) GroupByID(ctx context.Context, id int64) (Group, error) {
	db, cancel := r.store.Conn(ctx)
	defer cancel()
	var group Group
	if err := db.Where("id = ?", id).Take(&group).Error; err != nil {
		return Group{}, notFound(opGroupByID, err, MsgGroupNotFound)
	}
	return group, nil
}

func (r *SQLRepository) AddGroupMember(ctx context.Context, member GroupMember) (GroupMember, error) {
	member.UserEmail = NormalizeEmail(member.UserEmail)
	err := r.store.Transaction(ctx, func(tx *gorm.DB) error {
		var groups int64
		if err := tx.Model(&Group{}).Where("id = ?", member.GroupID).Count(&groups).Error; err != nil {
			return err
		}
		if groups == 0 {
			return apperr.NotFound(MsgGroupNotFound)
		}
		var members int64
		if err := tx.Model(&GroupMember{}).
			Where("group_id = ? AND user_email = ?", member.GroupID, member.UserEmail).
			Count(&members).Error; err != nil {
			return err
		}
		if members > 0 {
			return apperr.Conflict(MsgAlreadyMember)
		}
		return tx.Create(&member).Error
	})
	if err != nil {
		return GroupMember{}, translate(opAddMember, err, MsgAlreadyMember)
	}
	return member, nil
}

func (r *SQLRepository) GroupMembers(ctx context.Context, groupID int64) ([]GroupMember, error) {
	db, cancel := r.store.Conn(ctx)
	defer cancel()
	members := make([]GroupMember, 0)
	if err := db.Where("group_id = ?", groupID).Order("joined_at ASC").Order("id ASC").Find(&members).Error; err != nil {
		return nil, apperr.Internal(opGroupMembers, err)
	}
	return members, nil
}

func (r *SQLRepository) UserGroups(ctx context.Context, email string) ([]Group, error) {
	db, cancel := r.store.Conn(ctx)
	defer cancel()
	memberships := db.Model(&GroupMember{}).Select("group_id").Where("user_email = ?", NormalizeEmail(email))
	groups := make([]Group, 0)
	if err := db.Where("id IN (?)", memberships).
		Order("created_at ASC").Order("id ASC").
		Find(&groups).Error; err != nil {
		return nil, apperr.Internal(opUserGroups, err)
	}
	return groups, nil
}

func (r *SQLRepository) CreateGroupMessage(ctx context.Context, message GroupMessage) (GroupMessage, error) {
	db, cancel := r.store.Conn(ctx)
	defer cancel()
	if err := db.Create(&message).Error; err != nil {
		return GroupMessage{}, apperr.Internal(opGroupMessage, err)
	}
	return message, nil
}

func (r *SQLRepository) GroupMessages(ctx context.Context, groupID int64) ([]GroupMessage, error) {
	db, cancel := r.store.Conn(ctx)
	defer cancel()
	messages := make([]GroupMessage, 0)
	if err := db.Where("group_id = ?", groupID).
		Order("timestamp ASC").Order("id ASC").
		Find(&messages).Error; err != nil {
		return nil, apperr.Internal(opGroupHistory, err)
	}
	return messages, nil
}

func (r *SQLRepository) CreateCall(ctx context.Context, call Call) (Call, error) {
	err := r.store.Transaction(ctx, func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Call{}).Where("call_id = ?", call.CallID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return apperr.Conflict(MsgCallExists)
		}
		return tx.Create(&call).Error
	})
	if err != nil {
		return Call{}, translate(opCreateCall, err, MsgCallExists)
	}
	return call, nil
}

func (r *SQLRepository) CallByID(ctx context.Context, callID string) (Call, error) {
	db, cancel := r.store.Conn(ctx)
	defer cancel()
	var call Call
	if err := db.Where("call_id = ?", callID).Take(&call).Error; err != nil {
		return Call{}, notFound(opCallByID, err, MsgCallNotFound)
	}
	return call, nil
}

func (r *SQLRepository) UpdateCall(ctx context.Context, call Call) (Call, error) {
	db, cancel := r.store.Conn(ctx)
	defer cancel()
	result := db.Model(&Call{}).Where("call_id = ?", call.CallID).Updates(map[string]any{
		"status":   call.Status,
		"ended_at": call.EndedAt,
		"duration": call.Duration,
	})
	if result.Error != nil {
		return Call{}, apperr.Internal(opUpdateCall, result.Error)
	}
	if result.RowsAffected == 0 {
		return Call{}, apperr.NotFound(MsgCallNotFound)
	}
	return call, nil
}

func (r *SQLRepository) Calls(ctx context.Context, email string) ([]Call, error) {
	email = NormalizeEmail(email)
	db, cancel := r.store.Conn(ctx)
	defer cancel()
	calls := make([]Call, 0)
	if err := db.Where("caller_email = ? OR receiver_email = ?", email, email).
		Order("started_at DESC").Order("id DESC").
		Find(&calls).Error; err != nil {
		return nil, apperr.Internal(opCalls, err)
	}
	return calls, nil
}

func (r *SQLRepository) CreateAgoraCall(ctx context.Context, call AgoraCall) (AgoraCall, error) {
	err := r.store.Transaction(ctx, func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&AgoraCall{}).Where("channel_name = ?", call.ChannelName).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return apperr.Conflict(MsgChannelExists)
		}
		return tx.Create(&call).Error
	})
	if err != nil {
		return AgoraCall{}, translate(opCreateAgora, err, MsgChannelExists)
	}
	return call, nil
}

func (r *SQLRepository) AgoraCallByChannel(ctx context.Context, channelName string) (AgoraCall, error) {
	db, cancel := r.store.Conn(ctx)
	defer cancel()
	var call AgoraCall
	if err := db.Where("channel_name = ?", channelName).Take(&call).Error; err != nil {
		return AgoraCall{}, notFound(opAgoraByName, err, MsgChannelNotFound)
	}
	return call, nil
}

func (r *SQLRepository) UpdateAgoraCall(ctx context.Context, call AgoraCall) (AgoraCall, error) {
	db, cancel := r.store.Conn(ctx)
	defer cancel()
	result := db.Model(&AgoraCall{}).Where("channel_name = ?", call.ChannelName).Updates(map[string]any{
		"status":   call.Status,
		"ended_at": call.EndedAt,
	})
	if result.Error != nil {
		return AgoraCall{}, apperr.Internal(opUpdateAgora, result.Error)
	}
	if result.RowsAffected == 0 {
		return AgoraCall{}, apperr.NotFound(MsgChannelNotFound)
	}
	return call, nil
}

// translate keeps domain errors raised inside a transaction and maps
// duplicate-key violations that slipped past the pre-check onto conflicts.
func translate(op string, err error, conflictMessage string) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if conflictMessage != "" && database.IsUniqueViolation(err) {
		return apperr.Conflict(conflictMessage)
	}
	return apperr.Internal(op, err)
}

func notFound(op string, err error, message string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(message)
	}
	return apperr.Internal(op, err)
}
