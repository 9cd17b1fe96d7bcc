package messaging

import (
	"context"
	"strings"
	"time"

	"github.com/beresta/messenger/internal/apperr"
	"github.com/google/uuid"
)

type RegisterUserInput struct {
	Email     string
	FirstName string
	LastName  string
	Avatar    string
}

// RegisterUser creates a messenger profile. Emails are unique case-insensitively.
func (s *Service) RegisterUser(ctx context.Context, input RegisterUserInput) (User, error) {
	email := NormalizeEmail(input.Email)
	if email == "" {
		return User{}, apperr.Invalid("email is required")
	}
	if !strings.Contains(email, "@") {
		return User{}, apperr.Invalid("invalid email format")
	}
	return s.repo.CreateUser(ctx, User{
		Email:     email,
		FirstName: strings.TrimSpace(input.FirstName),
		LastName:  strings.TrimSpace(input.LastName),
		Avatar:    strings.TrimSpace(input.Avatar),
		CreatedAt: s.clock().UTC(),
	})
}

func (s *Service) User(ctx context.Context, email string) (User, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return User{}, apperr.Invalid("email is required")
	}
	return s.repo.UserByEmail(ctx, email)
}

// AddFriend adds a directed edge; repeating it returns the existing edge.
func (s *Service) AddFriend(ctx context.Context, ownerEmail, friendEmail string) (Friend, error) {
	owner, friend := NormalizeEmail(ownerEmail), NormalizeEmail(friendEmail)
	if owner == "" || friend == "" {
		return Friend{}, apperr.Invalid("userEmail and friendEmail are required")
	}
	if owner == friend {
		return Friend{}, apperr.Invalid("cannot add yourself as a friend")
	}
	return s.repo.AddFriend(ctx, Friend{UserEmail: owner, FriendEmail: friend, CreatedAt: s.clock().UTC()})
}

func (s *Service) RemoveFriend(ctx context.Context, ownerEmail, friendEmail string) error {
	owner, friend := NormalizeEmail(ownerEmail), NormalizeEmail(friendEmail)
	if owner == "" || friend == "" {
		return apperr.Invalid("userEmail and friendEmail are required")
	}
	return s.repo.RemoveFriend(ctx, owner, friend)
}

func (s *Service) Friends(ctx context.Context, ownerEmail string) ([]Friend, error) {
	owner := NormalizeEmail(ownerEmail)
	if owner == "" {
		return nil, apperr.Invalid("email is required")
	}
	return s.repo.Friends(ctx, owner)
}

type CreateGroupInput struct {
	Name        string
	Description string
	CreatedBy   string
	Avatar      string
}

// CreateGroup stores a group and makes its creator an admin member.
func (s *Service) CreateGroup(ctx context.Context, input CreateGroupInput) (Group, error) {
	name := strings.TrimSpace(input.Name)
	creator := NormalizeEmail(input.CreatedBy)
	if name == "" || creator == "" {
		return Group{}, apperr.Invalid("name and createdBy are required")
	}
	now := s.clock().UTC()
	return s.repo.CreateGroup(ctx, Group{
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		CreatedBy:   creator,
		Avatar:      strings.TrimSpace(input.Avatar),
		CreatedAt:   now,
	}, GroupMember{UserEmail: creator, Role: RoleAdmin, JoinedAt: now})
}

func (s *Service) AddGroupMember(ctx context.Context, groupID int64, email, role string) (GroupMember, error) {
	email = NormalizeEmail(email)
	if groupID <= 0 || email == "" {
		return GroupMember{}, apperr.Invalid("group id and userEmail are required")
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		role = RoleMember
	}
	if role != RoleMember && role != RoleAdmin {
		return GroupMember{}, apperr.Invalid("role must be admin or member")
	}
	return s.repo.AddGroupMember(ctx, GroupMember{
		GroupID:   groupID,
		UserEmail: email,
		Role:      role,
		JoinedAt:  s.clock().UTC(),
	})
}

func (s *Service) GroupMembers(ctx context.Context, groupID int64) ([]GroupMember, error) {
	if _, err := s.repo.GroupByID(ctx, groupID); err != nil {
		return nil, err
	}
	return s.repo.GroupMembers(ctx, groupID)
}

func (s *Service) UserGroups(ctx context.Context, email string) ([]Group, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, apperr.Invalid("email is required")
	}
	return s.repo.UserGroups(ctx, email)
}

type SendGroupMessageInput struct {
	GroupID     int64
	SenderEmail string
	Message     string
	Duration    int64
	Thumbnail   string
	Attachment  *UploadInput
}

// GroupMessageEntry is a group message annotated with retrieval URLs.
type GroupMessageEntry struct {
	GroupMessage
	DownloadURL  string `json:"downloadUrl,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

func annotateGroup(message GroupMessage) GroupMessageEntry {
	entry := GroupMessageEntry{GroupMessage: message}
	if message.Attachment.Present() {
		entry.DownloadURL = downloadPrefix + message.Attachment.Filename
	}
	if message.Attachment.Thumbnail != "" {
		entry.ThumbnailURL = uploadsPrefix + message.Attachment.Thumbnail
	}
	return entry
}

// SendGroupMessage posts to a group the sender belongs to and notifies every member.
func (s *Service) SendGroupMessage(ctx context.Context, input SendGroupMessageInput) (GroupMessageEntry, error) {
	sender := NormalizeEmail(input.SenderEmail)
	if input.GroupID <= 0 || sender == "" {
		return GroupMessageEntry{}, apperr.Invalid("group id and senderEmail are required")
	}
	if strings.TrimSpace(input.Message) == "" && input.Attachment == nil {
		return GroupMessageEntry{}, apperr.Invalid("message text or attachment is required")
	}
	if _, err := s.repo.GroupByID(ctx, input.GroupID); err != nil {
		return GroupMessageEntry{}, err
	}
	members, err := s.repo.GroupMembers(ctx, input.GroupID)
	if err != nil {
		return GroupMessageEntry{}, err
	}
	recipients := make([]string, 0, len(members))
	isMember := false
	for _, member := range members {
		recipients = append(recipients, member.UserEmail)
		if member.UserEmail == sender {
			isMember = true
		}
	}
	if !isMember {
		return GroupMessageEntry{}, apperr.Forbidden("sender is not a member of this group")
	}

	attachment, err := s.attach(ctx, input.Attachment, input.Duration, input.Thumbnail)
	if err != nil {
		return GroupMessageEntry{}, err
	}
	stored, err := s.repo.CreateGroupMessage(ctx, GroupMessage{
		GroupID:     input.GroupID,
		SenderEmail: sender,
		Body:        input.Message,
		Attachment:  attachment,
		Timestamp:   s.clock().UTC(),
	})
	if err != nil {
		return GroupMessageEntry{}, err
	}
	entry := annotateGroup(stored)
	s.events.Publish(Event{Type: EventGroupMessage, Recipients: recipients, Payload: entry})
	return entry, nil
}

func (s *Service) GroupMessages(ctx context.Context, groupID int64) ([]GroupMessageEntry, error) {
	if _, err := s.repo.GroupByID(ctx, groupID); err != nil {
		return nil, err
	}
	messages, err := s.repo.GroupMessages(ctx, groupID)
	if err != nil {
		return nil, err
	}
	entries := make([]GroupMessageEntry, 0, len(messages))
	for _, message := range messages {
		entries = append(entries, annotateGroup(message))
	}
	return entries, nil
}

type StartCallInput struct {
	CallID        string
	CallerEmail   string
	ReceiverEmail string
	CallType      string
}

func normalizeCallType(callType string) (string, error) {
	callType = strings.ToLower(strings.TrimSpace(callType))
	if callType == "" {
		return CallTypeAudio, nil
	}
	if callType != CallTypeAudio && callType != CallTypeVideo {
		return "", apperr.Invalid("callType must be audio or video")
	}
	return callType, nil
}

func normalizeCallStatus(status string) (string, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case CallStatusInitiated, CallStatusRinging, CallStatusAccepted,
		CallStatusRejected, CallStatusMissed, CallStatusEnded:
		return status, nil
	case "":
		return "", apperr.Invalid("status is required")
	default:
		return "", apperr.Invalid("unknown call status")
	}
}

func terminalStatus(status string) bool {
	return status == CallStatusEnded || status == CallStatusRejected || status == CallStatusMissed
}

// StartCall records a new call. A missing call id is replaced with a uuid.
func (s *Service) StartCall(ctx context.Context, input StartCallInput) (Call, error) {
	caller, receiver := NormalizeEmail(input.CallerEmail), NormalizeEmail(input.ReceiverEmail)
	if caller == "" || receiver == "" {
		return Call{}, apperr.Invalid("callerEmail and receiverEmail are required")
	}
	callType, err := normalizeCallType(input.CallType)
	if err != nil {
		return Call{}, err
	}
	callID := strings.TrimSpace(input.CallID)
	if callID == "" {
		callID = uuid.NewString()
	}
	return s.repo.CreateCall(ctx, Call{
		CallID:        callID,
		CallerEmail:   caller,
		ReceiverEmail: receiver,
		CallType:      callType,
		Status:        CallStatusInitiated,
		StartedAt:     s.clock().UTC(),
	})
}

// UpdateCallStatus moves a call to status. Terminal statuses stamp the end
// time once; ended calls also get their duration in whole seconds.
func (s *Service) UpdateCallStatus(ctx context.Context, callID, status string) (Call, error) {
	status, err := normalizeCallStatus(status)
	if err != nil {
		return Call{}, err
	}
	call, err := s.repo.CallByID(ctx, strings.TrimSpace(callID))
	if err != nil {
		return Call{}, err
	}
	call.Status = status
	if terminalStatus(status) && call.EndedAt == nil {
		endedAt := s.clock().UTC()
		call.EndedAt = &endedAt
		if status == CallStatusEnded {
			call.Duration = int64(endedAt.Sub(call.StartedAt) / time.Second)
			if call.Duration < 0 {
				call.Duration = 0
			}
		}
	}
	return s.repo.UpdateCall(ctx, call)
}

func (s *Service) CallHistory(ctx context.Context, email string) ([]Call, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, apperr.Invalid("email is required")
	}
	return s.repo.Calls(ctx, email)
}

type StartAgoraCallInput struct {
	ChannelName   string
	CallerEmail   string
	ReceiverEmail string
	CallType      string
}

func (s *Service) StartAgoraCall(ctx context.Context, input StartAgoraCallInput) (AgoraCall, error) {
	channel := strings.TrimSpace(input.ChannelName)
	caller, receiver := NormalizeEmail(input.CallerEmail), NormalizeEmail(input.ReceiverEmail)
	if channel == "" || caller == "" || receiver == "" {
		return AgoraCall{}, apperr.Invalid("channelName, callerEmail and receiverEmail are required")
	}
	callType, err := normalizeCallType(input.CallType)
	if err != nil {
		return AgoraCall{}, err
	}
	return s.repo.CreateAgoraCall(ctx, AgoraCall{
		ChannelName:   channel,
		CallerEmail:   caller,
		ReceiverEmail: receiver,
		CallType:      callType,
		Status:        CallStatusInitiated,
		CreatedAt:     s.clock().UTC(),
	})
}

func (s *Service) UpdateAgoraCallStatus(ctx context.Context, channelName, status string) (AgoraCall, error) {
	status, err := normalizeCallStatus(status)
	if err != nil {
		return AgoraCall{}, err
	}
	call, err := s.repo.AgoraCallByChannel(ctx, strings.TrimSpace(channelName))
	if err != nil {
		return AgoraCall{}, err
	}
	call.Status = status
	if terminalStatus(status) && call.EndedAt == nil {
		endedAt := s.clock().UTC()
		call.EndedAt = &endedAt
	}
	return s.repo.UpdateAgoraCall(ctx, call)
}
