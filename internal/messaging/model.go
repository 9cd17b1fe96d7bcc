package messaging

import (
	"strings"
	"time"
)

const (
	// StatusSent is the delivery status every new message starts with.
	StatusSent = "sent"

	RoleAdmin  = "admin"
	RoleMember = "member"

	CallTypeAudio = "audio"
	CallTypeVideo = "video"

	CallStatusInitiated = "initiated"
	CallStatusRinging   = "ringing"
	CallStatusAccepted  = "accepted"
	CallStatusRejected  = "rejected"
	CallStatusMissed    = "missed"
	CallStatusEnded     = "ended"
)

// User is a messenger profile keyed by lower-cased email.
type User struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Email     string    `gorm:"column:email;size:320;not null;uniqueIndex:idx_users_email" json:"email"`
	FirstName string    `gorm:"column:first_name;size:190;not null;default:''" json:"firstName"`
	LastName  string    `gorm:"column:last_name;size:190;not null;default:''" json:"lastName"`
	Avatar    string    `gorm:"column:avatar;size:512;not null;default:''" json:"avatar"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"createdAt"`
}

func (User) TableName() string {
	return "users"
}

// Friend is a directed edge from UserEmail to FriendEmail.
type Friend struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserEmail   string    `gorm:"column:user_email;size:320;not null;uniqueIndex:idx_friends_pair,priority:1" json:"userEmail"`
	FriendEmail string    `gorm:"column:friend_email;size:320;not null;uniqueIndex:idx_friends_pair,priority:2" json:"friendEmail"`
	CreatedAt   time.Time `gorm:"column:created_at;not null" json:"createdAt"`
}

func (Friend) TableName() string {
	return "friends"
}

// Attachment is the descriptor inlined into direct and group messages.
// The zero value means "no attachment".
type Attachment struct {
	Type         string `gorm:"column:attachment_type;size:32;not null;default:''" json:"attachmentType"`
	Filename     string `gorm:"column:attachment_filename;size:255;not null;default:''" json:"attachmentFilename"`
	OriginalName string `gorm:"column:attachment_original_name;size:255;not null;default:''" json:"attachmentOriginalName"`
	MimeType     string `gorm:"column:attachment_mime_type;size:190;not null;default:''" json:"attachmentMimeType"`
	Size         int64  `gorm:"column:attachment_size;not null;default:0" json:"attachmentSize"`
	Duration     int64  `gorm:"column:attachment_duration;not null;default:0" json:"attachmentDuration"`
	Thumbnail    string `gorm:"column:attachment_thumbnail;size:255;not null;default:''" json:"attachmentThumbnail"`
}

// Present reports whether a file is attached.
func (a Attachment) Present() bool {
	return a.Filename != ""
}

// Message is a direct message between two users.
type Message struct {
	ID                   int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	SenderEmail          string `gorm:"column:sender_email;size:320;not null;index:idx_messages_pair,priority:1" json:"senderEmail"`
	ReceiverEmail        string `gorm:"column:receiver_email;size:320;not null;index:idx_messages_pair,priority:2" json:"receiverEmail"`
	Body                 string `gorm:"column:message;type:text;not null;default:''" json:"message"`
	Attachment           `gorm:"embedded"`
	Status               string    `gorm:"column:status;size:32;not null;default:'sent'" json:"status"`
	DownloadedBySender   bool      `gorm:"column:downloaded_by_sender;not null;default:false" json:"downloadedBySender"`
	DownloadedByReceiver bool      `gorm:"column:downloaded_by_receiver;not null;default:false" json:"downloadedByReceiver"`
	Timestamp            time.Time `gorm:"column:timestamp;not null;index:idx_messages_timestamp" json:"timestamp"`
}

func (Message) TableName() string {
	return "messages"
}

// Group is a named conversation with members.
type Group struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name        string    `gorm:"column:name;size:190;not null" json:"name"`
	Description string    `gorm:"column:description;type:text;not null;default:''" json:"description"`
	CreatedBy   string    `gorm:"column:created_by;size:320;not null;index:idx_groups_created_by" json:"createdBy"`
	Avatar      string    `gorm:"column:avatar;size:512;not null;default:''" json:"avatar"`
	CreatedAt   time.Time `gorm:"column:created_at;not null" json:"createdAt"`
}

func (Group) TableName() string {
	return "groups"
}

// GroupMember is a (group, user) membership with a role.
type GroupMember struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	GroupID   int64     `gorm:"column:group_id;not null;uniqueIndex:idx_group_members_pair,priority:1" json:"groupId"`
	UserEmail string    `gorm:"column:user_email;size:320;not null;uniqueIndex:idx_group_members_pair,priority:2;index:idx_group_members_user" json:"userEmail"`
	Role      string    `gorm:"column:role;size:32;not null;default:'member'" json:"role"`
	JoinedAt  time.Time `gorm:"column:joined_at;not null" json:"joinedAt"`
}

func (GroupMember) TableName() string {
	return "group_members"
}

// GroupMessage is a message scoped to a group. Delivery is not tracked per member.
type GroupMessage struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	GroupID     int64  `gorm:"column:group_id;not null;index:idx_group_messages_group" json:"groupId"`
	SenderEmail string `gorm:"column:sender_email;size:320;not null" json:"senderEmail"`
	Body        string `gorm:"column:message;type:text;not null;default:''" json:"message"`
	Attachment  `gorm:"embedded"`
	Timestamp   time.Time `gorm:"column:timestamp;not null;index:idx_group_messages_timestamp" json:"timestamp"`
}

func (GroupMessage) TableName() string {
	return "group_messages"
}

// Call records a call session for history; it is not live signaling state.
type Call struct {
	ID            int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	CallID        string     `gorm:"column:call_id;size:64;not null;uniqueIndex:idx_calls_call_id" json:"callId"`
	CallerEmail   string     `gorm:"column:caller_email;size:320;not null;index:idx_calls_caller" json:"callerEmail"`
	ReceiverEmail string     `gorm:"column:receiver_email;size:320;not null;index:idx_calls_receiver" json:"receiverEmail"`
	CallType      string     `gorm:"column:call_type;size:16;not null" json:"callType"`
	Status        string     `gorm:"column:status;size:32;not null" json:"status"`
	StartedAt     time.Time  `gorm:"column:started_at;not null" json:"startedAt"`
	EndedAt       *time.Time `gorm:"column:ended_at" json:"endedAt,omitempty"`
	Duration      int64      `gorm:"column:duration;not null;default:0" json:"duration"`
}

func (Call) TableName() string {
	return "calls"
}

// AgoraCall records a call placed over an Agora channel.
type AgoraCall struct {
	ID            int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ChannelName   string     `gorm:"column:channel_name;size:190;not null;uniqueIndex:idx_agora_calls_channel" json:"channelName"`
	CallerEmail   string     `gorm:"column:caller_email;size:320;not null;index:idx_agora_calls_caller" json:"callerEmail"`
	ReceiverEmail string     `gorm:"column:receiver_email;size:320;not null;index:idx_agora_calls_receiver" json:"receiverEmail"`
	CallType      string     `gorm:"column:call_type;size:16;not null" json:"callType"`
	Status        string     `gorm:"column:status;size:32;not null" json:"status"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null" json:"createdAt"`
	EndedAt       *time.Time `gorm:"column:ended_at" json:"endedAt,omitempty"`
}

func (AgoraCall) TableName() string {
	return "agora_calls"
}

// NormalizeEmail is the canonical form used for storage and comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
