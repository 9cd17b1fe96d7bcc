// Package identity implements accounts and refresh-token sessions. Table
// names are prefixed with a schema name so several services can share the
// module without sharing tables.
package identity

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/beresta/messenger/internal/database"
)

const (
	IdentitySchema  = "beresta_id"
	MessengerSchema = "messenger"
)

// User is an account. PasswordHash and RefreshToken never leave the service.
type User struct {
	ID           int64      `gorm:"column:id;primaryKey;autoIncrement"`
	Email        string     `gorm:"column:email;size:320;not null"`
	PasswordHash string     `gorm:"column:password_hash;size:255;not null"`
	Name         string     `gorm:"column:name;size:255;not null"`
	AvatarURL    string     `gorm:"column:avatar_url;size:512;not null;default:''"`
	IsVerified   bool       `gorm:"column:is_verified;not null;default:false"`
	LastLogin    *time.Time `gorm:"column:last_login"`
	RefreshToken string     `gorm:"column:refresh_token;type:text;not null;default:''"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;not null"`
}

// Session is one issued refresh token.
type Session struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserID       int64     `gorm:"column:user_id;not null"`
	RefreshToken string    `gorm:"column:refresh_token;size:1024;not null"`
	ExpiresAt    time.Time `gorm:"column:expires_at;not null"`
	IsActive     bool      `gorm:"column:is_active;not null;default:true"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
	UserAgent    string    `gorm:"column:user_agent;size:512;not null;default:''"`
	IPAddress    string    `gorm:"column:ip_address;size:64;not null;default:''"`
}

// PublicUser is the account view returned to clients.
type PublicUser struct {
	ID         int64      `json:"id"`
	Email      string     `json:"email"`
	Name       string     `json:"name"`
	AvatarURL  string     `json:"avatarUrl"`
	IsVerified bool       `json:"isVerified"`
	LastLogin  *time.Time `json:"lastLogin,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

func (u User) Public() PublicUser {
	return PublicUser{
		ID:         u.ID,
		Email:      u.Email,
		Name:       u.Name,
		AvatarURL:  u.AvatarURL,
		IsVerified: u.IsVerified,
		LastLogin:  u.LastLogin,
		CreatedAt:  u.CreatedAt,
	}
}

// Schema names the table pair owned by one service.
type Schema struct {
	name string
}

var schemaNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,47}$`)

// NewSchema lower-cases name and falls back to IdentitySchema. Names are
// restricted to identifier characters since they end up in DDL.
func NewSchema(name string) (Schema, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = IdentitySchema
	}
	if !schemaNamePattern.MatchString(name) {
		return Schema{}, fmt.Errorf("identity: invalid schema name %q", name)
	}
	return Schema{name: name}, nil
}

func (s Schema) Name() string {
	return s.name
}

func (s Schema) UsersTable() string {
	return s.name + "_users"
}

func (s Schema) SessionsTable() string {
	return s.name + "_sessions"
}

// Tables describes the schema for database.EnsureSchema. Index names carry
// the schema prefix because index names are global in SQLite and PostgreSQL.
func (s Schema) Tables() []database.Table {
	users, sessions := s.UsersTable(), s.SessionsTable()
	return []database.Table{
		{
			Name:  users,
			Model: &User{},
			Indexes: []database.Index{
				{Name: users + "_email_key", Columns: []string{"email"}, Unique: true},
			},
		},
		{
			Name:  sessions,
			Model: &Session{},
			Indexes: []database.Index{
				{Name: sessions + "_refresh_token_key", Columns: []string{"refresh_token"}, Unique: true},
				{Name: sessions + "_user_id_idx", Columns: []string{"user_id"}},
			},
		},
	}
}
