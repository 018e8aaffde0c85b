package models

import (
	"fmt"
	"time"
)

// UserStatus is the presence status a user selects for themselves.
// UNAVAILABLE doubles as the implied status of a user without live sessions.
type UserStatus string

const (
	StatusOnline        UserStatus = "ONLINE"
	StatusDND           UserStatus = "DND"
	StatusIdle          UserStatus = "IDLE"
	StatusLookingToPlay UserStatus = "LOOKING_TO_PLAY"
	StatusUnavailable   UserStatus = "UNAVAILABLE"
)

// IsValid reports whether the status is one of the known enum values
func (s UserStatus) IsValid() bool {
	switch s {
	case StatusOnline, StatusDND, StatusIdle, StatusLookingToPlay, StatusUnavailable:
		return true
	default:
		return false
	}
}

// ParseUserStatus converts raw client input into a UserStatus
func ParseUserStatus(raw string) (UserStatus, error) {
	status := UserStatus(raw)
	if !status.IsValid() {
		return "", fmt.Errorf("invalid user status: %q", raw)
	}
	return status, nil
}

// User flag bits
const (
	UserFlagAdmin = 1 << 0
)

// Theme of the web client
type Theme string

const (
	ThemeLight Theme = "LIGHT"
	ThemeDark  Theme = "DARK"
	ThemeDim   Theme = "DIM"
)

/** --------------------ENTITIES-------------------- */

// User is the public profile of an account
type User struct {
	ID        string     `gorm:"primaryKey;type:text" json:"id"`
	Username  string     `gorm:"not null" json:"username"`
	Tag       string     `gorm:"not null" json:"tag"`
	CreatedAt time.Time  `gorm:"not null;autoCreateTime" json:"createdAt"`
	Bot       bool       `gorm:"not null;default:false" json:"bot"`
	Status    UserStatus `gorm:"type:text;not null;default:ONLINE" json:"status"`
	Flags     int        `gorm:"not null;default:0" json:"flags"`
	Bio       *string    `json:"bio"`
	Avatar    *string    `json:"avatar"`
	Banner    *string    `json:"banner"`
}

// IsAdmin reports whether the elevated-privilege bit is set
func (u *User) IsAdmin() bool {
	return u.Flags&UserFlagAdmin == UserFlagAdmin
}

// Account holds the private side of a user: credentials, locale and settings.
type Account struct {
	ID              string  `gorm:"primaryKey;type:text" json:"id"`
	Email           string  `gorm:"uniqueIndex;not null" json:"email"`
	Password        string  `gorm:"not null" json:"-"`
	UserID          string  `gorm:"column:user_id;not null" json:"userId"`
	EmailVerified   bool    `gorm:"not null;default:false" json:"emailVerified"`
	Locale          string  `gorm:"not null;default:en_us" json:"locale"`
	Token           string  `gorm:"uniqueIndex;not null" json:"-"`
	PasswordVersion int     `gorm:"not null;default:0" json:"-"`
	SettingsID      string  `gorm:"column:settings_id;not null" json:"-"`
	InviteCode      *string `json:"-"`

	User     User             `gorm:"foreignKey:UserID;references:ID" json:"user"`
	Settings *AccountSettings `gorm:"foreignKey:AccountID;references:SettingsID" json:"settings,omitempty"`
}

// AccountSettings are the per-account client preferences
type AccountSettings struct {
	ID                 uint   `gorm:"primaryKey" json:"-"`
	AccountID          string `gorm:"uniqueIndex" json:"-"`
	Theme              Theme  `gorm:"type:text;not null;default:LIGHT" json:"theme"`
	CompactMode        bool   `gorm:"not null;default:false" json:"compactMode"`
	CompactShowAvatars bool   `gorm:"not null;default:true" json:"compactShowAvatars"`
}

func (AccountSettings) TableName() string {
	return "account_settings"
}

// AccountDeleteSchedule records a pending deferred account deletion
type AccountDeleteSchedule struct {
	ID             string `gorm:"primaryKey;type:text" json:"id"`
	JobID          string `gorm:"not null" json:"jobId"`
	DeleteMessages bool   `gorm:"not null;default:false" json:"deleteMessages"`
	DeleteAt       string `gorm:"not null" json:"deleteAt"`
}

func (AccountDeleteSchedule) TableName() string {
	return "account_delete_schedules"
}

// InviteCode is a platform registration code managed by admins
type InviteCode struct {
	ID        string     `gorm:"primaryKey;type:text" json:"id"`
	Code      string     `gorm:"uniqueIndex;not null" json:"code"`
	CreatedBy string     `gorm:"not null" json:"createdById"`
	UsedBy    *string    `gorm:"uniqueIndex" json:"usedById"`
	Used      bool       `gorm:"default:false" json:"used"`
	CreatedAt *time.Time `gorm:"autoCreateTime" json:"createdAt"`

	Creator    *User `gorm:"foreignKey:CreatedBy;references:ID" json:"createdBy,omitempty"`
	UsedByUser *User `gorm:"foreignKey:UsedBy;references:ID" json:"usedBy,omitempty"`
}

func (InviteCode) TableName() string {
	return "invite_codes"
}
