package models

import (
	"time"
)

// Guild is a server: a group of channels and members
type Guild struct {
	ID        string     `gorm:"primaryKey;type:text" json:"id"`
	Name      string     `gorm:"not null;default:New Server" json:"name"`
	Brief     string     `gorm:"not null;default:A server to talk" json:"brief"`
	Icon      *string    `json:"icon"`
	CreatedAt *time.Time `gorm:"autoCreateTime" json:"createdAt"`
	OwnerID   string     `gorm:"not null" json:"ownerId"`

	Channels []Channel     `gorm:"foreignKey:GuildID" json:"channels"`
	Members  []GuildMember `gorm:"foreignKey:GuildID" json:"members"`
}

// GuildMember links a user to a guild
type GuildMember struct {
	ID       uint    `gorm:"primaryKey" json:"id"`
	GuildID  string  `gorm:"not null;index" json:"guildId"`
	UserID   string  `gorm:"not null;index" json:"userId"`
	Nickname *string `json:"nickname"`

	Guild *Guild `gorm:"foreignKey:GuildID;references:ID" json:"guild,omitempty"`
	User  *User  `gorm:"foreignKey:UserID;references:ID" json:"user,omitempty"`
}

// Channel is a text channel inside a guild
type Channel struct {
	ID        string     `gorm:"primaryKey;type:text" json:"id"`
	Name      string     `gorm:"not null;default:General" json:"name"`
	GuildID   string     `gorm:"not null;index" json:"guildId"`
	CreatedAt *time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (Channel) TableName() string {
	return "guild_channels"
}
