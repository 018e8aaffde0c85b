package main

import (
	"fmt"
	"log"
	"log/slog"

	"chat-gateway/internal/auth"
	"chat-gateway/internal/config"
	"chat-gateway/internal/database"
	"chat-gateway/internal/models"
	"chat-gateway/pkg/logger"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type seedUser struct {
	username string
	email    string
	flags    int
	bot      bool
}

// seed creates a small world for local gateway testing: an admin, two
// regular users and a bot sharing one guild. It prints a session token per
// account so a client can IDENTIFY right away.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	logr := logger.New(cfg.Log.Level, cfg.Log.Format)

	logr.Info("Starting database seeding...")

	db, err := database.NewPostgresConnection(cfg.Database, logr)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	tokens := auth.NewTokenService(cfg.Auth.TokenSecret)
	users := []seedUser{
		{"admin", "admin@chat.local", models.UserFlagAdmin, false},
		{"alice", "alice@chat.local", 0, false},
		{"bob", "bob@chat.local", 0, false},
		{"helper", "helper@chat.local", 0, true},
	}

	password, err := bcrypt.GenerateFromPassword([]byte("123456"), bcrypt.DefaultCost)
	if err != nil {
		log.Fatal("Failed to hash password:", err)
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		created := make([]models.User, 0, len(users))
		for i, u := range users {
			user, token, err := seedAccount(tx, tokens, u, string(password), i)
			if err != nil {
				return err
			}
			created = append(created, *user)
			fmt.Printf("%-8s %s  token=%s\n", u.username, user.ID, token)
		}

		guild, err := seedGuild(tx, created)
		if err != nil {
			return err
		}
		logr.Info("Created guild", "id", guild.ID, "members", len(created))

		invite := models.InviteCode{ID: uuid.NewString(), Code: "WELCOME", CreatedBy: created[0].ID}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&invite).Error
	})
	if err != nil {
		logr.Error("Seeding failed", "error", err)
		log.Fatal(err)
	}

	slog.Info("Database seeding completed successfully!")
}

func seedAccount(tx *gorm.DB, tokens *auth.TokenService, u seedUser, password string, i int) (*models.User, string, error) {
	user := models.User{
		ID:       uuid.NewString(),
		Username: u.username,
		Tag:      fmt.Sprintf("%04d", i+1),
		Bot:      u.bot,
		Status:   models.StatusOnline,
		Flags:    u.flags,
	}
	if err := tx.Create(&user).Error; err != nil {
		return nil, "", fmt.Errorf("failed to create user %s: %w", u.username, err)
	}

	token, err := tokens.GenerateToken(user.ID, 0)
	if err != nil {
		return nil, "", err
	}

	settingsID := uuid.NewString()
	account := models.Account{
		ID:         user.ID,
		Email:      u.email,
		Password:   password,
		UserID:     user.ID,
		Token:      token,
		SettingsID: settingsID,
	}
	if err := tx.Omit(clause.Associations).Create(&account).Error; err != nil {
		return nil, "", fmt.Errorf("failed to create account %s: %w", u.email, err)
	}

	settings := models.AccountSettings{AccountID: settingsID, Theme: models.ThemeDark, CompactShowAvatars: true}
	if err := tx.Create(&settings).Error; err != nil {
		return nil, "", fmt.Errorf("failed to create settings for %s: %w", u.email, err)
	}
	return &user, token, nil
}

func seedGuild(tx *gorm.DB, members []models.User) (*models.Guild, error) {
	guild := models.Guild{
		ID:      uuid.NewString(),
		Name:    "Lobby",
		Brief:   "Seeded guild",
		OwnerID: members[0].ID,
	}
	if err := tx.Omit(clause.Associations).Create(&guild).Error; err != nil {
		return nil, fmt.Errorf("failed to create guild: %w", err)
	}

	channel := models.Channel{ID: uuid.NewString(), Name: "general", GuildID: guild.ID}
	if err := tx.Create(&channel).Error; err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	for _, m := range members {
		member := models.GuildMember{GuildID: guild.ID, UserID: m.ID}
		if err := tx.Omit(clause.Associations).Create(&member).Error; err != nil {
			return nil, fmt.Errorf("failed to add %s to guild: %w", m.Username, err)
		}
	}
	return &guild, nil
}
