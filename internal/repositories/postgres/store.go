// Package postgres holds the gorm backed repositories the gateway and the
// deletion worker read from.
package postgres

import "gorm.io/gorm"

// Store bundles every repository behind one value
type Store struct {
	*AccountRepository
	*GuildRepository
	*InviteRepository
	*DeleteScheduleRepository
}

func NewStore(db *gorm.DB) *Store {
	return &Store{
		AccountRepository:        NewAccountRepository(db),
		GuildRepository:          NewGuildRepository(db),
		InviteRepository:         NewInviteRepository(db),
		DeleteScheduleRepository: NewDeleteScheduleRepository(db),
	}
}
