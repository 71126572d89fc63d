package database

import (
	"github.com/robalyx/botfleet/internal/database/models"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// Repository provides access to all database models.
type Repository struct {
	instance *models.InstanceModel
	member   *models.MemberModel
	log      *models.LogModel
}

// NewRepository creates a new repository instance with all models.
func NewRepository(db *bun.DB, logger *zap.Logger) *Repository {
	return &Repository{
		instance: models.NewInstance(db, logger),
		member:   models.NewMember(db, logger),
		log:      models.NewLog(db, logger),
	}
}

// Instance returns the instance model repository.
func (r *Repository) Instance() *models.InstanceModel {
	return r.instance
}

// Member returns the member model repository.
func (r *Repository) Member() *models.MemberModel {
	return r.member
}

// Log returns the command and audit log model repository.
func (r *Repository) Log() *models.LogModel {
	return r.log
}
