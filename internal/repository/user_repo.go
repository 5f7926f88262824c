package repository

import (
	"context"

	"github.com/cinelog/cinelog-sync/internal/db"

	"gorm.io/gorm"
)

// UserRepository provides data access methods for the User model.
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new repository bound to the given DB connection.
func NewUserRepository(database *gorm.DB) *UserRepository {
	return &UserRepository{db: database}
}

func (r *UserRepository) Create(ctx context.Context, user *db.User) error {
	return r.db.WithContext(ctx).Create(user).Error
}

// DeleteCascade removes a user and every record scoped to them in one
// transaction, so a crash mid-delete can never leave orphaned film
// statuses or preferences behind. Idempotent: deleting an already-deleted
// user succeeds.
func (r *UserRepository) DeleteCascade(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&db.FilmStatus{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&db.UserPreferences{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", userID).Delete(&db.User{}).Error
	})
}
