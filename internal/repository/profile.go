// Package repository implements the data access layer for the application.
package repository

import (
	"context"
	"errors"
	"strings"

	"campuslink/internal/cache"
	"campuslink/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProfileRepository defines persistence operations for the mirrored profile
// directory. Profiles are written only by the mirror sync and the seeder.
type ProfileRepository interface {
	GetByID(ctx context.Context, id uint) (*models.Profile, error)
	GetByIDs(ctx context.Context, ids []uint) ([]models.Profile, error)
	GetByUsername(ctx context.Context, username string) (*models.Profile, error)
	Search(ctx context.Context, query string, excludeID uint, limit int) ([]models.Profile, error)
	Upsert(ctx context.Context, profile *models.Profile) error
	List(ctx context.Context, limit, offset int) ([]models.Profile, error)
}

type profileRepository struct {
	db *gorm.DB
}

// NewProfileRepository returns a new ProfileRepository implementation.
func NewProfileRepository(db *gorm.DB) ProfileRepository {
	return &profileRepository{db: db}
}

func (r *profileRepository) GetByID(ctx context.Context, id uint) (*models.Profile, error) {
	var profile models.Profile
	key := cache.ProfileKey(id)

	err := cache.Aside(ctx, key, &profile, cache.ProfileTTL, func() error {
		if err := readDB(r.db).WithContext(ctx).First(&profile, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.NewNotFoundError("Profile", id)
			}
			return models.NewInternalError(err)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (r *profileRepository) GetByIDs(ctx context.Context, ids []uint) ([]models.Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var profiles []models.Profile
	if err := readDB(r.db).WithContext(ctx).Where("id IN ?", ids).Find(&profiles).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return profiles, nil
}

func (r *profileRepository) GetByUsername(ctx context.Context, username string) (*models.Profile, error) {
	var profile models.Profile
	if err := readDB(r.db).WithContext(ctx).Where("username = ?", username).First(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, models.NewInternalError(err)
	}
	return &profile, nil
}

// Search matches the query as a case-insensitive substring of the username or
// full name, for the new-chat picker.
func (r *profileRepository) Search(ctx context.Context, query string, excludeID uint, limit int) ([]models.Profile, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	var profiles []models.Profile
	q := readDB(r.db).WithContext(ctx).
		Where("LOWER(username) LIKE ? OR LOWER(full_name) LIKE ?", pattern, pattern)
	if excludeID != 0 {
		q = q.Where("id <> ?", excludeID)
	}
	if err := q.Order("username ASC").Limit(limit).Find(&profiles).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return profiles, nil
}

func (r *profileRepository) Upsert(ctx context.Context, profile *models.Profile) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(profile).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	cache.InvalidateProfile(ctx, profile.ID)
	return nil
}

func (r *profileRepository) List(ctx context.Context, limit, offset int) ([]models.Profile, error) {
	var profiles []models.Profile
	if err := readDB(r.db).WithContext(ctx).Order("id ASC").Limit(limit).Offset(offset).Find(&profiles).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return profiles, nil
}
