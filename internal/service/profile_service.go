package service

import (
	"context"
	"errors"
	"strings"

	"campuslink/internal/models"
	"campuslink/internal/repository"
)

// ProfileService exposes the read-only profile directory.
type ProfileService struct {
	profileRepo repository.ProfileRepository
}

// NewProfileService returns a new ProfileService.
func NewProfileService(profileRepo repository.ProfileRepository) *ProfileService {
	return &ProfileService{profileRepo: profileRepo}
}

// GetProfiles resolves the given IDs to profiles. IDs that cannot be
// resolved map to the "Unknown User" placeholder instead of failing the
// whole lookup.
func (s *ProfileService) GetProfiles(ctx context.Context, ids []uint) (map[uint]models.Profile, error) {
	result := make(map[uint]models.Profile, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	unique := make([]uint, 0, len(ids))
	seen := make(map[uint]bool, len(ids))
	for _, id := range ids {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}

	profiles, err := s.profileRepo.GetByIDs(ctx, unique)
	if err != nil {
		return nil, err
	}

	for _, p := range profiles {
		result[p.ID] = p
	}
	for _, id := range unique {
		if _, ok := result[id]; !ok {
			result[id] = models.UnknownProfile(id)
		}
	}
	return result, nil
}

// GetProfile resolves a single profile, falling back to the placeholder when
// the ID is unknown.
func (s *ProfileService) GetProfile(ctx context.Context, id uint) (models.Profile, error) {
	profile, err := s.profileRepo.GetByID(ctx, id)
	if err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) && appErr.Code == models.ErrCodeNotFound {
			return models.UnknownProfile(id), nil
		}
		return models.Profile{}, err
	}
	return *profile, nil
}

// SearchProfiles finds profiles whose username or full name contains the
// query, excluding the caller, for the new-chat picker.
func (s *ProfileService) SearchProfiles(ctx context.Context, query string, excludeID uint, limit int) ([]models.Profile, error) {
	if strings.TrimSpace(query) == "" {
		return nil, models.NewValidationError("Search query is required")
	}
	return s.profileRepo.Search(ctx, query, excludeID, limit)
}
