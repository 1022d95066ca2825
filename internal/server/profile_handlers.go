package server

import (
	"strconv"
	"strings"

	"campuslink/internal/models"

	"github.com/gofiber/fiber/v2"
)

// GetProfiles handles GET /api/profiles?ids=1,2,3
//
//	@Summary		Resolve profile IDs
//	@Description	Returns a map of id to profile; unknown IDs resolve to a placeholder
//	@Tags			profiles
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200	{object}	map[string]models.Profile
//	@Failure		400	{object}	models.ErrorResponse
//	@Router			/profiles [get]
func (s *Server) GetProfiles(c *fiber.Ctx) error {
	ctx := c.UserContext()

	raw := c.Query("ids")
	if raw == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("ids query parameter is required"))
	}

	parts := strings.Split(raw, ",")
	if len(parts) > 100 {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Too many IDs (max 100)"))
	}

	ids := make([]uint, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 32)
		if err != nil || id == 0 {
			return models.RespondWithError(c, fiber.StatusBadRequest,
				models.NewValidationError("Invalid profile ID: "+part))
		}
		ids = append(ids, uint(id))
	}

	profiles, err := s.profileService.GetProfiles(ctx, ids)
	if err != nil {
		return respondServiceError(c, err)
	}

	return c.JSON(profiles)
}

// SearchProfiles handles GET /api/profiles/search?q=...
func (s *Server) SearchProfiles(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)

	page := parsePagination(c, 20)

	profiles, err := s.profileService.SearchProfiles(ctx, c.Query("q"), userID, page.Limit)
	if err != nil {
		return respondServiceError(c, err)
	}

	return c.JSON(profiles)
}

// GetProfile handles GET /api/profiles/:id
func (s *Server) GetProfile(c *fiber.Ctx) error {
	ctx := c.UserContext()
	profileID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	profile, err := s.profileService.GetProfile(ctx, profileID)
	if err != nil {
		return respondServiceError(c, err)
	}

	return c.JSON(profile)
}
