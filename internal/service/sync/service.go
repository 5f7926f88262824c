package sync

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cinelog/cinelog-sync/internal/app"
	"github.com/cinelog/cinelog-sync/internal/auth"
	"github.com/cinelog/cinelog-sync/internal/db"
	svcErr "github.com/cinelog/cinelog-sync/internal/errors"
	"github.com/cinelog/cinelog-sync/internal/repository"
	"github.com/cinelog/cinelog-sync/internal/syncapi"
)

// Service implements the Record Store HTTP boundary: conflict-checked
// pushes, watermark pulls, and the account-deletion cascade. It contains
// the business logic on top of repository and cache layers.
type Service struct {
	appCtx     *app.AppContext
	statusRepo *repository.FilmStatusRepository
	prefsRepo  *repository.PreferencesRepository
	userRepo   *repository.UserRepository
}

// NewSyncService creates a new sync service with dependencies from AppContext.
func NewSyncService(appCtx *app.AppContext) *Service {
	return &Service{
		appCtx:     appCtx,
		statusRepo: repository.NewFilmStatusRepository(appCtx.DB),
		prefsRepo:  repository.NewPreferencesRepository(appCtx.DB),
		userRepo:   repository.NewUserRepository(appCtx.DB),
	}
}

func (s *Service) userID(c *gin.Context) (string, bool) {
	userID := c.GetString(auth.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": svcErr.ErrNoIdentity.Error()})
		return "", false
	}
	return userID, true
}

func (s *Service) fail(c *gin.Context, err error) {
	apiErr := svcErr.Map(err)
	c.JSON(apiErr.Status, gin.H{"error": apiErr.Message})
}

// PushStatus applies one film-status record under last-write-wins.
//
// Behavior:
//   - Validates status enum and rating range.
//   - Delegates conflict resolution to FilmStatusRepository.Upsert.
//   - A stale push answers 200 with applied=false: the attempt is settled,
//     not failed, so the client dequeues instead of retrying forever.
//   - On apply, advances the user's cached change cursor (best effort).
func (s *Service) PushStatus(c *gin.Context) {
	userID, ok := s.userID(c)
	if !ok {
		return
	}

	var req syncapi.FilmStatusRecord
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, svcErr.InvalidArgument(err.Error()))
		return
	}
	if !db.Status(req.Status).Valid() {
		s.fail(c, svcErr.InvalidArgument("status must be one of want_to_see, seen, not_interested"))
		return
	}
	if req.Rating != nil && (*req.Rating < 1 || *req.Rating > 5) {
		s.fail(c, svcErr.InvalidArgument("rating must be in [1,5]"))
		return
	}

	s.appCtx.Logger.Debug("PushStatus called",
		"user", userID, "film", req.FilmID, "updated_at_ms", req.UpdatedAtMs)

	rec := req.ToModel(userID)
	applied, err := s.statusRepo.Upsert(c.Request.Context(), rec)
	if err != nil {
		s.appCtx.Logger.Error("status upsert failed", "user", userID, "film", req.FilmID, "err", err)
		s.fail(c, err)
		return
	}

	if applied {
		_ = s.appCtx.RedisCache.AdvanceChangeCursor(c.Request.Context(), userID, syncapi.Ms(rec.UpdatedAt))
	}

	c.JSON(http.StatusOK, syncapi.PushResponse{Applied: applied})
}

// RemoveStatus deletes one film-status record. Replays are no-ops.
func (s *Service) RemoveStatus(c *gin.Context) {
	userID, ok := s.userID(c)
	if !ok {
		return
	}
	filmID := c.Param("film_id")
	if filmID == "" {
		s.fail(c, svcErr.InvalidArgument("film_id is required"))
		return
	}

	s.appCtx.Logger.Debug("RemoveStatus called", "user", userID, "film", filmID)

	if err := s.statusRepo.Remove(c.Request.Context(), userID, filmID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, syncapi.PushResponse{Applied: true})
}

// PushPreferences applies the user's preferences row under the same
// last-write-wins contract as PushStatus.
func (s *Service) PushPreferences(c *gin.Context) {
	userID, ok := s.userID(c)
	if !ok {
		return
	}

	var req syncapi.PreferencesRecord
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, svcErr.InvalidArgument(err.Error()))
		return
	}

	s.appCtx.Logger.Debug("PushPreferences called", "user", userID, "updated_at_ms", req.UpdatedAtMs)

	rec := req.ToModel(userID)
	applied, err := s.prefsRepo.Upsert(c.Request.Context(), rec)
	if err != nil {
		s.appCtx.Logger.Error("preferences upsert failed", "user", userID, "err", err)
		s.fail(c, err)
		return
	}

	if applied {
		_ = s.appCtx.RedisCache.AdvanceChangeCursor(c.Request.Context(), userID, syncapi.Ms(rec.UpdatedAt))
	}

	c.JSON(http.StatusOK, syncapi.PushResponse{Applied: applied})
}

// PullChanges returns every record updated strictly after the `since`
// watermark (unix millis).
//
// Cache-first strategy:
//  1. If the cached change cursor says nothing moved past `since`, answer
//     empty without touching the database.
//  2. Otherwise query both tables and refresh the cursor from the result.
func (s *Service) PullChanges(c *gin.Context) {
	userID, ok := s.userID(c)
	if !ok {
		return
	}

	sinceMs := int64(0)
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			s.fail(c, svcErr.InvalidArgument("since must be a non-negative unix-millisecond timestamp"))
			return
		}
		sinceMs = parsed
	}

	s.appCtx.Logger.Debug("PullChanges called", "user", userID, "since_ms", sinceMs)

	ctx := c.Request.Context()

	// try cache first
	if cursor, hit, err := s.appCtx.RedisCache.GetChangeCursor(ctx, userID); err == nil && hit && cursor <= sinceMs {
		c.JSON(http.StatusOK, syncapi.ChangesResponse{
			Statuses:       []syncapi.FilmStatusRecord{},
			MaxUpdatedAtMs: sinceMs,
		})
		return
	}

	since := syncapi.FromMs(sinceMs)

	statuses, err := s.statusRepo.ChangedSince(ctx, userID, since)
	if err != nil {
		s.fail(c, err)
		return
	}
	prefs, err := s.prefsRepo.ChangedSince(ctx, userID, since)
	if err != nil {
		s.fail(c, err)
		return
	}

	resp := syncapi.ChangesResponse{
		Statuses:       make([]syncapi.FilmStatusRecord, 0, len(statuses)),
		MaxUpdatedAtMs: sinceMs,
	}
	for i := range statuses {
		rec := syncapi.StatusRecordFromModel(&statuses[i])
		resp.Statuses = append(resp.Statuses, rec)
		if rec.UpdatedAtMs > resp.MaxUpdatedAtMs {
			resp.MaxUpdatedAtMs = rec.UpdatedAtMs
		}
	}
	if prefs != nil {
		rec := syncapi.PreferencesRecordFromModel(prefs)
		resp.Preferences = rec
		if rec.UpdatedAtMs > resp.MaxUpdatedAtMs {
			resp.MaxUpdatedAtMs = rec.UpdatedAtMs
		}
	}

	// Caching the response ceiling is safe on an empty result too: it only
	// short-circuits pulls whose watermark already covers it.
	_ = s.appCtx.RedisCache.AdvanceChangeCursor(ctx, userID, resp.MaxUpdatedAtMs)

	s.appCtx.Logger.Debug("PullChanges result",
		"user", userID, "statuses", len(resp.Statuses), "prefs", resp.Preferences != nil,
		"max_updated_at_ms", resp.MaxUpdatedAtMs)

	c.JSON(http.StatusOK, resp)
}

// DeleteAccount removes the user and all of their records in one
// transaction. Idempotent; answers 200 either way.
func (s *Service) DeleteAccount(c *gin.Context) {
	userID, ok := s.userID(c)
	if !ok {
		return
	}

	s.appCtx.Logger.Info("DeleteAccount called", "user", userID)

	if err := s.userRepo.DeleteCascade(c.Request.Context(), userID); err != nil {
		s.appCtx.Logger.Error("account cascade delete failed", "user", userID, "err", err)
		s.fail(c, err)
		return
	}
	_ = s.appCtx.RedisCache.DropChangeCursor(c.Request.Context(), userID)

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
