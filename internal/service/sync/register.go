package sync

import (
	"github.com/gin-gonic/gin"

	"github.com/cinelog/cinelog-sync/internal/app"
	"github.com/cinelog/cinelog-sync/internal/auth"
	"github.com/cinelog/cinelog-sync/internal/config"
)

// Registrar mounts the sync service on a router.
type Registrar struct {
	svc *Service
	cfg *config.Config
}

func NewRegistrar(appCtx *app.AppContext, cfg *config.Config) *Registrar {
	return &Registrar{svc: NewSyncService(appCtx), cfg: cfg}
}

// Register wires the sync routes under /v1. Everything behind this group
// requires a bearer token; there is no anonymous sync.
func (reg *Registrar) Register(r *gin.Engine) {
	v1 := r.Group("/v1")
	v1.Use(auth.Middleware(reg.cfg.Auth.JWTSecret))

	v1.POST("/sync/status", reg.svc.PushStatus)
	v1.DELETE("/sync/status/:film_id", reg.svc.RemoveStatus)
	v1.POST("/sync/preferences", reg.svc.PushPreferences)
	v1.GET("/sync/changes", reg.svc.PullChanges)

	v1.DELETE("/account", reg.svc.DeleteAccount)
}
