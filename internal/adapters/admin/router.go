package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mrehwald/bigbluebutton-mr/internal/config"
	"github.com/mrehwald/bigbluebutton-mr/internal/screenshare"
)

// SetupRouter exposes the read-only operational surface: liveness and a
// snapshot of the active screenshare sessions.
func SetupRouter(cfg *config.Config, manager *screenshare.Manager) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/sessions", func(c *gin.Context) {
		sessions := manager.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"count":    len(sessions),
			"sessions": sessions,
		})
	})

	return r
}
