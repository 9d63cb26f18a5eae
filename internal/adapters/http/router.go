package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/dkeye/Beacon/internal/adapters/ws"
	"github.com/dkeye/Beacon/internal/config"
	"github.com/dkeye/Beacon/internal/metrics"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// CredentialMiddleware resolves the caller's credential: Authorization
// header first, then query parameter, then the session cookie browsers
// carry from the account system. Verification happens in the session.
func CredentialMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cred := ""
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			cred = strings.TrimPrefix(h, "Bearer ")
		}
		if cred == "" {
			cred = c.Query("token")
		}
		if cred == "" {
			sess := sessions.Default(c)
			if v, ok := sess.Get("token").(string); ok {
				cred = v
			}
		}
		c.Set("credential", cred)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *ws.Controller, m *metrics.Metrics) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("BeaconSessions", store))
	r.Use(CredentialMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/:user_id", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("user_id", c.Param("user_id")).Msg("ws endpoint hit")
		ctl.HandleConnect(ctx, c)
	})

	iceServers := cfg.WebRTCICEServers()
	api.GET("/ice", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"iceServers": iceServers})
	})

	api.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"online": ctl.Registry.Count(),
			"events": m.Snapshot(),
		})
	})

	return r
}
