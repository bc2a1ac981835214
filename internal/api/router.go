package api

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/openrating/openrating/internal/api/handlers"
	"github.com/openrating/openrating/internal/api/middleware"
	"github.com/openrating/openrating/internal/ingest"
	"github.com/openrating/openrating/internal/services"
	"github.com/openrating/openrating/internal/store"
	"github.com/openrating/openrating/pkg/config"
	"github.com/openrating/openrating/pkg/utils"
)

// SetupRoutes wires every route onto the engine. The /health probe stays
// outside auth; everything under /v1 requires a token plus the scope the
// route names.
func SetupRoutes(router *gin.Engine, s store.Store, cache *services.CacheService,
	coordinator *ingest.Coordinator, cfg *config.Config, logger *logrus.Logger) {

	healthHandler := handlers.NewHealthHandler(cfg.Version)
	orgHandler := handlers.NewOrganizationHandler(s, logger)
	playerHandler := handlers.NewPlayerHandler(s, logger)
	matchHandler := handlers.NewMatchHandler(s, coordinator, logger)
	ratingHandler := handlers.NewRatingHandler(s, logger)
	leaderboardHandler := handlers.NewLeaderboardHandler(s, cache, logger)

	authenticator := middleware.NewAuthenticator(
		cfg.JWTSecret, cfg.Auth0Domain, cfg.Auth0Audience, cfg.AuthDisable, logger)
	ingestLimiter := middleware.NewIngestRateLimiter(cfg.IngestRateLimit)

	router.GET("/health", healthHandler.GetHealth)

	v1 := router.Group("/v1")
	v1.Use(authenticator.Required())

	// Organizations
	v1.POST("/organizations",
		middleware.RequireScope("organizations:write"), orgHandler.CreateOrganization)
	v1.GET("/organizations",
		middleware.RequireScope("organizations:read"), orgHandler.ListOrganizations)
	v1.GET("/organizations/:org",
		middleware.RequireScope("organizations:read"), orgHandler.GetOrganization)
	v1.PATCH("/organizations/:org",
		middleware.RequireScope("organizations:write"), orgHandler.UpdateOrganization)

	// Players
	v1.POST("/players",
		middleware.RequireScope("organizations:write"), playerHandler.CreatePlayer)
	v1.GET("/players",
		middleware.RequireScope("organizations:read"), playerHandler.ListPlayers)
	v1.GET("/players/:id",
		middleware.RequireScope("organizations:read"), playerHandler.GetPlayer)

	// Matches
	v1.POST("/matches",
		middleware.RequireScope("matches:write"), ingestLimiter.Middleware(), matchHandler.IngestMatch)
	v1.GET("/matches",
		middleware.RequireScope("matches:read"), matchHandler.ListMatches)
	v1.GET("/matches/:id",
		middleware.RequireScope("matches:read"), matchHandler.GetMatch)
	v1.PATCH("/matches/:id",
		middleware.RequireScope("matches:write"), matchHandler.UpdateMatch)

	// Rating history and insights
	ratings := v1.Group("/organizations/:org/players/:player")
	ratings.Use(middleware.RequireScope("ratings:read"))
	ratings.GET("/rating-events", ratingHandler.ListRatingEvents)
	ratings.GET("/rating-events/:event_id", ratingHandler.GetRatingEvent)
	ratings.GET("/rating-snapshot", ratingHandler.GetRatingSnapshot)
	ratings.GET("/insights", ratingHandler.GetInsights)

	// Leaderboards
	v1.GET("/leaderboards",
		middleware.RequireScope("ratings:read"), leaderboardHandler.GetLeaderboard)

	router.NoRoute(func(c *gin.Context) {
		utils.SendNotFound(c, "route not found")
	})
}
