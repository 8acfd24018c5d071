// Package server assembles the HTTP router shared by the API binary and the
// integration tests.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"captable/internal/auth"
	"captable/internal/handlers"
	"captable/internal/middleware"

	_ "captable/internal/docs" // Import swagger docs
)

// Handlers groups the HTTP handlers mounted by NewRouter.
type Handlers struct {
	Mortgage *handlers.MortgageHandler
	Listing  *handlers.ListingHandler
	Transfer *handlers.TransferHandler
	Audit    *handlers.AuditHandler
	Jobs     *handlers.JobsHandler
}

// Options configures NewRouter.
type Options struct {
	JWTSecret       string
	SchedulerAPIKey string
	// Health reports whether backing stores are reachable. Nil means always healthy.
	Health        func(ctx context.Context) error
	EnableSwagger bool
	EnableMetrics bool
}

// NewRouter builds the gin engine with middleware and every API route.
func NewRouter(h Handlers, opts Options) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogging())
	router.Use(middleware.ErrorHandler())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	if opts.EnableSwagger {
		router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}
	if opts.EnableMetrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	router.GET("/api/health", func(c *gin.Context) {
		if opts.Health != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := opts.Health(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")

	// Scheduler routes (API key)
	jobs := v1.Group("/jobs")
	jobs.Use(middleware.SchedulerAuthMiddleware(opts.SchedulerAPIKey))
	jobs.POST("/outbox/drain", h.Jobs.DrainOutbox)
	jobs.POST("/audit/emit", h.Jobs.EmitAuditEvents)
	jobs.POST("/audit/prune", h.Jobs.PruneAuditEvents)
	jobs.GET("/ownership/verify", h.Jobs.VerifyOwnership)

	// Protected routes
	protected := v1.Group("")
	protected.Use(middleware.AuthMiddleware(opts.JWTSecret))

	adminOnly := middleware.RequireRole(auth.RoleAdmin)
	staff := middleware.RequireRole(auth.RoleBroker, auth.RoleAdmin)

	mortgages := protected.Group("/mortgages")
	mortgages.POST("", staff, h.Mortgage.OnboardMortgage)
	mortgages.GET("/:id/ownership", h.Mortgage.GetOwnershipTable)
	mortgages.GET("/:id/ownership/total", h.Mortgage.GetTotalOwnership)
	mortgages.GET("/:id/ownership/:ownerId", h.Mortgage.GetOwnerPercentage)
	mortgages.PUT("/:id/ownership/:ownerId", adminOnly, h.Mortgage.AdjustOwnership)
	mortgages.GET("/:id/listing", h.Listing.GetListing)
	mortgages.POST("/:id/lock", h.Listing.LockListing)
	mortgages.DELETE("/:id/lock", h.Listing.UnlockListing)
	mortgages.PUT("/:id/visibility", staff, h.Listing.SetVisibility)
	mortgages.GET("/:id/transfers", h.Transfer.ListTransfers)

	protected.GET("/ownership/verify", adminOnly, h.Mortgage.VerifyOwnership)

	transfers := protected.Group("/transfers")
	transfers.POST("", h.Transfer.CreateTransfer)
	transfers.GET("/:id", h.Transfer.GetTransfer)
	transfers.POST("/:id/resubmit", h.Transfer.ResubmitTransfer)
	transfers.POST("/:id/approve", adminOnly, h.Transfer.ApproveTransfer)
	transfers.POST("/:id/reject", adminOnly, h.Transfer.RejectTransfer)
	transfers.POST("/:id/retry-sync", adminOnly, h.Transfer.RetryLedgerSync)

	protected.GET("/audit-events", adminOnly, h.Audit.ListAuditEvents)

	return router
}
