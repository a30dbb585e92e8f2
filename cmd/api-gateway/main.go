package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/mailtrack-api/internal/handler"
	"github.com/noah-isme/mailtrack-api/internal/middleware"
	"github.com/noah-isme/mailtrack-api/internal/models"
	"github.com/noah-isme/mailtrack-api/internal/repository"
	"github.com/noah-isme/mailtrack-api/internal/service"
	"github.com/noah-isme/mailtrack-api/pkg/cache"
	"github.com/noah-isme/mailtrack-api/pkg/config"
	"github.com/noah-isme/mailtrack-api/pkg/database"
	"github.com/noah-isme/mailtrack-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/mailtrack-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/mailtrack-api/pkg/middleware/requestid"
	"github.com/noah-isme/mailtrack-api/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.MigrationsDir != "" {
		if err := database.Migrate(db, cfg.Database.MigrationsDir); err != nil {
			logr.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, list caching disabled", zap.Error(err))
		redisClient = nil
	}

	blobs, err := storage.NewAttachmentStore(cfg.Attachments.StorageDir, cfg.Attachments.MaxFileSizeBytes)
	if err != nil {
		logr.Fatal("failed to init attachment store", zap.Error(err))
	}
	signer := storage.NewSignedURLSigner(cfg.Attachments.SignedURLSecret, cfg.Attachments.SignedURLTTL)

	// Repositories.
	userRepo := repository.NewUserRepository(db)
	sectionRepo := repository.NewSectionRepository(db)
	mailRepo := repository.NewMailRepository(db)
	assignmentRepo := repository.NewAssignmentRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	attachmentRepo := repository.NewAttachmentRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	// Services.
	metricsSvc := service.NewMetricsService()
	orgSvc := service.NewOrgService(userRepo, sectionRepo, logr)
	visibilitySvc := service.NewVisibilityService(auditRepo, assignmentRepo, sectionRepo, logr)
	authSvc := service.NewAuthService(userRepo, nil, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             cfg.JWT.Issuer,
	})
	userSvc := service.NewUserService(userRepo, nil, logr)
	mailSvc := service.NewMailService(service.MailServiceParams{
		Tx:          db,
		Mails:       mailRepo,
		Assignments: assignmentRepo,
		Audits:      auditRepo,
		Users:       userRepo,
		Attachments: attachmentRepo,
		Cache:       cacheRepo,
		Org:         orgSvc,
		Visibility:  visibilitySvc,
		Metrics:     metricsSvc,
		Logger:      logr,
		ListTTL:     cfg.Mail.ListCacheTTL,
	})
	assignmentSvc := service.NewAssignmentService(db, assignmentRepo, mailRepo, auditRepo, userRepo, cacheRepo, orgSvc, nil, metricsSvc, logr)
	attachmentSvc := service.NewAttachmentService(attachmentRepo, mailRepo, assignmentRepo, auditRepo, blobs, signer, visibilitySvc, logr)
	exportSvc := service.NewExportService(mailRepo, visibilitySvc, cfg.Exports.Enabled, logr)

	// Handlers.
	authHandler := handler.NewAuthHandler(authSvc)
	userHandler := handler.NewUserHandler(userSvc)
	sectionHandler := handler.NewSectionHandler(orgSvc)
	mailHandler := handler.NewMailHandler(mailSvc, exportSvc)
	assignmentHandler := handler.NewAssignmentHandler(assignmentSvc)
	attachmentHandler := handler.NewAttachmentHandler(attachmentSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
		auth.POST("/change-password", middleware.JWT(authSvc), authHandler.ChangePassword)
		auth.GET("/me", middleware.JWT(authSvc), middleware.LoadAccount(userRepo), authHandler.Me)
	}

	// Signed-token download carries its own authorization.
	api.GET("/attachments/download", attachmentHandler.Download)

	protected := api.Group("")
	protected.Use(middleware.JWT(authSvc), middleware.LoadAccount(userRepo))
	{
		users := protected.Group("/users")
		{
			users.GET("", middleware.RequireRoles(models.RoleAG, models.RoleDAG), userHandler.List)
			users.GET("/:id", middleware.RBAC(string(models.RoleAG), "SELF"), userHandler.Get)
			users.POST("", middleware.RequireRoles(models.RoleAG), userHandler.Create)
			users.PATCH("/:id", middleware.RequireRoles(models.RoleAG), userHandler.Update)
			users.DELETE("/:id", middleware.RequireRoles(models.RoleAG), userHandler.Deactivate)
		}

		protected.GET("/sections", sectionHandler.ListSections)
		protected.GET("/subsections", sectionHandler.ListSubsections)

		mails := protected.Group("/mails")
		{
			mails.POST("", middleware.RequireRoles(models.RoleAG), mailHandler.Create)
			mails.GET("", mailHandler.List)
			mails.GET("/export/csv", mailHandler.ExportCSV)
			mails.GET("/export/pdf", mailHandler.ExportPDF)
			mails.GET("/:id", mailHandler.Get)
			mails.GET("/:id/history", mailHandler.History)
			mails.PATCH("/:id/remarks", mailHandler.UpdateRemarks)
			mails.PATCH("/:id/current-action", mailHandler.UpdateCurrentAction)
			mails.POST("/:id/reassign", mailHandler.Reassign)
			mails.POST("/:id/assignees", middleware.RequireRoles(models.RoleAG, models.RoleDAG), mailHandler.MultiAssign)
			mails.POST("/:id/close", mailHandler.Close)
			mails.POST("/:id/reopen", middleware.RequireRoles(models.RoleAG), mailHandler.Reopen)
			mails.POST("/:id/attachments", attachmentHandler.Upload)
		}

		assignments := protected.Group("/assignments")
		{
			assignments.POST("/:id/delegate", assignmentHandler.Delegate)
			assignments.POST("/:id/complete", assignmentHandler.Complete)
			assignments.POST("/:id/remarks", assignmentHandler.AddRemark)
			assignments.POST("/:id/revoke", middleware.RequireRoles(models.RoleAG, models.RoleDAG), assignmentHandler.Revoke)
		}

		protected.GET("/attachments/:id/url", attachmentHandler.SignedURL)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}
