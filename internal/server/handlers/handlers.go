package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	authservice "github.com/coursechain/cvs/internal/application/auth"
	"github.com/coursechain/cvs/internal/application/enrollment"
	"github.com/coursechain/cvs/internal/application/purchase"
	"github.com/coursechain/cvs/internal/application/strategist"
	"github.com/coursechain/cvs/internal/application/verifier"
	"github.com/coursechain/cvs/internal/domain"
	"github.com/coursechain/cvs/internal/domain/interfaces"
	"github.com/coursechain/cvs/internal/infrastructure/database"
	"github.com/coursechain/cvs/internal/server/middleware"
	"github.com/coursechain/cvs/internal/server/websocket"
	"github.com/coursechain/cvs/pkg/config"
)

type Handlers struct {
	Coordinator *purchase.Coordinator
	Strategist  *strategist.Strategist
	Verifier    *verifier.Verifier
	Recorder    *enrollment.Recorder
	AuthSvc     authservice.IAuthService
	Pricing     interfaces.PricingClient
	DB          *database.DBManager
	WsHub       *websocket.WsHub
	Logger      zerolog.Logger
	Config      *config.Config
}

func New(
	coordinator *purchase.Coordinator,
	strategist *strategist.Strategist,
	verifier *verifier.Verifier,
	recorder *enrollment.Recorder,
	authSvc authservice.IAuthService,
	pricing interfaces.PricingClient,
	db *database.DBManager,
	wsHub *websocket.WsHub,
	logger zerolog.Logger,
	config *config.Config,
) *Handlers {
	return &Handlers{
		Coordinator: coordinator,
		Strategist:  strategist,
		Verifier:    verifier,
		Recorder:    recorder,
		AuthSvc:     authSvc,
		Pricing:     pricing,
		DB:          db,
		WsHub:       wsHub,
		Logger:      logger,
		Config:      config,
	}
}

func (h *Handlers) SetupHandlers(router *gin.Engine) {
	mw := middleware.NewMiddleware(h.AuthSvc, h.Logger)
	mw.SetupMiddleware(router)

	healthHandler := NewHealthHandler(h.DB, h.Strategist)
	accessHandler := NewAccessHandler(h.Strategist, h.AuthSvc, h.Recorder, h.Logger)
	purchaseHandler := NewPurchaseHandler(h.Coordinator, h.Verifier, h.Recorder, h.Logger)
	blockchainHandler := NewBlockchainHandler(h.Strategist, h.Pricing, h.Config, h.Logger)
	wsHandler := NewWebSocketHandler(h.WsHub, h.Config.WebSocket, h.Logger)

	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	// WebSocket endpoint
	router.GET("/status", wsHandler.HandleConnection)

	v1 := router.Group("/v1")
	v1.Use(mw.APIKeyMiddleware(h.Config.Security.APIKey))
	{
		courses := v1.Group("/courses/:course_id")
		{
			courses.POST("/verify-access", accessHandler.VerifyAccess)
			courses.GET("/content", mw.AuthMiddleware(), accessHandler.Content)
		}

		purchases := v1.Group("/purchases")
		{
			purchases.POST("", purchaseHandler.Begin)
			purchases.POST("/verify", purchaseHandler.VerifyStandalone)
			purchases.GET("/:intent_id", purchaseHandler.Get)
			purchases.POST("/:intent_id/approval", purchaseHandler.AttachApproval)
			purchases.POST("/:intent_id/purchase", purchaseHandler.AttachPurchase)
			purchases.POST("/:intent_id/verify", purchaseHandler.Verify)
		}

		blockchain := v1.Group("/blockchain")
		{
			blockchain.GET("/balance/:address", blockchainHandler.Balance)
			blockchain.GET("/instructor/:address", blockchainHandler.Instructor)
			blockchain.GET("/purchased/:course_id/:address", blockchainHandler.Purchased)
			blockchain.GET("/purchases/:address", blockchainHandler.Purchases)
		}

		enrollments := v1.Group("/enrollments")
		{
			enrollments.GET("/:address", accessHandler.Enrollments)
		}
	}
}

// respondError maps taxonomy errors to HTTP statuses and a stable error code
// the frontend can branch on.
func respondError(c *gin.Context, err error) {
	code := domain.ErrorCode(err)

	var status int
	switch {
	case errors.Is(err, domain.ErrSourceUnavailable):
		status = http.StatusServiceUnavailable
	case domain.Retryable(err):
		status = http.StatusAccepted
	case errors.Is(err, domain.ErrIntentNotFound), errors.Is(err, domain.ErrEnrollmentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyEnrolled),
		errors.Is(err, domain.ErrAlreadyInProgress),
		errors.Is(err, domain.ErrDuplicateTransactionHash),
		errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, domain.ErrTransactionFailed), errors.Is(err, domain.ErrEventNotFound):
		status = http.StatusUnprocessableEntity
	default:
		var mismatch *domain.MismatchError
		if errors.As(err, &mismatch) {
			status = http.StatusUnprocessableEntity
		} else {
			status = http.StatusInternalServerError
		}
	}

	c.JSON(status, gin.H{
		"error": err.Error(),
		"code":  code,
	})
}
