package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	authservice "github.com/coursechain/cvs/internal/application/auth"
	"github.com/coursechain/cvs/internal/application/enrollment"
	"github.com/coursechain/cvs/internal/application/purchase"
	"github.com/coursechain/cvs/internal/application/strategist"
	"github.com/coursechain/cvs/internal/application/verifier"
	"github.com/coursechain/cvs/internal/domain/interfaces"
	"github.com/coursechain/cvs/internal/infrastructure/database"
	"github.com/coursechain/cvs/internal/server/handlers"
	"github.com/coursechain/cvs/internal/server/websocket"
	"github.com/coursechain/cvs/pkg/config"
)

type Server struct {
	Coordinator *purchase.Coordinator
	Strategist  *strategist.Strategist
	Verifier    *verifier.Verifier
	Recorder    *enrollment.Recorder
	AuthSvc     authservice.IAuthService
	Pricing     interfaces.PricingClient
	DB          *database.DBManager
	Cfg         *config.Config
	Logger      zerolog.Logger
	Router      *gin.Engine
	httpServer  *http.Server
	WsHub       *websocket.WsHub
}

func New(
	cfg *config.Config,
	coordinator *purchase.Coordinator,
	strategist *strategist.Strategist,
	verifier *verifier.Verifier,
	recorder *enrollment.Recorder,
	authSvc authservice.IAuthService,
	pricing interfaces.PricingClient,
	db *database.DBManager,
	logger zerolog.Logger,
	wsHub *websocket.WsHub,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	return &Server{
		Cfg:         cfg,
		Coordinator: coordinator,
		Strategist:  strategist,
		Verifier:    verifier,
		Recorder:    recorder,
		AuthSvc:     authSvc,
		Pricing:     pricing,
		DB:          db,
		Logger:      logger,
		Router:      router,
		WsHub:       wsHub,
	}
}

func (s *Server) SetupRouter() {
	handler := handlers.New(
		s.Coordinator,
		s.Strategist,
		s.Verifier,
		s.Recorder,
		s.AuthSvc,
		s.Pricing,
		s.DB,
		s.WsHub,
		s.Logger,
		s.Cfg,
	)
	handler.SetupHandlers(s.Router)
}

func (s *Server) Start() {
	s.SetupRouter()

	s.httpServer = &http.Server{
		Addr:         s.Cfg.Server.Host + ":" + s.Cfg.Server.Port,
		Handler:      s.Router,
		ReadTimeout:  20 * time.Second,
		WriteTimeout: 20 * time.Second,
	}

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)

	s.Logger.Info().Msgf("Starting server on %s", s.httpServer.Addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.Logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-stopChan
	s.Logger.Info().Msg("Shutdown signal received, shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.Logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	s.Logger.Info().Msg("Server exited gracefully")
}
