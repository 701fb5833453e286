package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/adapters"
	"github.com/satriahrh/callbridge/adapters/gemini"
	"github.com/satriahrh/callbridge/adapters/mock"
	"github.com/satriahrh/callbridge/adapters/mongo"
	"github.com/satriahrh/callbridge/adapters/novasonic"
	"github.com/satriahrh/callbridge/adapters/vad"
	"github.com/satriahrh/callbridge/domain/repositories"
	"github.com/satriahrh/callbridge/internal/api"
	"github.com/satriahrh/callbridge/internal/auth"
	"github.com/satriahrh/callbridge/internal/config"
	"github.com/satriahrh/callbridge/internal/websocket"
	"github.com/satriahrh/callbridge/usecase"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.NewConfigFromEnv()
	if err == nil {
		err = config.Validate(cfg)
	}

	// Initialize logger
	logger, _ := zap.NewProduction()
	if cfg.IsDevelopment() {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx := context.Background()

	// Initialize adapters
	model, err := newSpeechModel(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize speech model", zap.String("provider", cfg.Provider), zap.Error(err))
	}

	detectors, closeDetectors, err := newDetectorFactory(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize barge-in detector", zap.Error(err))
	}
	defer closeDetectors()

	var records repositories.CallRecordRepository = adapters.NewMemoryCallRecordRepository(0)
	if cfg.MongoDBURI != "" {
		mongoClient, err := mongo.NewClient(ctx, cfg.MongoDBURI, cfg.MongoDBDatabase, logger)
		if err != nil {
			logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		defer mongoClient.Close(context.Background())

		repo := mongo.NewCallRecordRepository(mongoClient.Database)
		if err := repo.(*mongo.CallRecordRepository).EnsureIndexes(ctx); err != nil {
			logger.Warn("Failed to create call record indexes", zap.Error(err))
		}
		records = repo
	}

	var tokens *auth.TokenAuthenticator
	if cfg.ConnectionTokenSecret != "" {
		tokens, _ = auth.NewTokenAuthenticator(cfg.ConnectionTokenSecret)
	}

	// Initialize usecase services
	callService := usecase.NewCallService(model, detectors, records, usecase.CallSettings{
		Session:          cfg.Session,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadTimeout:      cfg.ReadTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		OutboundQueue:    cfg.OutboundQueue,
	}, logger)

	// Initialize WebSocket hub with the call service
	hub := websocket.NewHub(callService, logger)
	go hub.Run()

	reaper := websocket.NewCallReaper(hub, cfg.MaxCallDuration, logger)
	reaper.Start()

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Initialize API routes
	api.InitRoutes(e, api.Dependencies{
		Hub:      hub,
		Records:  callService,
		Tokens:   tokens,
		Provider: model.Name(),
	}, logger)

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.String("port", cfg.Port),
		zap.String("provider", model.Name()),
		zap.String("voiceID", cfg.Session.VoiceID),
		zap.String("bargeIn", cfg.BargeInDetector),
		zap.Bool("tokenRequired", tokens != nil))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reaper.Stop()
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Calls still running at shutdown", zap.Int("active", hub.Count()), zap.Error(err))
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func newSpeechModel(ctx context.Context, cfg config.Config, logger *zap.Logger) (repositories.SpeechModel, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return gemini.NewLiveModel(ctx, cfg.GeminiAPIKey, cfg.GeminiLiveModel, logger)
	case config.ProviderMock:
		return mock.NewEchoModel(cfg.MockFramesPerTurn, logger), nil
	default:
		return novasonic.NewClient(ctx, novasonic.Config{
			Region:  cfg.AWSRegion,
			ModelID: cfg.NovaSonicModelID,
		}, logger)
	}
}

func newDetectorFactory(ctx context.Context, cfg config.Config, logger *zap.Logger) (repositories.SpeechDetectorFactory, func(), error) {
	switch cfg.BargeInDetector {
	case config.DetectorOff:
		return nil, func() {}, nil
	case config.DetectorGoogle:
		factory, err := vad.NewGoogleDetectorFactory(ctx, cfg.BargeInEnergyThreshold, logger)
		if err != nil {
			return nil, nil, err
		}
		return factory, func() { factory.Close() }, nil
	default:
		return vad.EnergyDetectorFactory{Threshold: cfg.BargeInEnergyThreshold}, func() {}, nil
	}
}
