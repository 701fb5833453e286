package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
	"github.com/satriahrh/callbridge/internal/bridge"
)

const recordSaveTimeout = 5 * time.Second

// CallSettings are the per-call settings shared by every call
type CallSettings struct {
	Session          entities.SessionConfig
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	OutboundQueue    int
}

// CallService runs accepted telephony connections through the bridge and
// keeps a summary of every finished call
type CallService struct {
	model     repositories.SpeechModel
	detectors repositories.SpeechDetectorFactory
	records   repositories.CallRecordRepository
	settings  CallSettings
	logger    *zap.Logger
}

// NewCallService creates a new call service. detectors and records may be
// nil to disable barge-in and call summaries.
func NewCallService(
	model repositories.SpeechModel,
	detectors repositories.SpeechDetectorFactory,
	records repositories.CallRecordRepository,
	settings CallSettings,
	logger *zap.Logger,
) *CallService {
	return &CallService{
		model:     model,
		detectors: detectors,
		records:   records,
		settings:  settings,
		logger:    logger,
	}
}

// HandleCall drives one call to completion and stores its summary. It
// returns the bridge result.
func (s *CallService) HandleCall(
	ctx context.Context,
	conn bridge.TelephonyConn,
	call *entities.CallSession,
	hints entities.HandshakeMetadata,
) error {
	logger := s.logger.With(zap.String("connectionID", call.ConnectionID))

	config := bridge.Config{
		Session:          s.settings.Session,
		Hints:            hints,
		HandshakeTimeout: s.settings.HandshakeTimeout,
		ReadTimeout:      s.settings.ReadTimeout,
		WriteTimeout:     s.settings.WriteTimeout,
		OutboundQueue:    s.settings.OutboundQueue,
	}

	if s.detectors != nil {
		detector, err := s.detectors.NewDetector(ctx, s.settings.Session)
		if err != nil {
			logger.Warn("Barge-in disabled for call, detector unavailable", zap.Error(err))
		} else {
			config.Detector = detector
		}
	}

	runErr := bridge.New(conn, s.model, call, config, s.logger).Run(ctx)

	snap := call.Snapshot()
	fields := []zap.Field{
		zap.String("callID", snap.CallID),
		zap.String("state", string(snap.State)),
		zap.Duration("duration", call.Duration()),
		zap.Int64("turns", snap.TurnsCompleted),
		zap.Int64("interruptions", snap.Interruptions),
	}
	if runErr != nil {
		logger.Warn("Call failed", append(fields, zap.Error(runErr))...)
	} else {
		logger.Info("Call finished", fields...)
	}

	s.saveRecord(ctx, entities.NewCallRecord(snap, s.model.Name(), s.settings.Session.VoiceID, runErr), logger)
	return runErr
}

// RecentCalls lists the latest call summaries
func (s *CallService) RecentCalls(ctx context.Context, limit int) ([]*entities.CallRecord, error) {
	if s.records == nil {
		return []*entities.CallRecord{}, nil
	}
	return s.records.ListRecent(ctx, limit)
}

// CallHistory returns the summaries recorded for a carrier call id
func (s *CallService) CallHistory(ctx context.Context, callID string) ([]*entities.CallRecord, error) {
	if s.records == nil {
		return nil, repositories.ErrCallRecordNotFound
	}
	return s.records.GetByCallID(ctx, callID)
}

func (s *CallService) saveRecord(ctx context.Context, record *entities.CallRecord, logger *zap.Logger) {
	if s.records == nil {
		return
	}

	// The call context is usually cancelled by now.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordSaveTimeout)
	defer cancel()

	if err := s.records.Save(ctx, record); err != nil {
		logger.Error("Failed to save call record", zap.Error(err))
	}
}
