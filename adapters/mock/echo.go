package mock

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/adapters/modelstream"
	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
	"github.com/satriahrh/callbridge/internal/audio"
)

// DefaultFramesPerTurn is one second of caller audio
const DefaultFramesPerTurn = 50

// EchoModel is a local stand-in for a speech model. After every
// FramesPerTurn caller frames it answers with a turn that plays the same
// audio back.
type EchoModel struct {
	FramesPerTurn int
	logger        *zap.Logger
}

// NewEchoModel creates a mock speech model
func NewEchoModel(framesPerTurn int, logger *zap.Logger) *EchoModel {
	if framesPerTurn <= 0 {
		framesPerTurn = DefaultFramesPerTurn
	}
	return &EchoModel{FramesPerTurn: framesPerTurn, logger: logger}
}

// Name implements repositories.SpeechModel
func (m *EchoModel) Name() string {
	return "mock"
}

// Open implements repositories.SpeechModel
func (m *EchoModel) Open(ctx context.Context, config entities.SessionConfig) (repositories.ModelStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &echoStream{
		pump:          modelstream.NewPump(m.logger, 0),
		logger:        m.logger.With(zap.String("provider", "mock")),
		framesPerTurn: m.FramesPerTurn,
		turns:         make(chan []byte, 4),
		done:          make(chan struct{}),
	}
	go s.replyLoop()

	s.logger.Debug("Echo session opened", zap.String("voiceID", config.VoiceID))
	return s, nil
}

type echoStream struct {
	pump          *modelstream.Pump
	logger        *zap.Logger
	framesPerTurn int

	mu      sync.Mutex
	pending []byte
	frames  int
	turn    int

	turns     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Send buffers caller audio and schedules a reply once enough has arrived
func (s *echoStream) Send(ctx context.Context, frame entities.AudioFrame) error {
	if s.pump.IsClosed() {
		return modelstream.ErrClosed
	}

	s.mu.Lock()
	s.pending = append(s.pending, frame.View()...)
	s.frames++
	if s.frames < s.framesPerTurn {
		s.mu.Unlock()
		return nil
	}
	reply := s.pending
	s.pending = nil
	s.frames = 0
	s.mu.Unlock()

	select {
	case s.turns <- reply:
	case <-s.done:
		return modelstream.ErrClosed
	default:
		s.logger.Warn("Echo reply dropped, previous turns still playing")
	}
	return nil
}

func (s *echoStream) Events() iter.Seq2[entities.ModelEvent, error] {
	return s.pump.Events()
}

func (s *echoStream) CancelTurn(ctx context.Context) error {
	return s.pump.CancelTurn()
}

func (s *echoStream) Close() error {
	s.closeOnce.Do(func() {
		s.pump.Close()
		close(s.done)
	})
	return nil
}

func (s *echoStream) replyLoop() {
	defer s.pump.Finish()

	for {
		select {
		case <-s.done:
			return
		case reply := <-s.turns:
			if !s.play(reply) {
				return
			}
		}
	}
}

// play emits one full turn; it returns false once the pump stops accepting
func (s *echoStream) play(reply []byte) bool {
	s.turn++
	turnID := fmt.Sprintf("echo-%d", s.turn)

	if !s.pump.Emit(entities.ModelEvent{Kind: entities.ModelEventTurnStarted, TurnID: turnID}) {
		return false
	}
	for start := 0; start < len(reply); start += audio.FrameSize {
		end := min(start+audio.FrameSize, len(reply))
		if !s.pump.Emit(entities.ModelEvent{Kind: entities.ModelEventAudioOutput, Audio: audio.Encode(reply[start:end])}) {
			return false
		}
	}
	s.pump.Emit(entities.ModelEvent{
		Kind:       entities.ModelEventTranscriptionDelta,
		Transcript: &entities.Transcript{Role: entities.RoleAssistant, Text: fmt.Sprintf("echo of %d bytes", len(reply))},
	})
	s.pump.Emit(entities.ModelEvent{Kind: entities.ModelEventTurnComplete})
	return s.pump.Emit(entities.ModelEvent{
		Kind:  entities.ModelEventUsage,
		Usage: &entities.Usage{InputTokens: int64(len(reply) / audio.FrameSize), OutputTokens: int64(len(reply) / audio.FrameSize)},
	})
}
