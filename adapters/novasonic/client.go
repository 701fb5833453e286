// Package novasonic implements the speech model stream on Amazon Nova Sonic
// through the Bedrock bidirectional streaming API.
package novasonic

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/adapters/modelstream"
	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
	"github.com/satriahrh/callbridge/internal/audio"
)

const (
	DefaultModelID = "amazon.nova-sonic-v1:0"
	DefaultRegion  = "us-east-1"

	closeTimeout = 2 * time.Second
)

// eventStream is the part of the Bedrock bidirectional stream the session uses
type eventStream interface {
	Send(ctx context.Context, event types.InvokeModelWithBidirectionalStreamInput) error
	Events() <-chan types.InvokeModelWithBidirectionalStreamOutput
	Close() error
	Err() error
}

// Dialer opens a bidirectional stream for a model
type Dialer func(ctx context.Context, modelID string) (eventStream, error)

// Config holds the provider settings
type Config struct {
	Region  string
	ModelID string
}

// Client implements repositories.SpeechModel for Nova Sonic
type Client struct {
	dial    Dialer
	modelID string
	logger  *zap.Logger
	now     func() time.Time
}

// NewClient creates a Nova Sonic client using the default AWS credential chain
func NewClient(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.ModelID == "" {
		cfg.ModelID = DefaultModelID
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	runtime := bedrockruntime.NewFromConfig(awsCfg)

	dial := func(ctx context.Context, modelID string) (eventStream, error) {
		out, err := runtime.InvokeModelWithBidirectionalStream(ctx, &bedrockruntime.InvokeModelWithBidirectionalStreamInput{
			ModelId: aws.String(modelID),
		})
		if err != nil {
			return nil, err
		}
		return out.GetStream(), nil
	}

	logger.Info("Nova Sonic client configured",
		zap.String("region", cfg.Region),
		zap.String("modelID", cfg.ModelID))

	return newClient(dial, cfg.ModelID, logger), nil
}

func newClient(dial Dialer, modelID string, logger *zap.Logger) *Client {
	return &Client{
		dial:    dial,
		modelID: modelID,
		logger:  logger,
		now:     time.Now,
	}
}

// Name identifies the provider
func (c *Client) Name() string {
	return "novasonic"
}

// Open starts a session: session start, prompt start, the system prompt and
// the interactive caller audio content.
func (c *Client) Open(ctx context.Context, cfg entities.SessionConfig) (repositories.ModelStream, error) {
	// The stream outlives the request context; Close ends it.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	stream, err := c.dial(streamCtx, c.modelID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open bidirectional stream: %w", err)
	}

	s := &session{
		stream:           stream,
		pump:             modelstream.NewPump(c.logger, 0),
		logger:           c.logger.With(zap.String("provider", "novasonic")),
		ctx:              streamCtx,
		cancel:           cancel,
		now:              c.now,
		promptName:       uuid.NewString(),
		audioContentName: uuid.NewString(),
	}

	systemContent := uuid.NewString()
	setup := []outboundEvent{
		sessionStartEvent(cfg),
		promptStartEvent(s.promptName, cfg),
		systemContentStartEvent(s.promptName, systemContent),
		textInputEvent(s.promptName, systemContent, cfg.SystemPrompt),
		contentEndEvent(s.promptName, systemContent),
		audioContentStartEvent(s.promptName, s.audioContentName, cfg),
	}
	for _, event := range setup {
		if err := s.send(ctx, event); err != nil {
			stream.Close()
			cancel()
			return nil, fmt.Errorf("failed to send session setup: %w", err)
		}
	}

	go s.receiveLoop()

	s.logger.Info("Nova Sonic session started",
		zap.String("promptName", s.promptName),
		zap.String("voiceID", cfg.VoiceID))
	return s, nil
}

type pendingToolUse struct {
	name string
	id   string
}

type session struct {
	stream eventStream
	pump   *modelstream.Pump
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time

	promptName       string
	audioContentName string

	sendMu    sync.Mutex
	closeOnce sync.Once

	// owned by receiveLoop
	toolUse *pendingToolUse
}

// Send forwards one caller frame as an audioInput event
func (s *session) Send(ctx context.Context, frame entities.AudioFrame) error {
	if s.pump.IsClosed() {
		return modelstream.ErrClosed
	}
	return s.send(ctx, audioInputEvent(s.promptName, s.audioContentName, audio.Encode(frame.View())))
}

// Events yields model events in receive order
func (s *session) Events() iter.Seq2[entities.ModelEvent, error] {
	return s.pump.Events()
}

// CancelTurn suppresses the rest of the current turn. The service has no
// client-side cancel; it stops talking once it hears the caller.
func (s *session) CancelTurn(ctx context.Context) error {
	return s.pump.CancelTurn()
}

// Close ends the audio content, the prompt and the session, then closes the
// stream.
func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.pump.Close()

		ctx, cancel := context.WithTimeout(s.ctx, closeTimeout)
		defer cancel()
		for _, event := range []outboundEvent{
			contentEndEvent(s.promptName, s.audioContentName),
			promptEndEvent(s.promptName),
			sessionEndEvent(),
		} {
			if sendErr := s.send(ctx, event); sendErr != nil {
				s.logger.Debug("Failed to send closing event", zap.Error(sendErr))
				break
			}
		}

		err = s.stream.Close()
		s.cancel()
		s.logger.Info("Nova Sonic session closed")
	})
	return err
}

func (s *session) send(ctx context.Context, event outboundEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.Send(ctx, &types.InvokeModelWithBidirectionalStreamInputMemberChunk{
		Value: types.BidirectionalInputPayloadPart{Bytes: payload},
	})
}

func (s *session) receiveLoop() {
	defer s.pump.Finish()

	for output := range s.stream.Events() {
		chunk, ok := output.(*types.InvokeModelWithBidirectionalStreamOutputMemberChunk)
		if !ok {
			s.logger.Debug("Skipping non-chunk stream output", zap.String("type", fmt.Sprintf("%T", output)))
			continue
		}
		if err := s.handle(chunk.Value.Bytes); err != nil {
			s.pump.Fail(err)
			return
		}
	}

	if err := s.stream.Err(); err != nil && !s.pump.IsClosed() {
		s.pump.Fail(err)
	}
}

// handle maps one service event onto model events
func (s *session) handle(data []byte) error {
	event, err := decodeInbound(data)
	if err != nil {
		return err
	}

	switch {
	case event.CompletionStart != nil:
		s.logger.Debug("Completion started", zap.String("completionID", event.CompletionStart.CompletionID))

	case event.ContentStart != nil:
		start := event.ContentStart
		if start.Type == contentTypeAudio && start.Role == roleAssistant {
			s.pump.Emit(entities.ModelEvent{Kind: entities.ModelEventTurnStarted, TurnID: start.ContentID})
		}

	case event.TextOutput != nil:
		text := event.TextOutput
		if strings.Contains(text.Content, interruptedMarker) {
			s.pump.Emit(entities.ModelEvent{Kind: entities.ModelEventTurnCancelled})
			return nil
		}
		if text.Content == "" {
			return nil
		}
		s.pump.Emit(entities.ModelEvent{
			Kind:       entities.ModelEventTranscriptionDelta,
			Transcript: &entities.Transcript{Role: mapRole(text.Role), Text: text.Content},
		})

	case event.AudioOutput != nil:
		if event.AudioOutput.Content == "" {
			return nil
		}
		s.pump.Emit(entities.ModelEvent{Kind: entities.ModelEventAudioOutput, Audio: event.AudioOutput.Content})

	case event.ToolUse != nil:
		s.toolUse = &pendingToolUse{name: event.ToolUse.ToolName, id: event.ToolUse.ToolUseID}

	case event.ContentEnd != nil:
		end := event.ContentEnd
		switch {
		case end.Type == contentTypeTool:
			return s.answerTool()
		case end.Type == contentTypeAudio && end.StopReason == stopReasonEndTurn:
			s.pump.Emit(entities.ModelEvent{Kind: entities.ModelEventTurnComplete})
		case end.Type == contentTypeAudio && end.StopReason == stopReasonInterrupted:
			s.pump.Emit(entities.ModelEvent{Kind: entities.ModelEventTurnCancelled})
		}

	case event.UsageEvent != nil:
		usage := event.UsageEvent
		s.pump.Emit(entities.ModelEvent{
			Kind: entities.ModelEventUsage,
			Usage: &entities.Usage{
				InputTokens:  usage.TotalInputTokens,
				OutputTokens: usage.TotalOutputTokens,
				TotalTokens:  usage.TotalTokens,
			},
		})

	case event.CompletionEnd != nil:
		s.pump.Emit(entities.ModelEvent{Kind: entities.ModelEventSessionEnded})

	default:
		s.logger.Debug("Skipping unknown event", zap.Int("size", len(data)))
	}
	return nil
}

// answerTool sends the result for the pending tool use
func (s *session) answerTool() error {
	pending := s.toolUse
	s.toolUse = nil
	if pending == nil {
		return &entities.ModelProtocolError{Reason: "tool content ended without a tool use"}
	}

	result := `{"error":"unknown tool"}`
	if pending.name == dateToolName {
		result = dateToolResult(s.now())
	}
	s.logger.Info("Answering tool use", zap.String("tool", pending.name), zap.String("toolUseID", pending.id))

	contentName := uuid.NewString()
	for _, event := range []outboundEvent{
		toolContentStartEvent(s.promptName, contentName, pending.id),
		toolResultEvent(s.promptName, contentName, result),
		contentEndEvent(s.promptName, contentName),
	} {
		if err := s.send(s.ctx, event); err != nil {
			if s.pump.IsClosed() {
				return nil
			}
			return fmt.Errorf("failed to send tool result: %w", err)
		}
	}
	return nil
}
