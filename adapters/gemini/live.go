// Package gemini implements the speech model stream on the Gemini Live API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/callbridge/adapters/modelstream"
	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
	"github.com/satriahrh/callbridge/internal/audio"
)

const (
	DefaultModel = "gemini-2.0-flash-live-001"
	DefaultVoice = "Puck"

	// Live API output rate when the MIME type does not say otherwise
	defaultOutputRate = 24000
)

// liveSession is the part of *genai.Session the adapter uses
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type connector func(ctx context.Context, model string, config *genai.LiveConnectConfig) (liveSession, error)

// LiveModel implements repositories.SpeechModel using the Gemini Live API
type LiveModel struct {
	connect connector
	model   string
	logger  *zap.Logger
}

// NewLiveModel creates a Gemini Live model
func NewLiveModel(ctx context.Context, apiKey, model string, logger *zap.Logger) (*LiveModel, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}
	if model == "" {
		model = DefaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	connect := func(ctx context.Context, model string, config *genai.LiveConnectConfig) (liveSession, error) {
		return client.Live.Connect(ctx, model, config)
	}
	return &LiveModel{connect: connect, model: model, logger: logger}, nil
}

// Name identifies the provider
func (g *LiveModel) Name() string {
	return "gemini"
}

// Open connects a live session configured for spoken replies
func (g *LiveModel) Open(ctx context.Context, cfg entities.SessionConfig) (repositories.ModelStream, error) {
	voice := cfg.VoiceID
	if voice == "" {
		voice = DefaultVoice
	}

	config := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SystemInstruction:  genai.NewContentFromText(cfg.SystemPrompt, genai.RoleUser),
		SpeechConfig: &genai.SpeechConfig{
			LanguageCode: cfg.Language,
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
		Temperature:              genai.Ptr(float32(cfg.Temperature)),
		TopP:                     genai.Ptr(float32(cfg.TopP)),
		MaxOutputTokens:          int32(cfg.MaxTokens),
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}

	// The session outlives the request context; Close ends it.
	live, err := g.connect(context.WithoutCancel(ctx), g.model, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect live session: %w", err)
	}

	s := &liveStream{
		live:   live,
		pump:   modelstream.NewPump(g.logger, 0),
		logger: g.logger.With(zap.String("provider", "gemini")),
		mime:   fmt.Sprintf("audio/pcm;rate=%d", cfg.SampleRate),
		target: cfg.SampleRate,
	}
	go s.receiveLoop()

	s.logger.Info("Gemini live session started", zap.String("model", g.model), zap.String("voice", voice))
	return s, nil
}

type liveStream struct {
	live   liveSession
	pump   *modelstream.Pump
	logger *zap.Logger
	mime   string
	target int

	sendMu    sync.Mutex
	closeOnce sync.Once

	// owned by receiveLoop
	resampler     *audio.Resampler
	resamplerRate int
}

func (s *liveStream) Send(ctx context.Context, frame entities.AudioFrame) error {
	if s.pump.IsClosed() {
		return modelstream.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: frame.Bytes(), MIMEType: s.mime},
	})
}

func (s *liveStream) Events() iter.Seq2[entities.ModelEvent, error] {
	return s.pump.Events()
}

// CancelTurn suppresses the rest of the current turn. The Live API stops
// generating by itself once it hears the caller.
func (s *liveStream) CancelTurn(ctx context.Context) error {
	return s.pump.CancelTurn()
}

func (s *liveStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.pump.Close()
		s.sendMu.Lock()
		defer s.sendMu.Unlock()
		err = s.live.Close()
		s.logger.Info("Gemini live session closed")
	})
	return err
}

func (s *liveStream) receiveLoop() {
	defer s.pump.Finish()

	for {
		msg, err := s.live.Receive()
		if err != nil {
			if s.pump.IsClosed() || errors.Is(err, io.EOF) {
				return
			}
			s.pump.Fail(err)
			return
		}
		if err := s.handle(msg); err != nil {
			s.pump.Fail(err)
			return
		}
	}
}

func (s *liveStream) handle(msg *genai.LiveServerMessage) error {
	if msg.UsageMetadata != nil {
		s.pump.Emit(entities.ModelEvent{
			Kind: entities.ModelEventUsage,
			Usage: &entities.Usage{
				InputTokens:  int64(msg.UsageMetadata.PromptTokenCount),
				OutputTokens: int64(msg.UsageMetadata.ResponseTokenCount),
				TotalTokens:  int64(msg.UsageMetadata.TotalTokenCount),
			},
		})
	}

	if msg.GoAway != nil {
		s.logger.Info("Live session going away")
		s.pump.Emit(entities.ModelEvent{Kind: entities.ModelEventSessionEnded})
		return nil
	}

	content := msg.ServerContent
	if content == nil {
		return nil
	}

	if content.InputTranscription != nil && content.InputTranscription.Text != "" {
		s.pump.Emit(entities.ModelEvent{
			Kind:       entities.ModelEventTranscriptionDelta,
			Transcript: &entities.Transcript{Role: entities.RoleUser, Text: content.InputTranscription.Text},
		})
	}

	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if !strings.HasPrefix(part.InlineData.MIMEType, "audio/pcm") {
				continue
			}
			pcm, err := s.resample(part.InlineData.MIMEType, part.InlineData.Data)
			if err != nil {
				return &entities.ModelProtocolError{Reason: "unusable audio part", Err: err}
			}
			if len(pcm) == 0 {
				continue
			}
			s.pump.Emit(entities.ModelEvent{Kind: entities.ModelEventAudioOutput, Audio: audio.Encode(pcm)})
		}
	}

	if content.OutputTranscription != nil && content.OutputTranscription.Text != "" {
		s.pump.Emit(entities.ModelEvent{
			Kind:       entities.ModelEventTranscriptionDelta,
			Transcript: &entities.Transcript{Role: entities.RoleAssistant, Text: content.OutputTranscription.Text},
		})
	}

	switch {
	case content.Interrupted:
		// Filter state from the cancelled turn must not bleed into the next.
		s.resampler = nil
		s.pump.Emit(entities.ModelEvent{Kind: entities.ModelEventTurnCancelled})
	case content.TurnComplete:
		s.pump.Emit(entities.ModelEvent{Kind: entities.ModelEventTurnComplete})
	}
	return nil
}

// resample converts model audio to the telephony rate
func (s *liveStream) resample(mimeType string, data []byte) ([]byte, error) {
	rate := parseRate(mimeType)
	if s.resampler == nil || s.resamplerRate != rate {
		resampler, err := audio.NewResampler(rate, s.target)
		if err != nil {
			return nil, err
		}
		s.resampler = resampler
		s.resamplerRate = rate
	}
	return s.resampler.Process(data)
}

// parseRate reads the rate parameter of an audio/pcm MIME type
func parseRate(mimeType string) int {
	for _, param := range strings.Split(mimeType, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && key == "rate" {
			if rate, err := strconv.Atoi(value); err == nil && rate > 0 {
				return rate
			}
		}
	}
	return defaultOutputRate
}
