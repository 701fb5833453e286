// Package vad provides barge-in speech detectors.
package vad

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
	"github.com/satriahrh/callbridge/internal/audio"
)

const (
	defaultLanguage = "en-US"
	// frames buffered toward the recognizer before new ones are dropped
	sendBuffer = 25
)

// recognizeStream is the part of the streaming recognize client the
// detector uses
type recognizeStream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

type streamOpener func(ctx context.Context) (recognizeStream, error)

// GoogleDetectorFactory creates detectors backed by Google Cloud Speech
// voice activity events
type GoogleDetectorFactory struct {
	client    *speech.Client
	open      streamOpener
	threshold float64
	logger    *zap.Logger
}

// NewGoogleDetectorFactory creates the speech client. The energy threshold
// is used by detectors whose recognizer stream has failed.
func NewGoogleDetectorFactory(ctx context.Context, threshold float64, logger *zap.Logger) (*GoogleDetectorFactory, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	open := func(ctx context.Context) (recognizeStream, error) {
		return client.StreamingRecognize(ctx)
	}
	return &GoogleDetectorFactory{client: client, open: open, threshold: threshold, logger: logger}, nil
}

// NewDetector opens one recognizer stream for a call
func (f *GoogleDetectorFactory) NewDetector(ctx context.Context, config entities.SessionConfig) (repositories.SpeechDetector, error) {
	language := config.Language
	if language == "" {
		language = defaultLanguage
	}
	sampleRate := config.SampleRate
	if sampleRate == 0 {
		sampleRate = entities.DefaultSampleRate
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := f.open(streamCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create streaming recognize: %w", err)
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:          speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz:   int32(sampleRate),
					AudioChannelCount: int32(max(config.Channels, 1)),
					LanguageCode:      language,
				},
				InterimResults:            true,
				EnableVoiceActivityEvents: true,
			},
		},
	}); err != nil {
		stream.CloseSend()
		cancel()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	d := &GoogleDetector{
		stream:   stream,
		cancel:   cancel,
		fallback: audio.NewEnergyDetector(f.threshold),
		frames:   make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		logger:   f.logger,
	}
	d.wg.Add(2)
	go d.sendLoop()
	go d.receiveLoop()
	return d, nil
}

// Close releases the speech client
func (f *GoogleDetectorFactory) Close() error {
	if f.client == nil {
		return nil
	}
	return f.client.Close()
}

// GoogleDetector reports speech between SPEECH_ACTIVITY_BEGIN and
// SPEECH_ACTIVITY_END. Once the recognizer stream fails it falls back to the
// energy detector for the rest of the call.
type GoogleDetector struct {
	stream   recognizeStream
	cancel   context.CancelFunc
	fallback *audio.EnergyDetector
	logger   *zap.Logger

	speaking atomic.Bool
	failed   atomic.Bool

	frames    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// IsSpeech feeds the frame to the recognizer and reports the last known
// voice activity. It never blocks on the network.
func (d *GoogleDetector) IsSpeech(frame entities.AudioFrame) bool {
	if d.failed.Load() {
		return d.fallback.IsSpeech(frame)
	}
	select {
	case d.frames <- frame.Bytes():
	case <-d.done:
	default:
		d.logger.Debug("Voice activity stream behind, frame skipped")
	}
	return d.speaking.Load()
}

// Close ends the recognizer stream. Idempotent.
func (d *GoogleDetector) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
		d.cancel()
		d.wg.Wait()
	})
	return nil
}

func (d *GoogleDetector) sendLoop() {
	defer d.wg.Done()
	defer d.stream.CloseSend()

	for {
		select {
		case <-d.done:
			return
		case data := <-d.frames:
			if err := d.stream.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: data},
			}); err != nil {
				d.fail(fmt.Errorf("failed to send audio data: %w", err))
				return
			}
		}
	}
}

func (d *GoogleDetector) receiveLoop() {
	defer d.wg.Done()

	for {
		resp, err := d.stream.Recv()
		if errors.Is(err, io.EOF) {
			d.fail(err)
			return
		}
		if err != nil {
			d.fail(fmt.Errorf("failed to receive response: %w", err))
			return
		}

		switch resp.SpeechEventType {
		case speechpb.StreamingRecognizeResponse_SPEECH_ACTIVITY_BEGIN:
			d.speaking.Store(true)
		case speechpb.StreamingRecognizeResponse_SPEECH_ACTIVITY_END,
			speechpb.StreamingRecognizeResponse_SPEECH_ACTIVITY_TIMEOUT:
			d.speaking.Store(false)
		}
	}
}

func (d *GoogleDetector) fail(err error) {
	select {
	case <-d.done:
		return
	default:
	}
	if d.failed.CompareAndSwap(false, true) {
		d.speaking.Store(false)
		d.logger.Warn("Voice activity stream ended, using energy detector", zap.Error(err))
	}
}
