// Package bridge drives one phone call between the telephony socket and the
// speech model stream.
//
// A call moves through HANDSHAKE, ACTIVE (and INTERRUPTED while the caller
// talks over the model), CLOSING and finally CLOSED or FAILED. Three
// goroutines do the work: the caller reader forwards frames to the model,
// the model receiver turns model audio into telephony frames, and the
// caller writer sends those frames back with a write deadline.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
	"github.com/satriahrh/callbridge/internal/audio"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReadTimeout      = 60 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	// DefaultOutboundQueue holds one second of model audio
	DefaultOutboundQueue = 50
)

// TelephonyConn is the subset of *websocket.Conn the bridge uses
type TelephonyConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Config holds per-call bridge settings
type Config struct {
	Session entities.SessionConfig
	// Hints fill handshake fields the carrier leaves out
	Hints entities.HandshakeMetadata

	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	OutboundQueue    int

	// Detector enables barge-in when set
	Detector repositories.SpeechDetector
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = DefaultOutboundQueue
	}
	return c
}

type outboundFrame struct {
	generation uint64
	frame      entities.AudioFrame
}

type pumpResult struct {
	pump string
	err  error
}

const (
	pumpCallerReader  = "caller_reader"
	pumpModelReceiver = "model_receiver"
	pumpCallerWriter  = "caller_writer"
)

// Bridge couples one telephony connection with one model stream
type Bridge struct {
	conn   TelephonyConn
	model  repositories.SpeechModel
	call   *entities.CallSession
	config Config
	logger *zap.Logger

	stream   repositories.ModelStream
	outbound chan outboundFrame

	// generation increases on every interruption; queued frames from an
	// older generation are dropped by the writer.
	generation atomic.Uint64
	speaking   atomic.Bool
	// interrupted wakes a receiver blocked on a full outbound queue
	interrupted chan struct{}

	releaseOnce sync.Once
}

// New creates a bridge for an accepted telephony connection
func New(
	conn TelephonyConn,
	model repositories.SpeechModel,
	call *entities.CallSession,
	config Config,
	logger *zap.Logger,
) *Bridge {
	config = config.withDefaults()
	return &Bridge{
		conn:     conn,
		model:    model,
		call:     call,
		config:   config,
		logger:   logger.With(zap.String("connectionID", call.ConnectionID)),
		outbound: make(chan outboundFrame, config.OutboundQueue),

		interrupted: make(chan struct{}, 1),
	}
}

// Call returns the session driven by this bridge
func (b *Bridge) Call() *entities.CallSession {
	return b.call
}

// Run drives the call to a terminal state. It returns nil when the call
// ends in CLOSED and the terminating error when it ends in FAILED. Both
// streams are released exactly once before Run returns.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	meta, err := b.handshake(ctx)
	if err != nil {
		return b.abort(err, websocket.ClosePolicyViolation)
	}
	b.call.Identify(meta)
	b.logger = b.logger.With(zap.String("callID", meta.CallID), zap.String("callerID", meta.CallerID))
	b.logger.Info("Call handshake completed")

	stream, err := b.model.Open(ctx, b.config.Session)
	if err != nil {
		return b.abort(&entities.TransportError{Side: entities.SideModel, Op: "open", Err: err}, websocket.CloseInternalServerErr)
	}
	b.stream = stream

	if err := b.call.Transition(entities.CallStateActive); err != nil {
		return b.abort(err, websocket.CloseInternalServerErr)
	}
	b.logger.Info("Model stream opened", zap.String("provider", b.model.Name()))

	b.conn.SetReadDeadline(time.Now().Add(b.config.ReadTimeout))
	b.conn.SetPongHandler(func(string) error {
		return b.conn.SetReadDeadline(time.Now().Add(b.config.ReadTimeout))
	})

	results := make(chan pumpResult, 3)
	var wg sync.WaitGroup
	start := func(name string, pump func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- pumpResult{pump: name, err: pump(ctx)}
		}()
	}
	start(pumpCallerReader, b.readCaller)
	start(pumpModelReceiver, b.receiveModel)
	start(pumpCallerWriter, b.writeCaller)

	for {
		select {
		case res := <-results:
			if res.pump == pumpModelReceiver && res.err == nil {
				// The writer drains what is queued, then exits.
				b.logger.Info("Model stream ended")
				continue
			}
			b.logger.Debug("Pump exited", zap.String("pump", res.pump), zap.Error(res.err))
			return b.teardown(cancel, &wg, res.err)

		case <-ctx.Done():
			b.logger.Info("Call cancelled", zap.Error(context.Cause(ctx)))
			return b.teardown(cancel, &wg, nil)
		}
	}
}

// handshake waits for the call metadata message
func (b *Bridge) handshake(ctx context.Context) (entities.HandshakeMetadata, error) {
	b.conn.SetReadDeadline(time.Now().Add(b.config.HandshakeTimeout))
	stop := context.AfterFunc(ctx, func() {
		b.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	messageType, data, err := b.conn.ReadMessage()
	if err != nil {
		return entities.HandshakeMetadata{}, &entities.HandshakeError{Reason: "no call metadata received", Err: err}
	}
	if messageType != websocket.TextMessage {
		return entities.HandshakeMetadata{}, &entities.HandshakeError{Reason: "first message is not call metadata"}
	}

	meta, err := ParseHandshake(data)
	if err != nil {
		return entities.HandshakeMetadata{}, err
	}
	meta = meta.Merge(b.config.Hints)
	if meta.CallID == "" {
		return entities.HandshakeMetadata{}, &entities.HandshakeError{Reason: "missing call id"}
	}
	if meta.CallerID == "" {
		b.logger.Warn("Call metadata has no caller id", zap.String("callID", meta.CallID))
	}
	return meta, nil
}

// readCaller forwards caller frames to the model
func (b *Bridge) readCaller(ctx context.Context) error {
	for {
		messageType, data, err := b.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || isEndOfStream(err) {
				return nil
			}
			return &entities.TransportError{Side: entities.SideTelephony, Op: "read", Err: err}
		}
		b.conn.SetReadDeadline(time.Now().Add(b.config.ReadTimeout))

		if messageType != websocket.BinaryMessage {
			b.logger.Debug("Ignoring non-audio message", zap.Int("type", messageType), zap.Int("size", len(data)))
			continue
		}

		frame, err := audio.NewFrame(entities.DirectionCallerToModel, data)
		if err != nil {
			return err
		}
		if !b.call.Accepting() {
			return nil
		}

		b.checkBargeIn(ctx, frame)

		if err := b.stream.Send(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &entities.TransportError{Side: entities.SideModel, Op: "send", Err: err}
		}
		b.call.RecordInbound(frame.Len())
	}
}

// checkBargeIn cancels the model turn when the caller speaks over it
func (b *Bridge) checkBargeIn(ctx context.Context, frame entities.AudioFrame) {
	if b.config.Detector == nil || !b.speaking.Load() {
		return
	}
	if !b.config.Detector.IsSpeech(frame) {
		return
	}
	if !b.call.TransitionIf(entities.CallStateActive, entities.CallStateInterrupted) {
		return
	}

	b.generation.Add(1)
	b.speaking.Store(false)
	select {
	case b.interrupted <- struct{}{}:
	default:
	}
	b.call.RecordInterruption()
	b.logger.Info("Caller barged in", zap.Error(entities.ErrInterrupted))

	if err := b.stream.CancelTurn(ctx); err != nil {
		b.logger.Warn("Failed to cancel model turn", zap.Error(err))
	}
}

// receiveModel turns model events into outbound frames
func (b *Bridge) receiveModel(ctx context.Context) error {
	defer close(b.outbound)

	framer := audio.NewFramer()
	var lastSeq uint64

	for event, err := range b.stream.Events() {
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var protoErr *entities.ModelProtocolError
			if errors.As(err, &protoErr) {
				return err
			}
			return &entities.TransportError{Side: entities.SideModel, Op: "receive", Err: err}
		}

		if event.Seq != 0 {
			if event.Seq <= lastSeq {
				b.logger.Warn("Model event out of sequence",
					zap.Uint64("seq", event.Seq),
					zap.Uint64("lastSeq", lastSeq))
			}
			lastSeq = event.Seq
		}

		switch event.Kind {
		case entities.ModelEventTurnStarted:
			b.speaking.Store(true)
			if b.call.TransitionIf(entities.CallStateInterrupted, entities.CallStateActive) {
				framer.Reset()
			}
			b.logger.Debug("Model turn started", zap.String("turnID", event.TurnID))

		case entities.ModelEventAudioOutput:
			// Taken before the state check so a barge-in from here on
			// leaves these frames stale.
			generation := b.generation.Load()
			if b.call.State() == entities.CallStateInterrupted {
				continue
			}
			data, err := audio.Decode(event.Audio)
			if err != nil {
				return &entities.ModelProtocolError{Reason: "undecodable audio chunk", Err: err}
			}
			b.speaking.Store(true)
			for _, frame := range framer.Write(data) {
				if b.generation.Load() != generation {
					break
				}
				if !b.enqueue(ctx, generation, frame) {
					return nil
				}
			}

		case entities.ModelEventTurnComplete:
			b.speaking.Store(false)
			b.call.RecordTurnCompleted()
			if b.call.State() == entities.CallStateInterrupted {
				framer.Reset()
				continue
			}
			if frame, ok := framer.Flush(); ok {
				if !b.enqueue(ctx, b.generation.Load(), frame) {
					return nil
				}
			}
			b.logger.Debug("Model turn completed", zap.String("turnID", event.TurnID))

		case entities.ModelEventTurnCancelled:
			b.speaking.Store(false)
			framer.Reset()
			if !b.call.TransitionIf(entities.CallStateInterrupted, entities.CallStateActive) {
				// The model detected the interruption itself.
				b.generation.Add(1)
				b.call.RecordInterruption()
			}
			b.logger.Debug("Model turn cancelled", zap.String("turnID", event.TurnID))

		case entities.ModelEventTranscriptionDelta:
			if event.Transcript != nil {
				b.logger.Debug("Transcription",
					zap.String("role", string(event.Transcript.Role)),
					zap.Int("length", len(event.Transcript.Text)))
			}

		case entities.ModelEventUsage:
			if event.Usage != nil {
				b.logger.Debug("Model usage",
					zap.Int64("inputTokens", event.Usage.InputTokens),
					zap.Int64("outputTokens", event.Usage.OutputTokens),
					zap.Int64("totalTokens", event.Usage.TotalTokens))
			}

		case entities.ModelEventSessionEnded:
			return nil

		case entities.ModelEventError:
			reason := "model reported an error"
			if event.Error != nil {
				reason = fmt.Sprintf("model error %s: %s", event.Error.Code, event.Error.Message)
			}
			return &entities.ModelProtocolError{Reason: reason}

		default:
			return &entities.ModelProtocolError{Reason: fmt.Sprintf("unexpected event kind %q", event.Kind)}
		}
	}
	return nil
}

// enqueue blocks while the outbound queue is full. A frame that goes stale
// while waiting is dropped.
func (b *Bridge) enqueue(ctx context.Context, generation uint64, frame entities.AudioFrame) bool {
	for {
		select {
		case b.outbound <- outboundFrame{generation: generation, frame: frame}:
			return true
		case <-ctx.Done():
			return false
		case <-b.interrupted:
			if b.generation.Load() != generation {
				return true
			}
		}
	}
}

// writeCaller sends queued model frames to the caller
func (b *Bridge) writeCaller(ctx context.Context) error {
	ticker := time.NewTicker(b.config.ReadTimeout * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case item, ok := <-b.outbound:
			if !ok {
				return nil
			}
			if item.generation != b.generation.Load() {
				continue
			}
			if !b.call.Accepting() {
				return nil
			}

			b.conn.SetWriteDeadline(time.Now().Add(b.config.WriteTimeout))
			if err := b.conn.WriteMessage(websocket.BinaryMessage, item.frame.View()); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return &entities.TransportError{Side: entities.SideTelephony, Op: "write", Err: err}
			}
			b.call.RecordOutbound(item.frame.Len())

		case <-ticker.C:
			b.conn.SetWriteDeadline(time.Now().Add(b.config.WriteTimeout))
			if err := b.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return &entities.TransportError{Side: entities.SideTelephony, Op: "ping", Err: err}
			}
		}
	}
}

// teardown stops the pumps, releases both streams and settles the final state
func (b *Bridge) teardown(cancel context.CancelFunc, wg *sync.WaitGroup, cause error) error {
	fatal := entities.IsFatal(cause)
	b.settle(entities.CallStateClosing)

	cancel()
	code := websocket.CloseNormalClosure
	if cause != nil {
		code = websocket.CloseInternalServerErr
	}
	b.release(code)
	wg.Wait()

	snap := b.call.Snapshot()
	fields := []zap.Field{
		zap.Int64("framesIn", snap.FramesIn),
		zap.Int64("framesOut", snap.FramesOut),
		zap.Int64("turnsCompleted", snap.TurnsCompleted),
		zap.Int64("interruptions", snap.Interruptions),
		zap.Duration("duration", b.call.Duration()),
	}

	switch {
	case fatal:
		b.settle(entities.CallStateFailed)
		b.logger.Error("Call failed", append(fields, zap.Error(cause))...)
		return cause

	case cause != nil && b.call.TurnsCompleted() == 0:
		b.settle(entities.CallStateFailed)
		b.logger.Error("Call failed before any turn completed", append(fields, zap.Error(cause))...)
		return cause

	default:
		b.settle(entities.CallStateClosed)
		if cause != nil {
			b.logger.Warn("Call closed after transport error", append(fields, zap.Error(cause))...)
		} else {
			b.logger.Info("Call closed", fields...)
		}
		return nil
	}
}

// abort ends a call that never reached ACTIVE
func (b *Bridge) abort(cause error, code int) error {
	b.settle(entities.CallStateFailed)
	b.release(code)
	b.logger.Error("Call setup failed", zap.Error(cause))
	return cause
}

func (b *Bridge) settle(state entities.CallState) {
	if err := b.call.Transition(state); err != nil {
		b.logger.Debug("State transition skipped", zap.Error(err))
	}
}

// release closes the model stream, the telephony socket and the detector
func (b *Bridge) release(code int) {
	b.releaseOnce.Do(func() {
		if b.stream != nil {
			if err := b.stream.Close(); err != nil {
				b.logger.Warn("Failed to close model stream", zap.Error(err))
			}
		}

		message := websocket.FormatCloseMessage(code, "")
		if err := b.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(b.config.WriteTimeout)); err != nil {
			b.logger.Debug("Failed to send close frame", zap.Error(err))
		}
		if err := b.conn.Close(); err != nil {
			b.logger.Debug("Failed to close telephony socket", zap.Error(err))
		}

		if b.config.Detector != nil {
			if err := b.config.Detector.Close(); err != nil {
				b.logger.Warn("Failed to close speech detector", zap.Error(err))
			}
		}
	})
}

func isEndOfStream(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, entities.ErrEndOfStream) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived)
}
