package bridge

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/callbridge/adapters/modelstream"
	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
	"github.com/satriahrh/callbridge/internal/audio"
)

var errConnClosed = errors.New("use of closed network connection")

type wsMessage struct {
	messageType int
	data        []byte
	err         error
}

// fakeConn is an in-memory telephony socket
type fakeConn struct {
	inbound chan wsMessage
	closeCh chan struct{}

	mu               sync.Mutex
	written          []wsMessage
	controls         []int
	closeCount       int
	writesAfterClose int
	readDeadline     time.Time
	closed           bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan wsMessage, 64),
		closeCh: make(chan struct{}),
	}
}

func (c *fakeConn) pushText(data string) {
	c.inbound <- wsMessage{messageType: websocket.TextMessage, data: []byte(data)}
}

func (c *fakeConn) pushBinary(data []byte) {
	c.inbound <- wsMessage{messageType: websocket.BinaryMessage, data: data}
}

func (c *fakeConn) pushError(err error) {
	c.inbound <- wsMessage{err: err}
}

// hangUp simulates the carrier closing the socket normally
func (c *fakeConn) hangUp() {
	c.pushError(&websocket.CloseError{Code: websocket.CloseNormalClosure})
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.inbound:
			if msg.err != nil {
				return 0, nil, msg.err
			}
			return msg.messageType, msg.data, nil
		case <-c.closeCh:
			return 0, nil, errConnClosed
		case <-ticker.C:
			c.mu.Lock()
			deadline := c.readDeadline
			c.mu.Unlock()
			if !deadline.IsZero() && time.Now().After(deadline) {
				return 0, nil, errors.New("i/o timeout")
			}
		}
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.writesAfterClose++
		return errConnClosed
	}
	c.written = append(c.written, wsMessage{messageType: messageType, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	c.controls = append(c.controls, messageType)
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *fakeConn) SetPongHandler(h func(appData string) error) {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	if !c.closed {
		c.closed = true
		close(c.closeCh)
	}
	return nil
}

// binaryWritten returns the audio frames written to the caller
func (c *fakeConn) binaryWritten() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, msg := range c.written {
		if msg.messageType == websocket.BinaryMessage {
			out = append(out, msg.data)
		}
	}
	return out
}

func (c *fakeConn) stats() (closeCount, writesAfterClose int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount, c.writesAfterClose
}

// stallingConn holds every audio write until release is called
type stallingConn struct {
	*fakeConn
	gate    chan struct{}
	waiting atomic.Int32
	once    sync.Once
}

func newStallingConn() *stallingConn {
	return &stallingConn{fakeConn: newFakeConn(), gate: make(chan struct{})}
}

func (c *stallingConn) WriteMessage(messageType int, data []byte) error {
	if messageType == websocket.BinaryMessage {
		c.waiting.Add(1)
		defer c.waiting.Add(-1)
		select {
		case <-c.gate:
		case <-c.closeCh:
			return errConnClosed
		}
	}
	return c.fakeConn.WriteMessage(messageType, data)
}

func (c *stallingConn) release() {
	c.once.Do(func() { close(c.gate) })
}

// fakeStream records frames and delivers scripted events through a pump
type fakeStream struct {
	pump   *modelstream.Pump
	onSend func(n int, s *fakeStream)

	mu              sync.Mutex
	sent            []entities.AudioFrame
	closed          bool
	closeCount      int
	cancelCount     int
	sendsAfterClose int
}

func newFakeStream(t *testing.T) *fakeStream {
	return &fakeStream{pump: modelstream.NewPump(zaptest.NewLogger(t), 64)}
}

func (s *fakeStream) Send(ctx context.Context, frame entities.AudioFrame) error {
	s.mu.Lock()
	if s.closed {
		s.sendsAfterClose++
		s.mu.Unlock()
		return modelstream.ErrClosed
	}
	s.sent = append(s.sent, frame)
	n := len(s.sent)
	s.mu.Unlock()

	if s.onSend != nil {
		s.onSend(n, s)
	}
	return nil
}

func (s *fakeStream) Events() iter.Seq2[entities.ModelEvent, error] {
	return s.pump.Events()
}

func (s *fakeStream) CancelTurn(ctx context.Context) error {
	s.mu.Lock()
	s.cancelCount++
	s.mu.Unlock()
	return s.pump.CancelTurn()
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	s.closed = true
	s.pump.Close()
	return nil
}

func (s *fakeStream) emitAudio(fill byte) {
	s.pump.Emit(entities.ModelEvent{
		Kind:  entities.ModelEventAudioOutput,
		Audio: audio.Encode(bytes.Repeat([]byte{fill}, audio.FrameSize)),
	})
}

// emitPCM delivers raw model audio of any length
func (s *fakeStream) emitPCM(data []byte) bool {
	return s.pump.Emit(entities.ModelEvent{Kind: entities.ModelEventAudioOutput, Audio: audio.Encode(data)})
}

func (s *fakeStream) emit(kind entities.ModelEventKind) {
	s.pump.Emit(entities.ModelEvent{Kind: kind})
}

func (s *fakeStream) snapshot() (sent []entities.AudioFrame, closeCount, cancelCount, sendsAfterClose int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entities.AudioFrame(nil), s.sent...), s.closeCount, s.cancelCount, s.sendsAfterClose
}

type fakeModel struct {
	stream  *fakeStream
	openErr error

	mu      sync.Mutex
	opens   int
	configs []entities.SessionConfig
}

func (m *fakeModel) Open(ctx context.Context, config entities.SessionConfig) (repositories.ModelStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	m.configs = append(m.configs, config)
	if m.openErr != nil {
		return nil, m.openErr
	}
	return m.stream, nil
}

func (m *fakeModel) Name() string { return "fake" }

func (m *fakeModel) openCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// loudDetector classifies every frame as speech
type loudDetector struct {
	mu     sync.Mutex
	closed int
}

func (d *loudDetector) IsSpeech(entities.AudioFrame) bool { return true }

func (d *loudDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func frameOf(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, audio.FrameSize)
}

func testSession() entities.SessionConfig {
	return entities.SessionConfig{
		VoiceID:      "tiffany",
		SystemPrompt: "You are a friendly phone assistant.",
		SampleRate:   entities.DefaultSampleRate,
		BitDepth:     entities.DefaultBitDepth,
		Channels:     entities.DefaultChannels,
		MaxTokens:    1024,
		TopP:         0.9,
		Temperature:  0.7,
	}
}

type runResult struct {
	err error
}

func startBridge(t *testing.T, conn TelephonyConn, model *fakeModel, config Config) (*Bridge, <-chan runResult) {
	t.Helper()
	if config.Session.VoiceID == "" {
		config.Session = testSession()
	}
	b := New(conn, model, entities.NewCallSession("conn-test"), config, zaptest.NewLogger(t))
	done := make(chan runResult, 1)
	go func() {
		done <- runResult{err: b.Run(context.Background())}
	}()
	return b, done
}

func waitRun(t *testing.T, done <-chan runResult) error {
	t.Helper()
	select {
	case res := <-done:
		return res.err
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not finish")
		return nil
	}
}
