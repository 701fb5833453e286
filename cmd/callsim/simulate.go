package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/internal/audio"
)

type simOptions struct {
	url          string
	callID       string
	callerID     string
	token        string
	input        string
	output       string
	toneDuration time.Duration
	linger       time.Duration
	verbose      bool
}

type simStats struct {
	FramesSent     int
	FramesReceived int64
	BytesReceived  int64
}

// simulate runs one call and returns what was exchanged
func simulate(ctx context.Context, opts simOptions, logger *zap.Logger) (simStats, error) {
	var stats simStats

	pcm, err := loadAudio(opts)
	if err != nil {
		return stats, err
	}

	header := http.Header{}
	if opts.token != "" {
		header.Set("Authorization", "Bearer "+opts.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, opts.url, header)
	if err != nil {
		if resp != nil {
			return stats, fmt.Errorf("websocket connection failed with status %d: %w", resp.StatusCode, err)
		}
		return stats, fmt.Errorf("websocket connection failed: %w", err)
	}
	defer conn.Close()

	callID := opts.callID
	if callID == "" {
		callID = uuid.NewString()
	}
	handshake := entities.HandshakeMetadata{CallID: callID, CallerID: opts.callerID}
	if err := conn.WriteJSON(handshake); err != nil {
		return stats, fmt.Errorf("failed to send handshake: %w", err)
	}
	logger.Info("Call connected", zap.String("callID", callID), zap.String("url", opts.url))

	var out *os.File
	if opts.output != "" {
		out, err = os.Create(opts.output)
		if err != nil {
			return stats, fmt.Errorf("failed to create output file: %w", err)
		}
		defer out.Close()
	}

	var framesReceived, bytesReceived atomic.Int64
	readDone := make(chan error, 1)
	go func() {
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				readDone <- err
				return
			}
			if messageType != websocket.BinaryMessage {
				logger.Debug("Ignoring text message", zap.ByteString("data", data))
				continue
			}
			framesReceived.Add(1)
			bytesReceived.Add(int64(len(data)))
			if out != nil {
				if _, err := out.Write(data); err != nil {
					readDone <- fmt.Errorf("failed to write output: %w", err)
					return
				}
			}
		}
	}()

	collect := func() simStats {
		stats.FramesReceived = framesReceived.Load()
		stats.BytesReceived = bytesReceived.Load()
		return stats
	}

	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	for offset := 0; offset+audio.FrameSize <= len(pcm); offset += audio.FrameSize {
		select {
		case <-ctx.Done():
			return collect(), hangUp(conn)
		case err := <-readDone:
			return collect(), endOfCall(err)
		case <-ticker.C:
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[offset:offset+audio.FrameSize]); err != nil {
			return collect(), fmt.Errorf("failed to send frame: %w", err)
		}
		stats.FramesSent++
	}
	logger.Info("Input finished, listening for replies", zap.Int("frames", stats.FramesSent))

	select {
	case <-ctx.Done():
	case <-time.After(opts.linger):
	case err := <-readDone:
		return collect(), endOfCall(err)
	}
	return collect(), hangUp(conn)
}

func hangUp(conn *websocket.Conn) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "caller hung up")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("failed to close call: %w", err)
	}
	return nil
}

// endOfCall treats a normal close by the server as success
func endOfCall(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return fmt.Errorf("call ended: %w", err)
}

// loadAudio reads the input file or synthesizes a tone, trimmed to whole
// frames
func loadAudio(opts simOptions) ([]byte, error) {
	if opts.input == "" {
		return tone(440, opts.toneDuration), nil
	}
	data, err := os.ReadFile(opts.input)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return data[:len(data)-len(data)%audio.FrameSize], nil
}

// tone generates a sine wave at the telephony sample rate
func tone(freq float64, d time.Duration) []byte {
	samples := int(d.Seconds() * audio.SampleRate)
	samples -= samples % (audio.FrameSize / audio.BytesPerSample)
	out := make([]byte, samples*audio.BytesPerSample)
	for i := 0; i < samples; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/audio.SampleRate))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
