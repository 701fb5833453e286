// Command callsim plays the carrier side of a call against a running
// callbridge server.
//
// Usage:
//
//	callsim --url ws://localhost:8080/ws --call-id abc --in caller.pcm --out reply.pcm
//
// Input is raw 16 kHz 16-bit mono little-endian PCM. Without --in a 440 Hz
// tone is streamed.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var opts simOptions

var rootCmd = &cobra.Command{
	Use:   "callsim",
	Short: "Simulate a telephony carrier audio stream",
	Long: `Dial the websocket endpoint, send the call metadata handshake, stream
caller audio in 640-byte frames every 20ms and record the audio that comes
back.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, _ := zap.NewDevelopment()
		if !opts.verbose {
			logger, _ = zap.NewProduction()
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		stats, err := simulate(ctx, opts, logger)
		fmt.Fprintf(cmd.OutOrStdout(), "sent %d frames, received %d frames (%d bytes)\n",
			stats.FramesSent, stats.FramesReceived, stats.BytesReceived)
		return err
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&opts.url, "url", "ws://localhost:8080/ws", "websocket endpoint")
	flags.StringVar(&opts.callID, "call-id", "", "call id sent in the handshake (random when empty)")
	flags.StringVar(&opts.callerID, "caller-id", "+15550000000", "caller id sent in the handshake")
	flags.StringVar(&opts.token, "token", "", "connection token sent as a bearer token")
	flags.StringVarP(&opts.input, "in", "i", "", "raw PCM file to stream")
	flags.StringVarP(&opts.output, "out", "o", "", "file to write received PCM to")
	flags.DurationVar(&opts.toneDuration, "tone", 3*time.Second, "tone length when no input file is given")
	flags.DurationVar(&opts.linger, "linger", 5*time.Second, "time to keep listening after the input ends")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "development logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
