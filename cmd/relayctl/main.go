// relayctl streams an audio file to a transcript relay and prints the
// transcript as it arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/interviewkit/transcript-relay/internal/audio"
	"github.com/interviewkit/transcript-relay/internal/client"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		url      string
		file     string
		frameMS  int
		rawRate  int
		linger   time.Duration
		partials bool
		fast     bool
	)

	flagSet := pflag.NewFlagSet("relayctl", pflag.ContinueOnError)
	flagSet.StringVarP(&url, "url", "u", "ws://localhost:8080/api/socket", "relay websocket URL")
	flagSet.StringVarP(&file, "file", "f", "", "WAV or raw 16-bit PCM file to stream (- for stdin)")
	flagSet.IntVar(&frameMS, "frame-ms", 100, "audio per frame, in milliseconds")
	flagSet.IntVar(&rawRate, "raw-rate", audio.TargetSampleRate, "sample rate of headerless PCM input (8000 or 16000)")
	flagSet.DurationVar(&linger, "linger", 3*time.Second, "how long to wait for final transcripts after the audio ends")
	flagSet.BoolVar(&partials, "partials", false, "print partial transcripts as they arrive")
	flagSet.BoolVar(&fast, "fast", false, "send audio as fast as possible instead of in real time")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if file == "" {
		return fmt.Errorf("--file is required")
	}

	mic := audio.NewFileMicrophone(file,
		audio.WithFrameDuration(time.Duration(frameMS)*time.Millisecond),
		audio.WithRawSampleRate(rawRate),
		audio.WithRealtime(!fast),
	)

	c := client.New(url, mic, client.WithTranscriptHandler(func(text string, final bool) {
		if final {
			fmt.Println(text)
		} else if partials {
			fmt.Fprintf(os.Stderr, "... %s\n", text)
		}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := c.Start(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("%s: %w", c.Status(), err)
	}
	defer c.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-c.CaptureDone():
		select {
		case <-time.After(linger):
		case <-sigChan:
		}
	case <-sigChan:
	}

	if s := c.Status(); s != client.StatusStreaming {
		fmt.Fprintf(os.Stderr, "%s: %s\n", s, c.Detail())
	}
	if err := c.Stop(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d segments, %d words\n", len(c.Transcript()), len(strings.Fields(strings.Join(c.Transcript(), " "))))
	return nil
}
