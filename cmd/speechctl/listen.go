package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/remote"
	"github.com/loqalabs/loqa-speech/internal/stt"
	"github.com/loqalabs/loqa-speech/pkg/speech"
)

// runListen behaves like a dictation screen: it prints partial and final
// results for one session, stops on interrupt and tears the engine down on
// exit. With -wav the file is streamed to the engine as the session's audio;
// otherwise frames are expected from another publisher on the bus.
func runListen(args []string) error {
	var (
		flags    common
		lang     string
		record   bool
		duration time.Duration
		keep     bool
		wavPath  string
		realtime bool
	)
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	flags.register(fs)
	fs.StringVar(&lang, "language", "", "Recognition language to set before listening")
	fs.BoolVar(&record, "record", false, "Store the session in the local event history")
	fs.DurationVar(&duration, "duration", 0, "Stop listening after this long (0 waits for interrupt or end of speech)")
	fs.BoolVar(&keep, "keep-disposed", false, "Leave the engine destroyed on exit instead of resetting it")
	fs.StringVar(&wavPath, "wav", "", "Stream this 16-bit WAV file as the session's audio")
	fs.BoolVar(&realtime, "realtime", true, "Pace -wav frames at playback speed")
	fs.Parse(args)

	cfg, logger, err := flags.load()
	if err != nil {
		return err
	}

	var (
		pcm            []byte
		rate, channels int
	)
	if wavPath != "" {
		if pcm, rate, channels, err = loadWAV(wavPath); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, client, closeAll, err := dial(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeAll()

	bridge := speech.New(client, speech.WithLogger(logger))
	defer bridge.Close()

	if record {
		store, err := eventstore.Open(ctx, cfg.EventStore, logger)
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		defer store.Close()
		recorder := eventstore.NewRecorder(store, func() string {
			tag, _ := bridge.RecognitionLanguage(context.Background())
			return tag
		}, logger)
		recorder.Attach(bridge)
		defer recorder.Detach()
	}

	ended := make(chan struct{}, 1)
	speech.On(bridge, func(speech.Start) { fmt.Println("listening...") })
	speech.On(bridge, func(evt speech.PartialResults) { fmt.Printf("  %s\n", evt.Value) })
	speech.On(bridge, func(evt speech.Results) { fmt.Printf("> %s\n", evt.Value) })
	speech.On(bridge, func(evt speech.Error) { fmt.Fprintf(os.Stderr, "error: %s\n", evt.Message) })
	speech.On(bridge, func(speech.End) {
		fmt.Println("stopped")
		select {
		case ended <- struct{}{}:
		default:
		}
	})

	if lang != "" {
		if _, err := bridge.SetRecognitionLanguage(ctx, lang); err != nil {
			return fmt.Errorf("set language %s: %w", lang, err)
		}
	}
	if err := bridge.StartListening(ctx); err != nil {
		return fmt.Errorf("start listening: %w", err)
	}
	if wavPath != "" {
		source := "speechctl-" + uuid.NewString()
		opts := remote.StreamOptions{Realtime: realtime}
		go func() {
			if err := client.StreamPCM(ctx, source, pcm, rate, channels, opts); err != nil && ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "stream %s: %v\n", wavPath, err)
			}
		}()
	}

	var timeout <-chan time.Time
	if duration > 0 {
		timeout = time.After(duration)
	}
	finished := false
	select {
	case <-ended:
		finished = true
	case <-ctx.Done():
	case <-timeout:
	}

	teardown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if !finished {
		if err := bridge.StopListening(teardown); err != nil {
			fmt.Fprintf(os.Stderr, "stop listening: %v\n", err)
		}
		select {
		case <-ended:
		case <-teardown.Done():
		}
	}

	if err := bridge.Destroy(teardown); err != nil {
		fmt.Fprintf(os.Stderr, "destroy: %v\n", err)
	}
	for _, kind := range speech.Kinds() {
		bridge.RemoveAllListeners(kind)
	}
	if !keep {
		if err := client.Reset(teardown); err != nil {
			return fmt.Errorf("reset engine: %w", err)
		}
	}
	return nil
}

func loadWAV(path string) ([]byte, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer f.Close()
	pcm, rate, channels, err := stt.ReadWAV(f)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("read %s: %w", path, err)
	}
	return pcm, rate, channels, nil
}
