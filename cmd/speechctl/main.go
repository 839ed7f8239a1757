package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/remote"
)

var version = "0.1.0-dev"

const usage = "expected 'listen', 'languages', 'history', 'engines', 'reset' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "listen":
		err = runListen(os.Args[2:])
	case "languages":
		err = runLanguages(os.Args[2:])
	case "history":
		err = runHistory(os.Args[2:])
	case "engines":
		err = runEngines(os.Args[2:])
	case "reset":
		err = runReset(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// common holds the flags every subcommand accepts.
type common struct {
	configPath string
	prefix     string
	verbose    bool
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to configuration file (defaults and SPEECH_* env when empty)")
	fs.StringVar(&c.prefix, "prefix", "", "Engine subject prefix (overrides engine.subject_prefix)")
	fs.BoolVar(&c.verbose, "v", false, "Log debug output to stderr")
}

func (c *common) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return cfg, nil, err
	}
	if c.prefix != "" {
		cfg.Engine.SubjectPrefix = c.prefix
	}
	var logger *slog.Logger
	if c.verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	} else {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return cfg, logger, nil
}

// dial connects to the bus and to the engine under the configured prefix.
// The returned close func releases both.
func dial(ctx context.Context, cfg config.Config, logger *slog.Logger) (*bus.Client, *remote.Client, func(), error) {
	busClient, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	client, err := remote.Dial(busClient, cfg.Engine.SubjectPrefix, logger)
	if err != nil {
		busClient.Close()
		return nil, nil, nil, err
	}
	return busClient, client, func() {
		client.Close()
		busClient.Close()
	}, nil
}
