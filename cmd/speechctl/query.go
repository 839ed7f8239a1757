package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speech/internal/capability"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/pkg/speech"
)

func runLanguages(args []string) error {
	var flags common
	fs := flag.NewFlagSet("languages", flag.ExitOnError)
	flags.register(fs)
	fs.Parse(args)

	cfg, logger, err := flags.load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	_, client, closeAll, err := dial(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeAll()

	bridge := speech.New(client, speech.WithLogger(logger))
	defer bridge.Close()

	current, err := bridge.RecognitionLanguage(ctx)
	if err != nil {
		return err
	}
	languages, err := bridge.SupportedLanguages(ctx)
	if err != nil {
		return err
	}
	available, err := bridge.IsRecognitionAvailable(ctx)
	if err != nil {
		return err
	}

	for _, tag := range languages {
		marker := " "
		if tag == current {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, tag)
	}
	if !available {
		fmt.Println("recognition unavailable")
	}
	return nil
}

func runReset(args []string) error {
	var flags common
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	flags.register(fs)
	fs.Parse(args)

	cfg, logger, err := flags.load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	_, client, closeAll, err := dial(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeAll()
	return client.Reset(ctx)
}

func runHistory(args []string) error {
	var (
		flags   common
		session string
		limit   int
	)
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	flags.register(fs)
	fs.StringVar(&session, "session", "", "Show the events of one session")
	fs.IntVar(&limit, "limit", 20, "Maximum rows to show")
	fs.Parse(args)

	cfg, logger, err := flags.load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	if session != "" {
		events, err := store.ListSessionEvents(ctx, session, limit)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "TIME\tKIND\tPAYLOAD")
		for _, evt := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\n", evt.CreatedAt.Format(time.RFC3339), evt.Kind, evt.Payload)
		}
		return nil
	}

	sessions, err := store.ListSessions(ctx, limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "SESSION\tLANGUAGE\tOUTCOME\tEVENTS\tSTARTED\tDURATION")
	for _, s := range sessions {
		duration := "-"
		if !s.EndedAt.IsZero() {
			duration = s.EndedAt.Sub(s.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", s.ID, s.Language, s.Outcome, s.Events, s.StartedAt.Format(time.RFC3339), duration)
	}
	return nil
}

func runEngines(args []string) error {
	var (
		flags common
		wait  time.Duration
		lang  string
	)
	fs := flag.NewFlagSet("engines", flag.ExitOnError)
	flags.register(fs)
	fs.DurationVar(&wait, "wait", 500*time.Millisecond, "How long to collect announcements")
	fs.StringVar(&lang, "language", "", "Only list engines supporting this language")
	fs.Parse(args)

	cfg, logger, err := flags.load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	busClient, _, closeAll, err := dial(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeAll()

	node := cfg.Node
	node.ID = "speechctl-" + uuid.NewString()
	directory, err := capability.NewDirectory(ctx, node, busClient, logger)
	if err != nil {
		return err
	}
	defer directory.Close()

	if err := directory.Discover(); err != nil {
		return err
	}
	time.Sleep(wait)

	var filters []func(capability.EngineInfo) bool
	if lang != "" {
		filters = append(filters, capability.WithLanguage(lang))
	}
	engines := directory.Query(filters...)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "NODE\tPREFIX\tLANGUAGE\tSUPPORTED\tHEALTHY")
	for _, e := range engines {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", e.NodeID, e.Prefix, e.Language, strings.Join(e.Languages, ","), e.Healthy)
	}
	return nil
}
