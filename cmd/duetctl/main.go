package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/duet/internal/config"
	"github.com/loqalabs/duet/internal/eventstore"
	"github.com/loqalabs/duet/internal/protocol"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath string
		limit      int
		id         string
	)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&configPath, "config", "duet.yaml", "Path to configuration file")

	listCmd := flag.NewFlagSet("conversations", flag.ExitOnError)
	listCmd.StringVar(&configPath, "config", "duet.yaml", "Path to configuration file")
	listCmd.IntVar(&limit, "limit", 20, "Maximum number of conversations to show")

	transcriptCmd := flag.NewFlagSet("transcript", flag.ExitOnError)
	transcriptCmd.StringVar(&configPath, "config", "duet.yaml", "Path to configuration file")
	transcriptCmd.StringVar(&id, "id", "", "Conversation ID")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'conversations', 'transcript' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err = runValidate(configPath); err == nil {
			fmt.Println("config valid")
		}
	case "conversations":
		listCmd.Parse(os.Args[2:])
		err = runConversations(configPath, limit, os.Stdout)
	case "transcript":
		transcriptCmd.Parse(os.Args[2:])
		err = runTranscript(configPath, id, os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(path string) error {
	_, err := config.Load(path)
	return err
}

func openStore(ctx context.Context, path string) (*eventstore.Store, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.EventStore.RetentionMode == "ephemeral" {
		return nil, fmt.Errorf("event store is ephemeral; nothing is journaled")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return eventstore.Open(ctx, cfg.EventStore, logger)
}

func runConversations(path string, limit int, w io.Writer) error {
	ctx := context.Background()
	store, err := openStore(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.ListConversations(ctx, limit)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	return writeConversations(w, list)
}

func writeConversations(w io.Writer, list []eventstore.Conversation) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMODE\tSTATUS\tREASON\tTURNS\tSTARTED")
	for _, c := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			c.ID, c.Mode, c.Status, c.EndReason, c.Turns, c.StartedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func runTranscript(path, id string, w io.Writer) error {
	if id == "" {
		return fmt.Errorf("-id is required")
	}
	ctx := context.Background()
	store, err := openStore(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.GetConversation(ctx, id); err != nil {
		return fmt.Errorf("load conversation %s: %w", id, err)
	}
	events, err := store.ListConversationEvents(ctx, id, 0)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	return writeTranscript(w, events)
}

// writeTranscript prints the completed turns of a journaled conversation.
func writeTranscript(w io.Writer, events []eventstore.Event) error {
	for _, e := range events {
		if e.Kind != string(protocol.KindTurnCompleted) {
			continue
		}
		var bus protocol.BusEvent
		if err := json.Unmarshal(e.Payload, &bus); err != nil {
			return fmt.Errorf("decode event %d: %w", e.ID, err)
		}
		if _, err := fmt.Fprintf(w, "[%d] %s: %s\n", e.Turn, e.Speaker, bus.Text); err != nil {
			return err
		}
	}
	return nil
}
