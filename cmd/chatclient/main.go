// chatclient is a terminal front end for the chat stream core: it opens
// one conversation against a flow gateway, reduces the event stream into
// a transcript, and maps typed lines into outbound actions.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dataelement/bisheng-sub006/internal/config"
	"github.com/dataelement/bisheng-sub006/internal/dispatch"
	"github.com/dataelement/bisheng-sub006/internal/domain/chat"
	"github.com/dataelement/bisheng-sub006/internal/domain/session"
	"github.com/dataelement/bisheng-sub006/internal/infrastructure/gateway"
	"github.com/dataelement/bisheng-sub006/internal/infrastructure/history"
	"github.com/dataelement/bisheng-sub006/internal/infrastructure/logger"
	"github.com/dataelement/bisheng-sub006/internal/infrastructure/observability"
	"github.com/dataelement/bisheng-sub006/internal/infrastructure/store"
	"github.com/dataelement/bisheng-sub006/internal/utils/idgen"
)

var (
	flagFlow   string
	flagKind   string
	flagChatID string
)

func main() {
	root := &cobra.Command{
		Use:   "chatclient",
		Short: "Interactive client for flow conversations",
		RunE:  run,
	}
	root.Flags().StringVar(&flagFlow, "flow", "", "flow id to converse with (required)")
	root.Flags().StringVar(&flagKind, "kind", "assistant", "flow kind: workflow, skill or assistant")
	root.Flags().StringVar(&flagChatID, "chat-id", "", "resume an existing conversation id")
	_ = root.MarkFlagRequired("flow")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	loadEnvFiles()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observability.Setup(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shutdown telemetry")
		}
	}()

	kind, err := parseKind(flagKind)
	if err != nil {
		return err
	}

	chatID := flagChatID
	isNew := chatID == ""
	if isNew {
		chatID, err = idgen.NewConversationID()
		if err != nil {
			return fmt.Errorf("mint conversation id: %w", err)
		}
	}

	// Wire the core: directory, hub, gateway, dispatcher, history.
	directory := store.NewMemoryStore(log)
	hub := session.NewHub(directory, log)
	gw := gateway.NewManager(gateway.Config{
		BaseURL:             cfg.GatewayURL,
		DialTimeout:         cfg.DialTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Reconnect:           cfg.Reconnect,
		ReconnectMaxElapsed: cfg.ReconnectMaxElapsed,
	}, hub, log)
	dispatcher := dispatch.New(directory, gw, log)
	pager := history.New(cfg.HistoryURL, cfg.HistoryTimeout, cfg.HistoryPageSize, log)
	janitor := store.NewJanitor(directory, gw.Close, cfg.JanitorInterval, log)

	hub.SetSender(gw)

	conv := session.New(chatID, flagFlow, kind, isNew, cfg.MailboxSize)
	if err := directory.Register(ctx, conv); err != nil {
		return fmt.Errorf("register conversation: %w", err)
	}
	conv.Start(ctx)
	janitor.Start(ctx)
	defer janitor.Stop()

	if err := gw.Connect(ctx, conv); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer gw.CloseAll()

	log.Info().
		Str("chat_id", chatID).
		Str("flow_id", flagFlow).
		Str("kind", string(kind)).
		Msg("conversation open")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveMetrics(gctx, cfg, log) })
	g.Go(func() error { return renderLoop(gctx, conv) })
	g.Go(func() error { return inputLoop(gctx, conv, dispatcher, pager, janitor, log) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func parseKind(s string) (chat.FlowKind, error) {
	switch chat.FlowKind(s) {
	case chat.KindWorkflow, chat.KindSkill, chat.KindAssistant:
		return chat.FlowKind(s), nil
	}
	return "", fmt.Errorf("unknown flow kind %q", s)
}

// serveMetrics exposes the Prometheus registry.
func serveMetrics(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr(), Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.MetricsAddr()).Msg("metrics listener up")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// renderLoop prints each new snapshot's tail. The reasoning channel is
// split out at render time, never by the reducer.
func renderLoop(ctx context.Context, conv *session.Conversation) error {
	snaps := conv.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-snaps:
			renderSnapshot(snap)
		}
	}
}

func renderSnapshot(snap session.Snapshot) {
	if n := len(snap.Messages); n > 0 {
		m := snap.Messages[n-1]
		text, reasoning := chat.SplitThink(m.Display())
		marker := "…"
		if m.End {
			marker = ""
		}
		if reasoning != "" {
			fmt.Printf("\r[%s thinking] %s\n", m.Category, reasoning)
		}
		fmt.Printf("\r[%s]%s %s\n", m.Category, marker, text)
	}
	if snap.Status.Error != "" {
		fmt.Printf("! %s\n", snap.Status.Error)
	}
	if snap.GuideWord != "" {
		fmt.Printf("(suggested: %s)\n", snap.GuideWord)
	}
}

// inputLoop maps typed lines onto dispatcher actions. Slash commands
// cover the non-utterance intents.
func inputLoop(ctx context.Context, conv *session.Conversation, d *dispatch.Dispatcher, pager *history.Client, janitor *store.Janitor, log zerolog.Logger) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var err error
		switch {
		case line == "/stop":
			err = d.Dispatch(ctx, conv.ID, dispatch.ActionStop, dispatch.Payload{})
		case line == "/restart":
			err = d.Dispatch(ctx, conv.ID, dispatch.ActionRestart, dispatch.Payload{})
		case line == "/history":
			err = fetchOlder(ctx, conv, pager)
		case line == "/close":
			// Evicts now, or defers until a streaming turn closes.
			if err = janitor.Evict(ctx, conv.ID); err == nil {
				fmt.Println("(conversation closed)")
				return nil
			}
		case strings.HasPrefix(line, "/form "):
			err = d.Dispatch(ctx, conv.ID, dispatch.ActionFormSubmit, dispatch.Payload{
				FormValues: parseFormValues(strings.TrimPrefix(line, "/form ")),
			})
		default:
			action := dispatch.ActionInput
			if conv.Kind != chat.KindWorkflow {
				action = dispatch.ActionSkillInput
			}
			err = d.Dispatch(ctx, conv.ID, action, dispatch.Payload{Text: line})
		}
		if err != nil {
			log.Warn().Err(err).Msg("dispatch failed")
		}
	}
	return scanner.Err()
}

func fetchOlder(ctx context.Context, conv *session.Conversation, pager *history.Client) error {
	if conv.HistoryEnd() {
		fmt.Println("(no more history)")
		return nil
	}
	page, end, err := pager.PageBefore(ctx, conv.FlowID, conv.ID, conv.Kind, conv.OldestMessageID())
	if err != nil {
		return err
	}
	if end {
		conv.PrependHistory(nil)
		fmt.Println("(no more history)")
		return nil
	}
	conv.PrependHistory(page)
	fmt.Printf("(loaded %d older messages)\n", len(page))
	return nil
}

func parseFormValues(s string) map[string]any {
	values := make(map[string]any)
	for _, pair := range strings.Fields(s) {
		if k, v, ok := strings.Cut(pair, "="); ok {
			values[k] = v
		}
	}
	return values
}

func loadEnvFiles() {
	paths := []string{".env", "../.env", "../../.env"}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Overload(path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}
	}
}
