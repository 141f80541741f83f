package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"

	"github.com/hostbeat/agent/internal/agent"
	"github.com/hostbeat/agent/internal/graphs"
	"github.com/hostbeat/agent/internal/log"
	"github.com/hostbeat/agent/internal/model"
	"github.com/hostbeat/agent/internal/oneshot"
	"github.com/hostbeat/agent/internal/registry"
	"github.com/hostbeat/agent/internal/script"
)

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ctx = log.ContextAttrs(ctx,
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)

	store, err := registry.Open(ctx, config.DataPath)
	if err != nil {
		return fmt.Errorf("opening script registry: %w", err)
	}
	defer func() {
		_ = store.Close()
	}()

	allow := config.Allowlist()
	executor := &script.Executor{}

	var outbox model.Outbox = agent.NewWriteOutbox(os.Stdout)
	if config.ServerURL != "" {
		outbox, err = agent.NewHTTPOutbox(config.ServerURL)
		if err != nil {
			return fmt.Errorf("parsing server url: %w", err)
		}
	}

	svc := oneshot.NewService(allow, executor.Run, outbox, config.OutputLimit)
	collector := graphs.NewCollector(store, executor.Run, allow, graphs.Limits{
		OutputLimit: config.OutputLimit,
		TimeLimit:   config.ScriptTimeout,
	})
	dispatcher := agent.NewDispatcher(svc, store, collector, outbox, allow)

	scheduler, err := newScheduler(ctx, collector, dispatcher)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()

	// Commands arrive as JSON lines on stdin. Results and periodic
	// payloads leave as JSON lines on stdout, or are posted to
	// server_url when configured.
	return serve(ctx, os.Stdin, dispatcher)
}

func newScheduler(ctx context.Context, collector *graphs.Collector, dispatcher *agent.Dispatcher) (gocron.Scheduler, error) {
	tick, err := config.Collect.Interval()
	if err != nil {
		return nil, fmt.Errorf("parsing collect schedule: %w", err)
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(tick),
		gocron.NewTask(func() {
			if err := collector.Tick(ctx); err != nil {
				slog.ErrorContext(ctx, "graph collection tick failed", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing collect job: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(config.ExchangeEach),
		gocron.NewTask(func() {
			if err := dispatcher.Exchange(ctx); err != nil {
				slog.ErrorContext(ctx, "exchange failed", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing exchange job: %w", err)
	}
	return s, nil
}

func serve(ctx context.Context, r io.Reader, dispatcher *agent.Dispatcher) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var cmd model.Command
		if err := json.Unmarshal(line, &cmd); err != nil {
			slog.ErrorContext(ctx, "decoding command failed", "error", err)
			continue
		}
		if err := dispatcher.Handle(ctx, cmd); err != nil {
			slog.ErrorContext(ctx, "command failed",
				"type", cmd.Type,
				"operation_id", cmd.OperationID,
				"error", err,
			)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading commands: %w", err)
	}
	return nil
}
