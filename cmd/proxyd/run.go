package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/proxygui/proxyd/internal/dispatch"
	"github.com/proxygui/proxyd/internal/ipc"
	"github.com/proxygui/proxyd/internal/log"
	"github.com/proxygui/proxyd/internal/service"
	"github.com/proxygui/proxyd/internal/worker"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func doRun(cmd *cobra.Command, args []string) error {
	attrs := slog.Group("proxyd",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx := log.ContextAttrs(cmd.Context(), attrs)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, err := service.OptionsFromConfig(config.Worker)
	if err != nil {
		return err
	}
	proto, err := service.CommandFromConfig(config.Worker)
	if err != nil {
		return err
	}

	registry := service.NewRegistry(ctx, service.CommandSpawner(proto), opts)
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := registry.Close(ctx); err != nil {
			slog.ErrorContext(ctx, "stopping services", "error", err)
		}
	}()

	health, err := service.NewHealthCheck(ctx, config.Service.Health, registry)
	if err != nil {
		return err
	}
	if health != nil {
		health.Start()
		defer func() {
			if err := health.Shutdown(); err != nil {
				slog.WarnContext(ctx, "stopping health check", "error", err)
			}
		}()
	}

	for _, s := range config.Services {
		if !s.ShouldStart() {
			continue
		}
		var cfg any
		if s.Config != nil {
			cfg = s.Config
		}
		if err := registry.Start(ctx, s.ID, cfg); err != nil {
			slog.ErrorContext(ctx, "autostart failed", "service_id", s.ID, "error", err)
		}
	}

	if !flagStdio {
		slog.InfoContext(ctx, "proxyd running", "services", len(config.Services))
		<-ctx.Done()
		return nil
	}

	// stdin EOF means the front end went away
	served := make(chan error, 1)
	go func() {
		d := dispatch.New(registry)
		served <- d.Serve(ctx, ipc.NewPipeTransport(os.Stdin, os.Stdout))
	}()
	select {
	case err := <-served:
		return err
	case <-ctx.Done():
		return nil
	}
}

func doWorker(cmd *cobra.Command, args []string) error {
	attrs := slog.Group("proxyd",
		slog.String("cmd", service.WorkerCommand),
		slog.Int("pid", os.Getpid()),
	)
	ctx := log.ContextAttrs(cmd.Context(), attrs)
	return worker.Serve(ctx, os.Stdin, os.Stdout, worker.NewRelay())
}
