package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/filemonitor/filemon/internal/event"
	"github.com/filemonitor/filemon/internal/monitor"
	"github.com/filemonitor/filemon/internal/observer"
	"github.com/filemonitor/filemon/internal/status"
)

func newWatchCmd() *cobra.Command {
	var (
		backend string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "watch <path>",
		Short: "Watch a path in the foreground and print its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("backend") {
				backend = cfg.Backend
			}
			b, err := observer.ParseBackend(backend)
			if err != nil {
				return err
			}

			logger := newLogger(cfg.LogLevel)
			factory, err := observer.NewFactory(b, logger)
			if err != nil {
				return err
			}

			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			indicator := status.NewIndicator(logger, 0)
			go printStatus(ctx, cmd.ErrOrStderr(), indicator.Subscribe(ctx))

			ctrl := monitor.New(factory, indicator, logger)
			defer ctrl.Close()

			p := &eventPrinter{w: cmd.OutOrStdout(), target: path, json: asJSON}
			if err := ctrl.Start(path, p.print); err != nil {
				return err
			}

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "auto", "observer backend: auto, inotify or fsnotify")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print events as JSON lines")
	return cmd
}

// eventPrinter writes one line per event.
type eventPrinter struct {
	mu     sync.Mutex
	w      io.Writer
	target string
	json   bool
}

var kindColors = map[event.Kind]*color.Color{
	event.Create:     color.New(color.FgGreen),
	event.MovedTo:    color.New(color.FgGreen),
	event.Delete:     color.New(color.FgRed),
	event.DeleteSelf: color.New(color.FgRed, color.Bold),
	event.MovedFrom:  color.New(color.FgRed),
	event.MoveSelf:   color.New(color.FgRed, color.Bold),
	event.Modify:     color.New(color.FgYellow),
	event.CloseWrite: color.New(color.FgYellow),
	event.Attrib:     color.New(color.FgMagenta),
}

var faint = color.New(color.Faint)

func (p *eventPrinter) print(kind event.Kind, path string) {
	ev := event.Event{Kind: kind, Path: path, Target: p.target, Time: time.Now().UTC()}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		_ = json.NewEncoder(p.w).Encode(ev)
		return
	}

	c, ok := kindColors[kind]
	if !ok {
		c = faint
	}
	if path == "" {
		path = "."
	}
	fmt.Fprintf(p.w, "%s %s %s\n", faint.Sprint(ev.Time.Format(time.TimeOnly)), c.Sprintf("%-13s", kind), path)
}

func printStatus(ctx context.Context, w io.Writer, updates <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-updates:
			if !ok {
				return
			}
			fmt.Fprintf(w, "filemon: %s\n", text)
		}
	}
}
