package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/filemonitor/filemon/internal/api"
	"github.com/filemonitor/filemon/internal/service"
)

// clientSettings resolves the control API base URL and token from flags,
// falling back to the configuration.
func clientSettings(cmd *cobra.Command) (baseURL, token string, err error) {
	addr, _ := cmd.Flags().GetString(addrFlag)
	token, _ = cmd.Flags().GetString(tokenFlag)

	if addr == "" || token == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return "", "", err
		}
		if addr == "" {
			addr = cfg.ListenAddr
		}
		if token == "" {
			token = cfg.Auth.Token
		}
	}

	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return addr, token, nil
}

func newAPIClient(cmd *cobra.Command) (*api.Client, error) {
	baseURL, token, err := clientSettings(cmd)
	if err != nil {
		return nil, err
	}
	return api.NewClient(baseURL, token), nil
}

func printSnapshot(w io.Writer, snap service.Snapshot) {
	state := color.YellowString(snap.State)
	if snap.State == service.StateWatching {
		state = color.GreenString(snap.State)
	}
	fmt.Fprintf(w, "state:  %s\n", state)
	if snap.Target != "" {
		fmt.Fprintf(w, "target: %s\n", snap.Target)
	}
	fmt.Fprintf(w, "status: %s\n", snap.Status)
	if !snap.Since.IsZero() {
		fmt.Fprintf(w, "since:  %s\n", snap.Since.Local().Format(time.RFC3339))
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			snap, err := c.State(cmd.Context())
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <path>",
		Short: "Make a running service watch path, replacing any active watch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			snap, err := c.Start(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the active watch of a running service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			snap, err := c.Stop(cmd.Context())
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func newEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Stream events and status changes from a running service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			baseURL, token, err := clientSettings(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return streamEvents(ctx, cmd.OutOrStdout(), baseURL, token)
		},
	}
}

func streamEvents(ctx context.Context, w io.Writer, baseURL, token string) error {
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("bad address %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/events"

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("connect %s: %w", u, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		var f api.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		switch f.Type {
		case api.FrameStatus:
			fmt.Fprintf(w, "%s status %s\n", f.Time.Local().Format(time.TimeOnly), color.CyanString(f.Status))
		case api.FrameEvent:
			if f.Event == nil {
				continue
			}
			path := f.Event.Path
			if path == "" {
				path = "."
			}
			fmt.Fprintf(w, "%s %-13s %s\n", f.Event.Time.Local().Format(time.TimeOnly), f.Event.Kind, path)
		}
	}
}
