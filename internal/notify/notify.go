// Package notify shows a user-facing alert for each delivered change event.
// Alerts are cosmetic: nothing else depends on whether one was shown.
package notify

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/gobwas/glob"

	"github.com/filemonitor/filemon/internal/event"
)

// Title heads every alert.
const Title = "file change"

// Options configures a Notifier.
type Options struct {
	// Allowed is the initial state of the runtime permission flag.
	Allowed bool
	// Ignore holds glob patterns matched against the event path; a match
	// suppresses the alert. '/' is the separator, so "*.swp" matches only
	// top-level files and "**.swp" matches at any depth.
	Ignore []string
	// Color enables ANSI colouring of the output.
	Color bool
}

// Notifier writes one line per alert to its writer. It is safe for
// concurrent use.
type Notifier struct {
	logger  *slog.Logger
	allowed atomic.Bool
	ignore  []glob.Glob

	mu      sync.Mutex
	w       io.Writer
	title   *color.Color
	message *color.Color
}

// New returns a Notifier writing to w. It fails when an ignore pattern does
// not compile.
func New(w io.Writer, logger *slog.Logger, opts Options) (*Notifier, error) {
	n := &Notifier{
		logger:  logger,
		w:       w,
		title:   color.New(color.FgCyan, color.Bold),
		message: color.New(color.FgYellow),
	}
	if !opts.Color {
		n.title.DisableColor()
		n.message.DisableColor()
	}
	for _, p := range opts.Ignore {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("notify: bad ignore pattern %q: %w", p, err)
		}
		n.ignore = append(n.ignore, g)
	}
	n.allowed.Store(opts.Allowed)
	return n, nil
}

// SetAllowed grants or revokes permission to show alerts.
func (n *Notifier) SetAllowed(allowed bool) {
	n.allowed.Store(allowed)
}

// Allowed reports whether alerts may be shown.
func (n *Notifier) Allowed() bool {
	return n.allowed.Load()
}

// Message formats the alert body for ev: "<path> -- <KIND>". Events on the
// watched target itself use the target's base name.
func Message(ev event.Event) string {
	path := ev.Path
	if path == "" {
		path = filepath.Base(ev.Target)
	}
	return fmt.Sprintf("%s -- %s", path, ev.Kind)
}

// Notify shows an alert for ev unless alerts are not allowed or the path is
// ignored.
func (n *Notifier) Notify(ev event.Event) {
	if !n.allowed.Load() || n.ignored(ev.Path) {
		return
	}
	msg := Message(ev)

	n.mu.Lock()
	_, err := fmt.Fprintf(n.w, "%s: %s\n", n.title.Sprint(Title), n.message.Sprint(msg))
	n.mu.Unlock()
	if err != nil {
		n.logger.Warn("notify: write failed", slog.Any("error", err))
		return
	}

	n.logger.Debug("notify: alert shown", slog.String("message", msg))
}

func (n *Notifier) ignored(path string) bool {
	if path == "" {
		return false
	}
	for _, g := range n.ignore {
		if g.Match(path) {
			return true
		}
	}
	return false
}
