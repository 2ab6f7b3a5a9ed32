package uistate

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
)

// Toggler starts and stops the watch on behalf of the UI.
type Toggler interface {
	Start(ctx context.Context, path string) error
	Stop(ctx context.Context) error
}

// Bind drives t from store until ctx is done. It reacts to edges only:
//
//   - MonitoringNow false → true: Start(MonitoredDir)
//   - MonitoredDir changed while MonitoringNow: Start(new dir)
//   - MonitoringNow true → false: Stop
//
// The first state seen is treated as a change from the Idle default, so a
// store restored with MonitoringNow set resumes watching. When Start fails,
// MonitoringNow is switched back off; a permission failure also raises
// PermissionRationale.
func Bind(ctx context.Context, store *Store, t Toggler, logger *slog.Logger) {
	var watching bool
	var dir string

	for st := range store.Subscribe(ctx) {
		switch {
		case st.MonitoringNow && (!watching || st.MonitoredDir != dir):
			if err := t.Start(ctx, st.MonitoredDir); err != nil {
				logger.Warn("uistate: start failed",
					slog.String("path", st.MonitoredDir),
					slog.Any("error", err))
				watching, dir = false, ""
				store.EnableMonitoring(false)
				if errors.Is(err, fs.ErrPermission) {
					store.ShowPermissionRationale(true)
				}
				continue
			}
			watching, dir = true, st.MonitoredDir

		case !st.MonitoringNow && watching:
			if err := t.Stop(ctx); err != nil {
				logger.Warn("uistate: stop failed", slog.Any("error", err))
			}
			watching, dir = false, ""
		}
	}
}
