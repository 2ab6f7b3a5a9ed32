package monitor

import (
	"errors"
	"fmt"
)

// ErrWatchInstall is matched by errors.Is for every failure to install an
// OS-level watch.
var ErrWatchInstall = errors.New("watch install failed")

// WatchInstallError reports why Start could not watch Path. Err is the
// underlying OS error, so errors.Is(err, fs.ErrNotExist) and
// errors.Is(err, fs.ErrPermission) work on the returned value.
type WatchInstallError struct {
	Path string
	Err  error
}

func (e *WatchInstallError) Error() string {
	return fmt.Sprintf("monitor: %s for %q: %v", ErrWatchInstall, e.Path, e.Err)
}

func (e *WatchInstallError) Unwrap() []error {
	return []error{ErrWatchInstall, e.Err}
}
