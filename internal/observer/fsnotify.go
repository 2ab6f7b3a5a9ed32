package observer

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Raw codes synthesized by the fsnotify backend. They carry the same values
// the inotify backend forwards from the kernel.
const (
	codeModify     uint32 = 0x002
	codeAttrib     uint32 = 0x004
	codeMovedFrom  uint32 = 0x040
	codeCreate     uint32 = 0x100
	codeDelete     uint32 = 0x200
	codeDeleteSelf uint32 = 0x400
	codeMoveSelf   uint32 = 0x800
)

// fsnotifyObserver watches one path by name through fsnotify. It sees a
// narrower set of changes than inotify: there are no access, open or close
// notifications, and renames are only reported on the source side.
type fsnotifyObserver struct {
	path    string
	handler Handler
	logger  *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newFsnotifyObserver(path string, h Handler, logger *slog.Logger) *fsnotifyObserver {
	return &fsnotifyObserver{
		path:    filepath.Clean(path),
		handler: h,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// StartWatching creates the fsnotify watcher and adds the path.
func (o *fsnotifyObserver) StartWatching() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.watcher != nil {
		return nil
	}
	select {
	case <-o.done:
		return fmt.Errorf("fsnotify observer: %q already stopped", o.path)
	default:
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify observer: new watcher: %w", err)
	}
	if err := w.Add(o.path); err != nil {
		w.Close()
		return fmt.Errorf("fsnotify observer: add %q: %w", o.path, err)
	}
	o.watcher = w

	o.wg.Add(1)
	go o.run(w)

	o.logger.Debug("fsnotify observer: watching path", slog.String("path", o.path))
	return nil
}

// StopWatching ends the delivery loop, waits for it and closes the watcher.
func (o *fsnotifyObserver) StopWatching() {
	o.stopOnce.Do(func() {
		close(o.done)
		o.wg.Wait()

		o.mu.Lock()
		w := o.watcher
		o.mu.Unlock()

		if w != nil {
			if err := w.Close(); err != nil {
				o.logger.Warn("fsnotify observer: close failed",
					slog.String("path", o.path),
					slog.Any("error", err))
			}
		}
		o.logger.Debug("fsnotify observer: stopped", slog.String("path", o.path))
	})
}

func (o *fsnotifyObserver) run(w *fsnotify.Watcher) {
	defer o.wg.Done()

	for {
		select {
		case <-o.done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			o.dispatch(ev)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			o.logger.Warn("fsnotify observer: watcher error",
				slog.String("path", o.path),
				slog.Any("error", err))
		}
	}
}

// dispatch emits one raw code per operation bit set on ev.
func (o *fsnotifyObserver) dispatch(ev fsnotify.Event) {
	name := o.relativeName(ev.Name)
	for _, code := range codesFor(ev, name == "") {
		select {
		case <-o.done:
			return
		default:
		}
		o.handler(code, name)
	}
}

func (o *fsnotifyObserver) relativeName(eventPath string) string {
	clean := filepath.Clean(eventPath)
	if clean == o.path {
		return ""
	}
	rel, err := filepath.Rel(o.path, clean)
	if err != nil {
		return filepath.Base(clean)
	}
	return rel
}

// codesFor maps fsnotify operations to raw change codes. self is true when
// the event concerns the watched path rather than an entry inside it.
func codesFor(ev fsnotify.Event, self bool) []uint32 {
	var codes []uint32
	if ev.Has(fsnotify.Create) {
		codes = append(codes, codeCreate)
	}
	if ev.Has(fsnotify.Write) {
		codes = append(codes, codeModify)
	}
	if ev.Has(fsnotify.Chmod) {
		codes = append(codes, codeAttrib)
	}
	if ev.Has(fsnotify.Rename) {
		if self {
			codes = append(codes, codeMoveSelf)
		} else {
			codes = append(codes, codeMovedFrom)
		}
	}
	if ev.Has(fsnotify.Remove) {
		if self {
			codes = append(codes, codeDeleteSelf)
		} else {
			codes = append(codes, codeDelete)
		}
	}
	return codes
}
