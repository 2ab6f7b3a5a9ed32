//go:build linux

package observer

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// watchMask subscribes to every change kind the event vocabulary knows.
const watchMask uint32 = unix.IN_ALL_EVENTS

// inotifyEventSize is the fixed size of the inotify_event header (excl. name).
const inotifyEventSize = unix.SizeofInotifyEvent

// inotifyObserver watches one path through its own inotify instance.
//
// A self-pipe unblocks the poll(2) loop on StopWatching, so the delivery
// goroutine always exits before StopWatching returns.
type inotifyObserver struct {
	path    string
	handler Handler
	logger  *slog.Logger

	fd    int
	pipeR int
	pipeW int

	mu      sync.Mutex
	started bool
	wd      int

	wg        sync.WaitGroup
	stopOnce  sync.Once
	closeOnce sync.Once
}

// inotifyAvailable reports whether this kernel accepts inotify_init1.
func inotifyAvailable() bool {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return false
	}
	unix.Close(fd)
	return true
}

func newInotifyObserver(path string, h Handler, logger *slog.Logger) (Observer, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify observer: init: %w", err)
	}

	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_CLOEXEC); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("inotify observer: pipe2: %w", err)
	}

	return &inotifyObserver{
		path:    path,
		handler: h,
		logger:  logger,
		fd:      fd,
		pipeR:   pipeFds[0],
		pipeW:   pipeFds[1],
		wd:      -1,
	}, nil
}

// StartWatching adds the watch descriptor and starts the delivery goroutine.
func (o *inotifyObserver) StartWatching() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return nil
	}

	wd, err := unix.InotifyAddWatch(o.fd, o.path, watchMask)
	if err != nil {
		o.closeFds()
		return fmt.Errorf("inotify observer: add watch %q: %w", o.path, err)
	}
	o.wd = wd
	o.started = true

	o.wg.Add(1)
	go o.run()

	o.logger.Debug("inotify observer: watching path",
		slog.String("path", o.path),
		slog.Int("wd", wd))
	return nil
}

// StopWatching wakes the poll loop, waits for it to exit and releases the
// inotify instance. Closing the instance drops the watch descriptor.
func (o *inotifyObserver) StopWatching() {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		started := o.started
		o.mu.Unlock()

		if started {
			unix.Write(o.pipeW, []byte{0}) //nolint:errcheck
			o.wg.Wait()
		}
		o.closeFds()

		o.logger.Debug("inotify observer: stopped", slog.String("path", o.path))
	})
}

func (o *inotifyObserver) closeFds() {
	o.closeOnce.Do(func() {
		unix.Close(o.pipeW)
		unix.Close(o.pipeR)
		unix.Close(o.fd)
	})
}

func (o *inotifyObserver) run() {
	defer o.wg.Done()

	// Each event is SizeofInotifyEvent + up to NAME_MAX+1 bytes of name.
	const bufSize = 64 * (unix.SizeofInotifyEvent + 256)
	buf := make([]byte, bufSize)

	pollFds := []unix.PollFd{
		{Fd: int32(o.fd), Events: unix.POLLIN},
		{Fd: int32(o.pipeR), Events: unix.POLLIN},
	}

	for {
		_, err := unix.Poll(pollFds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			o.logger.Warn("inotify observer: poll error", slog.Any("error", err))
			return
		}

		if pollFds[1].Revents&unix.POLLIN != 0 {
			return
		}
		if pollFds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		n, err := unix.Read(o.fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			o.logger.Warn("inotify observer: read error", slog.Any("error", err))
			return
		}

		o.parseAndDispatch(buf[:n])
	}
}

// parseAndDispatch walks a buffer of packed inotify_event records:
//
//	struct inotify_event {
//	    int32_t  wd;
//	    uint32_t mask;
//	    uint32_t cookie;
//	    uint32_t len;     // length of name incl. NUL padding
//	    char     name[];
//	}
func (o *inotifyObserver) parseAndDispatch(buf []byte) {
	for offset := 0; offset+inotifyEventSize <= len(buf); {
		ev := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += inotifyEventSize

		var name string
		if ev.Len > 0 {
			if offset+int(ev.Len) > len(buf) {
				break
			}
			name = strings.TrimRight(string(buf[offset:offset+int(ev.Len)]), "\x00")
			offset += int(ev.Len)
		}

		o.dispatch(ev.Mask, name)
	}
}

func (o *inotifyObserver) dispatch(mask uint32, name string) {
	if mask&unix.IN_Q_OVERFLOW != 0 {
		o.logger.Warn("inotify observer: kernel event queue overflowed; some events were lost",
			slog.String("path", o.path))
		return
	}

	// Directory entries are reported with the same kinds as files.
	o.handler(mask&^unix.IN_ISDIR, name)
}
