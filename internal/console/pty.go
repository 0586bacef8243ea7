package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/stepbot/internal/groutine"
)

// DefaultPollTimeoutMs bounds how long the write loop waits before checking
// for shutdown.
const DefaultPollTimeoutMs = 50

// PTYOptions configure a console PTY. Zero values use defaults.
type PTYOptions struct {
	WriteCap      int // bytes queued for the terminal before new output is dropped
	PollTimeoutMs int
	Logger        *logrus.Logger
	OnError       func(err error) // called at most once if the write loop dies
}

// PTYStats are runtime counters of a PTY.
type PTYStats struct {
	QueueLen     int
	QueueCap     int
	DroppedBytes uint64
	WrittenBytes uint64
}

// PTY mirrors console output onto a pseudo-terminal, so any terminal program
// (screen, minicom, cat) can watch the hub console at TTYName().
//
// Writes never block: bytes are queued in a ring and written by a background
// loop. When the queue is full the excess is dropped and counted.
type PTY struct {
	logger  *logrus.Logger
	master  *os.File
	slave   *os.File
	ttyName string
	onError func(err error)
	errOnce sync.Once

	pollTimeoutMs int
	queue         *ringbuffer.RingBuffer

	ctx    context.Context
	cancel context.CancelFunc
	done   <-chan struct{}

	closed  uint32
	dropped uint64
	written uint64
}

// OpenPTY creates the pseudo-terminal pair and starts the write loop.
func OpenPTY(opts *PTYOptions) (*PTY, error) {
	if opts == nil {
		opts = &PTYOptions{}
	}
	writeCap := opts.WriteCap
	if writeCap <= 0 {
		writeCap = 64 * 1024
	}
	pollTimeout := opts.PollTimeoutMs
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeoutMs
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	master, slave, err := createPTY()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PTY{
		logger:        logger,
		master:        master,
		slave:         slave,
		ttyName:       slave.Name(),
		onError:       opts.OnError,
		pollTimeoutMs: pollTimeout,
		queue:         ringbuffer.New(writeCap),
		ctx:           ctx,
		cancel:        cancel,
	}

	p.done = groutine.Go(ctx, "console-pty-write-loop", func(ctx context.Context) {
		p.writeLoop(ctx)
	})

	logger.WithField("tty", p.ttyName).Info("Console PTY opened")
	return p, nil
}

// TTYName is the slave device path, e.g. /dev/pts/5.
func (p *PTY) TTYName() string {
	return p.ttyName
}

// Write queues data for the terminal. It returns the number of bytes queued,
// which is less than len(data) when the queue overflows.
func (p *PTY) Write(data []byte) (int, error) {
	if atomic.LoadUint32(&p.closed) == 1 {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	n, err := p.queue.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return n, err
	}
	if n < len(data) {
		dropped := len(data) - n
		atomic.AddUint64(&p.dropped, uint64(dropped))
		p.logger.WithFields(logrus.Fields{
			"dropped": dropped,
			"queued":  n,
		}).Warn("Console PTY queue overflow")
	}
	return n, nil
}

// WriteLine queues a console line followed by CRLF; the slave is in raw mode.
func (p *PTY) WriteLine(line Line) {
	_, _ = p.Write([]byte(line.Text + "\r\n"))
}

func (p *PTY) writeLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("console PTY write loop panicked (recovered): %v", r)
		}
	}()

	master := p.master
	pollFd := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)
	idle := time.Duration(p.pollTimeoutMs) * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := p.queue.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.logger.WithError(err).Warn("Console PTY queue read failed")
			continue
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idle):
			}
			continue
		}

		offset := 0
		for offset < n {
			w, err := master.Write(buf[offset:n])
			if w > 0 {
				offset += w
				atomic.AddUint64(&p.written, uint64(w))
			}
			if err == nil {
				continue
			}

			switch {
			case errors.Is(err, syscall.EINTR):
				continue
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK):
				if ctx.Err() != nil {
					return
				}
				if _, pollErr := unix.Poll(pollFd, p.pollTimeoutMs); pollErr != nil && !errors.Is(pollErr, syscall.EINTR) {
					p.logger.WithError(pollErr).Warn("Console PTY poll failed")
				}
				continue
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
				return
			default:
				p.logger.WithError(err).Warn("Console PTY write loop exiting")
				if p.onError != nil {
					p.errOnce.Do(func() {
						p.onError(fmt.Errorf("console PTY write failed: %w", err))
					})
				}
				return
			}
		}
	}
}

// Stats returns a snapshot of the counters.
func (p *PTY) Stats() PTYStats {
	return PTYStats{
		QueueLen:     p.queue.Length(),
		QueueCap:     p.queue.Capacity(),
		DroppedBytes: atomic.LoadUint64(&p.dropped),
		WrittenBytes: atomic.LoadUint64(&p.written),
	}
}

// Close stops the write loop and closes both ends.
func (p *PTY) Close() error {
	if !atomic.CompareAndSwapUint32(&p.closed, 0, 1) {
		return nil
	}

	p.cancel()

	var errs []error
	if err := p.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY master: %w", err))
	}
	if err := p.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY slave: %w", err))
	}

	timeout := time.Duration(p.pollTimeoutMs)*time.Millisecond + time.Second
	select {
	case <-p.done:
	case <-time.After(timeout):
		p.logger.WithField("tty", p.ttyName).Warn("Console PTY write loop did not exit in time")
	}

	return errors.Join(errs...)
}

// createPTY opens a pty pair with a raw slave and a non-blocking master.
func createPTY() (master *os.File, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	fail := func(what string, cause error) (*os.File, *os.File, error) {
		name := slave.Name()
		cleanup := errors.Join(master.Close(), slave.Close())
		if cleanup != nil {
			return nil, nil, fmt.Errorf("failed to set PTY %s to %s: %w (cleanup errors: %v)", name, what, cause, cleanup)
		}
		return nil, nil, fmt.Errorf("failed to set PTY %s to %s: %w", name, what, cause)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail("raw mode", err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return fail("nonblocking mode", err)
	}

	return master, slave, nil
}
