// Package console collects the text a hub program prints and hands it to
// readers: a bounded history, live subscribers and an optional pseudo-terminal.
package console

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
)

// MaxBufferSize caps the history to guard against accidental misconfiguration.
const MaxBufferSize uint32 = 1024 * 1024

// Line is one complete line of hub console output.
type Line struct {
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Metrics are lock-free counters for a Log.
type Metrics struct {
	LinesWritten     int64
	LinesOverwritten int64
	Errors           int64
}

// Log assembles console notifications into lines. Text arrives in arbitrary
// fragments; a line is emitted once its newline is seen or on Flush.
//
// History is kept in an overlapped ring, so the oldest lines are dropped
// once the ring is full. All methods are thread-safe.
type Log struct {
	logger *logrus.Logger
	buffer mpmc.RichOverlappedRingBuffer[Line]

	mu      sync.Mutex
	partial strings.Builder

	subsMu sync.RWMutex
	nextID int
	subs   map[int]func(Line)

	metrics Metrics
}

// NewLog creates a Log keeping at most size lines of history.
func NewLog(size uint32, logger *logrus.Logger) (*Log, error) {
	if size == 0 {
		return nil, fmt.Errorf("buffer size must be > 0")
	}
	if size > MaxBufferSize {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", size, MaxBufferSize)
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Log{
		logger: logger,
		buffer: mpmc.NewOverlappedRingBuffer[Line](size),
		subs:   make(map[int]func(Line)),
	}, nil
}

// Append adds a fragment of console text.
func (l *Log) Append(text string) {
	if text == "" {
		return
	}

	var lines []string

	l.mu.Lock()
	for {
		i := strings.IndexByte(text, '\n')
		if i < 0 {
			l.partial.WriteString(text)
			break
		}
		l.partial.WriteString(text[:i])
		lines = append(lines, strings.TrimRight(l.partial.String(), "\r"))
		l.partial.Reset()
		text = text[i+1:]
	}
	l.mu.Unlock()

	for _, s := range lines {
		l.emit(s)
	}
}

// Write implements io.Writer on top of Append.
func (l *Log) Write(p []byte) (int, error) {
	l.Append(string(p))
	return len(p), nil
}

// Flush emits any pending partial line.
func (l *Log) Flush() {
	l.mu.Lock()
	s := strings.TrimRight(l.partial.String(), "\r")
	l.partial.Reset()
	l.mu.Unlock()

	if s != "" {
		l.emit(s)
	}
}

func (l *Log) emit(text string) {
	line := Line{Time: time.Now(), Text: text}

	overwrites, err := l.buffer.EnqueueM(line)
	if err != nil {
		atomic.AddInt64(&l.metrics.Errors, 1)
		l.logger.WithError(err).Warn("Console line dropped")
	} else {
		atomic.AddInt64(&l.metrics.LinesWritten, 1)
		atomic.AddInt64(&l.metrics.LinesOverwritten, int64(overwrites))
	}

	l.logger.WithField("line", text).Debug("Hub console")

	l.subsMu.RLock()
	subs := make([]func(Line), 0, len(l.subs))
	for _, fn := range l.subs {
		subs = append(subs, fn)
	}
	l.subsMu.RUnlock()

	for _, fn := range subs {
		fn(line)
	}
}

// Subscribe registers fn for every line emitted from now on. fn runs on the
// goroutine that appended the text and must not block.
func (l *Log) Subscribe(fn func(Line)) (unsubscribe func()) {
	l.subsMu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = fn
	l.subsMu.Unlock()

	return func() {
		l.subsMu.Lock()
		delete(l.subs, id)
		l.subsMu.Unlock()
	}
}

// Drain removes and returns every buffered line, oldest first.
func (l *Log) Drain() ([]Line, error) {
	var out []Line
	for !l.buffer.IsEmpty() {
		line, err := l.buffer.Dequeue()
		if err != nil {
			atomic.AddInt64(&l.metrics.Errors, 1)
			return out, fmt.Errorf("buffer dequeue error: %w", err)
		}
		out = append(out, line)
	}
	return out, nil
}

// DrainText drains the history as newline-terminated text.
func (l *Log) DrainText() (string, error) {
	lines, err := l.Drain()
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line.Text)
		sb.WriteByte('\n')
	}
	return sb.String(), err
}

// Cap returns the history capacity, which may be rounded up by the ring.
func (l *Log) Cap() uint32 {
	return l.buffer.Cap()
}

// Metrics returns a snapshot of the counters.
func (l *Log) Metrics() Metrics {
	return Metrics{
		LinesWritten:     atomic.LoadInt64(&l.metrics.LinesWritten),
		LinesOverwritten: atomic.LoadInt64(&l.metrics.LinesOverwritten),
		Errors:           atomic.LoadInt64(&l.metrics.Errors),
	}
}
