package testutils

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

// TestHelper bundles the per-test logger.
type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	logs   *syncBuffer
}

// NewTestHelper creates a helper whose logger records debug output in memory.
// The output is printed only when the test fails.
func NewTestHelper(t *testing.T) *TestHelper {
	buf := &syncBuffer{}

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	logger.SetOutput(buf)
	logger.SetFormatter(&logrus.TextFormatter{DisableColors: true, DisableTimestamp: true})

	t.Cleanup(func() {
		if t.Failed() {
			t.Logf("captured logs:\n%s", buf.String())
		}
	})

	return &TestHelper{T: t, Logger: logger, logs: buf}
}

// Logs returns everything logged so far.
func (h *TestHelper) Logs() string {
	return h.logs.String()
}

// LogContains reports whether any log line contains substr.
func (h *TestHelper) LogContains(substr string) bool {
	return strings.Contains(h.logs.String(), substr)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
