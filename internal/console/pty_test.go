package console

import (
	"bufio"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestPTY(t *testing.T, opts *PTYOptions) *PTY {
	t.Helper()
	p, err := OpenPTY(opts)
	if err != nil {
		t.Skipf("pseudo-terminals unavailable: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPTYMirrorsLines(t *testing.T) {
	// GOAL: Verify console lines written to the PTY can be read from its slave device
	//
	// TEST SCENARIO: open PTY → open TTYName() → WriteLine → read the line back
	p := openTestPTY(t, nil)
	require.NotEmpty(t, p.TTYName(), "slave path MUST be known")

	reader, err := os.OpenFile(p.TTYName(), os.O_RDONLY, 0)
	if err != nil {
		t.Skipf("cannot open slave %s: %v", p.TTYName(), err)
	}
	defer reader.Close()

	got := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(reader).ReadString('\n')
		got <- line
	}()

	p.WriteLine(Line{Text: "hello hub"})

	select {
	case line := <-got:
		assert.Equal(t, "hello hub", strings.TrimRight(line, "\r\n"))
	case <-time.After(2 * time.Second):
		t.Fatal("line MUST reach the slave device")
	}

	assert.Eventually(t, func() bool {
		return p.Stats().WrittenBytes >= uint64(len("hello hub\r\n"))
	}, time.Second, 10*time.Millisecond)
}

func TestPTYWriteOverflowIsCounted(t *testing.T) {
	// GOAL: Verify writes never block and overflow is reported instead
	//
	// TEST SCENARIO: tiny queue, nobody reading → one oversized write → partial count, dropped bytes recorded
	p := openTestPTY(t, &PTYOptions{WriteCap: 8, PollTimeoutMs: 10})

	data := []byte(strings.Repeat("x", 64))
	n, err := p.Write(data)
	require.NoError(t, err)
	assert.LessOrEqual(t, n, 8, "no more than the queue capacity MUST be accepted at once")
	assert.Equal(t, uint64(len(data)-n), p.Stats().DroppedBytes)
}

func TestPTYClose(t *testing.T) {
	// GOAL: Verify Close is idempotent and later writes fail
	//
	// TEST SCENARIO: Close twice → no error → Write returns os.ErrClosed
	p := openTestPTY(t, nil)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close(), "second Close MUST be a no-op")

	_, err := p.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}
