package transport

import (
	"bytes"
	"sync"

	"github.com/srg/stepbot/internal/protocol"
)

// maxPendingFrame bounds the bytes buffered while waiting for a delimiter.
const maxPendingFrame = 64 * 1024

// framer reassembles delimiter-terminated frames from notification packets.
// A packet may carry part of a frame, exactly one frame, or several.
type framer struct {
	mu  sync.Mutex
	buf []byte
}

// Push appends a packet and returns every frame it completed, delimiter included.
func (f *framer) Push(packet []byte) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.buf = append(f.buf, packet...)

	var frames [][]byte
	for {
		i := bytes.IndexByte(f.buf, protocol.Delimiter)
		if i < 0 {
			break
		}
		frames = append(frames, bytes.Clone(f.buf[:i+1]))
		f.buf = f.buf[i+1:]
	}

	if len(f.buf) == 0 || len(f.buf) > maxPendingFrame {
		f.buf = nil
	}

	return frames
}

// Reset discards any partial frame.
func (f *framer) Reset() {
	f.mu.Lock()
	f.buf = nil
	f.mu.Unlock()
}
