package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/srg/stepbot/internal/protocol"
)

func TestFramerReassembly(t *testing.T) {
	frameA := protocol.Pack([]byte{0x47, 0x00})
	frameB := protocol.Pack([]byte{0x20, 0x01})

	tests := []struct {
		name    string
		packets [][]byte
		want    [][]byte
	}{
		{
			name:    "one frame per packet",
			packets: [][]byte{frameA},
			want:    [][]byte{frameA},
		},
		{
			name:    "frame split across packets",
			packets: [][]byte{frameA[:1], frameA[1:3], frameA[3:]},
			want:    [][]byte{frameA},
		},
		{
			name:    "two frames in one packet",
			packets: [][]byte{append(append([]byte{}, frameA...), frameB...)},
			want:    [][]byte{frameA, frameB},
		},
		{
			name:    "second frame starts mid packet",
			packets: [][]byte{append(append([]byte{}, frameA...), frameB[:2]...), frameB[2:]},
			want:    [][]byte{frameA, frameB},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f framer
			var got [][]byte
			for _, p := range tt.packets {
				got = append(got, f.Push(p)...)
			}
			assert.Equal(t, tt.want, got, "frames MUST be emitted once their delimiter arrives")
		})
	}
}

func TestFramerReset(t *testing.T) {
	var f framer
	frame := protocol.Pack([]byte{0x47, 0x00})

	assert.Empty(t, f.Push(frame[:2]))
	f.Reset()
	assert.Empty(t, f.Push(frame[2:3]), "partial data MUST be discarded by reset")
}
