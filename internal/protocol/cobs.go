package protocol

import (
	"errors"
	"fmt"
)

// Frame-level constants of the hub's COBS variant.
const (
	Delimiter    byte = 0x02 // marks the end of a frame
	NoDelimiter  byte = 0xFF // code word of a full block without an escaped delimiter
	PriorityByte byte = 0x01 // optional first byte of high-priority frames from the hub
	xorMask      byte = 0x03
)

const (
	codeOffset   = int(Delimiter)
	maxBlockSize = 84
)

// ErrMalformedFrame is returned when a frame cannot be decoded.
var ErrMalformedFrame = errors.New("malformed frame")

// Encode applies consistent overhead byte stuffing so that no byte of the
// result is less than or equal to Delimiter.
func Encode(data []byte) []byte {
	buf := make([]byte, 0, len(data)+len(data)/maxBlockSize+2)

	codeIndex, block := 0, 0
	beginBlock := func() {
		codeIndex = len(buf)
		buf = append(buf, NoDelimiter)
		block = 1
	}

	beginBlock()
	for _, b := range data {
		if b > Delimiter {
			buf = append(buf, b)
			block++
		}

		if b <= Delimiter || block > maxBlockSize {
			if b <= Delimiter {
				buf[codeIndex] = byte(int(b)*maxBlockSize + block + codeOffset)
			}
			beginBlock()
		}
	}
	buf[codeIndex] = byte(block + codeOffset)

	return buf
}

// Decode reverses Encode.
func Decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}

	buf := make([]byte, 0, len(data))

	value, escaped, block := unescape(data[0])
	for _, b := range data[1:] {
		block--
		if block > 0 {
			buf = append(buf, b)
			continue
		}

		if escaped {
			buf = append(buf, value)
		}
		value, escaped, block = unescape(b)
	}

	return buf, nil
}

// unescape splits a code word into the delimiter it stands for and the size of its block.
func unescape(code byte) (value byte, escaped bool, block int) {
	if code == NoDelimiter {
		return 0, false, maxBlockSize + 1
	}

	c := int(code) - codeOffset
	v, b := c/maxBlockSize, c%maxBlockSize
	if b == 0 {
		b = maxBlockSize
		v--
	}
	return byte(v), true, b
}

// Pack encodes a message payload into a frame ready for transmission.
func Pack(payload []byte) []byte {
	frame := Encode(payload)
	for i := range frame {
		frame[i] ^= xorMask
	}
	return append(frame, Delimiter)
}

// Unpack decodes a complete frame (including its trailing delimiter) back into
// a message payload.
func Unpack(frame []byte) ([]byte, error) {
	start := 0
	if len(frame) > 0 && frame[0] == PriorityByte {
		start = 1
	}

	end := len(frame)
	if end > start && frame[end-1] == Delimiter {
		end--
	}
	if end <= start {
		return nil, fmt.Errorf("%w: no data in frame", ErrMalformedFrame)
	}

	unframed := make([]byte, end-start)
	for i, b := range frame[start:end] {
		unframed[i] = b ^ xorMask
	}
	return Decode(unframed)
}
