package testutils

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/go-ble/ble"
	"github.com/srg/stepbot/internal/protocol"
	"github.com/srg/stepbot/internal/transport"
	"github.com/srg/stepbot/internal/transport/goble"
)

// FakeHub is an in-memory hub that speaks the framed protocol. It implements
// transport.Dialer and transport.Link, answers every request with an
// acknowledgement by default and records what the host sent.
//
//	hub := testutils.NewFakeHub()
//	hub.Nack(protocol.IDClearSlotRequest)
//	session := transport.NewSession(hub, nil, logger)
type FakeHub struct {
	mu       sync.Mutex
	onPacket transport.PacketHandler
	inbound  [][]byte                   // host to hub packets, as written
	requests [][]byte                   // decoded request payloads
	partial  []byte
	nack     map[protocol.MessageID]int // request ID -> 1-based occurrence to reject, 0 = all
	silent   map[protocol.MessageID]bool
	counts   map[protocol.MessageID]int
	dropped  chan struct{}
	dials    int
	closes   int

	DialErr  error
	WriteErr error
	Info     protocol.InfoResponse
}

// NewFakeHub returns a hub advertising 20 byte packets and 16 byte chunks.
func NewFakeHub() *FakeHub {
	return &FakeHub{
		nack:    make(map[protocol.MessageID]int),
		silent:  make(map[protocol.MessageID]bool),
		counts:  make(map[protocol.MessageID]int),
		dropped: make(chan struct{}),
		Info: protocol.InfoResponse{
			RPCMajor:       1,
			RPCBuild:       8,
			FirmwareMajor:  1,
			FirmwareMinor:  6,
			FirmwareBuild:  62,
			MaxPacketSize:  20,
			MaxMessageSize: 512,
			MaxChunkSize:   16,
		},
	}
}

// Dial implements transport.Dialer.
func (h *FakeHub) Dial(ctx context.Context, onPacket transport.PacketHandler) (transport.Link, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.dials++
	if h.DialErr != nil {
		return nil, h.DialErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.onPacket = onPacket
	h.dropped = make(chan struct{})
	return h, nil
}

// Write implements transport.Link. Complete frames are answered synchronously.
func (h *FakeHub) Write(packet []byte) error {
	h.mu.Lock()
	if h.WriteErr != nil {
		h.mu.Unlock()
		return h.WriteErr
	}
	h.inbound = append(h.inbound, append([]byte(nil), packet...))
	h.partial = append(h.partial, packet...)

	var replies [][]byte
	for {
		i := indexOf(h.partial, protocol.Delimiter)
		if i < 0 {
			break
		}
		frame := h.partial[:i+1]
		h.partial = append([]byte(nil), h.partial[i+1:]...)

		payload, err := protocol.Unpack(frame)
		if err != nil {
			h.mu.Unlock()
			return err
		}
		h.requests = append(h.requests, payload)
		if reply := h.answer(payload); reply != nil {
			replies = append(replies, reply)
		}
	}
	onPacket := h.onPacket
	h.mu.Unlock()

	for _, reply := range replies {
		onPacket(protocol.Pack(reply))
	}
	return nil
}

// ServePeripheral makes the hub answer writes to the RX characteristic of a
// mocked BLE peripheral and reply through its TX notifications.
func (h *FakeHub) ServePeripheral(b *PeripheralDeviceBuilder) {
	h.mu.Lock()
	h.onPacket = func(packet []byte) { b.Notify(goble.TXCharUUID, packet) }
	h.mu.Unlock()

	rx := ble.MustParse(goble.RXCharUUID)
	b.OnWrite(func(uuid ble.UUID, data []byte) {
		if uuid.Equal(rx) {
			_ = h.Write(data)
		}
	})
}

// Disconnected implements transport.Link.
func (h *FakeHub) Disconnected() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close implements transport.Link.
func (h *FakeHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	return nil
}

// answer must be called with mu held.
func (h *FakeHub) answer(payload []byte) []byte {
	id := protocol.MessageID(payload[0])
	h.counts[id]++

	if h.silent[id] {
		return nil
	}

	status := byte(0x00)
	if occurrence, ok := h.nack[id]; ok && (occurrence == 0 || occurrence == h.counts[id]) {
		status = 0x01
	}

	switch id {
	case protocol.IDInfoRequest:
		return encodeInfo(h.Info)
	case protocol.IDStartFileUploadRequest:
		return []byte{byte(protocol.IDStartFileUploadResponse), status}
	case protocol.IDTransferChunkRequest:
		return []byte{byte(protocol.IDTransferChunkResponse), status}
	case protocol.IDProgramFlowRequest:
		return []byte{byte(protocol.IDProgramFlowResponse), status}
	case protocol.IDDeviceNotificationRequest:
		return []byte{byte(protocol.IDDeviceNotificationResponse), status}
	case protocol.IDClearSlotRequest:
		return []byte{byte(protocol.IDClearSlotResponse), status}
	}
	return nil
}

// Nack makes the hub reject a request. With no occurrence every request with
// that ID is rejected; otherwise only the n-th (1-based).
func (h *FakeHub) Nack(id protocol.MessageID, occurrence ...int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	if len(occurrence) > 0 {
		n = occurrence[0]
	}
	h.nack[id] = n
}

// Silence makes the hub ignore a request.
func (h *FakeHub) Silence(id protocol.MessageID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.silent[id] = true
}

// Notify sends a message payload to the host as a single packet.
func (h *FakeHub) Notify(payload []byte) {
	h.NotifyPackets(protocol.Pack(payload))
}

// NotifyPackets delivers raw packets to the host.
func (h *FakeHub) NotifyPackets(packets ...[]byte) {
	h.mu.Lock()
	onPacket := h.onPacket
	h.mu.Unlock()

	if onPacket == nil {
		panic(errors.New("FakeHub: notify before dial"))
	}
	for _, p := range packets {
		onPacket(p)
	}
}

// DropLink simulates the hub going out of range.
func (h *FakeHub) DropLink() {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.dropped:
	default:
		close(h.dropped)
	}
}

// Requests returns the decoded payloads of every request received.
func (h *FakeHub) Requests() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.requests))
	copy(out, h.requests)
	return out
}

// RequestIDs returns the IDs of every request received, in order.
func (h *FakeHub) RequestIDs() []protocol.MessageID {
	reqs := h.Requests()
	ids := make([]protocol.MessageID, len(reqs))
	for i, r := range reqs {
		ids[i] = protocol.MessageID(r[0])
	}
	return ids
}

// Packets returns every packet written by the host.
func (h *FakeHub) Packets() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.inbound))
	copy(out, h.inbound)
	return out
}

// Dials returns how many times Dial was called.
func (h *FakeHub) Dials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

// Closes returns how many times the link was closed.
func (h *FakeHub) Closes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

// Reset forgets recorded traffic.
func (h *FakeHub) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inbound = nil
	h.requests = nil
	h.counts = make(map[protocol.MessageID]int)
}

func encodeInfo(info protocol.InfoResponse) []byte {
	le := binary.LittleEndian
	b := []byte{byte(protocol.IDInfoResponse), info.RPCMajor, info.RPCMinor}
	b = le.AppendUint16(b, info.RPCBuild)
	b = append(b, info.FirmwareMajor, info.FirmwareMinor)
	b = le.AppendUint16(b, info.FirmwareBuild)
	b = le.AppendUint16(b, info.MaxPacketSize)
	b = le.AppendUint16(b, info.MaxMessageSize)
	b = le.AppendUint16(b, info.MaxChunkSize)
	return le.AppendUint16(b, info.ProductGroupDevice)
}

func indexOf(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
