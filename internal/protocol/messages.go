package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageID is the first byte of every message payload.
type MessageID byte

const (
	IDInfoRequest                MessageID = 0x00
	IDInfoResponse               MessageID = 0x01
	IDStartFileUploadRequest     MessageID = 0x0C
	IDStartFileUploadResponse    MessageID = 0x0D
	IDTransferChunkRequest       MessageID = 0x10
	IDTransferChunkResponse      MessageID = 0x11
	IDProgramFlowRequest         MessageID = 0x1E
	IDProgramFlowResponse        MessageID = 0x1F
	IDProgramFlowNotification    MessageID = 0x20
	IDConsoleNotification        MessageID = 0x21
	IDDeviceNotificationRequest  MessageID = 0x28
	IDDeviceNotificationResponse MessageID = 0x29
	IDDeviceNotification         MessageID = 0x3C
	IDClearSlotRequest           MessageID = 0x46
	IDClearSlotResponse          MessageID = 0x47
)

var messageNames = map[MessageID]string{
	IDInfoRequest:                "InfoRequest",
	IDInfoResponse:               "InfoResponse",
	IDStartFileUploadRequest:     "StartFileUploadRequest",
	IDStartFileUploadResponse:    "StartFileUploadResponse",
	IDTransferChunkRequest:       "TransferChunkRequest",
	IDTransferChunkResponse:      "TransferChunkResponse",
	IDProgramFlowRequest:         "ProgramFlowRequest",
	IDProgramFlowResponse:        "ProgramFlowResponse",
	IDProgramFlowNotification:    "ProgramFlowNotification",
	IDConsoleNotification:        "ConsoleNotification",
	IDDeviceNotificationRequest:  "DeviceNotificationRequest",
	IDDeviceNotificationResponse: "DeviceNotificationResponse",
	IDDeviceNotification:         "DeviceNotification",
	IDClearSlotRequest:           "ClearSlotRequest",
	IDClearSlotResponse:          "ClearSlotResponse",
}

func (id MessageID) String() string {
	if name, ok := messageNames[id]; ok {
		return name
	}
	return fmt.Sprintf("Message(0x%02X)", byte(id))
}

const (
	// MaxFileNameLength is the longest upload file name the hub accepts, excluding the NUL terminator.
	MaxFileNameLength = 31
	// MaxSlot is the highest program slot on the hub.
	MaxSlot = 19

	statusAck byte = 0x00
)

var (
	ErrUnknownMessage = errors.New("unknown message")
	ErrShortMessage   = errors.New("message too short")
)

// Message is any decoded hub message.
type Message interface {
	ID() MessageID
}

// Request is a message the host sends to the hub.
type Request interface {
	Message
	Serialize() ([]byte, error)
}

// Response is the hub's reply to a Request.
type Response interface {
	Message
	Acknowledged() bool
}

// InfoRequest asks the hub for firmware versions and transfer limits.
type InfoRequest struct{}

func (InfoRequest) ID() MessageID { return IDInfoRequest }

func (InfoRequest) Serialize() ([]byte, error) {
	return []byte{byte(IDInfoRequest)}, nil
}

// InfoResponse carries the hub's protocol version and size limits.
type InfoResponse struct {
	RPCMajor           uint8
	RPCMinor           uint8
	RPCBuild           uint16
	FirmwareMajor      uint8
	FirmwareMinor      uint8
	FirmwareBuild      uint16
	MaxPacketSize      uint16
	MaxMessageSize     uint16
	MaxChunkSize       uint16
	ProductGroupDevice uint16
}

const infoResponseSize = 17

func (InfoResponse) ID() MessageID { return IDInfoResponse }

func (r *InfoResponse) Acknowledged() bool { return true }

// RPCVersion returns the protocol version as major.minor.build.
func (r *InfoResponse) RPCVersion() string {
	return fmt.Sprintf("%d.%d.%d", r.RPCMajor, r.RPCMinor, r.RPCBuild)
}

// FirmwareVersion returns the firmware version as major.minor.build.
func (r *InfoResponse) FirmwareVersion() string {
	return fmt.Sprintf("%d.%d.%d", r.FirmwareMajor, r.FirmwareMinor, r.FirmwareBuild)
}

func decodeInfoResponse(data []byte) (*InfoResponse, error) {
	if len(data) < infoResponseSize {
		return nil, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortMessage, IDInfoResponse, infoResponseSize, len(data))
	}
	le := binary.LittleEndian
	return &InfoResponse{
		RPCMajor:           data[1],
		RPCMinor:           data[2],
		RPCBuild:           le.Uint16(data[3:]),
		FirmwareMajor:      data[5],
		FirmwareMinor:      data[6],
		FirmwareBuild:      le.Uint16(data[7:]),
		MaxPacketSize:      le.Uint16(data[9:]),
		MaxMessageSize:     le.Uint16(data[11:]),
		MaxChunkSize:       le.Uint16(data[13:]),
		ProductGroupDevice: le.Uint16(data[15:]),
	}, nil
}

// StartFileUploadRequest announces a program file about to be transferred into a slot.
type StartFileUploadRequest struct {
	FileName string
	Slot     uint8
	CRC      uint32
}

func (StartFileUploadRequest) ID() MessageID { return IDStartFileUploadRequest }

func (r StartFileUploadRequest) Serialize() ([]byte, error) {
	if len(r.FileName) == 0 {
		return nil, errors.New("file name is empty")
	}
	if len(r.FileName) > MaxFileNameLength {
		return nil, fmt.Errorf("file name %q is longer than %d bytes", r.FileName, MaxFileNameLength)
	}
	if r.Slot > MaxSlot {
		return nil, fmt.Errorf("slot %d out of range 0..%d", r.Slot, MaxSlot)
	}

	buf := make([]byte, 0, 1+len(r.FileName)+1+1+4)
	buf = append(buf, byte(IDStartFileUploadRequest))
	buf = append(buf, r.FileName...)
	buf = append(buf, 0x00, r.Slot)
	return binary.LittleEndian.AppendUint32(buf, r.CRC), nil
}

// TransferChunkRequest carries one piece of an upload and the CRC of everything sent so far.
type TransferChunkRequest struct {
	RunningCRC uint32
	Payload    []byte
}

func (TransferChunkRequest) ID() MessageID { return IDTransferChunkRequest }

func (r TransferChunkRequest) Serialize() ([]byte, error) {
	if len(r.Payload) > 0xFFFF {
		return nil, fmt.Errorf("chunk of %d bytes exceeds the 16-bit size field", len(r.Payload))
	}

	buf := make([]byte, 0, 1+4+2+len(r.Payload))
	buf = append(buf, byte(IDTransferChunkRequest))
	buf = binary.LittleEndian.AppendUint32(buf, r.RunningCRC)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(r.Payload)))
	return append(buf, r.Payload...), nil
}

// ProgramFlowRequest starts or stops the program stored in a slot.
type ProgramFlowRequest struct {
	Stop bool
	Slot uint8
}

func (ProgramFlowRequest) ID() MessageID { return IDProgramFlowRequest }

func (r ProgramFlowRequest) Serialize() ([]byte, error) {
	if r.Slot > MaxSlot {
		return nil, fmt.Errorf("slot %d out of range 0..%d", r.Slot, MaxSlot)
	}
	return []byte{byte(IDProgramFlowRequest), boolByte(r.Stop), r.Slot}, nil
}

// DeviceNotificationRequest enables periodic DeviceNotification messages.
// An interval of zero disables them.
type DeviceNotificationRequest struct {
	IntervalMS uint16
}

func (DeviceNotificationRequest) ID() MessageID { return IDDeviceNotificationRequest }

func (r DeviceNotificationRequest) Serialize() ([]byte, error) {
	return binary.LittleEndian.AppendUint16([]byte{byte(IDDeviceNotificationRequest)}, r.IntervalMS), nil
}

// ClearSlotRequest erases the program stored in a slot.
type ClearSlotRequest struct {
	Slot uint8
}

func (ClearSlotRequest) ID() MessageID { return IDClearSlotRequest }

func (r ClearSlotRequest) Serialize() ([]byte, error) {
	if r.Slot > MaxSlot {
		return nil, fmt.Errorf("slot %d out of range 0..%d", r.Slot, MaxSlot)
	}
	return []byte{byte(IDClearSlotRequest), r.Slot}, nil
}

// StartFileUploadResponse acknowledges a StartFileUploadRequest.
type StartFileUploadResponse struct{ Success bool }

func (StartFileUploadResponse) ID() MessageID         { return IDStartFileUploadResponse }
func (r *StartFileUploadResponse) Acknowledged() bool { return r.Success }

// TransferChunkResponse acknowledges a TransferChunkRequest.
type TransferChunkResponse struct{ Success bool }

func (TransferChunkResponse) ID() MessageID         { return IDTransferChunkResponse }
func (r *TransferChunkResponse) Acknowledged() bool { return r.Success }

// ProgramFlowResponse acknowledges a ProgramFlowRequest.
type ProgramFlowResponse struct{ Success bool }

func (ProgramFlowResponse) ID() MessageID         { return IDProgramFlowResponse }
func (r *ProgramFlowResponse) Acknowledged() bool { return r.Success }

// DeviceNotificationResponse acknowledges a DeviceNotificationRequest.
type DeviceNotificationResponse struct{ Success bool }

func (DeviceNotificationResponse) ID() MessageID         { return IDDeviceNotificationResponse }
func (r *DeviceNotificationResponse) Acknowledged() bool { return r.Success }

// ClearSlotResponse acknowledges a ClearSlotRequest.
type ClearSlotResponse struct{ Success bool }

func (ClearSlotResponse) ID() MessageID         { return IDClearSlotResponse }
func (r *ClearSlotResponse) Acknowledged() bool { return r.Success }

// ProgramFlowNotification is sent by the hub when a program starts or stops on its own.
type ProgramFlowNotification struct {
	Stop bool
}

func (ProgramFlowNotification) ID() MessageID { return IDProgramFlowNotification }

// ConsoleNotification carries text printed by the running program.
type ConsoleNotification struct {
	Text string
}

func (ConsoleNotification) ID() MessageID { return IDConsoleNotification }

// DeviceNotification is the periodic snapshot of the hub and its attached devices.
type DeviceNotification struct {
	Payload  []byte
	Messages []DeviceMessage
}

func (DeviceNotification) ID() MessageID { return IDDeviceNotification }

func decodeDeviceNotification(data []byte) (*DeviceNotification, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("%w: %s needs at least 3 bytes, got %d", ErrShortMessage, IDDeviceNotification, len(data))
	}

	size := int(binary.LittleEndian.Uint16(data[1:]))
	payload := data[3:]
	if size < len(payload) {
		payload = payload[:size]
	}
	payload = bytes.Clone(payload)

	return &DeviceNotification{
		Payload:  payload,
		Messages: ParseDeviceMessages(payload),
	}, nil
}

// Deserialize decodes a message payload produced by Unpack.
func Deserialize(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrShortMessage)
	}

	id := MessageID(data[0])
	switch id {
	case IDInfoResponse:
		return decodeInfoResponse(data)
	case IDDeviceNotification:
		return decodeDeviceNotification(data)
	case IDConsoleNotification:
		text := data[1:]
		if i := bytes.IndexByte(text, 0x00); i >= 0 {
			text = text[:i]
		}
		return &ConsoleNotification{Text: string(text)}, nil
	}

	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %s needs at least 2 bytes", ErrShortMessage, id)
	}
	success := data[1] == statusAck

	switch id {
	case IDStartFileUploadResponse:
		return &StartFileUploadResponse{Success: success}, nil
	case IDTransferChunkResponse:
		return &TransferChunkResponse{Success: success}, nil
	case IDProgramFlowResponse:
		return &ProgramFlowResponse{Success: success}, nil
	case IDDeviceNotificationResponse:
		return &DeviceNotificationResponse{Success: success}, nil
	case IDClearSlotResponse:
		return &ClearSlotResponse{Success: success}, nil
	case IDProgramFlowNotification:
		return &ProgramFlowNotification{Stop: data[1] != 0}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
}

// IsNotification reports whether messages with this ID arrive unsolicited.
func (id MessageID) IsNotification() bool {
	switch id {
	case IDDeviceNotification, IDConsoleNotification, IDProgramFlowNotification:
		return true
	}
	return false
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
