package testutils

import (
	"encoding/binary"

	"github.com/srg/stepbot/internal/protocol"
)

// DeviceNotificationPayload wraps encoded sub-messages into a DeviceNotification payload.
func DeviceNotificationPayload(subMessages ...[]byte) []byte {
	var body []byte
	for _, m := range subMessages {
		body = append(body, m...)
	}
	out := []byte{byte(protocol.IDDeviceNotification)}
	out = binary.LittleEndian.AppendUint16(out, uint16(len(body)))
	return append(out, body...)
}

// MotorSubMessage encodes a motor sub-message.
func MotorSubMessage(port, kind uint8, absPos, power int16, speed int8, position int32) []byte {
	le := binary.LittleEndian
	b := []byte{byte(protocol.DeviceMessageMotor), port, kind}
	b = le.AppendUint16(b, uint16(absPos))
	b = le.AppendUint16(b, uint16(power))
	b = append(b, byte(speed))
	return le.AppendUint32(b, uint32(position))
}

// ForceSubMessage encodes a force sensor sub-message.
func ForceSubMessage(port, value uint8, pressed bool) []byte {
	p := byte(0)
	if pressed {
		p = 1
	}
	return []byte{byte(protocol.DeviceMessageForce), port, value, p}
}

// ColorSubMessage encodes a color sensor sub-message.
func ColorSubMessage(port uint8, color int8, r, g, b uint16) []byte {
	le := binary.LittleEndian
	out := []byte{byte(protocol.DeviceMessageColor), port, byte(color)}
	out = le.AppendUint16(out, r)
	out = le.AppendUint16(out, g)
	return le.AppendUint16(out, b)
}

// BatterySubMessage encodes a battery sub-message.
func BatterySubMessage(level uint8) []byte {
	return []byte{byte(protocol.DeviceMessageBattery), level}
}

// ConsolePayload encodes a console notification.
func ConsolePayload(text string) []byte {
	return append(append([]byte{byte(protocol.IDConsoleNotification)}, text...), 0x00)
}

// ProgramFlowPayload encodes a program flow notification.
func ProgramFlowPayload(stopped bool) []byte {
	b := byte(0)
	if stopped {
		b = 1
	}
	return []byte{byte(protocol.IDProgramFlowNotification), b}
}
