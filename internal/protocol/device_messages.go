package protocol

import (
	"encoding/binary"
	"fmt"
)

// DeviceMessageID tags each sub-message inside a DeviceNotification payload.
type DeviceMessageID byte

const (
	DeviceMessageBattery   DeviceMessageID = 0x00
	DeviceMessageIMU       DeviceMessageID = 0x01
	DeviceMessageMatrix5x5 DeviceMessageID = 0x02
	DeviceMessageMotor     DeviceMessageID = 0x0A
	DeviceMessageForce     DeviceMessageID = 0x0B
	DeviceMessageColor     DeviceMessageID = 0x0C
	DeviceMessageDistance  DeviceMessageID = 0x0D
	DeviceMessageMatrix3x3 DeviceMessageID = 0x0E
)

// deviceMessageSizes holds the encoded size of each sub-message, ID byte included.
var deviceMessageSizes = map[DeviceMessageID]int{
	DeviceMessageBattery:   2,
	DeviceMessageIMU:       21,
	DeviceMessageMatrix5x5: 26,
	DeviceMessageMotor:     12,
	DeviceMessageForce:     4,
	DeviceMessageColor:     9,
	DeviceMessageDistance:  4,
	DeviceMessageMatrix3x3: 11,
}

var deviceMessageNames = map[DeviceMessageID]string{
	DeviceMessageBattery:   "Battery",
	DeviceMessageIMU:       "IMU",
	DeviceMessageMatrix5x5: "5x5",
	DeviceMessageMotor:     "Motor",
	DeviceMessageForce:     "Force",
	DeviceMessageColor:     "Color",
	DeviceMessageDistance:  "Distance",
	DeviceMessageMatrix3x3: "3x3",
}

func (id DeviceMessageID) String() string {
	if name, ok := deviceMessageNames[id]; ok {
		return name
	}
	return fmt.Sprintf("DeviceMessage(0x%02X)", byte(id))
}

// DeviceMessage is one decoded sub-message of a DeviceNotification.
type DeviceMessage interface {
	DeviceMessageID() DeviceMessageID
}

// BatteryMessage reports the hub battery charge in percent.
type BatteryMessage struct {
	Level uint8
}

// IMUMessage reports the hub's orientation and motion sensors.
type IMUMessage struct {
	FaceUp  uint8
	YawFace uint8
	Yaw     int16
	Pitch   int16
	Roll    int16
	AccelX  int16
	AccelY  int16
	AccelZ  int16
	GyroX   int16
	GyroY   int16
	GyroZ   int16
}

// MatrixMessage reports pixel brightness of the hub display (5x5) or an external 3x3 light matrix.
type MatrixMessage struct {
	Kind   DeviceMessageID
	Port   uint8 // 3x3 only
	Pixels []byte
}

// MotorMessage reports one motor.
type MotorMessage struct {
	Port             uint8
	DeviceKind       uint8
	AbsolutePosition int16
	Power            int16
	Speed            int8
	Position         int32
}

// ForceMessage reports one force sensor.
type ForceMessage struct {
	Port    uint8
	Value   uint8
	Pressed uint8
}

// ColorMessage reports one color sensor.
type ColorMessage struct {
	Port  uint8
	Color int8
	Red   uint16
	Green uint16
	Blue  uint16
}

// DistanceMessage reports one distance sensor. Distance is -1 when nothing is in range.
type DistanceMessage struct {
	Port     uint8
	Distance int16
}

func (BatteryMessage) DeviceMessageID() DeviceMessageID  { return DeviceMessageBattery }
func (IMUMessage) DeviceMessageID() DeviceMessageID      { return DeviceMessageIMU }
func (m MatrixMessage) DeviceMessageID() DeviceMessageID { return m.Kind }
func (MotorMessage) DeviceMessageID() DeviceMessageID    { return DeviceMessageMotor }
func (ForceMessage) DeviceMessageID() DeviceMessageID    { return DeviceMessageForce }
func (ColorMessage) DeviceMessageID() DeviceMessageID    { return DeviceMessageColor }
func (DistanceMessage) DeviceMessageID() DeviceMessageID { return DeviceMessageDistance }

// ParseDeviceMessages splits a DeviceNotification payload into sub-messages.
// Parsing stops at the first unknown or truncated sub-message since its size
// cannot be determined; everything decoded up to that point is returned.
func ParseDeviceMessages(payload []byte) []DeviceMessage {
	var msgs []DeviceMessage

	for len(payload) > 0 {
		id := DeviceMessageID(payload[0])
		size, ok := deviceMessageSizes[id]
		if !ok || len(payload) < size {
			break
		}

		msgs = append(msgs, decodeDeviceMessage(id, payload[:size]))
		payload = payload[size:]
	}

	return msgs
}

func decodeDeviceMessage(id DeviceMessageID, b []byte) DeviceMessage {
	le := binary.LittleEndian
	i16 := func(off int) int16 { return int16(le.Uint16(b[off:])) }

	switch id {
	case DeviceMessageBattery:
		return BatteryMessage{Level: b[1]}
	case DeviceMessageIMU:
		return IMUMessage{
			FaceUp:  b[1],
			YawFace: b[2],
			Yaw:     i16(3),
			Pitch:   i16(5),
			Roll:    i16(7),
			AccelX:  i16(9),
			AccelY:  i16(11),
			AccelZ:  i16(13),
			GyroX:   i16(15),
			GyroY:   i16(17),
			GyroZ:   i16(19),
		}
	case DeviceMessageMatrix5x5:
		return MatrixMessage{Kind: id, Pixels: append([]byte(nil), b[1:]...)}
	case DeviceMessageMatrix3x3:
		return MatrixMessage{Kind: id, Port: b[1], Pixels: append([]byte(nil), b[2:]...)}
	case DeviceMessageMotor:
		return MotorMessage{
			Port:             b[1],
			DeviceKind:       b[2],
			AbsolutePosition: i16(3),
			Power:            i16(5),
			Speed:            int8(b[7]),
			Position:         int32(le.Uint32(b[8:])),
		}
	case DeviceMessageForce:
		return ForceMessage{Port: b[1], Value: b[2], Pressed: b[3]}
	case DeviceMessageColor:
		return ColorMessage{
			Port:  b[1],
			Color: int8(b[2]),
			Red:   le.Uint16(b[3:]),
			Green: le.Uint16(b[5:]),
			Blue:  le.Uint16(b[7:]),
		}
	default: // DeviceMessageDistance
		return DistanceMessage{Port: b[1], Distance: i16(2)}
	}
}
