package protocol

import (
	"fmt"
	"strings"
)

// Port is a hub port letter, A through F.
type Port byte

const (
	PortA Port = 'A'
	PortB Port = 'B'
	PortC Port = 'C'
	PortD Port = 'D'
	PortE Port = 'E'
	PortF Port = 'F'
)

// PortCount is the number of device ports on the hub.
const PortCount = 6

// AllPorts lists every hub port in display order.
var AllPorts = [PortCount]Port{PortA, PortB, PortC, PortD, PortE, PortF}

// PortFromIndex maps a wire port index (0..5) to its letter.
func PortFromIndex(index uint8) (Port, bool) {
	if index >= PortCount {
		return 0, false
	}
	return Port('A' + index), true
}

// ParsePort accepts a single port letter in either case.
func ParsePort(s string) (Port, error) {
	s = strings.TrimSpace(s)
	if len(s) != 1 {
		return 0, fmt.Errorf("invalid port %q: want a letter A-F", s)
	}
	p := Port(strings.ToUpper(s)[0])
	if !p.Valid() {
		return 0, fmt.Errorf("invalid port %q: want a letter A-F", s)
	}
	return p, nil
}

// Valid reports whether p is one of A..F.
func (p Port) Valid() bool {
	return p >= PortA && p <= PortF
}

// Index returns the wire index of the port.
func (p Port) Index() uint8 {
	return uint8(p - PortA)
}

func (p Port) String() string {
	if !p.Valid() {
		return fmt.Sprintf("Port(%d)", byte(p))
	}
	return string(rune(p))
}

func (p Port) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid port %d", byte(p))
	}
	return []byte{byte(p)}, nil
}

func (p *Port) UnmarshalText(text []byte) error {
	parsed, err := ParsePort(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// DeviceType identifies the kind of device attached to a port.
type DeviceType uint8

const (
	DeviceTypeMotor          DeviceType = 0x30
	DeviceTypeForceSensor    DeviceType = 0x3C
	DeviceTypeColorSensor    DeviceType = 0x3D
	DeviceTypeDistanceSensor DeviceType = 0x3E
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeMotor:
		return "motor"
	case DeviceTypeForceSensor:
		return "force_sensor"
	case DeviceTypeColorSensor:
		return "color_sensor"
	case DeviceTypeDistanceSensor:
		return "distance_sensor"
	default:
		return fmt.Sprintf("device(0x%02X)", uint8(t))
	}
}

func (t DeviceType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// MotorState is the last reported motor telemetry.
type MotorState struct {
	Kind             uint8 `json:"kind"`
	Speed            int   `json:"speed"`
	Position         int   `json:"position"`
	AbsolutePosition int   `json:"absolutePosition"`
	Power            int   `json:"power"`
}

// ForceState is the last reported force sensor reading.
type ForceState struct {
	PressureDetected bool `json:"pressureDetected"`
	MeasuredValue    int  `json:"measuredValue"`
}

// ColorState is the last reported color sensor reading.
type ColorState struct {
	Color int `json:"color"`
	Red   int `json:"red"`
	Green int `json:"green"`
	Blue  int `json:"blue"`
}

// DistanceState is the last reported distance sensor reading.
type DistanceState struct {
	Distance int `json:"distance"`
}

// PortState is what the core knows about a single port.
type PortState struct {
	Port       Port           `json:"port"`
	DeviceType DeviceType     `json:"deviceType"`
	Connected  bool           `json:"connected"`
	Motor      *MotorState    `json:"motor,omitempty"`
	Force      *ForceState    `json:"force,omitempty"`
	Color      *ColorState    `json:"color,omitempty"`
	Distance   *DistanceState `json:"distance,omitempty"`
}

// Clone returns a deep copy so readers never share memory with the store.
func (s *PortState) Clone() *PortState {
	if s == nil {
		return nil
	}
	c := *s
	if s.Motor != nil {
		m := *s.Motor
		c.Motor = &m
	}
	if s.Force != nil {
		f := *s.Force
		c.Force = &f
	}
	if s.Color != nil {
		col := *s.Color
		c.Color = &col
	}
	if s.Distance != nil {
		d := *s.Distance
		c.Distance = &d
	}
	return &c
}

// DecodePortStates turns a device notification into per-port state fragments.
// Only ports mentioned in the notification are present in the result. Hub-level
// sub-messages (battery, IMU, display) carry no port and are skipped.
func DecodePortStates(n *DeviceNotification) map[Port]*PortState {
	states := make(map[Port]*PortState)
	if n == nil {
		return states
	}

	for _, msg := range n.Messages {
		var (
			index uint8
			state *PortState
		)

		switch m := msg.(type) {
		case MotorMessage:
			index = m.Port
			state = &PortState{
				DeviceType: DeviceTypeMotor,
				Motor: &MotorState{
					Kind:             m.DeviceKind,
					Speed:            int(m.Speed),
					Position:         int(m.Position),
					AbsolutePosition: int(m.AbsolutePosition),
					Power:            int(m.Power),
				},
			}
		case ForceMessage:
			index = m.Port
			state = &PortState{
				DeviceType: DeviceTypeForceSensor,
				Force: &ForceState{
					PressureDetected: m.Pressed == 1,
					MeasuredValue:    int(m.Value),
				},
			}
		case ColorMessage:
			index = m.Port
			state = &PortState{
				DeviceType: DeviceTypeColorSensor,
				Color: &ColorState{
					Color: int(m.Color),
					Red:   int(m.Red),
					Green: int(m.Green),
					Blue:  int(m.Blue),
				},
			}
		case DistanceMessage:
			index = m.Port
			state = &PortState{
				DeviceType: DeviceTypeDistanceSensor,
				Distance:   &DistanceState{Distance: int(m.Distance)},
			}
		default:
			continue
		}

		port, ok := PortFromIndex(index)
		if !ok {
			continue
		}
		state.Port = port
		state.Connected = true
		states[port] = state
	}

	return states
}
