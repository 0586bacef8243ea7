// Package codegen turns the step slots authored in the editor into the
// MicroPython program the hub runs.
package codegen

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/srg/stepbot/internal/protocol"
)

// SlotType is the top-level kind of a step slot.
type SlotType string

const (
	TypeNone    SlotType = ""
	TypeAction  SlotType = "action"
	TypeInput   SlotType = "input"
	TypeSpecial SlotType = "special"
)

// SlotSubtype refines SlotType.
type SlotSubtype string

const (
	SubtypeNone   SlotSubtype = ""
	SubtypeMotor  SlotSubtype = "motor"
	SubtypeTime   SlotSubtype = "time"
	SubtypeButton SlotSubtype = "button"
	SubtypeColor  SlotSubtype = "color"
	SubtypeStop   SlotSubtype = "stop"
)

// Bounds of decoded values; anything past them leaves the slot incomplete.
const (
	MaxSpeed   = 100000
	MaxSeconds = 24 * 60 * 60
)

// MotorCommand drives one motor. Speed is signed degrees per second;
// zero stops the motor.
type MotorCommand struct {
	Port  protocol.Port `json:"port"`
	Speed int           `json:"speed"`
}

// Sensor names the port to watch for button and color waits. Color is the
// upper-case name of a hub color constant, e.g. "RED".
type Sensor struct {
	Port  protocol.Port `json:"port"`
	Color string        `json:"color,omitempty"`
}

// StepSlot is one normalized editor step. Only the fields that belong to
// the slot's subtype are set.
type StepSlot struct {
	Type    SlotType       `json:"type"`
	Subtype SlotSubtype    `json:"subtype"`
	Motors  []MotorCommand `json:"motors,omitempty"`
	Seconds float64        `json:"seconds,omitempty"`
	Sensor  *Sensor        `json:"sensor,omitempty"`
}

// Colors the hub's color module knows, by name.
var Colors = map[string]int{
	"BLACK":     0,
	"MAGENTA":   1,
	"PURPLE":    2,
	"BLUE":      3,
	"AZURE":     4,
	"TURQUOISE": 5,
	"GREEN":     6,
	"YELLOW":    7,
	"ORANGE":    8,
	"RED":       9,
	"WHITE":     10,
}

// rawSlot is a slot as the editor serializes it.
type rawSlot struct {
	Type          *string         `json:"type"`
	Subtype       *string         `json:"subtype"`
	Configuration json.RawMessage `json:"configuration"`
}

// motorConfig covers both editor encodings of a motor step.
type motorConfig struct {
	Port       json.RawMessage `json:"port"`
	ButtonType string          `json:"buttonType"`
	KnobAngle  json.RawMessage `json:"knobAngle"`
	Speed      json.RawMessage `json:"speed"`
}

type timeConfig struct {
	Seconds json.RawMessage `json:"seconds"`
}

type sensorConfig struct {
	Port  json.RawMessage `json:"port"`
	Color string          `json:"color"`
}

// ErrInvalidSteps is returned for a step document that cannot be parsed at all.
var ErrInvalidSteps = errors.New("invalid step document")

// DecodeSlots decodes a JSON array of editor slots. Only a document that is
// not a JSON array is an error; slots with unusable configuration come back
// incomplete and are skipped by Assemble.
func DecodeSlots(data []byte) ([]StepSlot, error) {
	var raw []rawSlot
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSteps, err)
	}

	slots := make([]StepSlot, 0, len(raw))
	for _, r := range raw {
		slots = append(slots, normalize(r))
	}
	return slots, nil
}

// DecodeSlotsYAML decodes the same document written as YAML.
func DecodeSlotsYAML(data []byte) ([]StepSlot, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSteps, err)
	}
	if doc == nil {
		return []StepSlot{}, nil
	}

	jsonData, err := json.Marshal(jsonCompatible(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSteps, err)
	}
	return DecodeSlots(jsonData)
}

// DecodeSlotsAuto picks JSON when the document starts with '[' and YAML otherwise.
func DecodeSlotsAuto(data []byte) ([]StepSlot, error) {
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("[")) {
		return DecodeSlots(data)
	}
	return DecodeSlotsYAML(data)
}

// jsonCompatible converts yaml maps with non-string keys.
func jsonCompatible(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, child := range t {
			t[k] = jsonCompatible(child)
		}
		return t
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, child := range t {
			m[fmt.Sprint(k)] = jsonCompatible(child)
		}
		return m
	case []interface{}:
		for i, child := range t {
			t[i] = jsonCompatible(child)
		}
		return t
	default:
		return v
	}
}

func normalize(r rawSlot) StepSlot {
	var slot StepSlot
	if r.Type != nil {
		slot.Type = SlotType(strings.ToLower(*r.Type))
	}
	if r.Subtype != nil {
		slot.Subtype = SlotSubtype(strings.ToLower(*r.Subtype))
	}

	switch slot.Subtype {
	case SubtypeMotor:
		slot.Motors = decodeMotors(r.Configuration)
	case SubtypeTime:
		var cfg timeConfig
		if json.Unmarshal(r.Configuration, &cfg) == nil {
			if s, ok := number(cfg.Seconds); ok && s > 0 && s <= MaxSeconds {
				slot.Seconds = s
			}
		}
	case SubtypeButton, SubtypeColor:
		var cfg sensorConfig
		if json.Unmarshal(r.Configuration, &cfg) != nil {
			break
		}
		port, ok := decodePort(cfg.Port)
		if !ok {
			break
		}
		sensor := &Sensor{Port: port}
		if slot.Subtype == SubtypeColor {
			name := strings.ToUpper(strings.TrimSpace(cfg.Color))
			if _, known := Colors[name]; !known {
				break
			}
			sensor.Color = name
		}
		slot.Sensor = sensor
	}
	return slot
}

// decodeMotors accepts a single motor object or an array of them.
func decodeMotors(data json.RawMessage) []MotorCommand {
	var configs []motorConfig
	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.HasPrefix(trimmed, []byte("[")):
		if json.Unmarshal(trimmed, &configs) != nil {
			return nil
		}
	case bytes.HasPrefix(trimmed, []byte("{")):
		var single motorConfig
		if json.Unmarshal(trimmed, &single) != nil {
			return nil
		}
		configs = []motorConfig{single}
	default:
		return nil
	}

	var commands []MotorCommand
	for _, cfg := range configs {
		if cmd, ok := cfg.command(); ok {
			commands = append(commands, cmd)
		}
	}
	return commands
}

// command maps GO/STOP buttons and plain speeds onto a signed speed.
func (c motorConfig) command() (MotorCommand, bool) {
	port, ok := decodePort(c.Port)
	if !ok {
		return MotorCommand{}, false
	}

	switch strings.ToUpper(c.ButtonType) {
	case "GO":
		angle, ok := speed(c.KnobAngle)
		if !ok {
			return MotorCommand{}, false
		}
		return MotorCommand{Port: port, Speed: angle}, true
	case "STOP":
		return MotorCommand{Port: port}, true
	case "":
		v, ok := speed(c.Speed)
		if !ok {
			return MotorCommand{}, false
		}
		return MotorCommand{Port: port, Speed: v}, true
	default:
		return MotorCommand{}, false
	}
}

// decodePort accepts "A".."F" or a 0-based index.
func decodePort(data json.RawMessage) (protocol.Port, bool) {
	if len(data) == 0 {
		return 0, false
	}
	var s string
	if json.Unmarshal(data, &s) == nil {
		p, err := protocol.ParsePort(s)
		return p, err == nil
	}
	var idx float64
	if json.Unmarshal(data, &idx) == nil && idx >= 0 && idx == float64(uint8(idx)) {
		return protocol.PortFromIndex(uint8(idx))
	}
	return 0, false
}

// number accepts finite JSON numbers and numeric strings.
func number(data json.RawMessage) (float64, bool) {
	if len(data) == 0 || string(bytes.TrimSpace(data)) == "null" {
		return 0, false
	}
	var f float64
	if json.Unmarshal(data, &f) != nil {
		var s string
		if json.Unmarshal(data, &s) != nil {
			return 0, false
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}
		f = v
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// speed truncates a number to an int, rejecting values past MaxSpeed.
func speed(data json.RawMessage) (int, bool) {
	f, ok := number(data)
	if !ok || math.Abs(f) > MaxSpeed {
		return 0, false
	}
	return int(f), true
}
