package codegen

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/srg/stepbot/internal/protocol"
)

// PollInterval is how often sensor waits re-check the sensor, in milliseconds.
const PollInterval = 10

// module imports in prelude order
const (
	modPort        = "from hub import port"
	modMotor       = "import motor"
	modTime        = "import time"
	modForceSensor = "import force_sensor"
	modColorSensor = "import color_sensor"
	modColor       = "import color"
)

var preludeOrder = []string{modPort, modMotor, modTime, modForceSensor, modColorSensor, modColor}

type program struct {
	imports map[string]bool
	body    []string
}

func newProgram() *program {
	return &program{imports: map[string]bool{modPort: true, modMotor: true}}
}

func (p *program) use(modules ...string) {
	for _, m := range modules {
		p.imports[m] = true
	}
}

func (p *program) emit(format string, args ...interface{}) {
	p.body = append(p.body, fmt.Sprintf(format, args...))
}

func (p *program) slot(s StepSlot) {
	switch {
	case s.Type == TypeAction && s.Subtype == SubtypeMotor:
		for _, m := range s.Motors {
			if !m.Port.Valid() {
				continue
			}
			if m.Speed == 0 {
				p.emit("motor.stop(port.%s)", m.Port)
			} else {
				p.emit("motor.run(port.%s, %d)", m.Port, m.Speed)
			}
		}

	case s.Type == TypeInput && s.Subtype == SubtypeTime:
		if s.Seconds > 0 && s.Seconds <= MaxSeconds {
			p.use(modTime)
			p.emit("time.sleep(%s)", strconv.FormatFloat(s.Seconds, 'f', -1, 64))
		}

	case s.Type == TypeInput && s.Subtype == SubtypeButton:
		if s.Sensor == nil || !s.Sensor.Port.Valid() {
			return
		}
		p.use(modTime, modForceSensor)
		p.emit("while not force_sensor.pressed(port.%s): time.sleep_ms(%d)", s.Sensor.Port, PollInterval)

	case s.Type == TypeInput && s.Subtype == SubtypeColor:
		if s.Sensor == nil || !s.Sensor.Port.Valid() {
			return
		}
		if _, known := Colors[s.Sensor.Color]; !known {
			return
		}
		p.use(modTime, modColorSensor, modColor)
		p.emit("while color_sensor.color(port.%s) != color.%s: time.sleep_ms(%d)", s.Sensor.Port, s.Sensor.Color, PollInterval)
	}
}

// safetyStop stops every motor port; a port without a motor must not keep
// the others from stopping.
func (p *program) safetyStop() {
	for _, port := range protocol.AllPorts {
		p.emit("try: motor.stop(port.%s)", port)
		p.emit("except Exception: pass")
	}
}

func (p *program) String() string {
	lines := make([]string, 0, len(preludeOrder)+len(p.body))
	for _, m := range preludeOrder {
		if p.imports[m] {
			lines = append(lines, m)
		}
	}
	lines = append(lines, p.body...)
	return strings.Join(lines, "\n")
}

// Assemble renders slots, in order, as a hub program ending in a stop of
// every motor port. The same slots always give the same text. Special slots,
// untyped slots and slots with incomplete configuration emit nothing.
func Assemble(slots []StepSlot) string {
	p := newProgram()
	for _, s := range slots {
		p.slot(s)
	}
	p.safetyStop()
	return p.String()
}

// AssembleSlot renders the single slot at index. An out-of-range index
// yields the program for an empty sequence.
func AssembleSlot(slots []StepSlot, index int) string {
	if index < 0 || index >= len(slots) {
		return Assemble(nil)
	}
	return Assemble(slots[index : index+1])
}

// Executable reports whether the slot emits at least one instruction.
func (s StepSlot) Executable() bool {
	p := newProgram()
	p.slot(s)
	return len(p.body) > 0
}
