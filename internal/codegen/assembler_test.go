package codegen_test

import (
	"strings"
	"testing"

	"github.com/srg/stepbot/internal/codegen"
	"github.com/srg/stepbot/internal/protocol"
	"github.com/srg/stepbot/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const safetyStop = `try: motor.stop(port.A)
except Exception: pass
try: motor.stop(port.B)
except Exception: pass
try: motor.stop(port.C)
except Exception: pass
try: motor.stop(port.D)
except Exception: pass
try: motor.stop(port.E)
except Exception: pass
try: motor.stop(port.F)
except Exception: pass`

func TestAssembleGoOnA(t *testing.T) {
	// GOAL: Verify a single GO slot yields one run line followed by the safety stop
	//
	// TEST SCENARIO: GO on A with knob angle 500 → motor.run(port.A, 500) + six-port stop

	slots, err := codegen.DecodeSlots([]byte(`[
		{"type":"action","subtype":"motor","configuration":{"buttonType":"GO","knobAngle":500,"port":"A"}}
	]`))
	require.NoError(t, err)

	testutils.NewTextAsserter(t).Assert(codegen.Assemble(slots), `from hub import port
import motor
motor.run(port.A, 500)
`+safetyStop)
}

func TestAssembleDeterministic(t *testing.T) {
	// GOAL: Verify the assembler is a pure function of its input
	//
	// TEST SCENARIO: Assemble the same mixed sequence twice → byte-identical output

	slots := []codegen.StepSlot{
		{Type: codegen.TypeAction, Subtype: codegen.SubtypeMotor, Motors: []codegen.MotorCommand{{Port: protocol.PortB, Speed: -300}, {Port: protocol.PortA, Speed: 300}}},
		{Type: codegen.TypeInput, Subtype: codegen.SubtypeTime, Seconds: 1.5},
		{Type: codegen.TypeInput, Subtype: codegen.SubtypeColor, Sensor: &codegen.Sensor{Port: protocol.PortC, Color: "RED"}},
		{Type: codegen.TypeSpecial, Subtype: codegen.SubtypeStop},
	}

	first := codegen.Assemble(slots)
	assert.Equal(t, first, codegen.Assemble(slots), "output MUST NOT vary between calls")
}

func TestAssembleFullSequence(t *testing.T) {
	// GOAL: Verify every instruction kind and the imports it needs
	//
	// TEST SCENARIO: motors, sleep, button wait, color wait, STOP, trailing special → expected program

	slots := []codegen.StepSlot{
		{Type: codegen.TypeAction, Subtype: codegen.SubtypeMotor, Motors: []codegen.MotorCommand{{Port: protocol.PortA, Speed: 500}, {Port: protocol.PortB, Speed: -250}}},
		{Type: codegen.TypeInput, Subtype: codegen.SubtypeTime, Seconds: 2},
		{Type: codegen.TypeInput, Subtype: codegen.SubtypeButton, Sensor: &codegen.Sensor{Port: protocol.PortE}},
		{Type: codegen.TypeInput, Subtype: codegen.SubtypeColor, Sensor: &codegen.Sensor{Port: protocol.PortF, Color: "GREEN"}},
		{Type: codegen.TypeAction, Subtype: codegen.SubtypeMotor, Motors: []codegen.MotorCommand{{Port: protocol.PortA}}},
		{Type: codegen.TypeInput, Subtype: codegen.SubtypeTime, Seconds: 0.25},
		{Type: codegen.TypeSpecial, Subtype: codegen.SubtypeStop},
	}

	testutils.NewTextAsserter(t).Assert(codegen.Assemble(slots), `from hub import port
import motor
import time
import force_sensor
import color_sensor
import color
motor.run(port.A, 500)
motor.run(port.B, -250)
time.sleep(2)
while not force_sensor.pressed(port.E): time.sleep_ms(10)
while color_sensor.color(port.F) != color.GREEN: time.sleep_ms(10)
motor.stop(port.A)
time.sleep(0.25)
`+safetyStop)
}

func TestAssembleSkipsNonExecutableSlots(t *testing.T) {
	// GOAL: Verify untyped, special and incomplete slots contribute nothing
	//
	// TEST SCENARIO: Only skippable slots → prelude and safety stop, nothing else

	tests := []struct {
		name string
		slot codegen.StepSlot
	}{
		{name: "untyped", slot: codegen.StepSlot{}},
		{name: "special stop", slot: codegen.StepSlot{Type: codegen.TypeSpecial, Subtype: codegen.SubtypeStop}},
		{name: "motor without ports", slot: codegen.StepSlot{Type: codegen.TypeAction, Subtype: codegen.SubtypeMotor}},
		{name: "motor on invalid port", slot: codegen.StepSlot{Type: codegen.TypeAction, Subtype: codegen.SubtypeMotor, Motors: []codegen.MotorCommand{{Port: 'Z', Speed: 10}}}},
		{name: "zero seconds", slot: codegen.StepSlot{Type: codegen.TypeInput, Subtype: codegen.SubtypeTime}},
		{name: "negative seconds", slot: codegen.StepSlot{Type: codegen.TypeInput, Subtype: codegen.SubtypeTime, Seconds: -1}},
		{name: "button without sensor", slot: codegen.StepSlot{Type: codegen.TypeInput, Subtype: codegen.SubtypeButton}},
		{name: "color without color", slot: codegen.StepSlot{Type: codegen.TypeInput, Subtype: codegen.SubtypeColor, Sensor: &codegen.Sensor{Port: protocol.PortA}}},
		{name: "mismatched type", slot: codegen.StepSlot{Type: codegen.TypeInput, Subtype: codegen.SubtypeMotor, Motors: []codegen.MotorCommand{{Port: protocol.PortA, Speed: 10}}}},
	}

	empty := codegen.Assemble(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, empty, codegen.Assemble([]codegen.StepSlot{tt.slot}), "slot MUST emit nothing")
			assert.False(t, tt.slot.Executable())
		})
	}

	testutils.NewTextAsserter(t).Assert(empty, "from hub import port\nimport motor\n"+safetyStop)
}

func TestAssembleSlot(t *testing.T) {
	// GOAL: Verify a single slot can be assembled on its own
	//
	// TEST SCENARIO: Three slots, assemble index 1 → only the sleep instruction

	slots := []codegen.StepSlot{
		{Type: codegen.TypeAction, Subtype: codegen.SubtypeMotor, Motors: []codegen.MotorCommand{{Port: protocol.PortA, Speed: 100}}},
		{Type: codegen.TypeInput, Subtype: codegen.SubtypeTime, Seconds: 3},
		{Type: codegen.TypeSpecial, Subtype: codegen.SubtypeStop},
	}

	program := codegen.AssembleSlot(slots, 1)
	assert.Contains(t, program, "time.sleep(3)")
	assert.NotContains(t, program, "motor.run")

	assert.Equal(t, codegen.Assemble(nil), codegen.AssembleSlot(slots, 7), "out of range MUST yield the empty program")
	assert.Equal(t, codegen.Assemble(nil), codegen.AssembleSlot(slots, -1))
}

func TestAssembleOneInstructionPerLine(t *testing.T) {
	// GOAL: Verify no line carries more than one statement outside the compact try/except and while forms
	//
	// TEST SCENARIO: Every emitted body line starts with a known statement keyword

	slots := []codegen.StepSlot{
		{Type: codegen.TypeAction, Subtype: codegen.SubtypeMotor, Motors: []codegen.MotorCommand{{Port: protocol.PortD, Speed: 90}}},
		{Type: codegen.TypeInput, Subtype: codegen.SubtypeButton, Sensor: &codegen.Sensor{Port: protocol.PortB}},
	}
	for _, line := range strings.Split(codegen.Assemble(slots), "\n") {
		assert.NotContains(t, line, ";", "line %q MUST hold a single statement", line)
	}
}
