package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortFromIndex(t *testing.T) {
	for i, want := range AllPorts {
		p, ok := PortFromIndex(uint8(i))
		require.True(t, ok)
		assert.Equal(t, want, p)
		assert.Equal(t, uint8(i), p.Index())
	}

	_, ok := PortFromIndex(6)
	assert.False(t, ok, "index beyond F MUST be rejected")
}

func TestParsePort(t *testing.T) {
	p, err := ParsePort("c")
	require.NoError(t, err)
	assert.Equal(t, PortC, p)

	for _, bad := range []string{"", "G", "AB", "1"} {
		_, err := ParsePort(bad)
		assert.Error(t, err, "%q MUST be rejected", bad)
	}
}

func TestPortJSON(t *testing.T) {
	data, err := json.Marshal(map[Port]int{PortA: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"A":1}`, string(data))

	var p Port
	require.NoError(t, json.Unmarshal([]byte(`"f"`), &p))
	assert.Equal(t, PortF, p)
}

func TestDecodePortStates(t *testing.T) {
	n := &DeviceNotification{Messages: []DeviceMessage{
		BatteryMessage{Level: 90},
		IMUMessage{FaceUp: 1},
		MotorMessage{Port: 0, DeviceKind: 0x30, AbsolutePosition: 12, Power: -40, Speed: -25, Position: -360},
		ForceMessage{Port: 4, Value: 77, Pressed: 1},
		ForceMessage{Port: 5, Value: 0, Pressed: 0},
		MotorMessage{Port: 9, Speed: 10},
	}}

	states := DecodePortStates(n)
	require.Len(t, states, 3, "only ports mentioned by port sub-messages MUST be present")

	assert.Equal(t, &PortState{
		Port:       PortA,
		DeviceType: DeviceTypeMotor,
		Connected:  true,
		Motor:      &MotorState{Kind: 0x30, Speed: -25, Position: -360, AbsolutePosition: 12, Power: -40},
	}, states[PortA])

	assert.Equal(t, &PortState{
		Port:       PortE,
		DeviceType: DeviceTypeForceSensor,
		Connected:  true,
		Force:      &ForceState{PressureDetected: true, MeasuredValue: 77},
	}, states[PortE])

	assert.False(t, states[PortF].Force.PressureDetected)
}

func TestDecodePortStatesSensors(t *testing.T) {
	states := DecodePortStates(&DeviceNotification{Messages: []DeviceMessage{
		ColorMessage{Port: 1, Color: 3, Red: 10, Green: 20, Blue: 300},
		DistanceMessage{Port: 2, Distance: -1},
	}})

	require.Contains(t, states, PortB)
	assert.Equal(t, DeviceTypeColorSensor, states[PortB].DeviceType)
	assert.Equal(t, &ColorState{Color: 3, Red: 10, Green: 20, Blue: 300}, states[PortB].Color)

	require.Contains(t, states, PortC)
	assert.Equal(t, DeviceTypeDistanceSensor, states[PortC].DeviceType)
	assert.Equal(t, -1, states[PortC].Distance.Distance)
}

func TestDecodePortStatesNil(t *testing.T) {
	assert.Empty(t, DecodePortStates(nil))
	assert.Empty(t, DecodePortStates(&DeviceNotification{}))
}

func TestPortStateClone(t *testing.T) {
	orig := &PortState{Port: PortA, DeviceType: DeviceTypeMotor, Connected: true, Motor: &MotorState{Speed: 10}}
	c := orig.Clone()
	c.Motor.Speed = 99

	assert.Equal(t, 10, orig.Motor.Speed, "clone MUST NOT share nested state")
	assert.Nil(t, (*PortState)(nil).Clone())
}

func TestPortStateJSON(t *testing.T) {
	data, err := json.Marshal(&PortState{Port: PortB, DeviceType: DeviceTypeForceSensor, Connected: true, Force: &ForceState{PressureDetected: true, MeasuredValue: 5}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"port":"B","deviceType":"force_sensor","connected":true,"force":{"pressureDetected":true,"measuredValue":5}}`, string(data))
}
