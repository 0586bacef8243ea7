package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/srg/stepbot/internal/codegen"
	"github.com/srg/stepbot/internal/portstate"
	"github.com/srg/stepbot/internal/protocol"
	"github.com/srg/stepbot/internal/runner"
	"github.com/srg/stepbot/internal/testutils"
	"github.com/srg/stepbot/internal/transport"
	"github.com/srg/stepbot/internal/transport/goble"
)

const testHubAddress = "AA:BB:CC:DD:EE:01"

const testSteps = `
- type: action
  subtype: motor
  configuration: {port: A, speed: 300}
- type: input
  subtype: time
  configuration: {seconds: 1}
`

// lockedBuffer collects command output written from several goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite runs stepbot commands against a FakeHub behind a mocked BLE peripheral.
type CommandTestSuite struct {
	testutils.MockBLEPeripheralSuite
	hub *testutils.FakeHub
}

func (s *CommandTestSuite) SetupTest() {
	s.WithAdvertisements().
		WithNewAdvertisement().
		WithName("Robot Hub").WithAddress(testHubAddress).WithRSSI(-42).WithServices(goble.ServiceUUID).
		Build()
	s.MockBLEPeripheralSuite.SetupTest()

	s.hub = testutils.NewFakeHub()
	s.hub.ServePeripheral(s.PeripheralBuilder)

	resetFlags(rootCmd)
}

// resetFlags restores every flag of cmd and its children to its default.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// ExecuteCommand runs the root command with args and returns everything it printed.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	out := &lockedBuffer{}
	err := s.execute(out, args...)
	return out.String(), err
}

func (s *CommandTestSuite) execute(out *lockedBuffer, args ...string) error {
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

// executeAsync starts a command and returns its live output and completion.
func (s *CommandTestSuite) executeAsync(args ...string) (*lockedBuffer, <-chan error) {
	out := &lockedBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- s.execute(out, args...)
	}()
	return out, done
}

func (s *CommandTestSuite) writeSteps(content string) string {
	path := filepath.Join(s.T().TempDir(), "steps.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600))
	return path
}

func (s *CommandTestSuite) requestsOf(id protocol.MessageID) [][]byte {
	var out [][]byte
	for _, r := range s.hub.Requests() {
		if protocol.MessageID(r[0]) == id {
			out = append(out, r)
		}
	}
	return out
}

func (s *CommandTestSuite) TestAssemblePrintsProgram() {
	// GOAL: Verify assemble prints the generated program without a hub
	//
	// TEST SCENARIO: motor + sleep steps → run line, sleep and safety stop, nothing sent to the hub

	out := &lockedBuffer{}
	s.Require().NoError(s.execute(out, "assemble", s.writeSteps(testSteps)))

	text := out.String()
	s.Contains(text, "motor.run(port.A, 300)")
	s.Contains(text, "time.sleep(1)")
	s.Contains(text, "try: motor.stop(port.F)")
	s.Empty(s.hub.Requests(), "assemble MUST NOT talk to the hub")
}

func (s *CommandTestSuite) TestAssembleSingleStepToFile() {
	// GOAL: Verify --slot picks one step and --output writes the file
	//
	// TEST SCENARIO: --slot 1 (sleep only) -o file → file holds the sleep but not the motor run

	target := filepath.Join(s.T().TempDir(), "program.py")
	_, err := s.ExecuteCommand("assemble", s.writeSteps(testSteps), "--slot", "1", "-o", target)
	s.Require().NoError(err)

	data, err := os.ReadFile(target)
	s.Require().NoError(err)
	s.Contains(string(data), "time.sleep(1)")
	s.NotContains(string(data), "motor.run(")
}

func (s *CommandTestSuite) TestAssembleErrors() {
	// GOAL: Verify bad step files and indexes are reported
	//
	// TEST SCENARIO: malformed YAML → ErrInvalidSteps; index past the end → error

	_, err := s.ExecuteCommand("assemble", s.writeSteps("key: [unclosed"))
	s.Require().Error(err)
	s.ErrorIs(err, codegen.ErrInvalidSteps)

	resetFlags(rootCmd)
	_, err = s.ExecuteCommand("assemble", s.writeSteps(testSteps), "--slot", "5")
	s.Require().Error(err)
	s.Contains(err.Error(), "out of range")
}

func (s *CommandTestSuite) TestScanTable() {
	// GOAL: Verify scan lists advertising hubs in a table
	//
	// TEST SCENARIO: one hub advertisement → NAME/ADDRESS/RSSI row

	out := &lockedBuffer{}
	s.Require().NoError(s.execute(out, "scan", "--duration", "200ms"))

	text := out.String()
	s.Contains(text, "NAME")
	s.Contains(text, "Robot Hub")
	s.Contains(text, testHubAddress)
	s.Contains(text, "-42 dBm")
}

func (s *CommandTestSuite) TestScanJSON() {
	// GOAL: Verify scan --format json emits the hub list
	//
	// TEST SCENARIO: one hub advertisement → JSON array containing the hub

	out := &lockedBuffer{}
	s.Require().NoError(s.execute(out, "scan", "--duration", "200ms", "--format", "json"))

	text := out.String()
	start := strings.Index(text, "[\n")
	s.Require().GreaterOrEqual(start, 0, "output MUST contain a JSON array")

	var hubs []goble.HubInfo
	s.Require().NoError(json.NewDecoder(strings.NewReader(text[start:])).Decode(&hubs))
	s.Require().Len(hubs, 1)
	s.Equal(goble.HubInfo{Name: "Robot Hub", Address: testHubAddress, RSSI: -42}, hubs[0])
}

func (s *CommandTestSuite) TestScanRejectsUnknownFormat() {
	_, err := s.ExecuteCommand("scan", "--format", "xml")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid format")
}

func (s *CommandTestSuite) TestRunUploadsAndStarts() {
	// GOAL: Verify run clears, uploads and starts the program in the chosen slot
	//
	// TEST SCENARIO: run --program-slot 4 → clear(4), upload, start(4), success message

	out := &lockedBuffer{}
	err := s.execute(out, "run", s.writeSteps(testSteps), "--address", testHubAddress, "--program-slot", "4")
	s.Require().NoError(err, "run MUST succeed; output:\n%s", out.String())

	clears := s.requestsOf(protocol.IDClearSlotRequest)
	s.Require().Len(clears, 1)
	s.Equal([]byte{byte(protocol.IDClearSlotRequest), 4}, clears[0])
	s.NotEmpty(s.requestsOf(protocol.IDStartFileUploadRequest), "upload MUST start")
	s.NotEmpty(s.requestsOf(protocol.IDTransferChunkRequest), "program MUST be transferred")

	flows := s.requestsOf(protocol.IDProgramFlowRequest)
	s.Require().NotEmpty(flows)
	s.Equal([]byte{byte(protocol.IDProgramFlowRequest), 0, 4}, flows[len(flows)-1], "start MUST target slot 4")

	s.Contains(out.String(), "Program started in slot 4")
}

func (s *CommandTestSuite) TestRunReportsRejectedClear() {
	// GOAL: Verify a rejected clear aborts the run before any upload
	//
	// TEST SCENARIO: hub NACKs ClearSlot → clear RunError, no upload requests

	s.hub.Nack(protocol.IDClearSlotRequest)

	_, err := s.ExecuteCommand("run", s.writeSteps(testSteps), "--address", testHubAddress)
	s.Require().Error(err)
	s.ErrorIs(err, runner.ErrClearFailed)
	s.Empty(s.requestsOf(protocol.IDStartFileUploadRequest), "upload MUST NOT start after a rejected clear")
	s.Contains(FormatUserError(err), "clear of slot 0 failed")
}

func (s *CommandTestSuite) TestRunFollowPrintsConsoleUntilProgramEnds() {
	// GOAL: Verify --follow prints hub console lines and returns when the program ends
	//
	// TEST SCENARIO: run --follow, hub prints a line then reports the program stopped → command returns

	out, done := s.executeAsync("run", s.writeSteps(testSteps), "--address", testHubAddress, "--follow")

	s.Require().Eventually(func() bool {
		return strings.Contains(out.String(), "Program started")
	}, s.TestTimeout, 10*time.Millisecond, "program MUST start")

	s.hub.Notify(testutils.ConsolePayload("hello from hub\n"))

	var err error
	s.Require().Eventually(func() bool {
		select {
		case err = <-done:
			return true
		default:
			s.hub.Notify(testutils.ProgramFlowPayload(true))
			return false
		}
	}, s.TestTimeout, 20*time.Millisecond, "follow MUST end with the program")

	s.Require().NoError(err)
	s.Contains(out.String(), "hub> hello from hub")
}

func (s *CommandTestSuite) TestRunFollowReportsLostLink() {
	// GOAL: Verify a dropped link while following is reported as a lost connection
	//
	// TEST SCENARIO: run --follow, peripheral drops → ErrConnectionLost

	out, done := s.executeAsync("run", s.writeSteps(testSteps), "--address", testHubAddress, "--follow")

	s.Require().Eventually(func() bool {
		return strings.Contains(out.String(), "Program started")
	}, s.TestTimeout, 10*time.Millisecond, "program MUST start")

	s.PeripheralBuilder.DropConnection()

	select {
	case err := <-done:
		s.Require().Error(err)
		s.ErrorIs(err, ErrConnectionLost)
		s.Equal("connection to the hub was lost", FormatUserError(err))
	case <-time.After(s.TestTimeout):
		s.Fail("follow MUST return after the link drops")
	}
}

func (s *CommandTestSuite) TestUploadRunsProgramAsIs() {
	// GOAL: Verify upload sends the file content unchanged
	//
	// TEST SCENARIO: upload a two-line program → chunks carry exactly those bytes

	program := "print('hi')\nprint('bye')\n"
	path := filepath.Join(s.T().TempDir(), "program.py")
	s.Require().NoError(os.WriteFile(path, []byte(program), 0o600))

	_, err := s.ExecuteCommand("upload", path, "--address", testHubAddress)
	s.Require().NoError(err)

	var sent []byte
	for _, chunk := range s.requestsOf(protocol.IDTransferChunkRequest) {
		// id, running crc32, size, payload
		sent = append(sent, chunk[7:]...)
	}
	s.Equal(program, string(sent))
}

func (s *CommandTestSuite) TestUploadRejectsEmptyProgram() {
	path := filepath.Join(s.T().TempDir(), "empty.py")
	s.Require().NoError(os.WriteFile(path, nil, 0o600))

	_, err := s.ExecuteCommand("upload", path, "--address", testHubAddress)
	s.Require().Error(err)
	s.Contains(err.Error(), "is empty")
	s.Empty(s.hub.Requests(), "nothing MUST be sent for an empty program")
}

func (s *CommandTestSuite) TestStopSendsStopForSlot() {
	// GOAL: Verify stop sends a stop request for the program slot
	//
	// TEST SCENARIO: stop --program-slot 2 → ProgramFlow [0x1E, 1, 2]

	out := &lockedBuffer{}
	s.Require().NoError(s.execute(out, "stop", "--address", testHubAddress, "--program-slot", "2"))

	flows := s.requestsOf(protocol.IDProgramFlowRequest)
	s.Require().Len(flows, 1)
	s.Equal([]byte{byte(protocol.IDProgramFlowRequest), 1, 2}, flows[0])
	s.Contains(out.String(), "Stopped program in slot 2")
}

func (s *CommandTestSuite) TestProgramSlotOutOfRange() {
	_, err := s.ExecuteCommand("stop", "--address", testHubAddress, "--program-slot", "20")
	s.Require().Error(err)
	s.Contains(err.Error(), "out of range")
	s.Empty(s.hub.Requests())
}

func (s *CommandTestSuite) TestPortsJSON() {
	// GOAL: Verify ports waits for the first device report and prints all six ports
	//
	// TEST SCENARIO: motor on A + battery 80 → JSON with A populated and B..F null

	out, done := s.executeAsync("ports", "--address", testHubAddress, "--format", "json", "--wait", "2s")

	s.Require().Eventually(func() bool {
		return len(s.requestsOf(protocol.IDDeviceNotificationRequest)) > 0
	}, s.TestTimeout, 10*time.Millisecond, "notifications MUST be requested")

	s.hub.Notify(testutils.DeviceNotificationPayload(
		testutils.MotorSubMessage(0, 0x30, 90, 0, 0, 360),
		testutils.BatterySubMessage(80),
	))

	select {
	case err := <-done:
		s.Require().NoError(err)
	case <-time.After(s.TestTimeout):
		s.Fail("ports MUST return after the first report")
	}

	text := out.String()
	start := strings.Index(text, "{")
	s.Require().GreaterOrEqual(start, 0, "output MUST contain a JSON object")

	testutils.NewJSONAsserter(s.T()).
		WithOptions(testutils.WithIgnoreExtraKeys(true)).
		Assert(text[start:], `{
			"A": {"port": "A", "deviceType": "motor", "connected": true, "motor": {"position": 360, "absolutePosition": 90}},
			"B": null, "C": null, "D": null, "E": null, "F": null
		}`)
}

func (s *CommandTestSuite) TestPortsTable() {
	// GOAL: Verify the table view lists every port and the battery
	//
	// TEST SCENARIO: force sensor on C + battery 55 → row for C, dashes elsewhere, battery line

	out, done := s.executeAsync("ports", "--address", testHubAddress, "--wait", "2s")

	s.Require().Eventually(func() bool {
		return len(s.requestsOf(protocol.IDDeviceNotificationRequest)) > 0
	}, s.TestTimeout, 10*time.Millisecond)

	s.hub.Notify(testutils.DeviceNotificationPayload(
		testutils.BatterySubMessage(55),
		testutils.ForceSubMessage(2, 40, true),
	))

	select {
	case err := <-done:
		s.Require().NoError(err)
	case <-time.After(s.TestTimeout):
		s.Fail("ports MUST return after the first report")
	}

	text := out.String()
	s.Contains(text, "PORT")
	s.Contains(text, "force_sensor")
	s.Contains(text, "force=40 pressed=true")
	s.Contains(text, "Battery: 55%")
}

func TestSettleCoalescesReport(t *testing.T) {
	// GOAL: Verify the per-port events of one report are folded into a single render
	//
	// TEST SCENARIO: three updates queued → consumed in one window; a reset → link reported lost

	events := make(chan portstate.Event, 8)
	for _, port := range []protocol.Port{protocol.PortA, protocol.PortB, protocol.PortC} {
		events <- portstate.Event{Kind: portstate.EventUpdated, Port: port}
	}
	assert.True(t, settle(events, 20*time.Millisecond))
	assert.Empty(t, events, "queued updates MUST be consumed by one settle")

	events <- portstate.Event{Kind: portstate.EventUpdated, Port: protocol.PortD}
	events <- portstate.Event{Kind: portstate.EventReset}
	assert.False(t, settle(events, time.Second), "a reset MUST end the watch")

	close(events)
	assert.False(t, settle(events, time.Second), "a closed stream MUST end the watch")
}

func TestCommandTestSuite(t *testing.T) {
	suite.Run(t, new(CommandTestSuite))
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "no hub",
			err:  &transport.ConnectionError{State: transport.NoHubFound},
			want: "no hub found",
		},
		{
			name: "bluetooth off",
			err:  transport.ErrBluetoothOff,
			want: "Bluetooth is off",
		},
		{
			name: "dial failure keeps cause",
			err:  &transport.ConnectionError{State: transport.DialFailed, Err: errors.New("refused")},
			want: "could not connect to the hub: refused",
		},
		{
			name: "busy",
			err:  runner.ErrBusy,
			want: "busy",
		},
		{
			name: "upload timeout",
			err:  &runner.RunError{Stage: runner.StageUpload, Slot: 3, Err: &transport.RequestTimeoutError{Request: protocol.IDTransferChunkRequest, Timeout: time.Second}},
			want: "upload of slot 3 failed: the hub did not answer in time",
		},
		{
			name: "invalid steps",
			err:  codegen.ErrInvalidSteps,
			want: "cannot read steps",
		},
		{
			name: "unknown passes through",
			err:  errors.New("something odd"),
			want: "something odd",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, FormatUserError(tt.err), tt.want)
		})
	}
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
}
