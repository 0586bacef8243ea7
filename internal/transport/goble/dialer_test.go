package goble_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/srg/stepbot/internal/protocol"
	"github.com/srg/stepbot/internal/testutils"
	"github.com/srg/stepbot/internal/transport"
	"github.com/srg/stepbot/internal/transport/goble"
	"github.com/stretchr/testify/suite"
)

type DialerTestSuite struct {
	testutils.MockBLEPeripheralSuite
}

func (s *DialerTestSuite) SetupTest() {
	s.WithAdvertisements().
		WithNewAdvertisement().
		WithName("Other").WithAddress("11:22:33:44:55:66").WithRSSI(-30).WithServices("180F").
		Build().
		WithNewAdvertisement().
		WithName("Far Hub").WithAddress("AA:BB:CC:DD:EE:02").WithRSSI(-80).WithServices(goble.ServiceUUID).
		Build().
		WithNewAdvertisement().
		WithName("Near Hub").WithAddress("AA:BB:CC:DD:EE:01").WithRSSI(-40).WithServices(goble.ServiceUUID).
		Build()

	s.MockBLEPeripheralSuite.SetupTest()
}

func (s *DialerTestSuite) dial(opts goble.Options) (transport.Link, chan []byte, error) {
	packets := make(chan []byte, 16)
	d := goble.NewDialer(opts, s.Logger)
	link, err := d.Dial(context.Background(), func(p []byte) { packets <- p })
	return link, packets, err
}

func (s *DialerTestSuite) TestScanReturnsHubsOnly() {
	// GOAL: Verify Scan keeps only advertisers of the hub service, strongest first
	//
	// TEST SCENARIO: Three advertisers, one without the hub service → two hubs sorted by RSSI

	hubs, err := goble.Scan(context.Background(), s.TestTimeout, s.Logger)
	s.Require().NoError(err)
	s.Require().Len(hubs, 2, "non-hub advertiser MUST be filtered out")
	s.Equal("Near Hub", hubs[0].Name)
	s.Equal(-40, hubs[0].RSSI)
	s.Equal("Far Hub", hubs[1].Name)
}

func (s *DialerTestSuite) TestScanDeduplicatesAddresses() {
	// GOAL: Verify repeated advertisements of one hub produce one entry
	//
	// TEST SCENARIO: Same address advertised twice with different RSSI → one entry, last RSSI wins

	s.TearDownTest()
	s.WithAdvertisements().
		WithNewAdvertisement().WithName("Hub").WithAddress("AA:BB:CC:DD:EE:01").WithRSSI(-70).WithServices(goble.ServiceUUID).Build().
		WithNewAdvertisement().WithName("Hub").WithAddress("AA:BB:CC:DD:EE:01").WithRSSI(-50).WithServices(goble.ServiceUUID).Build()
	s.MockBLEPeripheralSuite.SetupTest()

	hubs, err := goble.Scan(context.Background(), s.TestTimeout, s.Logger)
	s.Require().NoError(err)
	s.Require().Len(hubs, 1)
	s.Equal(-50, hubs[0].RSSI)
}

func (s *DialerTestSuite) TestDialByAddressSkipsScan() {
	// GOAL: Verify an explicit address is dialed directly
	//
	// TEST SCENARIO: Dial with Address → link established, writes go to the RX characteristic

	link, _, err := s.dial(goble.Options{Address: "AA:BB:CC:DD:EE:09"})
	s.Require().NoError(err)
	defer link.Close()

	s.Require().NoError(link.Write([]byte{0x01, 0x02}))
	s.Equal([][]byte{{0x01, 0x02}}, s.PeripheralBuilder.Writes())
}

func (s *DialerTestSuite) TestNotificationsReachHandler() {
	// GOAL: Verify TX notifications are handed to the packet handler
	//
	// TEST SCENARIO: Dial via scan, notify on TX → same bytes arrive on the handler

	link, packets, err := s.dial(goble.Options{})
	s.Require().NoError(err)
	defer link.Close()

	s.Require().True(s.PeripheralBuilder.Notify(goble.TXCharUUID, []byte{0xAA, 0x02}), "TX MUST be subscribed")
	select {
	case p := <-packets:
		s.Equal([]byte{0xAA, 0x02}, p)
	case <-time.After(s.TestTimeout):
		s.Fail("packet MUST reach the handler")
	}
}

func (s *DialerTestSuite) TestDisconnectedChannelClosesOnDrop() {
	// GOAL: Verify the link reports drops from the BLE client
	//
	// TEST SCENARIO: Drop the peripheral connection → Disconnected channel closes

	link, _, err := s.dial(goble.Options{})
	s.Require().NoError(err)
	defer link.Close()

	s.PeripheralBuilder.DropConnection()
	select {
	case <-link.Disconnected():
	case <-time.After(s.TestTimeout):
		s.Fail("Disconnected MUST close after the drop")
	}
}

func (s *DialerTestSuite) TestCloseCancelsConnectionOnce() {
	// GOAL: Verify Close cancels the BLE connection exactly once
	//
	// TEST SCENARIO: Close twice → CancelConnection called once

	link, _, err := s.dial(goble.Options{})
	s.Require().NoError(err)

	s.Require().NoError(link.Close())
	s.Require().NoError(link.Close())
	s.PeripheralBuilder.LastClient().AssertNumberOfCalls(s.T(), "CancelConnection", 1)
}

func (s *DialerTestSuite) TestNoHubFound() {
	// GOAL: Verify scanning without any hub fails with NoHubFound
	//
	// TEST SCENARIO: Only a non-hub advertiser → ConnectionError NoHubFound

	s.TearDownTest()
	s.WithAdvertisements().
		WithNewAdvertisement().WithName("Other").WithAddress("11:22:33:44:55:66").WithServices("180F").Build()
	s.MockBLEPeripheralSuite.SetupTest()

	_, _, err := s.dial(goble.Options{ScanTimeout: 50 * time.Millisecond})
	s.Require().Error(err)
	s.ErrorIs(err, transport.ErrNoHubFound)
}

func (s *DialerTestSuite) TestDialFailure() {
	// GOAL: Verify a failed dial maps to DialFailed and keeps the cause
	//
	// TEST SCENARIO: Peripheral rejects Dial → ErrDialFailed wrapping the cause

	cause := errors.New("connection refused")
	s.PeripheralBuilder.WithDialError(cause)

	_, _, err := s.dial(goble.Options{Address: "AA:BB:CC:DD:EE:01"})
	s.Require().Error(err)
	s.ErrorIs(err, transport.ErrDialFailed)
	s.ErrorIs(err, cause)
}

func (s *DialerTestSuite) TestMissingHubService() {
	// GOAL: Verify a device without the hub characteristics is rejected
	//
	// TEST SCENARIO: Peripheral exposes only a battery service → DialFailed, connection cancelled

	s.TearDownTest()
	s.WithPeripheral().
		FromJSON(`{"services":[{"uuid":"180F","characteristics":[{"uuid":"2A19","properties":"read,notify","value":[50]}]}]}`)
	s.MockBLEPeripheralSuite.SetupTest()

	_, _, err := s.dial(goble.Options{Address: "AA:BB:CC:DD:EE:01"})
	s.Require().Error(err)
	s.ErrorIs(err, transport.ErrDialFailed)
	s.PeripheralBuilder.LastClient().AssertCalled(s.T(), "CancelConnection")
}

func (s *DialerTestSuite) TestSessionOverBLE() {
	// GOAL: Verify a Session completes its handshake over the BLE link
	//
	// TEST SCENARIO: FakeHub serves the mocked peripheral → Connect succeeds, ClearSlot is acknowledged

	hub := testutils.NewFakeHub()
	hub.ServePeripheral(s.PeripheralBuilder)

	session := transport.NewSession(goble.NewDialer(goble.Options{Address: "AA:BB:CC:DD:EE:01"}, s.Logger), nil, s.Logger)
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), s.TestTimeout)
	defer cancel()

	s.Require().NoError(session.Connect(ctx))
	s.Require().NotNil(session.Info())
	s.Equal(uint16(16), session.Info().MaxChunkSize)

	resp, err := session.ClearSlot(ctx, 3)
	s.Require().NoError(err)
	s.True(resp.Success)
	s.Equal(protocol.IDClearSlotRequest, hub.RequestIDs()[len(hub.RequestIDs())-1])
}

func TestDialerTestSuite(t *testing.T) {
	suite.Run(t, new(DialerTestSuite))
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name   string
		in     error
		target error
	}{
		{name: "bluetooth off", in: errors.New("Bluetooth is turned off"), target: transport.ErrBluetoothOff},
		{name: "corebluetooth state", in: errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), target: transport.ErrBluetoothOff},
		{name: "not connected", in: errors.New("device not connected"), target: transport.ErrLinkLost},
		{name: "already connected", in: errors.New("device already connected"), target: transport.ErrAlreadyConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := goble.NormalizeError(tt.in)
			if !errors.Is(err, tt.target) {
				t.Fatalf("NormalizeError(%v) = %v, MUST match %v", tt.in, err, tt.target)
			}
			if !errors.Is(err, tt.in) && !strings.Contains(err.Error(), tt.in.Error()) {
				t.Fatalf("NormalizeError MUST keep the original error text")
			}
		})
	}

	if goble.NormalizeError(nil) != nil {
		t.Fatal("nil MUST stay nil")
	}
	plain := errors.New("something else")
	if goble.NormalizeError(plain) != plain {
		t.Fatal("unknown errors MUST pass through")
	}
}
