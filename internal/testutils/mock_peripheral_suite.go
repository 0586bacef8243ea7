package testutils

import (
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/stepbot/internal/transport/goble"
	"github.com/stretchr/testify/suite"
)

// MockBLEPeripheralSuite is a testify suite that swaps goble.DeviceFactory for
// a mocked peripheral. By default the peripheral exposes the hub service.
//
//	type DialerSuite struct {
//	    testutils.MockBLEPeripheralSuite
//	}
//
//	func (s *DialerSuite) SetupTest() {
//	    s.WithAdvertisements().
//	        WithNewAdvertisement().WithName("Hub").WithAddress("AA:BB:CC:DD:EE:FF").
//	        WithServices(goble.ServiceUUID).Build()
//
//	    s.MockBLEPeripheralSuite.SetupTest() // call parent last to apply configuration
//	}
type MockBLEPeripheralSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	OriginalDeviceFactory func() (ble.Device, error)
	TestTimeout           time.Duration

	PeripheralBuilder     *PeripheralDeviceBuilder
	AdvertisementsBuilder *AdvertisementArrayBuilder[[]ble.Advertisement]
}

// SetupSuite saves the real device factory.
func (s *MockBLEPeripheralSuite) SetupSuite() {
	s.OriginalDeviceFactory = goble.DeviceFactory
	s.TestTimeout = 2 * time.Second

	s.T().Cleanup(func() {
		if s.OriginalDeviceFactory != nil {
			goble.DeviceFactory = s.OriginalDeviceFactory
		}
	})
}

// SetupTest installs the mocked device factory. Suites that customise the
// peripheral configure it first and call this last.
func (s *MockBLEPeripheralSuite) SetupTest() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger

	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewHubPeripheralBuilder()
	}
	if s.AdvertisementsBuilder != nil {
		s.PeripheralBuilder.
			WithScanAdvertisements().
			WithAdvertisements(s.AdvertisementsBuilder.Build()...).
			Build()
	}

	builder := s.PeripheralBuilder
	goble.DeviceFactory = func() (ble.Device, error) {
		return builder.Build(), nil
	}
	s.Logger.Debug("Mock peripheral installed")
}

// TearDownTest restores the device factory and resets the builders.
func (s *MockBLEPeripheralSuite) TearDownTest() {
	if s.OriginalDeviceFactory != nil {
		goble.DeviceFactory = s.OriginalDeviceFactory
	}
	s.PeripheralBuilder = nil
	s.AdvertisementsBuilder = nil
}

// WithPeripheral returns the peripheral builder for configuration.
func (s *MockBLEPeripheralSuite) WithPeripheral() *PeripheralDeviceBuilder {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewHubPeripheralBuilder()
	}
	return s.PeripheralBuilder
}

// WithAdvertisements returns the builder for scan advertisements.
func (s *MockBLEPeripheralSuite) WithAdvertisements() *AdvertisementArrayBuilder[[]ble.Advertisement] {
	if s.AdvertisementsBuilder == nil {
		s.AdvertisementsBuilder = NewAdvertisementArrayBuilder[[]ble.Advertisement]()
	}
	return s.AdvertisementsBuilder
}

// NewHubPeripheralBuilder returns a peripheral exposing the hub's framed
// message service with its RX and TX characteristics.
func NewHubPeripheralBuilder() *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder().
		FromJSON(`
		{
			"services": [
				{
					"uuid": %q,
					"characteristics": [
						{ "uuid": %q, "properties": "write-without-response" },
						{ "uuid": %q, "properties": "notify" }
					]
				}
			]
		}`, goble.ServiceUUID, goble.RXCharUUID, goble.TXCharUUID)
}
