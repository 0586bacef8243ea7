package testutils

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/srg/stepbot/internal/testutils/mocks"
	"github.com/stretchr/testify/mock"
)

// CharacteristicConfig is a mocked characteristic.
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g. "write,notify"
	Value      []byte `json:"value,omitempty"`
}

// ServiceConfig is a mocked GATT service.
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig is the complete mocked GATT profile.
type DeviceProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

type notifySubscription struct {
	uuid    ble.UUID
	handler ble.NotificationHandler
}

// PeripheralDeviceBuilder builds a mocked ble.Device whose client records
// writes and keeps notification handlers so a test can push packets back.
//
//	b := testutils.NewPeripheralDeviceBuilder().FromJSON(profile)
//	goble.DeviceFactory = func() (ble.Device, error) { return b.Build(), nil }
//	...
//	b.Notify(txUUID, packet)
type PeripheralDeviceBuilder struct {
	mu                 sync.Mutex
	profile            DeviceProfileConfig
	scanAdvertisements []ble.Advertisement
	dialErr            error
	discoverErr        error
	writeErr           error
	onWrite            func(uuid ble.UUID, data []byte)
	subscriptions      []notifySubscription
	writes             [][]byte
	disconnected       chan struct{}
	clients            []*mocks.MockClient
}

// NewPeripheralDeviceBuilder creates a builder with an empty profile.
func NewPeripheralDeviceBuilder() *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{profile: DeviceProfileConfig{Services: []ServiceConfig{}}}
}

// WithService adds a service.
func (b *PeripheralDeviceBuilder) WithService(uuid string) *PeripheralDeviceBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service.
func (b *PeripheralDeviceBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralDeviceBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics,
		CharacteristicConfig{UUID: uuid, Properties: properties, Value: value})
	return b
}

// FromJSON replaces the profile with one decoded from JSON.
func (b *PeripheralDeviceBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	var config DeviceProfileConfig
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &config); err != nil {
		panic(fmt.Sprintf("PeripheralDeviceBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.profile = config
	return b
}

// WithScanAdvertisements returns an array builder whose Build comes back here.
func (b *PeripheralDeviceBuilder) WithScanAdvertisements() *AdvertisementArrayBuilder[*PeripheralDeviceBuilder] {
	arrayBuilder := NewAdvertisementArrayBuilder[*PeripheralDeviceBuilder]()
	arrayBuilder.parent = b
	arrayBuilder.buildFunc = func(parent *PeripheralDeviceBuilder, ads []ble.Advertisement) *PeripheralDeviceBuilder {
		parent.scanAdvertisements = append(parent.scanAdvertisements, ads...)
		return parent
	}
	return arrayBuilder
}

// WithDialError makes Dial fail.
func (b *PeripheralDeviceBuilder) WithDialError(err error) *PeripheralDeviceBuilder {
	b.dialErr = err
	return b
}

// WithDiscoverError makes profile discovery fail.
func (b *PeripheralDeviceBuilder) WithDiscoverError(err error) *PeripheralDeviceBuilder {
	b.discoverErr = err
	return b
}

// WithWriteError makes every characteristic write fail.
func (b *PeripheralDeviceBuilder) WithWriteError(err error) *PeripheralDeviceBuilder {
	b.writeErr = err
	return b
}

// OnWrite installs a callback invoked synchronously for every write.
func (b *PeripheralDeviceBuilder) OnWrite(fn func(uuid ble.UUID, data []byte)) *PeripheralDeviceBuilder {
	b.onWrite = fn
	return b
}

func parseCharacteristicProperties(props string) ble.Property {
	switch props {
	case "read":
		return ble.CharRead
	case "write":
		return ble.CharWrite
	case "write-without-response":
		return ble.CharWriteNR
	case "notify":
		return ble.CharNotify
	case "read,write":
		return ble.CharRead | ble.CharWrite
	case "write,notify":
		return ble.CharWrite | ble.CharNotify
	case "read,notify":
		return ble.CharRead | ble.CharNotify
	default:
		return ble.CharRead | ble.CharWrite | ble.CharNotify
	}
}

// Build creates a mocked ble.Device. Each call yields a fresh client and a
// fresh disconnect channel, so a builder can serve reconnects.
func (b *PeripheralDeviceBuilder) Build() ble.Device {
	mockDevice := &mocks.MockDevice{}
	mockClient := &mocks.MockClient{}

	var services []*ble.Service
	for _, svcConfig := range b.profile.Services {
		svc := &ble.Service{UUID: ble.MustParse(svcConfig.UUID)}
		for _, charConfig := range svcConfig.Characteristics {
			svc.Characteristics = append(svc.Characteristics, &ble.Characteristic{
				UUID:     ble.MustParse(charConfig.UUID),
				Property: parseCharacteristicProperties(charConfig.Properties),
				Value:    charConfig.Value,
			})
		}
		services = append(services, svc)
	}

	disconnected := make(chan struct{})
	b.mu.Lock()
	b.disconnected = disconnected
	b.subscriptions = nil
	b.clients = append(b.clients, mockClient)
	b.mu.Unlock()

	if b.dialErr != nil {
		mockDevice.On("Dial", mock.Anything, mock.Anything).Return(nil, b.dialErr)
	} else {
		mockDevice.On("Dial", mock.Anything, mock.Anything).Return(mockClient, nil)
	}
	mockDevice.On("Stop").Return(nil).Maybe()

	if b.discoverErr != nil {
		mockClient.On("DiscoverProfile", true).Return(nil, b.discoverErr)
	} else {
		mockClient.On("DiscoverProfile", true).Return(&ble.Profile{Services: services}, nil)
	}
	mockClient.On("CancelConnection").Return(nil).Maybe()
	mockClient.On("Disconnected").Return(disconnected).Maybe()

	for _, svc := range services {
		for _, char := range svc.Characteristics {
			char := char
			mockClient.On("Subscribe", char, false, mock.Anything).Run(func(args mock.Arguments) {
				handler, _ := args.Get(2).(ble.NotificationHandler)
				b.mu.Lock()
				b.subscriptions = append(b.subscriptions, notifySubscription{uuid: char.UUID, handler: handler})
				b.mu.Unlock()
			}).Return(nil).Maybe()
			mockClient.On("Unsubscribe", char, false).Return(nil).Maybe()
			mockClient.On("WriteCharacteristic", char, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
				data := append([]byte(nil), args.Get(1).([]byte)...)
				b.mu.Lock()
				b.writes = append(b.writes, data)
				onWrite := b.onWrite
				b.mu.Unlock()
				if onWrite != nil && b.writeErr == nil {
					onWrite(char.UUID, data)
				}
			}).Return(b.writeErr).Maybe()
			mockClient.On("ReadCharacteristic", char).Return(char.Value, nil).Maybe()
		}
	}

	mockDevice.On("Scan", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		handler, _ := args.Get(2).(ble.AdvHandler)
		for _, adv := range b.scanAdvertisements {
			handler(adv)
		}
	}).Return(nil).Maybe()

	return mockDevice
}

// Notify delivers data to every handler subscribed to the characteristic.
// It reports whether any handler was found.
func (b *PeripheralDeviceBuilder) Notify(charUUID string, data []byte) bool {
	uuid := ble.MustParse(charUUID)
	b.mu.Lock()
	var handlers []ble.NotificationHandler
	for _, sub := range b.subscriptions {
		if sub.uuid.Equal(uuid) && sub.handler != nil {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
	return len(handlers) > 0
}

// Writes returns a copy of every value written so far.
func (b *PeripheralDeviceBuilder) Writes() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.writes))
	copy(out, b.writes)
	return out
}

// DropConnection closes the disconnect channel of the most recent client.
func (b *PeripheralDeviceBuilder) DropConnection() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disconnected != nil {
		select {
		case <-b.disconnected:
		default:
			close(b.disconnected)
		}
	}
}

// LastClient returns the client created by the most recent Build.
func (b *PeripheralDeviceBuilder) LastClient() *mocks.MockClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.clients) == 0 {
		return nil
	}
	return b.clients[len(b.clients)-1]
}

// GetServices returns the configured services.
func (b *PeripheralDeviceBuilder) GetServices() []ServiceConfig {
	return b.profile.Services
}
