package testutils

import (
	"github.com/go-ble/ble"
	"github.com/srg/stepbot/internal/testutils/mocks"
)

// AdvertisementBuilder builds mocked BLE advertisements. Only fields that were
// explicitly set get mock expectations.
type AdvertisementBuilder struct {
	name     string
	address  string
	rssi     int
	services []string

	nameSet     bool
	addressSet  bool
	rssiSet     bool
	servicesSet bool
}

// NewAdvertisementBuilder creates an empty AdvertisementBuilder.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{}
}

// WithName sets the local name.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.name = name
	b.nameSet = true
	return b
}

// WithAddress sets the device address.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	b.addressSet = true
	return b
}

// WithRSSI sets the signal strength.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.rssi = rssi
	b.rssiSet = true
	return b
}

// WithServices adds advertised service UUIDs, short or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.services = append(b.services, uuids...)
	b.servicesSet = true
	return b
}

// Build creates a MockAdvertisement. Expectations are optional (Maybe) so a
// consumer that reads only some fields does not fail AssertExpectations.
func (b *AdvertisementBuilder) Build() *mocks.MockAdvertisement {
	adv := &mocks.MockAdvertisement{}

	if b.addressSet {
		adv.On("Addr").Return(ble.NewAddr(b.address)).Maybe()
	}
	if b.nameSet {
		adv.On("LocalName").Return(b.name).Maybe()
	}
	if b.rssiSet {
		adv.On("RSSI").Return(b.rssi).Maybe()
	}
	if b.servicesSet {
		uuids := make([]ble.UUID, 0, len(b.services))
		for _, s := range b.services {
			uuids = append(uuids, ble.MustParse(s))
		}
		adv.On("Services").Return(uuids).Maybe()
	}
	return adv
}

// AdvertisementArrayBuilder collects advertisements and hands them back to a
// parent builder of type T, or returns them as []ble.Advertisement when T is
// that slice type.
//
//	ads := NewAdvertisementArrayBuilder[[]ble.Advertisement]().
//	    WithNewAdvertisement().WithName("Hub A").WithAddress("AA:BB:CC:DD:EE:01").Build().
//	    Build()
type AdvertisementArrayBuilder[T any] struct {
	advertisements []ble.Advertisement
	parent         T
	buildFunc      func(T, []ble.Advertisement) T
}

// NewAdvertisementArrayBuilder creates an empty array builder.
func NewAdvertisementArrayBuilder[T any]() *AdvertisementArrayBuilder[T] {
	return &AdvertisementArrayBuilder[T]{advertisements: make([]ble.Advertisement, 0)}
}

// WithAdvertisements appends pre-built advertisements.
func (ab *AdvertisementArrayBuilder[T]) WithAdvertisements(ads ...ble.Advertisement) *AdvertisementArrayBuilder[T] {
	ab.advertisements = append(ab.advertisements, ads...)
	return ab
}

// WithNewAdvertisement starts a nested advertisement; its Build returns here.
func (ab *AdvertisementArrayBuilder[T]) WithNewAdvertisement() *AdvertisementArrayBuilderItem[T] {
	return &AdvertisementArrayBuilderItem[T]{
		AdvertisementBuilder: NewAdvertisementBuilder(),
		parent:               ab,
	}
}

// Build returns the parent when one is attached, otherwise the advertisements.
func (ab *AdvertisementArrayBuilder[T]) Build() T {
	if ab.buildFunc != nil {
		return ab.buildFunc(ab.parent, ab.advertisements)
	}
	var result interface{} = ab.advertisements
	return result.(T)
}

// AdvertisementArrayBuilderItem is an AdvertisementBuilder bound to an array builder.
type AdvertisementArrayBuilderItem[T any] struct {
	*AdvertisementBuilder
	parent *AdvertisementArrayBuilder[T]
}

// Build appends the advertisement to the parent array and returns it.
func (abi *AdvertisementArrayBuilderItem[T]) Build() *AdvertisementArrayBuilder[T] {
	abi.parent.advertisements = append(abi.parent.advertisements, abi.AdvertisementBuilder.Build())
	return abi.parent
}

// WithName sets the local name.
func (abi *AdvertisementArrayBuilderItem[T]) WithName(name string) *AdvertisementArrayBuilderItem[T] {
	abi.AdvertisementBuilder.WithName(name)
	return abi
}

// WithAddress sets the device address.
func (abi *AdvertisementArrayBuilderItem[T]) WithAddress(addr string) *AdvertisementArrayBuilderItem[T] {
	abi.AdvertisementBuilder.WithAddress(addr)
	return abi
}

// WithRSSI sets the signal strength.
func (abi *AdvertisementArrayBuilderItem[T]) WithRSSI(rssi int) *AdvertisementArrayBuilderItem[T] {
	abi.AdvertisementBuilder.WithRSSI(rssi)
	return abi
}

// WithServices adds advertised service UUIDs.
func (abi *AdvertisementArrayBuilderItem[T]) WithServices(uuids ...string) *AdvertisementArrayBuilderItem[T] {
	abi.AdvertisementBuilder.WithServices(uuids...)
	return abi
}
