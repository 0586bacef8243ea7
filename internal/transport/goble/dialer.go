// Package goble connects a transport.Session to a SPIKE Prime hub over
// Bluetooth LE using github.com/go-ble/ble.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/stepbot/internal/transport"
)

// GATT identifiers of the hub's framed-message service.
const (
	ServiceUUID = "0000fd02-0000-1000-8000-00805f9b34fb"
	RXCharUUID  = "0000fd02-0001-1000-8000-00805f9b34fb" // host -> hub, write without response
	TXCharUUID  = "0000fd02-0002-1000-8000-00805f9b34fb" // hub -> host, notify
)

var (
	serviceUUID = ble.MustParse(ServiceUUID)
	rxUUID      = ble.MustParse(RXCharUUID)
	txUUID      = ble.MustParse(TXCharUUID)
)

// DeviceFactory creates the ble.Device used for scanning and dialing.
// Tests replace it with a mocked device.
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// Options configure a Dialer.
type Options struct {
	// Address of the hub. Empty means connect to the first hub found by scanning.
	Address        string
	ScanTimeout    time.Duration `default:"10s"`
	ConnectTimeout time.Duration `default:"15s"`
}

// Dialer implements transport.Dialer on top of go-ble.
type Dialer struct {
	opts   Options
	logger *logrus.Logger
}

// NewDialer creates a Dialer. Zero durations in opts take their defaults.
func NewDialer(opts Options, logger *logrus.Logger) *Dialer {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
	}
	return &Dialer{opts: opts, logger: logger}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, onPacket transport.PacketHandler) (transport.Link, error) {
	dev, err := DeviceFactory()
	if err != nil {
		d.logger.WithError(err).Error("Failed to create BLE device")
		return nil, NormalizeError(err)
	}

	address := d.opts.Address
	if address == "" {
		hubs, err := scanDevice(ctx, dev, d.opts.ScanTimeout, true, d.logger)
		if err != nil {
			return nil, err
		}
		if len(hubs) == 0 {
			return nil, &transport.ConnectionError{
				State: transport.NoHubFound,
				Msg:   fmt.Sprintf("no hub advertising %s within %s", ServiceUUID, d.opts.ScanTimeout),
			}
		}
		address = hubs[0].Address
		d.logger.WithFields(logrus.Fields{
			"name":    hubs[0].Name,
			"address": address,
			"rssi":    hubs[0].RSSI,
		}).Info("Found hub")
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
	defer cancel()

	d.logger.WithField("address", address).Debug("Dialing hub...")
	client, err := dev.Dial(dialCtx, ble.NewAddr(address))
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to dial hub")
		return nil, dialError(address, err)
	}

	l, err := d.attach(client, onPacket)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			d.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection after setup failure")
		}
		return nil, dialError(address, err)
	}

	d.logger.WithField("address", address).Info("Hub link established")
	return l, nil
}

func (d *Dialer) attach(client ble.Client, onPacket transport.PacketHandler) (*link, error) {
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", err)
	}

	rx := findCharacteristic(profile, rxUUID)
	tx := findCharacteristic(profile, txUUID)
	if rx == nil || tx == nil {
		return nil, fmt.Errorf("device does not expose the hub service %s", ServiceUUID)
	}

	l := &link{client: client, rx: rx, tx: tx, logger: d.logger}
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		l.disconnected = dc.Disconnected()
	} else {
		d.logger.Debug("Client does not support Disconnected() channel")
	}

	err = client.Subscribe(tx, false, func(data []byte) {
		onPacket(append([]byte(nil), data...))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", TXCharUUID, err)
	}
	return l, nil
}

func dialError(address string, err error) error {
	err = NormalizeError(err)
	var cerr *transport.ConnectionError
	if errors.As(err, &cerr) {
		return err
	}
	return &transport.ConnectionError{State: transport.DialFailed, Msg: address, Err: err}
}

func findCharacteristic(profile *ble.Profile, uuid ble.UUID) *ble.Characteristic {
	if profile == nil {
		return nil
	}
	for _, svc := range profile.Services {
		if !svc.UUID.Equal(serviceUUID) {
			continue
		}
		for _, c := range svc.Characteristics {
			if c.UUID.Equal(uuid) {
				return c
			}
		}
	}
	return nil
}

// link is a transport.Link over a connected go-ble client.
type link struct {
	client       ble.Client
	rx, tx       *ble.Characteristic
	disconnected <-chan struct{}
	logger       *logrus.Logger

	closeOnce sync.Once
	closeErr  error
}

func (l *link) Write(packet []byte) error {
	if err := l.client.WriteCharacteristic(l.rx, packet, true); err != nil {
		return NormalizeError(err)
	}
	return nil
}

func (l *link) Disconnected() <-chan struct{} {
	return l.disconnected
}

func (l *link) Close() error {
	l.closeOnce.Do(func() {
		if err := l.client.Unsubscribe(l.tx, false); err != nil {
			l.logger.WithError(err).Debug("Unsubscribe failed during close")
		}
		l.closeErr = NormalizeError(l.client.CancelConnection())
	})
	return l.closeErr
}
