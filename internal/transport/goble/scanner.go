package goble

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

// HubInfo describes an advertising hub.
type HubInfo struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    int    `json:"rssi"`
}

// Scan listens for hub advertisements for the given duration and returns
// every hub seen, strongest signal first.
func Scan(ctx context.Context, timeout time.Duration, logger *logrus.Logger) ([]HubInfo, error) {
	if logger == nil {
		logger = logrus.New()
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	return scanDevice(ctx, dev, timeout, false, logger)
}

func scanDevice(ctx context.Context, dev ble.Device, timeout time.Duration, first bool, logger *logrus.Logger) ([]HubInfo, error) {
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	seen := hashmap.New[string, HubInfo]()
	handler := func(adv ble.Advertisement) {
		if !advertisesHub(adv) {
			return
		}
		info := HubInfo{Name: adv.LocalName(), Address: adv.Addr().String(), RSSI: adv.RSSI()}
		if _, known := seen.Get(info.Address); !known {
			logger.WithFields(logrus.Fields{
				"name":    info.Name,
				"address": info.Address,
				"rssi":    info.RSSI,
			}).Debug("Hub advertisement")
		}
		seen.Set(info.Address, info)
		if first {
			cancel()
		}
	}

	logger.WithField("timeout", timeout).Debug("Scanning for hubs...")
	err := dev.Scan(scanCtx, true, handler)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, NormalizeError(err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	hubs := make([]HubInfo, 0, seen.Len())
	seen.Range(func(_ string, info HubInfo) bool {
		hubs = append(hubs, info)
		return true
	})
	sort.Slice(hubs, func(i, j int) bool {
		if hubs[i].RSSI != hubs[j].RSSI {
			return hubs[i].RSSI > hubs[j].RSSI
		}
		return hubs[i].Address < hubs[j].Address
	})
	return hubs, nil
}

func advertisesHub(adv ble.Advertisement) bool {
	for _, u := range adv.Services() {
		if u.Equal(serviceUUID) {
			return true
		}
	}
	return false
}
