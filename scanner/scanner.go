// Package scanner discovers advertising BLE peripherals and keeps a merged
// snapshot of every device seen during a scan.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/ebikelink/internal/bledb"
	"github.com/srg/ebikelink/internal/dev"
	"github.com/srg/ebikelink/internal/ringchan"
	"github.com/srg/ebikelink/internal/wire"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

type DeviceEvent struct {
	Type   DeviceEventType
	Device Device
}

// Device is a point-in-time snapshot of one discovered peripheral. Snapshots
// are stored and passed by value; each advertisement replaces the previous
// snapshot with a merged one.
type Device struct {
	Address        string    `json:"address"`
	Name           string    `json:"name,omitempty"`
	RSSI           int       `json:"rssi"`
	Connectable    bool      `json:"connectable"`
	Services       []string  `json:"services,omitempty"`
	Company        string    `json:"company,omitempty"`
	FirstSeen      time.Time `json:"firstSeen"`
	LastSeen       time.Time `json:"lastSeen"`
	Advertisements int       `json:"advertisements"`
}

// Scanner handles BLE device discovery
type Scanner struct {
	devices *hashmap.Map[string, Device]
	events  *ringchan.Ring[DeviceEvent]
	logger  *logrus.Logger

	scanOptions *ScanOptions
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	// Duration bounds the scan; zero scans until the context is done.
	Duration time.Duration
	// AllowDuplicates requests repeated advertisements from the same
	// peripheral so RSSI and names picked up from scan responses keep
	// the snapshots fresh.
	AllowDuplicates bool
	ServiceUUIDs    []ble.UUID
	// Name keeps only devices whose local name contains this substring,
	// compared case-insensitively.
	Name      string
	AllowList []string
	BlockList []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        10 * time.Second,
		AllowDuplicates: true,
	}
}

// NewScanner creates a new BLE scanner
func NewScanner(logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		devices: hashmap.New[string, Device](),
		events:  ringchan.New[DeviceEvent](100),
		logger:  logger,
	}
}

// Scan performs BLE discovery with provided options
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) (map[string]Device, error) {
	s.devices = hashmap.New[string, Device]()

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")

	// Report scanning phase
	progressCallback("Scanning")

	device, err := dev.InitDefault()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}

	s.scanOptions = opts
	defer func() {
		s.scanOptions = nil
	}()

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	err = device.Scan(scanCtx, opts.AllowDuplicates, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")

	// Report processing phase
	progressCallback("Processing results")

	devices := make(map[string]Device, s.devices.Len())
	s.devices.Range(func(key string, value Device) bool {
		devices[key] = value
		return true
	})

	return devices, nil
}

// handleAdvertisement merges an advertisement into the device registry
func (s *Scanner) handleAdvertisement(adv ble.Advertisement) {
	address := adv.Addr().String()

	previous, existing := s.devices.Get(address)
	if !existing && !s.shouldIncludeDevice(adv, s.scanOptions) {
		return
	}

	snapshot := mergeAdvertisement(previous, adv, existing)
	s.devices.Set(address, snapshot)

	event := DeviceEvent{
		Type:   EventUpdated,
		Device: snapshot,
	}
	if !existing {
		event.Type = EventNew
		s.logger.WithFields(logrus.Fields{
			"device":  snapshot.Name,
			"address": snapshot.Address,
			"rssi":    snapshot.RSSI,
		}).Info("Discovered new device")
	}

	s.events.ForceSend(event)
}

// mergeAdvertisement folds one advertisement into the previous snapshot.
// Names only appear in some advertising frames, so an existing name is
// never cleared by a frame without one.
func mergeAdvertisement(previous Device, adv ble.Advertisement, existing bool) Device {
	now := time.Now()

	d := previous
	if !existing {
		d = Device{
			Address:   adv.Addr().String(),
			FirstSeen: now,
		}
	}

	d.LastSeen = now
	d.Advertisements++
	d.RSSI = adv.RSSI()
	d.Connectable = adv.Connectable()
	if name := adv.LocalName(); name != "" {
		d.Name = name
	}
	d.Services = mergeServices(d.Services, adv.Services())
	if d.Company == "" {
		if _, name, err := bledb.CompanyFromData(adv.ManufacturerData()); err == nil {
			d.Company = name
		}
	}

	return d
}

// mergeServices appends newly advertised service UUIDs, normalized, keeping
// first-seen order.
func mergeServices(known []string, advertised []ble.UUID) []string {
	for _, u := range advertised {
		id := wire.NormalizeUUID(u.String())
		seen := false
		for _, k := range known {
			if k == id {
				seen = true
				break
			}
		}
		if !seen {
			known = append(known, id)
		}
	}
	return known
}

// shouldIncludeDevice applies the allow/block/service/name filters.
// Addresses compare case-insensitively; the HCI layer reports them
// lowercase while users tend to type MACs uppercase.
func (s *Scanner) shouldIncludeDevice(adv ble.Advertisement, opts *ScanOptions) bool {
	addr := adv.Addr().String()

	for _, blocked := range opts.BlockList {
		if strings.EqualFold(addr, blocked) {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if strings.EqualFold(addr, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(opts.ServiceUUIDs) > 0 {
		hasRequired := false
		for _, required := range opts.ServiceUUIDs {
			for _, advUUID := range adv.Services() {
				if required.Equal(advUUID) {
					hasRequired = true
					break
				}
			}
			if hasRequired {
				break
			}
		}
		if !hasRequired {
			return false
		}
	}

	if opts.Name != "" {
		if !strings.Contains(strings.ToLower(adv.LocalName()), strings.ToLower(opts.Name)) {
			return false
		}
	}

	return true
}

// Devices returns a snapshot of discovered devices sorted by address
func (s *Scanner) Devices() []Device {
	devs := make([]Device, 0, s.devices.Len())

	s.devices.Range(func(key string, value Device) bool {
		devs = append(devs, value)
		return true
	})

	sort.Slice(devs, func(i, j int) bool {
		return devs[i].Address < devs[j].Address
	})

	return devs
}

// Events returns a read-only channel of device events
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}
