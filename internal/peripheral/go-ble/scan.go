package goble

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
	"github.com/srg/humlink/internal/peripheral"
)

// ProgressCallback is called when the scan phase changes.
type ProgressCallback func(phase string)

// ScanOptions configures a discovery scan.
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool
	ServiceUUIDs    []ble.UUID
	AllowList       []string
	BlockList       []string
	// StopOnName ends the scan as soon as a peripheral with this exact name
	// is seen.
	StopOnName string
}

// DefaultScanOptions returns default scanning options.
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        5 * time.Second,
		DuplicateFilter: true,
	}
}

// Scanner collects advertising peripherals into a concurrent registry keyed
// by address.
type Scanner struct {
	radio  Radio
	logger *logrus.Logger

	devices *hashmap.Map[string, peripheral.Descriptor]
	opts    *ScanOptions
	stop    context.CancelFunc
}

// NewScanner creates a scanner over radio.
func NewScanner(radio Radio, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{radio: radio, logger: logger}
}

// Scan runs one bounded scan and returns what it saw, sorted by name then
// address. Running out of time is the normal end of a scan, not an error.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progress ProgressCallback) ([]peripheral.Descriptor, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progress == nil {
		progress = func(string) {}
	}

	s.devices = hashmap.New[string, peripheral.Descriptor]()
	s.opts = opts
	defer func() { s.opts = nil }()

	scanCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()
	s.stop = cancel

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	progress("Scanning")

	err := s.radio.Scan(scanCtx, !opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", NormalizeError(err))
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")
	progress("Processing results")

	out := make([]peripheral.Descriptor, 0, s.devices.Len())
	s.devices.Range(func(_ string, d peripheral.Descriptor) bool {
		out = append(out, d)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Scanner) handleAdvertisement(adv ble.Advertisement) {
	opts := s.opts
	if opts == nil {
		return
	}

	id := adv.Addr().String()
	name := strings.TrimRight(adv.LocalName(), "\x00")

	prev, existing := s.devices.Get(id)
	if !existing && !shouldInclude(adv, opts) {
		return
	}
	if existing && (name == "" || name == prev.Name) {
		return
	}

	s.devices.Set(id, peripheral.Descriptor{ID: id, Name: name})
	if !existing {
		s.logger.WithFields(logrus.Fields{
			"device":  name,
			"address": id,
			"rssi":    adv.RSSI(),
		}).Debug("Discovered new device")
	}

	if opts.StopOnName != "" && name == opts.StopOnName && s.stop != nil {
		s.stop()
	}
}

// shouldInclude applies the allow, block and service filters.
func shouldInclude(adv ble.Advertisement, opts *ScanOptions) bool {
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

	if len(opts.ServiceUUIDs) == 0 {
		return true
	}
	for _, required := range opts.ServiceUUIDs {
		for _, advUUID := range adv.Services() {
			if required.Equal(advUUID) {
				return true
			}
		}
	}
	return false
}
