package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"lanshare/models"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_lanshare._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 2
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan and targeted lookup.
	DefaultScanTimeout = 3 * time.Second
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 120
)

const (
	txtDeviceID    = "device_id"
	txtVersion     = "version"
	txtDisplayName = "display_name"
	txtPlatform    = "platform"
	txtFingerprint = "fingerprint"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
type lookupFunc func(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcaster and scanner behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32

	// StaleAfter is how long a device may go unseen before its address is
	// no longer handed out. OfflineAfter removes it from the registry.
	StaleAfter    time.Duration
	OfflineAfter  time.Duration
	SweepInterval time.Duration

	SelfDeviceID   string
	DeviceName     string
	DisplayName    string
	Platform       string
	ListeningPort  int
	KeyFingerprint string

	Logger logrus.FieldLogger

	registerFn registerFunc
	browseFn   browseFunc
	lookupFn   lookupFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = 3 * out.RefreshInterval
	}
	if out.OfflineAfter <= out.StaleAfter {
		out.OfflineAfter = 2 * out.StaleAfter
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = out.StaleAfter / 3
	}
	if out.Platform == "" {
		out.Platform = runtime.GOOS
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.browseFn == nil {
		out.browseFn = browseWithNewResolver
	}
	if out.lookupFn == nil {
		out.lookupFn = lookupWithNewResolver
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	return nil
}

func (c Config) txtRecords() []string {
	return []string{
		txtDeviceID + "=" + c.SelfDeviceID,
		txtVersion + "=" + strconv.Itoa(c.Version),
		txtDisplayName + "=" + c.DisplayName,
		txtPlatform + "=" + c.Platform,
		txtFingerprint + "=" + c.KeyFingerprint,
	}
}

// Broadcaster advertises local device presence via mDNS.
type Broadcaster struct {
	mu     sync.Mutex
	cfg    Config
	server *zeroconf.Server
}

// StartBroadcaster registers and starts mDNS broadcast.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	b := &Broadcaster{cfg: cfg}
	if err := b.register(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broadcaster) register() error {
	server, err := b.cfg.registerFn(b.cfg.DeviceName, b.cfg.Service, b.cfg.Domain, b.cfg.ListeningPort, b.cfg.txtRecords(), nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(b.cfg.TTL)
	}
	b.server = server
	b.cfg.Logger.WithFields(logrus.Fields{
		"instance": b.cfg.DeviceName,
		"service":  b.cfg.Service,
		"port":     b.cfg.ListeningPort,
	}).Debug("mDNS service registered")
	return nil
}

// Update re-announces the device when the display name or port changed.
func (b *Broadcaster) Update(displayName string, port int) error {
	if b == nil {
		return errors.New("broadcaster is not started")
	}
	if port <= 0 {
		return errors.New("listening port must be > 0")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if displayName == b.cfg.DisplayName && port == b.cfg.ListeningPort {
		return nil
	}
	if b.server != nil {
		b.server.Shutdown()
		b.server = nil
	}
	b.cfg.DisplayName = displayName
	b.cfg.ListeningPort = port
	return b.register()
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.server == nil {
		return
	}
	b.server.Shutdown()
	b.server = nil
}

// Service coordinates mDNS broadcast, scanning and the device registry.
type Service struct {
	Broadcaster *Broadcaster
	Scanner     *PeerScanner
	Registry    *Registry

	stopOnce sync.Once
}

// Start starts broadcaster and scanner using one config.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry(cfg.StaleAfter, cfg.OfflineAfter)
	scanner, err := NewPeerScanner(cfg, registry)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		broadcaster.Stop()
		return nil, err
	}

	return &Service{
		Broadcaster: broadcaster,
		Scanner:     scanner,
		Registry:    registry,
	}, nil
}

// Lookup returns the device only while it is online.
func (s *Service) Lookup(deviceID string) (models.DiscoveredDevice, bool) {
	return s.Registry.Lookup(deviceID)
}

// Refresh asks for a targeted re-resolution of one device without blocking.
func (s *Service) Refresh(deviceID string) {
	s.Scanner.Refresh(deviceID)
}

// Find resolves a device id or name to a registry entry in any state.
func (s *Service) Find(query string) (models.DiscoveredDevice, bool) {
	return s.Registry.Find(query)
}

// ListDevices returns a snapshot of every known device.
func (s *Service) ListDevices() []models.DiscoveredDevice {
	return s.Registry.ListDevices()
}

// Subscribe returns a channel of discovery events and its cancel func.
func (s *Service) Subscribe() (<-chan Event, func()) {
	return s.Registry.Subscribe()
}

// Stop stops scanner and broadcaster. It is safe to call more than once.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		if s.Scanner != nil {
			s.Scanner.Stop()
		}
		if s.Broadcaster != nil {
			s.Broadcaster.Stop()
		}
		if s.Registry != nil {
			s.Registry.Close()
		}
	})
}
