package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"lanshare/models"
)

type scanRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner discovers peers with periodic and on-demand mDNS queries and
// feeds what it sees into a Registry.
type PeerScanner struct {
	cfg      Config
	registry *Registry
	log      logrus.FieldLogger

	browse browseFunc
	lookup lookupFunc

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	scanRequests    chan scanRequest
	refreshRequests chan string

	pendingMu sync.Mutex
	pending   map[string]struct{}
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config, registry *Registry) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}
	if registry == nil {
		registry = NewRegistry(cfg.StaleAfter, cfg.OfflineAfter)
	}

	return &PeerScanner{
		cfg:             cfg,
		registry:        registry,
		log:             cfg.Logger.WithField("component", "discovery"),
		browse:          cfg.browseFn,
		lookup:          cfg.lookupFn,
		scanRequests:    make(chan scanRequest),
		refreshRequests: make(chan string, 16),
		pending:         make(map[string]struct{}),
	}, nil
}

// Registry returns the registry the scanner feeds.
func (s *PeerScanner) Registry() *Registry {
	return s.registry
}

// Start begins background peer scanning and liveness sweeps.
func (s *PeerScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(2)
		go s.loop()
		go s.sweepLoop()
	})
	return nil
}

// Stop stops background scanning. Pending refreshes are abandoned.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// Scan runs a full browse window and waits for it to finish.
func (s *PeerScanner) Scan(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("peer scanner is not started")
	}

	req := scanRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.scanRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}
}

// Refresh queues a targeted lookup of one device and returns at once.
// Unknown devices fall back to a full browse. Duplicate requests for a
// device that is already queued are coalesced.
func (s *PeerScanner) Refresh(deviceID string) {
	s.pendingMu.Lock()
	if _, queued := s.pending[deviceID]; queued {
		s.pendingMu.Unlock()
		return
	}
	s.pending[deviceID] = struct{}{}
	s.pendingMu.Unlock()

	select {
	case s.refreshRequests <- deviceID:
	default:
		s.clearPending(deviceID)
		s.log.WithField("device_id", deviceID).Debug("refresh queue full, dropping request")
	}
}

func (s *PeerScanner) clearPending(deviceID string) {
	s.pendingMu.Lock()
	delete(s.pending, deviceID)
	s.pendingMu.Unlock()
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.scanRequests:
			req.done <- s.runScan(req.ctx)
		case deviceID := <-s.refreshRequests:
			s.clearPending(deviceID)
			s.runRefresh(deviceID)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			s.registry.Sweep(now)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) runRefresh(deviceID string) {
	device, known := s.registry.Get(deviceID)
	if !known || device.Instance == "" {
		if err := s.runScan(context.Background()); err != nil {
			s.log.WithError(err).WithField("device_id", deviceID).Warn("refresh scan failed")
		}
		return
	}

	err := s.collect(context.Background(), func(ctx context.Context, entries chan<- *zeroconf.ServiceEntry) error {
		return s.lookup(ctx, device.Instance, s.cfg.Service, s.cfg.Domain, entries)
	})
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"device_id": deviceID,
			"instance":  device.Instance,
		}).Warn("targeted mDNS lookup failed")
	}
}

func (s *PeerScanner) runScan(requestCtx context.Context) error {
	return s.collect(requestCtx, func(ctx context.Context, entries chan<- *zeroconf.ServiceEntry) error {
		return s.browse(ctx, s.cfg.Service, s.cfg.Domain, entries)
	})
}

// collect runs one query window bounded by ScanTimeout and feeds every
// entry it yields into the registry as it arrives.
func (s *PeerScanner) collect(requestCtx context.Context, query func(context.Context, chan<- *zeroconf.ServiceEntry) error) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		var in <-chan *zeroconf.ServiceEntry = entries
		for {
			select {
			case <-scanCtx.Done():
				for {
					select {
					case entry, ok := <-in:
						if !ok {
							return
						}
						s.handleEntry(entry)
					default:
						return
					}
				}
			case entry, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				s.handleEntry(entry)
			}
		}
	}()

	queryErr := query(scanCtx, entries)
	<-scanCtx.Done()
	<-collectorDone

	if queryErr != nil && !errors.Is(queryErr, context.DeadlineExceeded) && !errors.Is(queryErr, context.Canceled) {
		return queryErr
	}
	return nil
}

func (s *PeerScanner) handleEntry(entry *zeroconf.ServiceEntry) {
	if entry == nil {
		return
	}
	device, ok := parseEntry(entry, s.cfg.SelfDeviceID)
	if !ok {
		return
	}
	if entry.TTL == 0 {
		if s.registry.Remove(device.DeviceID) {
			s.log.WithField("device_id", device.DeviceID).Debug("device sent mDNS goodbye")
		}
		return
	}
	device.LastSeen = time.Now()
	s.registry.Observe(device)
}

// A zeroconf resolver shuts its sockets down when its query context ends,
// so every query gets a fresh one.
func browseWithNewResolver(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	return resolver.Browse(ctx, service, domain, entries)
}

func lookupWithNewResolver(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	return resolver.Lookup(ctx, instance, service, domain, entries)
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (models.DiscoveredDevice, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt[txtDeviceID])
	if deviceID == "" || deviceID == selfDeviceID {
		return models.DiscoveredDevice{}, false
	}

	version := 0
	if txt[txtVersion] != "" {
		if parsed, err := strconv.Atoi(txt[txtVersion]); err == nil {
			version = parsed
		}
	}

	ipv4 := uniqueAddresses(entry.AddrIPv4)
	ipv6 := uniqueAddresses(entry.AddrIPv6)
	addresses := append(append([]string(nil), ipv4...), ipv6...)

	host := ""
	switch {
	case len(ipv4) > 0:
		host = ipv4[0]
	case len(ipv6) > 0:
		host = ipv6[0]
	default:
		host = strings.TrimSuffix(entry.HostName, ".")
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return models.DiscoveredDevice{
		DeviceInfo: models.DeviceInfo{
			DeviceID:        deviceID,
			DeviceName:      name,
			DisplayName:     strings.TrimSpace(txt[txtDisplayName]),
			ProtocolVersion: version,
			Port:            entry.Port,
			Platform:        strings.TrimSpace(txt[txtPlatform]),
			Fingerprint:     strings.TrimSpace(txt[txtFingerprint]),
		},
		Instance:  entry.Instance,
		Host:      host,
		Addresses: addresses,
	}, true
}

func uniqueAddresses(ips []net.IP) []string {
	out := make([]string, 0, len(ips))
	seen := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		out = append(out, raw)
	}
	sort.Strings(out)
	return out
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
