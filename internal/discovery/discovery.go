// Package discovery locates ZKTeco-family terminals on the local LAN
// by concurrently TCP-probing candidate /24 ranges, with smart host
// ordering, an early exit once enough devices are found, and
// best-effort ARP/identity enrichment.
package discovery

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/device"
	"zk-attendance-bridge/internal/logging"
	"zk-attendance-bridge/internal/types"
)

// DevicePort is the fixed vendor TCP port.
const DevicePort = 4370

// Config tunes the sweep. Zero values fall back to the package defaults.
type Config struct {
	Workers           int           // default 150
	ProbeTimeout      time.Duration // default 400ms
	MaxDevices        int           // default 5
	TotalBudget       time.Duration // default 40s
	IdentityTimeout   time.Duration // default 3s
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 150
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 400 * time.Millisecond
	}
	if c.MaxDevices <= 0 {
		c.MaxDevices = 5
	}
	if c.TotalBudget <= 0 {
		c.TotalBudget = 40 * time.Second
	}
	if c.IdentityTimeout <= 0 {
		c.IdentityTimeout = 3 * time.Second
	}
	return c
}

// DriverFactory creates a fresh, unconnected driver for the short-lived
// identity-fetch session the scanner opens per open host.
type DriverFactory func() device.Driver

// Scanner runs the concurrent LAN sweep.
type Scanner struct {
	logger        *logrus.Entry
	cfg           Config
	driverFactory DriverFactory
}

// New creates a Scanner. driverFactory is typically zkteco.New — a
// factory rather than a shared driver because identity fetch opens its
// own short-lived session independent of the main device session.
func New(logger *logrus.Logger, cfg Config, driverFactory DriverFactory) *Scanner {
	return &Scanner{
		logger:        logger.WithField("component", "discovery"),
		cfg:           cfg.withDefaults(),
		driverFactory: driverFactory,
	}
}

// candidate is one host to probe.
type candidate struct {
	ip string
}

// Scan runs the full sweep and never returns an error: an empty list
// means no device answered within the budget. The default 192.168.0-2
// prefixes are swept even when no usable interface is found.
func (s *Scanner) Scan(ctx context.Context) []types.DeviceInfo {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TotalBudget)
	defer cancel()

	prefixes := s.candidatePrefixes()
	if len(prefixes) == 0 {
		s.logger.Warn("no candidate network prefixes found")
		return nil
	}

	candidates := s.orderedCandidates(prefixes)
	openHosts := s.probeAll(ctx, candidates)
	if len(openHosts) == 0 {
		return nil
	}

	s.enrichARP(openHosts)

	infos := make([]types.DeviceInfo, 0, len(openHosts))
	for _, h := range openHosts {
		infos = append(infos, s.fetchIdentity(ctx, h))
	}
	return infos
}

// FindFirst returns the IP of the first device found, or "" if none.
func (s *Scanner) FindFirst(ctx context.Context) string {
	devices := s.Scan(ctx)
	if len(devices) == 0 {
		return ""
	}
	return devices[0].IP
}

// openHost is an IP known to accept a TCP connection on DevicePort.
type openHost struct {
	ip  string
	mac string
}

// candidatePrefixes enumerates non-internal, non-link-local IPv4
// interfaces and unions their /24 prefixes with three common
// defaults for home/office LANs.
func (s *Scanner) candidatePrefixes() []string {
	set := map[string]struct{}{
		"192.168.0.": {},
		"192.168.1.": {},
		"192.168.2.": {},
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		s.logger.WithError(err).Warn("failed to enumerate network interfaces")
	} else {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
				continue
			}
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}
			for _, addr := range addrs {
				ipnet, ok := addr.(*net.IPNet)
				if !ok {
					continue
				}
				ip4 := ipnet.IP.To4()
				if ip4 == nil || ip4.IsLoopback() || ip4.IsLinkLocalUnicast() {
					continue
				}
				prefix := fmt.Sprintf("%d.%d.%d.", ip4[0], ip4[1], ip4[2])
				set[prefix] = struct{}{}
			}
		}
	}

	prefixes := make([]string, 0, len(set))
	for p := range set {
		prefixes = append(prefixes, p)
	}
	return prefixes
}

// localIPv4s returns the set of IPv4 addresses assigned to this host,
// so the scanner never probes itself.
func (s *Scanner) localIPv4s() map[string]struct{} {
	set := make(map[string]struct{})
	ifaces, err := net.Interfaces()
	if err != nil {
		s.logger.WithError(err).Warn("failed to enumerate network interfaces for self-ip exclusion")
		return set
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				set[ip4.String()] = struct{}{}
			}
		}
	}
	return set
}

// orderedCandidates builds, per prefix, the smart host order
// [100..200] then [2..99, 201..254], skipping .1, .255, and this
// host's own address.
func (s *Scanner) orderedCandidates(prefixes []string) []candidate {
	self := s.localIPv4s()

	var out []candidate
	appendHost := func(prefix string, host int) {
		ip := prefix + strconv.Itoa(host)
		if _, isSelf := self[ip]; isSelf {
			return
		}
		out = append(out, candidate{ip: ip})
	}
	for _, prefix := range prefixes {
		for host := 100; host <= 200; host++ {
			appendHost(prefix, host)
		}
		for host := 2; host <= 99; host++ {
			appendHost(prefix, host)
		}
		for host := 201; host <= 254; host++ {
			appendHost(prefix, host)
		}
	}
	return out
}

// probeAll drains candidates through a fixed worker pool, honoring
// early exit at MaxDevices.
func (s *Scanner) probeAll(ctx context.Context, candidates []candidate) []openHost {
	var cursor int64 = -1
	var found int32
	var mu sync.Mutex
	var results []openHost

	var wg sync.WaitGroup
	for w := 0; w < s.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer logging.Recover(s.logger)
			for {
				if atomic.LoadInt32(&found) >= int32(s.cfg.MaxDevices) {
					return
				}
				select {
				case <-ctx.Done():
					return
				default:
				}

				idx := atomic.AddInt64(&cursor, 1)
				if idx >= int64(len(candidates)) {
					return
				}
				c := candidates[idx]

				if s.probeOne(c.ip) {
					mu.Lock()
					results = append(results, openHost{ip: c.ip})
					mu.Unlock()
					atomic.AddInt32(&found, 1)
				}
			}
		}()
	}
	wg.Wait()
	return results
}

func (s *Scanner) probeOne(ip string) bool {
	addr := net.JoinHostPort(ip, strconv.Itoa(DevicePort))
	conn, err := net.DialTimeout("tcp", addr, s.cfg.ProbeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// enrichARP attaches MAC addresses from the OS ARP table where
// available. Best effort: an unreadable or absent ARP table just
// leaves MAC empty.
func (s *Scanner) enrichARP(hosts []openHost) {
	table := readARPTable()
	if len(table) == 0 {
		return
	}
	for i := range hosts {
		if mac, ok := table[hosts[i].ip]; ok {
			hosts[i].mac = mac
		}
	}
}

// readARPTable parses /proc/net/arp (Linux). On any other platform, or
// if the file is unreadable, it returns an empty map.
func readARPTable() map[string]string {
	f, err := os.Open("/proc/net/arp")
	if err != nil {
		return nil
	}
	defer f.Close()

	table := make(map[string]string)
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue // header line
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		ip, mac := fields[0], fields[3]
		if mac != "" && mac != "00:00:00:00:00:00" {
			table[ip] = mac
		}
	}
	return table
}

// fetchIdentity opens a short-lived driver session against host and
// calls GetInfo with a hard total timeout; a timeout downgrades
// metadata to a placeholder rather than dropping the host.
func (s *Scanner) fetchIdentity(ctx context.Context, host openHost) types.DeviceInfo {
	info := types.DeviceInfo{IP: host.ip, Port: DevicePort, MAC: host.mac}

	if s.driverFactory == nil {
		return info
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.IdentityTimeout)
	defer cancel()

	drv := s.driverFactory()
	if err := drv.Connect(fetchCtx, host.ip, DevicePort); err != nil {
		s.logger.WithError(err).WithField("ip", host.ip).Debug("identity fetch connect failed")
		return info
	}
	defer drv.Disconnect(context.Background())

	fetched, err := drv.GetInfo(fetchCtx)
	if err != nil {
		s.logger.WithError(err).WithField("ip", host.ip).Debug("identity fetch timed out or failed")
		return info
	}

	fetched.IP = host.ip
	fetched.Port = DevicePort
	fetched.MAC = host.mac
	return fetched
}
