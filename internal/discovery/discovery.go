// Package discovery scans a local network for NuVo/Autonomic zone
// controllers by probing the MRAD and MCS control ports.
package discovery

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"nuvogw/internal/model"
)

// Config tunes scan concurrency and per-host probe timeouts.
type Config struct {
	MRADPort         int
	MCSPort          int
	Concurrency      int
	ConnectTimeout   time.Duration // default 500ms
	IdentifyTimeout  time.Duration // default 2s
}

func (c Config) withDefaults() Config {
	if c.MRADPort <= 0 {
		c.MRADPort = 5006
	}
	if c.MCSPort <= 0 {
		c.MCSPort = 5004
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 100
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 500 * time.Millisecond
	}
	if c.IdentifyTimeout <= 0 {
		c.IdentifyTimeout = 2 * time.Second
	}
	return c
}

// vendorTokens are the banner substrings that identify a genuine device
// rather than some unrelated service that happens to answer on the port.
var vendorTokens = []string{"NuVo", "Autonomic"}

// Scanner probes a CIDR range for zone controllers.
type Scanner struct {
	cfg Config
}

// New returns a Scanner configured with cfg (zero value uses defaults).
func New(cfg Config) *Scanner {
	return &Scanner{cfg: cfg.withDefaults()}
}

// Scan enumerates every host address in cidr (excluding network/broadcast
// addresses) and probes each concurrently, bounded by cfg.Concurrency.
// Results are returned only for hosts with at least one open port.
func (s *Scanner) Scan(ctx context.Context, cidr string) ([]model.DiscoveredDevice, error) {
	ips, err := hostsIn(cidr)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}

	sem := make(chan struct{}, s.cfg.Concurrency)
	results := make(chan model.DiscoveredDevice, len(ips))
	// limiter paces how fast new probes are launched, independent of the sem
	// bound on how many run concurrently: a burst of Concurrency probes at
	// once is fine, but a sustained flood across a /16 is not.
	limiter := rate.NewLimiter(rate.Limit(s.cfg.Concurrency*4), s.cfg.Concurrency)
	var wg sync.WaitGroup

scanLoop:
	for _, ip := range ips {
		select {
		case <-ctx.Done():
			break scanLoop
		default:
		}
		if err := limiter.Wait(ctx); err != nil {
			break scanLoop
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(ip string) {
			defer wg.Done()
			defer func() { <-sem }()
			if dev, ok := s.scanHost(ctx, ip); ok {
				results <- dev
			}
		}(ip)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var found []model.DiscoveredDevice
	for dev := range results {
		found = append(found, dev)
	}
	return found, nil
}

func (s *Scanner) scanHost(ctx context.Context, ip string) (model.DiscoveredDevice, bool) {
	mradOpen := s.probePort(ctx, ip, s.cfg.MRADPort)
	mcsOpen := s.probePort(ctx, ip, s.cfg.MCSPort)
	if !mradOpen && !mcsOpen {
		return model.DiscoveredDevice{}, false
	}

	dev := model.DiscoveredDevice{IP: ip, MRADOpen: mradOpen, MCSOpen: mcsOpen}
	if mradOpen {
		banner, identified := s.identifyMRAD(ctx, ip)
		dev.Banner = banner
		dev.Identified = identified
	}
	if names, err := net.DefaultResolver.LookupAddr(ctx, ip); err == nil && len(names) > 0 {
		dev.Hostname = strings.TrimSuffix(names[0], ".")
	}
	return dev, true
}

func (s *Scanner) probePort(ctx context.Context, ip string, port int) bool {
	d := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// identifyMRAD wakes the zone controller and checks its banner for a known
// vendor token, the same handshake the persistent client uses to connect.
func (s *Scanner) identifyMRAD(ctx context.Context, ip string) (banner string, identified bool) {
	d := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(s.cfg.MRADPort)))
	if err != nil {
		return "", false
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(s.cfg.IdentifyTimeout))
	if _, err := conn.Write([]byte("*\r")); err != nil {
		return "", false
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\a') // BEL terminates the banner
	if err != nil {
		return "", false
	}
	banner = strings.TrimSpace(strings.Trim(line, "\a"))
	for _, tok := range vendorTokens {
		if strings.Contains(banner, tok) {
			return banner, true
		}
	}
	return banner, false
}

// hostsIn enumerates every usable host address in a CIDR block, excluding
// the network and broadcast addresses (mirroring Python's
// ipaddress.ip_network(...).hosts()).
func hostsIn(cidr string) ([]string, error) {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
	}

	var ips []string
	ip := cloneIP(network.IP)
	for network.Contains(ip) {
		ips = append(ips, ip.String())
		incIP(ip)
	}

	if len(ips) > 2 {
		ips = ips[1 : len(ips)-1] // drop network and broadcast addresses
	}
	return ips, nil
}

func cloneIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			return
		}
	}
}

// DetectLocalNetwork guesses the operator's own /24 by opening a UDP
// "connection" to a public address and reading back the local outbound IP;
// no packets are actually sent. Used when a scan request omits a CIDR.
func DetectLocalNetwork() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("discovery: detect local network: %w", err)
	}
	defer conn.Close()

	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("discovery: unexpected local addr type %T", conn.LocalAddr())
	}
	ip4 := local.IP.To4()
	if ip4 == nil {
		return "", fmt.Errorf("discovery: local address is not IPv4: %s", local.IP)
	}
	slog.Debug("detected local network", "ip", ip4.String())
	return fmt.Sprintf("%d.%d.%d.0/24", ip4[0], ip4[1], ip4[2]), nil
}
