// Package discovery enumerates reachable eSCL scanners via mDNS browsing
// and, when that yields nothing, a bounded subnet sweep. It exposes a
// single DiscoverAll entry point; everything else is an implementation
// detail of arbitrating duplicate advertisements into one scanner set.
package discovery

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// Scanner is a reachable eSCL device as arbitrated from mDNS/subnet events.
type Scanner struct {
	ID              string
	Name            string
	Manufacturer    string
	Model           string
	IP              string
	Port            int
	UseTLS          bool
	Protocols       []string
	RSPath          string
	Duplex          bool
	ADF             bool
	Flatbed         bool
	MaxResolution   uint
	ColorModes      []string
	Formats         []string
	DiscoveryMethod string // "mdns" or "ip_scan"
}

// serviceTypes in fixed priority order: eSCL plain, eSCL TLS, generic
// AirPrint-scanner fallback.
var serviceTypes = []struct {
	name   string
	isTLS  bool
	isESCL bool
}{
	{"_uscan._tcp.", false, true},
	{"_uscans._tcp.", true, true},
	{"_scanner._tcp.", false, false},
}

// rawEvent is one resolved mDNS service entry, buffered for arbitration
// after all browse windows close rather than mutated into shared state
// as each event arrives.
type rawEvent struct {
	serviceIsTLS  bool
	serviceIsESCL bool
	ip            string
	port          int
	txt           map[string]string
	displayName   string
}

// Timing holds the discovery engine's tunable windows.
type Timing struct {
	MDNSBrowseWindow time.Duration
	ProbeTimeout     time.Duration
	SweepTimeout     time.Duration
}

// DefaultTiming matches the fixed windows: 5s per mDNS service type, 2s per
// subnet probe, 30s total subnet sweep cap.
func DefaultTiming() Timing {
	return Timing{
		MDNSBrowseWindow: 5 * time.Second,
		ProbeTimeout:     2 * time.Second,
		SweepTimeout:     30 * time.Second,
	}
}

// DiscoverAll runs the mDNS sweep and, if it yields nothing, the subnet
// fallback, returning the arbitrated scanner set. Per-event and per-probe
// errors are swallowed. A resolver creation failure is logged and the
// subnet fallback runs; DiscoverAll does not return that failure, so its
// error result is always nil.
func DiscoverAll(ctx context.Context, timing Timing) ([]Scanner, error) {
	events, mdnsErr := browseMDNS(ctx, timing)
	if mdnsErr != nil {
		log.Printf("[discovery] mDNS resolver unavailable: %v", mdnsErr)
	}

	scanners := arbitrate(events)
	if len(scanners) > 0 {
		return scanners, nil
	}

	fallback := subnetSweep(ctx, timing)
	return fallback, nil
}

// browseMDNS browses all three service types for their fixed window and
// returns every resolved event, unarbitrated.
func browseMDNS(ctx context.Context, timing Timing) ([]rawEvent, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: create mdns resolver: %w", err)
	}

	var mu sync.Mutex
	var events []rawEvent

	for _, st := range serviceTypes {
		entries := make(chan *zeroconf.ServiceEntry, 32)
		done := make(chan struct{})

		go func() {
			defer close(done)
			for entry := range entries {
				ev := toRawEvent(entry, st.isTLS, st.isESCL)
				mu.Lock()
				events = append(events, ev)
				mu.Unlock()
			}
		}()

		browseCtx, cancel := context.WithTimeout(ctx, timing.MDNSBrowseWindow)
		if err := resolver.Browse(browseCtx, st.name, "local.", entries); err != nil {
			log.Printf("[discovery] browse %s: %v", st.name, err)
		}
		<-browseCtx.Done()
		cancel()
		<-done
	}

	return events, nil
}

func toRawEvent(entry *zeroconf.ServiceEntry, isTLS, isESCL bool) rawEvent {
	ip := firstAddr(entry)
	txt := parseTXT(entry.Text)
	return rawEvent{
		serviceIsTLS:  isTLS,
		serviceIsESCL: isESCL,
		ip:            ip,
		port:          entry.Port,
		txt:           txt,
		displayName:   entry.Instance,
	}
}

func firstAddr(entry *zeroconf.ServiceEntry) string {
	for _, ip := range entry.AddrIPv4 {
		return ip.String()
	}
	for _, ip := range entry.AddrIPv6 {
		return ip.String()
	}
	return ""
}

// parseTXT lowercases keys so lookups are case-insensitive per the spec.
func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, rec := range records {
		parts := strings.SplitN(rec, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[strings.ToLower(parts[0])] = parts[1]
	}
	return out
}

// arbitrate is the pure-function reconstruction of preference arbitration:
// partition buffered events by id, reduce each partition by score, then
// drop any generic-service entry whose IP was also seen under an eSCL
// service type.
func arbitrate(events []rawEvent) []Scanner {
	eSCLIPs := make(map[string]bool)
	for _, ev := range events {
		if ev.serviceIsESCL && ev.ip != "" {
			eSCLIPs[ev.ip] = true
		}
	}

	byID := make(map[string][]rawEvent)
	for _, ev := range events {
		if ev.ip == "" {
			continue
		}
		if !ev.serviceIsESCL && eSCLIPs[ev.ip] {
			continue
		}
		id := eventID(ev)
		byID[id] = append(byID[id], ev)
	}

	result := make([]Scanner, 0, len(byID))
	for id, group := range byID {
		best := group[0]
		bestScore := score(best)
		for _, ev := range group[1:] {
			s := score(ev)
			if s > bestScore {
				best = ev
				bestScore = s
			}
		}
		result = append(result, toScanner(id, best))
	}
	return result
}

func eventID(ev rawEvent) string {
	if uuid := ev.txt["uuid"]; uuid != "" {
		return uuid
	}
	return fmt.Sprintf("%s:%d", ev.ip, ev.port)
}

// score implements §4.B-4: +20 TLS, port bonus, +3 IPv4 / -3 IPv6 link-local.
func score(ev rawEvent) int {
	s := 0
	if ev.serviceIsTLS {
		s += 20
	}
	switch ev.port {
	case 443:
		s += 15
	case 80:
		s += 10
	case 8080:
		s += 5
	}
	if !strings.Contains(ev.ip, ":") {
		s += 3
	} else if strings.HasPrefix(strings.ToLower(ev.ip), "fe80:") {
		s -= 3
	}
	return s
}

func toScanner(id string, ev rawEvent) Scanner {
	name := ev.txt["ty"]
	if name == "" {
		name = ev.txt["product"]
	}
	if name == "" {
		name = ev.displayName
	}

	rsPath := strings.TrimPrefix(ev.txt["rs"], "/")
	if rsPath == "" {
		rsPath = "eSCL"
	}

	duplex := isTruthy(ev.txt["duplex"])

	is := strings.ToLower(ev.txt["is"])
	adf := strings.Contains(is, "adf") || strings.Contains(is, "feeder")
	flatbed := strings.Contains(is, "platen") || is == ""

	return Scanner{
		ID:              id,
		Name:            name,
		Model:           name,
		IP:              ev.ip,
		Port:            ev.port,
		UseTLS:          ev.serviceIsTLS,
		Protocols:       []string{"escl"},
		RSPath:          rsPath,
		Duplex:          duplex,
		ADF:             adf,
		Flatbed:         flatbed,
		DiscoveryMethod: "mdns",
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "t", "true", "1":
		return true
	default:
		return false
	}
}

// ports probed during the subnet fallback, in the order spec.md lists them.
var fallbackPorts = []int{80, 443, 8080, 9100}

// subnetSweep probes every host on the local /24 across the four
// candidate ports, bounded by timing.SweepTimeout overall.
func subnetSweep(ctx context.Context, timing Timing) []Scanner {
	base := localSubnetBase()

	sweepCtx, cancel := context.WithTimeout(ctx, timing.SweepTimeout)
	defer cancel()

	type found struct {
		ip   string
		port int
	}

	results := make(chan found, 1016)
	var wg sync.WaitGroup

	for host := 1; host <= 254; host++ {
		ip := fmt.Sprintf("%s.%d", base, host)
		for _, port := range fallbackPorts {
			wg.Add(1)
			go func(ip string, port int) {
				defer wg.Done()
				if probe(sweepCtx, ip, port, timing.ProbeTimeout) {
					select {
					case results <- found{ip, port}:
					case <-sweepCtx.Done():
					}
				}
			}(ip, port)
		}
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var scanners []Scanner
	for f := range results {
		scanners = append(scanners, Scanner{
			ID:              fmt.Sprintf("%s:%d", f.ip, f.port),
			Name:            fmt.Sprintf("Scanner at %s", f.ip),
			IP:              f.ip,
			Port:            f.port,
			UseTLS:          f.port == 443,
			Protocols:       []string{"escl"},
			RSPath:          "eSCL",
			Flatbed:         true,
			DiscoveryMethod: "ip_scan",
		})
	}
	return scanners
}

// probe issues GET <scheme>://<ip>:<port>/eSCL/ScannerCapabilities and
// succeeds when the response is 2xx and contains "ScannerCapabilities".
func probe(ctx context.Context, ip string, port int, timeout time.Duration) bool {
	scheme := "http"
	if port == 443 {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s:%d/eSCL/ScannerCapabilities", scheme, ip, port)

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}

	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf)
	return strings.Contains(string(buf[:n]), "ScannerCapabilities")
}

// localSubnetBase returns octets 1..3 of the primary local IPv4 address,
// falling back to the documented 192.168.1 when only IPv6 is available.
func localSubnetBase() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "192.168.1"
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.To4() == nil {
		return "192.168.1"
	}

	ip := addr.IP.To4()
	return fmt.Sprintf("%d.%d.%d", ip[0], ip[1], ip[2])
}
