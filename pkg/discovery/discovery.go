// Package discovery locates coordinators on the local network. It ranks
// the host's IPv4 addresses, seeds candidate URLs from env hints and
// well-known local addresses, sweeps the surrounding /24 subnets, and
// probes each candidate's root endpoint for the coordinator signature.
package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/0xHecker/omni-stream/internal/logger"
)

// DefaultCoordinatorPort is probed when a candidate carries no port.
const DefaultCoordinatorPort = 7000

const (
	defaultProbeTimeout    = 180 * time.Millisecond
	defaultMaxWorkers      = 48
	defaultMaxResults      = 8
	maxSweepHostsPerSubnet = 254
	resultCacheTTL         = 6 * time.Second
)

// Env hints consulted when building candidate coordinator URLs.
const (
	EnvCoordinatorURL      = "OMNISTREAM_COORDINATOR_URL"
	EnvLocalCoordinatorURL = "OMNISTREAM_LOCAL_COORDINATOR_URL"
	EnvAgentCoordinatorURL = "AGENT_COORDINATOR_URL"
	EnvCoordinatorHints    = "OMNISTREAM_COORDINATOR_HINTS"
	EnvIncludeCIDRs        = "OMNISTREAM_DISCOVERY_INCLUDE_CIDRS"
	EnvExcludeCIDRs        = "OMNISTREAM_DISCOVERY_EXCLUDE_CIDRS"
)

// Options tunes a discovery scan. The zero value uses the defaults above.
type Options struct {
	Port         int
	ProbeTimeout time.Duration
	MaxWorkers   int
	MaxResults   int
}

func (o Options) withDefaults() Options {
	if o.Port <= 0 {
		o.Port = DefaultCoordinatorPort
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = defaultProbeTimeout
	}
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = defaultMaxWorkers
	}
	if o.MaxResults <= 0 {
		o.MaxResults = defaultMaxResults
	}
	return o
}

// rankIPv4 orders addresses by how likely they are to be the LAN-facing
// one: 192.168/16 first, then 10/8, 172.16/12, CGNAT, then public,
// link-local, and loopback last.
func rankIPv4(addr netip.Addr) int {
	if addr.IsLoopback() {
		return 6
	}
	if addr.IsLinkLocalUnicast() {
		return 5
	}
	b := addr.As4()
	switch {
	case b[0] == 192 && b[1] == 168:
		return 0
	case b[0] == 10:
		return 1
	case b[0] == 172 && b[1] >= 16 && b[1] < 32:
		return 2
	case b[0] == 100 && b[1] >= 64 && b[1] < 128:
		return 3
	}
	return 4
}

// localIPv4Candidates collects the host's IPv4 addresses, ranked. The
// UDP dial never sends a packet; it only asks the OS which source
// address it would route through.
func localIPv4Candidates() []netip.Addr {
	seen := make(map[netip.Addr]struct{})
	var out []netip.Addr
	add := func(ip net.IP) {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			return
		}
		addr = addr.Unmap()
		if !addr.Is4() {
			return
		}
		if _, dup := seen[addr]; dup {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}

	if conn, err := net.Dial("udp4", "8.8.8.8:80"); err == nil {
		if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			add(ua.IP)
		}
		conn.Close()
	}
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok {
				add(ipNet.IP)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		ri, rj := rankIPv4(out[i]), rankIPv4(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i].Compare(out[j]) < 0
	})
	return out
}

// LocalIPv4Addresses returns the host's IPv4 addresses, best LAN
// candidate first.
func LocalIPv4Addresses() []string {
	candidates := localIPv4Candidates()
	out := make([]string, 0, len(candidates))
	for _, addr := range candidates {
		out = append(out, addr.String())
	}
	return out
}

// PreferredLANIPv4 returns the best private non-loopback IPv4, falling
// back to loopback when the host has no LAN address.
func PreferredLANIPv4() string {
	for _, addr := range localIPv4Candidates() {
		if addr.IsPrivate() && !addr.IsLoopback() {
			return addr.String()
		}
	}
	return "127.0.0.1"
}

// NormalizeBaseURL canonicalizes a coordinator candidate to
// scheme://host:port. Entries without a scheme get http; entries
// without a port get defaultPort.
func NormalizeBaseURL(raw string, defaultPort int) (string, bool) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		return "", false
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	host := u.Hostname()
	if host == "" {
		return "", false
	}
	port := u.Port()
	if port == "" {
		port = fmt.Sprintf("%d", defaultPort)
	}
	return fmt.Sprintf("%s://%s:%s", u.Scheme, host, port), true
}

// hostRank orders candidate URLs so LAN coordinators sort before
// loopback and unresolved hostnames.
func hostRank(candidate string) int {
	u, err := url.Parse(candidate)
	if err != nil {
		return 9
	}
	host := u.Hostname()
	if host == "localhost" {
		return 7
	}
	if addr, err := netip.ParseAddr(host); err == nil && addr.Is4() {
		return rankIPv4(addr)
	}
	return 8
}

func envHints() []string {
	var raw []string
	for _, name := range []string{EnvCoordinatorURL, EnvLocalCoordinatorURL, EnvAgentCoordinatorURL} {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			raw = append(raw, v)
		}
	}
	for _, hint := range strings.Split(os.Getenv(EnvCoordinatorHints), ",") {
		if hint = strings.TrimSpace(hint); hint != "" {
			raw = append(raw, hint)
		}
	}
	return raw
}

// seedURLs builds the direct candidates: env hints, loopback, and every
// local IPv4, normalized and order-preserving deduplicated.
func seedURLs(port int) []string {
	raw := envHints()
	raw = append(raw,
		fmt.Sprintf("http://127.0.0.1:%d", port),
		fmt.Sprintf("http://localhost:%d", port),
	)
	for _, ip := range LocalIPv4Addresses() {
		raw = append(raw, fmt.Sprintf("http://%s:%d", ip, port))
	}

	seen := make(map[string]struct{})
	out := make([]string, 0, len(raw))
	for _, candidate := range raw {
		normalized, ok := NormalizeBaseURL(candidate, port)
		if !ok {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}

func parseCIDRList(raw string) []netip.Prefix {
	var out []netip.Prefix
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if prefix, err := netip.ParsePrefix(part); err == nil {
			out = append(out, prefix.Masked())
		}
	}
	return out
}

func containedInAny(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, prefix := range prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// subnetHosts expands the /24 around one local address, skipping the
// address itself, the network and broadcast slots, and excluded CIDRs.
func subnetHosts(addr netip.Addr, include, exclude []netip.Prefix) []netip.Addr {
	if len(include) > 0 && !containedInAny(include, addr) {
		return nil
	}
	prefix, err := addr.Prefix(24)
	if err != nil {
		return nil
	}
	base := prefix.Addr().As4()
	hosts := make([]netip.Addr, 0, maxSweepHostsPerSubnet)
	for host := 1; host <= maxSweepHostsPerSubnet; host++ {
		b := base
		b[3] = byte(host)
		candidate := netip.AddrFrom4(b)
		if candidate == addr {
			continue
		}
		if containedInAny(exclude, candidate) {
			continue
		}
		hosts = append(hosts, candidate)
	}
	return hosts
}

// sweepURLs expands candidate URLs across the /24 of every private local
// address, honoring the include/exclude CIDR env knobs.
func sweepURLs(port int) []string {
	include := parseCIDRList(os.Getenv(EnvIncludeCIDRs))
	exclude := parseCIDRList(os.Getenv(EnvExcludeCIDRs))

	seenSubnets := make(map[netip.Prefix]struct{})
	var out []string
	for _, addr := range localIPv4Candidates() {
		if !addr.IsPrivate() || addr.IsLoopback() {
			continue
		}
		prefix, err := addr.Prefix(24)
		if err != nil {
			continue
		}
		if _, dup := seenSubnets[prefix]; dup {
			continue
		}
		seenSubnets[prefix] = struct{}{}
		for _, host := range subnetHosts(addr, include, exclude) {
			out = append(out, fmt.Sprintf("http://%s:%d", host, port))
		}
	}
	return out
}

var probeClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout: time.Second,
		}).DialContext,
	},
}

type probePayload struct {
	Service string `json:"service"`
}

// Probe reports whether baseURL answers GET / with the coordinator
// service signature within the timeout.
func Probe(ctx context.Context, baseURL string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "application/json")
	resp, err := probeClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var payload probePayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&payload); err != nil {
		return false
	}
	return payload.Service == "coordinator"
}

// resultCache keeps the last scan for a few seconds so repeated lookups
// during startup do not rescan the subnet.
var resultCache = struct {
	sync.Mutex
	key     string
	at      time.Time
	results []string
}{}

func cacheKey(opts Options, candidates []string) string {
	digest := sha256.Sum256([]byte(strings.Join(candidates, ",")))
	return fmt.Sprintf("%d|%s|%d|%d|%s",
		opts.Port, opts.ProbeTimeout, opts.MaxWorkers, opts.MaxResults,
		hex.EncodeToString(digest[:8]))
}

// DiscoverCoordinators probes the seeded candidates and the local /24
// sweep concurrently and returns reachable coordinator URLs, best LAN
// candidate first. Probe failures are silent misses.
func DiscoverCoordinators(ctx context.Context, opts Options) []string {
	opts = opts.withDefaults()

	candidates := seedURLs(opts.Port)
	direct := len(candidates)
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		seen[c] = struct{}{}
	}
	for _, c := range sweepURLs(opts.Port) {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		candidates = append(candidates, c)
	}

	key := cacheKey(opts, candidates)
	resultCache.Lock()
	if resultCache.key == key && time.Since(resultCache.at) < resultCacheTTL {
		cached := append([]string(nil), resultCache.results...)
		resultCache.Unlock()
		return cached
	}
	resultCache.Unlock()

	var mu sync.Mutex
	var found []string
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(opts.MaxWorkers)
	for i, candidate := range candidates {
		candidate := candidate
		// Direct seeds get a little extra headroom over sweep probes.
		timeout := opts.ProbeTimeout
		if i < direct {
			timeout = timeout * 11 / 10
		}
		group.Go(func() error {
			if groupCtx.Err() != nil {
				return nil
			}
			if Probe(groupCtx, candidate, timeout) {
				mu.Lock()
				found = append(found, candidate)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()

	sort.Slice(found, func(i, j int) bool {
		ri, rj := hostRank(found[i]), hostRank(found[j])
		if ri != rj {
			return ri < rj
		}
		return found[i] < found[j]
	})
	if len(found) > opts.MaxResults {
		found = found[:opts.MaxResults]
	}

	if len(found) > 0 {
		logger.Debug("coordinator discovery finished",
			"candidates", len(candidates), "found", len(found))
	}

	resultCache.Lock()
	resultCache.key = key
	resultCache.at = time.Now()
	resultCache.results = append([]string(nil), found...)
	resultCache.Unlock()
	return found
}

// FirstCoordinator returns the best discovered coordinator URL, or ""
// when none answered.
func FirstCoordinator(ctx context.Context, opts Options) string {
	results := DiscoverCoordinators(ctx, opts)
	if len(results) == 0 {
		return ""
	}
	return results[0]
}
