package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankIPv4(t *testing.T) {
	cases := []struct {
		addr string
		rank int
	}{
		{"192.168.1.20", 0},
		{"10.0.0.5", 1},
		{"172.16.4.1", 2},
		{"172.31.255.1", 2},
		{"100.64.0.1", 3},
		{"8.8.8.8", 4},
		{"169.254.1.1", 5},
		{"127.0.0.1", 6},
	}
	for _, tc := range cases {
		addr := netip.MustParseAddr(tc.addr)
		assert.Equal(t, tc.rank, rankIPv4(addr), tc.addr)
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"http://192.168.1.5:7000", "http://192.168.1.5:7000", true},
		{"http://192.168.1.5:7000/", "http://192.168.1.5:7000", true},
		{"192.168.1.5", "http://192.168.1.5:7000", true},
		{"192.168.1.5:8080", "http://192.168.1.5:8080", true},
		{"https://peer.local", "https://peer.local:7000", true},
		{"  http://10.0.0.2:7000  ", "http://10.0.0.2:7000", true},
		{"ftp://192.168.1.5", "", false},
		{"", "", false},
		{"   ", "", false},
	}
	for _, tc := range cases {
		got, ok := NormalizeBaseURL(tc.in, 7000)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestSeedURLsFromHints(t *testing.T) {
	t.Setenv(EnvCoordinatorURL, "http://192.168.1.50:7000")
	t.Setenv(EnvCoordinatorHints, "192.168.1.60, 192.168.1.60:7000 ,10.0.0.9:9000")

	seeds := seedURLs(7000)

	assert.Equal(t, "http://192.168.1.50:7000", seeds[0])
	assert.Contains(t, seeds, "http://192.168.1.60:7000")
	assert.Contains(t, seeds, "http://10.0.0.9:9000")
	assert.Contains(t, seeds, "http://127.0.0.1:7000")
	assert.Contains(t, seeds, "http://localhost:7000")

	// The duplicated hint must appear once.
	count := 0
	for _, s := range seeds {
		if s == "http://192.168.1.60:7000" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestParseCIDRList(t *testing.T) {
	prefixes := parseCIDRList("192.168.1.0/24, 10.0.0.0/8,, bogus ,172.16.5.3/16")
	require.Len(t, prefixes, 3)
	assert.Equal(t, "192.168.1.0/24", prefixes[0].String())
	assert.Equal(t, "10.0.0.0/8", prefixes[1].String())
	// Masked to the prefix boundary.
	assert.Equal(t, "172.16.0.0/16", prefixes[2].String())
}

func TestSubnetHosts(t *testing.T) {
	self := netip.MustParseAddr("192.168.1.20")

	hosts := subnetHosts(self, nil, nil)
	require.Len(t, hosts, 253) // 254 minus self
	assert.Equal(t, "192.168.1.1", hosts[0].String())
	assert.Equal(t, "192.168.1.254", hosts[len(hosts)-1].String())
	assert.NotContains(t, hosts, self)

	// Exclusions carve out part of the subnet.
	exclude := parseCIDRList("192.168.1.128/25")
	hosts = subnetHosts(self, nil, exclude)
	require.Len(t, hosts, 126) // .1-.127 minus self
	assert.Equal(t, "192.168.1.127", hosts[len(hosts)-1].String())

	// Include list that does not cover the address skips the subnet.
	include := parseCIDRList("10.0.0.0/8")
	assert.Empty(t, subnetHosts(self, include, nil))
}

func TestHostRankPrefersLAN(t *testing.T) {
	assert.Less(t, hostRank("http://192.168.1.5:7000"), hostRank("http://127.0.0.1:7000"))
	assert.Less(t, hostRank("http://10.0.0.5:7000"), hostRank("http://localhost:7000"))
	assert.Less(t, hostRank("http://127.0.0.1:7000"), hostRank("http://peer.local:7000"))
}

func TestProbeIdentifiesCoordinator(t *testing.T) {
	coordinator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"service":"coordinator","status":"ok"}`))
	}))
	defer coordinator.Close()
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"service":"agent","status":"ok"}`))
	}))
	defer agent.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	ctx := context.Background()
	assert.True(t, Probe(ctx, coordinator.URL, time.Second))
	assert.False(t, Probe(ctx, agent.URL, time.Second))
	assert.False(t, Probe(ctx, broken.URL, time.Second))
}

func TestDiscoverCoordinatorsFromHints(t *testing.T) {
	coordinator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"service":"coordinator","status":"ok"}`))
	}))
	defer coordinator.Close()
	imposter := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"service":"agent"}`))
	}))
	defer imposter.Close()

	t.Setenv(EnvCoordinatorHints, coordinator.URL+","+imposter.URL)
	// Keep the scan off the real network.
	t.Setenv(EnvIncludeCIDRs, "203.0.113.0/24")

	results := DiscoverCoordinators(context.Background(), Options{
		Port:         65031,
		ProbeTimeout: 500 * time.Millisecond,
	})

	normalized, ok := NormalizeBaseURL(coordinator.URL, DefaultCoordinatorPort)
	require.True(t, ok)
	assert.Contains(t, results, normalized)

	badNormalized, _ := NormalizeBaseURL(imposter.URL, DefaultCoordinatorPort)
	assert.NotContains(t, results, badNormalized)
}

func TestDiscoverCoordinatorsUsesCache(t *testing.T) {
	hits := 0
	coordinator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"service":"coordinator"}`))
	}))
	defer coordinator.Close()

	t.Setenv(EnvCoordinatorHints, coordinator.URL)
	t.Setenv(EnvIncludeCIDRs, "203.0.113.0/24")

	opts := Options{Port: 65032, ProbeTimeout: 500 * time.Millisecond}
	first := DiscoverCoordinators(context.Background(), opts)
	probesAfterFirst := hits
	second := DiscoverCoordinators(context.Background(), opts)

	assert.Equal(t, first, second)
	assert.Equal(t, probesAfterFirst, hits, "second scan should come from the cache")
}
