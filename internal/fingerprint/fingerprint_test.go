package fingerprint

import (
	"fmt"
	"net"
	"testing"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGenerator() *Generator {
	g := NewGenerator()
	g.hostID = func() (string, error) { return "machine-0001", nil }
	g.cpuInfo = func() ([]cpu.InfoStat, error) {
		return []cpu.InfoStat{{
			VendorID:  "GenuineIntel",
			Family:    "6",
			Model:     "158",
			ModelName: "Intel(R) Core(TM) i7-9700K",
		}}, nil
	}
	g.ifaces = func() ([]net.Interface, error) {
		return []net.Interface{
			{
				Name:         "lo",
				Flags:        net.FlagUp | net.FlagLoopback,
				HardwareAddr: net.HardwareAddr{},
			},
			{
				Name:         "eth0",
				Flags:        net.FlagUp,
				HardwareAddr: net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01},
			},
		}, nil
	}
	return g
}

func TestGenerateIsDeterministic(t *testing.T) {
	g := testGenerator()

	first, err := g.Generate()
	require.NoError(t, err)
	assert.Len(t, first.Value, 64)

	for i := 0; i < 10; i++ {
		g.ClearCache()
		fp, err := g.Generate()
		require.NoError(t, err)
		assert.Equal(t, first.Value, fp.Value)
	}
}

func TestGenerateComponents(t *testing.T) {
	g := testGenerator()

	fp, err := g.Generate()
	require.NoError(t, err)
	assert.Equal(t, "machine-0001", fp.HostID)
	assert.Equal(t, "de:ad:be:ef:00:01", fp.MACAddress)
	assert.NotEmpty(t, fp.CPUIdentity)
	assert.NotEmpty(t, fp.OS)
	assert.NotEmpty(t, fp.Arch)
	assert.False(t, fp.GeneratedAt.IsZero())
}

func TestGenerateUsesCache(t *testing.T) {
	g := testGenerator()
	probes := 0
	inner := g.hostID
	g.hostID = func() (string, error) {
		probes++
		return inner()
	}

	for i := 0; i < 5; i++ {
		_, err := g.Generate()
		require.NoError(t, err)
	}
	assert.Equal(t, 1, probes)

	g.ClearCache()
	_, err := g.Generate()
	require.NoError(t, err)
	assert.Equal(t, 2, probes)
}

func TestPrimaryMACSkipsLoopbackAndDown(t *testing.T) {
	g := testGenerator()
	g.ifaces = func() ([]net.Interface, error) {
		return []net.Interface{
			{
				Name:         "eth1",
				Flags:        0, // down
				HardwareAddr: net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
			},
			{
				Name:         "eth2",
				Flags:        net.FlagUp,
				HardwareAddr: net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
			},
			{
				Name:         "lo",
				Flags:        net.FlagUp | net.FlagLoopback,
				HardwareAddr: net.HardwareAddr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
			},
		}, nil
	}

	mac, err := g.primaryMAC()
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", mac)
}

func TestPrimaryMACSortsByName(t *testing.T) {
	// Enumeration order must not change the answer.
	g := testGenerator()
	unsorted := []net.Interface{
		{Name: "wlan0", Flags: net.FlagUp, HardwareAddr: net.HardwareAddr{0x0b, 0x0b, 0x0b, 0x0b, 0x0b, 0x0b}},
		{Name: "eth0", Flags: net.FlagUp, HardwareAddr: net.HardwareAddr{0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a}},
	}
	g.ifaces = func() ([]net.Interface, error) { return unsorted, nil }

	mac, err := g.primaryMAC()
	require.NoError(t, err)
	assert.Equal(t, "0a:0a:0a:0a:0a:0a", mac)
}

func TestPrimaryMACDownInterfaceFallback(t *testing.T) {
	// A host with no up interface still fingerprints off whatever carries a
	// hardware address.
	g := testGenerator()
	g.ifaces = func() ([]net.Interface, error) {
		return []net.Interface{
			{Name: "eth0", Flags: 0, HardwareAddr: net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}},
		}, nil
	}

	mac, err := g.primaryMAC()
	require.NoError(t, err)
	assert.Equal(t, "00:11:22:33:44:55", mac)
}

func TestGenerateSurvivesProbeFailures(t *testing.T) {
	g := testGenerator()
	g.hostID = func() (string, error) { return "", fmt.Errorf("dbus unavailable") }
	g.cpuInfo = func() ([]cpu.InfoStat, error) { return nil, fmt.Errorf("procfs unavailable") }
	g.ifaces = func() ([]net.Interface, error) { return nil, fmt.Errorf("netlink unavailable") }

	fp, err := g.Generate()
	require.NoError(t, err)
	assert.Len(t, fp.Value, 64)
	assert.Equal(t, "unknown-host-id", fp.HostID)
	assert.Equal(t, "unknown-mac", fp.MACAddress)
}

func TestFallbacksChangeTheValue(t *testing.T) {
	healthy := testGenerator()
	fpHealthy, err := healthy.Generate()
	require.NoError(t, err)

	degraded := testGenerator()
	degraded.hostID = func() (string, error) { return "", fmt.Errorf("dbus unavailable") }
	fpDegraded, err := degraded.Generate()
	require.NoError(t, err)

	assert.NotEqual(t, fpHealthy.Value, fpDegraded.Value)
}

func TestMatches(t *testing.T) {
	g := testGenerator()
	fp, err := g.Generate()
	require.NoError(t, err)

	ok, err := g.Matches(fp.Value)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Matches("somebody-elses-fingerprint")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDifferentHardwareDifferentFingerprint(t *testing.T) {
	a := testGenerator()
	fpA, err := a.Generate()
	require.NoError(t, err)

	b := testGenerator()
	b.ifaces = func() ([]net.Interface, error) {
		return []net.Interface{
			{Name: "eth0", Flags: net.FlagUp, HardwareAddr: net.HardwareAddr{0x11, 0x11, 0x11, 0x11, 0x11, 0x11}},
		}, nil
	}
	fpB, err := b.Generate()
	require.NoError(t, err)

	assert.NotEqual(t, fpA.Value, fpB.Value)
}
