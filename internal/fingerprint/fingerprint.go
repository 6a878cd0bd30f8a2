// Package fingerprint derives a deterministic identifier from stable host
// attributes. The same unmodified host always produces the same value; a
// genuine hardware replacement changes it. The fingerprint feeds both
// hardware-binding enforcement and offline activation requests.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
)

// Fingerprint holds the combined identifier plus the components it was
// derived from, for diagnostics.
type Fingerprint struct {
	Value       string    `json:"value"`
	HostID      string    `json:"host_id"`
	MACAddress  string    `json:"mac_address"`
	CPUIdentity string    `json:"cpu_identity"`
	OS          string    `json:"os"`
	Arch        string    `json:"arch"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Generator computes and caches host fingerprints. Probing hardware is not
// free, and the answer only changes when the hardware does, so results are
// cached for cacheDuration.
type Generator struct {
	mu            sync.RWMutex
	cache         *Fingerprint
	cacheExpiry   time.Time
	cacheDuration time.Duration

	// probe points, replaceable in tests
	hostID  func() (string, error)
	cpuInfo func() ([]cpu.InfoStat, error)
	ifaces  func() ([]net.Interface, error)
}

// NewGenerator creates a fingerprint generator with a one-hour cache.
func NewGenerator() *Generator {
	return &Generator{
		cacheDuration: time.Hour,
		hostID:        host.HostID,
		cpuInfo:       cpu.Info,
		ifaces:        net.Interfaces,
	}
}

// Generate returns the host fingerprint, computing it if the cache is stale.
func (g *Generator) Generate() (*Fingerprint, error) {
	g.mu.RLock()
	if g.cache != nil && time.Now().Before(g.cacheExpiry) {
		cached := *g.cache
		g.mu.RUnlock()
		return &cached, nil
	}
	g.mu.RUnlock()

	fp, err := g.compute()
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.cache = fp
	g.cacheExpiry = time.Now().Add(g.cacheDuration)
	g.mu.Unlock()

	slog.Debug("host fingerprint generated",
		slog.String("fingerprint", fp.Value),
		slog.String("host_id", fp.HostID),
		slog.String("mac_address", fp.MACAddress),
	)
	return fp, nil
}

// Matches reports whether the current host fingerprint equals stored.
func (g *Generator) Matches(stored string) (bool, error) {
	current, err := g.Generate()
	if err != nil {
		return false, fmt.Errorf("generate current fingerprint: %w", err)
	}
	return current.Value == stored, nil
}

// ClearCache drops the cached fingerprint so the next Generate re-probes.
func (g *Generator) ClearCache() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache = nil
	g.cacheExpiry = time.Time{}
}

func (g *Generator) compute() (*Fingerprint, error) {
	hostID, err := g.hostID()
	if err != nil || hostID == "" {
		hostID = "unknown-host-id"
		slog.Warn("host ID unavailable, using fallback", slog.Any("error", err))
	}

	mac, err := g.primaryMAC()
	if err != nil {
		mac = "unknown-mac"
		slog.Warn("MAC address unavailable, using fallback", slog.Any("error", err))
	}

	cpuID, err := g.cpuIdentity()
	if err != nil {
		cpuID = fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)
		slog.Warn("CPU identity unavailable, using fallback", slog.Any("error", err))
	}

	combined := strings.Join([]string{hostID, mac, cpuID, runtime.GOOS, runtime.GOARCH}, "|")
	sum := sha256.Sum256([]byte(combined))

	return &Fingerprint{
		Value:       hex.EncodeToString(sum[:]),
		HostID:      hostID,
		MACAddress:  mac,
		CPUIdentity: cpuID,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		GeneratedAt: time.Now(),
	}, nil
}

// primaryMAC returns the hardware address of the first up, non-loopback
// interface, falling back to any interface with a MAC. Interfaces are sorted
// by name so enumeration order cannot flip the answer between calls.
func (g *Generator) primaryMAC() (string, error) {
	interfaces, err := g.ifaces()
	if err != nil {
		return "", fmt.Errorf("list network interfaces: %w", err)
	}
	sort.Slice(interfaces, func(i, j int) bool { return interfaces[i].Name < interfaces[j].Name })

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}
	for _, iface := range interfaces {
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}
	return "", fmt.Errorf("no interface with a hardware address")
}

// cpuIdentity hashes the processor's stable identity fields. Per-boot values
// like frequency scaling are deliberately excluded.
func (g *Generator) cpuIdentity() (string, error) {
	info, err := g.cpuInfo()
	if err != nil {
		return "", fmt.Errorf("read cpu info: %w", err)
	}
	if len(info) == 0 {
		return "", fmt.Errorf("no cpu info available")
	}
	first := info[0]
	identity := strings.Join([]string{first.VendorID, first.Family, first.Model, first.ModelName}, "/")
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:8]), nil
}
