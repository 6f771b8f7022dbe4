package hardware

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Probe captures a hardware snapshot of the current machine.
// Implementations must return values that are stable across reboots for
// the same physical machine.
type Probe interface {
	Capture() (Snapshot, error)
}

// SystemProbe reads hardware identifiers from the host OS with a short
// in-process cache, since the values cannot change while we are running.
type SystemProbe struct {
	cacheMu     sync.RWMutex
	cache       *Snapshot
	cacheExpiry time.Time
	cacheTTL    time.Duration
}

// NewSystemProbe creates a probe with a one hour snapshot cache
func NewSystemProbe() *SystemProbe {
	return &SystemProbe{cacheTTL: time.Hour}
}

// Capture returns the current machine's hardware snapshot
func (p *SystemProbe) Capture() (Snapshot, error) {
	p.cacheMu.RLock()
	if p.cache != nil && time.Now().Before(p.cacheExpiry) {
		snap := *p.cache
		p.cacheMu.RUnlock()
		return snap, nil
	}
	p.cacheMu.RUnlock()

	snap := Snapshot{CapturedAt: time.Now()}

	if board, err := p.boardID(); err != nil {
		slog.Warn("Failed to read board identifier",
			slog.String("error", err.Error()),
		)
	} else {
		snap.Board = board
	}

	if cpu, err := p.cpuID(); err != nil {
		slog.Warn("Failed to read CPU identifier",
			slog.String("error", err.Error()),
		)
	} else {
		snap.CPU = cpu
	}

	if mac, err := p.macAddress(); err != nil {
		slog.Warn("Failed to read MAC address",
			slog.String("error", err.Error()),
		)
	} else {
		snap.MAC = mac
	}

	if hostname, err := os.Hostname(); err == nil {
		snap.Hostname = strings.ToLower(strings.TrimSpace(hostname))
	}

	if snap.IsEmpty() {
		return snap, fmt.Errorf("no hardware identifiers available on this machine")
	}

	p.cacheMu.Lock()
	p.cache = &snap
	p.cacheExpiry = time.Now().Add(p.cacheTTL)
	p.cacheMu.Unlock()

	slog.Debug("Hardware snapshot captured",
		slog.Bool("has_board", snap.Board != ""),
		slog.Bool("has_cpu", snap.CPU != ""),
		slog.Bool("has_mac", snap.MAC != ""),
	)

	return snap, nil
}

// boardID returns a stable motherboard/product identifier (OS-specific)
func (p *SystemProbe) boardID() (string, error) {
	switch runtime.GOOS {
	case "linux":
		// DMI product UUID is the most stable host-level identifier,
		// board serial is the fallback; both require no privileges on
		// most distributions. machine-id survives reinstalls less well
		// but is better than nothing.
		for _, path := range []string{
			"/sys/class/dmi/id/product_uuid",
			"/sys/class/dmi/id/board_serial",
			"/etc/machine-id",
		} {
			if data, err := os.ReadFile(path); err == nil {
				if v := strings.TrimSpace(string(data)); v != "" {
					return hashComponent(v), nil
				}
			}
		}
		return "", fmt.Errorf("no DMI or machine-id source readable")
	case "windows":
		// The installer records the SMBIOS UUID for us; fall back to the
		// ProgramData marker when running outside an installed copy.
		if uuid := os.Getenv("AQUA_BOARD_UUID"); uuid != "" {
			return hashComponent(uuid), nil
		}
		return "", fmt.Errorf("board UUID not recorded")
	case "darwin":
		if uuid := os.Getenv("AQUA_BOARD_UUID"); uuid != "" {
			return hashComponent(uuid), nil
		}
		return "", fmt.Errorf("board UUID not recorded")
	default:
		return "", fmt.Errorf("unsupported platform %s", runtime.GOOS)
	}
}

// cpuID returns a repeatable CPU signature (OS-specific)
func (p *SystemProbe) cpuID() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if procID := os.Getenv("PROCESSOR_IDENTIFIER"); procID != "" {
			return hashComponent(procID), nil
		}
		return hashComponent(fmt.Sprintf("windows-%s-%s", runtime.GOARCH, os.Getenv("PROCESSOR_ARCHITECTURE"))), nil
	case "linux":
		cpuData, err := os.ReadFile("/proc/cpuinfo")
		if err == nil {
			for _, line := range strings.Split(string(cpuData), "\n") {
				if strings.HasPrefix(line, "model name") ||
					strings.HasPrefix(line, "cpu family") {
					return hashComponent(line), nil
				}
			}
		}
		return hashComponent(fmt.Sprintf("linux-%s", runtime.GOARCH)), nil
	case "darwin":
		cpuInfo := fmt.Sprintf("darwin-%s", runtime.GOARCH)
		if procType := os.Getenv("HOSTTYPE"); procType != "" {
			cpuInfo = fmt.Sprintf("darwin-%s-%s", runtime.GOARCH, procType)
		}
		return hashComponent(cpuInfo), nil
	default:
		return hashComponent(fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)), nil
	}
}

// macAddress returns the primary network interface MAC address
func (p *SystemProbe) macAddress() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	// Prefer the first non-loopback, up interface with a MAC address
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}

	// Fallback: any interface with a MAC address
	for _, iface := range interfaces {
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			slog.Warn("Using fallback MAC address",
				slog.String("interface", iface.Name),
			)
			return mac, nil
		}
	}

	return "", fmt.Errorf("no valid MAC address found")
}

// hashComponent normalizes a raw identifier to a short stable token so
// raw serial numbers never leave the machine.
func hashComponent(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:8])
}
