// Package ifstats reads per-interface state and counters.
package ifstats

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bilal/switchify-netmon/internal/protocol"
)

// ErrNotFound is returned when the interface does not exist (any more).
var ErrNotFound = errors.New("interface not found")

// Sysfs reads /sys/class/net/<name>. Counters that cannot be read are
// reported as unavailable and their errors joined into the returned error.
type Sysfs struct {
	Root string
}

func NewSysfs(root string) Sysfs {
	if root == "" {
		root = "/sys/class/net"
	}
	return Sysfs{Root: root}
}

func (s Sysfs) Query(_ context.Context, name string) (protocol.TelemetrySnapshot, error) {
	snap := protocol.TelemetrySnapshot{Interface: name, State: protocol.StateUnknown}

	dir := filepath.Join(s.Root, name)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return snap, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return snap, fmt.Errorf("stat %s: %w", dir, err)
	}

	var errs []error
	if state, err := readTrimmed(filepath.Join(dir, "operstate")); err != nil {
		errs = append(errs, err)
	} else if state != "" {
		snap.State = state
	}

	counter := func(rel string) protocol.Counter {
		c, err := readCounter(filepath.Join(dir, rel))
		if err != nil {
			errs = append(errs, err)
		}
		return c
	}

	snap.UpCount = counter("carrier_up_count")
	snap.DownCount = counter("carrier_down_count")

	stats := "statistics"
	snap.RxBytes = counter(filepath.Join(stats, "rx_bytes"))
	snap.RxDropped = counter(filepath.Join(stats, "rx_dropped"))
	snap.RxErrors = counter(filepath.Join(stats, "rx_errors"))
	snap.RxPackets = counter(filepath.Join(stats, "rx_packets"))
	snap.TxBytes = counter(filepath.Join(stats, "tx_bytes"))
	snap.TxDropped = counter(filepath.Join(stats, "tx_dropped"))
	snap.TxErrors = counter(filepath.Join(stats, "tx_errors"))
	snap.TxPackets = counter(filepath.Join(stats, "tx_packets"))

	return snap, errors.Join(errs...)
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readCounter(path string) (protocol.Counter, error) {
	s, err := readTrimmed(path)
	if err != nil {
		return protocol.Unavailable, err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return protocol.Unavailable, fmt.Errorf("parse %s: %w", path, err)
	}
	return protocol.Known(v), nil
}
