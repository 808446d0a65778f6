package ifstats

import (
	"context"
	"errors"
	"fmt"
	"slices"

	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/bilal/switchify-netmon/internal/protocol"
)

// PSUtil reads interface flags and I/O counters through gopsutil. Carrier
// transition counts are not exposed there and are always unavailable.
type PSUtil struct {
	interfaces func(context.Context) (psnet.InterfaceStatList, error)
	counters   func(context.Context, bool) ([]psnet.IOCountersStat, error)
}

func NewPSUtil() *PSUtil {
	return &PSUtil{
		interfaces: psnet.InterfacesWithContext,
		counters:   psnet.IOCountersWithContext,
	}
}

func (p *PSUtil) Query(ctx context.Context, name string) (protocol.TelemetrySnapshot, error) {
	snap := protocol.TelemetrySnapshot{Interface: name, State: protocol.StateUnknown}

	ifaces, err := p.interfaces(ctx)
	if err != nil {
		return snap, fmt.Errorf("list interfaces: %w", err)
	}
	idx := slices.IndexFunc(ifaces, func(i psnet.InterfaceStat) bool { return i.Name == name })
	if idx < 0 {
		return snap, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if slices.Contains(ifaces[idx].Flags, "up") {
		snap.State = protocol.StateUp
	} else {
		snap.State = protocol.StateDown
	}

	stats, err := p.counters(ctx, true)
	if err != nil {
		return snap, fmt.Errorf("io counters: %w", err)
	}
	for _, st := range stats {
		if st.Name != name {
			continue
		}
		snap.RxBytes = protocol.Known(st.BytesRecv)
		snap.RxPackets = protocol.Known(st.PacketsRecv)
		snap.RxErrors = protocol.Known(st.Errin)
		snap.RxDropped = protocol.Known(st.Dropin)
		snap.TxBytes = protocol.Known(st.BytesSent)
		snap.TxPackets = protocol.Known(st.PacketsSent)
		snap.TxErrors = protocol.Known(st.Errout)
		snap.TxDropped = protocol.Known(st.Dropout)
		return snap, nil
	}
	return snap, errors.New("no io counters for " + name)
}
