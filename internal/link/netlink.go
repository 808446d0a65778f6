//go:build linux

// Package link brings interfaces up and reads their state over netlink.
package link

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/vishvananda/netlink"

	"github.com/bilal/switchify-netmon/internal/ifstats"
	"github.com/bilal/switchify-netmon/internal/protocol"
)

// ErrControl wraps every failure to change an interface's state.
var ErrControl = errors.New("link control failed")

type Controller struct {
	byName func(string) (netlink.Link, error)
	setUp  func(netlink.Link) error
}

func NewController() *Controller {
	return &Controller{
		byName: netlink.LinkByName,
		setUp:  netlink.LinkSetUp,
	}
}

// SetUp sets the interface administratively up (ip link set <name> up).
func (c *Controller) SetUp(_ context.Context, name string) error {
	l, err := c.byName(name)
	if err != nil {
		return fmt.Errorf("%w: lookup %s: %v", ErrControl, name, err)
	}

	if err := c.setUp(l); err != nil {
		log.Error().Err(err).Str("interface", name).Msg("failed setting link up")
		return fmt.Errorf("%w: set %s up: %v", ErrControl, name, err)
	}

	log.Info().
		Str("interface", name).
		Msg("link set up")
	return nil
}

// Source reads operstate and kernel link statistics over netlink.
type Source struct {
	byName func(string) (netlink.Link, error)
}

func NewSource() *Source {
	return &Source{byName: netlink.LinkByName}
}

func (s *Source) Query(_ context.Context, name string) (protocol.TelemetrySnapshot, error) {
	snap := protocol.TelemetrySnapshot{Interface: name, State: protocol.StateUnknown}

	l, err := s.byName(name)
	if err != nil {
		var nf netlink.LinkNotFoundError
		if errors.As(err, &nf) {
			return snap, fmt.Errorf("%w: %s", ifstats.ErrNotFound, name)
		}
		return snap, fmt.Errorf("lookup %s: %w", name, err)
	}

	attrs := l.Attrs()
	snap.State = operState(attrs.OperState)

	st := attrs.Statistics
	if st == nil {
		return snap, fmt.Errorf("no statistics for %s", name)
	}
	snap.RxBytes = protocol.Known(st.RxBytes)
	snap.RxDropped = protocol.Known(st.RxDropped)
	snap.RxErrors = protocol.Known(st.RxErrors)
	snap.RxPackets = protocol.Known(st.RxPackets)
	snap.TxBytes = protocol.Known(st.TxBytes)
	snap.TxDropped = protocol.Known(st.TxDropped)
	snap.TxErrors = protocol.Known(st.TxErrors)
	snap.TxPackets = protocol.Known(st.TxPackets)
	return snap, nil
}

func operState(s netlink.LinkOperState) string {
	switch s {
	case netlink.OperUp:
		return protocol.StateUp
	case netlink.OperDown:
		return protocol.StateDown
	case netlink.OperUnknown:
		return protocol.StateUnknown
	default:
		return s.String()
	}
}
