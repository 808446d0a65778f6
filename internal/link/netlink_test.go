//go:build linux

package link

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"github.com/bilal/switchify-netmon/internal/ifstats"
	"github.com/bilal/switchify-netmon/internal/protocol"
)

func dummy(name string, state netlink.LinkOperState, stats *netlink.LinkStatistics) netlink.Link {
	return &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: name, OperState: state, Statistics: stats}}
}

func TestControllerSetUp(t *testing.T) {
	var raised []string
	c := &Controller{
		byName: func(name string) (netlink.Link, error) { return dummy(name, netlink.OperDown, nil), nil },
		setUp: func(l netlink.Link) error {
			raised = append(raised, l.Attrs().Name)
			return nil
		},
	}

	require.NoError(t, c.SetUp(context.Background(), "eth0"))
	assert.Equal(t, []string{"eth0"}, raised)
}

func TestControllerErrorsWrapErrControl(t *testing.T) {
	c := &Controller{
		byName: func(string) (netlink.Link, error) { return nil, errors.New("no such device") },
		setUp:  func(netlink.Link) error { return nil },
	}
	assert.ErrorIs(t, c.SetUp(context.Background(), "eth0"), ErrControl)

	c.byName = func(name string) (netlink.Link, error) { return dummy(name, netlink.OperDown, nil), nil }
	c.setUp = func(netlink.Link) error { return errors.New("operation not permitted") }
	assert.ErrorIs(t, c.SetUp(context.Background(), "eth0"), ErrControl)
}

func TestSourceQuery(t *testing.T) {
	s := &Source{byName: func(name string) (netlink.Link, error) {
		return dummy(name, netlink.OperUp, &netlink.LinkStatistics{RxBytes: 5, TxBytes: 6, RxDropped: 1, TxErrors: 2}), nil
	}}

	snap, err := s.Query(context.Background(), "eth0")
	require.NoError(t, err)
	assert.Equal(t, protocol.StateUp, snap.State)
	assert.Equal(t, protocol.Known(5), snap.RxBytes)
	assert.Equal(t, protocol.Known(2), snap.TxErrors)
	assert.Equal(t, protocol.Unavailable, snap.UpCount)
}

func TestSourceNotFound(t *testing.T) {
	s := &Source{byName: func(string) (netlink.Link, error) {
		return nil, netlink.LinkNotFoundError{}
	}}
	_, err := s.Query(context.Background(), "eth9")
	assert.ErrorIs(t, err, ifstats.ErrNotFound)
}
