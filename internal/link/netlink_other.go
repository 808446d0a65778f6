//go:build !linux

package link

import (
	"context"
	"errors"
	"fmt"

	"github.com/bilal/switchify-netmon/internal/protocol"
)

var ErrControl = errors.New("link control failed")

var errUnsupported = errors.New("netlink is only available on linux")

type Controller struct{}

func NewController() *Controller { return &Controller{} }

func (*Controller) SetUp(_ context.Context, name string) error {
	return fmt.Errorf("%w: set %s up: %v", ErrControl, name, errUnsupported)
}

type Source struct{}

func NewSource() *Source { return &Source{} }

func (*Source) Query(_ context.Context, name string) (protocol.TelemetrySnapshot, error) {
	return protocol.TelemetrySnapshot{Interface: name, State: protocol.StateUnknown}, errUnsupported
}
