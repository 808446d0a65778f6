//go:build !linux

package supervisor

import "net"

func peerPID(net.Conn) (int, error) {
	return 0, errPeerUnsupported
}
