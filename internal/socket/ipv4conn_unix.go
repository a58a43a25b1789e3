//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package socket

import (
	"fmt"

	"golang.org/x/net/ipv4"
)

func setControlMessage(conn *ipv4.PacketConn) error {
	if err := conn.SetControlMessage(ipv4.FlagDst, true); err != nil {
		return fmt.Errorf("set ipv4.FlagDst control message: %w", err)
	}
	return nil
}

func createControlMessage(ipcm *ipv4.ControlMessage) *ControlMessage {
	if ipcm == nil {
		return nil
	}
	return &ControlMessage{Dst: ipcm.Dst}
}
