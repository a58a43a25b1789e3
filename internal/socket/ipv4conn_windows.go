//go:build windows

package socket

import "golang.org/x/net/ipv4"

// windows does not support ipv4.FlagDst control messages the same way;
// mirror the teacher's no-op windows variant.
func setControlMessage(*ipv4.PacketConn) error { return nil }

func createControlMessage(*ipv4.ControlMessage) *ControlMessage { return nil }
