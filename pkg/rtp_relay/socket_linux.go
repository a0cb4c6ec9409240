//go:build linux

package rtp_relay

import (
	"golang.org/x/sys/unix"
)

// applySocketOptions выставляет DSCP маркировку до bind.
// SO_REUSEADDR не ставится: занятый порт должен давать ошибку bind.
func applySocketOptions(fd uintptr, dscp int) error {
	if dscp <= 0 {
		return nil
	}
	// DSCP занимает старшие 6 бит TOS
	tos := dscp << 2
	if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
		// в контейнерах маркировка бывает запрещена
		return nil
	}
	_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	return nil
}
