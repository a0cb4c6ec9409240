//go:build !linux

package rtp_relay

func applySocketOptions(fd uintptr, dscp int) error {
	return nil
}
