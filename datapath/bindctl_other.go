//go:build !linux

package datapath

import (
	"errors"
	"syscall"
)

func compartmentControl(device string) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		return errors.New("datapath: network compartments are not supported on this platform")
	}
}
