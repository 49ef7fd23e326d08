//go:build !unix

package lifecycle

import "syscall"

func reuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}
