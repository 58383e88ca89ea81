//go:build !unix

package server

import "syscall"

// The Go runtime already sets the platform's address reuse option where it
// is safe to do so.
func reuseAddrControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
