// Package iox provides I/O helpers for resource cleanup.
package iox

import "io"

// DiscardClose closes c and discards the error.
// Use in defer statements where close errors are unactionable:
//
//	defer iox.DiscardClose(f)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc returns a cleanup function that closes c.
// Designed for t.Cleanup and b.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(client))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// DiscardErr calls fn and discards the returned error.
// Use for non-Close cleanup calls (e.g. Flush) where errors are unactionable:
//
//	defer iox.DiscardErr(w.Flush)
func DiscardErr(fn func() error) { _ = fn() }

// ShutdownClose half-closes both directions of conn when supported and then
// closes it, discarding every error. Peers blocked in a read observe EOF
// rather than a reset.
func ShutdownClose(conn io.Closer) {
	if rc, ok := conn.(interface{ CloseRead() error }); ok {
		_ = rc.CloseRead()
	}
	if wc, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = wc.CloseWrite()
	}
	_ = conn.Close()
}
