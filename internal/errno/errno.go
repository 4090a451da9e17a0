// Package errno names the POSIX error codes the scheme engine can
// return, reusing the real values from golang.org/x/sys/unix so that a
// client decoding the wire reply's negative value against the standard
// errno table gets the right answer.
package errno

import "golang.org/x/sys/unix"

const (
	BadHandle    = unix.EBADF
	Permission   = unix.EACCES
	InUse        = unix.EADDRINUSE
	Invalid      = unix.EINVAL
	NotAvailable = unix.EADDRNOTAVAIL
	WouldBlock   = unix.EAGAIN
	TimedOut     = unix.ETIMEDOUT
	IO           = unix.EIO
)

// Err wraps a unix.Errno so engine code can return it as a plain error
// while the packet loop recovers the numeric code for the wire reply.
type Err struct {
	Errno unix.Errno
}

func (e Err) Error() string { return e.Errno.Error() }

// New wraps errno as an error.
func New(errno unix.Errno) error { return Err{Errno: errno} }

// Code extracts the numeric errno from err, if err (or something it
// wraps) is an Err. ok is false for nil or foreign errors.
func Code(err error) (unix.Errno, bool) {
	if err == nil {
		return 0, false
	}
	if e, ok := err.(Err); ok {
		return e.Errno, true
	}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return Code(u.Unwrap())
	}
	return 0, false
}
