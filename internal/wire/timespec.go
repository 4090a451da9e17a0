package wire

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// TimespecSize is the on-wire size of the seconds+nanoseconds duration
// structure used by the read_timeout/write_timeout settings (spec.md
// §4.3, §9). A buffer shorter than this reads/writes zero bytes with
// success — preserved exactly from the original source, ambiguous with
// "no timeout configured" on the wire.
const TimespecSize = 16

// EncodeTimespec serializes ts into buf[:TimespecSize]. buf must be at
// least TimespecSize long; callers check the length themselves so the
// short-buffer case can return (0, nil) instead of calling this.
func EncodeTimespec(ts unix.Timespec, buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(ts.Sec))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(ts.Nsec))
}

// DecodeTimespec parses a TimespecSize-byte buffer written by a client.
func DecodeTimespec(buf []byte) unix.Timespec {
	return unix.Timespec{
		Sec:  int64(binary.LittleEndian.Uint64(buf[0:8])),
		Nsec: int64(binary.LittleEndian.Uint64(buf[8:16])),
	}
}
