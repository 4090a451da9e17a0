package scheme

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/netsockd/netsockd/internal/errno"
	"github.com/netsockd/netsockd/internal/handle"
	"github.com/netsockd/netsockd/internal/wire"
)

// getSetting implements spec.md §4.3's get_setting, dispatched by the
// setting handle's kind.
func (e *Engine) getSetting(s *handle.Setting, buf []byte) (int, error) {
	switch s.Kind {
	case handle.SettingHopLimit:
		if len(buf) < 1 {
			return 0, errno.New(errno.IO)
		}
		limit, err := e.proto.HopLimit(s.SocketKey)
		if err != nil {
			return 0, err
		}
		buf[0] = limit
		return 1, nil
	case handle.SettingReadTimeout, handle.SettingWriteTimeout:
		d := e.parentTimeout(s)
		if d == nil {
			return 0, nil
		}
		if len(buf) < wire.TimespecSize {
			return 0, nil
		}
		wire.EncodeTimespec(unix.NsecToTimespec(d.Nanoseconds()), buf)
		return wire.TimespecSize, nil
	default:
		parent, ok := e.parentSocket(s)
		if !ok {
			return 0, errno.New(errno.BadHandle)
		}
		return e.proto.GetSetting(s.SocketKey, parent.Data, s.Other, buf)
	}
}

// updateSetting implements spec.md §4.3's update_setting.
func (e *Engine) updateSetting(s *handle.Setting, buf []byte) (int, error) {
	switch s.Kind {
	case handle.SettingHopLimit:
		if len(buf) < 1 {
			return 0, errno.New(errno.IO)
		}
		if err := e.proto.SetHopLimit(s.SocketKey, buf[0]); err != nil {
			return 0, err
		}
		return 1, nil
	case handle.SettingReadTimeout, handle.SettingWriteTimeout:
		if len(buf) < wire.TimespecSize {
			return 0, nil
		}
		ts := wire.DecodeTimespec(buf)
		d := time.Duration(ts.Sec)*time.Second + time.Duration(ts.Nsec)*time.Nanosecond
		e.setParentTimeout(s, &d)
		return wire.TimespecSize, nil
	default:
		parent, ok := e.parentSocket(s)
		if !ok {
			return 0, errno.New(errno.BadHandle)
		}
		return e.proto.SetSetting(s.SocketKey, parent.Data, s.Other, buf)
	}
}

// parentSocket resolves the socket handle a setting handle aliases.
func (e *Engine) parentSocket(s *handle.Setting) (*handle.Socket, bool) {
	d, found := e.table.Get(s.ParentFD)
	if !found || d.Socket == nil {
		return nil, false
	}
	return d.Socket, true
}

// parentTimeout returns the currently-configured duration (nil if
// unset) for the timeout kind s names.
func (e *Engine) parentTimeout(s *handle.Setting) *time.Duration {
	parent, ok := e.parentSocket(s)
	if !ok {
		return nil
	}
	if s.Kind == handle.SettingReadTimeout {
		return parent.ReadTimeout
	}
	return parent.WriteTimeout
}

func (e *Engine) setParentTimeout(s *handle.Setting, d *time.Duration) {
	parent, ok := e.parentSocket(s)
	if !ok {
		return
	}
	if s.Kind == handle.SettingReadTimeout {
		parent.ReadTimeout = d
	} else {
		parent.WriteTimeout = d
	}
}
