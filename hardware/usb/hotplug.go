package usb

import (
	"bytes"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/vemon/log2"
	"golang.org/x/sys/unix"
)

const (
	ueventBufferSize = 8 << 10
	// kernel broadcast group, udev rebroadcasts on group 2
	netlinkGroupKernel = 1
	pollTimeoutMs      = 250
)

type ueventAction uint8

const (
	ueventUnknown ueventAction = iota
	ueventAdd
	ueventRemove
	ueventOther
)

type uevent struct {
	action    ueventAction
	devpath   string
	subsystem string
	devtype   string
	product   string // PRODUCT=403/6015/1000 hex without leading zeros
}

// parseUEvent parses null separated "action@devpath\0KEY=value\0..." message.
func parseUEvent(data []byte) uevent {
	ev := uevent{}
	for _, line := range bytes.Split(data, []byte{0}) {
		if len(line) == 0 {
			continue
		}
		s := string(line)
		idx := strings.IndexByte(s, '=')
		if idx < 0 {
			if at := strings.IndexByte(s, '@'); at > 0 {
				ev.action = parseUEventAction(s[:at])
				ev.devpath = s[at+1:]
			}
			continue
		}
		key, value := s[:idx], s[idx+1:]
		switch key {
		case "ACTION":
			ev.action = parseUEventAction(value)
		case "DEVPATH":
			ev.devpath = value
		case "SUBSYSTEM":
			ev.subsystem = value
		case "DEVTYPE":
			ev.devtype = value
		case "PRODUCT":
			ev.product = value
		}
	}
	return ev
}

func parseUEventAction(s string) ueventAction {
	switch s {
	case "add":
		return ueventAdd
	case "remove":
		return ueventRemove
	case "":
		return ueventUnknown
	}
	return ueventOther
}

// parseUEventProduct parses "403/6015/1000" into vendor and product id.
func parseUEventProduct(s string) (vid, pid uint16, ok bool) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 {
		return 0, 0, false
	}
	v, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return 0, 0, false
	}
	p, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return 0, 0, false
	}
	return uint16(v), uint16(p), true
}

// Monitor watches kernel uevents for arrival/departure of one vendor/product id.
// Its only output is Queue.Push.
type Monitor struct {
	c   Config
	log *log2.Log
	fd  int
	r   *Resolver
	buf [ueventBufferSize]byte
}

// NewMonitor fails when kernel uevent netlink socket is not available.
// There is no polling fallback.
func NewMonitor(log *log2.Log, c Config) (*Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, errors.NewNotSupported(err, "usb hotplug netlink socket")
	}
	addr := unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: netlinkGroupKernel}
	if err = unix.Bind(fd, &addr); err != nil {
		_ = unix.Close(fd)
		return nil, errors.NewNotSupported(err, "usb hotplug netlink bind")
	}
	m := newMonitor(log, c)
	m.fd = fd
	return m, nil
}

func newMonitor(log *log2.Log, c Config) *Monitor {
	m := &Monitor{log: log, fd: -1, r: NewResolver(c)}
	m.c = m.r.Config()
	return m
}

// Run enumerates already attached devices, then blocks processing uevents
// until a is stopped. Closes netlink socket on return.
func (m *Monitor) Run(a *alive.Alive, q *Queue) error {
	defer m.close()

	// socket is bound already, device attached during enumeration may be reported twice
	m.Enumerate(q)

	pfd := []unix.PollFd{{Fd: int32(m.fd), Events: unix.POLLIN}}
	for a.IsRunning() {
		n, err := unix.Poll(pfd, pollTimeoutMs)
		if err == unix.EINTR || n == 0 {
			continue
		}
		if err != nil {
			return errors.Annotate(err, "usb hotplug poll")
		}
		size, _, err := unix.Recvfrom(m.fd, m.buf[:], 0)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err == unix.ENOBUFS {
			// kernel dropped events, state may be stale until next arrival
			m.log.Errorf("usb hotplug netlink overrun")
			continue
		}
		if err != nil {
			return errors.Annotate(err, "usb hotplug recv")
		}
		m.handle(parseUEvent(m.buf[:size]), q)
	}
	return nil
}

// Enumerate pushes arrival for every matching attached device.
func (m *Monitor) Enumerate(q *Queue) {
	ds, err := m.r.Enumerate()
	if err != nil {
		m.log.Errorf("usb enumerate: %v", err)
		return
	}
	for _, d := range ds {
		m.log.Debugf("usb enumerate found %s", d.String())
		q.Push(Event{Kind: EventArrived, Attachment: d.Attachment})
	}
}

func (m *Monitor) handle(ev uevent, q *Queue) {
	if ev.subsystem != "usb" || ev.devtype != "usb_device" {
		return
	}
	vid, pid, ok := parseUEventProduct(ev.product)
	if !ok || vid != m.c.VendorID || pid != m.c.ProductID {
		return
	}
	att, ok := newAttachment(filepath.Base(ev.devpath))
	if !ok {
		m.log.Debugf("usb hotplug unexpected devpath=%s", ev.devpath)
		return
	}

	// config stays zero, resolver reads it after settle delay
	switch ev.action {
	case ueventAdd:
		q.Push(Event{Kind: EventArrived, Attachment: att})
	case ueventRemove:
		q.Push(Event{Kind: EventLeft, Attachment: att})
	}
}

func (m *Monitor) close() {
	if m.fd >= 0 {
		_ = unix.Close(m.fd)
		m.fd = -1
	}
}
