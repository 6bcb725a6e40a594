// Package serial is minimal tty port for unsolicited telemetry streams.
// Linux only: termios and TIOCINQ ioctls.
package serial

import (
	"time"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

const (
	DefaultBaud        = 19200
	DefaultReadTimeout = 100 * time.Millisecond
)

type Timeouter interface {
	Timeout() bool
}

type ErrTimeoutT string

func (e ErrTimeoutT) Error() string { return string(e) }
func (ErrTimeoutT) Timeout() bool   { return true }

const ErrTimeout = ErrTimeoutT("serial read timeout")

func IsTimeout(err error) bool {
	if t, ok := errors.Cause(err).(Timeouter); ok {
		return t.Timeout()
	}
	return false
}

// Porter is what acquisition needs from open device.
type Porter interface {
	// Buffered returns number of bytes ready to read without blocking.
	Buffered() (int, error)
	// Read blocks at most read timeout, returns ErrTimeout if nothing arrived.
	Read(p []byte) (int, error)
	Close() error
}

type Options struct {
	Baud        int
	ReadTimeout time.Duration
}

var speeds = map[int]uint32{
	1200:   unix.B1200,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

func SupportedBaud(baud int) bool {
	_, ok := speeds[baud]
	return ok
}

type Port struct {
	fd   int
	path string
	t    unix.Termios
}

var _ Porter = &Port{}

// Open configures 8N1 raw mode, no flow control.
func Open(path string, opt Options) (*Port, error) {
	if opt.Baud == 0 {
		opt.Baud = DefaultBaud
	}
	if opt.ReadTimeout == 0 {
		opt.ReadTimeout = DefaultReadTimeout
	}
	speed, ok := speeds[opt.Baud]
	if !ok {
		return nil, errors.NotSupportedf("baud=%d", opt.Baud)
	}

	// O_NONBLOCK until CLOCAL is set, otherwise open may wait for carrier
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC|unix.O_NONBLOCK, 0600)
	if err != nil {
		return nil, errors.Annotatef(err, "serial open path=%s", path)
	}
	p := &Port{fd: fd, path: path}
	if err = p.configure(speed, opt.ReadTimeout); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Annotatef(err, "serial configure path=%s", path)
	}
	if err = unix.SetNonblock(fd, false); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Annotatef(err, "serial path=%s", path)
	}
	return p, nil
}

func (p *Port) configure(speed uint32, readTimeout time.Duration) error {
	p.t = unix.Termios{
		Iflag:  unix.IGNPAR,
		Cflag:  unix.CS8 | unix.CREAD | unix.CLOCAL | speed,
		Ispeed: speed,
		Ospeed: speed,
	}
	// VMIN=0 VTIME>0: read returns after first byte or VTIME deciseconds
	vtime := readTimeout / (100 * time.Millisecond)
	if vtime < 1 {
		vtime = 1
	}
	if vtime > 255 {
		vtime = 255
	}
	p.t.Cc[unix.VMIN] = 0
	p.t.Cc[unix.VTIME] = uint8(vtime)
	return unix.IoctlSetTermios(p.fd, unix.TCSETS, &p.t)
}

func (p *Port) Path() string { return p.path }

func (p *Port) Buffered() (int, error) {
	n, err := unix.IoctlGetInt(p.fd, unix.TIOCINQ)
	if err != nil {
		return 0, errors.Annotatef(err, "serial TIOCINQ path=%s", p.path)
	}
	return n, nil
}

func (p *Port) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(p.fd, b)
		switch err {
		case nil:
			if n == 0 {
				return 0, ErrTimeout
			}
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, ErrTimeout
		}
		return 0, errors.Annotatef(err, "serial read path=%s", p.path)
	}
}

func (p *Port) Close() error {
	if p.fd < 0 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	return err
}
