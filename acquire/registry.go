// Package acquire owns serial connections of attached devices.
// Single goroutine runs Registry.Tick in a loop: apply at most one
// hotplug event, drain available bytes of every connection into its parser,
// dispatch complete frames and check staleness.
package acquire

import (
	"expvar"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"
	"github.com/temoto/vemon/hardware/serial"
	"github.com/temoto/vemon/hardware/usb"
	"github.com/temoto/vemon/helpers"
	"github.com/temoto/vemon/log2"
	"github.com/temoto/vemon/tele"
	"github.com/temoto/vemon/vedirect"
)

const (
	DefaultSettleDelay = 500 * time.Millisecond
	DefaultIdleDelay   = 20 * time.Millisecond
	readBufferSize     = 1024
)

type EventSource interface {
	TryPop() (usb.Event, bool)
}

// Waker is optional EventSource extension, its channel is signalled on new event.
type Waker interface {
	Wait() <-chan struct{}
}

type PathResolver interface {
	Resolve(usb.Attachment) (string, error)
}

type OpenFunc func(path string, opt serial.Options) (serial.Porter, error)

func OpenSerial(path string, opt serial.Options) (serial.Porter, error) {
	return serial.Open(path, opt)
}

type Config struct {
	Serial      serial.Options
	SettleDelay time.Duration
	StaleWindow time.Duration
	// IdleDelay is max wait when tick had nothing to do, new event wakes earlier.
	IdleDelay time.Duration
	LogDebug  bool
}

type Stat struct {
	Arrived   uint32
	Left      uint32
	Rejected  uint32
	Replaced  uint32
	ReadError uint32
	Frames    uint32
	// valid frames from device that did not report known product id yet
	Unidentified uint32
}

func (s *Stat) Load() Stat {
	return Stat{
		Arrived:      atomic.LoadUint32(&s.Arrived),
		Left:         atomic.LoadUint32(&s.Left),
		Rejected:     atomic.LoadUint32(&s.Rejected),
		Replaced:     atomic.LoadUint32(&s.Replaced),
		ReadError:    atomic.LoadUint32(&s.ReadError),
		Frames:       atomic.LoadUint32(&s.Frames),
		Unidentified: atomic.LoadUint32(&s.Unidentified),
	}
}

func (s Stat) String() string {
	return fmt.Sprintf("arrived=%d left=%d rejected=%d replaced=%d read_error=%d frames=%d unidentified=%d",
		s.Arrived, s.Left, s.Rejected, s.Replaced, s.ReadError, s.Frames, s.Unidentified)
}

// EntryStatus is connection state safe to publish from any goroutine.
type EntryStatus struct {
	Attachment string
	Path       string
	// -1 until first valid frame
	LastFrameAgeMs int64
}

// Entry is one open connection.
type Entry struct {
	Attachment usb.Attachment
	Path       string
	Parser     *vedirect.Parser
	LastFrame  atomic_clock.Clock
	port       serial.Porter
	r          io.Reader
}

func (e *Entry) String() string {
	return fmt.Sprintf("%s %s %s", e.Attachment.String(), e.Path, e.Parser.Category().String())
}

type Registry struct {
	Stat      Stat
	ReadBytes *expvar.Int

	c        Config
	log      *log2.Log
	events   EventSource
	resolver PathResolver
	open     OpenFunc
	sink     tele.Sinker
	stale    *Staleness
	entries  []*Entry
	snapshot atomic.Value // []*Entry, for Status
	wake     <-chan struct{}
	buf      [readBufferSize]byte
	now      func() time.Time
	sleep    func(time.Duration)
}

func NewRegistry(log *log2.Log, c Config, events EventSource, resolver PathResolver, open OpenFunc, sink tele.Sinker) *Registry {
	if c.SettleDelay == 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.StaleWindow == 0 {
		c.StaleWindow = DefaultStaleWindow
	}
	if c.Serial.Baud == 0 {
		c.Serial.Baud = serial.DefaultBaud
	}
	if c.Serial.ReadTimeout == 0 {
		c.Serial.ReadTimeout = serial.DefaultReadTimeout
	}
	if open == nil {
		open = OpenSerial
	}
	if sink == nil {
		sink = tele.Noop{}
	}
	var wake <-chan struct{}
	if w, ok := events.(Waker); ok {
		wake = w.Wait()
	}
	r := &Registry{
		ReadBytes: new(expvar.Int),
		c:         c,
		log:       log,
		events:    events,
		resolver:  resolver,
		open:      open,
		sink:      sink,
		stale:     NewStaleness(c.StaleWindow, sink),
		entries:   make([]*Entry, 0, 4),
		wake:      wake,
		now:       time.Now,
		sleep:     time.Sleep,
	}
	r.publish()
	return r
}

// Run calls Tick until a is stopped, then closes all connections.
func (r *Registry) Run(a *alive.Alive) {
	defer r.Close()
	for a.IsRunning() {
		if !r.Tick() && r.c.IdleDelay > 0 {
			r.idle(a)
		}
	}
}

// idle returns after IdleDelay, on new event or stop.
func (r *Registry) idle(a *alive.Alive) {
	t := time.NewTimer(r.c.IdleDelay)
	defer t.Stop()
	select {
	case <-r.wake:
	case <-a.StopChan():
	case <-t.C:
	}
}

// Tick returns true when any event or byte was processed.
func (r *Registry) Tick() bool {
	active := false
	if e, ok := r.events.TryPop(); ok {
		active = true
		switch e.Kind {
		case usb.EventArrived:
			r.arrive(e.Attachment)
		case usb.EventLeft:
			r.leave(e.Attachment)
		default:
			r.log.Errorf("code error acquire unexpected event=%s", e.String())
		}
	}

	for i := 0; i < len(r.entries); {
		e := r.entries[i]
		n, err := r.poll(e)
		if err != nil {
			atomic.AddUint32(&r.Stat.ReadError, 1)
			r.log.Errorf("acquire %s read: %v", e.String(), err)
			r.removeAt(i)
			continue
		}
		if n > 0 {
			active = true
		}
		i++
	}

	r.stale.Check(r.now())
	return active
}

// Close closes and forgets all connections.
func (r *Registry) Close() {
	for len(r.entries) > 0 {
		r.removeAt(len(r.entries) - 1)
	}
}

// Entries is a snapshot for diagnostics, only safe in acquisition goroutine.
func (r *Registry) Entries() []*Entry {
	return append([]*Entry(nil), r.entries...)
}

// Status is safe to call from any goroutine.
func (r *Registry) Status() []EntryStatus {
	es, _ := r.snapshot.Load().([]*Entry)
	now := r.now()
	result := make([]EntryStatus, len(es))
	for i, e := range es {
		age := int64(-1)
		if !e.LastFrame.IsZero() {
			age = now.Sub(time.Unix(0, int64(e.LastFrame.Sub(atomic_clock.New())))).Milliseconds()
		}
		result[i] = EntryStatus{Attachment: e.Attachment.String(), Path: e.Path, LastFrameAgeMs: age}
	}
	return result
}

func (r *Registry) publish() {
	r.snapshot.Store(append([]*Entry(nil), r.entries...))
}

func (r *Registry) arrive(att usb.Attachment) {
	atomic.AddUint32(&r.Stat.Arrived, 1)
	// device node appears later than uevent
	r.sleep(r.c.SettleDelay)

	path, err := r.resolver.Resolve(att)
	if err != nil {
		atomic.AddUint32(&r.Stat.Rejected, 1)
		if errors.IsNotValid(errors.Cause(err)) {
			r.log.Debugf("acquire %s ignored: %v", att.String(), err)
		} else {
			r.log.Errorf("acquire %s resolve: %v", att.String(), err)
		}
		return
	}
	// same tty is never held open twice
	if i := r.find(att); i >= 0 {
		atomic.AddUint32(&r.Stat.Replaced, 1)
		r.log.Debugf("acquire %s replace %s", att.String(), r.entries[i].String())
		r.removeAt(i)
	}
	port, err := r.open(path, r.c.Serial)
	if err != nil {
		atomic.AddUint32(&r.Stat.Rejected, 1)
		r.log.Errorf("acquire %s open %s: %v", att.String(), path, err)
		return
	}

	e := &Entry{
		Attachment: att,
		Path:       path,
		Parser:     vedirect.NewParser(),
		port:       port,
		r:          helpers.NewStatReader(port, r.ReadBytes, 0),
	}
	if r.c.LogDebug {
		e.Parser.OnField = func(label, value string, err error) {
			if err != nil {
				r.log.Debugf("acquire %s field %s=%s: %v", att.String(), label, value, err)
			}
		}
	}
	r.entries = append(r.entries, e)
	r.publish()
	r.log.Infof("acquire %s connected %s", att.String(), path)
}

func (r *Registry) leave(att usb.Attachment) {
	atomic.AddUint32(&r.Stat.Left, 1)
	i := r.find(att)
	if i < 0 {
		r.log.Debugf("acquire %s left, not connected", att.String())
		return
	}
	r.log.Infof("acquire %s disconnected", r.entries[i].String())
	r.removeAt(i)
}

// poll reads at most what is already buffered, so it does not wait
// for read timeout on idle connection.
func (r *Registry) poll(e *Entry) (int, error) {
	n, err := e.port.Buffered()
	if err != nil {
		return 0, errors.Annotate(err, "buffered")
	}
	if n <= 0 {
		return 0, nil
	}
	if n > len(r.buf) {
		n = len(r.buf)
	}
	n, err = e.r.Read(r.buf[:n])
	if err != nil {
		if serial.IsTimeout(err) {
			return 0, nil
		}
		return 0, err
	}
	for _, b := range r.buf[:n] {
		if regs, ok := e.Parser.Push(b); ok {
			r.frame(e, regs)
		}
	}
	return n, nil
}

func (r *Registry) frame(e *Entry, regs []vedirect.Register) {
	now := r.now()
	atomic.AddUint32(&r.Stat.Frames, 1)
	e.LastFrame.Set(now.UnixNano())

	c := e.Parser.Category()
	if !c.Known() {
		atomic.AddUint32(&r.Stat.Unidentified, 1)
		return
	}
	r.stale.Rearm(c, now)
	for _, reg := range regs {
		r.sink.Register(c, reg)
	}
}

func (r *Registry) find(att usb.Attachment) int {
	for i, e := range r.entries {
		if e.Attachment.SameSlot(att) {
			return i
		}
	}
	return -1
}

func (r *Registry) removeAt(i int) {
	e := r.entries[i]
	if err := e.port.Close(); err != nil {
		r.log.Errorf("acquire %s close: %v", e.String(), err)
	}
	copy(r.entries[i:], r.entries[i+1:])
	r.entries[len(r.entries)-1] = nil
	r.entries = r.entries[:len(r.entries)-1]
	r.publish()
}
