package tele

import (
	"sync"
	"sync/atomic"

	"github.com/temoto/alive/v2"
	"github.com/temoto/vemon/vedirect"
)

const DefaultQueueSize = 256

type notice struct {
	category vedirect.Category
	register vedirect.Register
	state    bool // online, when register.Kind is invalid
}

// Async is fire-and-forget wrapper, inner sink runs in own goroutine.
// When queue is full, register is dropped and counted.
// Online state is never dropped: it is coalesced per category,
// latest wins, and delivered after queued registers.
type Async struct {
	inner   Sinker
	ch      chan notice
	alive   *alive.Alive
	dropped uint32

	mu      sync.Mutex
	pending map[vedirect.Category]bool
	kick    chan struct{}
}

var _ Sinker = &Async{}

func NewAsync(inner Sinker, size int) *Async {
	if size <= 0 {
		size = DefaultQueueSize
	}
	a := &Async{
		inner:   inner,
		ch:      make(chan notice, size),
		alive:   alive.NewAlive(),
		pending: make(map[vedirect.Category]bool),
		kick:    make(chan struct{}, 1),
	}
	a.alive.Add(1)
	go a.worker()
	return a
}

func (a *Async) Register(c vedirect.Category, r vedirect.Register) {
	if !a.alive.IsRunning() {
		atomic.AddUint32(&a.dropped, 1)
		return
	}
	select {
	case a.ch <- notice{category: c, register: r}:
	default:
		atomic.AddUint32(&a.dropped, 1)
	}
}

func (a *Async) Online(c vedirect.Category, online bool) {
	if !a.alive.IsRunning() {
		atomic.AddUint32(&a.dropped, 1)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	// queue only while nothing is pending for category, or order breaks
	if _, ok := a.pending[c]; !ok {
		select {
		case a.ch <- notice{category: c, state: online}:
			return
		default:
		}
	}
	a.pending[c] = online
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Dropped counts registers lost on full queue and anything sent after Close.
func (a *Async) Dropped() uint32 { return atomic.LoadUint32(&a.dropped) }

// Close delivers queued notifications and stops worker.
func (a *Async) Close() {
	a.alive.Stop()
	a.alive.Wait()
}

func (a *Async) worker() {
	defer a.alive.Done()
	stopch := a.alive.StopChan()
	for {
		select {
		case n := <-a.ch:
			a.deliver(n)
			continue
		default:
		}
		a.flushOnline()

		select {
		case n := <-a.ch:
			a.deliver(n)
		case <-a.kick:
		case <-stopch:
			for {
				select {
				case n := <-a.ch:
					a.deliver(n)
				default:
					a.flushOnline()
					return
				}
			}
		}
	}
}

func (a *Async) flushOnline() {
	a.mu.Lock()
	if len(a.pending) == 0 {
		a.mu.Unlock()
		return
	}
	pending := a.pending
	a.pending = make(map[vedirect.Category]bool)
	a.mu.Unlock()

	for _, c := range vedirect.Categories {
		if online, ok := pending[c]; ok {
			a.inner.Online(c, online)
		}
	}
}

func (a *Async) deliver(n notice) {
	if n.register.Kind == vedirect.KindInvalid {
		a.inner.Online(n.category, n.state)
	} else {
		a.inner.Register(n.category, n.register)
	}
}
