package ext

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Faultbox/gearth/internal/logger"
	"github.com/Faultbox/gearth/pkg/packet"
)

// InterceptFunc receives each matching intercepted message. It may read the
// packet, mutate it, or set Blocked on the envelope.
type InterceptFunc func(*packet.Message)

// Mode selects how an interceptor is delivered.
type Mode int

const (
	// Blocking interceptors run on the manipulation goroutine; their changes
	// travel back to the host inside the round-trip window.
	Blocking Mode = iota
	// AsyncObserve interceptors run on a worker over a copy of the envelope.
	// The pipeline answers the host immediately; changes made by the
	// callback never reach the host.
	AsyncObserve
	// AsyncModify interceptors cause the original packet to be answered as
	// blocked; the callback runs on a worker over an unblocked deep copy and,
	// unless it blocks the copy, the result is re-emitted as a fresh send.
	AsyncModify
)

// Identifier selects which packets an interceptor receives: a numeric header
// id, a symbolic name or hash, or every packet of a direction.
type Identifier struct {
	id  int16
	sym string
	all bool
}

// ID matches packets by numeric header id.
func ID(id int16) Identifier { return Identifier{id: id} }

// Named matches packets by the symbolic name or hash announced in the host's
// packet-info table.
func Named(sym string) Identifier { return Identifier{sym: sym} }

// All matches every packet of the direction. Catch-all interceptors run
// before identifier-specific ones.
var All = Identifier{all: true}

type interceptEntry struct {
	fn   InterceptFunc
	mode Mode
}

// interceptRegistry keeps the per-direction callback lists. Registration may
// happen while the manipulation goroutine iterates, so lists are snapshotted
// under a read lock before dispatch.
type interceptRegistry struct {
	mu       sync.RWMutex
	catchAll [2][]interceptEntry
	byID     [2]map[int16][]interceptEntry
	bySym    [2]map[string][]interceptEntry
}

func newInterceptRegistry() *interceptRegistry {
	r := &interceptRegistry{}
	for i := 0; i < 2; i++ {
		r.byID[i] = make(map[int16][]interceptEntry)
		r.bySym[i] = make(map[string][]interceptEntry)
	}
	return r
}

func (r *interceptRegistry) add(dir packet.Direction, ident Identifier, en interceptEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := dir.Index()
	switch {
	case ident.all:
		r.catchAll[i] = append(r.catchAll[i], en)
	case ident.sym != "":
		r.bySym[i][ident.sym] = append(r.bySym[i][ident.sym], en)
	default:
		r.byID[i][ident.id] = append(r.byID[i][ident.id], en)
	}
}

func (r *interceptRegistry) remove(ident Identifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < 2; i++ {
		switch {
		case ident.all:
			r.catchAll[i] = nil
			r.byID[i] = make(map[int16][]interceptEntry)
			r.bySym[i] = make(map[string][]interceptEntry)
		case ident.sym != "":
			delete(r.bySym[i], ident.sym)
		default:
			delete(r.byID[i], ident.id)
		}
	}
}

func (r *interceptRegistry) snapshotCatchAll(dir packet.Direction) []interceptEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]interceptEntry{}, r.catchAll[dir.Index()]...)
}

func (r *interceptRegistry) snapshotID(dir packet.Direction, id int16) []interceptEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]interceptEntry{}, r.byID[dir.Index()][id]...)
}

func (r *interceptRegistry) snapshotSym(dir packet.Direction, sym string) []interceptEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]interceptEntry{}, r.bySym[dir.Index()][sym]...)
}

// Intercept registers fn for packets of the direction matching ident,
// delivered per mode. Registrations survive connection cycles.
func (e *Extension) Intercept(dir packet.Direction, ident Identifier, mode Mode, fn InterceptFunc) {
	e.registry.add(dir, ident, interceptEntry{fn: fn, mode: mode})
}

// RemoveIntercepts erases every interceptor registered under ident, in both
// directions. RemoveIntercepts(All) clears the whole registry.
func (e *Extension) RemoveIntercepts(ident Identifier) {
	e.registry.remove(ident)
}

// manipulateLoop is the single consumer of intercepted messages. Running the
// blocking callbacks serially here keeps the host's replies in arrival order.
func (e *Extension) manipulateLoop() {
	e.manipGoID.Store(goid())
	defer e.manipGoID.Store(-1)
	done := e.doneOrClosed()
	for {
		select {
		case <-done:
			return
		case msg := <-e.manipQueue:
			e.manipulate(msg)
		}
	}
}

func (e *Extension) manipulate(msg *packet.Message) {
	dir := msg.Direction

	for _, en := range e.registry.snapshotCatchAll(dir) {
		e.invoke(en, msg)
	}

	// The candidate identifiers are the numeric header plus every name and
	// hash the info table knows for it, deduplicated.
	headerID := msg.Packet.HeaderID()
	for _, en := range e.registry.snapshotID(dir, headerID) {
		e.invoke(en, msg)
	}
	seen := make(map[string]struct{})
	for _, info := range e.infos.ByID(dir, headerID) {
		for _, sym := range []string{info.Name, info.Hash} {
			if sym == "" {
				continue
			}
			if _, dup := seen[sym]; dup {
				continue
			}
			seen[sym] = struct{}{}
			for _, en := range e.registry.snapshotSym(dir, sym) {
				e.invoke(en, msg)
			}
		}
	}

	if msg.Blocked {
		e.metrics.blocked.Inc()
	}
	reply := packet.New(outManipulatedPacket).AppendHostString(msg.HostText())
	if err := e.sendRaw(reply); err != nil {
		logger.Error("failed to return manipulated packet", zap.Error(err))
		return
	}
	e.metrics.manipulated.Inc()
}

func (e *Extension) invoke(en interceptEntry, msg *packet.Message) {
	switch en.mode {
	case Blocking:
		callIntercept(en.fn, msg)

	case AsyncObserve:
		cp := msg.CopyShallow()
		go callIntercept(en.fn, cp)

	case AsyncModify:
		msg.Blocked = true
		cp := msg.CopyDeep()
		cp.Blocked = false
		go func() {
			if !callIntercept(en.fn, cp) {
				return
			}
			if !cp.Blocked {
				e.send(cp.Direction, cp.Packet)
			}
		}()
	}
	msg.Packet.Reset()
}

// callIntercept runs one interceptor, containing panics so a misbehaving
// callback cannot take down the manipulation pipeline. Reports whether the
// callback returned normally.
func callIntercept(fn InterceptFunc, msg *packet.Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("interceptor panicked", zap.Any("panic", r))
		}
	}()
	fn(msg)
	return true
}
