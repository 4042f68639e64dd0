// Package registry implements the Procedure Registry (C3): the per-UE set
// of in-flight procedures, each a tagged record holding correlation state
// and success/failure continuations.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openmme/mme-nas-core/common/metrics"
)

// Kind identifies a procedure's tag. At most one of each kind may be
// in-flight per UE at a time, except ESMTransaction, of which several may
// be outstanding (one per PTI).
type Kind int

const (
	AuthInfo Kind = iota
	ContextRequest
	Attach
	TAU
	Detach
	ESMTransaction
)

func (k Kind) String() string {
	switch k {
	case AuthInfo:
		return "auth-info"
	case ContextRequest:
		return "context-request"
	case Attach:
		return "attach"
	case TAU:
		return "tau"
	case Detach:
		return "detach"
	case ESMTransaction:
		return "esm-transaction"
	default:
		return "unknown"
	}
}

// Procedure is a tagged-variant procedure object (spec §9): kind-specific
// state (in Data) plus a pair of continuations, invoked at most once
// between them (I6).
type Procedure struct {
	ID   uuid.UUID
	Kind Kind
	UEID uint32
	PTI  uint8 // meaningful only for ESMTransaction

	Cause string
	Data  any // kind-specific payload (e.g. attach proc's ESM container)

	Timer *time.Timer

	OnSuccess func(data any)
	OnFailure func(cause string)

	installedAt time.Time
	resolved    bool
	mu          sync.Mutex
}

// Resolve invokes OnSuccess or OnFailure exactly once; subsequent calls are
// no-ops, realizing I6 against spurious timer expiry or duplicate
// responses.
func (p *Procedure) Resolve(success bool, data any, cause string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return
	}
	p.resolved = true
	if !p.installedAt.IsZero() {
		metrics.RecordProcedureDuration(p.Kind.String(), time.Since(p.installedAt).Seconds())
	}
	if success {
		if p.OnSuccess != nil {
			p.OnSuccess(data)
		}
		return
	}
	p.Cause = cause
	if p.OnFailure != nil {
		p.OnFailure(cause)
	}
}

// IsResolved reports whether the procedure's continuations have already
// fired.
func (p *Procedure) IsResolved() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolved
}

type perUE struct {
	slots map[Kind]*Procedure   // singleton slots
	esm   map[uint8]*Procedure  // ESM transactions, keyed by PTI
}

// Registry holds every UE's procedure slots.
type Registry struct {
	mu  sync.Mutex
	ues map[uint32]*perUE
	log *zap.Logger
}

// New constructs an empty registry.
func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{ues: make(map[uint32]*perUE), log: log}
}

func (r *Registry) ueSlots(ueID uint32, create bool) *perUE {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.ues[ueID]
	if !ok {
		if !create {
			return nil
		}
		u = &perUE{slots: make(map[Kind]*Procedure), esm: make(map[uint8]*Procedure)}
		r.ues[ueID] = u
	}
	return u
}

// Install registers proc under its kind (and PTI, for ESM transactions).
func (r *Registry) Install(proc *Procedure) {
	if proc.ID == uuid.Nil {
		proc.ID = uuid.New()
	}
	if proc.installedAt.IsZero() {
		proc.installedAt = time.Now()
	}
	u := r.ueSlots(proc.UEID, true)
	r.mu.Lock()
	defer r.mu.Unlock()
	if proc.Kind == ESMTransaction {
		u.esm[proc.PTI] = proc
	} else {
		u.slots[proc.Kind] = proc
	}
	r.log.Debug("procedure installed",
		zap.Uint32("ue_id", proc.UEID), zap.String("kind", proc.Kind.String()))
}

// Get returns the installed singleton procedure of kind for ueID, if any.
func (r *Registry) Get(ueID uint32, kind Kind) (*Procedure, bool) {
	u := r.ueSlots(ueID, false)
	if u == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := u.slots[kind]
	return p, ok
}

// GetESM returns the ESM transaction procedure for ueID correlated by pti.
func (r *Registry) GetESM(ueID uint32, pti uint8) (*Procedure, bool) {
	u := r.ueSlots(ueID, false)
	if u == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := u.esm[pti]
	return p, ok
}

// Delete removes proc from the registry, first cancelling any associated
// timer (the registry's delete guarantee, spec §4.3).
func (r *Registry) Delete(proc *Procedure) {
	if proc.Timer != nil {
		proc.Timer.Stop()
	}
	u := r.ueSlots(proc.UEID, false)
	if u == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if proc.Kind == ESMTransaction {
		delete(u.esm, proc.PTI)
	} else {
		if cur, ok := u.slots[proc.Kind]; ok && cur == proc {
			delete(u.slots, proc.Kind)
		}
	}
	r.log.Debug("procedure deleted",
		zap.Uint32("ue_id", proc.UEID), zap.String("kind", proc.Kind.String()))
}

// IsRunning reports whether a singleton procedure of kind is installed for
// ueID.
func (r *Registry) IsRunning(ueID uint32, kind Kind) bool {
	_, ok := r.Get(ueID, kind)
	return ok
}

// DropUE removes every procedure (and cancels every timer) belonging to
// ueID, for use on context drop.
func (r *Registry) DropUE(ueID uint32) {
	r.mu.Lock()
	u, ok := r.ues[ueID]
	if ok {
		delete(r.ues, ueID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, p := range u.slots {
		if p.Timer != nil {
			p.Timer.Stop()
		}
	}
	for _, p := range u.esm {
		if p.Timer != nil {
			p.Timer.Stop()
		}
	}
}
