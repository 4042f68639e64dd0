package nascontext

import (
	"sync"

	"go.uber.org/zap"
)

// entry pairs an EMMContext with the lock that with_mut holds for the
// duration of a handler. Modeled after the teacher's per-object
// sync.RWMutex, narrowed to a plain Mutex: this core has no concurrent-read
// case distinct from the exclusive-mutation case (spec §5).
type entry struct {
	mu  sync.Mutex
	ctx *EMMContext
}

// Store is the UE Context Store (C1): keyed lookup over per-UE EMM
// contexts, with scoped exclusive mutation.
type Store struct {
	mu      sync.RWMutex
	entries map[uint32]*entry
	log     *zap.Logger
}

// NewStore constructs an empty store.
func NewStore(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		entries: make(map[uint32]*entry),
		log:     log,
	}
}

// Get returns the context for ueID, or ok=false if absent. Per spec §4.1,
// callers must treat a missing context as a no-op for the triggering
// message, not as an error.
func (s *Store) Get(ueID uint32) (*EMMContext, bool) {
	s.mu.RLock()
	e, ok := s.entries[ueID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.ctx, true
}

// Create installs a fresh context for ueID, overwriting any prior one.
func (s *Store) Create(ueID uint32) *EMMContext {
	ctx := NewEMMContext(ueID)
	s.mu.Lock()
	s.entries[ueID] = &entry{ctx: ctx}
	s.mu.Unlock()
	s.log.Debug("emm context created", zap.Uint32("ue_id", ueID))
	return ctx
}

// GetOrCreate returns the existing context for ueID, creating one if absent.
func (s *Store) GetOrCreate(ueID uint32) *EMMContext {
	if ctx, ok := s.Get(ueID); ok {
		return ctx
	}
	return s.Create(ueID)
}

// Drop removes the context for ueID (detach-confirm, implicit detach, or
// context-transfer failure).
func (s *Store) Drop(ueID uint32) {
	s.mu.Lock()
	delete(s.entries, ueID)
	s.mu.Unlock()
	s.log.Debug("emm context dropped", zap.Uint32("ue_id", ueID))
}

// WithMut holds the per-UE lock for the duration of f, the scoped exclusive
// mutation required by every handler that touches a UE's context. Policy
// (§4.1): no cross-UE operation may hold two UE locks at once — f must
// never itself call WithMut for a different ueID.
func (s *Store) WithMut(ueID uint32, f func(ctx *EMMContext) error) error {
	s.mu.RLock()
	e, ok := s.entries[ueID]
	s.mu.RUnlock()
	if !ok {
		return errAbsent(ueID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return f(e.ctx)
}

// FindPDN is the store-level convenience wrapper over EMMContext.FindPDN,
// for callers that have not already taken WithMut.
func (s *Store) FindPDN(ueID uint32, cid uint8, defaultEBI *uint8) (*PDNContext, bool) {
	ctx, ok := s.Get(ueID)
	if !ok {
		return nil, false
	}
	return ctx.FindPDN(cid, defaultEBI)
}

// FindBearerAny is the store-level convenience wrapper over
// EMMContext.FindBearerAny.
func (s *Store) FindBearerAny(ueID uint32, ebi uint8) (*BearerContext, *PDNContext, bool) {
	ctx, ok := s.Get(ueID)
	if !ok {
		return nil, nil, false
	}
	return ctx.FindBearerAny(ebi)
}

// Count returns the number of UE contexts currently held, for metrics.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Tally walks every UE context under its own per-UE lock and returns the
// total PDN count and the bearer count broken down by EBR state, for
// periodic metrics reporting.
func (s *Store) Tally() (pdns int, bearersByState map[EBRState]int) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	bearersByState = map[EBRState]int{}
	for _, e := range entries {
		e.mu.Lock()
		pdns += e.ctx.NPDNs
		for _, pdn := range e.ctx.PDNs {
			for _, b := range pdn.Bearers {
				bearersByState[b.State]++
			}
		}
		e.mu.Unlock()
	}
	return pdns, bearersByState
}

type absentError struct{ ueID uint32 }

func (e *absentError) Error() string { return "ue context absent" }

func errAbsent(ueID uint32) error { return &absentError{ueID: ueID} }

// IsAbsent reports whether err indicates the UE context was not found,
// distinguishing the "stale message, no-op" case from a real failure.
func IsAbsent(err error) bool {
	_, ok := err.(*absentError)
	return ok
}
