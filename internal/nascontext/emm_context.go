package nascontext

import "sort"

// EMMContext is the per-UE EMM data context (spec §3): identity, security,
// FSM state, ESM sub-context, and the PDN table.
type EMMContext struct {
	timestamps

	UEID uint32

	IMSI    string
	GUTI    string
	OldGUTI string

	State EMMState

	Security SecurityContext
	ESM      ESMContext

	PDNs map[uint8]*PDNContext // keyed by cid

	// NPDNs mirrors len(PDNs); kept as an explicit field so callers can
	// assert I5 (n_pdns == |PDN contexts|) without racing a second map
	// read under the same lock.
	NPDNs int
}

// NewEMMContext constructs a fresh context in DEREGISTERED.
func NewEMMContext(ueID uint32) *EMMContext {
	return &EMMContext{
		timestamps: now(),
		UEID:       ueID,
		State:      EMMDeregistered,
		PDNs:       make(map[uint8]*PDNContext),
	}
}

// AddPDN inserts a PDN context and keeps NPDNs in sync (I5).
func (e *EMMContext) AddPDN(p *PDNContext) {
	e.PDNs[p.Cid] = p
	e.NPDNs = len(e.PDNs)
	e.UpdatedAt = nowTime()
}

// RemovePDN deletes a PDN context and keeps NPDNs in sync (I5).
func (e *EMMContext) RemovePDN(cid uint8) {
	delete(e.PDNs, cid)
	e.NPDNs = len(e.PDNs)
	e.UpdatedAt = nowTime()
}

// PDNCidsSorted returns the UE's PDN cids in ascending order. Used for the
// Open Question 1 APN tie-break and the Open Question 2 disconnect cadence,
// both of which are specified in terms of "first PDN in cid order".
func (e *EMMContext) PDNCidsSorted() []uint8 {
	cids := make([]uint8, 0, len(e.PDNs))
	for cid := range e.PDNs {
		cids = append(cids, cid)
	}
	sort.Slice(cids, func(i, j int) bool { return cids[i] < cids[j] })
	return cids
}

// FindBearerAny looks up a bearer by EBI across all of the UE's PDNs,
// without the caller needing to know which PDN owns it.
func (e *EMMContext) FindBearerAny(ebi uint8) (*BearerContext, *PDNContext, bool) {
	for _, pdn := range e.PDNs {
		if b, ok := pdn.Bearers[ebi]; ok {
			return b, pdn, true
		}
	}
	return nil, nil, false
}

// FindPDN looks up a PDN by cid, optionally verifying it owns the given
// default EBI.
func (e *EMMContext) FindPDN(cid uint8, defaultEBI *uint8) (*PDNContext, bool) {
	pdn, ok := e.PDNs[cid]
	if !ok {
		return nil, false
	}
	if defaultEBI != nil && pdn.DefaultEBI != *defaultEBI {
		return nil, false
	}
	return pdn, true
}
