// Package ebr implements the EPS Bearer Resource state machine (C2):
// per-bearer state, retransmission timers, and encoded-message retention
// for resend.
package ebr

import (
	"time"

	"go.uber.org/zap"

	"github.com/openmme/mme-nas-core/internal/naserr"
	"github.com/openmme/mme-nas-core/internal/nascontext"
)

// DedicatedBearerActivateMaxRetries is the T3485 retry budget (named
// constant in place of the source's DEDICATED_EPS_BEARER_ACTIVATE_COUNTER_MAX).
const DedicatedBearerActivateMaxRetries = 5

// MaxEBI is the top of the 3GPP-reserved EBI space usable for dynamically
// assigned bearers (5..15; 0..4 are reserved).
const (
	MinEBI = 5
	MaxEBI = 15
)

// TimerHandler is the shape of a retransmission-timer callback: it receives
// the UE-id and the bearer's EBI and returns nothing.
type TimerHandler func(ueID uint32, ebi uint8)

// Machine operates the EBR state machine over a Store, per spec §4.2.
type Machine struct {
	store         *nascontext.Store
	log           *zap.Logger
	t3485Duration time.Duration
	resend        func(ueID uint32, ebi uint8, msg []byte) // re-ships the retained message (internal/core wires it to gateway ERABSetup)

	// onFinalFailure runs while the UE's WithMut lock is still held (it is
	// invoked from inside fireT3485's own WithMut call), so it takes the
	// locked context directly rather than re-entering the store.
	onFinalFailure func(emm *nascontext.EMMContext, ebi uint8)
}

// New constructs an EBR machine bound to store. resend is invoked on each
// T3485 retry with the retained message; onFinalFailure is invoked once the
// retry budget is exhausted, with the UE's context already locked.
func New(store *nascontext.Store, log *zap.Logger, t3485 time.Duration, resend func(ueID uint32, ebi uint8, msg []byte), onFinalFailure func(emm *nascontext.EMMContext, ebi uint8)) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{store: store, log: log, t3485Duration: t3485, resend: resend, onFinalFailure: onFinalFailure}
}

// Assign allocates an EBI within the 3GPP EBI space not already bound to a
// bearer under ue. Fails with ResourceExhaustion when none remain.
func Assign(ctx *nascontext.EMMContext, preferred uint8) (uint8, error) {
	used := map[uint8]bool{}
	for _, pdn := range ctx.PDNs {
		for ebi := range pdn.Bearers {
			used[ebi] = true
		}
	}
	if preferred >= MinEBI && preferred <= MaxEBI && !used[preferred] {
		return preferred, nil
	}
	for ebi := uint8(MinEBI); ebi <= MaxEBI; ebi++ {
		if !used[ebi] {
			return ebi, nil
		}
	}
	return 0, &naserr.ResourceExhaustion{Resource: "ebi"}
}

// Create constructs a bearer record, inserts it into the PDN's bearer set,
// and leaves it in INACTIVE.
func Create(pdn *nascontext.PDNContext, ebi uint8, kind nascontext.BearerKind, qos nascontext.BearerQoS, fteid nascontext.FTEIDSet, tft, pco []byte) *nascontext.BearerContext {
	b := nascontext.NewBearerContext(ebi, kind, pdn.Cid, qos, fteid, tft, pco)
	pdn.AddBearer(b)
	if kind == nascontext.DefaultBearer {
		pdn.DefaultEBI = ebi
	}
	return b
}

// transitions enumerates the legal EBR state graph.
var transitions = map[nascontext.EBRState]map[nascontext.EBRState]bool{
	nascontext.EBRInactive: {
		nascontext.EBRActivePending: true,
	},
	nascontext.EBRActivePending: {
		nascontext.EBRActive:          true,
		nascontext.EBRInactive:        true, // reject path
		nascontext.EBRInactivePending: true, // T3485 exhaustion deactivate path
	},
	nascontext.EBRActive: {
		nascontext.EBRModifyPending:   true,
		nascontext.EBRInactivePending: true,
	},
	nascontext.EBRModifyPending: {
		nascontext.EBRActive: true,
	},
	nascontext.EBRInactivePending: {
		nascontext.EBRInactive: true,
	},
}

// SetStatus enforces legal EBR transitions. Setting a bearer to its current
// state is a non-fatal warning, not an error, per spec §4.2.
func (m *Machine) SetStatus(b *nascontext.BearerContext, target nascontext.EBRState, ueTriggered bool) error {
	if b.State == target {
		m.log.Warn("ebr already in target state",
			zap.Uint8("ebi", b.EBI), zap.String("state", string(target)))
		return nil
	}
	if !transitions[b.State][target] {
		return &naserr.Fatal{Invariant: "illegal ebr transition"}
	}
	m.log.Debug("ebr transition",
		zap.Uint8("ebi", b.EBI),
		zap.String("from", string(b.State)),
		zap.String("to", string(target)),
		zap.Bool("ue_triggered", ueTriggered))
	b.State = target
	return nil
}

// StartTimer arms T3485 on b, retaining a duplicate of msg for resend. The
// duplicate is a second allocation, never aliased with the caller's buffer
// (the redesign's fix for the source's bstring-steal idiom).
func (m *Machine) StartTimer(ueID uint32, b *nascontext.BearerContext, msg []byte) {
	dup := make([]byte, len(msg))
	copy(dup, msg)
	b.RetainedMsg = dup
	b.T3485Count = 0
	ebi := b.EBI
	b.SetTimerHandle(time.AfterFunc(m.t3485Duration, func() {
		m.fireT3485(ueID, ebi)
	}))
}

// StopTimer cancels b's retransmission timer and releases the retained
// message. Idempotent on an absent bearer: messages arriving after an
// E-RAB failure are silently dropped per 24.301.
func (m *Machine) StopTimer(b *nascontext.BearerContext) {
	if b == nil {
		return
	}
	if h, ok := b.TimerHandle().(*time.Timer); ok && h != nil {
		h.Stop()
	}
	b.SetTimerHandle(nil)
	b.RetainedMsg = nil
}

func (m *Machine) fireT3485(ueID uint32, ebi uint8) {
	err := m.store.WithMut(ueID, func(ctx *nascontext.EMMContext) error {
		b, _, ok := ctx.FindBearerAny(ebi)
		if !ok || b.State != nascontext.EBRActivePending {
			// Spurious expiry after the procedure already closed: no-op.
			return nil
		}
		b.T3485Count++
		if b.T3485Count < DedicatedBearerActivateMaxRetries {
			msg := append([]byte(nil), b.RetainedMsg...)
			ebi := b.EBI
			b.SetTimerHandle(time.AfterFunc(m.t3485Duration, func() {
				m.fireT3485(ueID, ebi)
			}))
			m.resend(ueID, b.EBI, msg)
			return nil
		}
		m.log.Warn("t3485 exhausted", zap.Uint32("ue_id", ueID), zap.Uint8("ebi", ebi))
		m.StopTimer(b)
		m.onFinalFailure(ctx, ebi)
		return nil
	})
	if err != nil && !naserr.IsStale(err) {
		if naserr.IsFatal(err) {
			m.log.Fatal("fatal invariant violation in t3485 handling", zap.Uint32("ue_id", ueID), zap.Error(err))
		}
		m.log.Warn("t3485 fired for absent ue", zap.Uint32("ue_id", ueID), zap.Error(err))
	}
}

// Release removes a bearer from its PDN. If it was the PDN's default
// bearer, the whole PDN is torn down and pidOut receives the freed cid.
func Release(ctx *nascontext.EMMContext, ebi uint8, pidOut *uint8) (uint8, error) {
	b, pdn, ok := ctx.FindBearerAny(ebi)
	if !ok {
		return 0, &naserr.StaleCorrelation{UEID: ctx.UEID, What: "release unknown ebi"}
	}
	wasDefault := b.IsDefault()
	pdn.RemoveBearer(ebi)
	if wasDefault {
		cid := pdn.Cid
		ctx.RemovePDN(cid)
		if pidOut != nil {
			*pidOut = cid
		}
	}
	return ebi, nil
}
