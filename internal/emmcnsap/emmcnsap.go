// Package emmcnsap implements the EMMCN-SAP (C5): the coupling SAP from
// the core-network side to EMM, fanning out authentication, PDN config,
// PDN connectivity, context, detach, and dedicated-bearer primitives to
// EMM/ESM procedures. Grounded verbatim on the primitive table and cause
// map of the original emm_cn.c dispatcher.
package emmcnsap

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openmme/mme-nas-core/internal/ebr"
	"github.com/openmme/mme-nas-core/internal/esmsap"
	"github.com/openmme/mme-nas-core/internal/gateway"
	"github.com/openmme/mme-nas-core/internal/naserr"
	"github.com/openmme/mme-nas-core/internal/nascontext"
	"github.com/openmme/mme-nas-core/internal/registry"
)

// PrimitiveKind enumerates the recognized EMMCN-SAP primitives (spec §4.5).
type PrimitiveKind string

const (
	AuthParamRes                 PrimitiveKind = "AUTH_PARAM_RES"
	AuthParamFail                PrimitiveKind = "AUTH_PARAM_FAIL"
	ContextRes                   PrimitiveKind = "CONTEXT_RES"
	ContextFail                  PrimitiveKind = "CONTEXT_FAIL"
	DeregisterUE                 PrimitiveKind = "DEREGISTER_UE"
	PDNConfigRes                 PrimitiveKind = "PDN_CONFIG_RES"
	PDNConfigFail                PrimitiveKind = "PDN_CONFIG_FAIL"
	PDNConnectivityRes           PrimitiveKind = "PDN_CONNECTIVITY_RES"
	PDNConnectivityFail          PrimitiveKind = "PDN_CONNECTIVITY_FAIL"
	PDNDisconnectRes             PrimitiveKind = "PDN_DISCONNECT_RES"
	ActivateDedicatedBearerReq   PrimitiveKind = "ACTIVATE_DEDICATED_BEARER_REQ"
	DeactivateDedicatedBearerReq PrimitiveKind = "DEACTIVATE_DEDICATED_BEARER_REQ"
	ImplicitDetach               PrimitiveKind = "IMPLICIT_DETACH"
	SMCProcFail                  PrimitiveKind = "SMC_PROC_FAIL"
)

// Primitive is the single inbound record emm_cn_send dispatches on. Fields
// not relevant to Kind are left zero.
type Primitive struct {
	Kind PrimitiveKind
	UEID uint32

	// AUTH_PARAM_RES / AUTH_PARAM_FAIL
	Vectors []nascontext.AuthVector
	S6aCause string

	// CONTEXT_RES / CONTEXT_FAIL
	S10Cause string

	// DEREGISTER_UE
	SwitchOff bool

	// PDN_CONFIG_RES / PDN_CONFIG_FAIL
	SubscribedAPN string

	// PDN_CONNECTIVITY_RES / _FAIL
	PDNType    nascontext.PDNType
	DefaultEBI uint8
	Cid        uint8
	QoS        nascontext.BearerQoS
	PAA        string
	S11Cause   string

	// PDN_DISCONNECT_RES
	DisconnectedCid uint8

	// ACTIVATE/DEACTIVATE_DEDICATED_BEARER_REQ
	EBI uint8

	// IMPLICIT_DETACH / SMC_PROC_FAIL
	EMMCause uint8
}

// SAP is the EMMCN-SAP dispatcher.
type SAP struct {
	store   *nascontext.Store
	reg     *registry.Registry
	bearers *ebr.Machine
	esm     *esmsap.SAP
	gw      *gateway.Gateway
	log     *zap.Logger
	tracer  trace.Tracer

	// StrictInvariants selects Open Question 3's behavior at the source's
	// DevAssert(0) sites: true aborts (Fatal), false swallows
	// (StaleCorrelation) with a warning.
	StrictInvariants bool
}

// New constructs an EMMCN-SAP.
func New(store *nascontext.Store, reg *registry.Registry, bearers *ebr.Machine, esm *esmsap.SAP, gw *gateway.Gateway, log *zap.Logger, tracer trace.Tracer) *SAP {
	if log == nil {
		log = zap.NewNop()
	}
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("emmcnsap")
	}
	return &SAP{store: store, reg: reg, bearers: bearers, esm: esm, gw: gw, log: log, tracer: tracer}
}

// mapS11Cause realizes the S11->ESM cause table verbatim (spec §4.5).
func mapS11Cause(cause string) uint8 {
	switch cause {
	case "CONTEXT_NOT_FOUND", "INVALID_MESSAGE_FORMAT":
		return esmsap.CauseRequestRejectedByGW
	case "SERVICE_NOT_SUPPORTED":
		return esmsap.CauseServiceOptionNotSupported
	case "SYSTEM_FAILURE":
		return esmsap.CauseNetworkFailure
	case "NO_RESOURCES_AVAILABLE", "ALL_DYNAMIC_ADDRESSES_OCCUPIED":
		return esmsap.CauseInsufficientResources
	default:
		return esmsap.CauseRequestRejectedByGW
	}
}

// Send is the single emm_cn_send dispatcher.
func (s *SAP) Send(ctx context.Context, p *Primitive) error {
	ctx, span := s.tracer.Start(ctx, "emmcnsap.send")
	defer span.End()

	switch p.Kind {
	case AuthParamRes:
		return s.authParamRes(p)
	case AuthParamFail:
		return s.authParamFail(p)
	case ContextRes:
		return s.contextRes(p)
	case ContextFail:
		return s.contextFail(p)
	case DeregisterUE:
		return s.deregisterUE(ctx, p)
	case PDNConfigRes:
		return s.pdnConfigRes(ctx, p)
	case PDNConfigFail:
		return s.pdnConfigFail(ctx, p)
	case PDNConnectivityRes:
		return s.pdnConnectivityRes(ctx, p)
	case PDNConnectivityFail:
		return s.pdnConnectivityFail(ctx, p)
	case PDNDisconnectRes:
		return s.pdnDisconnectRes(ctx, p)
	case ActivateDedicatedBearerReq:
		return s.esm.SendDedicatedBearerRequest(ctx, p.UEID, p.Cid, p.EBI, p.QoS)
	case DeactivateDedicatedBearerReq:
		return s.esm.SendDeactivateBearerRequest(ctx, p.UEID, p.EBI)
	case ImplicitDetach:
		return s.implicitDetach(p)
	case SMCProcFail:
		return s.smcProcFail(ctx, p)
	default:
		return &naserr.ProtocolError{Code: "unrecognized emmcn primitive"}
	}
}

func (s *SAP) authParamRes(p *Primitive) error {
	proc, ok := s.reg.Get(p.UEID, registry.AuthInfo)
	if !ok {
		return &naserr.StaleCorrelation{UEID: p.UEID, What: "auth-info procedure absent"}
	}
	// Vectors transfer by move: the primitive's own slice is the only
	// reference after this call, matching the source's null-out-after-steal.
	vectors := p.Vectors
	p.Vectors = nil
	err := s.store.WithMut(p.UEID, func(emm *nascontext.EMMContext) error {
		n := copy(emm.Security.Vectors[:], vectors)
		emm.Security.VectorCount = n
		emm.Security.VectorIndex = 0
		return nil
	})
	if err != nil {
		return err
	}
	proc.Resolve(true, vectors, "")
	s.reg.Delete(proc)
	return nil
}

func (s *SAP) authParamFail(p *Primitive) error {
	proc, ok := s.reg.Get(p.UEID, registry.AuthInfo)
	if !ok {
		return &naserr.StaleCorrelation{UEID: p.UEID, What: "auth-info procedure absent"}
	}
	proc.Resolve(false, nil, p.S6aCause)
	s.reg.Delete(proc)
	return nil
}

func (s *SAP) contextRes(p *Primitive) error {
	proc, ok := s.reg.Get(p.UEID, registry.ContextRequest)
	if !ok {
		return &naserr.StaleCorrelation{UEID: p.UEID, What: "context-request procedure absent"}
	}
	proc.Resolve(true, nil, "")
	s.reg.Delete(proc)
	return nil
}

func (s *SAP) contextFail(p *Primitive) error {
	if _, ok := s.store.Get(p.UEID); !ok {
		// Context already purged: treat as already-handled, per the
		// source's nil-emm_context early return in _emm_cn_context_fail.
		return nil
	}
	proc, ok := s.reg.Get(p.UEID, registry.ContextRequest)
	if !ok {
		return &naserr.StaleCorrelation{UEID: p.UEID, What: "context-request procedure absent"}
	}
	proc.Resolve(false, nil, p.S10Cause)
	s.reg.Delete(proc)
	return nil
}

func (s *SAP) deregisterUE(ctx context.Context, p *Primitive) error {
	proc, ok := s.reg.Get(p.UEID, registry.Detach)
	if !ok {
		proc = &registry.Procedure{UEID: p.UEID, Kind: registry.Detach}
		s.reg.Install(proc)
	}
	// Detach-request IEs per the source: type=EPS, switch_off as given,
	// native=false, ksi=0 — modeled here as fields on the procedure.
	proc.Data = detachProcData{Type: "EPS", SwitchOff: p.SwitchOff, IsNativeSC: false, KSI: 0}
	return nil
}

type detachProcData struct {
	Type       string
	SwitchOff  bool
	IsNativeSC bool
	KSI        uint8
}

func (s *SAP) implicitDetach(p *Primitive) error {
	// No UE signalling: drive the FSM straight to DEREGISTERED_INITIATED.
	return s.store.WithMut(p.UEID, func(emm *nascontext.EMMContext) error {
		emm.State = nascontext.EMMDeregisteredInitiated
		return nil
	})
}

func (s *SAP) smcProcFail(ctx context.Context, p *Primitive) error {
	proc, ok := s.reg.Get(p.UEID, registry.Attach)
	if !ok {
		return &naserr.StaleCorrelation{UEID: p.UEID, What: "no attach procedure for smc failure"}
	}
	proc.Resolve(false, nil, "emm-cause")
	s.reg.Delete(proc)
	return nil
}

// pdnConfigRes realizes Open Question 1's APN tie-break: prefer pending
// ESM proc-data's APN; else, if the UE has no PDNs yet, the subscribed
// default APN; else the first PDN in ascending cid order.
func (s *SAP) pdnConfigRes(ctx context.Context, p *Primitive) error {
	var apn string
	var hasPrior bool
	err := s.store.WithMut(p.UEID, func(emm *nascontext.EMMContext) error {
		switch {
		case emm.ESM.ProcData != nil && emm.ESM.ProcData.APN != "":
			apn = emm.ESM.ProcData.APN
		case emm.NPDNs == 0:
			apn = p.SubscribedAPN
		default:
			cids := emm.PDNCidsSorted()
			apn = emm.PDNs[cids[0]].APN
		}
		hasPrior = emm.NPDNs > 0
		return nil
	})
	if err != nil {
		return err
	}

	attachRunning := s.reg.IsRunning(p.UEID, registry.Attach)
	tauRunning := s.reg.IsRunning(p.UEID, registry.TAU)

	if !hasPrior {
		return s.gw.PDNConnectivity(ctx, p.UEID, "", apn, nascontext.PDNTypeIPv4, 0, 0, 0, nascontext.BearerQoS{}, nil, "INITIAL")
	}
	if tauRunning {
		proc, ok := s.reg.Get(p.UEID, registry.TAU)
		if ok {
			proc.Resolve(true, nil, "")
		}
		return nil
	}
	if attachRunning {
		return nil
	}
	return naserr.HandleUnreachable(s.StrictInvariants, "pdn_config_res with no attach/tau running", p.UEID)
}

func (s *SAP) pdnConfigFail(ctx context.Context, p *Primitive) error {
	const cause = esmsap.CauseNetworkFailure
	if proc, ok := s.reg.Get(p.UEID, registry.Attach); ok {
		proc.Data = attachESMContainer{Cause: cause}
		proc.Resolve(false, nil, "ESM_FAILURE")
		return nil
	}
	if proc, ok := s.reg.Get(p.UEID, registry.TAU); ok {
		proc.Resolve(false, nil, "ESM_FAILURE")
		return nil
	}
	return naserr.HandleUnreachable(s.StrictInvariants, "pdn_config_fail outside attach/tau", p.UEID)
}

type attachESMContainer struct {
	Cause uint8
}

// pdnConnectivityRes builds ACTIVATE-DEFAULT-EPS-BEARER REQUEST for the
// designated default EBI and drives the attach/TAU continuation.
func (s *SAP) pdnConnectivityRes(ctx context.Context, p *Primitive) error {
	pdnType := p.PDNType
	switch pdnType {
	case nascontext.PDNTypeIPv4, nascontext.PDNTypeIPv6, nascontext.PDNTypeIPv4v6:
	default:
		pdnType = nascontext.PDNTypeIPv4
	}

	var implicitGUTIReallocation bool
	err := s.store.WithMut(p.UEID, func(emm *nascontext.EMMContext) error {
		pdn, ok := emm.PDNs[p.Cid]
		if !ok {
			pdn = nascontext.NewPDNContext(p.Cid, "", pdnType)
			emm.AddPDN(pdn)
		}
		pdn.PDNType = pdnType
		pdn.PAA = p.PAA

		ebi, err := ebr.Assign(emm, p.DefaultEBI)
		if err != nil {
			return err
		}
		ebr.Create(pdn, ebi, nascontext.DefaultBearer, p.QoS, nascontext.FTEIDSet{}, nil, nil)
		p.DefaultEBI = ebi

		if emm.ESM.ProcData != nil && emm.ESM.ProcData.ImplicitGUTI {
			implicitGUTIReallocation = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.esm.SendDefaultBearerRequest(ctx, p.UEID, p.Cid, p.DefaultEBI, p.QoS); err != nil {
		return err
	}

	if proc, ok := s.reg.Get(p.UEID, registry.Attach); ok {
		proc.Data = attachESMContainer{Cause: esmsap.CauseSuccess}
		proc.Resolve(true, nil, "")
	} else if proc, ok := s.reg.Get(p.UEID, registry.TAU); ok {
		proc.Resolve(true, nil, "")
	}

	if implicitGUTIReallocation {
		s.log.Info("implicit guti reallocation requested", zap.Uint32("ue_id", p.UEID))
	}
	return nil
}

func (s *SAP) pdnConnectivityFail(ctx context.Context, p *Primitive) error {
	cause := mapS11Cause(p.S11Cause)

	if proc, ok := s.reg.Get(p.UEID, registry.Attach); ok {
		proc.Data = attachESMContainer{Cause: cause}
		proc.Resolve(false, nil, "ESM_FAILURE")
		return nil
	}
	if proc, ok := s.reg.Get(p.UEID, registry.TAU); ok {
		proc.Data = attachESMContainer{Cause: cause}
		proc.Resolve(false, nil, "ESM_FAILURE")
		return nil
	}
	return naserr.HandleUnreachable(s.StrictInvariants, "pdn_connectivity_fail: multi-apn case outside attach/tau", p.UEID)
}

// pdnDisconnectRes realizes Open Question 2: closes only the
// PDN-disconnect procedure for the named PDN; the detach FSM only
// advances once n_pdns reaches zero.
func (s *SAP) pdnDisconnectRes(ctx context.Context, p *Primitive) error {
	var remaining []uint8
	var detachRunning bool
	var switchOff bool
	err := s.store.WithMut(p.UEID, func(emm *nascontext.EMMContext) error {
		emm.RemovePDN(p.DisconnectedCid)
		remaining = emm.PDNCidsSorted()
		if proc, ok := s.reg.Get(p.UEID, registry.Detach); ok {
			detachRunning = true
			if d, ok := proc.Data.(detachProcData); ok {
				switchOff = d.SwitchOff
			}
		} else if emm.State == nascontext.EMMDeregisteredInitiated {
			detachRunning = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(remaining) == 0 {
		if detachRunning && !switchOff {
			if err := s.gw.DLDataSend(ctx, p.UEID, []byte{0x01}); err != nil { // Detach Accept downlink
				return err
			}
		}
		if proc, ok := s.reg.Get(p.UEID, registry.Detach); ok {
			proc.Resolve(true, nil, "")
			s.reg.Delete(proc)
		}
		s.store.Drop(p.UEID)
		s.reg.DropUE(p.UEID)
		return s.gw.Detach(ctx, p.UEID)
	}

	if detachRunning {
		next := remaining[0]
		var defaultEBI uint8
		_ = s.store.WithMut(p.UEID, func(emm *nascontext.EMMContext) error {
			if pdn, ok := emm.PDNs[next]; ok {
				defaultEBI = pdn.DefaultEBI
			}
			return nil
		})
		return s.gw.PDNDisconnect(ctx, p.UEID, next, defaultEBI, true)
	}

	// Not detaching: drive network-visible deactivation of the
	// disconnected PDN's default bearer (ESM_PDN_DISCONNECT_CNF in the
	// source); the outer procedure for this one PDN closes here (Open
	// Question 2).
	return s.esm.SendDeactivateBearerRequest(ctx, p.UEID, p.DefaultEBI)
}
