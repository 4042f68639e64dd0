// Package esmsap implements the ESM-SAP (C4): the inbound/outbound
// session-management primitive dispatcher that decodes inbound ESM NAS,
// drives bearer/PDN procedures, and encodes outbound ESM NAS.
package esmsap

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openmme/mme-nas-core/common/metrics"
	"github.com/openmme/mme-nas-core/internal/ebr"
	"github.com/openmme/mme-nas-core/internal/gateway"
	"github.com/openmme/mme-nas-core/internal/naserr"
	"github.com/openmme/mme-nas-core/internal/nascodec"
	"github.com/openmme/mme-nas-core/internal/nascontext"
	"github.com/openmme/mme-nas-core/internal/registry"
)

// UnassignedPTI is the sentinel PTI value meaning "not UE-triggered".
const UnassignedPTI uint8 = 0

// ESM cause values this core assigns directly (subset of TS 24.301 §9.9.4.4
// needed by the dispatch tables below).
const (
	CauseSuccess                  uint8 = 0
	CauseRegularDeactivation      uint8 = 36
	CauseRequestRejectedByGW      uint8 = 30
	CauseNetworkFailure           uint8 = 38
	CauseInsufficientResources    uint8 = 26
	CauseServiceOptionNotSupported uint8 = 32
)

// SAP is the ESM-SAP dispatcher.
type SAP struct {
	store   *nascontext.Store
	reg     *registry.Registry
	bearers *ebr.Machine
	gw      *gateway.Gateway
	log     *zap.Logger
	tracer  trace.Tracer

	// OnPDNConnectivityRequest is invoked when an inbound PDN-CONNECTIVITY
	// REQUEST cannot be satisfied immediately (no existing PDN). Wired by
	// internal/core, whose handler requests SGW/PGW session establishment
	// for a new cid directly; no PDN_CONFIG_REQ is sent on this path.
	OnPDNConnectivityRequest func(ctx context.Context, ueID uint32, pdu *nascodec.PDU)
	// OnPDNDisconnectRequest drives the PDN disconnect procedure after
	// local bookkeeping below has validated the request.
	OnPDNDisconnectRequest func(ctx context.Context, ueID uint32, cid uint8, defaultEBI uint8)
}

// New constructs an ESM-SAP.
func New(store *nascontext.Store, reg *registry.Registry, bearers *ebr.Machine, gw *gateway.Gateway, log *zap.Logger, tracer trace.Tracer) *SAP {
	if log == nil {
		log = zap.NewNop()
	}
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("esmsap")
	}
	return &SAP{store: store, reg: reg, bearers: bearers, gw: gw, log: log, tracer: tracer}
}

// Recv implements spec §4.4 steps 1-6.
func (s *SAP) Recv(ctx context.Context, ueID uint32, reqBytes []byte) ([]byte, error) {
	ctx, span := s.tracer.Start(ctx, "esmsap.recv")
	defer span.End()

	pdu, outcome, err := nascodec.Decode(reqBytes)
	metrics.RecordESMDecodeOutcome(outcome.String())
	switch outcome {
	case nascodec.TooShort:
		// Discard: err=DISCARDED, rc=ok (spec §4.4 step 1).
		s.log.Debug("esm pdu too short, discarded", zap.Uint32("ue_id", ueID))
		return nil, nil
	case nascodec.WrongType:
		return nil, &naserr.ProtocolError{Code: "MESSAGE_TYPE_NOT_IMPLEMENTED", Cause: err}
	case nascodec.UnexpectedIEI:
		return nil, &naserr.ProtocolError{Code: "CONDITIONAL_IE_ERROR", Cause: err}
	case nascodec.ProtocolError:
		return nil, &naserr.ProtocolError{Code: "PROTOCOL_ERROR", Cause: err}
	}

	triggeredByUE := pdu.PTI != UnassignedPTI

	var rsp *nascodec.PDU
	var dispatchErr error

	switch pdu.MsgType {
	case nascodec.MsgActivateDefaultEPSBearerContextAccept:
		dispatchErr = s.handleActivateDefaultAccept(ueID, pdu)
	case nascodec.MsgActivateDefaultEPSBearerContextReject:
		dispatchErr = s.handleActivateDefaultReject(ueID, pdu)
	case nascodec.MsgDeactivateEPSBearerContextAccept:
		dispatchErr = s.handleDeactivateAccept(ueID, pdu)
	case nascodec.MsgActivateDedicatedEPSBearerContextAccept:
		dispatchErr = s.handleDedicatedAccept(ctx, ueID, pdu)
	case nascodec.MsgActivateDedicatedEPSBearerContextReject:
		dispatchErr = s.handleDedicatedReject(ctx, ueID, pdu)
	case nascodec.MsgPDNConnectivityRequest:
		rsp, dispatchErr = s.handlePDNConnectivityRequest(ctx, ueID, pdu)
	case nascodec.MsgPDNDisconnectRequest:
		dispatchErr = s.handlePDNDisconnectRequest(ctx, ueID, pdu)
	case nascodec.MsgESMInformationResponse:
		dispatchErr = s.handleESMInformationResponse(ueID, pdu)
	case nascodec.MsgESMStatus:
		s.log.Info("esm-status received", zap.Uint32("ue_id", ueID), zap.Uint8("cause", pdu.Cause))
	default:
		dispatchErr = &naserr.ProtocolError{Code: "SEMANTICALLY_INCORRECT"}
	}

	_ = triggeredByUE

	if dispatchErr != nil {
		if naserr.IsStale(dispatchErr) {
			s.log.Warn("stale correlation, swallowed", zap.Uint32("ue_id", ueID), zap.Error(dispatchErr))
			return nil, nil
		}
		var pe *naserr.ProtocolError
		if errors.As(dispatchErr, &pe) {
			return s.buildStatus(ueID, pdu, pe.Code)
		}
		return nil, dispatchErr
	}

	// Step 5: non-success cause and no procedure selected -> ESM-STATUS.
	if pdu != nil && pdu.Cause != CauseSuccess && rsp == nil {
		return s.buildStatus(ueID, pdu, "")
	}

	if rsp == nil {
		return nil, nil
	}
	return nascodec.Encode(rsp)
}

func (s *SAP) buildStatus(ueID uint32, pdu *nascodec.PDU, code string) ([]byte, error) {
	cause := CauseRequestRejectedByGW
	if pdu != nil && pdu.Cause != 0 {
		cause = pdu.Cause
	}
	status := &nascodec.PDU{MsgType: nascodec.MsgESMStatus, Cause: cause}
	if pdu != nil {
		status.PTI = pdu.PTI
		status.EBI = pdu.EBI
	}
	s.log.Info("emitting esm-status", zap.Uint32("ue_id", ueID), zap.String("code", code), zap.Uint8("cause", cause))
	return nascodec.Encode(status)
}

func (s *SAP) handleActivateDefaultAccept(ueID uint32, pdu *nascodec.PDU) error {
	return s.store.WithMut(ueID, func(ctx *nascontext.EMMContext) error {
		b, _, ok := ctx.FindBearerAny(pdu.EBI)
		if !ok {
			// Unknown EBI: ignore (spec §4.4 table).
			return nil
		}
		return s.bearers.SetStatus(b, nascontext.EBRActive, true)
	})
}

func (s *SAP) handleActivateDefaultReject(ueID uint32, pdu *nascodec.PDU) error {
	return s.store.WithMut(ueID, func(ctx *nascontext.EMMContext) error {
		_, _, ok := ctx.FindBearerAny(pdu.EBI)
		if !ok {
			return nil
		}
		_, err := ebr.Release(ctx, pdu.EBI, nil)
		return err
	})
}

func (s *SAP) handleDeactivateAccept(ueID uint32, pdu *nascodec.PDU) error {
	return s.store.WithMut(ueID, func(ctx *nascontext.EMMContext) error {
		b, _, ok := ctx.FindBearerAny(pdu.EBI)
		if !ok {
			return nil
		}
		s.bearers.StopTimer(b)
		_, err := ebr.Release(ctx, pdu.EBI, nil)
		return err
	})
}

func (s *SAP) handleDedicatedAccept(ctx context.Context, ueID uint32, pdu *nascodec.PDU) error {
	return s.store.WithMut(ueID, func(emm *nascontext.EMMContext) error {
		b, _, ok := emm.FindBearerAny(pdu.EBI)
		if !ok {
			// Dropped per 24.301 E-RAB failure semantics: idempotent no-op.
			return nil
		}
		s.bearers.StopTimer(b)
		if err := s.bearers.SetStatus(b, nascontext.EBRActive, false); err != nil {
			return err
		}
		return s.gw.ActivateBearerCnfSend(ctx, ueID, pdu.EBI)
	})
}

func (s *SAP) handleDedicatedReject(ctx context.Context, ueID uint32, pdu *nascodec.PDU) error {
	return s.store.WithMut(ueID, func(emm *nascontext.EMMContext) error {
		b, _, ok := emm.FindBearerAny(pdu.EBI)
		if !ok {
			return nil
		}
		s.bearers.StopTimer(b)
		if _, err := ebr.Release(emm, pdu.EBI, nil); err != nil {
			return err
		}
		return s.gw.ActivateBearerRejSend(ctx, ueID, pdu.EBI, "ue-rejected")
	})
}

func (s *SAP) handlePDNConnectivityRequest(ctx context.Context, ueID uint32, pdu *nascodec.PDU) (*nascodec.PDU, error) {
	apn := pdu.IEs["apn"]
	var already *nascontext.PDNContext
	err := s.store.WithMut(ueID, func(emm *nascontext.EMMContext) error {
		for _, cid := range emm.PDNCidsSorted() {
			if emm.PDNs[cid].APN == apn {
				already = emm.PDNs[cid]
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if already != nil {
		// Multi-APN on the same UE: build and return ACTIVATE-DEFAULT
		// immediately rather than re-running PDN config.
		rsp := &nascodec.PDU{
			MsgType: nascodec.MsgActivateDefaultEPSBearerContextRequest,
			PTI:     pdu.PTI,
			EBI:     already.DefaultEBI,
		}
		return rsp, nil
	}
	if s.OnPDNConnectivityRequest != nil {
		s.OnPDNConnectivityRequest(ctx, ueID, pdu)
	}
	return nil, nil
}

func (s *SAP) handlePDNDisconnectRequest(ctx context.Context, ueID uint32, pdu *nascodec.PDU) error {
	var cid uint8
	var found bool
	err := s.store.WithMut(ueID, func(emm *nascontext.EMMContext) error {
		_, pdn, ok := emm.FindBearerAny(pdu.EBI)
		if !ok {
			return &naserr.StaleCorrelation{UEID: ueID, What: "pdn disconnect: unknown linked ebi"}
		}
		if pdn.DefaultEBI != pdu.EBI {
			return &naserr.ProtocolError{Code: "SEMANTICALLY_INCORRECT"}
		}
		cid = pdn.Cid
		found = true
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if s.OnPDNDisconnectRequest != nil {
		s.OnPDNDisconnectRequest(ctx, ueID, cid, pdu.EBI)
	}
	return nil
}

func (s *SAP) handleESMInformationResponse(ueID uint32, pdu *nascodec.PDU) error {
	return s.store.WithMut(ueID, func(emm *nascontext.EMMContext) error {
		if emm.ESM.ProcData == nil {
			emm.ESM.ProcData = &nascontext.ESMProcData{}
		}
		if apn, ok := pdu.IEs["apn"]; ok {
			emm.ESM.ProcData.APN = apn
		}
		if pco, ok := pdu.IEs["pco"]; ok {
			emm.ESM.ProcData.PCO = []byte(pco)
		}
		return nil
	})
}

// SendDefaultBearerRequest builds and sends an ACTIVATE-DEFAULT-EPS-BEARER
// REQUEST for ebi, the primary attach/TAU path's first bearer activation:
// emit to the gateway, start T3485 with a duplicate of the encoded message,
// and set the bearer to ACTIVE_PENDING (idempotent if already there).
func (s *SAP) SendDefaultBearerRequest(ctx context.Context, ueID uint32, cid uint8, ebi uint8, qos nascontext.BearerQoS) error {
	return s.store.WithMut(ueID, func(emm *nascontext.EMMContext) error {
		b, _, ok := emm.FindBearerAny(ebi)
		if !ok {
			return &naserr.StaleCorrelation{UEID: ueID, What: "default bearer request: unknown ebi"}
		}
		pdu := &nascodec.PDU{
			MsgType: nascodec.MsgActivateDefaultEPSBearerContextRequest,
			EBI:     ebi,
		}
		encoded, err := nascodec.Encode(pdu)
		if err != nil {
			return err
		}
		if err := s.gw.ERABSetup(ctx, ueID, ebi, qos, encoded); err != nil {
			return err
		}
		s.bearers.StartTimer(ueID, b, encoded)
		return s.bearers.SetStatus(b, nascontext.EBRActivePending, false)
	})
}

// SendDedicatedBearerRequest builds and sends an ACTIVATE-DEDICATED-EPS-BEARER
// REQUEST for ebi, per spec §4.4's dedicated-bearer activation procedure:
// emit to the gateway, start T3485 with a duplicate of the encoded message,
// and set the bearer to ACTIVE_PENDING (idempotent if already there).
func (s *SAP) SendDedicatedBearerRequest(ctx context.Context, ueID uint32, cid uint8, ebi uint8, qos nascontext.BearerQoS) error {
	return s.store.WithMut(ueID, func(emm *nascontext.EMMContext) error {
		b, _, ok := emm.FindBearerAny(ebi)
		if !ok {
			return &naserr.StaleCorrelation{UEID: ueID, What: "dedicated bearer request: unknown ebi"}
		}
		pdu := &nascodec.PDU{
			MsgType: nascodec.MsgActivateDedicatedEPSBearerContextRequest,
			EBI:     ebi,
		}
		encoded, err := nascodec.Encode(pdu)
		if err != nil {
			return err
		}
		if err := s.gw.ERABSetup(ctx, ueID, ebi, qos, encoded); err != nil {
			return err
		}
		s.bearers.StartTimer(ueID, b, encoded)
		return s.bearers.SetStatus(b, nascontext.EBRActivePending, false)
	})
}

// SendDeactivateBearerRequest builds and sends a DEACTIVATE-EPS-BEARER
// REQUEST (cause = REGULAR_DEACTIVATION) for ebi, starting the EBR timer
// and setting status to INACTIVE_PENDING.
func (s *SAP) SendDeactivateBearerRequest(ctx context.Context, ueID uint32, ebi uint8) error {
	return s.store.WithMut(ueID, func(emm *nascontext.EMMContext) error {
		b, _, ok := emm.FindBearerAny(ebi)
		if !ok {
			return &naserr.StaleCorrelation{UEID: ueID, What: "deactivate request: unknown ebi"}
		}
		pdu := &nascodec.PDU{
			MsgType: nascodec.MsgDeactivateEPSBearerContextRequest,
			EBI:     ebi,
			Cause:   CauseRegularDeactivation,
		}
		encoded, err := nascodec.Encode(pdu)
		if err != nil {
			return err
		}
		if err := s.gw.DLDataSend(ctx, ueID, encoded); err != nil {
			return err
		}
		s.bearers.StartTimer(ueID, b, encoded)
		return s.bearers.SetStatus(b, nascontext.EBRInactivePending, false)
	})
}
