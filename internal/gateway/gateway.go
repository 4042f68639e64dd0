// Package gateway implements the Outbound Message Gateway (C6): pure
// constructors that take a UE-id and structured parameters, produce an
// abstract outbound message record, and hand it to a Transport.
package gateway

import (
	"context"
	"crypto/sha256"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openmme/mme-nas-core/internal/nascontext"
)

// Kind enumerates the recognized outbound message kinds (spec §4.6).
type Kind string

const (
	DLDataReq           Kind = "DL_DATA_REQ"
	ERABSetupReq        Kind = "E-RAB_SETUP_REQ"
	ERABReleaseReq      Kind = "E-RAB_RELEASE_REQ"
	PDNConfigReq        Kind = "PDN_CONFIG_REQ"
	PDNConnectivityReq  Kind = "PDN_CONNECTIVITY_REQ"
	PDNDisconnectReq    Kind = "PDN_DISCONNECT_REQ"
	ContextReq          Kind = "CONTEXT_REQ"
	AuthInfoReq         Kind = "AUTH_INFO_REQ"
	DetachReq           Kind = "DETACH_REQ"
	ActivateBearerCnf   Kind = "ACTIVATE_BEARER_CNF"
	ActivateBearerRej   Kind = "ACTIVATE_BEARER_REJ"
	DeactivateBearerCnf Kind = "DEACTIVATE_BEARER_CNF"
	ConnEstCnf          Kind = "CONN_EST_CNF"
	AuthParamReq        Kind = "AUTH_PARAM_REQ"
)

// Message is the abstract outbound record every constructor produces.
type Message struct {
	ID     uuid.UUID
	Kind   Kind
	UEID   uint32
	Fields map[string]any
}

// Transport is the single-direction sink this core hands outbound messages
// to. It is an external collaborator (spec §1): this package never owns a
// socket.
type Transport interface {
	Send(ctx context.Context, msg *Message) error
}

// Gateway constructs and ships outbound messages.
type Gateway struct {
	transport Transport
	log       *zap.Logger
}

// New constructs a Gateway over transport.
func New(transport Transport, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{transport: transport, log: log}
}

func (g *Gateway) send(ctx context.Context, ueID uint32, kind Kind, fields map[string]any) error {
	msg := &Message{ID: uuid.New(), Kind: kind, UEID: ueID, Fields: fields}
	g.log.Debug("outbound message", zap.String("kind", string(kind)), zap.Uint32("ue_id", ueID))
	return g.transport.Send(ctx, msg)
}

// DLDataSend delivers an encoded NAS PDU downlink to the UE.
func (g *Gateway) DLDataSend(ctx context.Context, ueID uint32, pdu []byte) error {
	return g.send(ctx, ueID, DLDataReq, map[string]any{"pdu": pdu})
}

// ERABSetup requests eNodeB E-RAB setup for a bearer.
func (g *Gateway) ERABSetup(ctx context.Context, ueID uint32, ebi uint8, qos nascontext.BearerQoS, nasPDU []byte) error {
	return g.send(ctx, ueID, ERABSetupReq, map[string]any{
		"ebi": ebi, "qos": qos, "nas_pdu": nasPDU,
	})
}

// ERABRelease requests eNodeB E-RAB release for a bearer.
func (g *Gateway) ERABRelease(ctx context.Context, ueID uint32, ebi uint8) error {
	return g.send(ctx, ueID, ERABReleaseReq, map[string]any{"ebi": ebi})
}

// PDNConfig requests subscription-derived PDN configuration (per spec §4.5
// PDN_CONFIG_RES inputs); internal/core's transport answers it with an S6a
// Update-Location round trip to the HSS.
func (g *Gateway) PDNConfig(ctx context.Context, ueID uint32, imsi, apn string) error {
	return g.send(ctx, ueID, PDNConfigReq, map[string]any{"imsi": imsi, "apn": apn})
}

// PDNConnectivity requests SGW/PGW session establishment (S11).
func (g *Gateway) PDNConnectivity(ctx context.Context, ueID uint32, imsi, apn string, pdnType nascontext.PDNType, pti uint8, defaultEBI uint8, cid uint8, qos nascontext.BearerQoS, pco []byte, requestType string) error {
	return g.send(ctx, ueID, PDNConnectivityReq, map[string]any{
		"imsi": imsi, "apn": apn, "pdn_type": pdnType, "pti": pti,
		"default_ebi": defaultEBI, "cid": cid, "qos": qos, "pco": pco,
		"request_type": requestType,
	})
}

// PDNDisconnect requests SGW/PGW session deletion (S11) for one PDN,
// optionally marked as a local (no-wire, assumed-purged) delete.
func (g *Gateway) PDNDisconnect(ctx context.Context, ueID uint32, cid uint8, defaultEBI uint8, localDelete bool) error {
	return g.send(ctx, ueID, PDNDisconnectReq, map[string]any{
		"cid": cid, "default_ebi": defaultEBI, "local_delete": localDelete,
	})
}

// ContextRequest requests UE context transfer from a peer MME (S10).
func (g *Gateway) ContextRequest(ctx context.Context, ueID uint32, oldGUTI string, originatingTAI string, triggeringNAS []byte) error {
	return g.send(ctx, ueID, ContextReq, map[string]any{
		"old_guti": oldGUTI, "rat": "EUTRAN", "originating_tai": originatingTAI,
		"triggering_nas": triggeringNAS,
	})
}

// AuthInfo requests authentication vectors from the HSS (S6a).
func (g *Gateway) AuthInfo(ctx context.Context, ueID uint32, imsi string, visitedPLMN string, numVectors int, resync bool, auts []byte) error {
	return g.send(ctx, ueID, AuthInfoReq, map[string]any{
		"imsi": imsi, "visited_plmn": visitedPLMN, "num_vectors": numVectors,
		"resync": resync, "auts": auts,
	})
}

// Detach notifies MME-app that a UE's detach has completed locally.
func (g *Gateway) Detach(ctx context.Context, ueID uint32) error {
	return g.send(ctx, ueID, DetachReq, nil)
}

// ActivateBearerCnfSend confirms dedicated-bearer activation upstream.
func (g *Gateway) ActivateBearerCnfSend(ctx context.Context, ueID uint32, ebi uint8) error {
	return g.send(ctx, ueID, ActivateBearerCnf, map[string]any{"ebi": ebi})
}

// ActivateBearerRejSend rejects dedicated-bearer activation upstream
// (e.g. on T3485 exhaustion, scenario S2).
func (g *Gateway) ActivateBearerRejSend(ctx context.Context, ueID uint32, ebi uint8, cause string) error {
	return g.send(ctx, ueID, ActivateBearerRej, map[string]any{"ebi": ebi, "cause": cause})
}

// DeactivateBearerCnfSend confirms dedicated-bearer deactivation upstream.
func (g *Gateway) DeactivateBearerCnfSend(ctx context.Context, ueID uint32, ebi uint8) error {
	return g.send(ctx, ueID, DeactivateBearerCnf, map[string]any{"ebi": ebi})
}

// AuthParamReqSend re-requests auth params on an establish-reject.
func (g *Gateway) AuthParamReqSend(ctx context.Context, ueID uint32) error {
	return g.send(ctx, ueID, AuthParamReq, nil)
}

// ConnEstCnf confirms signalling-connection establishment and performs the
// security-context side effects spec §4.6 requires to accompany it: derive
// KeNB from the current auth vector and NAS UL count, initialize NH from
// KeNB when NH is still zeroed, and reset NCC to 0.
func (g *Gateway) ConnEstCnf(ctx context.Context, ueID uint32, sec *nascontext.SecurityContext) error {
	deriveKeNB(sec)
	if sec.NHIsZero {
		sec.NH = sec.KeNB
		sec.NHIsZero = false
	}
	sec.NCC = 0
	return g.send(ctx, ueID, ConnEstCnf, map[string]any{"nas_ul_count": sec.ULCount})
}

// deriveKeNB stands in for the real 3GPP KDF, an external collaborator
// this core calls but does not implement. It is deterministic and not
// cryptographically sound; swapping in the real primitive only requires
// changing this function's body, not any caller.
func deriveKeNB(sec *nascontext.SecurityContext) {
	h := sha256.New()
	h.Write(sec.KASME[:])
	var ul [4]byte
	ul[0] = byte(sec.ULCount >> 24)
	ul[1] = byte(sec.ULCount >> 16)
	ul[2] = byte(sec.ULCount >> 8)
	ul[3] = byte(sec.ULCount)
	h.Write(ul[:])
	sum := h.Sum(nil)
	copy(sec.KeNB[:], sum)
}
