package core

import (
	"context"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"github.com/openmme/mme-nas-core/internal/client"
	"github.com/openmme/mme-nas-core/internal/emmcnsap"
	"github.com/openmme/mme-nas-core/internal/gateway"
	"github.com/openmme/mme-nas-core/internal/nascontext"
)

// clientTransport implements gateway.Transport by routing each outbound
// message kind to the matching external collaborator (HSS, SGW/PGW, peer
// MME) and feeding the round trip's outcome back in as the matching
// EMMCN-SAP primitive. Messages with no S6a/S10/S11 round trip (downlink
// NAS, E-RAB, bearer confirmations) are handed to the downlink func as-is: this
// core has no S1/SCTP client of its own (spec §1 scope).
type clientTransport struct {
	hss      *client.HSSClient
	sgw      *client.SGWClient
	peerMME  *client.PeerMMEClient
	peerURL  string
	emmcn    *Task[*emmcnsap.Primitive]
	log      *zap.Logger
	downlink func(ctx context.Context, msg *gateway.Message)
}

func (t *clientTransport) Send(ctx context.Context, msg *gateway.Message) error {
	switch msg.Kind {
	case gateway.AuthInfoReq:
		go t.handleAuthInfo(msg)
	case gateway.PDNConfigReq:
		go t.handlePDNConfig(msg)
	case gateway.PDNConnectivityReq:
		go t.handlePDNConnectivity(msg)
	case gateway.PDNDisconnectReq:
		go t.handlePDNDisconnect(msg)
	case gateway.ContextReq:
		go t.handleContextRequest(msg)
	default:
		if t.downlink != nil {
			t.downlink(ctx, msg)
		}
	}
	return nil
}

func (t *clientTransport) handleAuthInfo(msg *gateway.Message) {
	ctx := context.Background()
	imsi, _ := msg.Fields["imsi"].(string)
	plmn, _ := msg.Fields["visited_plmn"].(string)
	numVectors, _ := msg.Fields["num_vectors"].(int)
	resync, _ := msg.Fields["resync"].(bool)

	resp, err := t.hss.AuthenticationInfo(ctx, &client.AuthInfoRequest{
		IMSI: imsi, VisitedPLMN: plmn, NumVectors: numVectors, Resync: resync,
	})
	if err != nil {
		t.log.Warn("s6a authentication-information failed", zap.Error(err), zap.Uint32("ue_id", msg.UEID))
		t.emmcn.Submit(&emmcnsap.Primitive{Kind: emmcnsap.AuthParamFail, UEID: msg.UEID, S6aCause: "SYSTEM_FAILURE"})
		return
	}
	if resp.ResultCode != "DIAMETER_SUCCESS" && resp.ResultCode != "" {
		t.emmcn.Submit(&emmcnsap.Primitive{Kind: emmcnsap.AuthParamFail, UEID: msg.UEID, S6aCause: resp.ResultCode})
		return
	}

	vectors := make([]nascontext.AuthVector, 0, len(resp.Vectors))
	for _, dto := range resp.Vectors {
		v, err := decodeVector(dto)
		if err != nil {
			t.log.Warn("malformed auth vector from hss", zap.Error(err))
			continue
		}
		vectors = append(vectors, v)
	}
	t.emmcn.Submit(&emmcnsap.Primitive{Kind: emmcnsap.AuthParamRes, UEID: msg.UEID, Vectors: vectors})
}

func decodeVector(dto client.AuthVectorDTO) (nascontext.AuthVector, error) {
	var v nascontext.AuthVector
	rand, err := hex.DecodeString(dto.RAND)
	if err != nil || len(rand) != 16 {
		return v, fmt.Errorf("decode rand: %w", err)
	}
	autn, err := hex.DecodeString(dto.AUTN)
	if err != nil || len(autn) != 16 {
		return v, fmt.Errorf("decode autn: %w", err)
	}
	kasme, err := hex.DecodeString(dto.KASME)
	if err != nil || len(kasme) != 32 {
		return v, fmt.Errorf("decode kasme: %w", err)
	}
	xres, err := hex.DecodeString(dto.XRES)
	if err != nil {
		return v, fmt.Errorf("decode xres: %w", err)
	}
	copy(v.RAND[:], rand)
	copy(v.AUTN[:], autn)
	copy(v.KASME[:], kasme)
	v.XRES = xres
	return v, nil
}

func (t *clientTransport) handlePDNConfig(msg *gateway.Message) {
	ctx := context.Background()
	imsi, _ := msg.Fields["imsi"].(string)

	resp, err := t.hss.UpdateLocation(ctx, &client.UpdateLocationRequest{IMSI: imsi})
	if err != nil {
		t.log.Warn("s6a update-location failed", zap.Error(err), zap.Uint32("ue_id", msg.UEID))
		t.emmcn.Submit(&emmcnsap.Primitive{Kind: emmcnsap.PDNConfigFail, UEID: msg.UEID})
		return
	}
	if resp.ResultCode != "DIAMETER_SUCCESS" && resp.ResultCode != "" {
		t.emmcn.Submit(&emmcnsap.Primitive{Kind: emmcnsap.PDNConfigFail, UEID: msg.UEID})
		return
	}
	t.emmcn.Submit(&emmcnsap.Primitive{
		Kind: emmcnsap.PDNConfigRes, UEID: msg.UEID, SubscribedAPN: resp.SubscribedAPN,
	})
}

func (t *clientTransport) handlePDNConnectivity(msg *gateway.Message) {
	ctx := context.Background()
	imsi, _ := msg.Fields["imsi"].(string)
	apn, _ := msg.Fields["apn"].(string)
	pdnType, _ := msg.Fields["pdn_type"].(nascontext.PDNType)
	cid, _ := msg.Fields["cid"].(uint8)
	defaultEBI, _ := msg.Fields["default_ebi"].(uint8)
	qos, _ := msg.Fields["qos"].(nascontext.BearerQoS)

	resp, err := t.sgw.CreateSession(ctx, &client.CreateSessionRequest{
		IMSI: imsi, APN: apn, PDNType: string(pdnType), DefaultEBI: defaultEBI,
		MBRUplink: qos.MBRUplink, MBRDownlink: qos.MBRDownlink,
	})
	if err != nil {
		t.log.Warn("s11 create-session failed", zap.Error(err), zap.Uint32("ue_id", msg.UEID))
		t.emmcn.Submit(&emmcnsap.Primitive{Kind: emmcnsap.PDNConnectivityFail, UEID: msg.UEID, S11Cause: "SYSTEM_FAILURE"})
		return
	}
	if resp.Cause != "REQUEST_ACCEPTED" {
		t.emmcn.Submit(&emmcnsap.Primitive{Kind: emmcnsap.PDNConnectivityFail, UEID: msg.UEID, S11Cause: resp.Cause})
		return
	}
	t.emmcn.Submit(&emmcnsap.Primitive{
		Kind: emmcnsap.PDNConnectivityRes, UEID: msg.UEID,
		PDNType: pdnType, DefaultEBI: defaultEBI, Cid: cid, QoS: qos, PAA: resp.PAA,
	})
}

func (t *clientTransport) handlePDNDisconnect(msg *gateway.Message) {
	cid, _ := msg.Fields["cid"].(uint8)
	localDelete, _ := msg.Fields["local_delete"].(bool)

	if !localDelete {
		ctx := context.Background()
		if _, err := t.sgw.DeleteSession(ctx, &client.DeleteSessionRequest{}); err != nil {
			t.log.Warn("s11 delete-session failed", zap.Error(err), zap.Uint32("ue_id", msg.UEID))
		}
	}
	t.emmcn.Submit(&emmcnsap.Primitive{Kind: emmcnsap.PDNDisconnectRes, UEID: msg.UEID, DisconnectedCid: cid})
}

func (t *clientTransport) handleContextRequest(msg *gateway.Message) {
	ctx := context.Background()
	oldGUTI, _ := msg.Fields["old_guti"].(string)
	tai, _ := msg.Fields["originating_tai"].(string)

	resp, err := t.peerMME.RequestContext(ctx, t.peerURL, &client.ContextRequest{
		OldGUTI: oldGUTI, RAT: "EUTRAN", OriginatingTAI: tai,
	})
	if err != nil {
		t.log.Warn("s10 context request failed", zap.Error(err), zap.Uint32("ue_id", msg.UEID))
		t.emmcn.Submit(&emmcnsap.Primitive{Kind: emmcnsap.ContextFail, UEID: msg.UEID, S10Cause: "SYSTEM_FAILURE"})
		return
	}
	if resp.Cause != "" && resp.Cause != "CONTEXT_TRANSFER_OK" {
		t.emmcn.Submit(&emmcnsap.Primitive{Kind: emmcnsap.ContextFail, UEID: msg.UEID, S10Cause: resp.Cause})
		return
	}
	t.emmcn.Submit(&emmcnsap.Primitive{Kind: emmcnsap.ContextRes, UEID: msg.UEID})
}
