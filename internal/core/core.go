package core

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openmme/mme-nas-core/common/metrics"
	"github.com/openmme/mme-nas-core/internal/audit"
	"github.com/openmme/mme-nas-core/internal/client"
	"github.com/openmme/mme-nas-core/internal/config"
	"github.com/openmme/mme-nas-core/internal/ebr"
	"github.com/openmme/mme-nas-core/internal/emmcnsap"
	"github.com/openmme/mme-nas-core/internal/esmsap"
	"github.com/openmme/mme-nas-core/internal/gateway"
	"github.com/openmme/mme-nas-core/internal/naserr"
	"github.com/openmme/mme-nas-core/internal/nascodec"
	"github.com/openmme/mme-nas-core/internal/nascontext"
	"github.com/openmme/mme-nas-core/internal/registry"
)

// uplinkEvent is one inbound ESM PDU submitted to the ESM-SAP task.
type uplinkEvent struct {
	ueID uint32
	pdu  []byte
	// onResponse, if set, receives the encoded downlink response (or nil)
	// once Recv returns. Used by callers that need the reply synchronously
	// (e.g. a test harness); production downlink delivery goes through the
	// gateway's DL_DATA_REQ instead.
	onResponse func(resp []byte, err error)
}

// Core wires C1-C6 into a running NAS session-management core: two
// channel-fed tasks (one per SAP) plus the client transport that closes
// the loop from outbound gateway messages back to EMMCN-SAP primitives.
type Core struct {
	Store    *nascontext.Store
	Registry *registry.Registry
	Bearers  *ebr.Machine
	ESM      *esmsap.SAP
	EMMCN    *emmcnsap.SAP
	Gateway  *gateway.Gateway

	esmTask   *Task[uplinkEvent]
	emmcnTask *Task[*emmcnsap.Primitive]

	log   *zap.Logger
	audit audit.Sink
	cfg   *config.Config
}

// Deps bundles the external collaborators and ambient services Core needs
// beyond the C1-C6 components it builds itself.
type Deps struct {
	Cfg      *config.Config
	HSS      *client.HSSClient
	SGW      *client.SGWClient
	PeerMME  *client.PeerMMEClient
	Downlink func(ctx context.Context, msg *gateway.Message) // S1AP/eNB sink, external to this core
	Audit    audit.Sink
	Log      *zap.Logger
	Tracer   trace.Tracer
}

// New builds the full component graph and wires the transport loop.
func New(deps Deps) *Core {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	aud := deps.Audit
	if aud == nil {
		aud = audit.NewNoopSink()
	}

	store := nascontext.NewStore(log)
	reg := registry.New(log)

	c := &Core{Store: store, Registry: reg, log: log, audit: aud, cfg: deps.Cfg}

	// The EMMCN task and client transport are mutually referential (the
	// transport feeds primitives into the task it is itself fed by), so
	// the task is constructed first and the transport closes over it.
	emmcnTask := NewTask("emmcn-sap", 256, c.handlePrimitive, log)
	c.emmcnTask = emmcnTask

	transport := &clientTransport{
		hss: deps.HSS, sgw: deps.SGW, peerMME: deps.PeerMME,
		peerURL: deps.Cfg.Peers.DefaultPeerMME,
		emmcn:   emmcnTask, log: log, downlink: deps.Downlink,
	}
	gw := gateway.New(transport, log)

	bearers := ebr.New(store, log, deps.Cfg.Timers.T3485(),
		func(ueID uint32, ebi uint8, msg []byte) {
			metrics.RecordEBRTimerExpiry("t3485-retry")
			if err := gw.ERABSetup(context.Background(), ueID, ebi, nascontext.BearerQoS{}, msg); err != nil {
				log.Warn("t3485 resend failed", zap.Error(err))
			}
		},
		func(emm *nascontext.EMMContext, ebi uint8) {
			metrics.RecordEBRTimerExpiry("t3485-exhausted")
			c.onT3485Exhausted(emm, ebi)
		},
	)

	esm := esmsap.New(store, reg, bearers, gw, log, deps.Tracer)
	emmcn := emmcnsap.New(store, reg, bearers, esm, gw, log, deps.Tracer)
	emmcn.StrictInvariants = deps.Cfg.StrictInvariants

	esm.OnPDNConnectivityRequest = c.onPDNConnectivityRequest
	esm.OnPDNDisconnectRequest = c.onPDNDisconnectRequest

	c.Bearers = bearers
	c.ESM = esm
	c.EMMCN = emmcn
	c.Gateway = gw
	c.esmTask = NewTask("esm-sap", 256, c.handleUplink, log)

	return c
}

// Run starts both SAP tasks and the periodic gauge reporter; it blocks
// until ctx is cancelled.
func (c *Core) Run(ctx context.Context) {
	done := make(chan struct{}, 2)
	go func() { c.esmTask.Run(ctx); done <- struct{}{} }()
	go func() { c.emmcnTask.Run(ctx); done <- struct{}{} }()
	go c.reportGauges(ctx)
	<-done
	<-done
}

// reportGauges periodically publishes the UE/PDN/bearer-state population
// gauges from the UE Context Store, since these reflect standing state
// rather than a discrete event a handler can report inline.
func (c *Core) reportGauges(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetRegisteredUEs(c.Store.Count())
			pdns, bearersByState := c.Store.Tally()
			metrics.SetActivePDNConnections(pdns)
			for _, state := range []nascontext.EBRState{
				nascontext.EBRInactive, nascontext.EBRActivePending, nascontext.EBRModifyPending,
				nascontext.EBRInactivePending, nascontext.EBRActive,
			} {
				metrics.SetBearerCount(string(state), bearersByState[state])
			}
		}
	}
}

func (c *Core) handleUplink(ctx context.Context, ev uplinkEvent) {
	resp, err := c.ESM.Recv(ctx, ev.ueID, ev.pdu)
	if ev.onResponse != nil {
		ev.onResponse(resp, err)
	}
	if err != nil {
		if naserr.IsFatal(err) {
			c.log.Fatal("fatal invariant violation in esm-sap", zap.Uint32("ue_id", ev.ueID), zap.Error(err))
		}
		c.log.Warn("esm recv error", zap.Uint32("ue_id", ev.ueID), zap.Error(err))
		return
	}
	if resp != nil {
		if sendErr := c.Gateway.DLDataSend(ctx, ev.ueID, resp); sendErr != nil {
			c.log.Warn("dl data send failed", zap.Uint32("ue_id", ev.ueID), zap.Error(sendErr))
		}
	}
}

func (c *Core) handlePrimitive(ctx context.Context, p *emmcnsap.Primitive) {
	if err := c.EMMCN.Send(ctx, p); err != nil {
		if naserr.IsFatal(err) {
			c.log.Fatal("fatal invariant violation in emmcn-sap",
				zap.Uint32("ue_id", p.UEID), zap.String("kind", string(p.Kind)), zap.Error(err))
		}
		c.log.Warn("emmcn send error",
			zap.Uint32("ue_id", p.UEID), zap.String("kind", string(p.Kind)), zap.Error(err))
	}
}

// SubmitUplinkNAS enqueues an inbound ESM PDU for processing on the ESM-SAP
// task.
func (c *Core) SubmitUplinkNAS(ueID uint32, pdu []byte) {
	c.esmTask.Submit(uplinkEvent{ueID: ueID, pdu: pdu})
}

// SubmitPrimitive enqueues an EMMCN-SAP primitive for processing.
func (c *Core) SubmitPrimitive(p *emmcnsap.Primitive) {
	c.emmcnTask.Submit(p)
}

// StartAttach begins an initial attach for ueID: creates the UE context,
// installs the attach and auth-info procedures, and requests authentication
// vectors. The auth-info procedure's success continuation drives PDN
// config once vectors are available; the SMC step itself sits outside this
// core's scope (spec §1) and is assumed to succeed unless SMCProcFail
// arrives independently.
func (c *Core) StartAttach(ctx context.Context, ueID uint32, imsi, apn string) error {
	c.Store.GetOrCreate(ueID)
	_ = c.Store.WithMut(ueID, func(emm *nascontext.EMMContext) error {
		emm.IMSI = imsi
		emm.State = nascontext.EMMRegisteredInitiated
		return nil
	})

	attachProc := &registry.Procedure{UEID: ueID, Kind: registry.Attach}
	c.Registry.Install(attachProc)

	authProc := &registry.Procedure{UEID: ueID, Kind: registry.AuthInfo}
	authProc.OnSuccess = func(any) {
		if err := c.Gateway.PDNConfig(ctx, ueID, imsi, apn); err != nil {
			c.log.Warn("pdn config request failed", zap.Uint32("ue_id", ueID), zap.Error(err))
		}
	}
	authProc.OnFailure = func(cause string) {
		attachProc.Resolve(false, nil, cause)
		c.Registry.Delete(attachProc)
	}
	c.Registry.Install(authProc)

	return c.Gateway.AuthInfo(ctx, ueID, imsi, "", 3, false, nil)
}

// StartDetach drives the detach cascade (spec scenario S3): disconnect the
// UE's PDNs one at a time in cid order, completing once none remain.
func (c *Core) StartDetach(ctx context.Context, ueID uint32, switchOff bool) error {
	c.SubmitPrimitive(&emmcnsap.Primitive{Kind: emmcnsap.DeregisterUE, UEID: ueID, SwitchOff: switchOff})

	var cids []uint8
	var defaultEBI uint8
	err := c.Store.WithMut(ueID, func(emm *nascontext.EMMContext) error {
		cids = emm.PDNCidsSorted()
		if len(cids) > 0 {
			defaultEBI = emm.PDNs[cids[0]].DefaultEBI
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(cids) == 0 {
		if !switchOff {
			if err := c.Gateway.DLDataSend(ctx, ueID, []byte{0x01}); err != nil {
				return err
			}
		}
		if proc, ok := c.Registry.Get(ueID, registry.Detach); ok {
			proc.Resolve(true, nil, "")
			c.Registry.Delete(proc)
		}
		c.Store.Drop(ueID)
		c.Registry.DropUE(ueID)
		return c.Gateway.Detach(ctx, ueID)
	}

	return c.Gateway.PDNDisconnect(ctx, ueID, cids[0], defaultEBI, false)
}

func (c *Core) onPDNConnectivityRequest(ctx context.Context, ueID uint32, pdu *nascodec.PDU) {
	// Secondary PDN connectivity over an existing signalling connection:
	// allocate the next free cid and drive session establishment directly,
	// bypassing PDN_CONFIG_REQ (that step only applies to the first PDN of
	// an attach, per pdnConfigRes's !hasPrior branch).
	apn := pdu.IEs["apn"]
	pti := pdu.PTI

	var cid uint8
	var imsi string
	_ = c.Store.WithMut(ueID, func(emm *nascontext.EMMContext) error {
		imsi = emm.IMSI
		used := map[uint8]bool{}
		for cid := range emm.PDNs {
			used[cid] = true
		}
		for candidate := uint8(1); candidate < 255; candidate++ {
			if !used[candidate] {
				cid = candidate
				break
			}
		}
		return nil
	})

	if err := c.Gateway.PDNConnectivity(ctx, ueID, imsi, apn, nascontext.PDNTypeIPv4, pti, 0, cid, nascontext.BearerQoS{}, nil, "SECONDARY"); err != nil {
		c.log.Warn("secondary pdn connectivity request failed", zap.Uint32("ue_id", ueID), zap.Error(err))
	}
}

func (c *Core) onPDNDisconnectRequest(ctx context.Context, ueID uint32, cid uint8, defaultEBI uint8) {
	if err := c.Gateway.PDNDisconnect(ctx, ueID, cid, defaultEBI, false); err != nil {
		c.log.Warn("pdn disconnect request failed", zap.Uint32("ue_id", ueID), zap.Error(err))
	}
}

// onT3485Exhausted runs with emm's lock already held by the caller
// (ebr.Machine.fireT3485, inside its own WithMut) — it must not call back
// into Store.WithMut for this UE.
func (c *Core) onT3485Exhausted(emm *nascontext.EMMContext, ebi uint8) {
	ueID := emm.UEID
	_, pdn, ok := emm.FindBearerAny(ebi)
	var cid uint8
	if ok {
		cid = pdn.Cid
	}
	if _, err := ebr.Release(emm, ebi, nil); err != nil {
		c.log.Warn("release on t3485 exhaustion failed", zap.Uint32("ue_id", ueID), zap.Error(err))
	}
	c.audit.Record(context.Background(), audit.Event{
		Time: time.Now(), UEID: ueID, Procedure: "dedicated-bearer-activation", Outcome: "t3485-exhausted", EBI: ebi, Cid: cid,
	})
	if err := c.Gateway.ActivateBearerRejSend(context.Background(), ueID, ebi, "t3485-exhausted"); err != nil {
		c.log.Warn("activate bearer rej send failed", zap.Uint32("ue_id", ueID), zap.Error(err))
	}
}
