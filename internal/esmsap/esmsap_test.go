package esmsap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmme/mme-nas-core/common/metrics"
	"github.com/openmme/mme-nas-core/internal/ebr"
	"github.com/openmme/mme-nas-core/internal/gateway"
	"github.com/openmme/mme-nas-core/internal/nascodec"
	"github.com/openmme/mme-nas-core/internal/nascontext"
	"github.com/openmme/mme-nas-core/internal/registry"
)

type fakeTransport struct {
	mu  sync.Mutex
	out []*gateway.Message
}

func (f *fakeTransport) Send(_ context.Context, msg *gateway.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, msg)
	return nil
}

func (f *fakeTransport) last() *gateway.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.out) == 0 {
		return nil
	}
	return f.out[len(f.out)-1]
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.out)
}

func newTestSAP(t *testing.T) (*SAP, *nascontext.Store, *fakeTransport) {
	t.Helper()
	store := nascontext.NewStore(nil)
	reg := registry.New(nil)
	transport := &fakeTransport{}
	gw := gateway.New(transport, nil)
	bearers := ebr.New(store, nil, time.Minute, func(uint32, uint8, []byte) {}, func(*nascontext.EMMContext, uint8) {})
	return New(store, reg, bearers, gw, nil, nil), store, transport
}

func setupPDNWithDefaultBearer(t *testing.T, store *nascontext.Store, ueID uint32, cid uint8, ebi uint8, apn string) {
	t.Helper()
	store.GetOrCreate(ueID)
	err := store.WithMut(ueID, func(emm *nascontext.EMMContext) error {
		pdn := nascontext.NewPDNContext(cid, apn, nascontext.PDNTypeIPv4)
		pdn.DefaultEBI = ebi
		pdn.AddBearer(nascontext.NewBearerContext(ebi, nascontext.DefaultBearer, cid, nascontext.BearerQoS{}, nascontext.FTEIDSet{}, nil, nil))
		emm.AddPDN(pdn)
		return nil
	})
	require.NoError(t, err)
}

func TestRecvTooShortPDUIsDiscardedSilently(t *testing.T) {
	sap, _, transport := newTestSAP(t)
	resp, err := sap.Recv(context.Background(), 1, []byte{0x01, 0x02})
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, 0, transport.count())
}

func TestRecvWrongTypeReturnsProtocolError(t *testing.T) {
	sap, _, _ := newTestSAP(t)
	_, err := sap.Recv(context.Background(), 1, []byte{0xff, 0, 0, 0})
	require.Error(t, err)
}

func TestRecvRecordsDecodeOutcomeMetric(t *testing.T) {
	sap, _, _ := newTestSAP(t)
	before := testutil.ToFloat64(metrics.ESMDecodeOutcomes.WithLabelValues(nascodec.TooShort.String()))

	_, err := sap.Recv(context.Background(), 1, []byte{0x01, 0x02})
	require.NoError(t, err)

	after := testutil.ToFloat64(metrics.ESMDecodeOutcomes.WithLabelValues(nascodec.TooShort.String()))
	assert.Equal(t, before+1, after)
}

func TestRecvActivateDefaultAcceptMarksBearerActive(t *testing.T) {
	sap, store, _ := newTestSAP(t)
	setupPDNWithDefaultBearer(t, store, 1, 1, 5, "internet")
	err := store.WithMut(1, func(emm *nascontext.EMMContext) error {
		b, _, _ := emm.FindBearerAny(5)
		b.State = nascontext.EBRActivePending
		return nil
	})
	require.NoError(t, err)

	pdu := &nascodec.PDU{MsgType: nascodec.MsgActivateDefaultEPSBearerContextAccept, EBI: 5}
	encoded, err := nascodec.Encode(pdu)
	require.NoError(t, err)

	resp, err := sap.Recv(context.Background(), 1, encoded)
	require.NoError(t, err)
	assert.Nil(t, resp)

	err = store.WithMut(1, func(emm *nascontext.EMMContext) error {
		b, _, ok := emm.FindBearerAny(5)
		require.True(t, ok)
		assert.Equal(t, nascontext.EBRActive, b.State)
		return nil
	})
	require.NoError(t, err)
}

func TestRecvActivateDefaultRejectReleasesBearerAndPDN(t *testing.T) {
	sap, store, _ := newTestSAP(t)
	setupPDNWithDefaultBearer(t, store, 1, 1, 5, "internet")

	pdu := &nascodec.PDU{MsgType: nascodec.MsgActivateDefaultEPSBearerContextReject, EBI: 5, Cause: CauseInsufficientResources}
	encoded, err := nascodec.Encode(pdu)
	require.NoError(t, err)

	_, err = sap.Recv(context.Background(), 1, encoded)
	require.NoError(t, err)

	emm, ok := store.Get(1)
	require.True(t, ok, "rejecting the default bearer tears down its pdn, not the ue context")
	assert.Equal(t, 0, emm.NPDNs)
	_, _, found := emm.FindBearerAny(5)
	assert.False(t, found)
}

func TestRecvUnknownEBIOnAcceptIsIgnored(t *testing.T) {
	sap, store, _ := newTestSAP(t)
	store.GetOrCreate(1)

	pdu := &nascodec.PDU{MsgType: nascodec.MsgActivateDefaultEPSBearerContextAccept, EBI: 9}
	encoded, err := nascodec.Encode(pdu)
	require.NoError(t, err)

	resp, err := sap.Recv(context.Background(), 1, encoded)
	assert.NoError(t, err)
	assert.Nil(t, resp)
}

func TestHandlePDNConnectivityRequestExistingAPNReturnsImmediateAccept(t *testing.T) {
	sap, store, _ := newTestSAP(t)
	setupPDNWithDefaultBearer(t, store, 1, 1, 5, "internet")

	pdu := &nascodec.PDU{MsgType: nascodec.MsgPDNConnectivityRequest, PTI: 3, IEs: map[string]string{"apn": "internet"}}
	encoded, err := nascodec.Encode(pdu)
	require.NoError(t, err)

	resp, err := sap.Recv(context.Background(), 1, encoded)
	require.NoError(t, err)
	require.NotNil(t, resp)

	decoded, outcome, err := nascodec.Decode(resp)
	require.NoError(t, err)
	require.Equal(t, nascodec.Ok, outcome)
	assert.Equal(t, nascodec.MsgActivateDefaultEPSBearerContextRequest, decoded.MsgType)
	assert.EqualValues(t, 5, decoded.EBI)
	assert.EqualValues(t, 3, decoded.PTI)
}

func TestHandlePDNConnectivityRequestNewAPNInvokesCallback(t *testing.T) {
	sap, store, _ := newTestSAP(t)
	store.GetOrCreate(1)

	var gotUEID uint32
	var gotAPN string
	sap.OnPDNConnectivityRequest = func(_ context.Context, ueID uint32, pdu *nascodec.PDU) {
		gotUEID = ueID
		gotAPN = pdu.IEs["apn"]
	}

	pdu := &nascodec.PDU{MsgType: nascodec.MsgPDNConnectivityRequest, IEs: map[string]string{"apn": "ims"}}
	encoded, err := nascodec.Encode(pdu)
	require.NoError(t, err)

	resp, err := sap.Recv(context.Background(), 1, encoded)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, uint32(1), gotUEID)
	assert.Equal(t, "ims", gotAPN)
}

func TestHandlePDNDisconnectRequestNonDefaultEBIIsRejectedWithStatus(t *testing.T) {
	sap, store, _ := newTestSAP(t)
	setupPDNWithDefaultBearer(t, store, 1, 1, 5, "internet")
	err := store.WithMut(1, func(emm *nascontext.EMMContext) error {
		pdn := emm.PDNs[1]
		pdn.AddBearer(nascontext.NewBearerContext(6, nascontext.DedicatedBearer, 1, nascontext.BearerQoS{}, nascontext.FTEIDSet{}, nil, nil))
		return nil
	})
	require.NoError(t, err)

	pdu := &nascodec.PDU{MsgType: nascodec.MsgPDNDisconnectRequest, EBI: 6}
	encoded, err := nascodec.Encode(pdu)
	require.NoError(t, err)

	resp, err := sap.Recv(context.Background(), 1, encoded)
	require.NoError(t, err)
	require.NotNil(t, resp, "disconnecting by a non-default ebi must yield an esm-status, not a silent drop")

	decoded, _, err := nascodec.Decode(resp)
	require.NoError(t, err)
	assert.Equal(t, nascodec.MsgESMStatus, decoded.MsgType)
}

func TestHandlePDNDisconnectRequestDefaultEBIInvokesCallback(t *testing.T) {
	sap, store, _ := newTestSAP(t)
	setupPDNWithDefaultBearer(t, store, 1, 1, 5, "internet")

	var gotCid, gotEBI uint8
	sap.OnPDNDisconnectRequest = func(_ context.Context, _ uint32, cid uint8, defaultEBI uint8) {
		gotCid = cid
		gotEBI = defaultEBI
	}

	pdu := &nascodec.PDU{MsgType: nascodec.MsgPDNDisconnectRequest, EBI: 5}
	encoded, err := nascodec.Encode(pdu)
	require.NoError(t, err)

	_, err = sap.Recv(context.Background(), 1, encoded)
	require.NoError(t, err)
	assert.EqualValues(t, 1, gotCid)
	assert.EqualValues(t, 5, gotEBI)
}

func TestSendDefaultBearerRequestEncodesDefaultMessageType(t *testing.T) {
	sap, store, transport := newTestSAP(t)
	setupPDNWithDefaultBearer(t, store, 1, 1, 5, "internet")

	require.NoError(t, sap.SendDefaultBearerRequest(context.Background(), 1, 1, 5, nascontext.BearerQoS{}))

	assert.Equal(t, 1, transport.count())
	assert.Equal(t, gateway.ERABSetupReq, transport.last().Kind)

	decoded, outcome, err := nascodec.Decode(transport.last().Fields["nas_pdu"].([]byte))
	require.NoError(t, err)
	require.Equal(t, nascodec.Ok, outcome)
	assert.Equal(t, nascodec.MsgActivateDefaultEPSBearerContextRequest, decoded.MsgType)

	err = store.WithMut(1, func(emm *nascontext.EMMContext) error {
		b, _, ok := emm.FindBearerAny(5)
		require.True(t, ok)
		assert.Equal(t, nascontext.EBRActivePending, b.State)
		assert.NotNil(t, b.RetainedMsg)
		return nil
	})
	require.NoError(t, err)
}

func TestSendDefaultBearerRequestUnknownEBIFails(t *testing.T) {
	sap, store, _ := newTestSAP(t)
	store.GetOrCreate(1)

	err := sap.SendDefaultBearerRequest(context.Background(), 1, 1, 6, nascontext.BearerQoS{})
	require.Error(t, err)
}

func TestSendDedicatedBearerRequestArmsTimerAndMarksActivePending(t *testing.T) {
	sap, store, transport := newTestSAP(t)
	setupPDNWithDefaultBearer(t, store, 1, 1, 5, "internet")
	err := store.WithMut(1, func(emm *nascontext.EMMContext) error {
		pdn := emm.PDNs[1]
		pdn.AddBearer(nascontext.NewBearerContext(6, nascontext.DedicatedBearer, 1, nascontext.BearerQoS{}, nascontext.FTEIDSet{}, nil, nil))
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, sap.SendDedicatedBearerRequest(context.Background(), 1, 1, 6, nascontext.BearerQoS{}))

	assert.Equal(t, 1, transport.count())
	assert.Equal(t, gateway.ERABSetupReq, transport.last().Kind)

	err = store.WithMut(1, func(emm *nascontext.EMMContext) error {
		b, _, ok := emm.FindBearerAny(6)
		require.True(t, ok)
		assert.Equal(t, nascontext.EBRActivePending, b.State)
		assert.NotNil(t, b.RetainedMsg)
		return nil
	})
	require.NoError(t, err)
}

func TestSendDedicatedBearerRequestUnknownEBIFails(t *testing.T) {
	sap, store, _ := newTestSAP(t)
	store.GetOrCreate(1)

	err := sap.SendDedicatedBearerRequest(context.Background(), 1, 1, 6, nascontext.BearerQoS{})
	require.Error(t, err)
}

func TestSendDeactivateBearerRequestArmsTimerAndMarksInactivePending(t *testing.T) {
	sap, store, transport := newTestSAP(t)
	setupPDNWithDefaultBearer(t, store, 1, 1, 5, "internet")
	err := store.WithMut(1, func(emm *nascontext.EMMContext) error {
		b, _, _ := emm.FindBearerAny(5)
		b.State = nascontext.EBRActive
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, sap.SendDeactivateBearerRequest(context.Background(), 1, 5))

	assert.Equal(t, gateway.DLDataReq, transport.last().Kind)
	err = store.WithMut(1, func(emm *nascontext.EMMContext) error {
		b, _, ok := emm.FindBearerAny(5)
		require.True(t, ok)
		assert.Equal(t, nascontext.EBRInactivePending, b.State)
		return nil
	})
	require.NoError(t, err)
}
