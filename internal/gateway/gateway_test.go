package gateway

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmme/mme-nas-core/internal/nascontext"
)

type recordingTransport struct {
	mu  sync.Mutex
	out []*Message
}

func (r *recordingTransport) Send(_ context.Context, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, msg)
	return nil
}

func (r *recordingTransport) last() *Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.out)
	if n == 0 {
		return nil
	}
	return r.out[n-1]
}

type failingTransport struct{}

func (failingTransport) Send(context.Context, *Message) error { return assert.AnError }

func TestEachConstructorProducesItsDeclaredKind(t *testing.T) {
	transport := &recordingTransport{}
	g := New(transport, nil)
	ctx := context.Background()

	require.NoError(t, g.DLDataSend(ctx, 1, []byte{0x01}))
	assert.Equal(t, DLDataReq, transport.last().Kind)
	assert.Equal(t, []byte{0x01}, transport.last().Fields["pdu"])

	require.NoError(t, g.ERABSetup(ctx, 1, 5, nascontext.BearerQoS{QCI: 9}, []byte{0x02}))
	assert.Equal(t, ERABSetupReq, transport.last().Kind)
	assert.EqualValues(t, 5, transport.last().Fields["ebi"])

	require.NoError(t, g.ERABRelease(ctx, 1, 5))
	assert.Equal(t, ERABReleaseReq, transport.last().Kind)

	require.NoError(t, g.PDNConfig(ctx, 1, "imsi", "apn"))
	assert.Equal(t, PDNConfigReq, transport.last().Kind)

	require.NoError(t, g.PDNConnectivity(ctx, 1, "imsi", "apn", nascontext.PDNTypeIPv4, 1, 5, 1, nascontext.BearerQoS{}, nil, "INITIAL"))
	assert.Equal(t, PDNConnectivityReq, transport.last().Kind)

	require.NoError(t, g.PDNDisconnect(ctx, 1, 1, 5, false))
	assert.Equal(t, PDNDisconnectReq, transport.last().Kind)

	require.NoError(t, g.ContextRequest(ctx, 1, "old-guti", "tai", nil))
	assert.Equal(t, ContextReq, transport.last().Kind)

	require.NoError(t, g.AuthInfo(ctx, 1, "imsi", "", 3, false, nil))
	assert.Equal(t, AuthInfoReq, transport.last().Kind)

	require.NoError(t, g.Detach(ctx, 1))
	assert.Equal(t, DetachReq, transport.last().Kind)

	require.NoError(t, g.ActivateBearerCnfSend(ctx, 1, 6))
	assert.Equal(t, ActivateBearerCnf, transport.last().Kind)

	require.NoError(t, g.ActivateBearerRejSend(ctx, 1, 6, "t3485-exhausted"))
	assert.Equal(t, ActivateBearerRej, transport.last().Kind)

	require.NoError(t, g.DeactivateBearerCnfSend(ctx, 1, 6))
	assert.Equal(t, DeactivateBearerCnf, transport.last().Kind)

	require.NoError(t, g.AuthParamReqSend(ctx, 1))
	assert.Equal(t, AuthParamReq, transport.last().Kind)
}

func TestSendPropagatesTransportError(t *testing.T) {
	g := New(failingTransport{}, nil)
	err := g.DLDataSend(context.Background(), 1, nil)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestEveryMessageCarriesAUniqueID(t *testing.T) {
	transport := &recordingTransport{}
	g := New(transport, nil)

	require.NoError(t, g.Detach(context.Background(), 1))
	first := transport.last().ID
	require.NoError(t, g.Detach(context.Background(), 1))
	second := transport.last().ID

	assert.NotEqual(t, first, second)
}

func TestConnEstCnfDerivesKeNBAndInitializesNH(t *testing.T) {
	transport := &recordingTransport{}
	g := New(transport, nil)

	sec := &nascontext.SecurityContext{NHIsZero: true, ULCount: 7}
	sec.KASME = [32]byte{1, 2, 3}

	require.NoError(t, g.ConnEstCnf(context.Background(), 1, sec))

	assert.NotEqual(t, [32]byte{}, sec.KeNB, "kenb must be derived from kasme")
	assert.Equal(t, sec.KeNB, sec.NH, "nh seeds from kenb on first connection establishment")
	assert.False(t, sec.NHIsZero)
	assert.Equal(t, uint8(0), sec.NCC)
	assert.Equal(t, ConnEstCnf, transport.last().Kind)
}

func TestConnEstCnfLeavesExistingNHAlone(t *testing.T) {
	transport := &recordingTransport{}
	g := New(transport, nil)

	sec := &nascontext.SecurityContext{NHIsZero: false}
	sec.NH = [32]byte{9, 9, 9}

	require.NoError(t, g.ConnEstCnf(context.Background(), 1, sec))
	assert.Equal(t, [32]byte{9, 9, 9}, sec.NH, "nh is only re-seeded the first time, when NHIsZero was set")
}

func TestConnEstCnfIsDeterministic(t *testing.T) {
	transport := &recordingTransport{}
	g := New(transport, nil)

	sec1 := &nascontext.SecurityContext{ULCount: 3}
	sec1.KASME = [32]byte{5, 5, 5}
	sec2 := &nascontext.SecurityContext{ULCount: 3}
	sec2.KASME = [32]byte{5, 5, 5}

	require.NoError(t, g.ConnEstCnf(context.Background(), 1, sec1))
	require.NoError(t, g.ConnEstCnf(context.Background(), 2, sec2))

	assert.Equal(t, sec1.KeNB, sec2.KeNB, "same kasme and ul count must derive the same kenb")
}
