package nascontext

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreCreateGetDrop(t *testing.T) {
	s := NewStore(nil)

	_, ok := s.Get(1)
	require.False(t, ok)

	ctx := s.Create(1)
	require.Equal(t, uint32(1), ctx.UEID)
	require.Equal(t, EMMDeregistered, ctx.State)

	got, ok := s.Get(1)
	require.True(t, ok)
	require.Same(t, ctx, got)

	s.Drop(1)
	_, ok = s.Get(1)
	require.False(t, ok)
}

func TestWithMutAbsentIsNoOp(t *testing.T) {
	s := NewStore(nil)
	err := s.WithMut(99, func(ctx *EMMContext) error {
		t.Fatal("should not be called for absent ue")
		return nil
	})
	require.Error(t, err)
	require.True(t, IsAbsent(err))
}

func TestWithMutMutatesUnderLock(t *testing.T) {
	s := NewStore(nil)
	s.Create(1)

	err := s.WithMut(1, func(ctx *EMMContext) error {
		ctx.State = EMMRegistered
		return nil
	})
	require.NoError(t, err)

	ctx, _ := s.Get(1)
	require.Equal(t, EMMRegistered, ctx.State)
}

func TestPDNAndBearerInvariants(t *testing.T) {
	ctx := NewEMMContext(1)

	pdn := NewPDNContext(1, "internet", PDNTypeIPv4)
	b := NewBearerContext(5, DefaultBearer, 1, BearerQoS{QCI: 9}, FTEIDSet{}, nil, nil)
	pdn.AddBearer(b)
	pdn.DefaultEBI = 5
	ctx.AddPDN(pdn)

	require.Equal(t, 1, ctx.NPDNs)
	require.True(t, pdn.DefaultBearerOK())

	found, foundPDN, ok := ctx.FindBearerAny(5)
	require.True(t, ok)
	require.Same(t, b, found)
	require.Same(t, pdn, foundPDN)

	ctx.RemovePDN(1)
	require.Equal(t, 0, ctx.NPDNs)
}

func TestStoreTallyCountsPDNsAndBearersByState(t *testing.T) {
	s := NewStore(nil)

	s.Create(1)
	require.NoError(t, s.WithMut(1, func(ctx *EMMContext) error {
		pdn := NewPDNContext(1, "internet", PDNTypeIPv4)
		def := NewBearerContext(5, DefaultBearer, 1, BearerQoS{}, FTEIDSet{}, nil, nil)
		def.State = EBRActive
		ded := NewBearerContext(6, DedicatedBearer, 1, BearerQoS{}, FTEIDSet{}, nil, nil)
		ded.State = EBRActivePending
		pdn.AddBearer(def)
		pdn.AddBearer(ded)
		ctx.AddPDN(pdn)
		return nil
	}))

	s.Create(2)
	require.NoError(t, s.WithMut(2, func(ctx *EMMContext) error {
		pdn := NewPDNContext(1, "ims", PDNTypeIPv4)
		def := NewBearerContext(5, DefaultBearer, 1, BearerQoS{}, FTEIDSet{}, nil, nil)
		def.State = EBRActive
		pdn.AddBearer(def)
		ctx.AddPDN(pdn)
		return nil
	}))

	pdns, byState := s.Tally()
	require.Equal(t, 2, pdns)
	require.Equal(t, 2, byState[EBRActive])
	require.Equal(t, 1, byState[EBRActivePending])
	require.Equal(t, 0, byState[EBRInactive])
}

func TestPDNCidsSortedDeterministic(t *testing.T) {
	ctx := NewEMMContext(1)
	ctx.AddPDN(NewPDNContext(3, "ims", PDNTypeIPv4))
	ctx.AddPDN(NewPDNContext(1, "internet", PDNTypeIPv4))
	ctx.AddPDN(NewPDNContext(2, "corp", PDNTypeIPv4))

	require.Equal(t, []uint8{1, 2, 3}, ctx.PDNCidsSorted())
}
