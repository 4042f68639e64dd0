package registry

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmme/mme-nas-core/common/metrics"
)

func TestResolveInvokesOnSuccessExactlyOnce(t *testing.T) {
	var calls int
	var gotData any
	p := &Procedure{}
	p.OnSuccess = func(data any) { calls++; gotData = data }
	p.OnFailure = func(string) { t.Fatal("onfailure must not fire on success") }

	p.Resolve(true, "payload", "")
	p.Resolve(true, "payload-again", "")
	p.Resolve(false, nil, "too-late")

	assert.Equal(t, 1, calls)
	assert.Equal(t, "payload", gotData)
	assert.True(t, p.IsResolved())
}

func TestResolveInvokesOnFailureExactlyOnceAndSetsCause(t *testing.T) {
	var calls int
	var gotCause string
	p := &Procedure{}
	p.OnFailure = func(cause string) { calls++; gotCause = cause }
	p.OnSuccess = func(any) { t.Fatal("onsuccess must not fire on failure") }

	p.Resolve(false, nil, "NETWORK_FAILURE")
	p.Resolve(false, nil, "IGNORED")

	assert.Equal(t, 1, calls)
	assert.Equal(t, "NETWORK_FAILURE", gotCause)
	assert.Equal(t, "NETWORK_FAILURE", p.Cause)
}

func TestResolveWithNilContinuationsDoesNotPanic(t *testing.T) {
	p := &Procedure{}
	assert.NotPanics(t, func() { p.Resolve(true, nil, "") })

	p2 := &Procedure{}
	assert.NotPanics(t, func() { p2.Resolve(false, nil, "cause") })
}

func TestInstallGetDeleteSingletonSlot(t *testing.T) {
	r := New(nil)
	proc := &Procedure{UEID: 1, Kind: Attach}
	r.Install(proc)

	got, ok := r.Get(1, Attach)
	require.True(t, ok)
	assert.Same(t, proc, got)
	assert.NotEqual(t, uuid.Nil, got.ID, "install must assign an id when absent")

	assert.True(t, r.IsRunning(1, Attach))

	r.Delete(proc)
	_, ok = r.Get(1, Attach)
	assert.False(t, ok)
	assert.False(t, r.IsRunning(1, Attach))
}

func TestInstallOverwritesExistingSingletonOfSameKind(t *testing.T) {
	r := New(nil)
	first := &Procedure{UEID: 1, Kind: Attach}
	second := &Procedure{UEID: 1, Kind: Attach}

	r.Install(first)
	r.Install(second)

	got, ok := r.Get(1, Attach)
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestDeleteOnlyRemovesIfCurrentOccupant(t *testing.T) {
	r := New(nil)
	first := &Procedure{UEID: 1, Kind: Attach}
	second := &Procedure{UEID: 1, Kind: Attach}
	r.Install(first)
	r.Install(second) // first's slot is now stale

	r.Delete(first)

	got, ok := r.Get(1, Attach)
	require.True(t, ok, "deleting a superseded procedure must not evict the current occupant")
	assert.Same(t, second, got)
}

func TestESMTransactionsKeyedByPTI(t *testing.T) {
	r := New(nil)
	p1 := &Procedure{UEID: 1, Kind: ESMTransaction, PTI: 1}
	p2 := &Procedure{UEID: 1, Kind: ESMTransaction, PTI: 2}
	r.Install(p1)
	r.Install(p2)

	got1, ok := r.GetESM(1, 1)
	require.True(t, ok)
	assert.Same(t, p1, got1)

	got2, ok := r.GetESM(1, 2)
	require.True(t, ok)
	assert.Same(t, p2, got2)

	r.Delete(p1)
	_, ok = r.GetESM(1, 1)
	assert.False(t, ok)
	_, ok = r.GetESM(1, 2)
	assert.True(t, ok, "deleting pti 1's transaction must not disturb pti 2's")
}

func TestDeleteStopsTimer(t *testing.T) {
	r := New(nil)
	fired := make(chan struct{}, 1)
	timer := time.AfterFunc(20*time.Millisecond, func() { fired <- struct{}{} })
	proc := &Procedure{UEID: 1, Kind: Attach, Timer: timer}
	r.Install(proc)

	r.Delete(proc)

	select {
	case <-fired:
		t.Fatal("timer should have been stopped by delete")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropUEStopsAllTimersAndClearsSlots(t *testing.T) {
	r := New(nil)
	fired := make(chan struct{}, 2)
	timer1 := time.AfterFunc(20*time.Millisecond, func() { fired <- struct{}{} })
	timer2 := time.AfterFunc(20*time.Millisecond, func() { fired <- struct{}{} })

	r.Install(&Procedure{UEID: 1, Kind: Attach, Timer: timer1})
	r.Install(&Procedure{UEID: 1, Kind: ESMTransaction, PTI: 1, Timer: timer2})

	r.DropUE(1)

	_, ok := r.Get(1, Attach)
	assert.False(t, ok)
	_, ok = r.GetESM(1, 1)
	assert.False(t, ok)

	select {
	case <-fired:
		t.Fatal("timers should have been stopped by DropUE")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGetOnUnknownUEReturnsFalse(t *testing.T) {
	r := New(nil)
	_, ok := r.Get(42, Attach)
	assert.False(t, ok)
	assert.False(t, r.IsRunning(42, Attach))
}

func TestKindStringCoversAllKinds(t *testing.T) {
	kinds := []Kind{AuthInfo, ContextRequest, Attach, TAU, Detach, ESMTransaction}
	for _, k := range kinds {
		assert.NotEqual(t, "unknown", k.String())
	}
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestResolveOfInstalledProcedureRecordsDurationMetric(t *testing.T) {
	r := New(nil)
	proc := &Procedure{UEID: 1, Kind: Detach}
	r.Install(proc)

	before := histogramSampleCount(t, Detach.String())
	proc.Resolve(true, nil, "")
	after := histogramSampleCount(t, Detach.String())

	assert.Equal(t, before+1, after)
}

func TestResolveOfUninstalledProcedureSkipsDurationMetric(t *testing.T) {
	// A Procedure built directly (as in the OnSuccess/OnFailure tests above)
	// never went through Install, so its installedAt is the zero value and
	// Resolve must not record a bogus multi-decade duration for it.
	before := histogramSampleCount(t, TAU.String())
	p := &Procedure{Kind: TAU}
	p.Resolve(true, nil, "")
	after := histogramSampleCount(t, TAU.String())

	assert.Equal(t, before, after)
}

func histogramSampleCount(t *testing.T, label string) uint64 {
	t.Helper()
	m := &dto.Metric{}
	observer := metrics.ProcedureDuration.WithLabelValues(label)
	require.NoError(t, observer.(prometheus.Metric).Write(m))
	return m.GetHistogram().GetSampleCount()
}
