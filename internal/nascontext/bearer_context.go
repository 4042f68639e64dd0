package nascontext

// EBRState is the EPS Bearer Resource state (spec §4.2).
type EBRState string

const (
	EBRInactive        EBRState = "INACTIVE"
	EBRActivePending   EBRState = "ACTIVE_PENDING"
	EBRModifyPending   EBRState = "MODIFY_PENDING"
	EBRInactivePending EBRState = "INACTIVE_PENDING"
	EBRActive          EBRState = "ACTIVE"
)

// BearerKind distinguishes a PDN's default bearer from a dedicated bearer.
// Named type in place of the source's positional IS_DEFAULT_BEARER_YES/NO
// bool, per the redesign flag carried into SPEC_FULL.
type BearerKind int

const (
	DedicatedBearer BearerKind = iota
	DefaultBearer
)

// BearerContext is a single EPS bearer, always reachable through exactly
// one PDN context (I2).
type BearerContext struct {
	timestamps

	EBI  uint8
	Kind BearerKind
	PDNCid uint8

	QoS   BearerQoS
	FTEID FTEIDSet
	TFT   []byte
	PCO   []byte

	State EBRState

	// EBR timer bookkeeping (owned by internal/ebr, stored here so the
	// bearer and its retransmission state are never split across two
	// lookups).
	T3485Count     int
	RetainedMsg    []byte
	timerHandle    any // *time.Timer, opaque to nascontext
}

// NewBearerContext constructs a bearer in INACTIVE, per spec §4.2 create().
func NewBearerContext(ebi uint8, kind BearerKind, pdnCid uint8, qos BearerQoS, fteid FTEIDSet, tft, pco []byte) *BearerContext {
	return &BearerContext{
		timestamps: now(),
		EBI:        ebi,
		Kind:       kind,
		PDNCid:     pdnCid,
		QoS:        qos,
		FTEID:      fteid,
		TFT:        tft,
		PCO:        pco,
		State:      EBRInactive,
	}
}

// IsDefault reports whether this bearer is the default bearer of its PDN.
func (b *BearerContext) IsDefault() bool { return b.Kind == DefaultBearer }

// TimerHandle/SetTimerHandle let internal/ebr stash its *time.Timer without
// nascontext importing the time package's Timer type into its public API.
func (b *BearerContext) TimerHandle() any          { return b.timerHandle }
func (b *BearerContext) SetTimerHandle(h any)      { b.timerHandle = h }
