// Package nascontext implements the UE Context Store: the per-UE EMM data
// context, ESM context, PDN/bearer tables, and the keyed, mutex-scoped
// access that every other component mutates them through.
package nascontext

import "time"

// MaxEPSAuthVectors bounds the per-UE authentication vector ring (I4).
const MaxEPSAuthVectors = 5

// EMMState is the EMM mobility-management FSM state.
type EMMState string

const (
	EMMDeregistered          EMMState = "DEREGISTERED"
	EMMRegistered            EMMState = "REGISTERED"
	EMMCommonProcInitiated   EMMState = "COMMON_PROC_INITIATED"
	EMMDeregisteredInitiated EMMState = "DEREGISTERED_INITIATED"
	EMMRegisteredInitiated   EMMState = "REGISTERED_INITIATED"
	EMMTAUInitiated          EMMState = "TAU_INITIATED"
)

// PDNType mirrors the 3GPP PDN type values carried on PDN contexts and ESM
// proc-data.
type PDNType string

const (
	PDNTypeIPv4   PDNType = "IPV4"
	PDNTypeIPv6   PDNType = "IPV6"
	PDNTypeIPv4v6 PDNType = "IPV4V6"
)

// AuthVector is one EPS authentication vector (AV) derived by the HSS.
type AuthVector struct {
	RAND  [16]byte
	AUTN  [16]byte
	XRES  []byte
	KASME [32]byte
}

// SecurityContext holds the EMM security material for a UE.
type SecurityContext struct {
	SelectedEEA string // ciphering algorithm
	SelectedEIA string // integrity algorithm

	ULCount uint32
	DLCount uint32

	KASME [32]byte
	KeNB  [32]byte

	// NCC/NH: next-hop chaining counter and next-hop key, derived on
	// CONN_EST_CNF (gateway §4.6 side effects).
	NCC      uint8
	NH       [32]byte
	NHIsZero bool

	Vectors     [MaxEPSAuthVectors]AuthVector
	VectorCount int
	VectorIndex int
}

// ESMProcData is the pending ESM procedure data carried on the ESM context:
// the parameters of a PDN connectivity request that is still being built
// out against PDN_CONFIG_RES / PDN_CONNECTIVITY_RES.
type ESMProcData struct {
	PTI            uint8
	APN            string
	PDNType        PDNType
	PDNAddress     string
	RequestType    string
	PCO            []byte
	RequestedQoS   BearerQoS
	IsStandalone   bool
	ImplicitGUTI   bool
	RetainedInbound []byte // deferred replay buffer during attach
}

// BearerQoS is the bearer-level QoS profile carried on bearer contexts and
// ESM proc-data.
type BearerQoS struct {
	QCI            uint8
	PriorityLevel  uint8
	PCI            bool
	PVI            bool
	MBRUplink      uint64
	MBRDownlink    uint64
	GBRUplink      uint64
	GBRDownlink    uint64
}

// FTEID is a fully qualified GTP tunnel endpoint identifier.
type FTEID struct {
	TEID uint32
	Addr string
}

// FTEIDSet names the up-to-two F-TEIDs attached to a bearer (S1-U and
// S5/S8).
type FTEIDSet struct {
	S1U FTEID
	S5S8 FTEID
}

type timestamps struct {
	CreatedAt time.Time
	UpdatedAt time.Time
}

func now() timestamps {
	t := time.Now()
	return timestamps{CreatedAt: t, UpdatedAt: t}
}

func nowTime() time.Time {
	return time.Now()
}
