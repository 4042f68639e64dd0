package nascontext

import "sort"

// PDNContext is a per-UE PDN connection, keyed by context identifier (cid).
type PDNContext struct {
	timestamps

	Cid        uint8
	APN        string
	PDNType    PDNType
	PAA        string // assigned PDN address
	PCO        []byte
	DefaultEBI uint8

	Bearers map[uint8]*BearerContext // keyed by EBI

	// DisconnectPending marks a PDN that has an outstanding
	// ESM_PDN_DISCONNECT_REQ awaiting PDN_DISCONNECT_RES (Open Question 2).
	DisconnectPending bool
	LocalDelete       bool
}

// NewPDNContext constructs an empty PDN context with no bearers yet.
func NewPDNContext(cid uint8, apn string, pdnType PDNType) *PDNContext {
	return &PDNContext{
		timestamps: now(),
		Cid:        cid,
		APN:        apn,
		PDNType:    pdnType,
		Bearers:    make(map[uint8]*BearerContext),
	}
}

// AddBearer inserts a bearer into the PDN's bearer set (I2).
func (p *PDNContext) AddBearer(b *BearerContext) {
	b.PDNCid = p.Cid
	p.Bearers[b.EBI] = b
	p.UpdatedAt = nowTime()
}

// RemoveBearer removes a bearer by EBI.
func (p *PDNContext) RemoveBearer(ebi uint8) {
	delete(p.Bearers, ebi)
	p.UpdatedAt = nowTime()
}

// DefaultBearerOK reports whether the PDN's default EBI names an existing
// bearer, as I2 requires while the PDN exists.
func (p *PDNContext) DefaultBearerOK() bool {
	_, ok := p.Bearers[p.DefaultEBI]
	return ok
}

// BearerEBIsSorted returns the PDN's bearer EBIs in ascending order, for
// deterministic iteration (Open Question 1's cid-order tie-break relies on
// the same style of deterministic ordering at the UE-store level).
func (p *PDNContext) BearerEBIsSorted() []uint8 {
	ebis := make([]uint8, 0, len(p.Bearers))
	for ebi := range p.Bearers {
		ebis = append(ebis, ebi)
	}
	sort.Slice(ebis, func(i, j int) bool { return ebis[i] < ebis[j] })
	return ebis
}
