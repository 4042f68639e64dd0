// Package nascodec provides a minimal ESM PDU encode/decode, sufficient to
// drive the ESM-SAP dispatch tables and the seed test scenarios. It is
// explicitly not a 3GPP-conformant NAS codec: real wire encoding (TS
// 24.301 §9/§10) is an external collaborator this core only consumes
// (spec §1).
package nascodec

import (
	"encoding/binary"

	"github.com/openmme/mme-nas-core/internal/naserr"
)

// MaxPDUSize bounds every encoded ESM buffer at 4096 bytes (spec §4.4, §6).
const MaxPDUSize = 4096

// MessageType enumerates the ESM NAS message types this core dispatches on.
type MessageType uint8

const (
	MsgUnknown MessageType = iota
	MsgActivateDefaultEPSBearerContextAccept
	MsgActivateDefaultEPSBearerContextReject
	MsgActivateDedicatedEPSBearerContextAccept
	MsgActivateDedicatedEPSBearerContextReject
	MsgDeactivateEPSBearerContextAccept
	MsgPDNConnectivityRequest
	MsgPDNDisconnectRequest
	MsgESMInformationResponse
	MsgESMStatus
	MsgActivateDefaultEPSBearerContextRequest
	MsgActivateDedicatedEPSBearerContextRequest
	MsgDeactivateEPSBearerContextRequest
)

// DecodeOutcome is the outcome of Decode, per spec §4.4 step 1/§8.
type DecodeOutcome int

const (
	Ok DecodeOutcome = iota
	TooShort
	WrongType
	UnexpectedIEI
	ProtocolError
)

func (o DecodeOutcome) String() string {
	switch o {
	case Ok:
		return "ok"
	case TooShort:
		return "too-short"
	case WrongType:
		return "wrong-type"
	case UnexpectedIEI:
		return "unexpected-iei"
	case ProtocolError:
		return "protocol-error"
	default:
		return "unknown"
	}
}

// PDU is the decoded wire form: message type, procedure transaction
// identity, EPS bearer identity, ESM cause (0 = success), and an opaque
// information-element payload (APN, PCO, QoS, PDN address...).
type PDU struct {
	MsgType MessageType
	PTI     uint8
	EBI     uint8
	Cause   uint8
	IEs     map[string]string
}

const headerLen = 4 // msg type, pti, ebi, cause

// Decode parses buf into a PDU, returning the outcome class spec §4.4 and
// §8 require: the dispatcher must never abort regardless of outcome.
func Decode(buf []byte) (*PDU, DecodeOutcome, error) {
	if len(buf) < headerLen {
		return nil, TooShort, nil
	}
	if len(buf) > MaxPDUSize {
		return nil, ProtocolError, &naserr.ProtocolError{Code: "oversize"}
	}
	msgType := MessageType(buf[0])
	if msgType == MsgUnknown || msgType > MsgDeactivateEPSBearerContextRequest {
		return nil, WrongType, &naserr.ProtocolError{Code: "wrong-type"}
	}
	p := &PDU{
		MsgType: msgType,
		PTI:     buf[1],
		EBI:     buf[2],
		Cause:   buf[3],
		IEs:     map[string]string{},
	}
	rest := buf[headerLen:]
	for len(rest) > 0 {
		if len(rest) < 2 {
			return nil, UnexpectedIEI, &naserr.ProtocolError{Code: "unexpected-iei"}
		}
		iei := rest[0]
		l := int(rest[1])
		if len(rest) < 2+l {
			return nil, UnexpectedIEI, &naserr.ProtocolError{Code: "unexpected-iei"}
		}
		val := string(rest[2 : 2+l])
		switch iei {
		case 0x01:
			p.IEs["apn"] = val
		case 0x02:
			p.IEs["pco"] = val
		case 0x03:
			p.IEs["pdn_address"] = val
		default:
			return nil, UnexpectedIEI, &naserr.ProtocolError{Code: "unexpected-iei"}
		}
		rest = rest[2+l:]
	}
	return p, Ok, nil
}

// Encode serializes p back to wire form, bounded at MaxPDUSize.
func Encode(p *PDU) ([]byte, error) {
	buf := []byte{byte(p.MsgType), p.PTI, p.EBI, p.Cause}
	for _, k := range []string{"apn", "pco", "pdn_address"} {
		v, ok := p.IEs[k]
		if !ok {
			continue
		}
		var iei byte
		switch k {
		case "apn":
			iei = 0x01
		case "pco":
			iei = 0x02
		case "pdn_address":
			iei = 0x03
		}
		if len(v) > 255 {
			return nil, &naserr.ProtocolError{Code: "ie-too-long"}
		}
		buf = append(buf, iei, byte(len(v)))
		buf = append(buf, v...)
	}
	if len(buf) > MaxPDUSize {
		return nil, &naserr.ProtocolError{Code: "oversize"}
	}
	return buf, nil
}

// PutUint32BE encodes v as 4 big-endian bytes, the byte order of 32-bit
// NAS/GTP fields such as F-TEIDs.
func PutUint32BE(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
