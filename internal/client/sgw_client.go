package client

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SGWClient is the S11 Create/Modify/Delete-Session client toward the
// SGW/PGW. Like the rest of this core's external collaborators, it
// simulates the round trip rather than encoding real GTPv2-C: real wire
// encoding is an external concern this core only consumes.
type SGWClient struct {
	sgwAddress string
	log        *zap.Logger
	teidSeq    atomic.Uint32
}

// NewSGWClient constructs a client toward the configured SGW address.
func NewSGWClient(sgwAddress string, log *zap.Logger) *SGWClient {
	if log == nil {
		log = zap.NewNop()
	}
	c := &SGWClient{sgwAddress: sgwAddress, log: log}
	c.teidSeq.Store(1000)
	return c
}

func (c *SGWClient) allocateTEID() uint32 {
	return c.teidSeq.Add(1)
}

// CreateSessionRequest mirrors an S11 Create-Session-Request.
type CreateSessionRequest struct {
	IMSI       string
	APN        string
	PDNType    string
	DefaultEBI uint8
	MBRUplink  uint64
	MBRDownlink uint64
}

// CreateSessionResponse mirrors an S11 Create-Session-Response.
type CreateSessionResponse struct {
	Cause        string
	PAA          string
	SGWTEIDc     uint32
	SGWFTEIDUser uint32
	PGWFTEIDUser uint32
}

// CreateSession establishes a PDN session at the SGW/PGW.
func (c *SGWClient) CreateSession(ctx context.Context, req *CreateSessionRequest) (*CreateSessionResponse, error) {
	c.log.Debug("s11 create-session request",
		zap.String("imsi", req.IMSI), zap.String("apn", req.APN))

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond): // simulated network round trip
	}

	// TODO: replace with real GTPv2-C Create-Session-Request/Response
	// encoding once the wire codec is available; this simulated
	// round-trip exists only to drive this core's procedure timing.
	return &CreateSessionResponse{
		Cause:        "REQUEST_ACCEPTED",
		PAA:          "10.0.0.2",
		SGWTEIDc:     c.allocateTEID(),
		SGWFTEIDUser: c.allocateTEID(),
		PGWFTEIDUser: c.allocateTEID(),
	}, nil
}

// DeleteSessionRequest mirrors an S11 Delete-Session-Request.
type DeleteSessionRequest struct {
	SGWTEIDc uint32
}

// DeleteSessionResponse mirrors an S11 Delete-Session-Response.
type DeleteSessionResponse struct {
	Cause string
}

// DeleteSession tears down a PDN session at the SGW/PGW.
func (c *SGWClient) DeleteSession(ctx context.Context, req *DeleteSessionRequest) (*DeleteSessionResponse, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	return &DeleteSessionResponse{Cause: "REQUEST_ACCEPTED"}, nil
}

// ModifyBearerRequest mirrors an S11 Modify-Bearer-Request (handover/TAU
// path, bearer F-TEID update).
type ModifyBearerRequest struct {
	SGWTEIDc     uint32
	ENodeBFTEID  uint32
}

// ModifyBearerResponse mirrors an S11 Modify-Bearer-Response.
type ModifyBearerResponse struct {
	Cause string
}

// ModifyBearer updates the downlink F-TEID at the SGW.
func (c *SGWClient) ModifyBearer(ctx context.Context, req *ModifyBearerRequest) (*ModifyBearerResponse, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	if req.SGWTEIDc == 0 {
		return nil, fmt.Errorf("modify bearer: missing sgw teid-c")
	}
	return &ModifyBearerResponse{Cause: "REQUEST_ACCEPTED"}, nil
}
