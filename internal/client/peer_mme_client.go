package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/openmme/mme-nas-core/common/metrics"
)

// PeerMMEClient is the S10 inter-MME context-transfer client, repurposed
// from the teacher's register/heartbeat NF-discovery client shape into a
// single Context-Request/Response round trip.
type PeerMMEClient struct {
	http *http.Client
	log  *zap.Logger
}

// NewPeerMMEClient constructs a PeerMMEClient.
func NewPeerMMEClient(log *zap.Logger) *PeerMMEClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &PeerMMEClient{http: &http.Client{Timeout: 5 * time.Second}, log: log}
}

// ContextRequest mirrors an S10 Context-Request.
type ContextRequest struct {
	OldGUTI        string `json:"oldGuti"`
	RAT            string `json:"rat"`
	OriginatingTAI string `json:"originatingTai"`
}

// ContextResponse mirrors an S10 Context-Response.
type ContextResponse struct {
	Cause   string `json:"cause"`
	IMSI    string `json:"imsi,omitempty"`
	KASME   string `json:"kasme,omitempty"`
}

// RequestContext performs the S10 Context-Request/Response round trip
// against the peer MME addressed by peerURL.
func (c *PeerMMEClient) RequestContext(ctx context.Context, peerURL string, req *ContextRequest) (*ContextResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal context request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL+"/s10/context", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build context request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.SetPeerMMEReachable(false)
		metrics.RecordPeerMMERequestFailure()
		return nil, fmt.Errorf("call peer mme: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.SetPeerMMEReachable(false)
		metrics.RecordPeerMMERequestFailure()
		return nil, fmt.Errorf("peer mme returned status %d", resp.StatusCode)
	}

	var out ContextResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.SetPeerMMEReachable(false)
		metrics.RecordPeerMMERequestFailure()
		return nil, fmt.Errorf("decode context response: %w", err)
	}
	metrics.SetPeerMMEReachable(true)
	return &out, nil
}
