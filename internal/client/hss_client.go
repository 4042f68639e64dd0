// Package client implements this core's external collaborators: HTTP-
// simulated HSS (S6a), SGW/PGW (S11), and peer-MME (S10) clients, standing
// in for the real GTPv2-C/Diameter wire protocols the core only emits
// abstract messages toward (spec §1, §6).
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HSSClient is the S6a Authentication-Information / Update-Location client.
type HSSClient struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

// NewHSSClient constructs an HSSClient against baseURL.
func NewHSSClient(baseURL string, log *zap.Logger) *HSSClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &HSSClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
		log:     log,
	}
}

// AuthInfoRequest mirrors a S6a Authentication-Information-Request.
type AuthInfoRequest struct {
	IMSI           string `json:"imsi"`
	VisitedPLMN    string `json:"visitedPlmnId"`
	NumVectors     int    `json:"numVectors"`
	Resync         bool   `json:"resync"`
	AUTS           []byte `json:"auts,omitempty"`
}

// AuthVectorDTO is one EPS authentication vector over the wire.
type AuthVectorDTO struct {
	RAND  string `json:"rand"`
	AUTN  string `json:"autn"`
	XRES  string `json:"xres"`
	KASME string `json:"kasme"`
}

// AuthInfoResponse mirrors a S6a Authentication-Information-Answer.
type AuthInfoResponse struct {
	ResultCode string          `json:"resultCode"`
	Vectors    []AuthVectorDTO `json:"vectors,omitempty"`
}

// AuthenticationInfo requests EPS authentication vectors for imsi.
func (c *HSSClient) AuthenticationInfo(ctx context.Context, req *AuthInfoRequest) (*AuthInfoResponse, error) {
	c.log.Debug("s6a authentication-information request", zap.String("imsi", req.IMSI))

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal auth-info request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/s6a/air", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build auth-info request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call hss: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hss returned status %d", resp.StatusCode)
	}

	var out AuthInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode auth-info response: %w", err)
	}
	return &out, nil
}

// UpdateLocationRequest mirrors a S6a Update-Location-Request.
type UpdateLocationRequest struct {
	IMSI string `json:"imsi"`
	ULR  string `json:"ulrFlags"`
}

// UpdateLocationResponse mirrors a S6a Update-Location-Answer and carries
// the subscribed default APN used by PDN_CONFIG_RES.
type UpdateLocationResponse struct {
	ResultCode    string `json:"resultCode"`
	SubscribedAPN string `json:"subscribedApn"`
}

// UpdateLocation registers the MME as serving node for imsi and retrieves
// subscription data.
func (c *HSSClient) UpdateLocation(ctx context.Context, req *UpdateLocationRequest) (*UpdateLocationResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal ula request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/s6a/ulr", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build ula request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call hss: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hss returned status %d", resp.StatusCode)
	}

	var out UpdateLocationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ula response: %w", err)
	}
	return &out, nil
}
