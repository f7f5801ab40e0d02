package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rsc-chain/mining-ledger/internal/records"
)

// Submitter pushes one reward to the backend and returns the remote
// identifier assigned to it.
type Submitter interface {
	Submit(ctx context.Context, r records.RewardRecord) (string, error)
}

// HTTPSubmitter posts rewards to the backend reward endpoint as JSON.
type HTTPSubmitter struct {
	backendURL string
	apiKey     string
	client     *http.Client
}

type rewardPayload struct {
	ID        string            `json:"id"`
	Amount    float64           `json:"amount"`
	Timestamp int64             `json:"timestamp"`
	SessionID string            `json:"sessionId,omitempty"`
	Hash      string            `json:"hash"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type rewardResponse struct {
	Success  bool   `json:"success"`
	RemoteID string `json:"remoteId"`
	Error    string `json:"error"`
}

func NewHTTPSubmitter(backendURL, apiKey string, client *http.Client) *HTTPSubmitter {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSubmitter{backendURL: backendURL, apiKey: apiKey, client: client}
}

// Submit posts the reward and parses the acknowledgement. Any non-2xx
// response is an error; the caller decides whether to retry.
func (s *HTTPSubmitter) Submit(ctx context.Context, r records.RewardRecord) (string, error) {
	payload := rewardPayload{
		ID:        r.ID,
		Amount:    r.Amount,
		Timestamp: r.Timestamp.UnixMilli(),
		SessionID: r.SessionID,
		Hash:      r.ContentHash,
		Metadata:  r.Metadata,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal reward payload: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.backendURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach backend: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read backend response: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("backend rejected reward: status %d: %s", resp.StatusCode, respBody)
	}

	var ack rewardResponse
	if err := json.Unmarshal(respBody, &ack); err != nil {
		return "", fmt.Errorf("failed to parse backend response: %v", err)
	}
	if ack.Error != "" {
		return "", fmt.Errorf("backend reported error: %s", ack.Error)
	}
	// A 2xx body is not an acknowledgement by itself; the backend must
	// confirm and name the stored copy before the record goes synced.
	if !ack.Success {
		return "", fmt.Errorf("backend did not acknowledge reward: %s", respBody)
	}
	if ack.RemoteID == "" {
		return "", fmt.Errorf("backend acknowledgement missing remote id")
	}
	return ack.RemoteID, nil
}
