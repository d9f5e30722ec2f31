package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/barnettlynn/impalacard/pkg/transfer"
)

type SyncRequest struct {
	AccountID string   `json:"account_id"`
	Hashes    []string `json:"hashes,omitempty"`
}

type SyncResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func newSyncRequest(account uuid.UUID, hashes [][transfer.HashLen]byte) SyncRequest {
	req := SyncRequest{AccountID: account.String()}
	for _, h := range hashes {
		req.Hashes = append(req.Hashes, strings.ToUpper(hex.EncodeToString(h[:])))
	}
	return req
}

func postSync(ctx context.Context, endpoint, clientID, clientSecret string, sr SyncRequest) (*SyncResponse, error) {
	payload, err := json.Marshal(sr)
	if err != nil {
		return nil, fmt.Errorf("marshal sync request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if clientID != "" {
		req.Header.Set("CF-Access-Client-Id", clientID)
		req.Header.Set("CF-Access-Client-Secret", clientSecret)
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("API returned non-2xx status: %d %s: %s", resp.StatusCode, resp.Status, strings.TrimSpace(string(body)))
	}

	var out SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode sync response: %w", err)
	}
	if !out.Success {
		return &out, fmt.Errorf("sync rejected: %s", out.Message)
	}
	return &out, nil
}
