// Package gnosis follows Safe multisig messages on the Safe transaction
// service until enough owners have confirmed them.
package gnosis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/better-wallet/dapp-provider/internal/logger"
	"github.com/better-wallet/dapp-provider/internal/provider"
)

const defaultPollInterval = 5 * time.Second

type confirmation struct {
	Owner     string `json:"owner"`
	Signature string `json:"signature"`
}

type safeMessage struct {
	MessageHash       string         `json:"messageHash"`
	Confirmations     []confirmation `json:"confirmations"`
	PreparedSignature *string        `json:"preparedSignature"`
}

type safeInfo struct {
	Threshold int `json:"threshold"`
}

// Watcher implements provider.SafeMessageWatcher
type Watcher struct {
	baseURL  string
	http     *retryablehttp.Client
	interval time.Duration
}

// NewWatcher polls the Safe transaction service at baseURL every interval
func NewWatcher(baseURL string, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	return &Watcher{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     client,
		interval: interval,
	}
}

// WatchMessage blocks until msg reaches its confirmation threshold and
// returns the combined signature
func (w *Watcher) WatchMessage(ctx context.Context, msg *provider.SafeMessage) (any, error) {
	if msg == nil || msg.MessageHash == "" {
		return nil, fmt.Errorf("safe message hash is required")
	}

	threshold := msg.Threshold
	if threshold <= 0 {
		var info safeInfo
		if err := w.get(ctx, "/api/v1/safes/"+msg.SafeAddress+"/", &info); err != nil {
			return nil, fmt.Errorf("failed to load safe: %w", err)
		}
		threshold = info.Threshold
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		var current safeMessage
		if err := w.get(ctx, "/api/v1/messages/"+msg.MessageHash+"/", &current); err != nil {
			logger.Warn(ctx, "safe message poll failed", "message_hash", msg.MessageHash, "error", err)
		} else {
			logger.Debug(ctx, "safe message polled", "message_hash", msg.MessageHash,
				"confirmations", len(current.Confirmations), "threshold", threshold)
			if len(current.Confirmations) >= threshold && current.PreparedSignature != nil && *current.PreparedSignature != "" {
				logger.Info(ctx, "safe message confirmed", "message_hash", msg.MessageHash, "safe", msg.SafeAddress)
				return *current.PreparedSignature, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Watcher) get(ctx context.Context, path string, dst any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("safe service returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
