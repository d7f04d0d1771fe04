package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/extmesh/extmesh/internal/infrastructure/logging"
	"github.com/extmesh/extmesh/internal/infrastructure/resilience"
	"github.com/extmesh/extmesh/internal/shared/types"
)

// HTTP drives a rule-enforcement host over its REST surface. Transient
// failures retry with backoff; a persistently failing host trips the
// breaker so the orchestrator degrades instead of queueing up timeouts.
type HTTP struct {
	base    string
	client  *retryablehttp.Client
	breaker *resilience.Breaker
	log     *logging.Logger
}

// NewHTTP creates an engine client for the host at base.
func NewHTTP(base string, log *logging.Logger) *HTTP {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	return &HTTP{
		base:   base,
		client: client,
		breaker: resilience.New("rule-engine", resilience.Settings{
			MaxRequests: 1,
			Timeout:     15 * time.Second,
			OnStateChange: func(name string, from, to resilience.State) {
				log.Warn("Rule engine breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
		log: log,
	}
}

func (h *HTTP) Install(ctx context.Context, rules []types.NetworkRule) error {
	return h.breaker.Do(func() error {
		return h.send(ctx, http.MethodPut, "/v1/rules", rules, nil)
	})
}

func (h *HTTP) Remove(ctx context.Context, ruleIDs []string) error {
	return h.breaker.Do(func() error {
		return h.send(ctx, http.MethodDelete, "/v1/rules", ruleIDs, nil)
	})
}

func (h *HTTP) Installed(ctx context.Context) ([]string, error) {
	var ids []string
	err := h.breaker.Do(func() error {
		return h.send(ctx, http.MethodGet, "/v1/rules", nil, &ids)
	})
	return ids, err
}

func (h *HTTP) send(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return fmt.Errorf("engine: failed to encode request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, h.base+path, payload)
	if err != nil {
		return fmt.Errorf("engine: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("engine: %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("engine: %s %s returned %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("engine: failed to read response: %w", err)
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("engine: failed to decode response: %w", err)
	}
	return nil
}
