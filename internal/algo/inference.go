package algo

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mhdrizwan95-netizen/l2-dash/pkg/types"
)

// InferenceClient talks to the external model service. The caller is
// expected to degrade to Fallback() on any error so a dead model never
// stalls the trading loop.
type InferenceClient struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewInferenceClient creates a client with a hard per-request timeout.
func NewInferenceClient(baseURL string, timeout time.Duration, logger *slog.Logger) *InferenceClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &InferenceClient{
		http:   httpClient,
		logger: logger.With("component", "inference"),
	}
}

// Infer posts one feature vector and returns the model's state and
// probabilities. ts is unix seconds.
func (c *InferenceClient) Infer(ctx context.Context, symbol string, feats []float64, ts float64) (types.InferenceResponse, error) {
	var result types.InferenceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(types.InferenceRequest{Symbol: symbol, Features: feats, TS: ts}).
		SetResult(&result).
		Post("/infer")
	if err != nil {
		return types.InferenceResponse{}, fmt.Errorf("infer: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.InferenceResponse{}, fmt.Errorf("infer: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// Fallback is the uniform no-information response substituted when the
// model service is unreachable.
func Fallback() types.InferenceResponse {
	probs := []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}
	return types.InferenceResponse{State: 1, Probs: probs, Confidence: probs[0]}
}
