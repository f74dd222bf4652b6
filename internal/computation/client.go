// Package computation provides the HTTP client for the downstream computation
// service that runs insect detection and PMI estimation over case images.
package computation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/entomex/analysis-service/internal/config"
	"github.com/entomex/analysis-service/internal/domain"
	"github.com/entomex/analysis-service/internal/observability"
	"github.com/entomex/analysis-service/internal/workflow"
)

const (
	detectEndpoint      = "/v1/detect"
	recalculateEndpoint = "/v1/computation/recalculate"

	apiKeyHeader = "X-Api-Key"
)

// transientMarkers are error message substrings that identify short-lived
// downstream database hiccups worth retrying.
var transientMarkers = []string{
	"Database connection error",
	"SSL connection has been closed",
}

// Response is the computation service payload returned by both endpoints.
type Response struct {
	AggregatedResults *AggregatedResults `json:"aggregated_results"`
	PMIEstimation     *PMIEstimation     `json:"pmi_estimation"`
	Explanation       *string            `json:"explanation"`
}

// AggregatedResults summarizes detections across all case images.
type AggregatedResults struct {
	TotalCounts         map[string]int `json:"total_counts"`
	OldestStageDetected *string        `json:"oldest_stage_detected"`
}

// PMIEstimation carries the computed post-mortem interval estimate.
type PMIEstimation struct {
	PMIDays                 *float64 `json:"pmi_days"`
	PMIHours                *float64 `json:"pmi_hours"`
	PMIMinutes              *float64 `json:"pmi_minutes"`
	StageUsedForCalculation *string  `json:"stage_used_for_calculation"`
	TemperatureProvided     *float64 `json:"temperature_provided"`
	CalculatedADH           *float64 `json:"calculated_adh"`
	LDTUsed                 *float64 `json:"ldt_used"`
	SourceImageKey          *string  `json:"source_image_key"`
}

// HasDetections reports whether the response carries any detection data. A
// response with neither total counts nor an oldest stage means no evidence
// was found in the uploaded images.
func (r *Response) HasDetections() bool {
	if r.AggregatedResults == nil {
		return false
	}
	return len(r.AggregatedResults.TotalCounts) > 0 || r.AggregatedResults.OldestStageDetected != nil
}

// detectRequest is the request body of both computation endpoints.
type detectRequest struct {
	CaseID string `json:"case_id"`
}

// Client calls the computation service. It is safe for concurrent use; the
// shared rate limiter bounds request pressure across all workflow instances.
//
// Each attempt builds its own http.Client so that per-request timeouts never
// leak between concurrent calls through shared transport state.
type Client struct {
	cfg     config.ComputationConfig
	logger  zerolog.Logger
	metrics *observability.Metrics
	limiter *rate.Limiter
}

// NewClient creates a computation service client.
func NewClient(cfg config.ComputationConfig, logger zerolog.Logger, metrics *observability.Metrics) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}

	return &Client{
		cfg:     cfg,
		logger:  logger.With().Str("component", "computation_client").Logger(),
		metrics: metrics,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}
}

// Detect runs the full detection and PMI estimation for a case. Transient
// downstream failures are retried up to MaxAttempts with capped exponential
// backoff; timeouts and non-transient errors return immediately.
func (c *Client) Detect(ctx context.Context, caseID string) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		resp, err := c.do(ctx, detectEndpoint, caseID)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !errors.Is(err, domain.ErrTransient) {
			return nil, err
		}
		if attempt+1 >= c.cfg.MaxAttempts {
			break
		}

		delay := workflow.Delay(attempt, c.cfg.BackoffBase, c.cfg.BackoffCap)
		c.logger.Warn().Err(err).
			Str("case_id", caseID).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("transient detection failure, retrying")

		if err := c.wait(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("detection failed after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

// Recalculate re-runs the PMI estimation for a case. Failures are not retried
// here; they propagate to the workflow-level retry budget.
func (c *Client) Recalculate(ctx context.Context, caseID string) (*Response, error) {
	return c.do(ctx, recalculateEndpoint, caseID)
}

// do issues one POST attempt against endpoint and classifies the outcome.
func (c *Client) do(ctx context.Context, endpoint, caseID string) (*Response, error) {
	if caseID == "" {
		return nil, domain.NewValidationError("case_id", "case ID is required")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	body, err := json.Marshal(detectRequest{CaseID: caseID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, c.cfg.APIKey)

	// Detection walks every image of the case, so the deadline is long. A
	// fresh client per call keeps the timeout scoped to this request only.
	httpClient := &http.Client{Timeout: c.cfg.RequestTimeout}

	start := time.Now()
	resp, err := httpClient.Do(req)
	elapsed := time.Since(start).Seconds()
	if c.metrics != nil {
		c.metrics.RecordComputationRequest(endpoint, elapsed)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if isTimeout(err) {
			c.recordFailure(endpoint, "timeout")
			return nil, fmt.Errorf("%s: %w", endpoint, domain.ErrRequestTimedOut)
		}
		c.recordFailure(endpoint, "network")
		return nil, &domain.ComputationError{
			Endpoint:  endpoint,
			Message:   err.Error(),
			Transient: isTransientMessage(err.Error()),
		}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure(endpoint, "read")
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		transient := isTransientMessage(string(payload))
		kind := "http"
		if transient {
			kind = "transient"
		}
		c.recordFailure(endpoint, kind)
		return nil, &domain.ComputationError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Message:    truncate(string(payload), 512),
			Transient:  transient,
		}
	}

	var result Response
	if err := json.Unmarshal(payload, &result); err != nil {
		c.recordFailure(endpoint, "decode")
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &result, nil
}

func (c *Client) recordFailure(endpoint, kind string) {
	if c.metrics != nil {
		c.metrics.RecordComputationFailure(endpoint, kind)
	}
}

// wait sleeps for d, respecting context cancellation.
func (c *Client) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isTimeout reports whether err is a request deadline expiry. Timeouts are a
// distinct failure class: a detection that ran past its deadline may still be
// finishing downstream, so it must not be blindly retried.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isTransientMessage matches the downstream failure modes that resolve on
// their own within seconds.
func isTransientMessage(msg string) bool {
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
