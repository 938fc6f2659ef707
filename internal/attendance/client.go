// Package attendance holds the clients for the external boundaries: the
// attendance persistence API, the recognition HTTP call on the detection
// service, and the optional local journal.
package attendance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/surihq/attendcam/internal/config"
	"github.com/surihq/attendcam/internal/gate"
	"github.com/surihq/attendcam/internal/retry"
)

// APIError is a non-retryable response from the attendance API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("attendance API returned %d: %s", e.StatusCode, e.Body)
}

// Client talks to the attendance persistence API. Transient failures are
// retried under the shared policy; 4xx responses are permanent.
type Client struct {
	baseURL  string
	groupID  string
	location string
	http     *http.Client
	policy   retry.Policy
	logger   *zap.Logger
}

// NewClient builds the attendance API client. When cfg.TokenURL is set,
// requests carry an OAuth2 client-credentials token.
func NewClient(cfg config.AttendanceConfig, policy retry.Policy, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.L()
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		httpClient = cc.Client(context.Background())
		httpClient.Timeout = 15 * time.Second
	}

	return &Client{
		baseURL:  cfg.BaseURL,
		groupID:  cfg.GroupID,
		location: cfg.Location,
		http:     httpClient,
		policy:   policy,
		logger:   logger.Named("attendance"),
	}
}

type recordRequest struct {
	EventID            string  `json:"event_id"`
	PersonID           string  `json:"person_id"`
	GroupID            string  `json:"group_id,omitempty"`
	Confidence         float64 `json:"confidence"`
	Location           string  `json:"location,omitempty"`
	LivenessStatus     string  `json:"liveness_status,omitempty"`
	LivenessConfidence float64 `json:"liveness_confidence,omitempty"`
	Manual             bool    `json:"manual,omitempty"`
	OccurredAt         string  `json:"occurred_at"`
}

// ProcessAttendanceEvent submits one attendance record. The event id is
// generated here so retries of the same emission stay idempotent on the
// server side.
func (c *Client) ProcessAttendanceEvent(ctx context.Context, ev gate.Event) error {
	req := recordRequest{
		EventID:            uuid.NewString(),
		PersonID:           ev.PersonID,
		GroupID:            c.groupID,
		Confidence:         ev.Confidence,
		Location:           c.location,
		LivenessStatus:     ev.LivenessStatus,
		LivenessConfidence: ev.LivenessConfidence,
		Manual:             ev.Manual,
		OccurredAt:         ev.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if ev.Location != "" {
		req.Location = ev.Location
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal attendance record: %w", err)
	}

	op := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/attendance/records", bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return fmt.Errorf("attendance request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Permanent(apiErr)
		}
		return apiErr
	}

	if err := c.policy.Do(ctx, op); err != nil {
		return fmt.Errorf("process attendance event for %s: %w", ev.PersonID, err)
	}
	return nil
}

// Tee fans one emission out to a primary emitter and any number of
// secondary recorders (journal). Secondary failures are logged, never
// propagated: losing the audit copy must not fail the emission.
func Tee(primary gate.Emitter, logger *zap.Logger, secondaries ...gate.Emitter) gate.Emitter {
	if logger == nil {
		logger = zap.L()
	}
	return &tee{primary: primary, secondaries: secondaries, logger: logger.Named("attendance-tee")}
}

type tee struct {
	primary     gate.Emitter
	secondaries []gate.Emitter
	logger      *zap.Logger
}

func (t *tee) ProcessAttendanceEvent(ctx context.Context, ev gate.Event) error {
	err := t.primary.ProcessAttendanceEvent(ctx, ev)
	for _, s := range t.secondaries {
		if sErr := s.ProcessAttendanceEvent(ctx, ev); sErr != nil {
			t.logger.Warn("secondary emitter failed", zap.Error(sErr))
		}
	}
	return err
}
