package attendance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// RecognitionResult is the response of the recognition call.
type RecognitionResult struct {
	Success        bool    `json:"success"`
	PersonID       string  `json:"person_id"`
	MemberName     string  `json:"member_name,omitempty"`
	Similarity     float64 `json:"similarity"`
	ProcessingTime float64 `json:"processing_time"`
	Error          string  `json:"error,omitempty"`
}

// Recognizer performs the request/response recognition call against the
// detection service: given a bbox and group id, identify the face in the
// service's latest frame for this client. Recognition failures are not
// retried; a fresher frame is already on its way.
type Recognizer struct {
	url      string
	groupID  string
	clientID string
	http     *http.Client
	logger   *zap.Logger
}

// NewRecognizer builds a recognition client. clientID must match the
// stream transport's client id so the service resolves the right frame.
func NewRecognizer(url, groupID, clientID string, logger *zap.Logger) *Recognizer {
	if logger == nil {
		logger = zap.L()
	}
	return &Recognizer{
		url:      url,
		groupID:  groupID,
		clientID: clientID,
		http:     &http.Client{Timeout: 10 * time.Second},
		logger:   logger.Named("recognizer"),
	}
}

type recognizeRequest struct {
	ClientID string     `json:"client_id"`
	GroupID  string     `json:"group_id"`
	BBox     [4]float64 `json:"bbox"`
}

// Recognize identifies the face inside bbox. A nil result with nil error
// means the service answered but found no match.
func (r *Recognizer) Recognize(ctx context.Context, bbox [4]float64) (*RecognitionResult, error) {
	body, err := json.Marshal(recognizeRequest{
		ClientID: r.clientID,
		GroupID:  r.groupID,
		BBox:     bbox,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal recognize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("recognize request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result RecognitionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode recognize response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("recognition error: %s", result.Error)
	}
	if !result.Success || result.PersonID == "" {
		return nil, nil
	}
	return &result, nil
}
