package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Response status values
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusResting = "resting"
	StatusActive  = "active"
)

// Response is the envelope every JSON endpoint returns
type Response struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// UpdateDetectionRequest is the body of POST /update_detection. Fields are
// pointers so a missing count can be told apart from zero.
type UpdateDetectionRequest struct {
	Catfish     *int `json:"catfish"`
	DeadCatfish *int `json:"dead_catfish"`
}

// Validate checks both counts are present and non-negative
func (r *UpdateDetectionRequest) Validate() error {
	if r.Catfish == nil || r.DeadCatfish == nil {
		return fmt.Errorf("catfish and dead_catfish are required")
	}
	if *r.Catfish < 0 || *r.DeadCatfish < 0 {
		return fmt.Errorf("counts must not be negative")
	}
	return nil
}

// DetectionCounts is the data payload of a successful count update
type DetectionCounts struct {
	Catfish     int `json:"catfish"`
	DeadCatfish int `json:"dead_catfish"`
}

// EvidenceRequest is the body of POST /detection_evidence. Image is a JPEG,
// base64 encoded on the wire.
type EvidenceRequest struct {
	Catfish     int       `json:"catfish"`
	DeadCatfish int       `json:"dead_catfish"`
	CapturedAt  time.Time `json:"captured_at"`
	Image       []byte    `json:"image"`
}

// Validate checks the evidence is plausible
func (r *EvidenceRequest) Validate() error {
	if r.Catfish < 0 || r.DeadCatfish < 0 {
		return fmt.Errorf("counts must not be negative")
	}
	if len(r.Image) == 0 {
		return fmt.Errorf("image is required")
	}
	if r.CapturedAt.IsZero() {
		return fmt.Errorf("captured_at is required")
	}
	return nil
}

// EvidenceCreated is the data payload of a stored evidence row
type EvidenceCreated struct {
	ID int64 `json:"id"`
}

// DetectionStatus is the body of GET /detection_status
type DetectionStatus struct {
	Status           string     `json:"status"`
	CatfishCount     int        `json:"catfish_count"`
	DeadCatfishCount int        `json:"dead_catfish_count"`
	LastUpdate       *time.Time `json:"last_update"`
}

// SystemStatus is the body of GET /system_status
type SystemStatus struct {
	Status    string    `json:"status"`
	IsResting bool      `json:"is_resting"`
	Message   string    `json:"message"`
	NextRest  time.Time `json:"next_rest"`
}

// DecodeResponse decodes a JSON response envelope
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return &resp, nil
}
