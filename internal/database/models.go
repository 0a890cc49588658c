package database

import (
	"time"
)

// WaterQuality is the sensor half of a reading. The result strings come
// from the upstream classifier and are copied verbatim, never recomputed.
type WaterQuality struct {
	Temperature     float64 `json:"temperature"`
	TempResult      string  `json:"temp_result"`
	Oxygen          float64 `json:"oxygen"`
	OxygenResult    string  `json:"oxygen_result"`
	PHLevel         float64 `json:"phlevel"`
	PHResult        string  `json:"ph_result"`
	Turbidity       float64 `json:"turbidity"`
	TurbidityResult string  `json:"turbidity_result"`
}

// Reading is one row of the aquamans table
type Reading struct {
	WaterQuality

	ID               int64
	Catfish          int
	DeadCatfish      int
	TimeData         time.Time
	DeadCatfishImage []byte // JPEG, nil unless the row was written as evidence
}

var (
	ErrNoReading = &StoreError{"no reading found"}
)

// StoreError represents a storage-level condition callers may branch on
type StoreError struct {
	msg string
}

func (e *StoreError) Error() string {
	return e.msg
}
