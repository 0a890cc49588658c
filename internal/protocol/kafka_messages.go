package protocol

import (
	"encoding/json"
	"strconv"
	"time"
)

// AlertTypeDeadFish is raised when a dead-fish evidence row is stored
const AlertTypeDeadFish = "DEAD_FISH_DETECTED"

// WaterQuality mirrors the sensor snapshot stored with the evidence row
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

// DeadFishAlert is the message format for dead-fish alerts
type DeadFishAlert struct {
	Type        string       `json:"type"`
	ReadingID   int64        `json:"reading_id"`
	Catfish     int          `json:"catfish"`
	DeadCatfish int          `json:"dead_catfish"`
	CapturedAt  time.Time    `json:"captured_at"`
	Water       WaterQuality `json:"water_quality"`
}

// Key is the partition key for the alert
func (a *DeadFishAlert) Key() string {
	return strconv.FormatInt(a.ReadingID, 10)
}

// EncodeDeadFishAlert encodes a DeadFishAlert to JSON
func EncodeDeadFishAlert(alert *DeadFishAlert) ([]byte, error) {
	return json.Marshal(alert)
}

// DecodeDeadFishAlert decodes JSON to DeadFishAlert
func DecodeDeadFishAlert(data []byte) (*DeadFishAlert, error) {
	var alert DeadFishAlert
	if err := json.Unmarshal(data, &alert); err != nil {
		return nil, err
	}
	return &alert, nil
}
