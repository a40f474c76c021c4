package models

import "time"

// SignalEntry is one finding posted to the signal board.
type SignalEntry struct {
	AgentID       string    `json:"agent_id"`
	Dimension     Dimension `json:"dimension"`
	Topic         string    `json:"topic"`
	DiscoveryText string    `json:"discovery_text"`
	Source        string    `json:"source"`
	SelfScore     float64   `json:"self_score"`
	Direction     Direction `json:"direction"`
	Strength      float64   `json:"strength"`
	SupportCount  int       `json:"support_count"`
	// Supporters holds the distinct dimensions (or agent ids when no
	// dimension is set) that have published into this entry.
	Supporters []string  `json:"supporters"`
	Timestamp  time.Time `json:"timestamp"`
}

// SupporterKey identifies the analytical dimension behind an entry.
func (e SignalEntry) SupporterKey() string {
	if e.Dimension != "" {
		return string(e.Dimension)
	}
	return e.AgentID
}

// CompactSignal is the trimmed board view stored alongside a prediction.
type CompactSignal struct {
	Topic        string    `json:"topic"`
	Direction    Direction `json:"direction"`
	Strength     float64   `json:"strength"`
	SupportCount int       `json:"support_count"`
	Supporters   []string  `json:"supporters"`
}

// Resonance describes cross-dimension agreement for one topic.
type Resonance struct {
	Detected            bool      `json:"detected"`
	Direction           Direction `json:"direction,omitempty"`
	CrossDimensionCount int       `json:"cross_dimension_count"`
	// ConfidenceBoost is expressed in percentage points.
	ConfidenceBoost float64 `json:"confidence_boost"`
	ScoreNudge      float64 `json:"score_nudge"`
}
