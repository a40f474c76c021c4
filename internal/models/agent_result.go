package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ResultStatus tags an AgentResult so consumers can switch on it exhaustively.
type ResultStatus string

const (
	StatusPresent ResultStatus = "present"
	StatusAbsent  ResultStatus = "absent"
	StatusError   ResultStatus = "error"
)

// DataQualityTag records whether an agent worked from real data or from a
// fallback/sample value.
type DataQualityTag string

const (
	DataQualityReal     DataQualityTag = "real"
	DataQualityFallback DataQualityTag = "fallback"
	DataQualitySample   DataQualityTag = "sample"
	DataQualityUnknown  DataQualityTag = ""
)

// IsReal reports whether the tag marks real, non-fallback data.
func (t DataQualityTag) IsReal() bool {
	return t == DataQualityReal
}

// AgentResult is one dimension's analysis of one topic.
type AgentResult struct {
	Status         ResultStatus   `json:"status"`
	Dimension      Dimension      `json:"dimension"`
	Score          float64        `json:"score"`
	Direction      Direction      `json:"direction"`
	Confidence     float64        `json:"confidence"`
	DiscoveryText  string         `json:"discovery_text,omitempty"`
	SourceID       string         `json:"source_id,omitempty"`
	DataQualityTag DataQualityTag `json:"data_quality_tag,omitempty"`
	Err            error          `json:"-"`
}

// Present builds a result carrying an actual analysis.
func Present(dim Dimension, score float64, dir Direction, confidence float64) AgentResult {
	return AgentResult{
		Status:         StatusPresent,
		Dimension:      dim,
		Score:          score,
		Direction:      dir,
		Confidence:     confidence,
		DataQualityTag: DataQualityReal,
	}
}

// Absent marks a dimension that abstained.
func Absent(dim Dimension) AgentResult {
	return AgentResult{Status: StatusAbsent, Dimension: dim}
}

// Failed marks a dimension whose agent errored or timed out.
func Failed(dim Dimension, err error) AgentResult {
	if err == nil {
		err = errors.New("agent failed without error detail")
	}
	return AgentResult{Status: StatusError, Dimension: dim, Err: err}
}

// IsPresent reports whether the result carries a usable analysis.
func (r AgentResult) IsPresent() bool {
	return r.Status == StatusPresent
}

// agentResultWire is the JSON shape remote agents return.
type agentResultWire struct {
	Dimension      string  `json:"dimension"`
	Score          float64 `json:"score"`
	Direction      string  `json:"direction"`
	Confidence     float64 `json:"confidence"`
	DiscoveryText  string  `json:"discovery_text"`
	SourceID       string  `json:"source_id"`
	DataQualityTag string  `json:"data_quality_tag"`
	Error          string  `json:"error"`
}

// DecodeAgentResult turns a remote agent payload into a tagged result. An
// explicit error marker in the payload yields a Failed result; a payload
// that cannot be parsed yields Failed as well, never a panic.
func DecodeAgentResult(dim Dimension, payload []byte) AgentResult {
	var wire agentResultWire
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Failed(dim, fmt.Errorf("decode agent payload: %w", err))
	}
	if wire.Error != "" {
		return Failed(dim, errors.New(wire.Error))
	}
	if wire.Dimension != "" {
		parsed, err := ParseDimension(wire.Dimension)
		if err != nil {
			return Failed(dim, err)
		}
		if parsed != dim {
			return Failed(dim, fmt.Errorf("agent for %s answered as %s", dim, parsed))
		}
	}
	dir, err := ParseDirection(wire.Direction)
	if err != nil {
		return Failed(dim, err)
	}
	return AgentResult{
		Status:         StatusPresent,
		Dimension:      dim,
		Score:          wire.Score,
		Direction:      dir,
		Confidence:     wire.Confidence,
		DiscoveryText:  wire.DiscoveryText,
		SourceID:       wire.SourceID,
		DataQualityTag: DataQualityTag(wire.DataQualityTag),
	}
}
