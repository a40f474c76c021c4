package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar-day format used for prediction dates.
const DateLayout = "2006-01-02"

// Horizon is a fixed future offset at which a prediction is checked.
type Horizon string

const (
	HorizonT1  Horizon = "t1"
	HorizonT7  Horizon = "t7"
	HorizonT30 Horizon = "t30"
)

// Horizons lists every verification horizon, shortest first.
var Horizons = []Horizon{HorizonT1, HorizonT7, HorizonT30}

// Days returns the horizon's offset in calendar days.
func (h Horizon) Days() int {
	switch h {
	case HorizonT1:
		return 1
	case HorizonT7:
		return 7
	case HorizonT30:
		return 30
	}
	return 0
}

// ParseHorizon accepts "t7", "T+7", "7" and similar spellings.
func ParseHorizon(s string) (Horizon, error) {
	n := strings.NewReplacer("+", "", " ", "").Replace(strings.ToLower(s))
	n = strings.TrimPrefix(n, "t")
	switch n {
	case "1":
		return HorizonT1, nil
	case "7":
		return HorizonT7, nil
	case "30":
		return HorizonT30, nil
	}
	return "", fmt.Errorf("unknown horizon %q", s)
}

// IsCorrect applies the asymmetric direction-correctness rule to a realized
// return expressed in percent.
func IsCorrect(dir Direction, returnPct float64) bool {
	switch dir {
	case DirectionBullish:
		return returnPct > -1.0
	case DirectionBearish:
		return returnPct < 1.0
	case DirectionNeutral:
		return returnPct > -3.0 && returnPct < 3.0
	}
	return false
}

// HorizonOutcome holds the realized result of one prediction at one horizon.
type HorizonOutcome struct {
	Price     *float64 `json:"price"`
	ReturnPct *float64 `json:"return_pct"`
	Correct   *bool    `json:"correct"`
	Checked   bool     `json:"checked"`
}

// PredictionRecord is one persisted decision plus its verification state.
type PredictionRecord struct {
	ID                  string                      `json:"id"`
	Date                string                      `json:"date"`
	Topic               string                      `json:"topic"`
	FinalScore          float64                     `json:"final_score"`
	Direction           Direction                   `json:"direction"`
	PriceAtPrediction   *float64                    `json:"price_at_prediction"`
	DimensionScores     map[Dimension]float64       `json:"dimension_scores"`
	DimensionConfidence map[Dimension]float64       `json:"dimension_confidence"`
	AgentDirections     map[Dimension]Direction     `json:"agent_directions"`
	Outcomes            map[Horizon]*HorizonOutcome `json:"outcomes"`
	BoardSnapshot       json.RawMessage             `json:"board_snapshot,omitempty"`
	CreatedAt           time.Time                   `json:"created_at"`
	UpdatedAt           time.Time                   `json:"updated_at"`
}

// Outcome returns the horizon outcome, never nil.
func (p *PredictionRecord) Outcome(h Horizon) *HorizonOutcome {
	if p.Outcomes == nil {
		p.Outcomes = make(map[Horizon]*HorizonOutcome, len(Horizons))
	}
	o, ok := p.Outcomes[h]
	if !ok || o == nil {
		o = &HorizonOutcome{}
		p.Outcomes[h] = o
	}
	return o
}

// DueDate is the calendar day on which horizon h matures.
func (p PredictionRecord) DueDate(h Horizon) (time.Time, error) {
	d, err := time.Parse(DateLayout, p.Date)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse prediction date %q: %w", p.Date, err)
	}
	return d.AddDate(0, 0, h.Days()), nil
}

// NewPredictionRecord snapshots a decision for persistence. The caller sets
// the id, price and board snapshot.
func NewPredictionRecord(d Decision, date time.Time) PredictionRecord {
	rec := PredictionRecord{
		Date:                date.Format(DateLayout),
		Topic:               d.Topic,
		FinalScore:          d.FinalScore,
		Direction:           d.Direction,
		DimensionScores:     make(map[Dimension]float64, len(d.DimensionScores)),
		DimensionConfidence: make(map[Dimension]float64, len(d.DimensionConfidence)),
		AgentDirections:     make(map[Dimension]Direction, len(d.DimensionDirections)),
		Outcomes:            make(map[Horizon]*HorizonOutcome, len(Horizons)),
	}
	for k, v := range d.DimensionScores {
		rec.DimensionScores[k] = v
	}
	for k, v := range d.DimensionConfidence {
		rec.DimensionConfidence[k] = v
	}
	for k, v := range d.DimensionDirections {
		rec.AgentDirections[k] = v
	}
	for _, h := range Horizons {
		rec.Outcomes[h] = &HorizonOutcome{}
	}
	return rec
}
