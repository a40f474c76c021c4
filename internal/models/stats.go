package models

// AccuracyBucket is correct/checked for one slice of predictions.
type AccuracyBucket struct {
	Correct  int     `json:"correct"`
	Checked  int     `json:"checked"`
	Accuracy float64 `json:"accuracy"`
}

// Record counts one checked prediction.
func (b *AccuracyBucket) Record(correct bool) {
	b.Checked++
	if correct {
		b.Correct++
	}
	b.Accuracy = float64(b.Correct) / float64(b.Checked)
}

// AccuracyReport summarizes verified predictions over a rolling window.
type AccuracyReport struct {
	Horizon     Horizon                       `json:"horizon"`
	WindowDays  int                           `json:"window_days"`
	Since       string                        `json:"since"`
	Overall     AccuracyBucket                `json:"overall"`
	ByDirection map[Direction]*AccuracyBucket `json:"by_direction"`
	ByTopic     map[string]*AccuracyBucket    `json:"by_topic"`
	// Mean and median realized return of the checked predictions.
	MeanReturnPct   float64 `json:"mean_return_pct"`
	MedianReturnPct float64 `json:"median_return_pct"`
}

// HorizonStats counts what one verification pass did at one horizon.
type HorizonStats struct {
	Due            int `json:"due"`
	Verified       int `json:"verified"`
	Correct        int `json:"correct"`
	SkippedNoPrice int `json:"skipped_no_price"`
	AlreadyChecked int `json:"already_checked"`
	Failed         int `json:"failed"`
}

// VerificationStats is the result of one RunVerification call.
type VerificationStats struct {
	RunDate  string                      `json:"run_date"`
	Horizons map[Horizon]*HorizonStats   `json:"horizons"`
	Accuracy map[Horizon]*AccuracyReport `json:"accuracy"`
}
