package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/irfndi/celebrum-distiller/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// exportRow is one prediction flattened for CSV. Missing values are empty.
type exportRow struct {
	ID                string  `csv:"id"`
	Date              string  `csv:"date"`
	Topic             string  `csv:"topic"`
	Direction         string  `csv:"direction"`
	FinalScore        float64 `csv:"final_score"`
	PriceAtPrediction string  `csv:"price_at_prediction"`
	ScoreSignal       string  `csv:"score_signal"`
	ScoreCatalyst     string  `csv:"score_catalyst"`
	ScoreSentiment    string  `csv:"score_sentiment"`
	ScoreOdds         string  `csv:"score_odds"`
	ScoreRiskAdj      string  `csv:"score_risk_adj"`
	ReturnT1          string  `csv:"return_t1"`
	CorrectT1         string  `csv:"correct_t1"`
	ReturnT7          string  `csv:"return_t7"`
	CorrectT7         string  `csv:"correct_t7"`
	ReturnT30         string  `csv:"return_t30"`
	CorrectT30        string  `csv:"correct_t30"`
}

func newExportRow(rec models.PredictionRecord) exportRow {
	score := func(d models.Dimension) string {
		v, ok := rec.DimensionScores[d]
		if !ok {
			return ""
		}
		return formatFloat(&v)
	}
	outcome := func(h models.Horizon) (string, string) {
		o := rec.Outcome(h)
		if !o.Checked {
			return "", ""
		}
		correct := ""
		if o.Correct != nil {
			correct = strconv.FormatBool(*o.Correct)
		}
		return formatFloat(o.ReturnPct), correct
	}

	row := exportRow{
		ID:                rec.ID,
		Date:              rec.Date,
		Topic:             rec.Topic,
		Direction:         string(rec.Direction),
		FinalScore:        rec.FinalScore,
		PriceAtPrediction: formatFloat(rec.PriceAtPrediction),
		ScoreSignal:       score(models.DimensionSignal),
		ScoreCatalyst:     score(models.DimensionCatalyst),
		ScoreSentiment:    score(models.DimensionSentiment),
		ScoreOdds:         score(models.DimensionOdds),
		ScoreRiskAdj:      score(models.DimensionRiskAdj),
	}
	row.ReturnT1, row.CorrectT1 = outcome(models.HorizonT1)
	row.ReturnT7, row.CorrectT7 = outcome(models.HorizonT7)
	row.ReturnT30, row.CorrectT30 = outcome(models.HorizonT30)
	return row
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func newExportCommand(configPath func() string) *cobra.Command {
	var since, until, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write predictions dated in [since, until] as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			today := time.Now().UTC()
			if until == "" {
				until = today.Format(models.DateLayout)
			}
			if since == "" {
				since = today.AddDate(0, 0, -30).Format(models.DateLayout)
			}
			for flag, v := range map[string]string{"since": since, "until": until} {
				if _, err := time.Parse(models.DateLayout, v); err != nil {
					return fmt.Errorf("--%s must be YYYY-MM-DD: %w", flag, err)
				}
			}
			if since > until {
				return errors.New("--since must not be after --until")
			}

			return withApp(cmd, configPath(), func(ctx context.Context, a *app) error {
				records, err := a.store.ListPredictions(ctx, since, until)
				if err != nil {
					return fmt.Errorf("list predictions: %w", err)
				}
				rows := make([]exportRow, 0, len(records))
				for _, rec := range records {
					rows = append(rows, newExportRow(rec))
				}

				var w io.Writer = cmd.OutOrStdout()
				if out != "" && out != "-" {
					f, err := os.Create(out)
					if err != nil {
						return fmt.Errorf("create %s: %w", out, err)
					}
					defer f.Close()
					w = f
				}
				if err := gocsv.Marshal(&rows, w); err != nil {
					return fmt.Errorf("write csv: %w", err)
				}
				a.logger.WithFields(logrus.Fields{
					"rows":  len(rows),
					"since": since,
					"until": until,
				}).Info("Exported predictions")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "first date, YYYY-MM-DD (default 30 days ago)")
	cmd.Flags().StringVar(&until, "until", "", "last date, YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&out, "out", "-", "output file, - for stdout")
	return cmd
}
