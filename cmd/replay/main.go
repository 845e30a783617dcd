// replay прогоняет CSV запись показаний через детектор падений и печатает
// подтвержденные падения. Используется для подбора чувствительности.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"fall-detection-service/internal/analytics"
	"fall-detection-service/internal/detector"
	"fall-detection-service/internal/recording"
)

var version = "dev"

type options struct {
	sensitivity int
	pairWindow  time.Duration
	verbose     bool
}

func main() {
	opts := options{}

	cmd := &cobra.Command{
		Use:   "replay <recording.csv>",
		Short: "Replay a sensor recording through the fall detector",
		Long: `replay reads a CSV recording written by the fall detection service
(RECORD_PATH), pairs accelerometer and gyroscope events the same way the
service does, and reports every confirmed fall.`,
		Version:      version,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.OutOrStdout(), args[0], opts)
		},
	}

	cmd.Flags().IntVarP(&opts.sensitivity, "sensitivity", "s", -1, "sensitivity 0-100, unset keeps default thresholds")
	cmd.Flags().DurationVar(&opts.pairWindow, "pair-window", analytics.PairWindow, "max gap between accel and gyro events")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "print every evaluated sample")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(out io.Writer, path string, opts options) error {
	events, err := recording.ReadFile(path)
	if err != nil {
		return err
	}

	det := detector.NewDefault()
	if opts.sensitivity >= 0 {
		det.SetSensitivity(opts.sensitivity)
	}
	pairer := analytics.NewPairer(opts.pairWindow)

	evaluated, falls := 0, 0
	for _, e := range events {
		s, ok := pairer.Push(e)
		if !ok {
			continue
		}
		evaluated++

		fall := det.Evaluate(s, e.Timestamp)
		st := det.State()
		if opts.verbose {
			fmt.Fprintf(out, "%s smoothed=%6.2f gyro=%-5t conf=%d\n",
				e.Timestamp.Format("15:04:05.000"), st.Smoothed, s.Gyro.Present(), st.Confirmations)
		}
		if fall {
			falls++
			fmt.Fprintf(out, "FALL at %s (smoothed %.2f)\n", e.Timestamp.Format(time.RFC3339Nano), st.Smoothed)
		}
	}

	th := det.Thresholds()
	fmt.Fprintf(out, "events=%d evaluated=%d falls=%d thresholds: high=%.2f low=%.2f impact=%.2f gyro=%.2f\n",
		len(events), evaluated, falls, th.HighAccel, th.LowAccel, th.Impact, th.Gyro)
	return nil
}
