package detector

import (
	"fmt"
	"strings"

	"gami-sentinel/internal/features"
)

// explain produces a human-readable explanation for a verdict. Rule
// threshold hits are accumulated in feature order; an anomalous verdict
// with no rule hits falls back to a generic statistical explanation.
func (d *Detector) explain(v features.Vector, anomalous bool) string {
	var reasons []string

	if v[features.EventFrequency] > d.config.MaxFrequencyHour {
		reasons = append(reasons, fmt.Sprintf("event frequency %.1f/h exceeds %.0f/h",
			v[features.EventFrequency], d.config.MaxFrequencyHour))
	}
	if v[features.XPRate] > d.config.MaxXPRateHour {
		reasons = append(reasons, fmt.Sprintf("xp rate %.1f/h exceeds %.0f/h",
			v[features.XPRate], d.config.MaxXPRateHour))
	}
	if v[features.ActionDiversity] < d.config.MinDiversity {
		reasons = append(reasons, fmt.Sprintf("action diversity %.3f below %.2f",
			v[features.ActionDiversity], d.config.MinDiversity))
	}
	if v[features.BurstScore] > d.config.MaxBurstScore {
		reasons = append(reasons, fmt.Sprintf("burst score %.2f exceeds %.2f",
			v[features.BurstScore], d.config.MaxBurstScore))
	}
	// Average interval is stored in hours; the threshold is in seconds.
	if secs := v[features.AvgInterval] * 3600; secs > 0 && secs < d.config.MinIntervalSecs {
		reasons = append(reasons, fmt.Sprintf("average interval %.1fs below %.0fs",
			secs, d.config.MinIntervalSecs))
	}

	if len(reasons) == 0 {
		if anomalous {
			return "statistical anomaly detected by isolation forest"
		}
		return "no anomalous behavior detected"
	}
	return strings.Join(reasons, "; ")
}
