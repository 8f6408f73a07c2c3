package strava

import (
	"fmt"
	"time"
)

// NormalizedActivity is the reshaped activity served to the tool: metric
// units, ISO week bucketing, and derived training-load fields.
type NormalizedActivity struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Date        string   `json:"date"` // "2006-01-02 15:04"
	SufferScore *float64 `json:"suffer_score"`
	DistanceKm  float64  `json:"distance_km"`
	TimeMoving  int64    `json:"time_moving"`
	TimeElapsed int64    `json:"time_elapsed"`
	AvgHR       *float64 `json:"avg_hr"`
	AvgWatts    *float64 `json:"avg_watts"`
	Elevation   float64  `json:"elevation"`
	Year        int      `json:"year"`
	Month       int      `json:"month"`
	Week        int      `json:"week"`
	Type        string   `json:"type"`
	Commute     bool     `json:"commute"`
	AvgCadence  *float64 `json:"avg_cadence"`
	Intensity   float64  `json:"intensity,omitempty"`
	Charge      float64  `json:"charge,omitempty"`
	YearWeek    string   `json:"year_week"`
}

// Normalize reshapes a raw Strava activity. Intensity is suffer score per
// moving hour; charge weights it by distance.
func Normalize(raw Activity) NormalizedActivity {
	d := parseActivityDate(raw)
	isoYear, isoWeek := d.ISOWeek()
	distanceKm := raw.Distance / 1000

	var intensity float64
	if raw.SufferScore != nil && *raw.SufferScore > 0 && raw.MovingTime > 0 {
		intensity = *raw.SufferScore / (float64(raw.MovingTime) / 3600)
	}
	var charge float64
	if intensity > 0 && distanceKm > 0 {
		charge = distanceKm * intensity
	}

	return NormalizedActivity{
		ID:          raw.ID,
		Name:        raw.Name,
		Date:        d.Format("2006-01-02 15:04"),
		SufferScore: raw.SufferScore,
		DistanceKm:  distanceKm,
		TimeMoving:  raw.MovingTime,
		TimeElapsed: raw.ElapsedTime,
		AvgHR:       raw.AverageHeartrate,
		AvgWatts:    raw.AverageWatts,
		Elevation:   raw.TotalElevationGain,
		Year:        isoYear,
		Month:       int(d.Month()),
		Week:        isoWeek,
		Type:        raw.Type,
		Commute:     raw.Commute,
		AvgCadence:  raw.AverageCadence,
		Intensity:   intensity,
		Charge:      charge,
		YearWeek:    fmt.Sprintf("%d-%d", isoYear, isoWeek),
	}
}

// NormalizeAll reshapes a slice of raw activities.
func NormalizeAll(raws []Activity) []NormalizedActivity {
	out := make([]NormalizedActivity, 0, len(raws))
	for _, raw := range raws {
		out = append(out, Normalize(raw))
	}
	return out
}

// parseActivityDate prefers the athlete-local start time; Strava reports it
// with a Z suffix even though it is wall-clock local time.
func parseActivityDate(raw Activity) time.Time {
	for _, value := range []string{raw.StartDateLocal, raw.StartDate} {
		if value == "" {
			continue
		}
		if d, err := time.Parse(time.RFC3339, value); err == nil {
			return d
		}
	}
	return time.Time{}
}
