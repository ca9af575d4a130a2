/*
Package analytics aggregates cached detection records into the summaries
shown on the analytics view: a 7-day activity series, per-source counts,
confidence bands and overall totals.

Confidence always means a record's maximum score (0 when it has none).
Days are calendar days in the location of the supplied reference time.
*/
package analytics

import (
	"time"

	"github.com/khanglvm/weapon-watch/internal/detection"
)

// Days is the length of the daily activity series.
const Days = 7

// Day summarizes one calendar day.
type Day struct {
	Date          string  `json:"date"`
	Label         string  `json:"label"`
	Detections    int     `json:"detections"`
	WithWeapons   int     `json:"weapons"`
	AvgConfidence float64 `json:"avgConfidence"`
}

// Source summarizes one source type.
type Source struct {
	Source      detection.SourceType `json:"source"`
	Count       int                  `json:"count"`
	WithWeapons int                  `json:"weapons"`
}

// Band counts records whose confidence falls in [Min, Max).
type Band struct {
	Label string  `json:"range"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// Report is the full analytics summary.
type Report struct {
	TotalDetections   int     `json:"totalDetections"`
	TotalWeapons      int     `json:"totalWeapons"`
	DetectionRate     float64 `json:"detectionRate"`
	AvgProcessingTime float64 `json:"avgProcessingTime"`

	WeekDetections int `json:"weekDetections"`
	WeekWeapons    int `json:"weekWeapons"`

	HighConfidence   int `json:"highConfidence"`
	MediumConfidence int `json:"mediumConfidence"`
	LowConfidence    int `json:"lowConfidence"`

	Daily   []Day    `json:"daily"`
	Sources []Source `json:"sources"`
	Bands   []Band   `json:"confidenceBands"`
}

// bandEdges are the lower bounds of the confidence bands, highest first.
var bandEdges = []struct {
	label string
	min   float64
	max   float64
}{
	{"90-100%", 0.9, 1.0},
	{"80-90%", 0.8, 0.9},
	{"70-80%", 0.7, 0.8},
	{"60-70%", 0.6, 0.7},
	{"<60%", 0, 0.6},
}

// Summarize computes the report for detections as of now.
func Summarize(detections []detection.Detection, now time.Time) Report {
	r := Report{
		TotalDetections: len(detections),
		Daily:           dailySeries(detections, now),
		Sources:         make([]Source, len(detection.SourceTypes)),
		Bands:           make([]Band, len(bandEdges)),
	}

	for i, st := range detection.SourceTypes {
		r.Sources[i].Source = st
	}
	for i, e := range bandEdges {
		r.Bands[i] = Band{Label: e.label, Min: e.min, Max: e.max}
	}

	var processing float64
	for _, d := range detections {
		r.TotalWeapons += d.WeaponCount
		processing += d.ProcessingTime

		for i := range r.Sources {
			if r.Sources[i].Source == d.SourceType {
				r.Sources[i].Count++
				if d.HasWeapons() {
					r.Sources[i].WithWeapons++
				}
			}
		}

		conf := d.MaxConfidence()
		r.Bands[bandIndex(conf)].Count++
		switch {
		case conf > 0.8:
			r.HighConfidence++
		case conf >= 0.6:
			r.MediumConfidence++
		default:
			r.LowConfidence++
		}
	}

	if len(detections) > 0 {
		r.AvgProcessingTime = processing / float64(len(detections))
		r.DetectionRate = float64(r.TotalWeapons) / float64(len(detections))
	}
	for _, day := range r.Daily {
		r.WeekDetections += day.Detections
		r.WeekWeapons += day.WithWeapons
	}

	return r
}

func bandIndex(conf float64) int {
	for i, e := range bandEdges {
		if conf >= e.min {
			return i
		}
	}
	return len(bandEdges) - 1
}

// dailySeries buckets records into the Days calendar days ending today.
func dailySeries(detections []detection.Detection, now time.Time) []Day {
	loc := now.Location()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	days := make([]Day, Days)
	index := make(map[string]int, Days)
	for i := range days {
		day := today.AddDate(0, 0, i-(Days-1))
		key := day.Format("2006-01-02")
		days[i] = Day{Date: key, Label: day.Format("Jan 02")}
		index[key] = i
	}

	confSums := make([]float64, Days)
	for _, d := range detections {
		if d.Timestamp.IsZero() {
			continue
		}
		i, ok := index[d.Time().In(loc).Format("2006-01-02")]
		if !ok {
			continue
		}
		days[i].Detections++
		if d.HasWeapons() {
			days[i].WithWeapons++
		}
		confSums[i] += d.MaxConfidence()
	}

	for i := range days {
		if days[i].Detections > 0 {
			days[i].AvgConfidence = confSums[i] / float64(days[i].Detections)
		}
	}
	return days
}
