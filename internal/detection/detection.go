/*
Package detection defines the records exchanged with the weapon-detection backend.

A Detection is one reported inference result (image upload, video job or live
frame). The backend owns inference and persistence; this package only describes
the JSON shapes and a few read-only helpers over them.

Schema (as served by GET /history and pushed over /ws):
  {
    "id": "3f2b...",
    "timestamp": "2024-05-01T12:30:00.123456",
    "source_type": "Image Upload",
    "weapon_count": 2,
    "confidence_scores": [0.91, 0.47],
    "processing_time": 0.31,
    "class_names": ["pistol", "knife"],
    "image_path": "detection_images/3f2b....jpg"
  }
*/
package detection

import (
	"strings"
	"time"
)

// SourceType is the origin of a detection record.
type SourceType string

const (
	// ImageUpload is a single uploaded image.
	ImageUpload SourceType = "Image Upload"

	// VideoUpload is a record produced by a processed video job.
	VideoUpload SourceType = "Video Upload"

	// Webcam is a live frame captured by the client.
	Webcam SourceType = "Webcam"
)

// SourceTypes lists the known sources in display order.
var SourceTypes = []SourceType{ImageUpload, VideoUpload, Webcam}

// ParseSourceType accepts either the wire value ("Image Upload") or the
// compact form ("ImageUpload", "image-upload", "webcam").
func ParseSourceType(s string) (SourceType, bool) {
	key := strings.ToLower(strings.NewReplacer(" ", "", "-", "", "_", "").Replace(s))
	switch key {
	case "imageupload", "image":
		return ImageUpload, true
	case "videoupload", "video":
		return VideoUpload, true
	case "webcam":
		return Webcam, true
	}
	return "", false
}

// Detection is a single detection record.
type Detection struct {
	// ID uniquely identifies the record.
	ID string `json:"id"`

	// Timestamp is when the backend produced the detection.
	Timestamp Timestamp `json:"timestamp"`

	// SourceType is the origin of the record.
	SourceType SourceType `json:"source_type"`

	// WeaponCount is reported by the backend and never recomputed here.
	WeaponCount int `json:"weapon_count"`

	// ConfidenceScores holds one score in [0,1] per detected object.
	ConfidenceScores []float64 `json:"confidence_scores"`

	// ProcessingTime is the inference time in seconds.
	ProcessingTime float64 `json:"processing_time"`

	// ClassNames names each detected object, parallel to ConfidenceScores.
	ClassNames []string `json:"class_names"`

	// ImagePath references an artifact held by the backend, if any.
	ImagePath string `json:"image_path,omitempty"`
}

// MaxConfidence returns the highest confidence score, or 0 when there are none.
func (d Detection) MaxConfidence() float64 {
	max := 0.0
	for i, score := range d.ConfidenceScores {
		if i == 0 || score > max {
			max = score
		}
	}
	return max
}

// HasWeapons reports whether the backend counted at least one weapon.
func (d Detection) HasWeapons() bool {
	return d.WeaponCount > 0
}

// Time returns the record timestamp as a time.Time.
func (d Detection) Time() time.Time {
	return d.Timestamp.Time
}

// Clone returns a copy that shares no slices with d.
func (d Detection) Clone() Detection {
	out := d
	if d.ConfidenceScores != nil {
		out.ConfidenceScores = append([]float64(nil), d.ConfidenceScores...)
	}
	if d.ClassNames != nil {
		out.ClassNames = append([]string(nil), d.ClassNames...)
	}
	return out
}

// CloneAll copies a slice of records.
func CloneAll(in []Detection) []Detection {
	if in == nil {
		return []Detection{}
	}
	out := make([]Detection, len(in))
	for i, d := range in {
		out[i] = d.Clone()
	}
	return out
}
