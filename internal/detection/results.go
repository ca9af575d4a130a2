package detection

import (
	"time"

	"github.com/google/uuid"
)

// Box is one object found in a live frame.
type Box struct {
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
	Confidence float64 `json:"confidence"`
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
}

// FrameResult is the response of POST /detect/frame.
type FrameResult struct {
	WeaponCount      int       `json:"weapon_count"`
	ConfidenceScores []float64 `json:"confidence_scores"`
	ProcessingTime   float64   `json:"processing_time"`
	Detections       []Box     `json:"detections"`
}

// VideoJob is the response of POST /detect/video/upload.
type VideoJob struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ModelInfo is the response of GET /model/info.
type ModelInfo struct {
	ClassNames map[int]string `json:"class_names"`
	ModelPath  string         `json:"model_path"`
}

// FromFrame turns a live frame result into a Webcam record.
// Scores and class names come from the individual boxes so both slices
// stay parallel.
func FromFrame(result FrameResult, now time.Time) Detection {
	scores := make([]float64, 0, len(result.Detections))
	classes := make([]string, 0, len(result.Detections))
	for _, box := range result.Detections {
		scores = append(scores, box.Confidence)
		classes = append(classes, box.ClassName)
	}

	return Detection{
		ID:               "webcam-" + uuid.NewString(),
		Timestamp:        NewTimestamp(now),
		SourceType:       Webcam,
		WeaponCount:      result.WeaponCount,
		ConfidenceScores: scores,
		ProcessingTime:   result.ProcessingTime,
		ClassNames:       classes,
	}
}
