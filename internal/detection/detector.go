// Package detection validates uploaded X-ray images and hands them to the
// object-detection model, which runs out of process.
package detection

import (
	"context"
	"errors"
	"fmt"
)

var ErrUnavailable = errors.New("detector is not configured")

// Detection is one bounding box in pixel coordinates, BBox being
// [x1, y1, x2, y2].
type Detection struct {
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
}

type Detector interface {
	Detect(ctx context.Context, img Image) ([]Detection, error)
}

type unavailable struct{}

// Unavailable returns a Detector that fails every call with ErrUnavailable.
func Unavailable() Detector {
	return unavailable{}
}

func (unavailable) Detect(context.Context, Image) ([]Detection, error) {
	return nil, ErrUnavailable
}

// Summary is the sentence fed back to the chat as context after an analysis.
func Summary(dets []Detection) string {
	if len(dets) == 0 {
		return ""
	}
	return fmt.Sprintf("The user just analyzed an X-ray and found %d wisdom teeth.", len(dets))
}
