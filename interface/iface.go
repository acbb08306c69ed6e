package iface

import (
	"context"
	"image"

	"gocv.io/x/gocv"
)

// Detection is one object found in one frame. Box is in pixel space of the
// source frame (Min = left/top, Max = right/bottom).
type Detection struct {
	Box        image.Rectangle `json:"box"`
	Confidence float32         `json:"confidence"`
	Class      int             `json:"class"`
}

type EngineConfig struct {
	Backend   string   `json:"backend"`
	ModelPath string   `json:"modelPath"`
	Names     []string `json:"names"`
	Conf      float32  `json:"conf"`
	Iou       float32  `json:"iou"`
	InputSize int      `json:"inputSize"`
}

// Predictor is the detection model. Implementations return only detections
// whose confidence is at least conf.
type Predictor interface {
	Predict(ctx context.Context, frame gocv.Mat, conf float32) ([]Detection, error)
	CheckConfig() EngineConfig
	Close() error
}

// FilterByConfidence drops detections below conf, keeping order.
func FilterByConfidence(dets []Detection, conf float32) []Detection {
	out := dets[:0:0]
	for _, d := range dets {
		if d.Confidence >= conf {
			out = append(out, d)
		}
	}
	return out
}
