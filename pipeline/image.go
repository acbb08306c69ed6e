// Package pipeline runs the detection model over images and videos and
// hands back annotated frames.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"SawitDetServer/annotate"
	iface "SawitDetServer/interface"
	"SawitDetServer/logger"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// ErrSourceUnavailable means the image or video could not be opened or
// decoded. It is reported to the caller and never retried.
var ErrSourceUnavailable = errors.New("source unavailable")

type Status string

const (
	StatusDetected Status = "detected"
	StatusNotFound Status = "not_found"
)

type ImageResult struct {
	Status     Status
	Detections []iface.Detection
	// Annotated is only set when Status is StatusDetected. Release with Close.
	Annotated gocv.Mat
	Width     int
	Height    int
}

func (r *ImageResult) Found() bool {
	return r != nil && r.Status == StatusDetected
}

func (r *ImageResult) Close() error {
	if !r.Found() {
		return nil
	}
	err := r.Annotated.Close()
	r.Status = StatusNotFound
	return err
}

// DecodeImage turns encoded image bytes into a BGR frame.
func DecodeImage(data []byte) (gocv.Mat, error) {
	if len(data) == 0 {
		return gocv.NewMat(), fmt.Errorf("%w: empty image", ErrSourceUnavailable)
	}
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if mat.Empty() {
		_ = mat.Close()
		return gocv.NewMat(), fmt.Errorf("%w: decoded image is empty or unsupported format", ErrSourceUnavailable)
	}
	return mat, nil
}

// DetectImage decodes data, runs the model once and annotates the result.
// Zero detections is reported as StatusNotFound, not as an error.
func DetectImage(ctx context.Context, data []byte, model iface.Predictor, conf float32, table *annotate.ClassTable) (*ImageResult, error) {
	frame, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}
	defer frame.Close()
	return DetectFrame(ctx, frame, model, conf, table)
}

// DetectFrame is DetectImage for an already decoded frame. frame is not
// modified.
func DetectFrame(ctx context.Context, frame gocv.Mat, model iface.Predictor, conf float32, table *annotate.ClassTable) (*ImageResult, error) {
	dets, err := model.Predict(ctx, frame, conf)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	res := &ImageResult{
		Status:     StatusNotFound,
		Detections: dets,
		Width:      frame.Cols(),
		Height:     frame.Rows(),
	}
	if len(dets) == 0 {
		logger.Log().Debug("no objects found in image", zap.Float32("confidence", conf))
		return res, nil
	}
	res.Status = StatusDetected
	res.Annotated = annotate.Annotate(frame, dets, table)
	return res, nil
}
