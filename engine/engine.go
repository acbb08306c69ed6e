package engine

import (
	"errors"
	"fmt"
	"image"
	"time"

	iface "SawitDetServer/interface"
)

const UNREGISTERED = 0x0001
const IDLE = 0x0003
const BUSY = 0x0004

const (
	BackendOnnx = "onnx"
	BackendHTTP = "http"
	BackendGRPC = "grpc"
)

var (
	ErrModelNotLoaded     = errors.New("model not loaded")
	ErrUnsupportedBackend = errors.New("unsupported backend")
	ErrRemote             = errors.New("remote detector error")
)

// WireDetection is the JSON shape of a detection shared by the HTTP
// backend and the /api/predict endpoint. Box is left, top, right, bottom.
type WireDetection struct {
	Box        [4]float32 `json:"box"`
	Confidence float32    `json:"confidence"`
	Class      int        `json:"class"`
}

type PredictRequest struct {
	Image      string  `json:"image"` // base64 JPEG
	Confidence float32 `json:"confidence"`
}

type PredictResponse struct {
	Success    bool            `json:"success"`
	Detections []WireDetection `json:"detections"`
	Message    string          `json:"message,omitempty"`
}

func ToWire(dets []iface.Detection) []WireDetection {
	out := make([]WireDetection, len(dets))
	for i, d := range dets {
		out[i] = WireDetection{
			Box:        [4]float32{float32(d.Box.Min.X), float32(d.Box.Min.Y), float32(d.Box.Max.X), float32(d.Box.Max.Y)},
			Confidence: d.Confidence,
			Class:      d.Class,
		}
	}
	return out
}

func FromWire(wire []WireDetection) []iface.Detection {
	out := make([]iface.Detection, len(wire))
	for i, w := range wire {
		out[i] = iface.Detection{
			Box:        image.Rect(int(w.Box[0]), int(w.Box[1]), int(w.Box[2]), int(w.Box[3])),
			Confidence: w.Confidence,
			Class:      w.Class,
		}
	}
	return out
}

// Options select and configure a local or HTTP backend. The gRPC backend
// lives in package rpc.
type Options struct {
	Backend       string
	ModelPath     string
	Names         []string
	Conf          float32
	Iou           float32
	InputSize     int
	UseGPU        bool
	RemoteURL     string
	RemoteTimeout time.Duration
}

// New builds the backend named by opts.Backend.
func New(opts Options) (iface.Predictor, error) {
	switch opts.Backend {
	case BackendOnnx, "":
		d := NewDetector(opts.InputSize)
		if err := d.LoadModel(opts.ModelPath, opts.Names, opts.Conf, opts.Iou, opts.UseGPU); err != nil {
			return nil, err
		}
		return d, nil
	case BackendHTTP:
		if opts.RemoteURL == "" {
			return nil, fmt.Errorf("%w: http backend needs a remote URL", ErrUnsupportedBackend)
		}
		return NewRemoteDetector(opts.RemoteURL, opts.RemoteTimeout, opts.Names), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, opts.Backend)
	}
}
