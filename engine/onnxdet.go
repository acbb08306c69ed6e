package engine

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"

	iface "SawitDetServer/interface"
	"SawitDetServer/logger"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

const DefaultInputSize = 640
const DefaultIou = 0.45

// Detector runs a YOLOv8 ONNX export through the OpenCV DNN module.
// The underlying net is not safe for concurrent use, calls are serialised.
type Detector struct {
	ModelPath string
	Names     []string
	Conf      float32
	Iou       float32
	InputSize int
	UseGPU    bool
	State     int

	mu  sync.Mutex
	net gocv.Net
}

func NewDetector(inputSize int) *Detector {
	return &Detector{InputSize: inputSize, State: UNREGISTERED}
}

func (d *Detector) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{
		Backend:   BackendOnnx,
		ModelPath: d.ModelPath,
		Names:     append([]string(nil), d.Names...),
		Conf:      d.Conf,
		Iou:       d.Iou,
		InputSize: d.InputSize,
	}
}

func (d *Detector) LoadModel(modelPath string, names []string, conf float32, iou float32, useGPU bool) error {
	if !strings.HasSuffix(modelPath, ".onnx") {
		return fmt.Errorf("onnx.LoadModel only supports .onnx, got %s", modelPath)
	}
	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return fmt.Errorf("%w: cannot read %s", ErrModelNotLoaded, modelPath)
	}
	if useGPU {
		_ = net.SetPreferableBackend(gocv.NetBackendCUDA)
		_ = net.SetPreferableTarget(gocv.NetTargetCUDA)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.net = net
	d.ModelPath = modelPath
	d.Names = names
	d.Conf = conf
	d.Iou = iou
	if d.Iou <= 0 {
		d.Iou = DefaultIou
	}
	d.UseGPU = useGPU
	if d.InputSize <= 0 {
		d.InputSize = DefaultInputSize
	}
	d.State = IDLE
	logger.Log().Info("Loaded onnx model", zap.String("ModelPath", modelPath), zap.Int("InputSize", d.InputSize), zap.Bool("UseGPU", useGPU))
	return nil
}

func (d *Detector) SetInputSize(size int) {
	d.mu.Lock()
	d.InputSize = size
	d.mu.Unlock()
}

func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State != IDLE {
		return nil
	}
	err := d.net.Close()
	d.ModelPath = ""
	d.Conf = 0
	d.Iou = 0
	d.UseGPU = false
	d.State = UNREGISTERED
	return err
}

func (d *Detector) Predict(ctx context.Context, frame gocv.Mat, conf float32) ([]iface.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame.Empty() {
		return nil, fmt.Errorf("empty frame")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State != IDLE {
		return nil, ErrModelNotLoaded
	}
	d.State = BUSY
	defer func() { d.State = IDLE }()

	width, height := frame.Cols(), frame.Rows()
	maxDim := max(width, height)
	square := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), maxDim, maxDim, gocv.MatTypeCV8UC3)
	defer square.Close()
	roi := square.Region(image.Rect(0, 0, width, height))
	frame.CopyTo(&roi)
	roi.Close()

	blob := gocv.BlobFromImage(square, 1.0/255.0, image.Pt(d.InputSize, d.InputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	dims := out.Size()
	if len(dims) != 3 || dims[1] < 5 {
		return nil, fmt.Errorf("unexpected output shape %v", dims)
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	scale := float32(maxDim) / float32(d.InputSize)
	cands := decodeYOLO(data, dims[1], dims[2], scale, conf)
	return suppress(cands, d.Iou, conf, image.Rect(0, 0, width, height)), nil
}

// decodeYOLO reads a [attrs x anchors] YOLOv8 head: rows 0-3 are
// cx, cy, w, h in network pixels, the remaining rows are class scores.
func decodeYOLO(data []float32, attrs, anchors int, scale float32, conf float32) []iface.Detection {
	if len(data) < attrs*anchors {
		return nil
	}
	var dets []iface.Detection
	for a := 0; a < anchors; a++ {
		best, bestScore := -1, float32(0)
		for c := 4; c < attrs; c++ {
			if s := data[c*anchors+a]; s > bestScore {
				best, bestScore = c-4, s
			}
		}
		if best < 0 || bestScore < conf {
			continue
		}
		cx, cy := data[a], data[anchors+a]
		w, h := data[2*anchors+a], data[3*anchors+a]
		dets = append(dets, iface.Detection{
			Box: image.Rect(
				int((cx-w/2)*scale), int((cy-h/2)*scale),
				int((cx+w/2)*scale), int((cy+h/2)*scale),
			),
			Confidence: bestScore,
			Class:      best,
		})
	}
	return dets
}

// suppress clips candidates to the frame and runs per-class NMS by
// shifting each class into its own region.
func suppress(cands []iface.Detection, iou, conf float32, bounds image.Rectangle) []iface.Detection {
	clipped := cands[:0:0]
	for _, c := range cands {
		c.Box = c.Box.Intersect(bounds)
		if !c.Box.Empty() {
			clipped = append(clipped, c)
		}
	}
	if len(clipped) == 0 {
		return nil
	}
	offset := max(bounds.Dx(), bounds.Dy()) + 1
	boxes := make([]image.Rectangle, len(clipped))
	scores := make([]float32, len(clipped))
	for i, c := range clipped {
		boxes[i] = c.Box.Add(image.Pt(c.Class*offset, c.Class*offset))
		scores[i] = c.Confidence
	}
	keep := gocv.NMSBoxes(boxes, scores, conf, iou)
	out := make([]iface.Detection, 0, len(keep))
	for _, k := range keep {
		out = append(out, clipped[k])
	}
	return out
}
