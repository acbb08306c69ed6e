package pipeline

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"SawitDetServer/annotate"
	iface "SawitDetServer/interface"
	"SawitDetServer/logger"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// FrameSource is a video decoder session. *gocv.VideoCapture satisfies it.
type FrameSource interface {
	Read(m *gocv.Mat) bool
	Get(prop gocv.VideoCaptureProperties) float64
	Close() error
}

type SourceOpener func(path string) (FrameSource, error)

// OpenCapture opens a video file through OpenCV.
func OpenCapture(path string) (FrameSource, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, err
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, fmt.Errorf("cannot open %s", path)
	}
	return vc, nil
}

// VideoProps are read once when the source is opened.
type VideoProps struct {
	FPS    float64 `json:"fps"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
}

type VideoOption func(*VideoStream)

func WithOpener(open SourceOpener) VideoOption {
	return func(s *VideoStream) { s.open = open }
}

func WithClassTable(table *annotate.ClassTable) VideoOption {
	return func(s *VideoStream) { s.table = table }
}

// WithProgress calls fn with each frame index once the frame is annotated,
// whether or not anyone is ranging over Frames.
func WithProgress(fn func(idx int)) VideoOption {
	return func(s *VideoStream) { s.progress = fn }
}

// VideoStream annotates a video one frame at a time. Frames may be ranged
// over once; the decoder is released when iteration ends for any reason,
// or by Close if Frames is never consumed.
type VideoStream struct {
	path  string
	model iface.Predictor
	conf  float32
	table *annotate.ClassTable
	open  SourceOpener
	ctx   context.Context

	progress func(idx int)

	src         FrameSource
	props       VideoProps
	releaseOnce sync.Once
	started     bool

	frames     []gocv.Mat
	detections [][]iface.Detection
	err        error
	taken      bool
}

// OpenVideo opens path and captures its properties. An unopenable source
// returns ErrSourceUnavailable before any frame is produced.
func OpenVideo(ctx context.Context, path string, model iface.Predictor, conf float32, opts ...VideoOption) (*VideoStream, error) {
	s := &VideoStream{
		path:  path,
		model: model,
		conf:  conf,
		table: annotate.Ripeness,
		open:  OpenCapture,
		ctx:   ctx,
	}
	for _, o := range opts {
		o(s)
	}
	src, err := s.open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	s.src = src
	s.props = VideoProps{
		FPS:    src.Get(gocv.VideoCaptureFPS),
		Width:  int(src.Get(gocv.VideoCaptureFrameWidth)),
		Height: int(src.Get(gocv.VideoCaptureFrameHeight)),
	}
	logger.Log().Info("video opened", zap.String("path", path), zap.Float64("fps", s.props.FPS),
		zap.Int("width", s.props.Width), zap.Int("height", s.props.Height))
	return s, nil
}

func (s *VideoStream) Props() VideoProps {
	return s.props
}

// Frames yields (index, annotated frame) in source order. The yielded Mat
// belongs to the stream's accumulator; do not Close it.
func (s *VideoStream) Frames() iter.Seq2[int, gocv.Mat] {
	return func(yield func(int, gocv.Mat) bool) {
		if s.started {
			return
		}
		s.started = true
		defer s.release()

		frame := gocv.NewMat()
		defer frame.Close()
		for idx := 0; ; idx++ {
			if !s.src.Read(&frame) || frame.Empty() {
				return
			}
			dets, err := s.model.Predict(s.ctx, frame, s.conf)
			if err != nil {
				s.err = fmt.Errorf("predict frame %d: %w", idx, err)
				logger.Log().Error("video frame prediction failed", zap.String("path", s.path), zap.Int("frame", idx), zap.Error(err))
				return
			}
			annotated := annotate.Annotate(frame, dets, s.table)
			s.frames = append(s.frames, annotated)
			s.detections = append(s.detections, dets)
			if s.progress != nil {
				s.progress(idx)
			}
			if !yield(idx, annotated) {
				return
			}
		}
	}
}

// Drain consumes the remaining frames without looking at them.
func (s *VideoStream) Drain() error {
	for range s.Frames() {
	}
	return s.err
}

// Err reports a model failure that ended iteration early.
func (s *VideoStream) Err() error {
	return s.err
}

// Count is the number of frames annotated so far.
func (s *VideoStream) Count() int {
	return len(s.frames)
}

func (s *VideoStream) release() {
	s.releaseOnce.Do(func() {
		if err := s.src.Close(); err != nil {
			logger.Log().Warn("video release failed", zap.String("path", s.path), zap.Error(err))
		}
		logger.Log().Debug("video released", zap.String("path", s.path), zap.Int("frames", len(s.frames)))
	})
}

// Result hands the accumulated frames to the caller, who must Close it.
// After Result the stream no longer owns them.
func (s *VideoStream) Result() *VideoResult {
	s.taken = true
	return &VideoResult{
		Props:      s.props,
		Frames:     s.frames,
		Detections: s.detections,
	}
}

// Close releases the decoder if iteration never finished it, and the
// accumulated frames unless Result took them.
func (s *VideoStream) Close() {
	s.release()
	if s.taken {
		return
	}
	for i := range s.frames {
		_ = s.frames[i].Close()
	}
	s.frames = nil
	s.detections = nil
}

// VideoResult is everything needed to re-encode the annotated video.
type VideoResult struct {
	Props      VideoProps
	Frames     []gocv.Mat
	Detections [][]iface.Detection
}

func (r *VideoResult) Count() int {
	if r == nil {
		return 0
	}
	return len(r.Frames)
}

// FramesWithDetections counts frames where the model found anything.
func (r *VideoResult) FramesWithDetections() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, d := range r.Detections {
		if len(d) > 0 {
			n++
		}
	}
	return n
}

func (r *VideoResult) TotalDetections() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, d := range r.Detections {
		n += len(d)
	}
	return n
}

func (r *VideoResult) Close() {
	if r == nil {
		return
	}
	for i := range r.Frames {
		_ = r.Frames[i].Close()
	}
	r.Frames = nil
	r.Detections = nil
}
