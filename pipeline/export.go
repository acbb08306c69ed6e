package pipeline

import (
	"errors"
	"fmt"
	"os"

	"gocv.io/x/gocv"
)

const VideoCodec = "mp4v"

var ErrNoFrames = errors.New("no frames to export")

// EncodeImage encodes a BGR frame, ext is one of gocv.PNGFileExt or
// gocv.JPEGFileExt.
func EncodeImage(frame gocv.Mat, ext gocv.FileExt) ([]byte, error) {
	buf, err := gocv.IMEncode(ext, frame)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ext, err)
	}
	defer buf.Close()
	// GetBytes aliases native memory, copy before the buffer is freed
	return append([]byte(nil), buf.GetBytes()...), nil
}

// ToRGB returns an RGB copy of a BGR frame for display outside OpenCV.
func ToRGB(frame gocv.Mat) gocv.Mat {
	rgb := gocv.NewMat()
	gocv.CvtColor(frame, &rgb, gocv.ColorBGRToRGB)
	return rgb
}

// WriteVideo re-encodes the accumulated frames into path using the
// properties captured when the source was opened.
func WriteVideo(path string, res *VideoResult) error {
	if res.Count() == 0 {
		return ErrNoFrames
	}
	fps := res.Props.FPS
	if fps <= 0 {
		fps = 25
	}
	w, h := res.Props.Width, res.Props.Height
	if w <= 0 || h <= 0 {
		w, h = res.Frames[0].Cols(), res.Frames[0].Rows()
	}
	vw, err := gocv.VideoWriterFile(path, VideoCodec, fps, w, h, true)
	if err != nil {
		return fmt.Errorf("open writer %s: %w", path, err)
	}
	defer vw.Close()
	if !vw.IsOpened() {
		return fmt.Errorf("open writer %s: codec %s unavailable", path, VideoCodec)
	}
	for i, f := range res.Frames {
		if err := vw.Write(f); err != nil {
			return fmt.Errorf("write frame %d: %w", i, err)
		}
	}
	return nil
}

// EncodeVideo writes the result to a temporary mp4 under dir and returns
// its bytes. The temporary file is always removed.
func EncodeVideo(dir string, res *VideoResult) ([]byte, error) {
	f, err := os.CreateTemp(dir, "annotated-*.mp4")
	if err != nil {
		return nil, err
	}
	path := f.Name()
	_ = f.Close()
	defer os.Remove(path)
	if err := WriteVideo(path, res); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}
