package web

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"SawitDetServer/logger"
	"SawitDetServer/pipeline"
	"SawitDetServer/session"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

const (
	videoDownloadName = "hasil_deteksi_video.mp4"
	msgVideoDetected  = "Deteksi Berhasil!"
	msgVideoNotFound  = "Objek TBS tidak ditemukan dalam video!"

	wsWriteWait = 10 * time.Second

	// a long video keeps its session alive every this many frames
	touchEvery = 25
)

var errUploadChanged = errors.New("video was replaced while it was being processed")

type videoSummary struct {
	Status               pipeline.Status `json:"status"`
	Message              string          `json:"message"`
	Frames               int             `json:"frames"`
	FramesWithDetections int             `json:"framesWithDetections"`
	Detections           int             `json:"detections"`
	FPS                  float64         `json:"fps"`
	Width                int             `json:"width"`
	Height               int             `json:"height"`
	Confidence           float32         `json:"confidence"`
	DownloadReady        bool            `json:"downloadVideoReady"`
}

func summarize(res *pipeline.VideoResult, conf float32) videoSummary {
	sum := videoSummary{
		Status:               pipeline.StatusNotFound,
		Message:              msgVideoNotFound,
		Frames:               res.Count(),
		FramesWithDetections: res.FramesWithDetections(),
		Detections:           res.TotalDetections(),
		FPS:                  res.Props.FPS,
		Width:                res.Props.Width,
		Height:               res.Props.Height,
		Confidence:           conf,
		DownloadReady:        res.Count() > 0,
	}
	if sum.FramesWithDetections > 0 {
		sum.Status = pipeline.StatusDetected
		sum.Message = msgVideoDetected
	}
	return sum
}

// saveUpload copies the uploaded video into uploadDir under a fresh name,
// keeping its extension so the decoder can pick a demuxer.
func (s *Server) saveUpload(c *gin.Context, fh *multipart.FileHeader) (string, error) {
	f, err := os.CreateTemp(s.uploadDir, "upload-*"+filepath.Ext(fh.Filename))
	if err != nil {
		return "", err
	}
	path := f.Name()
	_ = f.Close()
	if err := c.SaveUploadedFile(fh, path); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

func (s *Server) handleVideoUpload(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.Get(id); err != nil {
		abortWithError(c, err)
		return
	}
	fh, err := s.formFile(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	path, err := s.saveUpload(c, fh)
	if err != nil {
		abortWithError(c, err)
		return
	}
	err = s.store.Update(id, func(st *session.State) error {
		st.SetUpload(fh.Filename, path)
		return nil
	})
	if err != nil {
		_ = os.Remove(path)
		abortWithError(c, err)
		return
	}
	logger.Log().Info("video uploaded", zap.String("sessionID", id), zap.String("name", fh.Filename), zap.Int64("size", fh.Size))
	snap, err := s.store.Get(id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": snap})
}

// openSessionVideo opens the session's uploaded video. Every failure here
// happens before any frame is produced.
func (s *Server) openSessionVideo(ctx context.Context, c *gin.Context) (*pipeline.VideoStream, float32, string, error) {
	conf, err := s.confidence(c)
	if err != nil {
		return nil, 0, "", err
	}
	id := c.Param("id")
	var path string
	err = s.store.View(id, func(st *session.State) error {
		if st.VideoPath == "" {
			return errNoUpload
		}
		path = st.VideoPath
		return nil
	})
	if err != nil {
		return nil, 0, "", err
	}
	opts := []pipeline.VideoOption{
		pipeline.WithClassTable(s.classes),
		pipeline.WithProgress(func(idx int) {
			if idx%touchEvery == 0 {
				_ = s.store.Touch(id)
			}
		}),
	}
	if s.opener != nil {
		opts = append(opts, pipeline.WithOpener(s.opener))
	}
	stream, err := pipeline.OpenVideo(ctx, path, s.model, conf, opts...)
	if err != nil {
		return nil, 0, "", err
	}
	return stream, conf, path, nil
}

// finishVideo moves a fully consumed stream's frames into the session.
func (s *Server) finishVideo(id, path string, stream *pipeline.VideoStream, conf float32) (videoSummary, error) {
	res := stream.Result()
	sum := summarize(res, conf)
	if s.metrics != nil {
		s.metrics.VideosStreamed.Inc()
		s.metrics.FramesAnnotated.Add(float64(res.Count()))
	}
	err := s.store.Update(id, func(st *session.State) error {
		if st.VideoPath != path {
			return errUploadChanged
		}
		st.Confidence = conf
		st.SetVideo(res)
		return nil
	})
	if err != nil {
		res.Close()
		return videoSummary{}, err
	}
	logger.Log().Info("video processed", zap.String("sessionID", id), zap.Int("frames", sum.Frames),
		zap.Int("framesWithDetections", sum.FramesWithDetections))
	return sum, nil
}

func (s *Server) handleVideoDetect(c *gin.Context) {
	id := c.Param("id")
	stream, conf, path, err := s.openSessionVideo(c.Request.Context(), c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := stream.Drain(); err != nil {
		stream.Close()
		abortWithError(c, err)
		return
	}
	sum, err := s.finishVideo(id, path, stream, conf)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sum})
}

func framePayload(frame gocv.Mat, rgb bool) ([]byte, error) {
	if !rgb {
		return pipeline.EncodeImage(frame, gocv.JPEGFileExt)
	}
	m := pipeline.ToRGB(frame)
	defer m.Close()
	return m.ToBytes(), nil
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	// control frames carry at most 123 bytes of reason
	if len(reason) > 120 {
		reason = reason[:120]
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

// handleVideoStream sends every annotated frame as a binary message while
// the video is processed, then one JSON text message with the summary.
// format=rgb sends raw RGB pixels instead of JPEG. A client that goes away
// stops the stream and nothing is kept.
func (s *Server) handleVideoStream(c *gin.Context) {
	id := c.Param("id")
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// check before upgrading so errors are plain JSON
	stream, conf, path, err := s.openSessionVideo(ctx, c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		stream.Close()
		return
	}
	defer conn.Close()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	rgb := c.Query("format") == "rgb"
	sent := 0
	var sendErr error
	for _, frame := range stream.Frames() {
		if ctx.Err() != nil {
			sendErr = ctx.Err()
			break
		}
		payload, err := framePayload(frame, rgb)
		if err != nil {
			sendErr = err
			break
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
			sendErr = err
			break
		}
		sent++
	}
	if sendErr != nil {
		logger.Log().Info("video stream stopped early", zap.String("sessionID", id), zap.Int("framesSent", sent), zap.Error(sendErr))
		stream.Close()
		return
	}
	if err := stream.Err(); err != nil {
		stream.Close()
		writeClose(conn, websocket.CloseInternalServerErr, err.Error())
		return
	}
	sum, err := s.finishVideo(id, path, stream, conf)
	if err != nil {
		writeClose(conn, websocket.CloseInternalServerErr, err.Error())
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(sum); err != nil {
		logger.Log().Warn("failed to send video summary", zap.String("sessionID", id), zap.Error(err))
		return
	}
	writeClose(conn, websocket.CloseNormalClosure, fmt.Sprintf("%d frames", sum.Frames))
}

func (s *Server) handleVideoResult(c *gin.Context) {
	var data []byte
	err := s.store.View(c.Param("id"), func(st *session.State) error {
		if st.Video.Count() == 0 {
			return session.ErrNoResult
		}
		var err error
		data, err = pipeline.EncodeVideo(s.uploadDir, st.Video)
		return err
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", videoDownloadName))
	c.Data(http.StatusOK, "video/mp4", data)
}
