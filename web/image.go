package web

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"SawitDetServer/pipeline"
	"SawitDetServer/session"

	"github.com/gin-gonic/gin"
	"gocv.io/x/gocv"
)

const (
	imageDownloadName = "hasil_deteksi.png"
	msgImageDetected  = "Deteksi Berhasil!"
	msgImageNotFound  = "Objek TBS tidak ditemukan dalam gambar!"
)

// formFile returns the multipart "file" field, enforcing the upload limit.
func (s *Server) formFile(c *gin.Context) (*multipart.FileHeader, error) {
	if s.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: file upload failed: %v", errBadInput, err)
	}
	return fh, nil
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

type imageResponse struct {
	Status        pipeline.Status `json:"status"`
	Message       string          `json:"message"`
	Confidence    float32         `json:"confidence"`
	Width         int             `json:"width"`
	Height        int             `json:"height"`
	Detections    []detectionJSON `json:"detections"`
	DownloadReady bool            `json:"downloadImageReady"`
}

func (s *Server) handleImage(c *gin.Context) {
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
	conf, err := s.confidence(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	data, err := readFormFile(fh)
	if err != nil {
		abortWithError(c, err)
		return
	}

	res, err := pipeline.DetectImage(c.Request.Context(), data, s.model, conf, s.classes)
	if err != nil {
		abortWithError(c, err)
		return
	}
	resp := imageResponse{
		Status:        res.Status,
		Message:       msgImageNotFound,
		Confidence:    conf,
		Width:         res.Width,
		Height:        res.Height,
		Detections:    s.detectionsJSON(res.Detections),
		DownloadReady: res.Found(),
	}
	if res.Found() {
		resp.Message = msgImageDetected
	}
	if s.metrics != nil {
		if res.Found() {
			s.metrics.ImagesDetected.Inc()
		} else {
			s.metrics.ImagesNotFound.Inc()
		}
	}

	err = s.store.Update(id, func(st *session.State) error {
		st.Confidence = conf
		st.SetImage(fh.Filename, res)
		return nil
	})
	if err != nil {
		// session expired while the model was running
		_ = res.Close()
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) handleImageResult(c *gin.Context) {
	var data []byte
	err := s.store.View(c.Param("id"), func(st *session.State) error {
		if !st.Image.Found() {
			return session.ErrNoResult
		}
		var err error
		data, err = pipeline.EncodeImage(st.Image.Annotated, gocv.PNGFileExt)
		return err
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", imageDownloadName))
	c.Data(http.StatusOK, "image/png", data)
}
