package web

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"SawitDetServer/engine"
	"SawitDetServer/pipeline"

	"github.com/gin-gonic/gin"
)

// decodeBase64Image accepts plain base64 or a data URL.
func decodeBase64Image(b64 string) ([]byte, error) {
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: image is not base64: %v", errBadInput, err)
	}
	return data, nil
}

// handlePredict runs the model on one image and answers with raw
// detections, the protocol engine.RemoteDetector speaks.
func (s *Server) handlePredict(c *gin.Context) {
	var req engine.PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		predictFailed(c, fmt.Errorf("%w: %v", errBadInput, err))
		return
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		predictFailed(c, fmt.Errorf("%w: confidence must be between 0.0 and 1.0, got %f", errBadInput, req.Confidence))
		return
	}
	data, err := decodeBase64Image(req.Image)
	if err != nil {
		predictFailed(c, err)
		return
	}
	frame, err := pipeline.DecodeImage(data)
	if err != nil {
		predictFailed(c, err)
		return
	}
	defer frame.Close()
	dets, err := s.model.Predict(c.Request.Context(), frame, req.Confidence)
	if err != nil {
		predictFailed(c, err)
		return
	}
	c.JSON(http.StatusOK, engine.PredictResponse{
		Success:    true,
		Detections: engine.ToWire(dets),
	})
}

func predictFailed(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), engine.PredictResponse{
		Success:    false,
		Detections: []engine.WireDetection{},
		Message:    err.Error(),
	})
}
