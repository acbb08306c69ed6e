package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	iface "SawitDetServer/interface"
	"SawitDetServer/logger"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

const DefaultRemoteTimeout = 10 * time.Second

// RemoteDetector forwards frames to another detection server speaking the
// /api/predict JSON protocol.
type RemoteDetector struct {
	BaseURL string
	Names   []string
	client  *resty.Client
}

func NewRemoteDetector(baseURL string, timeout time.Duration, names []string) *RemoteDetector {
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	return &RemoteDetector{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Names:   names,
		client:  resty.New().SetTimeout(timeout),
	}
}

func (r *RemoteDetector) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{
		Backend:   BackendHTTP,
		ModelPath: r.BaseURL,
		Names:     append([]string(nil), r.Names...),
	}
}

func (r *RemoteDetector) Predict(ctx context.Context, frame gocv.Mat, conf float32) ([]iface.Detection, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	reqBody := PredictRequest{
		Image:      base64.StdEncoding.EncodeToString(buf.GetBytes()),
		Confidence: conf,
	}
	buf.Close()

	var respBody PredictResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		SetResult(&respBody).
		Post(r.BaseURL + "/api/predict")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemote, err)
	}
	if resp.IsError() {
		logger.Log().Error("remote detector returned error", zap.String("status", resp.Status()), zap.String("body", resp.String()))
		return nil, fmt.Errorf("%w: %s", ErrRemote, resp.Status())
	}
	if !respBody.Success {
		return nil, fmt.Errorf("%w: %s", ErrRemote, respBody.Message)
	}
	// the server is not trusted to have applied conf
	return iface.FilterByConfidence(FromWire(respBody.Detections), conf), nil
}

func (r *RemoteDetector) Close() error {
	return nil
}
