package rpc

import (
	"context"
	"fmt"
	"time"

	"SawitDetServer/engine"
	iface "SawitDetServer/interface"
	"SawitDetServer/pipeline"

	"gocv.io/x/gocv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a Predictor backed by a remote sawit.DetectService.
type Client struct {
	target  string
	timeout time.Duration
	names   []string
	conn    *grpc.ClientConn
}

// Dial connects lazily to target. Without options the connection is
// plaintext.
func Dial(target string, timeout time.Duration, names []string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	if timeout <= 0 {
		timeout = engine.DefaultRemoteTimeout
	}
	return &Client{target: target, timeout: timeout, names: names, conn: conn}, nil
}

func (c *Client) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{
		Backend:   engine.BackendGRPC,
		ModelPath: c.target,
		Names:     append([]string(nil), c.names...),
	}
}

// RemoteConfig asks the server what model it is running.
func (c *Client) RemoteConfig(ctx context.Context) (iface.EngineConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, CheckEngineMethod, &emptypb.Empty{}, resp); err != nil {
		return iface.EngineConfig{}, fmt.Errorf("%w: %v", engine.ErrRemote, err)
	}
	return decodeConfig(resp), nil
}

func (c *Client) Predict(ctx context.Context, frame gocv.Mat, conf float32) ([]iface.Detection, error) {
	data, err := pipeline.EncodeImage(frame, gocv.JPEGFileExt)
	if err != nil {
		return nil, err
	}
	req, err := encodePredictRequest(data, conf)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, PredictMethod, req, resp); err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrRemote, err)
	}
	dets, err := decodeDetections(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrRemote, err)
	}
	return iface.FilterByConfidence(dets, conf), nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
