package rpc

import (
	"encoding/base64"
	"errors"
	"fmt"
	"image"

	iface "SawitDetServer/interface"

	"google.golang.org/protobuf/types/known/structpb"
)

var errMalformed = errors.New("malformed message")

func encodePredictRequest(img []byte, conf float32) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"image":      base64.StdEncoding.EncodeToString(img),
		"confidence": float64(conf),
	})
}

func decodePredictRequest(req *structpb.Struct) ([]byte, float32, error) {
	fields := req.GetFields()
	img, ok := fields["image"]
	if !ok {
		return nil, 0, fmt.Errorf("%w: missing image", errMalformed)
	}
	data, err := base64.StdEncoding.DecodeString(img.GetStringValue())
	if err != nil {
		return nil, 0, fmt.Errorf("%w: image is not base64: %v", errMalformed, err)
	}
	return data, float32(fields["confidence"].GetNumberValue()), nil
}

func encodeDetections(dets []iface.Detection) (*structpb.Struct, error) {
	list := make([]any, 0, len(dets))
	for _, d := range dets {
		list = append(list, map[string]any{
			"box": []any{
				float64(d.Box.Min.X), float64(d.Box.Min.Y),
				float64(d.Box.Max.X), float64(d.Box.Max.Y),
			},
			"confidence": float64(d.Confidence),
			"class":      float64(d.Class),
		})
	}
	return structpb.NewStruct(map[string]any{"detections": list})
}

func decodeDetections(resp *structpb.Struct) ([]iface.Detection, error) {
	values := resp.GetFields()["detections"].GetListValue().GetValues()
	dets := make([]iface.Detection, 0, len(values))
	for i, v := range values {
		fields := v.GetStructValue().GetFields()
		box := fields["box"].GetListValue().GetValues()
		if len(box) != 4 {
			return nil, fmt.Errorf("%w: detection %d has %d box coordinates", errMalformed, i, len(box))
		}
		dets = append(dets, iface.Detection{
			Box: image.Rect(
				int(box[0].GetNumberValue()), int(box[1].GetNumberValue()),
				int(box[2].GetNumberValue()), int(box[3].GetNumberValue()),
			),
			Confidence: float32(fields["confidence"].GetNumberValue()),
			Class:      int(fields["class"].GetNumberValue()),
		})
	}
	return dets, nil
}

func encodeConfig(cfg iface.EngineConfig) (*structpb.Struct, error) {
	names := make([]any, len(cfg.Names))
	for i, n := range cfg.Names {
		names[i] = n
	}
	return structpb.NewStruct(map[string]any{
		"backend":   cfg.Backend,
		"modelPath": cfg.ModelPath,
		"names":     names,
		"conf":      float64(cfg.Conf),
		"iou":       float64(cfg.Iou),
		"inputSize": float64(cfg.InputSize),
	})
}

func decodeConfig(s *structpb.Struct) iface.EngineConfig {
	fields := s.GetFields()
	cfg := iface.EngineConfig{
		Backend:   fields["backend"].GetStringValue(),
		ModelPath: fields["modelPath"].GetStringValue(),
		Conf:      float32(fields["conf"].GetNumberValue()),
		Iou:       float32(fields["iou"].GetNumberValue()),
		InputSize: int(fields["inputSize"].GetNumberValue()),
	}
	for _, n := range fields["names"].GetListValue().GetValues() {
		cfg.Names = append(cfg.Names, n.GetStringValue())
	}
	return cfg
}
