// Package enginetest provides a scriptable Predictor for tests.
package enginetest

import (
	"context"
	"sync"

	iface "SawitDetServer/interface"

	"gocv.io/x/gocv"
)

// Fake returns the detections scripted for each call, in order. Once the
// script runs out the last entry repeats; an empty script detects nothing.
type Fake struct {
	mu     sync.Mutex
	Script [][]iface.Detection
	Err    error
	FailAt int // call index that returns Err, -1 for every call when Err is set
	Calls  int
	Confs  []float32
	Closed bool
	Names  []string
	OnCall func(call int)
}

func NewFake(script ...[]iface.Detection) *Fake {
	return &Fake{Script: script, FailAt: -1}
}

func (f *Fake) Predict(ctx context.Context, frame gocv.Mat, conf float32) ([]iface.Detection, error) {
	f.mu.Lock()
	call := f.Calls
	f.Calls++
	f.Confs = append(f.Confs, conf)
	onCall := f.OnCall
	f.mu.Unlock()
	if onCall != nil {
		onCall(call)
	}
	if f.Err != nil && (f.FailAt < 0 || f.FailAt == call) {
		return nil, f.Err
	}
	if len(f.Script) == 0 {
		return nil, nil
	}
	i := min(call, len(f.Script)-1)
	return iface.FilterByConfidence(f.Script[i], conf), nil
}

func (f *Fake) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{Backend: "fake", ModelPath: "fake", Names: f.Names}
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls
}
