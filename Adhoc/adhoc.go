// Package Adhoc announces this detector to a registry server so a pool of
// front-ends can discover its /api/predict endpoint.
package Adhoc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"SawitDetServer/logger"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const TimeOutSeconds = 5

type RegisterRequest struct {
	Id        string   `json:"id"`
	URL       string   `json:"url"`
	Backend   string   `json:"backend"`
	Classes   []string `json:"classes"`
	TimeStamp int64    `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type Announcer struct {
	RegistryURL string
	Interval    time.Duration
	self        RegisterRequest
	client      *resty.Client
	now         func() time.Time
}

// NewAnnouncer describes this instance once; the id stays the same for the
// life of the process.
func NewAnnouncer(registryURL, selfURL, backend string, classes []string) *Announcer {
	return &Announcer{
		RegistryURL: strings.TrimRight(registryURL, "/"),
		Interval:    TimeOutSeconds * time.Second,
		self: RegisterRequest{
			Id:      uuid.NewString(),
			URL:     selfURL,
			Backend: backend,
			Classes: classes,
		},
		client: resty.New().SetTimeout(TimeOutSeconds * time.Second),
		now:    time.Now,
	}
}

func (a *Announcer) ID() string {
	return a.self.Id
}

// SendAliveMessage posts one heartbeat.
func (a *Announcer) SendAliveMessage(ctx context.Context) error {
	reqBody := a.self
	reqBody.TimeStamp = a.now().Unix()
	var respBody RegisterResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		SetResult(&respBody).
		Post(a.RegistryURL + "/api/register")
	if err != nil {
		return fmt.Errorf("register request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("registry returned %s: %s", resp.Status(), resp.String())
	}
	if !respBody.Success {
		return fmt.Errorf("registry refused %s", a.self.Id)
	}
	return nil
}

// Run heartbeats until ctx is done. Failures are logged and retried on the
// next tick.
func (a *Announcer) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	send := func() {
		if err := a.SendAliveMessage(ctx); err != nil && ctx.Err() == nil {
			logger.Log().Error("SendAliveMessage failed", zap.String("registry", a.RegistryURL), zap.Error(err))
		}
	}
	send()
	ticker := time.NewTicker(a.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("SendAliveMessage context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			send()
		}
	}
}
