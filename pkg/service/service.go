// Package service runs the transcoder as a worker: it claims transcode
// requests from the message bus, runs them one at a time, and publishes
// the result to the request's result channel.
package service

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hlspipe/hlspipe/pkg/config"
	"github.com/hlspipe/hlspipe/pkg/logger"
	"github.com/hlspipe/hlspipe/pkg/messaging"
	"github.com/hlspipe/hlspipe/pkg/transcoder"
)

type Status string

const (
	Available   Status = "available"
	Transcoding Status = "transcoding"
)

// Result is published on the request's result channel when a job ends.
type Result struct {
	Id         string `json:"id"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	OutputDir  string `json:"output_dir,omitempty"`
}

type Service struct {
	conf *config.Config
	bus  messaging.Bus
	tc   *transcoder.Transcoder

	ctx      context.Context
	status   atomic.Value // Status
	shutdown chan struct{}
	kill     chan struct{}
}

func NewService(conf *config.Config, bus messaging.Bus) *Service {
	s := &Service{
		conf:     conf,
		bus:      bus,
		tc:       transcoder.NewTranscoder(conf),
		ctx:      context.Background(),
		shutdown: make(chan struct{}, 1),
		kill:     make(chan struct{}, 1),
	}
	s.status.Store(Available)
	return s
}

// Start blocks consuming the request channel until Stop is called.
func (s *Service) Start() error {
	logger.Debugw("starting transcoding worker")

	requests, err := s.bus.Subscribe(s.ctx, messaging.RequestChannel)
	if err != nil {
		return err
	}
	defer requests.Close()

	for {
		s.status.Store(Available)
		logger.Debugw("worker waiting")

		select {
		case <-s.shutdown:
			logger.Debugw("shutting down")
			return nil
		case msg, ok := <-requests.Channel():
			if !ok {
				return nil
			}

			req := &config.TranscodeRequest{}
			if err := json.Unmarshal(msg, req); err != nil {
				logger.Errorw("malformed request", err)
				continue
			}
			if req.Id == "" {
				req.Id = uuid.NewString()
			}

			s.status.Store(Transcoding)
			logger.Infow("request claimed", "id", req.Id, "variant", req.Variant)

			res := s.transcode(req)
			b, _ := json.Marshal(res)
			if err := s.bus.Publish(s.ctx, messaging.ResultChannel(req.Id), b); err != nil {
				logger.Errorw("failed to publish result", err, "id", req.Id)
			}
		}
	}
}

func (s *Service) transcode(req *config.TranscodeRequest) *Result {
	res := &Result{Id: req.Id}
	startedAt := time.Now()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		select {
		case <-s.kill:
			s.tc.Stop()
		case <-ctx.Done():
		}
	}()

	if err := s.tc.Transcode(ctx, req); err != nil {
		logger.Errorw("transcode failed", err, "id", req.Id)
		res.Error = err.Error()
		return res
	}

	res.DurationMs = time.Since(startedAt).Milliseconds()
	res.OutputDir = req.OutputDir
	return res
}

func (s *Service) Status() Status {
	return s.status.Load().(Status)
}

// Stop ends the worker loop after the current job; kill stops the
// in-flight job as well.
func (s *Service) Stop(kill bool) {
	s.shutdown <- struct{}{}
	if kill {
		s.kill <- struct{}{}
	}
}
