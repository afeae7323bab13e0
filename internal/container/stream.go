package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"signal-trader-go/broker"
	"signal-trader-go/infrastructure/logger"
	"signal-trader-go/reconcile"
)

// streamComponent 券商推送流组件。收到订单更新事件后逐用户做
// 单笔增量对账，未知订单由对账器自行跳过。断流由 Stream 内部
// 退避重连，整轮拉取对账仍按周期运行兜底。
type streamComponent struct {
	stream      *broker.Stream
	reconcilers map[string]*reconcile.Monitor
	logger      *logger.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func (s *streamComponent) Name() string { return "broker_stream" }

func (s *streamComponent) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		err := s.stream.Run(ctx, s.handleUpdate, func(err error) {
			s.logger.LogError(err, map[string]interface{}{"component": "broker_stream"})
		})
		if err != nil && ctx.Err() == nil {
			s.logger.LogError(err, map[string]interface{}{
				"component": "broker_stream",
				"action":    "run",
			})
		}
	}()

	s.started = true
	return nil
}

func (s *streamComponent) handleUpdate(u broker.OrderUpdate) error {
	b := u.ToBrokerOrder()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for uid, r := range s.reconcilers {
		if err := r.ReconcileOne(ctx, uid, &b); err != nil {
			s.logger.LogError(err, map[string]interface{}{
				"component":       "broker_stream",
				"owner_user_id":   uid,
				"broker_order_id": u.BrokerOrderID,
			})
		}
	}
	return nil
}

func (s *streamComponent) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
	}
	s.started = false
	return nil
}

func (s *streamComponent) Health() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return fmt.Errorf("broker stream not started")
	}
	return nil
}
