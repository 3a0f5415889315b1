// Package producer exposes the task submission surface: an HTTP API for
// single and batch submissions and a supervisor generating demo traffic.
package producer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/clue/log"

	"goa.design/taskq/publish"
	"goa.design/taskq/task"
)

// ErrAlreadyRunning is returned by Start when the supervisor is active.
var ErrAlreadyRunning = errors.New("supervisor already running")

// Supervisor generates demo tasks at a fixed interval. It owns its running
// state: Start launches the loop, Stop cancels it and waits for it to drain.
type Supervisor struct {
	pub      *publish.Publisher
	interval time.Duration
	rng      *rand.Rand
	rngMu    sync.Mutex

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	generated atomic.Int64
}

// NewSupervisor returns a stopped supervisor publishing through pub.
func NewSupervisor(pub *publish.Publisher, interval time.Duration) *Supervisor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Supervisor{
		pub:      pub,
		interval: interval,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start launches the generation loop. The loop stops when Stop is called or
// ctx is canceled.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(loopCtx, s.done)
	log.Info(ctx, log.KV{K: "msg", V: "auto-task supervisor started"},
		log.KV{K: "interval", V: s.interval})
	return nil
}

// Stop cancels the loop and waits for it to finish. Stopping a stopped
// supervisor is a no-op.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the loop is active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Generated returns the number of demo tasks published since creation.
func (s *Supervisor) Generated() int64 {
	return s.generated.Load()
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		t := s.demoTask()
		if err := s.pub.Publish(ctx, t); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "demo task publish failed"},
				log.KV{K: "task_id", V: t.ID})
			continue
		}
		s.generated.Add(1)
	}
}

// demoTask builds a randomized task exercising the full routing surface.
func (s *Supervisor) demoTask() *task.Task {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()

	types := task.Types()
	typ := types[s.rng.Intn(len(types))]
	t := task.New(typ, fmt.Sprintf("auto-%s-%d", typ, s.generated.Load()+1))
	t.Description = "generated by the auto-task supervisor"
	t.ManualPriority = s.rng.Intn(11)

	tiers := []task.Tier{task.TierFree, task.TierPremium, task.TierEnterprise}
	priorities := []task.BusinessPriority{task.BusinessLow, task.BusinessNormal, task.BusinessHigh, task.BusinessCritical}
	size := task.BaselineInputSize(typ) * int64(1+s.rng.Intn(4))
	t.Features = &task.Features{
		UserID:           fmt.Sprintf("demo-user-%d", s.rng.Intn(10)),
		UserTier:         tiers[s.rng.Intn(len(tiers))],
		BusinessPriority: priorities[s.rng.Intn(len(priorities))],
		InputSizeBytes:   &size,
	}

	switch typ {
	case task.TypeEmailNotification:
		t.Parameters = map[string]any{"subject": "demo", "template": "digest"}
	case task.TypeReportGeneration:
		t.Parameters = map[string]any{"report_name": "demo", "format": "pdf"}
	case task.TypeWebhookDelivery:
		t.Parameters = map[string]any{"url": "https://example.com/hook", "event_type": "demo"}
	}
	return t
}
