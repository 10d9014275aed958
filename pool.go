package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/plate-privacy-service/detections"
	"github.com/Tutortoise/plate-privacy-service/models"
)

const (
	DefaultPoolSize   = 4
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

var errPoolClosed = errors.New("pool is closed")

// sessionRunner is the part of detections.ModelSession the pool drives.
type sessionRunner interface {
	Run(input []float32) (detections.RawOutput, error)
	Destroy()
}

type sessionFactory func() (sessionRunner, error)

// ModelSessionPool hands out a fixed number of sessions. Each session serves one inference
// at a time, so pool size bounds concurrent inference. It implements detections.Engine.
type ModelSessionPool struct {
	sessions   chan sessionRunner
	size       int
	factory    sessionFactory
	log        logrus.FieldLogger
	mu         sync.Mutex
	closed     bool
	done       chan struct{}
	lost       int
	metrics    *PoolMetrics
	lastErrors []error
}

type PoolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	runFailures     int64
	waitTime        time.Duration
}

// PoolStats is a point-in-time copy of the pool counters.
type PoolStats struct {
	PoolSize        int      `json:"pool_size"`
	Available       int      `json:"sessions_available"`
	InUse           int      `json:"sessions_in_use"`
	TotalAcquired   int64    `json:"total_acquired"`
	TotalReleased   int64    `json:"total_released"`
	AcquireFailures int64    `json:"acquire_failures"`
	RunFailures     int64    `json:"run_failures"`
	AvgWaitMs       float64  `json:"avg_wait_ms"`
	RecentErrors    []string `json:"recent_errors,omitempty"`
}

func NewModelSessionPool(factory sessionFactory, size int, log logrus.FieldLogger) (*ModelSessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	pool := &ModelSessionPool{
		sessions: make(chan sessionRunner, size),
		size:     size,
		factory:  factory,
		log:      log,
		done:     make(chan struct{}),
		metrics:  &PoolMetrics{},
	}

	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.sessions <- session
	}

	go pool.healthCheck()

	return pool, nil
}

func (p *ModelSessionPool) Acquire(ctx context.Context) (sessionRunner, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, errPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(AcquireTimeout)
	defer timer.Stop()

	select {
	case session := <-p.sessions:
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, fmt.Errorf("timeout waiting for available session")
	case <-p.done:
		return nil, errPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *ModelSessionPool) Release(session sessionRunner) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		session.Destroy()
		return
	}
	p.sessions <- session
}

// discard drops a session whose last run failed; healthCheck replaces it.
func (p *ModelSessionPool) discard(session sessionRunner, err error) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.runFailures++
	p.metrics.mu.Unlock()

	session.Destroy()

	p.mu.Lock()
	p.lost++
	p.mu.Unlock()
	p.recordError(err)
}

// Infer runs one inference on a pooled session.
func (p *ModelSessionPool) Infer(ctx context.Context, input []float32) (detections.RawOutput, error) {
	session, err := p.Acquire(ctx)
	if err != nil {
		return detections.RawOutput{}, models.Wrap(models.ErrInference, err, "acquire model session")
	}

	out, err := session.Run(input)
	if err != nil {
		p.discard(session, err)
		return detections.RawOutput{}, err
	}
	p.Release(session)
	return out, nil
}

func (p *ModelSessionPool) Close() error {
	p.Destroy()
	return nil
}

func (p *ModelSessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.done)

	for {
		select {
		case session := <-p.sessions:
			session.Destroy()
		default:
			return
		}
	}
}

func (p *ModelSessionPool) healthCheck() {
	ticker := time.NewTicker(HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

// replenish recreates sessions discarded after failed runs.
func (p *ModelSessionPool) replenish() {
	p.mu.Lock()
	missing := p.lost
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		session, err := p.factory()
		if err != nil {
			p.recordError(err)
			p.log.WithError(err).Warn("could not recreate model session")
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			session.Destroy()
			return
		}
		p.lost--
		p.sessions <- session
		p.mu.Unlock()
	}
}

func (p *ModelSessionPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *ModelSessionPool) Stats() PoolStats {
	p.metrics.mu.RLock()
	stats := PoolStats{
		PoolSize:        p.size,
		Available:       len(p.sessions),
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
		RunFailures:     p.metrics.runFailures,
	}
	if p.metrics.totalAcquired > 0 {
		stats.AvgWaitMs = float64(p.metrics.waitTime.Microseconds()) / 1000 / float64(p.metrics.totalAcquired)
	}
	p.metrics.mu.RUnlock()

	p.mu.Lock()
	for _, err := range p.lastErrors {
		stats.RecentErrors = append(stats.RecentErrors, err.Error())
	}
	p.mu.Unlock()

	return stats
}
