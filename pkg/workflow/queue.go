package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/metrics"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/redis"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/tracing"
)

const (
	DefaultBatchSize     = 10
	DefaultBlockTimeout  = 5 * time.Second
	DefaultClaimInterval = 30 * time.Second
	DefaultClaimMinIdle  = 5 * time.Minute
	DefaultResultTTL     = 24 * time.Hour
	DefaultPollInterval  = 500 * time.Millisecond
)

// QueueConfig holds configuration for the Redis Streams unit queue
type QueueConfig struct {
	Stream        string
	ConsumerGroup string
	// ConsumerName is unique per instance
	ConsumerName  string
	BatchSize     int64
	BlockTimeout  time.Duration
	ClaimInterval time.Duration
	ClaimMinIdle  time.Duration
	ResultTTL     time.Duration
	PollInterval  time.Duration
	WorkerCount   int
}

func DefaultQueueConfig() QueueConfig {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = uuid.New().String()[:8]
	}
	return QueueConfig{
		Stream:        "reconciler:units",
		ConsumerGroup: "reconciler-workers",
		ConsumerName:  hostname,
		BatchSize:     DefaultBatchSize,
		BlockTimeout:  DefaultBlockTimeout,
		ClaimInterval: DefaultClaimInterval,
		ClaimMinIdle:  DefaultClaimMinIdle,
		ResultTTL:     DefaultResultTTL,
		PollInterval:  DefaultPollInterval,
		WorkerCount:   4,
	}
}

func (c QueueConfig) withDefaults() QueueConfig {
	d := DefaultQueueConfig()
	if c.Stream == "" {
		c.Stream = d.Stream
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = d.ConsumerGroup
	}
	if c.ConsumerName == "" {
		c.ConsumerName = d.ConsumerName
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = d.BlockTimeout
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = d.ClaimInterval
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = d.ClaimMinIdle
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = d.ResultTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = d.WorkerCount
	}
	return c
}

type storedResult struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Queue publishes units to a Redis stream and runs them on any instance
// consuming the same group. Unacknowledged units are claimed after ClaimMinIdle.
type Queue struct {
	streams  *redis.Streams
	registry *Registry
	config   QueueConfig
	logger   ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	unitsCh  chan redis.StreamMessage

	running bool
	mu      sync.Mutex
}

var _ Client = (*Queue)(nil)

func NewQueue(streams *redis.Streams, registry *Registry, config QueueConfig, logger ectologger.Logger) *Queue {
	config = config.withDefaults()
	return &Queue{
		streams:  streams,
		registry: registry,
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
		unitsCh:  make(chan redis.StreamMessage, config.BatchSize*2),
	}
}

func (q *Queue) runKey(id string) string    { return q.config.Stream + ":run:" + id }
func (q *Queue) resultKey(id string) string { return q.config.Stream + ":result:" + id }

// Start publishes a unit. A unit with the same id that has not finished is
// rejected with ErrAlreadyStarted.
func (q *Queue) Start(ctx context.Context, name string, opts StartOptions) (Handle, error) {
	ctx, span := tracing.StartSpan(ctx, "workflow.Queue.Start")
	defer span.End()

	if _, err := q.registry.Lookup(name); err != nil {
		return nil, err
	}
	args, err := encodeArgs(opts.Args)
	if err != nil {
		return nil, err
	}

	fresh, err := q.streams.Claimed(ctx, q.runKey(opts.ID), q.config.ResultTTL)
	if err != nil {
		return nil, fmt.Errorf("reserve workflow %s: %w", opts.ID, err)
	}
	if !fresh {
		return nil, ErrAlreadyStarted
	}
	if err := q.streams.Forget(ctx, q.resultKey(opts.ID)); err != nil {
		return nil, err
	}

	unit := &redis.UnitMessage{ID: opts.ID, Name: name, Args: args}
	if _, err := q.streams.Publish(ctx, q.config.Stream, unit); err != nil {
		_ = q.streams.Forget(ctx, q.runKey(opts.ID))
		return nil, err
	}
	return q.GetHandle(opts.ID), nil
}

func (q *Queue) GetHandle(id string) Handle {
	return &queueHandle{queue: q, id: id}
}

type queueHandle struct {
	queue *Queue
	id    string
}

func (h *queueHandle) ID() string { return h.id }

// Result polls the stored outcome until it appears or ctx is done.
func (h *queueHandle) Result(ctx context.Context) (json.RawMessage, error) {
	ticker := time.NewTicker(h.queue.config.PollInterval)
	defer ticker.Stop()

	for {
		raw, ok, err := h.queue.streams.GetResult(ctx, h.queue.resultKey(h.id))
		if err != nil {
			return nil, err
		}
		if ok {
			var stored storedResult
			if err := json.Unmarshal(raw, &stored); err != nil {
				return nil, fmt.Errorf("decode workflow result %s: %w", h.id, err)
			}
			if stored.Error != "" {
				return stored.Result, errors.New(stored.Error)
			}
			return stored.Result, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run starts the consumer, claimer and workers. It returns once they are running.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return errors.New("queue already running")
	}
	q.running = true
	q.mu.Unlock()

	q.logger.WithContext(ctx).Infof("Starting unit queue: stream=%s group=%s consumer=%s workers=%d",
		q.config.Stream, q.config.ConsumerGroup, q.config.ConsumerName, q.config.WorkerCount)

	if err := q.streams.CreateConsumerGroup(ctx, q.config.Stream, q.config.ConsumerGroup); err != nil {
		q.logger.WithContext(ctx).WithError(err).Error("Failed to create consumer group")
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	var wg sync.WaitGroup
	for i := 0; i < q.config.WorkerCount; i++ {
		wg.Add(1)
		go q.worker(loopCtx, &wg)
	}

	var loops sync.WaitGroup
	loops.Add(2)
	go q.consumeLoop(loopCtx, &loops)
	go q.claimLoop(loopCtx, &loops)

	go func() {
		<-q.stopCh
		cancel()
		loops.Wait()
		close(q.unitsCh)
		wg.Wait()
		close(q.stoppedC)
	}()
	return nil
}

// Stop stops consuming and waits for in-flight units to finish.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	q.mu.Unlock()

	close(q.stopCh)

	select {
	case <-q.stoppedC:
		q.logger.WithContext(ctx).Info("Unit queue stopped gracefully")
		return nil
	case <-ctx.Done():
		q.logger.WithContext(ctx).Warn("Unit queue shutdown timed out")
		return ctx.Err()
	}
}

func (q *Queue) consumeLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		messages, err := q.streams.Consume(ctx, q.config.Stream, q.config.ConsumerGroup,
			q.config.ConsumerName, q.config.BatchSize, q.config.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.WithContext(ctx).WithError(err).Warn("Failed to consume units")
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range messages {
			select {
			case q.unitsCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (q *Queue) claimLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(q.config.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.claimPending(ctx)
		}
	}
}

func (q *Queue) claimPending(ctx context.Context) {
	pending, err := q.streams.Pending(ctx, q.config.Stream, q.config.ConsumerGroup, q.config.BatchSize)
	if err != nil {
		q.logger.WithContext(ctx).WithError(err).Warn("Failed to list pending units")
		return
	}

	var stale []string
	for _, msg := range pending {
		if msg.Idle >= q.config.ClaimMinIdle {
			stale = append(stale, msg.ID)
		}
	}
	if len(stale) == 0 {
		return
	}

	claimed, err := q.streams.Claim(ctx, q.config.Stream, q.config.ConsumerGroup, q.config.ConsumerName, q.config.ClaimMinIdle, stale...)
	if err != nil {
		q.logger.WithContext(ctx).WithError(err).Warn("Failed to claim pending units")
		return
	}
	q.logger.WithContext(ctx).Infof("Claimed %d stale units", len(claimed))

	for _, msg := range claimed {
		select {
		case q.unitsCh <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) worker(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for msg := range q.unitsCh {
		q.process(context.WithoutCancel(ctx), msg)
	}
}

func (q *Queue) process(ctx context.Context, msg redis.StreamMessage) {
	ctx, span := tracing.StartSpan(ctx, "workflow.Queue.process")
	defer span.End()

	logger := q.logger.WithContext(ctx).WithFields(map[string]any{
		"unit_id":   msg.Unit.ID,
		"unit_name": msg.Unit.Name,
	})

	stored := storedResult{}
	fn, err := q.registry.Lookup(msg.Unit.Name)
	if err == nil {
		stopHeartbeat := q.heartbeat(ctx, msg.ID)
		metrics.WorkflowUnitsInFlight.Inc()
		stored.Result, err = fn(ctx, msg.Unit.Args)
		metrics.WorkflowUnitsInFlight.Dec()
		stopHeartbeat()
	}
	if errors.Is(err, ErrBusy) {
		logger.WithError(err).Info("Unit is running on another worker, leaving it pending")
		return
	}
	if err != nil {
		stored.Error = err.Error()
		metrics.RecordWorkflowUnit(msg.Unit.Name, "failed")
		logger.WithError(err).Warn("Unit failed")
	} else {
		metrics.RecordWorkflowUnit(msg.Unit.Name, "succeeded")
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		logger.WithError(err).Error("Failed to encode unit result")
		return
	}
	if err := q.streams.SetResult(ctx, q.resultKey(msg.Unit.ID), raw, q.config.ResultTTL); err != nil {
		logger.WithError(err).Error("Failed to store unit result, it will be claimed again")
		return
	}
	if err := q.streams.Forget(ctx, q.runKey(msg.Unit.ID)); err != nil {
		logger.WithError(err).Warn("Failed to release unit run key")
	}
	if err := q.streams.Ack(ctx, q.config.Stream, q.config.ConsumerGroup, msg.ID); err != nil {
		logger.WithError(err).Warnf("Failed to ack unit message %s", msg.ID)
	}
}

// heartbeat keeps msgID's idle time below ClaimMinIdle while it runs.
func (q *Queue) heartbeat(ctx context.Context, msgID string) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(q.heartbeatInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := q.streams.Touch(ctx, q.config.Stream, q.config.ConsumerGroup, q.config.ConsumerName, msgID); err != nil && ctx.Err() == nil {
					q.logger.WithContext(ctx).WithError(err).Warnf("Failed to refresh unit message %s", msgID)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (q *Queue) heartbeatInterval() time.Duration {
	return q.config.ClaimMinIdle / 3
}
