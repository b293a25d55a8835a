// Package pool implements the Worker Pool (spec §4.2): per-user worker
// slots with two-tier (foreground/background) dispatch, instance and
// per-user concurrency caps, and gap-filling slot reuse.
package pool

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zkoranges/goclaw-engine/internal/bus"
	"github.com/zkoranges/goclaw-engine/internal/config"
	"github.com/zkoranges/goclaw-engine/internal/store"
)

// Runner processes one claimed task to completion. The pool never knows
// what a task actually does; Run is supplied by the composition root and
// closes over the prompt assembler, executor, and delivery path.
type Runner interface {
	Run(ctx context.Context, task *store.Task) error
}

// slotKey identifies a worker slot (spec §4.2 keying).
type slotKey struct {
	UserID    string
	QueueType string
	SlotIndex int
}

// Pool owns the in-process worker-slot registry and the dispatch loop.
// The registry is the one piece of shared mutable state guarded by a
// single lock, per spec §5.
type Pool struct {
	store  *store.Store
	bus    *bus.Bus
	cfg    config.Config
	runner Runner
	logger *slog.Logger

	mu       sync.Mutex
	slots    map[slotKey]context.CancelFunc
	lastUser map[string]string // queueType -> last user served, for round-robin

	wg sync.WaitGroup
}

// New constructs a Pool. cfg is read fresh on every Dispatch call so that
// a config reload changes caps without restarting the daemon.
func New(st *store.Store, eventBus *bus.Bus, cfg config.Config, runner Runner, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:    st,
		bus:      eventBus,
		cfg:      cfg,
		runner:   runner,
		logger:   logger,
		slots:    make(map[slotKey]context.CancelFunc),
		lastUser: make(map[string]string),
	}
}

// SetConfig swaps the configuration consulted by the next Dispatch tick.
func (p *Pool) SetConfig(cfg config.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

// ActiveCount returns the number of live worker slots for a queue type,
// optionally scoped to one user.
func (p *Pool) ActiveCount(queueType, userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for k := range p.slots {
		if k.QueueType != queueType {
			continue
		}
		if userID != "" && k.UserID != userID {
			continue
		}
		n++
	}
	return n
}

func (p *Pool) instanceCap(queueType string) int {
	if queueType == store.QueueBackground {
		return p.cfg.Background.InstanceMax
	}
	return p.cfg.Foreground.InstanceMax
}

func (p *Pool) userCap(queueType, userID string) int {
	if queueType == store.QueueBackground {
		return p.cfg.EffectiveBackgroundCap(userID)
	}
	return p.cfg.EffectiveForegroundCap(userID)
}

// Dispatch runs one tick of the dispatch algorithm (spec §4.2) for both
// queue types in order {foreground, background}.
func (p *Pool) Dispatch(ctx context.Context) {
	for _, qt := range []string{store.QueueForeground, store.QueueBackground} {
		p.dispatchQueue(ctx, qt)
	}
	if p.bus != nil {
		p.bus.Publish(bus.TopicDispatchTick, nil)
	}
}

func (p *Pool) dispatchQueue(ctx context.Context, queueType string) {
	p.mu.Lock()
	cap := p.instanceCap(queueType)
	active := 0
	for k := range p.slots {
		if k.QueueType == queueType {
			active++
		}
	}
	headroom := cap - active
	p.mu.Unlock()
	if headroom <= 0 {
		return
	}

	users, err := p.store.GetUsersWithPending(ctx, queueType)
	if err != nil {
		p.logger.Error("dispatch_get_users_with_pending_failed", slog.String("error", err.Error()))
		return
	}
	if len(users) == 0 {
		return
	}
	users = p.roundRobinOrder(queueType, users)

	for _, userID := range users {
		if headroom <= 0 {
			break
		}
		pending, err := p.store.CountPendingForUserQueue(ctx, userID, queueType)
		if err != nil {
			p.logger.Error("dispatch_count_pending_failed", slog.String("user_id", userID), slog.String("error", err.Error()))
			continue
		}
		if pending == 0 {
			continue
		}

		p.mu.Lock()
		userActive := 0
		for k := range p.slots {
			if k.QueueType == queueType && k.UserID == userID {
				userActive++
			}
		}
		p.mu.Unlock()

		userCap := p.userCap(queueType, userID)
		userHeadroom := userCap - userActive
		if userHeadroom > pending {
			userHeadroom = pending
		}
		spawn := userHeadroom
		if spawn > headroom {
			spawn = headroom
		}
		for i := 0; i < spawn; i++ {
			slotIdx := p.lowestFreeSlot(queueType, userID)
			p.spawnWorker(ctx, userID, queueType, slotIdx)
			headroom--
		}
	}

	p.mu.Lock()
	if len(users) > 0 {
		p.lastUser[queueType] = users[len(users)-1]
	}
	p.mu.Unlock()
}

// roundRobinOrder rotates users so dispatch starts just after the last
// user served on this queue type (spec §4.2 step 3).
func (p *Pool) roundRobinOrder(queueType string, users []string) []string {
	p.mu.Lock()
	last := p.lastUser[queueType]
	p.mu.Unlock()

	sort.Strings(users)
	if last == "" {
		return users
	}
	idx := -1
	for i, u := range users {
		if u > last {
			idx = i
			break
		}
	}
	if idx == -1 {
		return users
	}
	return append(append([]string{}, users[idx:]...), users[:idx]...)
}

// lowestFreeSlot finds the smallest slot_index not currently occupied for
// this (user, queue_type) pair — dispatch must fill gaps (spec §4.2).
func (p *Pool) lowestFreeSlot(queueType, userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for idx := 0; ; idx++ {
		k := slotKey{UserID: userID, QueueType: queueType, SlotIndex: idx}
		if _, taken := p.slots[k]; !taken {
			return idx
		}
	}
}

func (p *Pool) spawnWorker(ctx context.Context, userID, queueType string, slotIndex int) {
	workerCtx, cancel := context.WithCancel(ctx)
	key := slotKey{UserID: userID, QueueType: queueType, SlotIndex: slotIndex}

	p.mu.Lock()
	p.slots[key] = cancel
	p.mu.Unlock()

	if p.bus != nil {
		p.bus.Publish(bus.TopicWorkerSpawned, bus.WorkerEvent{UserID: userID, QueueType: queueType, SlotIndex: slotIndex})
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		w := &worker{
			store:     p.store,
			runner:    p.runner,
			logger:    p.logger,
			userID:    userID,
			queueType: queueType,
			slotIndex: slotIndex,
			idleTimeout: time.Duration(p.cfg.WorkerIdleTimeoutSec) * time.Second,
			retryCfg: store.RetryConfig{
				MaxRetryAgeMinutes:  p.cfg.MaxRetryAgeMinutes,
				StaleLockMinutes:    p.cfg.StaleLockMinutes,
				ExecutionTimeoutMin: p.cfg.ExecutionTimeoutMin,
				MaxAttempts:         p.cfg.MaxAttempts,
			},
		}
		w.run(workerCtx)

		p.mu.Lock()
		delete(p.slots, key)
		p.mu.Unlock()
		if p.bus != nil {
			p.bus.Publish(bus.TopicWorkerExited, bus.WorkerEvent{UserID: userID, QueueType: queueType, SlotIndex: slotIndex})
		}
	}()
}

// RequestCancel locates the slot running taskID's worker and cancels its
// context, per worker_pid lookup semantics (spec §4.2 step 3). The actual
// SIGTERM-to-child happens inside the executor, which polls
// cancel_requested; this cancels the worker's own goroutine context as a
// secondary signal for anything selecting on it.
func (p *Pool) CancelSlot(userID, queueType string, slotIndex int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := slotKey{UserID: userID, QueueType: queueType, SlotIndex: slotIndex}
	if cancel, ok := p.slots[key]; ok {
		cancel()
	}
}

// Shutdown cancels every worker and waits for them to exit.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	for _, cancel := range p.slots {
		cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}
