package uaclient

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

func DefaultHousekeepingSettings() *HousekeepingSettings {
	return &HousekeepingSettings{
		Interval: 5 * time.Second,
	}
}

type HousekeepingSettings struct {
	Interval time.Duration
}

type HousekeepingStats struct {
	DiscoveryStatus    Status
	ReconnectedCount   int
	ResubmittedCount   int
	RemainingItemCount int
}

// periodically runs discovery, reconnects failed sessions and re-submits
// persisted durable requests. Retries are unbounded and there is no backoff
// beyond the interval.
type Housekeeping struct {
	ctx    context.Context
	cancel context.CancelFunc

	discoverer *Discoverer
	pool       *SessionPool
	store      *PersistentRequestStore
	dispatcher *Dispatcher
	metrics    *clientMetrics
	settings   *HousekeepingSettings

	// one tick at a time
	tickLock sync.Mutex

	stateLock sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runDone   chan struct{}
}

func NewHousekeeping(
	ctx context.Context,
	discoverer *Discoverer,
	pool *SessionPool,
	store *PersistentRequestStore,
	dispatcher *Dispatcher,
	metrics *clientMetrics,
	settings *HousekeepingSettings,
) *Housekeeping {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Housekeeping{
		ctx:        cancelCtx,
		cancel:     cancel,
		discoverer: discoverer,
		pool:       pool,
		store:      store,
		dispatcher: dispatcher,
		metrics:    metrics,
		settings:   settings,
	}
}

// starts the tick loop. Returns false if already running.
func (self *Housekeeping) Start() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.running || self.ctx.Err() != nil {
		return false
	}
	runCtx, runCancel := context.WithCancel(self.ctx)
	runDone := make(chan struct{})
	self.running = true
	self.runCancel = runCancel
	self.runDone = runDone
	go HandleError(func() {
		defer close(runDone)
		self.run(runCtx)
	}, func() {
		runCancel()
	})
	return true
}

// stops the tick loop and waits for a tick in progress
func (self *Housekeeping) Stop() {
	var runCancel context.CancelFunc
	var runDone chan struct{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if !self.running {
			return
		}
		self.running = false
		runCancel = self.runCancel
		runDone = self.runDone
		self.runCancel = nil
		self.runDone = nil
	}()
	if runCancel == nil {
		return
	}
	runCancel()
	<-runDone
}

func (self *Housekeeping) IsRunning() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.running
}

func (self *Housekeeping) run(ctx context.Context) {
	glog.V(LogLevelEvent).Infof("[hk]start (%s)\n", self.settings.Interval)
	defer glog.V(LogLevelEvent).Infof("[hk]stop\n")
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.Interval):
		}
		self.Tick(ctx)
	}
}

// one pass of discovery, reconnection and re-submission, in that order
func (self *Housekeeping) Tick(ctx context.Context) *HousekeepingStats {
	self.tickLock.Lock()
	defer self.tickLock.Unlock()

	stats := &HousekeepingStats{}

	stats.DiscoveryStatus = self.discoverer.Discover(ctx)
	switch {
	case stats.DiscoveryStatus.IsGood(), stats.DiscoveryStatus.Code == CodeNoDiscoveryUrls:
	default:
		glog.Infof("[hk]discovery = %s\n", stats.DiscoveryStatus)
	}

	stats.ReconnectedCount = self.pool.RetryFailed(ctx)

	for _, kind := range DurableServiceKinds {
		for _, item := range self.store.TakeBadItems(kind) {
			if ctx.Err() != nil {
				break
			}
			if err := self.dispatcher.resubmit(ctx, item); err != nil {
				glog.Infof("[hk]resubmit %s %d = %s\n", item.Kind, item.RequestHandle, err)
				continue
			}
			stats.ResubmittedCount += 1
		}
	}
	stats.RemainingItemCount = self.store.Len()

	self.metrics.housekeepingTick(stats.ResubmittedCount)
	glog.V(LogLevelTrace).Infof(
		"[hk]tick reconnected=%d resubmitted=%d remaining=%d\n",
		stats.ReconnectedCount,
		stats.ResubmittedCount,
		stats.RemainingItemCount,
	)
	return stats
}

func (self *Housekeeping) Close() {
	self.Stop()
	self.cancel()
}
