package uaclient

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ServiceKind string

const (
	ServiceRead                   ServiceKind = "Read"
	ServiceWrite                  ServiceKind = "Write"
	ServiceBrowse                 ServiceKind = "Browse"
	ServiceBrowseNext             ServiceKind = "BrowseNext"
	ServiceMethodCall             ServiceKind = "MethodCall"
	ServiceHistoryReadRawModified ServiceKind = "HistoryReadRawModified"
	ServiceCreateMonitoredData    ServiceKind = "CreateMonitoredData"
	ServiceCreateMonitoredEvents  ServiceKind = "CreateMonitoredEvents"
)

// the service kinds whose requests are persisted and retried until every target is good
var DurableServiceKinds = []ServiceKind{
	ServiceCreateMonitoredData,
	ServiceCreateMonitoredEvents,
}

func (self ServiceKind) IsDurable() bool {
	switch self {
	case ServiceCreateMonitoredData, ServiceCreateMonitoredEvents:
		return true
	default:
		return false
	}
}

// common to every request
type RequestHeader struct {
	// 0 assigns a new handle. A caller supplied handle replays the request.
	RequestHandle RequestHandle
	// 0 uses the automatic sessions
	ClientConnectionId ClientConnectionId
	// nil uses the settings for the server, else the default session settings
	SessionSettings *SessionSettings
}

// common to every result
type ResultHeader struct {
	RequestHandle RequestHandle
	// good iff every target is good
	Status Status
}

// one request travelling through the pipeline.
// A job owns a copy of the request targets and the result, which always has one entry per target.
type job interface {
	serviceKind() ServiceKind
	requestHandle() RequestHandle
	setRequestHandle(requestHandle RequestHandle)
	routing() (ClientConnectionId, *SessionSettings)
	callTimeout() time.Duration
	setOverallStatus(status Status)

	targetCount() int
	// every address of the target must resolve on the same server
	targetAddresses(rank int) []Address
	targetStatus(rank int) Status
	setTargetStatus(rank int, status Status)

	// `nodes[i]` are the resolved addresses of `ranks[i]`
	invoke(ctx context.Context, session *Session, ranks []int, nodes [][]NodeId)
}

// per target checks that do not need a server
type validator interface {
	validateTarget(rank int) Status
}

// a job that creates items meant to outlive connection loss
type durableJob interface {
	job
	// assigns a client handle to every target without one
	assignClientHandles(allocator *HandleAllocator) error
	itemInformation(rank int) MonitoredItemInformation
	clientHandle(rank int) ClientHandle
	clone() durableJob
}

// a job with server side continuation points
type continuable interface {
	job
	maxAutoContinue() int
	continuationPending(rank int) bool
	continueTargets(ctx context.Context, session *Session, ranks []int)
}

type jobBase struct {
	kind         ServiceKind
	header       RequestHeader
	resultHeader *ResultHeader
	settings     ServiceSettings
}

func newJobBase(kind ServiceKind, header RequestHeader, resultHeader *ResultHeader, settings *ServiceSettings) jobBase {
	if settings == nil {
		settings = DefaultServiceSettings()
	}
	resultHeader.RequestHandle = header.RequestHandle
	resultHeader.Status = NewStatus(CodeNotProcessed, "not processed")
	return jobBase{
		kind:         kind,
		header:       header,
		resultHeader: resultHeader,
		settings:     *settings,
	}
}

func (self *jobBase) serviceKind() ServiceKind {
	return self.kind
}

func (self *jobBase) requestHandle() RequestHandle {
	return self.header.RequestHandle
}

func (self *jobBase) setRequestHandle(requestHandle RequestHandle) {
	self.header.RequestHandle = requestHandle
	self.resultHeader.RequestHandle = requestHandle
}

func (self *jobBase) routing() (ClientConnectionId, *SessionSettings) {
	return self.header.ClientConnectionId, self.header.SessionSettings
}

func (self *jobBase) callTimeout() time.Duration {
	if self.settings.CallTimeout <= 0 {
		return DefaultServiceSettings().CallTimeout
	}
	return self.settings.CallTimeout
}

func (self *jobBase) setOverallStatus(status Status) {
	self.resultHeader.Status = status
}

func notProcessedStatus() Status {
	return NewStatus(CodeNotProcessed, "not processed")
}

// runs a stack call for a group of targets on one session.
// When the call fails, every target of the group gets the failure status.
func callSession(
	ctx context.Context,
	session *Session,
	j job,
	ranks []int,
	call func(ctx context.Context, stackSession StackSession) error,
) bool {
	stackSession, _, status := session.currentStackSession()
	if status.IsGood() {
		callCtx, callCancel := context.WithTimeout(ctx, j.callTimeout())
		defer callCancel()
		if err := call(callCtx, stackSession); err != nil {
			status = invocationStatus(callCtx, err)
			glog.Infof("[dispatch]%s %d on %d = %s\n", j.serviceKind(), j.requestHandle(), session.connectionId, status)
		}
	}
	if !status.IsGood() {
		for _, rank := range ranks {
			j.setTargetStatus(rank, status)
		}
		return false
	}
	return true
}

// the generic pipeline shared by every service kind
type Dispatcher struct {
	ctx context.Context

	allocator    *HandleAllocator
	resolver     *Resolver
	store        *PersistentRequestStore
	continuation *ContinuationController
	items        *MonitoredItemTable
	metrics      *clientMetrics
}

func NewDispatcher(
	ctx context.Context,
	allocator *HandleAllocator,
	resolver *Resolver,
	store *PersistentRequestStore,
	continuation *ContinuationController,
	items *MonitoredItemTable,
	metrics *clientMetrics,
) *Dispatcher {
	return &Dispatcher{
		ctx:          ctx,
		allocator:    allocator,
		resolver:     resolver,
		store:        store,
		continuation: continuation,
		items:        items,
		metrics:      metrics,
	}
}

// a group of targets that run on one session
type sessionGroup struct {
	session *Session
	ranks   []int
	nodes   [][]NodeId
}

func groupBySession(resolved *resolution, mask Mask) []*sessionGroup {
	groups := []*sessionGroup{}
	groupIndexes := map[ClientConnectionId]int{}
	for _, rank := range mask.Ranks() {
		session := resolved.sessions[rank]
		if session == nil {
			continue
		}
		i, ok := groupIndexes[session.connectionId]
		if !ok {
			i = len(groups)
			groupIndexes[session.connectionId] = i
			groups = append(groups, &sessionGroup{
				session: session,
			})
		}
		groups[i].ranks = append(groups[i].ranks, rank)
		groups[i].nodes = append(groups[i].nodes, resolved.nodes[rank])
	}
	return groups
}

// processes the targets of the job that are set in the mask.
// Per target failures are captured in the result. The error is non-nil only
// when the whole request could not be processed, in which case the overall
// status of the result carries the same failure.
func (self *Dispatcher) process(ctx context.Context, j job, mask Mask) (returnErr error) {
	start := time.Now()
	defer func() {
		self.metrics.requestDone(j, returnErr, time.Since(start))
	}()

	if self.ctx.Err() != nil {
		j.setOverallStatus(NewStatus(CodeClientClosed, "client closed"))
		return ErrClientClosed
	}
	if mask.Len() != j.targetCount() {
		status := NewStatus(CodeInvalidRequest, "mask has %d ranks for %d targets", mask.Len(), j.targetCount())
		j.setOverallStatus(status)
		return status.Err()
	}
	if j.requestHandle() == 0 {
		requestHandle, err := self.allocator.NextRequestHandle()
		if err != nil {
			j.setOverallStatus(StatusOf(err))
			return err
		}
		j.setRequestHandle(requestHandle)
	}
	mask = mask.Clone()

	durable, isDurable := j.(durableJob)
	if isDurable {
		if err := durable.assignClientHandles(self.allocator); err != nil {
			j.setOverallStatus(StatusOf(err))
			return err
		}
		for _, rank := range mask.Ranks() {
			self.items.register(durable.itemInformation(rank))
		}
		// recorded before invocation, so that an interrupted request can still be healed
		self.store.RecordBad(durable, mask)
	}
	inputMask := mask.Clone()

	glog.V(LogLevelTrace).Infof("[dispatch]%s %d start %s\n", j.serviceKind(), j.requestHandle(), mask)

	if v, ok := j.(validator); ok {
		for _, rank := range mask.Ranks() {
			if status := v.validateTarget(rank); !status.IsGood() {
				j.setTargetStatus(rank, status)
				mask.Clear(rank)
			}
		}
	}

	resolved := self.resolver.Resolve(ctx, j, mask)

	groups := groupBySession(resolved, mask)
	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		go func(group *sessionGroup) {
			defer wg.Done()
			HandleError(func() {
				j.invoke(ctx, group.session, group.ranks, group.nodes)
			}, func(err error) {
				for _, rank := range group.ranks {
					j.setTargetStatus(rank, NewStatus(CodeInvocationFailed, "%s", err))
				}
			})
		}(group)
	}
	wg.Wait()

	if c, ok := j.(continuable); ok {
		self.continuation.Run(
			ctx,
			j.serviceKind(),
			c.maxAutoContinue(),
			func() []int {
				pendingRanks := []int{}
				for _, rank := range mask.Ranks() {
					if resolved.sessions[rank] != nil && c.continuationPending(rank) {
						pendingRanks = append(pendingRanks, rank)
					}
				}
				return pendingRanks
			},
			func(ctx context.Context, ranks []int) {
				roundMask := NewMask(mask.Len(), false)
				for _, rank := range ranks {
					roundMask.Set(rank)
				}
				for _, group := range groupBySession(resolved, roundMask) {
					c.continueTargets(ctx, group.session, group.ranks)
				}
			},
		)
	}

	statuses := make([]Status, j.targetCount())
	for rank := 0; rank < j.targetCount(); rank += 1 {
		statuses[rank] = j.targetStatus(rank)
	}
	overallStatus := AggregateStatus(statuses)
	j.setOverallStatus(overallStatus)

	if isDurable {
		settledMask := NewMask(inputMask.Len(), false)
		for _, rank := range inputMask.Ranks() {
			if status := statuses[rank]; status.IsGood() || isPermanentFailure(status) {
				settledMask.Set(rank)
			}
			information := durable.itemInformation(rank)
			if !self.items.update(information) {
				self.dropRemovedItem(ctx, j, resolved.sessions[rank], information)
			}
		}
		self.store.Update(durable, settledMask)
	}

	glog.V(LogLevelEvent).Infof("[dispatch]%s %d done %s\n", j.serviceKind(), j.requestHandle(), overallStatus)
	return nil
}

// deletes an item that the request created after its client handle was removed
func (self *Dispatcher) dropRemovedItem(ctx context.Context, j job, session *Session, information MonitoredItemInformation) {
	glog.V(LogLevelTrace).Infof("[dispatch]%s %d item %d was removed\n", j.serviceKind(), j.requestHandle(), information.ClientHandle)
	if session == nil || information.ClientSubscriptionHandle == 0 {
		return
	}
	subscription, ok := session.Subscription(information.ClientSubscriptionHandle)
	if !ok {
		return
	}
	stackSession, _, _ := session.currentStackSession()
	deleteCtx, deleteCancel := context.WithTimeout(ctx, j.callTimeout())
	defer deleteCancel()
	if status := subscription.deleteItems(deleteCtx, stackSession, []ClientHandle{information.ClientHandle}); !status.IsGood() {
		glog.Infof("[dispatch]%s %d delete item %d = %s\n", j.serviceKind(), j.requestHandle(), information.ClientHandle, status)
	}
}

// failures that a retry cannot fix
func isPermanentFailure(status Status) bool {
	switch status.Code {
	case CodeEmptyAddress, CodeInvalidAddress, CodeInvalidRequest, CodeUnknownHandle, CodeInvalidSettings:
		return true
	default:
		return false
	}
}

// assigns the request handle and runs the pipeline in the background.
// The job runs with the lifetime of the dispatcher, not the caller's context.
func (self *Dispatcher) processAsync(j job, mask Mask, done func(err error)) (RequestHandle, error) {
	if self.ctx.Err() != nil {
		return 0, ErrClientClosed
	}
	if mask.Len() != j.targetCount() {
		return 0, NewStatus(CodeInvalidRequest, "mask has %d ranks for %d targets", mask.Len(), j.targetCount()).Err()
	}
	if j.requestHandle() == 0 {
		requestHandle, err := self.allocator.NextRequestHandle()
		if err != nil {
			return 0, err
		}
		j.setRequestHandle(requestHandle)
	}
	requestHandle := j.requestHandle()
	go HandleError(func() {
		err := self.process(self.ctx, j, mask)
		done(err)
	}, func(err error) {
		done(err)
	})
	return requestHandle, nil
}

// re-submits a persisted request with the targets that are still bad
func (self *Dispatcher) resubmit(ctx context.Context, item *PersistedItem) error {
	glog.V(LogLevelTrace).Infof("[dispatch]resubmit %s %d %s\n", item.Kind, item.RequestHandle, item.Mask)
	return self.process(ctx, item.job.clone(), item.Mask)
}

// the mask for a process call, all targets when none is given
func maskFor(n int, masks []Mask) Mask {
	if len(masks) == 0 {
		return NewMask(n, true)
	}
	return masks[0]
}
