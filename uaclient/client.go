package uaclient

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
)

// the client side orchestration of one application.
// Every operation takes abstract addresses, which are resolved and routed to
// sessions that the client creates and retires on its own.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ClientSettings

	allocator    *HandleAllocator
	discoverer   *Discoverer
	pool         *SessionPool
	resolver     *Resolver
	store        *PersistentRequestStore
	continuation *ContinuationController
	items        *MonitoredItemTable
	dispatcher   *Dispatcher
	housekeeping *Housekeeping
	metrics      *clientMetrics

	dataChangeCallbacks *CallbackRegistry[*DataChangeNotification]
	eventCallbacks      *CallbackRegistry[*EventNotification]

	closeOnce sync.Once
}

func NewClientWithDefaults(ctx context.Context, stack Stack) (*Client, error) {
	return NewClient(ctx, stack, DefaultClientSettings())
}

// the settings are validated before any network activity.
// Housekeeping is not started, see `Housekeeping().Start()`.
func NewClient(ctx context.Context, stack Stack, settings *ClientSettings) (*Client, error) {
	if settings == nil {
		settings = DefaultClientSettings()
	}
	settings = settings.Clone()
	settings.normalize()
	if status := ValidateClientSettings(settings); !status.IsGood() {
		return nil, status.Err()
	}

	cancelCtx, cancel := context.WithCancel(ctx)

	client := &Client{
		ctx:                 cancelCtx,
		cancel:              cancel,
		settings:            settings,
		allocator:           NewHandleAllocator(),
		store:               NewPersistentRequestStore(),
		items:               NewMonitoredItemTable(),
		dataChangeCallbacks: NewCallbackRegistry[*DataChangeNotification]("data"),
		eventCallbacks:      NewCallbackRegistry[*EventNotification]("event"),
	}
	client.metrics = newClientMetrics(client.store)
	client.discoverer = NewDiscoverer(stack, &DiscovererSettings{
		DiscoveryUrls:    append([]string{}, settings.DiscoveryUrls...),
		DiscoveryTimeout: settings.DiscoveryTimeout,
	})
	env := &sessionEnv{
		stack:                stack,
		discoverer:           client.discoverer,
		allocator:            client.allocator,
		clientSettings:       settings,
		notificationCallback: client.notify,
		stateCallback:        client.sessionStateChanged,
	}
	client.pool = NewSessionPool(cancelCtx, env)
	client.resolver = NewResolver(client.pool)
	client.continuation = NewContinuationController(client.metrics)
	client.dispatcher = NewDispatcher(
		cancelCtx,
		client.allocator,
		client.resolver,
		client.store,
		client.continuation,
		client.items,
		client.metrics,
	)
	client.housekeeping = NewHousekeeping(
		cancelCtx,
		client.discoverer,
		client.pool,
		client.store,
		client.dispatcher,
		client.metrics,
		&HousekeepingSettings{
			Interval: settings.HousekeepingInterval,
		},
	)
	return client, nil
}

// routes the notifications of a publish by client handle
func (self *Client) notify(notification *PublishNotification) {
	for _, dataChange := range notification.DataChanges {
		self.dataChangeCallbacks.Dispatch(dataChange)
	}
	for _, event := range notification.Events {
		self.eventCallbacks.Dispatch(event)
	}
}

func (self *Client) sessionStateChanged(session *Session, state SessionState) {
	self.metrics.setSessionStates(self.pool.StateCounts())
}

func (self *Client) Settings() *ClientSettings {
	return self.settings
}

func (self *Client) Housekeeping() *Housekeeping {
	return self.housekeeping
}

// the client's own registry, for exposition by the application
func (self *Client) Metrics() prometheus.Gatherer {
	return self.metrics.registry
}

// The Process functions run the request through the pipeline for the targets
// set in the optional mask (all targets when omitted). The result always has one
// entry per target. The error is set only when the request as a whole could not
// be processed, and the overall status of the result then carries the same failure.

func (self *Client) ProcessRead(ctx context.Context, request *ReadRequest, mask ...Mask) (*ReadResult, error) {
	j := newReadJob(request)
	err := self.dispatcher.process(ctx, j, maskFor(j.targetCount(), mask))
	return j.result, err
}

func (self *Client) ProcessWrite(ctx context.Context, request *WriteRequest, mask ...Mask) (*WriteResult, error) {
	j := newWriteJob(request)
	err := self.dispatcher.process(ctx, j, maskFor(j.targetCount(), mask))
	return j.result, err
}

func (self *Client) ProcessMethodCall(ctx context.Context, request *MethodCallRequest, mask ...Mask) (*MethodCallResult, error) {
	j := newMethodCallJob(request)
	err := self.dispatcher.process(ctx, j, maskFor(j.targetCount(), mask))
	return j.result, err
}

func (self *Client) ProcessBrowse(ctx context.Context, request *BrowseRequest, mask ...Mask) (*BrowseResult, error) {
	j := newBrowseJob(request)
	err := self.dispatcher.process(ctx, j, maskFor(j.targetCount(), mask))
	return j.result, err
}

func (self *Client) ProcessBrowseNext(ctx context.Context, request *BrowseNextRequest, mask ...Mask) (*BrowseResult, error) {
	j := newBrowseNextJob(request)
	err := self.dispatcher.process(ctx, j, maskFor(j.targetCount(), mask))
	return j.result, err
}

func (self *Client) ProcessHistoryReadRawModified(ctx context.Context, request *HistoryReadRawModifiedRequest, mask ...Mask) (*HistoryReadRawModifiedResult, error) {
	j := newHistoryReadJob(request)
	err := self.dispatcher.process(ctx, j, maskFor(j.targetCount(), mask))
	return j.result, err
}

// targets that do not become good are persisted and re-submitted by housekeeping.
// Client handles are assigned to targets without one before anything else happens,
// and are reported in the result even for failed targets.
func (self *Client) ProcessCreateMonitoredData(ctx context.Context, request *CreateMonitoredDataRequest, mask ...Mask) (*CreateMonitoredDataResult, error) {
	j := newMonitoredDataJob(request, self.settings.DefaultSubscriptionSettings)
	err := self.dispatcher.process(ctx, j, maskFor(j.targetCount(), mask))
	return j.result, err
}

// see `ProcessCreateMonitoredData`
func (self *Client) ProcessCreateMonitoredEvents(ctx context.Context, request *CreateMonitoredEventsRequest, mask ...Mask) (*CreateMonitoredEventsResult, error) {
	j := newMonitoredEventsJob(request, self.settings.DefaultSubscriptionSettings)
	err := self.dispatcher.process(ctx, j, maskFor(j.targetCount(), mask))
	return j.result, err
}

// The async functions return the request handle once assigned and deliver the
// result to `done` from a background goroutine. The pipeline runs with the
// lifetime of the client, so canceling `ctx` after the call returns has no effect.

func (self *Client) ProcessReadAsync(ctx context.Context, request *ReadRequest, done func(*ReadResult, error), mask ...Mask) (RequestHandle, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	j := newReadJob(request)
	return self.dispatcher.processAsync(j, maskFor(j.targetCount(), mask), func(err error) {
		done(j.result, err)
	})
}

func (self *Client) ProcessWriteAsync(ctx context.Context, request *WriteRequest, done func(*WriteResult, error), mask ...Mask) (RequestHandle, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	j := newWriteJob(request)
	return self.dispatcher.processAsync(j, maskFor(j.targetCount(), mask), func(err error) {
		done(j.result, err)
	})
}

func (self *Client) ProcessMethodCallAsync(ctx context.Context, request *MethodCallRequest, done func(*MethodCallResult, error), mask ...Mask) (RequestHandle, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	j := newMethodCallJob(request)
	return self.dispatcher.processAsync(j, maskFor(j.targetCount(), mask), func(err error) {
		done(j.result, err)
	})
}

// convenience forms

func (self *Client) Read(ctx context.Context, addresses []Address, attributeId AttributeId) (*ReadResult, error) {
	if attributeId == 0 {
		attributeId = AttributeValue
	}
	request := &ReadRequest{
		Targets: make([]ReadTarget, len(addresses)),
	}
	for i, address := range addresses {
		request.Targets[i] = ReadTarget{
			Address:     address,
			AttributeId: attributeId,
		}
	}
	return self.ProcessRead(ctx, request)
}

// writes `values[i]` to the value attribute of `addresses[i]`
func (self *Client) Write(ctx context.Context, addresses []Address, values []any) (*WriteResult, error) {
	if len(addresses) != len(values) {
		return nil, NewStatus(CodeInvalidRequest, "%d addresses for %d values", len(addresses), len(values)).Err()
	}
	request := &WriteRequest{
		Targets: make([]WriteTarget, len(addresses)),
	}
	for i, address := range addresses {
		request.Targets[i] = WriteTarget{
			Address:     address,
			AttributeId: AttributeValue,
			Value:       values[i],
		}
	}
	return self.ProcessWrite(ctx, request)
}

// browses the forward hierarchical references
func (self *Client) Browse(ctx context.Context, addresses []Address, maxAutoBrowseNext int) (*BrowseResult, error) {
	settings := DefaultBrowseSettings()
	settings.MaxAutoBrowseNext = maxAutoBrowseNext
	request := &BrowseRequest{
		Settings: settings,
		Targets:  make([]BrowseTarget, len(addresses)),
	}
	for i, address := range addresses {
		request.Targets[i] = BrowseTarget{
			Address:   address,
			Direction: BrowseForward,
		}
	}
	return self.ProcessBrowse(ctx, request)
}

// continues the browse of `addresses[i]` at `continuationPoints[i]`
func (self *Client) BrowseNext(ctx context.Context, addresses []Address, continuationPoints [][]byte) (*BrowseResult, error) {
	if len(addresses) != len(continuationPoints) {
		return nil, NewStatus(CodeInvalidRequest, "%d addresses for %d continuation points", len(addresses), len(continuationPoints)).Err()
	}
	request := &BrowseNextRequest{
		Targets: make([]BrowseNextTarget, len(addresses)),
	}
	for i, address := range addresses {
		request.Targets[i] = BrowseNextTarget{
			Address:           address,
			ContinuationPoint: continuationPoints[i],
		}
	}
	return self.ProcessBrowseNext(ctx, request)
}

func (self *Client) Call(ctx context.Context, objectAddress Address, methodAddress Address, inputArguments []any) (*MethodCallResult, error) {
	request := &MethodCallRequest{
		Targets: []MethodCallTarget{
			{
				ObjectAddress:  objectAddress,
				MethodAddress:  methodAddress,
				InputArguments: inputArguments,
			},
		},
	}
	return self.ProcessMethodCall(ctx, request)
}

func (self *Client) HistoryReadRaw(
	ctx context.Context,
	addresses []Address,
	startTime time.Time,
	endTime time.Time,
	numValuesPerNode uint32,
	maxAutoReadMore int,
) (*HistoryReadRawModifiedResult, error) {
	settings := DefaultHistoryReadRawModifiedSettings()
	settings.StartTime = startTime
	settings.EndTime = endTime
	settings.NumValuesPerNode = numValuesPerNode
	settings.MaxAutoReadMore = maxAutoReadMore
	request := &HistoryReadRawModifiedRequest{
		Settings: settings,
		Targets:  make([]HistoryReadTarget, len(addresses)),
	}
	for i, address := range addresses {
		request.Targets[i] = HistoryReadTarget{
			Address: address,
		}
	}
	return self.ProcessHistoryReadRawModified(ctx, request)
}

// monitors the value attribute with the default subscription settings
func (self *Client) CreateMonitoredData(ctx context.Context, addresses []Address) (*CreateMonitoredDataResult, error) {
	request := &CreateMonitoredDataRequest{
		Targets: make([]MonitoredDataTarget, len(addresses)),
	}
	for i, address := range addresses {
		request.Targets[i] = MonitoredDataTarget{
			Address:        address,
			AttributeId:    AttributeValue,
			MonitoringMode: MonitoringModeReporting,
		}
	}
	return self.ProcessCreateMonitoredData(ctx, request)
}

// monitors the events of each address with the same select clauses
func (self *Client) CreateMonitoredEvents(ctx context.Context, addresses []Address, selectClauses []SimpleAttributeOperand) (*CreateMonitoredEventsResult, error) {
	request := &CreateMonitoredEventsRequest{
		Targets: make([]MonitoredEventTarget, len(addresses)),
	}
	for i, address := range addresses {
		request.Targets[i] = MonitoredEventTarget{
			Address:        address,
			SelectClauses:  append([]SimpleAttributeOperand{}, selectClauses...),
			MonitoringMode: MonitoringModeReporting,
		}
	}
	return self.ProcessCreateMonitoredEvents(ctx, request)
}

// sessions and subscriptions

func (self *Client) ManuallyConnect(ctx context.Context, serverUri string, settings *SessionSettings) (ClientConnectionId, error) {
	connectionId, status := self.pool.ManuallyConnect(ctx, serverUri, settings)
	if !status.IsGood() {
		return 0, status.Err()
	}
	return connectionId, nil
}

func (self *Client) ManuallyDisconnect(ctx context.Context, connectionId ClientConnectionId) error {
	if status := self.pool.ManuallyDisconnect(ctx, connectionId); !status.IsGood() {
		return status.Err()
	}
	return nil
}

// nil settings use the default subscription settings
func (self *Client) ManuallySubscribe(ctx context.Context, connectionId ClientConnectionId, settings *SubscriptionSettings) (ClientSubscriptionHandle, error) {
	handle, status := self.pool.ManuallySubscribe(ctx, connectionId, settings)
	if !status.IsGood() {
		return 0, status.Err()
	}
	return handle, nil
}

func (self *Client) ManuallyUnsubscribe(ctx context.Context, handle ClientSubscriptionHandle) error {
	if status := self.pool.ManuallyUnsubscribe(ctx, handle); !status.IsGood() {
		return status.Err()
	}
	return nil
}

func (self *Client) SessionInformation(connectionId ClientConnectionId) (SessionInformation, bool) {
	return self.pool.SessionInformation(connectionId)
}

func (self *Client) AllSessionInformations() []SessionInformation {
	return self.pool.AllSessionInformations()
}

func (self *Client) SubscriptionInformation(handle ClientSubscriptionHandle) (SubscriptionInformation, bool) {
	return self.pool.SubscriptionInformation(handle)
}

func (self *Client) AllSubscriptionInformations() []SubscriptionInformation {
	return self.pool.AllSubscriptionInformations()
}

// the state is taken from the subscription that holds the item,
// so an item lost with its connection reads as not created until restored
func (self *Client) MonitoredItemInformation(clientHandle ClientHandle) (MonitoredItemInformation, bool) {
	information, ok := self.items.get(clientHandle)
	if !ok {
		return MonitoredItemInformation{}, false
	}
	information.State = MonitoredItemStateNotCreated
	if information.ClientSubscriptionHandle != 0 {
		if _, subscription, ok := self.pool.findSubscription(information.ClientSubscriptionHandle); ok {
			if monitoredItemId, ok := subscription.monitoredItemId(clientHandle); ok {
				information.State = MonitoredItemStateCreated
				information.MonitoredItemId = monitoredItemId
			}
		}
	}
	return information, true
}

// ordered by client handle
func (self *Client) AllMonitoredItemInformations() []MonitoredItemInformation {
	informations := []MonitoredItemInformation{}
	for _, clientHandle := range self.items.clientHandles() {
		if information, ok := self.MonitoredItemInformation(clientHandle); ok {
			informations = append(informations, information)
		}
	}
	return informations
}

// removes the items from the server, the client bookkeeping and the persisted requests.
// The status of each handle is index aligned with `clientHandles`.
func (self *Client) DeleteMonitoredItems(ctx context.Context, clientHandles []ClientHandle) []Status {
	statuses := make([]Status, len(clientHandles))
	for i, clientHandle := range clientHandles {
		information, ok := self.items.get(clientHandle)
		if !ok {
			statuses[i] = NewStatus(CodeUnknownHandle, "unknown client handle %d", clientHandle)
			continue
		}
		statuses[i] = GoodStatus()
		if information.ClientSubscriptionHandle != 0 {
			if session, subscription, ok := self.pool.findSubscription(information.ClientSubscriptionHandle); ok {
				// nil when not connected, in which case only the bookkeeping is removed
				stackSession, _, _ := session.currentStackSession()
				statuses[i] = subscription.deleteItems(ctx, stackSession, []ClientHandle{clientHandle})
			}
		}
		self.items.remove(clientHandle)
	}
	if removedCount := self.store.RemoveClientHandles(clientHandles); 0 < removedCount {
		glog.V(LogLevelEvent).Infof("[client]removed %d persisted targets\n", removedCount)
	}
	return statuses
}

// callbacks

// `AnyHandle` registers for every item. Returns a function that removes only this registration.
func (self *Client) RegisterDataChangeCallback(clientHandle ClientHandle, callback DataChangeFunction) func() {
	return self.dataChangeCallbacks.Register(clientHandle, callback)
}

func (self *Client) RegisterEventCallback(clientHandle ClientHandle, callback EventFunction) func() {
	return self.eventCallbacks.Register(clientHandle, callback)
}

func (self *Client) UnregisterDataChangeCallback(clientHandle ClientHandle) bool {
	return self.dataChangeCallbacks.Unregister(clientHandle)
}

func (self *Client) UnregisterEventCallback(clientHandle ClientHandle) bool {
	return self.eventCallbacks.Unregister(clientHandle)
}

func (self *Client) UnregisterAllCallbacks() {
	self.dataChangeCallbacks.UnregisterAll()
	self.eventCallbacks.UnregisterAll()
}

// runs discovery now and returns the endpoints of every known server
func (self *Client) FindServers(ctx context.Context) (map[string][]EndpointDescription, error) {
	if status := self.discoverer.Discover(ctx); !status.IsGood() && status.Code != CodeNoDiscoveryUrls {
		return self.discoverer.Servers(), status.Err()
	}
	return self.discoverer.Servers(), nil
}

// stops housekeeping and disconnects every session.
// Requests after close fail with `ErrClientClosed`.
func (self *Client) Close(ctx context.Context) error {
	status := GoodStatus()
	self.closeOnce.Do(func() {
		self.housekeeping.Close()
		self.cancel()
		status = self.pool.Close()
		glog.V(LogLevelEvent).Infof("[client]closed (%s)\n", status)
	})
	if !status.IsGood() {
		return status.Err()
	}
	return nil
}
