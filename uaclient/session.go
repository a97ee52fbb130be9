package uaclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// session state machine is:
// SessionStateConnecting
//
//	-> SessionStateConnected
//	  -> SessionStateDisconnected (stack reported loss) -> SessionStateConnecting
//	-> SessionStateFailed -> SessionStateConnecting
//
// Only housekeeping moves a failed or disconnected session back to connecting.
type SessionState string

const (
	SessionStateConnecting   SessionState = "Connecting"
	SessionStateConnected    SessionState = "Connected"
	SessionStateDisconnected SessionState = "Disconnected"
	SessionStateFailed       SessionState = "Failed"
)

func (self SessionState) IsUsable() bool {
	return self == SessionStateConnected
}

func (self SessionState) NeedsReconnect() bool {
	switch self {
	case SessionStateDisconnected, SessionStateFailed:
		return true
	default:
		return false
	}
}

type SessionStateFunction = func(session *Session, state SessionState)

// collaborators shared by every session of a pool
type sessionEnv struct {
	stack          Stack
	discoverer     *Discoverer
	allocator      *HandleAllocator
	clientSettings *ClientSettings

	notificationCallback NotificationFunction
	stateCallback        SessionStateFunction
}

type SessionInformation struct {
	ClientConnectionId  ClientConnectionId
	ServerUri           string
	EndpointUrl         string
	SecurityPolicyUri   string
	SecurityMode        MessageSecurityMode
	UserTokenType       UserTokenType
	State               SessionState
	Manual              bool
	LastStatus          Status
	ConnectCount        int
	SubscriptionHandles []ClientSubscriptionHandle
}

// a logical connection to one server.
// The underlying stack session is replaced on reconnect,
// while the connection id and the subscriptions stay the same.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	env *sessionEnv

	connectionId ClientConnectionId
	serverUri    string
	settings     *SessionSettings
	manual       bool

	stateMonitor *Monitor

	stateLock    sync.Mutex
	state        SessionState
	lastStatus   Status
	generation   uint64
	stackSession StackSession
	endpoint     EndpointDescription
	connectCount int
	// nil until read from the server for the current stack session
	namespaceUris     []string
	subscriptions     map[ClientSubscriptionHandle]*Subscription
	autoSubscriptions map[string]*Subscription
}

func newSession(
	ctx context.Context,
	env *sessionEnv,
	connectionId ClientConnectionId,
	serverUri string,
	settings *SessionSettings,
	manual bool,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Session{
		ctx:               cancelCtx,
		cancel:            cancel,
		env:               env,
		connectionId:      connectionId,
		serverUri:         serverUri,
		settings:          settings,
		manual:            manual,
		stateMonitor:      NewMonitor(),
		state:             SessionStateConnecting,
		lastStatus:        NewStatus(CodeNotConnected, "connecting"),
		subscriptions:     map[ClientSubscriptionHandle]*Subscription{},
		autoSubscriptions: map[string]*Subscription{},
	}
}

func (self *Session) ConnectionId() ClientConnectionId {
	return self.connectionId
}

func (self *Session) ServerUri() string {
	return self.serverUri
}

func (self *Session) Settings() *SessionSettings {
	return self.settings
}

func (self *Session) State() SessionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *Session) setState(state SessionState, status Status) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		changed = self.state != state
		self.state = state
		self.lastStatus = status
	}()
	if changed {
		glog.V(LogLevelEvent).Infof("[session]%d %s -> %s (%s)\n", self.connectionId, self.serverUri, state, status)
		self.stateMonitor.NotifyAll()
		if self.env.stateCallback != nil {
			self.env.stateCallback(self, state)
		}
	}
}

// connects a session in the connecting state
func (self *Session) connect(ctx context.Context) Status {
	security := self.settings.Security
	if security == nil {
		security = DefaultSessionSecuritySettings()
	}

	endpoints, status := self.env.discoverer.EndpointsFor(ctx, self.serverUri)
	if !status.IsGood() {
		self.setState(SessionStateFailed, status)
		return status
	}
	endpoint, status := SelectEndpoint(endpoints, security)
	if !status.IsGood() {
		self.setState(SessionStateFailed, status)
		return status
	}
	if security.UserTokenType == UserTokenIssuedToken {
		if status := ValidateSessionSettings(self.settings); !status.IsGood() {
			self.setState(SessionStateFailed, status)
			return status
		}
	}

	var generation uint64
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.generation += 1
		generation = self.generation
	}()

	connectRequest := &ConnectRequest{
		SessionName:     fmt.Sprintf("%s-%s", self.env.clientSettings.ApplicationName, NewId()),
		ApplicationName: self.env.clientSettings.ApplicationName,
		ApplicationUri:  self.env.clientSettings.ApplicationUri,
		Endpoint:        endpoint,
		Security:        *security,
		SessionTimeout:  self.settings.SessionTimeout,
		NotificationCallback: func(notification *PublishNotification) {
			if self.env.notificationCallback != nil {
				self.env.notificationCallback(notification)
			}
		},
		ConnectionStatusCallback: func(connectionStatus ConnectionStatus, err error) {
			self.connectionStatusChanged(generation, connectionStatus, err)
		},
	}

	stackSession, err := func() (StackSession, error) {
		connectCtx, connectCancel := context.WithTimeout(ctx, self.settings.ConnectTimeout)
		defer connectCancel()
		return self.env.stack.Connect(connectCtx, connectRequest)
	}()
	if err != nil {
		code := CodeConnectionFailed
		if errors.Is(err, ErrCertificateRejected) {
			code = CodeCertificateRejected
		}
		status := NewStatus(code, "%s: %s", endpoint.EndpointUrl, err)
		glog.Infof("[session]%d connect failed = %s\n", self.connectionId, status)
		self.setState(SessionStateFailed, status)
		return status
	}

	if self.ctx.Err() != nil {
		// closed while connecting
		self.closeStackSession(stackSession)
		return NewStatus(CodeClientClosed, "session closed")
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.stackSession = stackSession
		self.endpoint = endpoint
		self.namespaceUris = nil
		self.connectCount += 1
	}()
	self.setState(SessionStateConnected, GoodStatus())
	return GoodStatus()
}

// waits out a connect attempt in progress
func (self *Session) waitConnected(ctx context.Context) Status {
	for {
		notify := self.stateMonitor.NotifyChannel()
		var state SessionState
		var lastStatus Status
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			state = self.state
			lastStatus = self.lastStatus
		}()
		switch state {
		case SessionStateConnected:
			return GoodStatus()
		case SessionStateConnecting:
			select {
			case <-notify:
			case <-ctx.Done():
				return NewStatus(CodeNotConnected, "%s is still connecting", self.serverUri)
			}
		default:
			return NewStatus(CodeNotConnected, "%s is %s (%s)", self.serverUri, state, lastStatus)
		}
	}
}

// reconnects a failed or disconnected session and restores its subscriptions
func (self *Session) reconnect(ctx context.Context) Status {
	var oldStackSession StackSession
	reconnect := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.state.NeedsReconnect() {
			reconnect = true
			oldStackSession = self.stackSession
			self.stackSession = nil
			self.namespaceUris = nil
		}
	}()
	if !reconnect {
		return GoodStatus()
	}
	self.setState(SessionStateConnecting, NewStatus(CodeNotConnected, "reconnecting"))

	if oldStackSession != nil {
		self.closeStackSession(oldStackSession)
	}

	if status := self.connect(ctx); !status.IsGood() {
		return status
	}
	glog.Infof("[session]%d reconnected to %s\n", self.connectionId, self.serverUri)
	return self.restore(ctx)
}

// recreates subscriptions and monitored items that are not created on the current stack session
func (self *Session) restore(ctx context.Context) Status {
	stackSession, generation, status := self.currentStackSession()
	if !status.IsGood() {
		return status
	}
	statuses := []Status{}
	for _, subscription := range self.Subscriptions() {
		statuses = append(statuses, subscription.restore(ctx, stackSession, generation))
	}
	return AggregateStatus(statuses)
}

func (self *Session) connectionStatusChanged(generation uint64, connectionStatus ConnectionStatus, err error) {
	lost := false
	var subscriptions []*Subscription
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if generation != self.generation {
			// a previous stack session
			return
		}
		if connectionStatus == ConnectionStatusDisconnected && self.state == SessionStateConnected {
			lost = true
			self.namespaceUris = nil
			subscriptions = maps.Values(self.subscriptions)
		}
	}()
	if !lost {
		return
	}
	for _, subscription := range subscriptions {
		subscription.markLost()
	}
	status := NewStatus(CodeNotConnected, "connection lost")
	if err != nil {
		status = NewStatus(CodeNotConnected, "connection lost: %s", err)
	}
	glog.Infof("[session]%d %s\n", self.connectionId, status)
	self.setState(SessionStateDisconnected, status)
}

func (self *Session) currentStackSession() (StackSession, uint64, Status) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state != SessionStateConnected || self.stackSession == nil {
		return nil, 0, NewStatus(CodeNotConnected, "%s is %s", self.serverUri, self.state)
	}
	return self.stackSession, self.generation, GoodStatus()
}

// the namespace table of the server, read once per stack session.
// The read is bounded by `timeout`.
func (self *Session) NamespaceUris(ctx context.Context, timeout time.Duration) ([]string, Status) {
	stackSession, generation, status := self.currentStackSession()
	if !status.IsGood() {
		return nil, status
	}

	var namespaceUris []string
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		namespaceUris = self.namespaceUris
	}()
	if namespaceUris != nil {
		return namespaceUris, GoodStatus()
	}

	readCtx, readCancel := context.WithTimeout(ctx, timeout)
	defer readCancel()
	values, err := stackSession.Read(readCtx, []ReadValueId{
		{
			NodeId:      NamespaceArrayNodeId,
			AttributeId: AttributeValue,
		},
	})
	if err != nil {
		status := invocationStatus(readCtx, err)
		status.Message = fmt.Sprintf("read namespace array: %s", status.Message)
		return nil, status
	}
	if len(values) != 1 {
		return nil, NewStatus(CodeInvocationFailed, "read namespace array: %d values", len(values))
	}
	if values[0].Status.IsBad() {
		return nil, ServerStatus(values[0].Status)
	}
	switch v := values[0].Value.(type) {
	case []string:
		namespaceUris = slices.Clone(v)
	case []any:
		namespaceUris = make([]string, 0, len(v))
		for _, u := range v {
			s, ok := u.(string)
			if !ok {
				return nil, NewStatus(CodeInvocationFailed, "namespace array has a %T element", u)
			}
			namespaceUris = append(namespaceUris, s)
		}
	default:
		return nil, NewStatus(CodeInvocationFailed, "namespace array is a %T", values[0].Value)
	}
	glog.V(LogLevelTrace).Infof("[session]%d namespace array = %v\n", self.connectionId, namespaceUris)

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if generation == self.generation {
			self.namespaceUris = namespaceUris
		}
	}()
	return namespaceUris, GoodStatus()
}

// the standard namespace and the empty uri are always index 0
func (self *Session) NamespaceIndex(ctx context.Context, timeout time.Duration, namespaceUri string) (uint16, Status) {
	if namespaceUri == "" || namespaceUri == StandardNamespaceUri {
		return 0, GoodStatus()
	}
	namespaceUris, status := self.NamespaceUris(ctx, timeout)
	if !status.IsGood() {
		return 0, status
	}
	i := slices.Index(namespaceUris, namespaceUri)
	if i < 0 {
		return 0, NewStatus(CodeUnknownNamespace, "%s is not in the namespace array of %s", namespaceUri, self.serverUri)
	}
	return uint16(i), GoodStatus()
}

// the automatic subscription for the settings, created on first use
func (self *Session) subscriptionFor(ctx context.Context, settings *SubscriptionSettings) (*Subscription, Status) {
	stackSession, generation, status := self.currentStackSession()
	if !status.IsGood() {
		return nil, status
	}

	key := settings.Key()
	var subscription *Subscription
	var err error
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		subscription = self.autoSubscriptions[key]
		if subscription == nil {
			var handle ClientSubscriptionHandle
			handle, err = self.env.allocator.NextSubscriptionHandle()
			if err != nil {
				return
			}
			subscription = newSubscription(handle, self.connectionId, settings, false)
			self.autoSubscriptions[key] = subscription
			self.subscriptions[handle] = subscription
		}
	}()
	if err != nil {
		return nil, StatusOf(err)
	}

	if status := subscription.ensureCreated(ctx, stackSession, generation); !status.IsGood() {
		return nil, status
	}
	return subscription, GoodStatus()
}

func (self *Session) addManualSubscription(ctx context.Context, settings *SubscriptionSettings) (*Subscription, Status) {
	stackSession, generation, status := self.currentStackSession()
	if !status.IsGood() {
		return nil, status
	}
	handle, err := self.env.allocator.NextSubscriptionHandle()
	if err != nil {
		return nil, StatusOf(err)
	}
	subscription := newSubscription(handle, self.connectionId, settings, true)
	if status := subscription.ensureCreated(ctx, stackSession, generation); !status.IsGood() {
		return nil, status
	}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.subscriptions[handle] = subscription
	}()
	return subscription, GoodStatus()
}

// a created subscription by handle, recreated on the current stack session if needed
func (self *Session) ensureSubscription(ctx context.Context, handle ClientSubscriptionHandle) (*Subscription, Status) {
	stackSession, generation, status := self.currentStackSession()
	if !status.IsGood() {
		return nil, status
	}
	subscription, ok := self.Subscription(handle)
	if !ok {
		return nil, NewStatus(CodeUnknownHandle, "subscription %d is not on connection %d", handle, self.connectionId)
	}
	if status := subscription.ensureCreated(ctx, stackSession, generation); !status.IsGood() {
		return nil, status
	}
	return subscription, GoodStatus()
}

func (self *Session) removeSubscription(ctx context.Context, handle ClientSubscriptionHandle) Status {
	var subscription *Subscription
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		subscription = self.subscriptions[handle]
		delete(self.subscriptions, handle)
		if subscription != nil && !subscription.manual {
			delete(self.autoSubscriptions, subscription.settings.Key())
		}
	}()
	if subscription == nil {
		return NewStatus(CodeUnknownHandle, "unknown subscription %d", handle)
	}

	subscriptionId, created := subscription.markDeleted()
	if !created {
		return GoodStatus()
	}
	stackSession, _, status := self.currentStackSession()
	if !status.IsGood() {
		// the server subscription goes away with the server session
		return GoodStatus()
	}
	if err := stackSession.DeleteSubscription(ctx, subscriptionId); err != nil {
		return NewStatus(CodeSubscriptionFailed, "delete subscription %d: %s", subscriptionId, err)
	}
	return GoodStatus()
}

func (self *Session) Subscription(handle ClientSubscriptionHandle) (*Subscription, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	subscription, ok := self.subscriptions[handle]
	return subscription, ok
}

// ordered by handle
func (self *Session) Subscriptions() []*Subscription {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	subscriptions := maps.Values(self.subscriptions)
	slices.SortFunc(subscriptions, func(a *Subscription, b *Subscription) int {
		return int(a.handle) - int(b.handle)
	})
	return subscriptions
}

func (self *Session) Information() SessionInformation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	security := self.settings.Security
	if security == nil {
		security = DefaultSessionSecuritySettings()
	}
	subscriptionHandles := maps.Keys(self.subscriptions)
	slices.Sort(subscriptionHandles)
	return SessionInformation{
		ClientConnectionId:  self.connectionId,
		ServerUri:           self.serverUri,
		EndpointUrl:         self.endpoint.EndpointUrl,
		SecurityPolicyUri:   security.SecurityPolicyUri,
		SecurityMode:        security.SecurityMode,
		UserTokenType:       security.UserTokenType,
		State:               self.state,
		Manual:              self.manual,
		LastStatus:          self.lastStatus,
		ConnectCount:        self.connectCount,
		SubscriptionHandles: subscriptionHandles,
	}
}

func (self *Session) closeStackSession(stackSession StackSession) {
	closeCtx, closeCancel := context.WithTimeout(context.Background(), self.settings.ConnectTimeout)
	defer closeCancel()
	if err := stackSession.Close(closeCtx); err != nil {
		glog.Infof("[session]%d close stack session = %s\n", self.connectionId, err)
	}
}

func (self *Session) close() Status {
	self.cancel()

	var stackSession StackSession
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		stackSession = self.stackSession
		self.stackSession = nil
		self.generation += 1
	}()
	self.setState(SessionStateDisconnected, NewStatus(CodeNotConnected, "closed"))

	if stackSession == nil {
		return GoodStatus()
	}
	closeCtx, closeCancel := context.WithTimeout(context.Background(), self.settings.ConnectTimeout)
	defer closeCancel()
	if err := stackSession.Close(closeCtx); err != nil {
		return NewStatus(CodeDisconnectionFailed, "%s: %s", self.serverUri, err)
	}
	return GoodStatus()
}

type SubscriptionState string

const (
	SubscriptionStateNotCreated SubscriptionState = "NotCreated"
	SubscriptionStateCreated    SubscriptionState = "Created"
	SubscriptionStateDeleted    SubscriptionState = "Deleted"
)

type SubscriptionInformation struct {
	ClientSubscriptionHandle  ClientSubscriptionHandle
	ClientConnectionId        ClientConnectionId
	SubscriptionId            uint32
	State                     SubscriptionState
	Manual                    bool
	Settings                  SubscriptionSettings
	RevisedPublishingInterval time.Duration
	MonitoredItemCount        int
}

type subscribedItem struct {
	kind    ServiceKind
	request MonitoredItemCreateRequest
	// 0 when not created on the current server subscription
	monitoredItemId uint32
}

// a server subscription owned by one session.
// The items are kept so that they can be recreated after a reconnect.
type Subscription struct {
	handle       ClientSubscriptionHandle
	connectionId ClientConnectionId
	settings     SubscriptionSettings
	manual       bool

	// serializes server side creation
	createLock sync.Mutex

	stateLock                 sync.Mutex
	state                     SubscriptionState
	subscriptionId            uint32
	generation                uint64
	revisedPublishingInterval time.Duration
	items                     map[ClientHandle]*subscribedItem
}

func newSubscription(
	handle ClientSubscriptionHandle,
	connectionId ClientConnectionId,
	settings *SubscriptionSettings,
	manual bool,
) *Subscription {
	return &Subscription{
		handle:       handle,
		connectionId: connectionId,
		settings:     *settings,
		manual:       manual,
		state:        SubscriptionStateNotCreated,
		items:        map[ClientHandle]*subscribedItem{},
	}
}

func (self *Subscription) Handle() ClientSubscriptionHandle {
	return self.handle
}

// creates the server subscription if it does not exist on the current stack session.
// A new server subscription starts without items.
func (self *Subscription) ensureCreated(ctx context.Context, stackSession StackSession, generation uint64) Status {
	self.createLock.Lock()
	defer self.createLock.Unlock()

	created := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		created = self.state == SubscriptionStateCreated && self.generation == generation
	}()
	if created {
		return GoodStatus()
	}

	result, err := stackSession.CreateSubscription(ctx, &self.settings)
	if err != nil {
		glog.Infof("[session]%d create subscription %d = %s\n", self.connectionId, self.handle, err)
		return NewStatus(CodeSubscriptionFailed, "create subscription: %s", err)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state == SubscriptionStateDeleted {
		return NewStatus(CodeSubscriptionFailed, "subscription %d was deleted", self.handle)
	}
	self.state = SubscriptionStateCreated
	self.subscriptionId = result.SubscriptionId
	self.generation = generation
	self.revisedPublishingInterval = result.RevisedPublishingInterval
	for _, item := range self.items {
		item.monitoredItemId = 0
	}
	glog.V(LogLevelEvent).Infof("[session]%d subscription %d created as %d\n", self.connectionId, self.handle, result.SubscriptionId)
	return GoodStatus()
}

func (self *Subscription) markLost() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state == SubscriptionStateCreated {
		self.state = SubscriptionStateNotCreated
	}
	for _, item := range self.items {
		item.monitoredItemId = 0
	}
}

// returns the server subscription id to delete, if any
func (self *Subscription) markDeleted() (uint32, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	created := self.state == SubscriptionStateCreated
	self.state = SubscriptionStateDeleted
	return self.subscriptionId, created
}

func (self *Subscription) serverSubscriptionId() (uint32, Status) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state != SubscriptionStateCreated {
		return 0, NewStatus(CodeSubscriptionFailed, "subscription %d is %s", self.handle, self.state)
	}
	return self.subscriptionId, GoodStatus()
}

// creates the items on the server subscription and keeps the ones the server accepted.
// The results are index aligned with the requests.
func (self *Subscription) createItems(
	ctx context.Context,
	stackSession StackSession,
	kind ServiceKind,
	requests []MonitoredItemCreateRequest,
) ([]MonitoredItemCreateResult, Status) {
	subscriptionId, status := self.serverSubscriptionId()
	if !status.IsGood() {
		return nil, status
	}
	results, err := stackSession.CreateMonitoredItems(ctx, subscriptionId, requests)
	if err != nil {
		return nil, invocationStatus(ctx, err)
	}
	if len(results) != len(requests) {
		return nil, NewStatus(CodeInvocationFailed, "%d results for %d items", len(results), len(requests))
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for i, result := range results {
		if result.StatusCode.IsBad() {
			continue
		}
		self.items[requests[i].ClientHandle] = &subscribedItem{
			kind:            kind,
			request:         requests[i],
			monitoredItemId: result.MonitoredItemId,
		}
	}
	return results, GoodStatus()
}

// recreates the subscription and every item without a server id
func (self *Subscription) restore(ctx context.Context, stackSession StackSession, generation uint64) Status {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.generation != generation {
			for _, item := range self.items {
				item.monitoredItemId = 0
			}
		}
	}()
	if status := self.ensureCreated(ctx, stackSession, generation); !status.IsGood() {
		return status
	}

	var subscriptionId uint32
	pendingItems := []*subscribedItem{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		subscriptionId = self.subscriptionId
		for _, item := range self.items {
			if item.monitoredItemId == 0 {
				pendingItems = append(pendingItems, item)
			}
		}
	}()
	if len(pendingItems) == 0 {
		return GoodStatus()
	}
	slices.SortFunc(pendingItems, func(a *subscribedItem, b *subscribedItem) int {
		return compareClientHandles(a.request.ClientHandle, b.request.ClientHandle)
	})

	requests := make([]MonitoredItemCreateRequest, len(pendingItems))
	for i, item := range pendingItems {
		requests[i] = item.request
	}
	results, err := stackSession.CreateMonitoredItems(ctx, subscriptionId, requests)
	if err != nil {
		return invocationStatus(ctx, err)
	}

	restoredCount := 0
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		for i, result := range results {
			if i < len(pendingItems) && !result.StatusCode.IsBad() {
				pendingItems[i].monitoredItemId = result.MonitoredItemId
				restoredCount += 1
			}
		}
	}()
	glog.V(LogLevelEvent).Infof("[session]%d subscription %d restored %d/%d items\n", self.connectionId, self.handle, restoredCount, len(pendingItems))
	if restoredCount < len(pendingItems) {
		return NewStatus(CodeSubscriptionFailed, "restored %d of %d items", restoredCount, len(pendingItems))
	}
	return GoodStatus()
}

// removes the items from the subscription, and from the server when created there
func (self *Subscription) deleteItems(ctx context.Context, stackSession StackSession, clientHandles []ClientHandle) Status {
	var subscriptionId uint32
	monitoredItemIds := []uint32{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		subscriptionId = self.subscriptionId
		for _, clientHandle := range clientHandles {
			if item, ok := self.items[clientHandle]; ok {
				if item.monitoredItemId != 0 && self.state == SubscriptionStateCreated {
					monitoredItemIds = append(monitoredItemIds, item.monitoredItemId)
				}
				delete(self.items, clientHandle)
			}
		}
	}()
	if len(monitoredItemIds) == 0 || stackSession == nil {
		return GoodStatus()
	}
	statusCodes, err := stackSession.DeleteMonitoredItems(ctx, subscriptionId, monitoredItemIds)
	if err != nil {
		return invocationStatus(ctx, err)
	}
	statuses := make([]Status, len(statusCodes))
	for i, statusCode := range statusCodes {
		statuses[i] = ServerStatus(statusCode)
	}
	return AggregateStatus(statuses)
}

// the server item id, when the item is created on the current server subscription
func (self *Subscription) monitoredItemId(clientHandle ClientHandle) (uint32, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	item, ok := self.items[clientHandle]
	if !ok || item.monitoredItemId == 0 || self.state != SubscriptionStateCreated {
		return 0, false
	}
	return item.monitoredItemId, true
}

func (self *Subscription) Information() SubscriptionInformation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return SubscriptionInformation{
		ClientSubscriptionHandle:  self.handle,
		ClientConnectionId:        self.connectionId,
		SubscriptionId:            self.subscriptionId,
		State:                     self.state,
		Manual:                    self.manual,
		Settings:                  self.settings,
		RevisedPublishingInterval: self.revisedPublishingInterval,
		MonitoredItemCount:        len(self.items),
	}
}

func compareClientHandles(a ClientHandle, b ClientHandle) int {
	switch {
	case a < b:
		return -1
	case b < a:
		return 1
	default:
		return 0
	}
}

// the status of a target whose stack call failed
func invocationStatus(ctx context.Context, err error) Status {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return Status{
			Code:       CodeInvocationFailed,
			ServerCode: StatusBadTimeout,
			Message:    "call timed out",
		}
	}
	return NewStatus(CodeInvocationFailed, "%s", err)
}
