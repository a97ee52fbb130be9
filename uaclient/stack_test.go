package uaclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// an in-memory server for `testStack`
type testServer struct {
	serverUri     string
	discoveryUrl  string
	namespaceUris []string

	values     map[NodeId]any
	references map[NodeId][]ReferenceDescription
	history    map[NodeId][]DataValue
	methods    map[NodeId]bool
	// translate key -> targets, see `testPathKey`
	paths map[string][]NodeId

	unreachable       bool
	rejectCertificate bool
	// namespace array reads wait until the call is done
	stallNamespaceRead bool
}

func newTestServer(serverUri string, discoveryUrl string, namespaceUris ...string) *testServer {
	return &testServer{
		serverUri:     serverUri,
		discoveryUrl:  discoveryUrl,
		namespaceUris: append([]string{StandardNamespaceUri}, namespaceUris...),
		values:        map[NodeId]any{},
		references:    map[NodeId][]ReferenceDescription{},
		history:       map[NodeId][]DataValue{},
		methods:       map[NodeId]bool{},
		paths:         map[string][]NodeId{},
	}
}

func (self *testServer) endpoints() []EndpointDescription {
	return []EndpointDescription{
		{
			EndpointUrl:       fmt.Sprintf("opc.tcp://%s", self.serverUri),
			ServerUri:         self.serverUri,
			SecurityPolicyUri: SecurityPolicyNone,
			SecurityMode:      SecurityModeNone,
			SecurityLevel:     1,
			UserTokenPolicies: []UserTokenPolicy{
				{PolicyId: "anonymous", TokenType: UserTokenAnonymous},
				{PolicyId: "username", TokenType: UserTokenUserName},
				{PolicyId: "issued", TokenType: UserTokenIssuedToken},
			},
		},
	}
}

func testPathKey(start NodeId, relativePath []ResolvedPathElement) string {
	var b strings.Builder
	b.WriteString(start.String())
	for _, element := range relativePath {
		b.WriteString(fmt.Sprintf("/%d:%s", element.TargetName.NamespaceIndex, element.TargetName.Name))
	}
	return b.String()
}

type testCall struct {
	serverUri string
	service   string
	count     int
}

// a programmable `Stack` with a spy on every call
type testStack struct {
	stateLock sync.Mutex

	servers map[string]*testServer
	// discovery url -> error
	discoveryErrors map[string]error
	sessions        []*testStackSession
	calls           []testCall
	connectCounts   map[string]int

	// references or history values per page, 0 for all in one page
	pageSize int
	// runs once at the start of the next create items call
	beforeCreateItems func()

	nextSubscriptionId  uint32
	nextMonitoredItemId uint32
	nextContinuationId  int
}

func newTestStack(servers ...*testServer) *testStack {
	stack := &testStack{
		servers:         map[string]*testServer{},
		discoveryErrors: map[string]error{},
		connectCounts:   map[string]int{},
	}
	for _, server := range servers {
		stack.servers[server.serverUri] = server
	}
	return stack
}

func (self *testStack) record(serverUri string, service string, count int) {
	self.calls = append(self.calls, testCall{
		serverUri: serverUri,
		service:   service,
		count:     count,
	})
}

// the calls of the service, any service when empty
func (self *testStack) callCount(service string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	n := 0
	for _, call := range self.calls {
		if service == "" || call.service == service {
			n += 1
		}
	}
	return n
}

func (self *testStack) callCountFor(serverUri string, service string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	n := 0
	for _, call := range self.calls {
		if call.serverUri == serverUri && call.service == service {
			n += 1
		}
	}
	return n
}

// the item counts of the calls of the service, in call order
func (self *testStack) callSizes(service string) []int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	sizes := []int{}
	for _, call := range self.calls {
		if call.service == service {
			sizes = append(sizes, call.count)
		}
	}
	return sizes
}

func (self *testStack) connectCount(serverUri string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connectCounts[serverUri]
}

func (self *testStack) setUnreachable(serverUri string, unreachable bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.servers[serverUri].unreachable = unreachable
}

func (self *testStack) setStallNamespaceRead(serverUri string, stall bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.servers[serverUri].stallNamespaceRead = stall
}

func (self *testStack) setBeforeCreateItems(beforeCreateItems func()) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.beforeCreateItems = beforeCreateItems
}

func (self *testStack) liveSessions(serverUri string) []*testStackSession {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	liveSessions := []*testStackSession{}
	for _, session := range self.sessions {
		if session.server.serverUri == serverUri && !session.closed {
			liveSessions = append(liveSessions, session)
		}
	}
	return liveSessions
}

// drops every live session to the server, as a network failure would
func (self *testStack) dropConnections(serverUri string) {
	for _, session := range self.liveSessions(serverUri) {
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			session.closed = true
		}()
		session.connectRequest.ConnectionStatusCallback(ConnectionStatusDisconnected, errors.New("connection reset"))
	}
}

// publishes a value change to every live item with the node id
func (self *testStack) publishValue(serverUri string, nodeId NodeId, value any) int {
	n := 0
	for _, session := range self.liveSessions(serverUri) {
		notifications := map[uint32]*PublishNotification{}
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			for _, item := range session.items {
				if item.request.NodeId != nodeId || item.request.EventFilter != nil {
					continue
				}
				notification, ok := notifications[item.subscriptionId]
				if !ok {
					notification = &PublishNotification{SubscriptionId: item.subscriptionId}
					notifications[item.subscriptionId] = notification
				}
				notification.DataChanges = append(notification.DataChanges, &DataChangeNotification{
					ClientHandle: item.request.ClientHandle,
					Value: DataValue{
						Value:           value,
						SourceTimestamp: time.Now(),
					},
				})
			}
		}()
		for _, notification := range notifications {
			session.connectRequest.NotificationCallback(notification)
			n += len(notification.DataChanges)
		}
	}
	return n
}

// publishes an event to every live event item on the node id
func (self *testStack) publishEvent(serverUri string, nodeId NodeId, fields ...any) int {
	n := 0
	for _, session := range self.liveSessions(serverUri) {
		events := []*EventNotification{}
		var subscriptionId uint32
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			for _, item := range session.items {
				if item.request.NodeId != nodeId || item.request.EventFilter == nil {
					continue
				}
				subscriptionId = item.subscriptionId
				events = append(events, &EventNotification{
					ClientHandle: item.request.ClientHandle,
					Fields:       fields,
				})
			}
		}()
		if 0 < len(events) {
			session.connectRequest.NotificationCallback(&PublishNotification{
				SubscriptionId: subscriptionId,
				Events:         events,
			})
			n += len(events)
		}
	}
	return n
}

func (self *testStack) Discover(ctx context.Context, discoveryUrl string) ([]EndpointDescription, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.record("", "Discover", 1)
	if err := self.discoveryErrors[discoveryUrl]; err != nil {
		return nil, err
	}
	endpoints := []EndpointDescription{}
	for _, server := range self.servers {
		if server.discoveryUrl == discoveryUrl {
			endpoints = append(endpoints, server.endpoints()...)
		}
	}
	return endpoints, nil
}

func (self *testStack) Connect(ctx context.Context, connectRequest *ConnectRequest) (StackSession, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	serverUri := connectRequest.Endpoint.ServerUri
	self.record(serverUri, "Connect", 1)
	server, ok := self.servers[serverUri]
	if !ok || server.unreachable {
		return nil, fmt.Errorf("%s is unreachable", serverUri)
	}
	if server.rejectCertificate {
		return nil, fmt.Errorf("%s: %w", serverUri, ErrCertificateRejected)
	}
	self.connectCounts[serverUri] += 1
	session := &testStackSession{
		stack:          self,
		server:         server,
		connectRequest: connectRequest,
		subscriptions:  map[uint32]bool{},
		items:          map[uint32]*testItem{},
		continuations:  map[string]*testContinuation{},
	}
	self.sessions = append(self.sessions, session)
	return session, nil
}

type testItem struct {
	subscriptionId uint32
	request        MonitoredItemCreateRequest
}

type testContinuation struct {
	nodeId NodeId
	offset int
}

type testStackSession struct {
	stack          *testStack
	server         *testServer
	connectRequest *ConnectRequest

	// all under the stack lock
	closed        bool
	subscriptions map[uint32]bool
	items         map[uint32]*testItem
	continuations map[string]*testContinuation
}

func (self *testStackSession) begin(service string, count int) error {
	self.stack.record(self.server.serverUri, service, count)
	if self.closed {
		return errors.New("session closed")
	}
	return nil
}

func (self *testStackSession) continuationPoint(nodeId NodeId, offset int) []byte {
	self.stack.nextContinuationId += 1
	key := fmt.Sprintf("cp-%d", self.stack.nextContinuationId)
	self.continuations[key] = &testContinuation{
		nodeId: nodeId,
		offset: offset,
	}
	return []byte(key)
}

func (self *testStackSession) stalls(nodesToRead []ReadValueId) bool {
	self.stack.stateLock.Lock()
	defer self.stack.stateLock.Unlock()
	if !self.server.stallNamespaceRead {
		return false
	}
	for _, nodeToRead := range nodesToRead {
		if nodeToRead.NodeId == NamespaceArrayNodeId {
			self.stack.record(self.server.serverUri, "Read", len(nodesToRead))
			return true
		}
	}
	return false
}

// the end of the page starting at offset, and whether more follow
func (self *testStackSession) page(offset int, n int) (int, bool) {
	if self.stack.pageSize <= 0 || n <= offset+self.stack.pageSize {
		return n, false
	}
	return offset + self.stack.pageSize, true
}

func (self *testStackSession) Read(ctx context.Context, nodesToRead []ReadValueId) ([]DataValue, error) {
	if self.stalls(nodesToRead) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	self.stack.stateLock.Lock()
	defer self.stack.stateLock.Unlock()
	if err := self.begin("Read", len(nodesToRead)); err != nil {
		return nil, err
	}
	values := make([]DataValue, len(nodesToRead))
	for i, nodeToRead := range nodesToRead {
		if nodeToRead.NodeId == NamespaceArrayNodeId {
			values[i] = DataValue{Value: append([]string{}, self.server.namespaceUris...)}
			continue
		}
		if nodeToRead.AttributeId != AttributeValue {
			values[i] = DataValue{Status: StatusBadAttributeIdInvalid}
			continue
		}
		value, ok := self.server.values[nodeToRead.NodeId]
		if !ok {
			values[i] = DataValue{Status: StatusBadNodeIdUnknown}
			continue
		}
		values[i] = DataValue{Value: value}
	}
	return values, nil
}

func (self *testStackSession) Write(ctx context.Context, nodesToWrite []WriteValue) ([]StatusCode, error) {
	self.stack.stateLock.Lock()
	defer self.stack.stateLock.Unlock()
	if err := self.begin("Write", len(nodesToWrite)); err != nil {
		return nil, err
	}
	statusCodes := make([]StatusCode, len(nodesToWrite))
	for i, nodeToWrite := range nodesToWrite {
		if _, ok := self.server.values[nodeToWrite.NodeId]; !ok {
			statusCodes[i] = StatusBadNodeIdUnknown
			continue
		}
		self.server.values[nodeToWrite.NodeId] = nodeToWrite.Value
		statusCodes[i] = StatusGood
	}
	return statusCodes, nil
}

func (self *testStackSession) browseFrom(nodeId NodeId, offset int) NodeBrowseResult {
	references, ok := self.server.references[nodeId]
	if !ok {
		return NodeBrowseResult{StatusCode: StatusBadNodeIdUnknown}
	}
	end, more := self.page(offset, len(references))
	browseResult := NodeBrowseResult{
		StatusCode: StatusGood,
		References: append([]ReferenceDescription{}, references[offset:end]...),
	}
	if more {
		browseResult.ContinuationPoint = self.continuationPoint(nodeId, end)
	}
	return browseResult
}

func (self *testStackSession) Browse(ctx context.Context, maxReferencesPerNode uint32, nodesToBrowse []BrowseDescription) ([]NodeBrowseResult, error) {
	self.stack.stateLock.Lock()
	defer self.stack.stateLock.Unlock()
	if err := self.begin("Browse", len(nodesToBrowse)); err != nil {
		return nil, err
	}
	browseResults := make([]NodeBrowseResult, len(nodesToBrowse))
	for i, nodeToBrowse := range nodesToBrowse {
		browseResults[i] = self.browseFrom(nodeToBrowse.NodeId, 0)
	}
	return browseResults, nil
}

func (self *testStackSession) BrowseNext(ctx context.Context, releaseContinuationPoints bool, continuationPoints [][]byte) ([]NodeBrowseResult, error) {
	self.stack.stateLock.Lock()
	defer self.stack.stateLock.Unlock()
	if err := self.begin("BrowseNext", len(continuationPoints)); err != nil {
		return nil, err
	}
	browseResults := make([]NodeBrowseResult, len(continuationPoints))
	for i, continuationPoint := range continuationPoints {
		key := string(continuationPoint)
		continuation, ok := self.continuations[key]
		if !ok {
			browseResults[i] = NodeBrowseResult{StatusCode: StatusBadContinuationInvalid}
			continue
		}
		delete(self.continuations, key)
		if releaseContinuationPoints {
			browseResults[i] = NodeBrowseResult{StatusCode: StatusGood}
			continue
		}
		browseResults[i] = self.browseFrom(continuation.nodeId, continuation.offset)
	}
	return browseResults, nil
}

func (self *testStackSession) TranslateBrowsePaths(ctx context.Context, browsePaths []BrowsePath) ([]BrowsePathResult, error) {
	self.stack.stateLock.Lock()
	defer self.stack.stateLock.Unlock()
	if err := self.begin("TranslateBrowsePaths", len(browsePaths)); err != nil {
		return nil, err
	}
	results := make([]BrowsePathResult, len(browsePaths))
	for i, browsePath := range browsePaths {
		targets, ok := self.server.paths[testPathKey(browsePath.StartingNode, browsePath.RelativePath)]
		if !ok {
			results[i] = BrowsePathResult{StatusCode: StatusBadNoMatch}
			continue
		}
		results[i] = BrowsePathResult{
			StatusCode: StatusGood,
			Targets:    append([]NodeId{}, targets...),
		}
	}
	return results, nil
}

// methods echo their input arguments
func (self *testStackSession) Call(ctx context.Context, methodsToCall []CallMethodRequest) ([]CallMethodResult, error) {
	self.stack.stateLock.Lock()
	defer self.stack.stateLock.Unlock()
	if err := self.begin("Call", len(methodsToCall)); err != nil {
		return nil, err
	}
	results := make([]CallMethodResult, len(methodsToCall))
	for i, methodToCall := range methodsToCall {
		if !self.server.methods[methodToCall.MethodId] {
			results[i] = CallMethodResult{StatusCode: StatusBadNodeIdUnknown}
			continue
		}
		results[i] = CallMethodResult{
			StatusCode:           StatusGood,
			InputArgumentResults: make([]StatusCode, len(methodToCall.InputArguments)),
			OutputArguments:      append([]any{}, methodToCall.InputArguments...),
		}
	}
	return results, nil
}

func (self *testStackSession) HistoryReadRaw(
	ctx context.Context,
	details *HistoryReadRawDetails,
	releaseContinuationPoints bool,
	nodesToRead []HistoryReadValueId,
) ([]HistoryReadResult, error) {
	self.stack.stateLock.Lock()
	defer self.stack.stateLock.Unlock()
	if err := self.begin("HistoryReadRaw", len(nodesToRead)); err != nil {
		return nil, err
	}
	results := make([]HistoryReadResult, len(nodesToRead))
	for i, nodeToRead := range nodesToRead {
		offset := 0
		if 0 < len(nodeToRead.ContinuationPoint) {
			key := string(nodeToRead.ContinuationPoint)
			continuation, ok := self.continuations[key]
			if !ok {
				results[i] = HistoryReadResult{StatusCode: StatusBadContinuationInvalid}
				continue
			}
			delete(self.continuations, key)
			if releaseContinuationPoints {
				results[i] = HistoryReadResult{StatusCode: StatusGood}
				continue
			}
			offset = continuation.offset
		}
		dataValues, ok := self.server.history[nodeToRead.NodeId]
		if !ok {
			results[i] = HistoryReadResult{StatusCode: StatusBadNodeIdUnknown}
			continue
		}
		end, more := self.page(offset, len(dataValues))
		results[i] = HistoryReadResult{
			StatusCode: StatusGood,
			DataValues: append([]DataValue{}, dataValues[offset:end]...),
		}
		if more {
			results[i].ContinuationPoint = self.continuationPoint(nodeToRead.NodeId, end)
		}
	}
	return results, nil
}

func (self *testStackSession) CreateSubscription(ctx context.Context, subscriptionSettings *SubscriptionSettings) (*CreateSubscriptionResult, error) {
	self.stack.stateLock.Lock()
	defer self.stack.stateLock.Unlock()
	if err := self.begin("CreateSubscription", 1); err != nil {
		return nil, err
	}
	self.stack.nextSubscriptionId += 1
	subscriptionId := self.stack.nextSubscriptionId
	self.subscriptions[subscriptionId] = true
	return &CreateSubscriptionResult{
		SubscriptionId:            subscriptionId,
		RevisedPublishingInterval: subscriptionSettings.PublishingInterval,
		RevisedLifetimeCount:      subscriptionSettings.LifeTimeCount,
		RevisedMaxKeepAliveCount:  subscriptionSettings.MaxKeepAliveCount,
	}, nil
}

func (self *testStackSession) DeleteSubscription(ctx context.Context, subscriptionId uint32) error {
	self.stack.stateLock.Lock()
	defer self.stack.stateLock.Unlock()
	if err := self.begin("DeleteSubscription", 1); err != nil {
		return err
	}
	delete(self.subscriptions, subscriptionId)
	for monitoredItemId, item := range self.items {
		if item.subscriptionId == subscriptionId {
			delete(self.items, monitoredItemId)
		}
	}
	return nil
}

// items can be created on value nodes and, for events, on the server object
func (self *testStackSession) CreateMonitoredItems(ctx context.Context, subscriptionId uint32, itemsToCreate []MonitoredItemCreateRequest) ([]MonitoredItemCreateResult, error) {
	var beforeCreateItems func()
	func() {
		self.stack.stateLock.Lock()
		defer self.stack.stateLock.Unlock()
		beforeCreateItems = self.stack.beforeCreateItems
		self.stack.beforeCreateItems = nil
	}()
	if beforeCreateItems != nil {
		beforeCreateItems()
	}

	self.stack.stateLock.Lock()
	defer self.stack.stateLock.Unlock()
	if err := self.begin("CreateMonitoredItems", len(itemsToCreate)); err != nil {
		return nil, err
	}
	if !self.subscriptions[subscriptionId] {
		return nil, fmt.Errorf("unknown subscription %d", subscriptionId)
	}
	results := make([]MonitoredItemCreateResult, len(itemsToCreate))
	for i, itemToCreate := range itemsToCreate {
		_, isValue := self.server.values[itemToCreate.NodeId]
		isEventNotifier := itemToCreate.EventFilter != nil && itemToCreate.NodeId == testServerObject
		if !isValue && !isEventNotifier {
			results[i] = MonitoredItemCreateResult{StatusCode: StatusBadNodeIdUnknown}
			continue
		}
		self.stack.nextMonitoredItemId += 1
		monitoredItemId := self.stack.nextMonitoredItemId
		self.items[monitoredItemId] = &testItem{
			subscriptionId: subscriptionId,
			request:        itemToCreate,
		}
		results[i] = MonitoredItemCreateResult{
			StatusCode:              StatusGood,
			MonitoredItemId:         monitoredItemId,
			RevisedSamplingInterval: itemToCreate.SamplingInterval,
			RevisedQueueSize:        max(itemToCreate.QueueSize, 1),
		}
	}
	return results, nil
}

func (self *testStackSession) DeleteMonitoredItems(ctx context.Context, subscriptionId uint32, monitoredItemIds []uint32) ([]StatusCode, error) {
	self.stack.stateLock.Lock()
	defer self.stack.stateLock.Unlock()
	if err := self.begin("DeleteMonitoredItems", len(monitoredItemIds)); err != nil {
		return nil, err
	}
	statusCodes := make([]StatusCode, len(monitoredItemIds))
	for i, monitoredItemId := range monitoredItemIds {
		if _, ok := self.items[monitoredItemId]; !ok {
			statusCodes[i] = StatusBadNodeIdUnknown
			continue
		}
		delete(self.items, monitoredItemId)
		statusCodes[i] = StatusGood
	}
	return statusCodes, nil
}

func (self *testStackSession) Close(ctx context.Context) error {
	self.stack.stateLock.Lock()
	defer self.stack.stateLock.Unlock()
	self.stack.record(self.server.serverUri, "Close", 1)
	self.closed = true
	return nil
}

// the item count on the live sessions to the server
func (self *testStack) itemCount(serverUri string) int {
	n := 0
	for _, session := range self.liveSessions(serverUri) {
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			n += len(session.items)
		}()
	}
	return n
}

var testServerObject = NodeId{NamespaceIndex: 0, Identifier: "i=2253"}

const testNamespaceUri = "urn:test:plant"

// two servers behind two discovery urls, each with the same plant model
// under the plant namespace (index 1)
func newTestPlant() (*testStack, *testServer, *testServer) {
	a := newTestServer("urn:test:a", "opc.tcp://discovery-a", testNamespaceUri)
	b := newTestServer("urn:test:b", "opc.tcp://discovery-b", testNamespaceUri)
	for _, server := range []*testServer{a, b} {
		temperature := NodeId{NamespaceIndex: 1, Identifier: "s=Temperature"}
		pressure := NodeId{NamespaceIndex: 1, Identifier: "s=Pressure"}
		line := NodeId{NamespaceIndex: 1, Identifier: "s=Line"}
		server.values[temperature] = 21.5
		server.values[pressure] = 1.2
		server.methods[NodeId{NamespaceIndex: 1, Identifier: "s=Reset"}] = true
		server.paths[testPathKey(line, []ResolvedPathElement{
			{TargetName: ResolvedQualifiedName{NamespaceIndex: 1, Name: "Temperature"}},
		})] = []NodeId{temperature}
		server.paths[testPathKey(line, []ResolvedPathElement{
			{TargetName: ResolvedQualifiedName{NamespaceIndex: 1, Name: "Sensor"}},
		})] = []NodeId{temperature, pressure}
		references := []ReferenceDescription{}
		history := []DataValue{}
		for i := 0; i < 10; i += 1 {
			references = append(references, ReferenceDescription{
				ReferenceTypeId: HasComponent,
				IsForward:       true,
				NodeId:          NodeId{NamespaceIndex: 1, Identifier: fmt.Sprintf("s=Child%d", i)},
				BrowseName:      ResolvedQualifiedName{NamespaceIndex: 1, Name: fmt.Sprintf("Child%d", i)},
			})
			history = append(history, DataValue{
				Value:           float64(i),
				SourceTimestamp: time.Unix(int64(i), 0),
			})
		}
		server.references[line] = references
		server.history[temperature] = history
	}
	return newTestStack(a, b), a, b
}

func newTestClientSettings() *ClientSettings {
	settings := DefaultClientSettings()
	settings.DiscoveryUrls = []string{"opc.tcp://discovery-a", "opc.tcp://discovery-b"}
	settings.DefaultSessionSettings.ConnectTimeout = time.Second
	return settings
}

func newTestClient(ctx context.Context, stack Stack) *Client {
	client, err := NewClient(ctx, stack, newTestClientSettings())
	if err != nil {
		panic(err)
	}
	return client
}

func plantAddress(serverUri string, name string) Address {
	return NewAbsoluteAddress(serverUri, testNamespaceUri, fmt.Sprintf("s=%s", name))
}
