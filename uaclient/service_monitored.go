package uaclient

import (
	"context"
	"time"
)

type MonitoredDataTarget struct {
	Address Address
	// 0 monitors the value attribute
	AttributeId      AttributeId
	IndexRange       string
	SamplingInterval time.Duration
	QueueSize        uint32
	DiscardOldest    bool
	DeadbandType     DeadbandType
	DeadbandValue    float64
	MonitoringMode   MonitoringMode
	// 0 assigns a new handle
	ClientHandle ClientHandle
}

type MonitoredEventTarget struct {
	Address          Address
	SelectClauses    []SimpleAttributeOperand
	WhereClause      any
	SamplingInterval time.Duration
	QueueSize        uint32
	DiscardOldest    bool
	MonitoringMode   MonitoringMode
	// 0 assigns a new handle
	ClientHandle ClientHandle
}

// common to both create monitored requests
type MonitoredRequestHeader struct {
	RequestHeader
	// 0 uses an automatic subscription for the subscription settings
	ClientSubscriptionHandle ClientSubscriptionHandle
	// nil uses the default subscription settings
	SubscriptionSettings *SubscriptionSettings
	Settings             *ServiceSettings
}

type CreateMonitoredDataRequest struct {
	MonitoredRequestHeader
	Targets []MonitoredDataTarget
}

type CreateMonitoredEventsRequest struct {
	MonitoredRequestHeader
	Targets []MonitoredEventTarget
}

type MonitoredItemResultTarget struct {
	Status Status
	// assigned at submission, valid even when the create failed
	ClientHandle             ClientHandle
	MonitoredItemId          uint32
	RevisedSamplingInterval  time.Duration
	RevisedQueueSize         uint32
	ClientConnectionId       ClientConnectionId
	ClientSubscriptionHandle ClientSubscriptionHandle
}

type CreateMonitoredDataResult struct {
	ResultHeader
	Targets []MonitoredItemResultTarget
}

type CreateMonitoredEventsResult struct {
	ResultHeader
	Targets []MonitoredItemResultTarget
}

// the parts shared by the data and event jobs
type monitoredJobBase struct {
	jobBase
	subscriptionHandle   ClientSubscriptionHandle
	subscriptionSettings SubscriptionSettings
	resultTargets        []MonitoredItemResultTarget
	// the address of each target, for the item table
	addresses []Address
}

func newMonitoredJobBase(
	kind ServiceKind,
	header *MonitoredRequestHeader,
	resultHeader *ResultHeader,
	resultTargets []MonitoredItemResultTarget,
	addresses []Address,
	defaultSubscriptionSettings *SubscriptionSettings,
) monitoredJobBase {
	subscriptionSettings := header.SubscriptionSettings
	if subscriptionSettings == nil {
		subscriptionSettings = defaultSubscriptionSettings
	}
	for i := range resultTargets {
		resultTargets[i].Status = notProcessedStatus()
	}
	return monitoredJobBase{
		jobBase:              newJobBase(kind, header.RequestHeader, resultHeader, header.Settings),
		subscriptionHandle:   header.ClientSubscriptionHandle,
		subscriptionSettings: *subscriptionSettings,
		resultTargets:        resultTargets,
		addresses:            addresses,
	}
}

func (self *monitoredJobBase) targetCount() int {
	return len(self.resultTargets)
}

func (self *monitoredJobBase) targetAddresses(rank int) []Address {
	return []Address{self.addresses[rank]}
}

func (self *monitoredJobBase) targetStatus(rank int) Status {
	return self.resultTargets[rank].Status
}

func (self *monitoredJobBase) setTargetStatus(rank int, status Status) {
	self.resultTargets[rank].Status = status
}

func (self *monitoredJobBase) clientHandle(rank int) ClientHandle {
	return self.resultTargets[rank].ClientHandle
}

// assigns handles for all targets without one in one allocation
func (self *monitoredJobBase) assignClientHandles(allocator *HandleAllocator, setRequestHandle func(rank int, clientHandle ClientHandle)) error {
	ranks := []int{}
	for rank := range self.resultTargets {
		if self.resultTargets[rank].ClientHandle == 0 {
			ranks = append(ranks, rank)
		}
	}
	if len(ranks) == 0 {
		return nil
	}
	clientHandles, err := allocator.NextClientHandles(len(ranks))
	if err != nil {
		return err
	}
	for i, rank := range ranks {
		self.resultTargets[rank].ClientHandle = clientHandles[i]
		setRequestHandle(rank, clientHandles[i])
	}
	return nil
}

func (self *monitoredJobBase) itemInformation(rank int) MonitoredItemInformation {
	resultTarget := self.resultTargets[rank]
	return MonitoredItemInformation{
		ClientHandle:             resultTarget.ClientHandle,
		Kind:                     self.kind,
		Address:                  self.addresses[rank],
		RequestHandle:            self.header.RequestHandle,
		LastStatus:               resultTarget.Status,
		ClientConnectionId:       resultTarget.ClientConnectionId,
		ClientSubscriptionHandle: resultTarget.ClientSubscriptionHandle,
		MonitoredItemId:          resultTarget.MonitoredItemId,
		RevisedSamplingInterval:  resultTarget.RevisedSamplingInterval,
		RevisedQueueSize:         resultTarget.RevisedQueueSize,
	}
}

func (self *monitoredJobBase) cloneBase() monitoredJobBase {
	clone := *self
	clone.resultTargets = append([]MonitoredItemResultTarget{}, self.resultTargets...)
	clone.addresses = append([]Address{}, self.addresses...)
	return clone
}

// creates the items of a group of targets on the session's subscription.
// `requests[i]` is for `ranks[i]`, nil when the target failed to build.
func (self *monitoredJobBase) createItems(
	ctx context.Context,
	session *Session,
	j job,
	ranks []int,
	requests []*MonitoredItemCreateRequest,
) {
	var subscription *Subscription
	var status Status
	if self.subscriptionHandle != 0 {
		subscription, status = session.ensureSubscription(ctx, self.subscriptionHandle)
	} else {
		subscription, status = session.subscriptionFor(ctx, &self.subscriptionSettings)
	}
	if !status.IsGood() {
		for _, rank := range ranks {
			self.setTargetStatus(rank, status)
		}
		return
	}

	createRanks := []int{}
	itemsToCreate := []MonitoredItemCreateRequest{}
	for i, rank := range ranks {
		if requests[i] != nil {
			createRanks = append(createRanks, rank)
			itemsToCreate = append(itemsToCreate, *requests[i])
		}
	}
	if len(itemsToCreate) == 0 {
		return
	}

	callSession(ctx, session, j, createRanks, func(ctx context.Context, stackSession StackSession) error {
		createResults, status := subscription.createItems(ctx, stackSession, self.kind, itemsToCreate)
		if !status.IsGood() {
			for _, rank := range createRanks {
				self.setTargetStatus(rank, status)
			}
			return nil
		}
		for i, rank := range createRanks {
			createResult := createResults[i]
			resultTarget := &self.resultTargets[rank]
			resultTarget.Status = ServerStatus(createResult.StatusCode)
			if createResult.StatusCode.IsBad() {
				continue
			}
			resultTarget.MonitoredItemId = createResult.MonitoredItemId
			resultTarget.RevisedSamplingInterval = createResult.RevisedSamplingInterval
			resultTarget.RevisedQueueSize = createResult.RevisedQueueSize
			resultTarget.ClientConnectionId = session.connectionId
			resultTarget.ClientSubscriptionHandle = subscription.handle
		}
		return nil
	})
}

type monitoredDataJob struct {
	monitoredJobBase
	targets []MonitoredDataTarget
	result  *CreateMonitoredDataResult
}

func newMonitoredDataJob(request *CreateMonitoredDataRequest, defaultSubscriptionSettings *SubscriptionSettings) *monitoredDataJob {
	targets := append([]MonitoredDataTarget{}, request.Targets...)
	addresses := make([]Address, len(targets))
	result := &CreateMonitoredDataResult{
		Targets: make([]MonitoredItemResultTarget, len(targets)),
	}
	for i, target := range targets {
		addresses[i] = target.Address
		result.Targets[i].ClientHandle = target.ClientHandle
	}
	return &monitoredDataJob{
		monitoredJobBase: newMonitoredJobBase(
			ServiceCreateMonitoredData,
			&request.MonitoredRequestHeader,
			&result.ResultHeader,
			result.Targets,
			addresses,
			defaultSubscriptionSettings,
		),
		targets: targets,
		result:  result,
	}
}

func (self *monitoredDataJob) assignClientHandles(allocator *HandleAllocator) error {
	return self.monitoredJobBase.assignClientHandles(allocator, func(rank int, clientHandle ClientHandle) {
		self.targets[rank].ClientHandle = clientHandle
	})
}

func (self *monitoredDataJob) clone() durableJob {
	clone := &monitoredDataJob{
		monitoredJobBase: self.cloneBase(),
		targets:          append([]MonitoredDataTarget{}, self.targets...),
	}
	clone.result = &CreateMonitoredDataResult{
		ResultHeader: *self.resultHeader,
		Targets:      clone.resultTargets,
	}
	clone.resultHeader = &clone.result.ResultHeader
	return clone
}

func (self *monitoredDataJob) validateTarget(rank int) Status {
	target := self.targets[rank]
	if target.DeadbandType == DeadbandPercent && (target.DeadbandValue < 0 || 100 < target.DeadbandValue) {
		return NewStatus(CodeInvalidRequest, "target %d percent deadband out of range", rank)
	}
	return GoodStatus()
}

func (self *monitoredDataJob) invoke(ctx context.Context, session *Session, ranks []int, nodes [][]NodeId) {
	requests := make([]*MonitoredItemCreateRequest, len(ranks))
	for i, rank := range ranks {
		target := self.targets[rank]
		attributeId := target.AttributeId
		if attributeId == 0 {
			attributeId = AttributeValue
		}
		var dataChangeFilter *DataChangeFilter
		if target.DeadbandType != DeadbandNone {
			dataChangeFilter = &DataChangeFilter{
				DeadbandType:  target.DeadbandType,
				DeadbandValue: target.DeadbandValue,
			}
		}
		requests[i] = &MonitoredItemCreateRequest{
			NodeId:           nodes[i][0],
			AttributeId:      attributeId,
			IndexRange:       target.IndexRange,
			MonitoringMode:   monitoringModeOrDefault(target.MonitoringMode),
			ClientHandle:     target.ClientHandle,
			SamplingInterval: target.SamplingInterval,
			QueueSize:        target.QueueSize,
			DiscardOldest:    target.DiscardOldest,
			DataChangeFilter: dataChangeFilter,
		}
	}
	self.createItems(ctx, session, self, ranks, requests)
}

type monitoredEventsJob struct {
	monitoredJobBase
	targets []MonitoredEventTarget
	result  *CreateMonitoredEventsResult
}

func newMonitoredEventsJob(request *CreateMonitoredEventsRequest, defaultSubscriptionSettings *SubscriptionSettings) *monitoredEventsJob {
	targets := append([]MonitoredEventTarget{}, request.Targets...)
	addresses := make([]Address, len(targets))
	result := &CreateMonitoredEventsResult{
		Targets: make([]MonitoredItemResultTarget, len(targets)),
	}
	for i, target := range targets {
		addresses[i] = target.Address
		result.Targets[i].ClientHandle = target.ClientHandle
	}
	return &monitoredEventsJob{
		monitoredJobBase: newMonitoredJobBase(
			ServiceCreateMonitoredEvents,
			&request.MonitoredRequestHeader,
			&result.ResultHeader,
			result.Targets,
			addresses,
			defaultSubscriptionSettings,
		),
		targets: targets,
		result:  result,
	}
}

func (self *monitoredEventsJob) assignClientHandles(allocator *HandleAllocator) error {
	return self.monitoredJobBase.assignClientHandles(allocator, func(rank int, clientHandle ClientHandle) {
		self.targets[rank].ClientHandle = clientHandle
	})
}

func (self *monitoredEventsJob) clone() durableJob {
	clone := &monitoredEventsJob{
		monitoredJobBase: self.cloneBase(),
		targets:          append([]MonitoredEventTarget{}, self.targets...),
	}
	clone.result = &CreateMonitoredEventsResult{
		ResultHeader: *self.resultHeader,
		Targets:      clone.resultTargets,
	}
	clone.resultHeader = &clone.result.ResultHeader
	return clone
}

func (self *monitoredEventsJob) validateTarget(rank int) Status {
	if len(self.targets[rank].SelectClauses) == 0 {
		return NewStatus(CodeInvalidRequest, "target %d has no select clauses", rank)
	}
	return GoodStatus()
}

func (self *monitoredEventsJob) invoke(ctx context.Context, session *Session, ranks []int, nodes [][]NodeId) {
	requests := make([]*MonitoredItemCreateRequest, len(ranks))
	for i, rank := range ranks {
		target := self.targets[rank]
		selectClauses, status := resolveSelectClauses(ctx, session, self.callTimeout(), target.SelectClauses)
		if !status.IsGood() {
			self.setTargetStatus(rank, status)
			continue
		}
		requests[i] = &MonitoredItemCreateRequest{
			NodeId:           nodes[i][0],
			AttributeId:      AttributeEventNotifier,
			MonitoringMode:   monitoringModeOrDefault(target.MonitoringMode),
			ClientHandle:     target.ClientHandle,
			SamplingInterval: target.SamplingInterval,
			QueueSize:        target.QueueSize,
			DiscardOldest:    target.DiscardOldest,
			EventFilter: &EventFilter{
				SelectClauses: selectClauses,
				WhereClause:   target.WhereClause,
			},
		}
	}
	self.createItems(ctx, session, self, ranks, requests)
}

// maps the browse path names of the select clauses through the namespace table
func resolveSelectClauses(ctx context.Context, session *Session, callTimeout time.Duration, selectClauses []SimpleAttributeOperand) ([]ResolvedAttributeOperand, Status) {
	resolved := make([]ResolvedAttributeOperand, len(selectClauses))
	for i, selectClause := range selectClauses {
		browsePath := make([]ResolvedQualifiedName, len(selectClause.BrowsePath))
		for j, name := range selectClause.BrowsePath {
			namespaceIndex, status := session.NamespaceIndex(ctx, callTimeout, name.NamespaceUri)
			if !status.IsGood() {
				return nil, status
			}
			browsePath[j] = ResolvedQualifiedName{
				NamespaceIndex: namespaceIndex,
				Name:           name.Name,
			}
		}
		attributeId := selectClause.AttributeId
		if attributeId == 0 {
			attributeId = AttributeValue
		}
		resolved[i] = ResolvedAttributeOperand{
			TypeDefinitionId: selectClause.TypeDefinitionId,
			BrowsePath:       browsePath,
			AttributeId:      attributeId,
		}
	}
	return resolved, GoodStatus()
}

// the zero mode is disabled, which is never what an unset target means
func monitoringModeOrDefault(monitoringMode MonitoringMode) MonitoringMode {
	if monitoringMode == MonitoringModeDisabled {
		return MonitoringModeReporting
	}
	return monitoringMode
}
