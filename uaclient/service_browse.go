package uaclient

import (
	"context"
	"time"

	"github.com/golang/glog"
)

type BrowseTarget struct {
	Address   Address
	Direction BrowseDirection
	// null browses hierarchical references
	ReferenceType   NodeId
	IncludeSubtypes bool
	NodeClassMask   uint32
	ResultMask      uint32
}

type BrowseRequest struct {
	RequestHeader
	Settings *BrowseSettings
	Targets  []BrowseTarget
}

type BrowseResultTarget struct {
	Status     Status
	References []ReferenceDescription
	// empty when the target is exhausted
	ContinuationPoint []byte
	// the number of automatic browse next rounds that included the target
	AutoBrowsedNext int
}

type BrowseResult struct {
	ResultHeader
	Targets []BrowseResultTarget
}

// shared by browse and browse next
type browseResults struct {
	settings BrowseSettings
	result   *BrowseResult
}

func newBrowseResults(n int, settings *BrowseSettings) browseResults {
	if settings == nil {
		settings = DefaultBrowseSettings()
	}
	result := &BrowseResult{
		Targets: make([]BrowseResultTarget, n),
	}
	for i := range result.Targets {
		result.Targets[i].Status = notProcessedStatus()
	}
	return browseResults{
		settings: *settings,
		result:   result,
	}
}

func (self *browseResults) targetStatus(rank int) Status {
	return self.result.Targets[rank].Status
}

func (self *browseResults) setTargetStatus(rank int, status Status) {
	self.result.Targets[rank].Status = status
}

func (self *browseResults) maxAutoContinue() int {
	if self.settings.ReleaseContinuationPoints {
		return 0
	}
	return self.settings.MaxAutoBrowseNext
}

func (self *browseResults) continuationPending(rank int) bool {
	target := &self.result.Targets[rank]
	return !target.Status.IsBad() && 0 < len(target.ContinuationPoint)
}

// appends the references of each browse result and takes its continuation point
func (self *browseResults) merge(ctx context.Context, session *Session, callTimeout time.Duration, ranks []int, stackResults []NodeBrowseResult) {
	namespaceUris, status := session.NamespaceUris(ctx, callTimeout)
	if !status.IsGood() {
		// references keep their namespace index only
		glog.V(LogLevelTrace).Infof("[dispatch]browse on %d namespace array = %s\n", session.connectionId, status)
	}
	for i, rank := range ranks {
		target := &self.result.Targets[rank]
		if len(stackResults) <= i {
			target.Status = NewStatus(CodeInvocationFailed, "no browse result returned")
			target.ContinuationPoint = nil
			continue
		}
		browseResult := stackResults[i]
		target.Status = ServerStatus(browseResult.StatusCode)
		target.ContinuationPoint = browseResult.ContinuationPoint
		for _, reference := range browseResult.References {
			if reference.NamespaceUri == "" && int(reference.NodeId.NamespaceIndex) < len(namespaceUris) {
				reference.NamespaceUri = namespaceUris[reference.NodeId.NamespaceIndex]
			}
			target.References = append(target.References, reference)
		}
	}
}

func (self *browseResults) continueTargets(ctx context.Context, session *Session, ranks []int, j job) {
	continuationPoints := make([][]byte, len(ranks))
	for i, rank := range ranks {
		continuationPoints[i] = self.result.Targets[rank].ContinuationPoint
	}
	callSession(ctx, session, j, ranks, func(ctx context.Context, stackSession StackSession) error {
		stackResults, err := stackSession.BrowseNext(ctx, false, continuationPoints)
		if err != nil {
			return err
		}
		self.merge(ctx, session, j.callTimeout(), ranks, stackResults)
		for _, rank := range ranks {
			self.result.Targets[rank].AutoBrowsedNext += 1
		}
		return nil
	})
	for _, rank := range ranks {
		if self.result.Targets[rank].Status.IsBad() {
			// drops out of further rounds, keeping what it accumulated
			self.result.Targets[rank].ContinuationPoint = nil
		}
	}
}

type browseJob struct {
	jobBase
	browseResults
	targets []BrowseTarget
}

func newBrowseJob(request *BrowseRequest) *browseJob {
	results := newBrowseResults(len(request.Targets), request.Settings)
	return &browseJob{
		jobBase:       newJobBase(ServiceBrowse, request.RequestHeader, &results.result.ResultHeader, &results.settings.ServiceSettings),
		browseResults: results,
		targets:       append([]BrowseTarget{}, request.Targets...),
	}
}

func (self *browseJob) targetCount() int {
	return len(self.targets)
}

func (self *browseJob) targetAddresses(rank int) []Address {
	return []Address{self.targets[rank].Address}
}

func (self *browseJob) invoke(ctx context.Context, session *Session, ranks []int, nodes [][]NodeId) {
	nodesToBrowse := make([]BrowseDescription, len(ranks))
	for i, rank := range ranks {
		target := self.targets[rank]
		referenceType := target.ReferenceType
		includeSubtypes := target.IncludeSubtypes
		if referenceType.IsNull() {
			referenceType = HierarchicalReferences
			includeSubtypes = true
		}
		nodesToBrowse[i] = BrowseDescription{
			NodeId:          nodes[i][0],
			Direction:       target.Direction,
			ReferenceTypeId: referenceType,
			IncludeSubtypes: includeSubtypes,
			NodeClassMask:   target.NodeClassMask,
			ResultMask:      target.ResultMask,
		}
	}
	callSession(ctx, session, self, ranks, func(ctx context.Context, stackSession StackSession) error {
		stackResults, err := stackSession.Browse(ctx, self.browseResults.settings.MaxReferencesToReturn, nodesToBrowse)
		if err != nil {
			return err
		}
		self.merge(ctx, session, self.callTimeout(), ranks, stackResults)
		return nil
	})
}

func (self *browseJob) continueTargets(ctx context.Context, session *Session, ranks []int) {
	self.browseResults.continueTargets(ctx, session, ranks, self)
}

type BrowseNextTarget struct {
	// routes the continuation point to the session of the original browse
	Address           Address
	ContinuationPoint []byte
}

type BrowseNextRequest struct {
	RequestHeader
	Settings *BrowseSettings
	Targets  []BrowseNextTarget
}

type browseNextJob struct {
	jobBase
	browseResults
	targets []BrowseNextTarget
}

func newBrowseNextJob(request *BrowseNextRequest) *browseNextJob {
	results := newBrowseResults(len(request.Targets), request.Settings)
	return &browseNextJob{
		jobBase:       newJobBase(ServiceBrowseNext, request.RequestHeader, &results.result.ResultHeader, &results.settings.ServiceSettings),
		browseResults: results,
		targets:       append([]BrowseNextTarget{}, request.Targets...),
	}
}

func (self *browseNextJob) targetCount() int {
	return len(self.targets)
}

func (self *browseNextJob) targetAddresses(rank int) []Address {
	return []Address{self.targets[rank].Address}
}

func (self *browseNextJob) validateTarget(rank int) Status {
	if len(self.targets[rank].ContinuationPoint) == 0 {
		return NewStatus(CodeInvalidRequest, "target %d has no continuation point", rank)
	}
	return GoodStatus()
}

func (self *browseNextJob) invoke(ctx context.Context, session *Session, ranks []int, nodes [][]NodeId) {
	continuationPoints := make([][]byte, len(ranks))
	for i, rank := range ranks {
		continuationPoints[i] = self.targets[rank].ContinuationPoint
	}
	release := self.browseResults.settings.ReleaseContinuationPoints
	callSession(ctx, session, self, ranks, func(ctx context.Context, stackSession StackSession) error {
		stackResults, err := stackSession.BrowseNext(ctx, release, continuationPoints)
		if err != nil {
			return err
		}
		self.merge(ctx, session, self.callTimeout(), ranks, stackResults)
		return nil
	})
}

func (self *browseNextJob) continueTargets(ctx context.Context, session *Session, ranks []int) {
	self.browseResults.continueTargets(ctx, session, ranks, self)
}
