package uaclient

import (
	"context"
)

type HistoryReadTarget struct {
	Address    Address
	IndexRange string
	// set to continue a previous read, or to release it
	ContinuationPoint []byte
}

type HistoryReadRawModifiedRequest struct {
	RequestHeader
	Settings *HistoryReadRawModifiedSettings
	Targets  []HistoryReadTarget
}

type HistoryReadResultTarget struct {
	Status Status
	// in received order over all rounds
	DataValues        []DataValue
	ModificationInfos []ModificationInfo
	// empty when the target is exhausted
	ContinuationPoint []byte
	// the number of automatic continuation rounds that included the target
	AutoReadMore int
}

type HistoryReadRawModifiedResult struct {
	ResultHeader
	Targets []HistoryReadResultTarget
}

type historyReadJob struct {
	jobBase
	settings HistoryReadRawModifiedSettings
	targets  []HistoryReadTarget
	result   *HistoryReadRawModifiedResult
	// the node ids are needed again with each continuation point
	resolvedNodes []NodeId
}

func newHistoryReadJob(request *HistoryReadRawModifiedRequest) *historyReadJob {
	settings := request.Settings
	if settings == nil {
		settings = DefaultHistoryReadRawModifiedSettings()
	}
	result := &HistoryReadRawModifiedResult{
		Targets: make([]HistoryReadResultTarget, len(request.Targets)),
	}
	for i := range result.Targets {
		result.Targets[i].Status = notProcessedStatus()
	}
	return &historyReadJob{
		jobBase:       newJobBase(ServiceHistoryReadRawModified, request.RequestHeader, &result.ResultHeader, &settings.ServiceSettings),
		settings:      *settings,
		targets:       append([]HistoryReadTarget{}, request.Targets...),
		result:        result,
		resolvedNodes: make([]NodeId, len(request.Targets)),
	}
}

func (self *historyReadJob) targetCount() int {
	return len(self.targets)
}

func (self *historyReadJob) targetAddresses(rank int) []Address {
	return []Address{self.targets[rank].Address}
}

func (self *historyReadJob) targetStatus(rank int) Status {
	return self.result.Targets[rank].Status
}

func (self *historyReadJob) setTargetStatus(rank int, status Status) {
	self.result.Targets[rank].Status = status
}

func (self *historyReadJob) validateTarget(rank int) Status {
	if self.settings.ReleaseContinuationPoints && len(self.targets[rank].ContinuationPoint) == 0 {
		return NewStatus(CodeInvalidRequest, "target %d has no continuation point to release", rank)
	}
	return GoodStatus()
}

func (self *historyReadJob) details() *HistoryReadRawDetails {
	return &HistoryReadRawDetails{
		StartTime:        self.settings.StartTime,
		EndTime:          self.settings.EndTime,
		NumValuesPerNode: self.settings.NumValuesPerNode,
		IsReadModified:   self.settings.IsReadModified,
		ReturnBounds:     self.settings.ReturnBounds,
	}
}

func (self *historyReadJob) invoke(ctx context.Context, session *Session, ranks []int, nodes [][]NodeId) {
	nodesToRead := make([]HistoryReadValueId, len(ranks))
	for i, rank := range ranks {
		nodesToRead[i] = HistoryReadValueId{
			NodeId:            nodes[i][0],
			IndexRange:        self.targets[rank].IndexRange,
			ContinuationPoint: self.targets[rank].ContinuationPoint,
		}
		self.resolvedNodes[rank] = nodes[i][0]
	}
	self.read(ctx, session, ranks, nodesToRead, self.settings.ReleaseContinuationPoints, false)
}

func (self *historyReadJob) read(
	ctx context.Context,
	session *Session,
	ranks []int,
	nodesToRead []HistoryReadValueId,
	release bool,
	continuation bool,
) {
	details := self.details()
	callSession(ctx, session, self, ranks, func(ctx context.Context, stackSession StackSession) error {
		historyResults, err := stackSession.HistoryReadRaw(ctx, details, release, nodesToRead)
		if err != nil {
			return err
		}
		for i, rank := range ranks {
			target := &self.result.Targets[rank]
			if len(historyResults) <= i {
				target.Status = NewStatus(CodeInvocationFailed, "no history result returned")
				target.ContinuationPoint = nil
				continue
			}
			historyResult := historyResults[i]
			target.Status = ServerStatus(historyResult.StatusCode)
			target.ContinuationPoint = historyResult.ContinuationPoint
			target.DataValues = append(target.DataValues, historyResult.DataValues...)
			target.ModificationInfos = append(target.ModificationInfos, historyResult.ModificationInfos...)
			if continuation {
				target.AutoReadMore += 1
			}
		}
		return nil
	})
	if continuation {
		for _, rank := range ranks {
			if self.result.Targets[rank].Status.IsBad() {
				self.result.Targets[rank].ContinuationPoint = nil
			}
		}
	}
}

func (self *historyReadJob) maxAutoContinue() int {
	if self.settings.ReleaseContinuationPoints {
		return 0
	}
	return self.settings.MaxAutoReadMore
}

func (self *historyReadJob) continuationPending(rank int) bool {
	target := &self.result.Targets[rank]
	return !target.Status.IsBad() && 0 < len(target.ContinuationPoint)
}

func (self *historyReadJob) continueTargets(ctx context.Context, session *Session, ranks []int) {
	nodesToRead := make([]HistoryReadValueId, len(ranks))
	for i, rank := range ranks {
		nodesToRead[i] = HistoryReadValueId{
			NodeId:            self.resolvedNodes[rank],
			IndexRange:        self.targets[rank].IndexRange,
			ContinuationPoint: self.result.Targets[rank].ContinuationPoint,
		}
	}
	self.read(ctx, session, ranks, nodesToRead, false, true)
}
