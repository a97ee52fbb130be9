package uaclient

import (
	"context"
)

type ReadTarget struct {
	Address     Address
	AttributeId AttributeId
	IndexRange  string
}

type ReadRequest struct {
	RequestHeader
	// nil uses the default service settings
	Settings *ServiceSettings
	Targets  []ReadTarget
}

type ReadResultTarget struct {
	Status Status
	Value  DataValue
}

type ReadResult struct {
	ResultHeader
	Targets []ReadResultTarget
}

type readJob struct {
	jobBase
	targets []ReadTarget
	result  *ReadResult
}

func newReadJob(request *ReadRequest) *readJob {
	result := &ReadResult{
		Targets: make([]ReadResultTarget, len(request.Targets)),
	}
	for i := range result.Targets {
		result.Targets[i].Status = notProcessedStatus()
	}
	return &readJob{
		jobBase: newJobBase(ServiceRead, request.RequestHeader, &result.ResultHeader, request.Settings),
		targets: append([]ReadTarget{}, request.Targets...),
		result:  result,
	}
}

func (self *readJob) targetCount() int {
	return len(self.targets)
}

func (self *readJob) targetAddresses(rank int) []Address {
	return []Address{self.targets[rank].Address}
}

func (self *readJob) targetStatus(rank int) Status {
	return self.result.Targets[rank].Status
}

func (self *readJob) setTargetStatus(rank int, status Status) {
	self.result.Targets[rank].Status = status
}

func (self *readJob) validateTarget(rank int) Status {
	if self.targets[rank].AttributeId == 0 {
		return NewStatus(CodeInvalidRequest, "target %d has no attribute id", rank)
	}
	return GoodStatus()
}

func (self *readJob) invoke(ctx context.Context, session *Session, ranks []int, nodes [][]NodeId) {
	nodesToRead := make([]ReadValueId, len(ranks))
	for i, rank := range ranks {
		nodesToRead[i] = ReadValueId{
			NodeId:      nodes[i][0],
			AttributeId: self.targets[rank].AttributeId,
			IndexRange:  self.targets[rank].IndexRange,
		}
	}
	callSession(ctx, session, self, ranks, func(ctx context.Context, stackSession StackSession) error {
		values, err := stackSession.Read(ctx, nodesToRead)
		if err != nil {
			return err
		}
		for i, rank := range ranks {
			if len(values) <= i {
				self.setTargetStatus(rank, NewStatus(CodeInvocationFailed, "no value returned"))
				continue
			}
			self.result.Targets[rank].Value = values[i]
			self.setTargetStatus(rank, ServerStatus(values[i].Status))
		}
		return nil
	})
}
