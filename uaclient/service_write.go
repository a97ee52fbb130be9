package uaclient

import (
	"context"
)

type WriteTarget struct {
	Address Address
	// 0 writes the value attribute
	AttributeId AttributeId
	IndexRange  string
	Value       any
}

type WriteRequest struct {
	RequestHeader
	Settings *ServiceSettings
	Targets  []WriteTarget
}

type WriteResultTarget struct {
	Status Status
}

type WriteResult struct {
	ResultHeader
	Targets []WriteResultTarget
}

type writeJob struct {
	jobBase
	targets []WriteTarget
	result  *WriteResult
}

func newWriteJob(request *WriteRequest) *writeJob {
	result := &WriteResult{
		Targets: make([]WriteResultTarget, len(request.Targets)),
	}
	for i := range result.Targets {
		result.Targets[i].Status = notProcessedStatus()
	}
	return &writeJob{
		jobBase: newJobBase(ServiceWrite, request.RequestHeader, &result.ResultHeader, request.Settings),
		targets: append([]WriteTarget{}, request.Targets...),
		result:  result,
	}
}

func (self *writeJob) targetCount() int {
	return len(self.targets)
}

func (self *writeJob) targetAddresses(rank int) []Address {
	return []Address{self.targets[rank].Address}
}

func (self *writeJob) targetStatus(rank int) Status {
	return self.result.Targets[rank].Status
}

func (self *writeJob) setTargetStatus(rank int, status Status) {
	self.result.Targets[rank].Status = status
}

func (self *writeJob) invoke(ctx context.Context, session *Session, ranks []int, nodes [][]NodeId) {
	nodesToWrite := make([]WriteValue, len(ranks))
	for i, rank := range ranks {
		target := self.targets[rank]
		attributeId := target.AttributeId
		if attributeId == 0 {
			attributeId = AttributeValue
		}
		nodesToWrite[i] = WriteValue{
			NodeId:      nodes[i][0],
			AttributeId: attributeId,
			IndexRange:  target.IndexRange,
			Value:       target.Value,
		}
	}
	callSession(ctx, session, self, ranks, func(ctx context.Context, stackSession StackSession) error {
		statusCodes, err := stackSession.Write(ctx, nodesToWrite)
		if err != nil {
			return err
		}
		for i, rank := range ranks {
			if len(statusCodes) <= i {
				self.setTargetStatus(rank, NewStatus(CodeInvocationFailed, "no status returned"))
				continue
			}
			self.setTargetStatus(rank, ServerStatus(statusCodes[i]))
		}
		return nil
	})
}
