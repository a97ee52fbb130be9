package uaclient

import (
	"context"
)

type MethodCallTarget struct {
	ObjectAddress  Address
	MethodAddress  Address
	InputArguments []any
}

type MethodCallRequest struct {
	RequestHeader
	Settings *ServiceSettings
	Targets  []MethodCallTarget
}

type MethodCallResultTarget struct {
	Status               Status
	InputArgumentResults []StatusCode
	OutputArguments      []any
}

type MethodCallResult struct {
	ResultHeader
	Targets []MethodCallResultTarget
}

type methodCallJob struct {
	jobBase
	targets []MethodCallTarget
	result  *MethodCallResult
}

func newMethodCallJob(request *MethodCallRequest) *methodCallJob {
	result := &MethodCallResult{
		Targets: make([]MethodCallResultTarget, len(request.Targets)),
	}
	for i := range result.Targets {
		result.Targets[i].Status = notProcessedStatus()
	}
	return &methodCallJob{
		jobBase: newJobBase(ServiceMethodCall, request.RequestHeader, &result.ResultHeader, request.Settings),
		targets: append([]MethodCallTarget{}, request.Targets...),
		result:  result,
	}
}

func (self *methodCallJob) targetCount() int {
	return len(self.targets)
}

// the object and the method, which must be on the same server
func (self *methodCallJob) targetAddresses(rank int) []Address {
	return []Address{self.targets[rank].ObjectAddress, self.targets[rank].MethodAddress}
}

func (self *methodCallJob) targetStatus(rank int) Status {
	return self.result.Targets[rank].Status
}

func (self *methodCallJob) setTargetStatus(rank int, status Status) {
	self.result.Targets[rank].Status = status
}

func (self *methodCallJob) invoke(ctx context.Context, session *Session, ranks []int, nodes [][]NodeId) {
	methodsToCall := make([]CallMethodRequest, len(ranks))
	for i, rank := range ranks {
		methodsToCall[i] = CallMethodRequest{
			ObjectId:       nodes[i][0],
			MethodId:       nodes[i][1],
			InputArguments: self.targets[rank].InputArguments,
		}
	}
	callSession(ctx, session, self, ranks, func(ctx context.Context, stackSession StackSession) error {
		callResults, err := stackSession.Call(ctx, methodsToCall)
		if err != nil {
			return err
		}
		for i, rank := range ranks {
			if len(callResults) <= i {
				self.setTargetStatus(rank, NewStatus(CodeInvocationFailed, "no call result returned"))
				continue
			}
			callResult := callResults[i]
			self.result.Targets[rank].InputArgumentResults = callResult.InputArgumentResults
			self.result.Targets[rank].OutputArguments = callResult.OutputArguments
			self.setTargetStatus(rank, ServerStatus(callResult.StatusCode))
		}
		return nil
	})
}
