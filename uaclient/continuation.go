package uaclient

import (
	"context"

	"github.com/golang/glog"
)

// drives the automatic continuation of browse and history read calls.
// One budget is shared by all targets of a call. Each round batches exactly
// the targets that still have a continuation point, and a round starts only
// after the previous round is merged.
type ContinuationController struct {
	metrics *clientMetrics
}

func NewContinuationController(metrics *clientMetrics) *ContinuationController {
	return &ContinuationController{
		metrics: metrics,
	}
}

// runs continuation rounds until no target has a continuation point or the budget is spent.
// A budget of 0 disables continuation. Returns the number of rounds.
func (self *ContinuationController) Run(
	ctx context.Context,
	kind ServiceKind,
	maxAuto int,
	pending func() []int,
	round func(ctx context.Context, ranks []int),
) int {
	rounds := 0
	for budget := maxAuto; 0 < budget; budget -= 1 {
		if ctx.Err() != nil {
			break
		}
		ranks := pending()
		if len(ranks) == 0 {
			break
		}
		glog.V(LogLevelTrace).Infof("[cont]%s round %d for %d targets\n", kind, rounds+1, len(ranks))
		round(ctx, ranks)
		rounds += 1
	}
	if 0 < rounds {
		self.metrics.continuationRounds(kind, rounds)
	}
	if remaining := len(pending()); 0 < remaining && 0 < maxAuto {
		glog.V(LogLevelEvent).Infof("[cont]%s budget of %d spent with %d targets left\n", kind, maxAuto, remaining)
	}
	return rounds
}
