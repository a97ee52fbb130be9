package uaclient

import (
	"github.com/golang/glog"
)

// Logging convention in the `uaclient` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - connect failures, reconnects and call timeouts
//     - persisted requests that are still bad after a housekeeping pass
// Warning:
//     recovered panics from callbacks and goroutines (see `HandleError`)
// V(LogLevelEvent):
//     key events with ids that can be used to filter
//     - session state changes, subscription creation, request completion summaries
// V(LogLevelTrace):
//     frequent events - per target resolution, per call invocation, continuation rounds

const LogLevelEvent = glog.Level(1)
const LogLevelTrace = glog.Level(2)
