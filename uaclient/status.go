package uaclient

import (
	"fmt"
)

// server side status code. The top two bits are the severity.
type StatusCode uint32

const (
	StatusGood      StatusCode = 0x00000000
	StatusUncertain StatusCode = 0x40000000
	StatusBad       StatusCode = 0x80000000

	StatusBadNodeIdUnknown       StatusCode = 0x80340000
	StatusBadAttributeIdInvalid  StatusCode = 0x80350000
	StatusBadNotWritable         StatusCode = 0x803B0000
	StatusBadNoMatch             StatusCode = 0x806F0000
	StatusBadTimeout             StatusCode = 0x800A0000
	StatusBadContinuationInvalid StatusCode = 0x804A0000
)

func (self StatusCode) IsGood() bool {
	return self&0xC0000000 == 0
}

func (self StatusCode) IsUncertain() bool {
	return self&0xC0000000 == 0x40000000
}

func (self StatusCode) IsBad() bool {
	return self&0x80000000 != 0
}

func (self StatusCode) String() string {
	return fmt.Sprintf("0x%08X", uint32(self))
}

type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindConfiguration  ErrorKind = "Configuration"
	KindDiscovery      ErrorKind = "Discovery"
	KindResolution     ErrorKind = "Resolution"
	KindConnection     ErrorKind = "Connection"
	KindSecurity       ErrorKind = "Security"
	KindInvocation     ErrorKind = "Invocation"
	KindInvalidRequest ErrorKind = "InvalidRequest"
	KindFatal          ErrorKind = "Fatal"
)

// client side status code
type Code int

const (
	CodeGood Code = iota
	CodeUncertain
	// aggregate of targets where at least one is bad
	CodeBad
	CodeNotProcessed

	CodeInvalidSettings

	CodeNoDiscoveryUrls
	CodeDiscoveryFailed
	CodeAmbiguousServerUri

	CodeUnknownNamespace
	CodeUnknownServer
	CodeAmbiguousPath
	CodePathNotFound
	CodeInvalidAddress
	CodeEmptyAddress

	CodeConnectionFailed
	CodeDisconnectionFailed
	CodeNotConnected

	CodeNoMatchingEndpoint
	CodeCertificateRejected

	CodeInvocationFailed
	CodeServerRejected
	CodeSubscriptionFailed

	CodeInvalidRequest
	CodeUnknownHandle

	CodeHandlesExhausted
	CodeClientClosed
)

var codeNames = map[Code]string{
	CodeGood:                "Good",
	CodeUncertain:           "Uncertain",
	CodeBad:                 "Bad",
	CodeNotProcessed:        "NotProcessed",
	CodeInvalidSettings:     "InvalidSettings",
	CodeNoDiscoveryUrls:     "NoDiscoveryUrls",
	CodeDiscoveryFailed:     "DiscoveryFailed",
	CodeAmbiguousServerUri:  "AmbiguousServerUri",
	CodeUnknownNamespace:    "UnknownNamespace",
	CodeUnknownServer:       "UnknownServer",
	CodeAmbiguousPath:       "AmbiguousPath",
	CodePathNotFound:        "PathNotFound",
	CodeInvalidAddress:      "InvalidAddress",
	CodeEmptyAddress:        "EmptyAddress",
	CodeConnectionFailed:    "ConnectionFailed",
	CodeDisconnectionFailed: "DisconnectionFailed",
	CodeNotConnected:        "NotConnected",
	CodeNoMatchingEndpoint:  "NoMatchingEndpoint",
	CodeCertificateRejected: "CertificateRejected",
	CodeInvocationFailed:    "InvocationFailed",
	CodeServerRejected:      "ServerRejected",
	CodeSubscriptionFailed:  "SubscriptionFailed",
	CodeInvalidRequest:      "InvalidRequest",
	CodeUnknownHandle:       "UnknownHandle",
	CodeHandlesExhausted:    "HandlesExhausted",
	CodeClientClosed:        "ClientClosed",
}

func (self Code) String() string {
	if name, ok := codeNames[self]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(self))
}

func (self Code) Kind() ErrorKind {
	switch self {
	case CodeGood, CodeUncertain, CodeBad, CodeNotProcessed:
		return KindNone
	case CodeInvalidSettings:
		return KindConfiguration
	case CodeNoDiscoveryUrls, CodeDiscoveryFailed, CodeAmbiguousServerUri:
		return KindDiscovery
	case CodeUnknownNamespace, CodeUnknownServer, CodeAmbiguousPath, CodePathNotFound, CodeInvalidAddress, CodeEmptyAddress:
		return KindResolution
	case CodeConnectionFailed, CodeDisconnectionFailed, CodeNotConnected:
		return KindConnection
	case CodeNoMatchingEndpoint, CodeCertificateRejected:
		return KindSecurity
	case CodeInvocationFailed, CodeServerRejected, CodeSubscriptionFailed:
		return KindInvocation
	case CodeInvalidRequest, CodeUnknownHandle:
		return KindInvalidRequest
	default:
		return KindFatal
	}
}

type Status struct {
	Code Code
	// the server or stack status code, when the status originates from a server
	ServerCode StatusCode
	Message    string
}

func GoodStatus() Status {
	return Status{Code: CodeGood}
}

func NewStatus(code Code, format string, a ...any) Status {
	return Status{
		Code:    code,
		Message: fmt.Sprintf(format, a...),
	}
}

func ServerStatus(serverCode StatusCode) Status {
	switch {
	case serverCode.IsGood():
		return Status{Code: CodeGood, ServerCode: serverCode}
	case serverCode.IsUncertain():
		return Status{Code: CodeUncertain, ServerCode: serverCode}
	default:
		return Status{
			Code:       CodeServerRejected,
			ServerCode: serverCode,
			Message:    fmt.Sprintf("server returned %s", serverCode),
		}
	}
}

func (self Status) IsGood() bool {
	return self.Code == CodeGood
}

func (self Status) IsUncertain() bool {
	return self.Code == CodeUncertain
}

func (self Status) IsBad() bool {
	return !self.IsGood() && !self.IsUncertain()
}

func (self Status) String() string {
	s := self.Code.String()
	if self.ServerCode != StatusGood {
		s = fmt.Sprintf("%s (%s)", s, self.ServerCode)
	}
	if self.Message != "" {
		s = fmt.Sprintf("%s: %s", s, self.Message)
	}
	return s
}

// nil when the status is not bad
func (self Status) Err() error {
	if !self.IsBad() {
		return nil
	}
	return &StatusError{Status: self}
}

type StatusError struct {
	Status Status
}

func (self *StatusError) Error() string {
	return self.Status.String()
}

// errors match by code, so sentinels can be used with `errors.Is`
func (self *StatusError) Is(target error) bool {
	if t, ok := target.(*StatusError); ok {
		return t.Status.Code == self.Status.Code
	}
	return false
}

var (
	ErrInvalidRequest   = &StatusError{Status: Status{Code: CodeInvalidRequest}}
	ErrUnknownHandle    = &StatusError{Status: Status{Code: CodeUnknownHandle}}
	ErrHandlesExhausted = &StatusError{Status: Status{Code: CodeHandlesExhausted}}
	ErrClientClosed     = &StatusError{Status: Status{Code: CodeClientClosed}}
	ErrNotConnected     = &StatusError{Status: Status{Code: CodeNotConnected}}
)

// extracts the status carried by an error
func StatusOf(err error) Status {
	if err == nil {
		return GoodStatus()
	}
	if statusErr, ok := err.(*StatusError); ok {
		return statusErr.Status
	}
	return NewStatus(CodeInvocationFailed, "%s", err)
}

// aggregate status over all target statuses.
// Good iff all are good, otherwise a summary of the counts.
func AggregateStatus(statuses []Status) Status {
	goodCount := 0
	uncertainCount := 0
	badCount := 0
	for _, status := range statuses {
		switch {
		case status.IsGood():
			goodCount += 1
		case status.IsUncertain():
			uncertainCount += 1
		default:
			badCount += 1
		}
	}
	summary := fmt.Sprintf("%d good, %d uncertain, %d bad", goodCount, uncertainCount, badCount)
	switch {
	case badCount == 0 && uncertainCount == 0:
		return Status{Code: CodeGood}
	case badCount == 0:
		return Status{Code: CodeUncertain, Message: summary}
	default:
		return Status{Code: CodeBad, Message: summary}
	}
}
