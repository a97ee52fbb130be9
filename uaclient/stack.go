package uaclient

import (
	"context"
	"errors"
	"time"
)

// The protocol stack is the external collaborator that owns the wire protocol,
// secure channel and transport. All node ids passed to a stack session are
// resolved against that session's namespace table.
// Per-call timeouts are context deadlines, which the stack must honor.

type Stack interface {
	Discover(ctx context.Context, discoveryUrl string) ([]EndpointDescription, error)
	Connect(ctx context.Context, connectRequest *ConnectRequest) (StackSession, error)
}

type StackSession interface {
	Read(ctx context.Context, nodesToRead []ReadValueId) ([]DataValue, error)
	Write(ctx context.Context, nodesToWrite []WriteValue) ([]StatusCode, error)
	Browse(ctx context.Context, maxReferencesPerNode uint32, nodesToBrowse []BrowseDescription) ([]NodeBrowseResult, error)
	BrowseNext(ctx context.Context, releaseContinuationPoints bool, continuationPoints [][]byte) ([]NodeBrowseResult, error)
	TranslateBrowsePaths(ctx context.Context, browsePaths []BrowsePath) ([]BrowsePathResult, error)
	Call(ctx context.Context, methodsToCall []CallMethodRequest) ([]CallMethodResult, error)
	HistoryReadRaw(ctx context.Context, details *HistoryReadRawDetails, releaseContinuationPoints bool, nodesToRead []HistoryReadValueId) ([]HistoryReadResult, error)
	CreateSubscription(ctx context.Context, subscriptionSettings *SubscriptionSettings) (*CreateSubscriptionResult, error)
	DeleteSubscription(ctx context.Context, subscriptionId uint32) error
	CreateMonitoredItems(ctx context.Context, subscriptionId uint32, itemsToCreate []MonitoredItemCreateRequest) ([]MonitoredItemCreateResult, error)
	DeleteMonitoredItems(ctx context.Context, subscriptionId uint32, monitoredItemIds []uint32) ([]StatusCode, error)
	Close(ctx context.Context) error
}

// a stack wraps this when the server rejected the client certificate
var ErrCertificateRejected = errors.New("certificate rejected")

type ConnectionStatus int

const (
	ConnectionStatusConnected    ConnectionStatus = 1
	ConnectionStatusDisconnected ConnectionStatus = 2
)

func (self ConnectionStatus) String() string {
	switch self {
	case ConnectionStatusConnected:
		return "Connected"
	case ConnectionStatusDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// called by the stack on its own goroutines
type NotificationFunction = func(notification *PublishNotification)

// called by the stack on its own goroutines
type ConnectionStatusFunction = func(status ConnectionStatus, err error)

type ConnectRequest struct {
	// unique per connect attempt
	SessionName     string
	ApplicationName string
	ApplicationUri  string
	Endpoint        EndpointDescription
	Security        SessionSecuritySettings
	SessionTimeout  time.Duration

	NotificationCallback     NotificationFunction
	ConnectionStatusCallback ConnectionStatusFunction
}

type ReadValueId struct {
	NodeId      NodeId
	AttributeId AttributeId
	IndexRange  string
}

type WriteValue struct {
	NodeId      NodeId
	AttributeId AttributeId
	IndexRange  string
	Value       any
}

type BrowseDescription struct {
	NodeId          NodeId
	Direction       BrowseDirection
	ReferenceTypeId NodeId
	IncludeSubtypes bool
	NodeClassMask   uint32
	ResultMask      uint32
}

type NodeBrowseResult struct {
	StatusCode        StatusCode
	ContinuationPoint []byte
	References        []ReferenceDescription
}

type ResolvedPathElement struct {
	ReferenceType   NodeId
	IsInverse       bool
	IncludeSubtypes bool
	TargetName      ResolvedQualifiedName
}

type BrowsePath struct {
	StartingNode NodeId
	RelativePath []ResolvedPathElement
}

type BrowsePathResult struct {
	StatusCode StatusCode
	Targets    []NodeId
}

type CallMethodRequest struct {
	ObjectId       NodeId
	MethodId       NodeId
	InputArguments []any
}

type CallMethodResult struct {
	StatusCode           StatusCode
	InputArgumentResults []StatusCode
	OutputArguments      []any
}

type HistoryReadRawDetails struct {
	StartTime        time.Time
	EndTime          time.Time
	NumValuesPerNode uint32
	IsReadModified   bool
	ReturnBounds     bool
}

type HistoryReadValueId struct {
	NodeId            NodeId
	IndexRange        string
	ContinuationPoint []byte
}

type HistoryReadResult struct {
	StatusCode        StatusCode
	ContinuationPoint []byte
	DataValues        []DataValue
	ModificationInfos []ModificationInfo
}

type CreateSubscriptionResult struct {
	SubscriptionId            uint32
	RevisedPublishingInterval time.Duration
	RevisedLifetimeCount      uint32
	RevisedMaxKeepAliveCount  uint32
}

type DataChangeFilter struct {
	DeadbandType  DeadbandType
	DeadbandValue float64
}

type ResolvedAttributeOperand struct {
	TypeDefinitionId NodeId
	BrowsePath       []ResolvedQualifiedName
	AttributeId      AttributeId
}

type EventFilter struct {
	SelectClauses []ResolvedAttributeOperand
	// opaque content filter, passed through to the server
	WhereClause any
}

type MonitoredItemCreateRequest struct {
	NodeId      NodeId
	AttributeId AttributeId
	IndexRange  string

	MonitoringMode MonitoringMode
	// echoed by the server in every notification for the item
	ClientHandle     ClientHandle
	SamplingInterval time.Duration
	QueueSize        uint32
	DiscardOldest    bool

	// at most one of the filters is set
	DataChangeFilter *DataChangeFilter
	EventFilter      *EventFilter
}

type MonitoredItemCreateResult struct {
	StatusCode              StatusCode
	MonitoredItemId         uint32
	RevisedSamplingInterval time.Duration
	RevisedQueueSize        uint32
}

type PublishNotification struct {
	SubscriptionId uint32
	DataChanges    []*DataChangeNotification
	Events         []*EventNotification
}

type DataChangeNotification struct {
	ClientHandle ClientHandle
	Value        DataValue
}

func (self *DataChangeNotification) NotificationClientHandle() ClientHandle {
	return self.ClientHandle
}

type EventNotification struct {
	ClientHandle ClientHandle
	// one field per select clause
	Fields []any
}

func (self *EventNotification) NotificationClientHandle() ClientHandle {
	return self.ClientHandle
}
