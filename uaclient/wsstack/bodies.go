package wsstack

import (
	"time"

	"github.com/bringyour/uaclient/uaclient"
)

// service bodies, shared with gateway implementations

const (
	ServiceRead                 = "Read"
	ServiceWrite                = "Write"
	ServiceBrowse               = "Browse"
	ServiceBrowseNext           = "BrowseNext"
	ServiceTranslateBrowsePaths = "TranslateBrowsePaths"
	ServiceCall                 = "Call"
	ServiceHistoryReadRaw       = "HistoryReadRaw"
	ServiceCreateSubscription   = "CreateSubscription"
	ServiceDeleteSubscription   = "DeleteSubscription"
	ServiceCreateMonitoredItems = "CreateMonitoredItems"
	ServiceDeleteMonitoredItems = "DeleteMonitoredItems"
	ServiceCloseSession         = "CloseSession"
)

type AuthBody struct {
	Token      string
	InstanceId string
}

type DiscoverRequest struct {
	DiscoveryUrl string
}

type DiscoverResponse struct {
	Endpoints []uaclient.EndpointDescription
}

type CreateSessionRequest struct {
	SessionName     string
	ApplicationName string
	ApplicationUri  string
	Endpoint        uaclient.EndpointDescription
	Security        uaclient.SessionSecuritySettings
	SessionTimeout  time.Duration
}

type CreateSessionResponse struct {
	SessionId string
}

type ReadRequest struct {
	NodesToRead []uaclient.ReadValueId
}

type ReadResponse struct {
	Results []uaclient.DataValue
}

type WriteRequest struct {
	NodesToWrite []uaclient.WriteValue
}

type StatusCodesResponse struct {
	Results []uaclient.StatusCode
}

type BrowseRequest struct {
	MaxReferencesPerNode uint32
	NodesToBrowse        []uaclient.BrowseDescription
}

type BrowseNextRequest struct {
	ReleaseContinuationPoints bool
	ContinuationPoints        [][]byte
}

type BrowseResponse struct {
	Results []uaclient.NodeBrowseResult
}

type TranslateBrowsePathsRequest struct {
	BrowsePaths []uaclient.BrowsePath
}

type TranslateBrowsePathsResponse struct {
	Results []uaclient.BrowsePathResult
}

type CallRequest struct {
	MethodsToCall []uaclient.CallMethodRequest
}

type CallResponse struct {
	Results []uaclient.CallMethodResult
}

type HistoryReadRawRequest struct {
	Details                   uaclient.HistoryReadRawDetails
	ReleaseContinuationPoints bool
	NodesToRead               []uaclient.HistoryReadValueId
}

type HistoryReadResponse struct {
	Results []uaclient.HistoryReadResult
}

type CreateSubscriptionRequest struct {
	Settings uaclient.SubscriptionSettings
}

type DeleteSubscriptionRequest struct {
	SubscriptionId uint32
}

type CreateMonitoredItemsRequest struct {
	SubscriptionId uint32
	ItemsToCreate  []uaclient.MonitoredItemCreateRequest
}

type CreateMonitoredItemsResponse struct {
	Results []uaclient.MonitoredItemCreateResult
}

type DeleteMonitoredItemsRequest struct {
	SubscriptionId   uint32
	MonitoredItemIds []uint32
}

type CloseSessionRequest struct {
}

type EmptyResponse struct {
}
