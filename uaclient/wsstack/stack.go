package wsstack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	"github.com/bringyour/uaclient/uaclient"
)

// A `uaclient.Stack` that reaches servers through a UA gateway over websocket.
// Each stack session is its own websocket, so a lost websocket is a lost session.
// Discovery uses a short lived websocket per call.

type StackSettings struct {
	GatewayUrl string
	// sent in the auth frame, checked by the gateway
	AuthToken string

	HandshakeTimeout time.Duration
	AuthTimeout      time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	SendBufferSize   int
}

func DefaultStackSettings() *StackSettings {
	return &StackSettings{
		HandshakeTimeout: 2 * time.Second,
		AuthTimeout:      2 * time.Second,
		PingTimeout:      1 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
		SendBufferSize:   1,
	}
}

type Stack struct {
	ctx    context.Context
	cancel context.CancelFunc

	instanceId uaclient.Id
	settings   *StackSettings
	dialer     *websocket.Dialer
}

func NewStackWithDefaults(ctx context.Context, gatewayUrl string, authToken string) *Stack {
	settings := DefaultStackSettings()
	settings.GatewayUrl = gatewayUrl
	settings.AuthToken = authToken
	return NewStack(ctx, settings)
}

func NewStack(ctx context.Context, settings *StackSettings) *Stack {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Stack{
		ctx:        cancelCtx,
		cancel:     cancel,
		instanceId: uaclient.NewId(),
		settings:   settings,
		dialer: &websocket.Dialer{
			HandshakeTimeout: settings.HandshakeTimeout,
		},
	}
}

// dials the gateway and completes the auth echo
func (self *Stack) dial(
	ctx context.Context,
	tag string,
	notificationCallback uaclient.NotificationFunction,
	connectionStatusCallback uaclient.ConnectionStatusFunction,
) (*conn, error) {
	authBody, err := ToBody(&AuthBody{
		Token:      self.settings.AuthToken,
		InstanceId: self.instanceId.String(),
	})
	if err != nil {
		return nil, err
	}
	authBytes, err := EncodeEnvelope(&Envelope{
		Service: ServiceAuth,
		Body:    authBody,
	})
	if err != nil {
		return nil, err
	}

	connect := func() (*websocket.Conn, error) {
		ws, _, err := self.dialer.DialContext(ctx, self.settings.GatewayUrl, nil)
		if err != nil {
			return nil, err
		}

		success := false
		defer func() {
			if !success {
				ws.Close()
			}
		}()

		ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
		if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
			return nil, err
		}
		ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
		if messageType, message, err := ws.ReadMessage(); err != nil {
			return nil, err
		} else {
			// verify the auth echo
			switch messageType {
			case websocket.BinaryMessage:
				if !bytes.Equal(authBytes, message) {
					if envelope, err := DecodeEnvelope(message); err == nil && envelope.Error != "" {
						return nil, fmt.Errorf("Auth rejected: %s", envelope.Error)
					}
					return nil, fmt.Errorf("Auth response error: bad bytes.")
				}
			default:
				return nil, fmt.Errorf("Auth response error.")
			}
		}

		success = true
		return ws, nil
	}

	var ws *websocket.Conn
	if glog.V(uaclient.LogLevelTrace) {
		ws, err = uaclient.TraceWithReturnError(fmt.Sprintf("[ws]connect %s", tag), connect)
	} else {
		ws, err = connect()
	}
	if err != nil {
		glog.Infof("[ws]connect %s = %s\n", tag, err)
		return nil, err
	}
	return newConn(self.ctx, ws, tag, self.settings, notificationCallback, connectionStatusCallback), nil
}

func (self *Stack) Discover(ctx context.Context, discoveryUrl string) ([]uaclient.EndpointDescription, error) {
	c, err := self.dial(ctx, fmt.Sprintf("discover %s", discoveryUrl), nil, nil)
	if err != nil {
		return nil, err
	}
	defer c.close()

	response := &DiscoverResponse{}
	if err := c.call(ctx, ServiceDiscover, &DiscoverRequest{DiscoveryUrl: discoveryUrl}, response); err != nil {
		return nil, err
	}
	for i := range response.Endpoints {
		if response.Endpoints[i].DiscoveryUrl == "" {
			response.Endpoints[i].DiscoveryUrl = discoveryUrl
		}
	}
	return response.Endpoints, nil
}

func (self *Stack) Connect(ctx context.Context, connectRequest *uaclient.ConnectRequest) (uaclient.StackSession, error) {
	c, err := self.dial(
		ctx,
		connectRequest.SessionName,
		connectRequest.NotificationCallback,
		connectRequest.ConnectionStatusCallback,
	)
	if err != nil {
		return nil, err
	}

	response := &CreateSessionResponse{}
	err = c.call(ctx, ServiceCreateSession, &CreateSessionRequest{
		SessionName:     connectRequest.SessionName,
		ApplicationName: connectRequest.ApplicationName,
		ApplicationUri:  connectRequest.ApplicationUri,
		Endpoint:        connectRequest.Endpoint,
		Security:        connectRequest.Security,
		SessionTimeout:  connectRequest.SessionTimeout,
	}, response)
	if err != nil {
		c.close()
		return nil, err
	}
	glog.V(uaclient.LogLevelEvent).Infof("[ws]session %s to %s\n", response.SessionId, connectRequest.Endpoint.EndpointUrl)
	if connectRequest.ConnectionStatusCallback != nil {
		uaclient.HandleError(func() {
			connectRequest.ConnectionStatusCallback(uaclient.ConnectionStatusConnected, nil)
		})
	}
	return &StackSession{
		conn:      c,
		sessionId: response.SessionId,
	}, nil
}

// closes every websocket of the stack
func (self *Stack) Close() {
	self.cancel()
}

type StackSession struct {
	conn      *conn
	sessionId string
}

func (self *StackSession) SessionId() string {
	return self.sessionId
}

func (self *StackSession) Read(ctx context.Context, nodesToRead []uaclient.ReadValueId) ([]uaclient.DataValue, error) {
	response := &ReadResponse{}
	if err := self.conn.call(ctx, ServiceRead, &ReadRequest{NodesToRead: nodesToRead}, response); err != nil {
		return nil, err
	}
	return response.Results, nil
}

func (self *StackSession) Write(ctx context.Context, nodesToWrite []uaclient.WriteValue) ([]uaclient.StatusCode, error) {
	response := &StatusCodesResponse{}
	if err := self.conn.call(ctx, ServiceWrite, &WriteRequest{NodesToWrite: nodesToWrite}, response); err != nil {
		return nil, err
	}
	return response.Results, nil
}

func (self *StackSession) Browse(ctx context.Context, maxReferencesPerNode uint32, nodesToBrowse []uaclient.BrowseDescription) ([]uaclient.NodeBrowseResult, error) {
	response := &BrowseResponse{}
	request := &BrowseRequest{
		MaxReferencesPerNode: maxReferencesPerNode,
		NodesToBrowse:        nodesToBrowse,
	}
	if err := self.conn.call(ctx, ServiceBrowse, request, response); err != nil {
		return nil, err
	}
	return response.Results, nil
}

func (self *StackSession) BrowseNext(ctx context.Context, releaseContinuationPoints bool, continuationPoints [][]byte) ([]uaclient.NodeBrowseResult, error) {
	response := &BrowseResponse{}
	request := &BrowseNextRequest{
		ReleaseContinuationPoints: releaseContinuationPoints,
		ContinuationPoints:        continuationPoints,
	}
	if err := self.conn.call(ctx, ServiceBrowseNext, request, response); err != nil {
		return nil, err
	}
	return response.Results, nil
}

func (self *StackSession) TranslateBrowsePaths(ctx context.Context, browsePaths []uaclient.BrowsePath) ([]uaclient.BrowsePathResult, error) {
	response := &TranslateBrowsePathsResponse{}
	if err := self.conn.call(ctx, ServiceTranslateBrowsePaths, &TranslateBrowsePathsRequest{BrowsePaths: browsePaths}, response); err != nil {
		return nil, err
	}
	return response.Results, nil
}

func (self *StackSession) Call(ctx context.Context, methodsToCall []uaclient.CallMethodRequest) ([]uaclient.CallMethodResult, error) {
	response := &CallResponse{}
	if err := self.conn.call(ctx, ServiceCall, &CallRequest{MethodsToCall: methodsToCall}, response); err != nil {
		return nil, err
	}
	return response.Results, nil
}

func (self *StackSession) HistoryReadRaw(
	ctx context.Context,
	details *uaclient.HistoryReadRawDetails,
	releaseContinuationPoints bool,
	nodesToRead []uaclient.HistoryReadValueId,
) ([]uaclient.HistoryReadResult, error) {
	response := &HistoryReadResponse{}
	request := &HistoryReadRawRequest{
		Details:                   *details,
		ReleaseContinuationPoints: releaseContinuationPoints,
		NodesToRead:               nodesToRead,
	}
	if err := self.conn.call(ctx, ServiceHistoryReadRaw, request, response); err != nil {
		return nil, err
	}
	return response.Results, nil
}

func (self *StackSession) CreateSubscription(ctx context.Context, subscriptionSettings *uaclient.SubscriptionSettings) (*uaclient.CreateSubscriptionResult, error) {
	response := &uaclient.CreateSubscriptionResult{}
	if err := self.conn.call(ctx, ServiceCreateSubscription, &CreateSubscriptionRequest{Settings: *subscriptionSettings}, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (self *StackSession) DeleteSubscription(ctx context.Context, subscriptionId uint32) error {
	return self.conn.call(ctx, ServiceDeleteSubscription, &DeleteSubscriptionRequest{SubscriptionId: subscriptionId}, nil)
}

func (self *StackSession) CreateMonitoredItems(ctx context.Context, subscriptionId uint32, itemsToCreate []uaclient.MonitoredItemCreateRequest) ([]uaclient.MonitoredItemCreateResult, error) {
	response := &CreateMonitoredItemsResponse{}
	request := &CreateMonitoredItemsRequest{
		SubscriptionId: subscriptionId,
		ItemsToCreate:  itemsToCreate,
	}
	if err := self.conn.call(ctx, ServiceCreateMonitoredItems, request, response); err != nil {
		return nil, err
	}
	return response.Results, nil
}

func (self *StackSession) DeleteMonitoredItems(ctx context.Context, subscriptionId uint32, monitoredItemIds []uint32) ([]uaclient.StatusCode, error) {
	response := &StatusCodesResponse{}
	request := &DeleteMonitoredItemsRequest{
		SubscriptionId:   subscriptionId,
		MonitoredItemIds: monitoredItemIds,
	}
	if err := self.conn.call(ctx, ServiceDeleteMonitoredItems, request, response); err != nil {
		return nil, err
	}
	return response.Results, nil
}

// ends the session at the gateway, then drops the websocket.
// A websocket that is already gone counts as closed.
func (self *StackSession) Close(ctx context.Context) error {
	self.conn.setClosing()
	err := self.conn.call(ctx, ServiceCloseSession, &CloseSessionRequest{}, nil)
	self.conn.close()
	if err != nil && !errors.Is(err, ErrConnectionClosed) {
		return err
	}
	return nil
}
