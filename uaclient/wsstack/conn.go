package wsstack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	"github.com/bringyour/uaclient/uaclient"
)

var ErrConnectionClosed = errors.New("connection closed")

// one authenticated websocket to the gateway.
// Requests are correlated to responses by envelope id. Gateway initiated
// frames are delivered to the callbacks on the reader goroutine, in order.
type conn struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws       *websocket.Conn
	tag      string
	settings *StackSettings

	notificationCallback     uaclient.NotificationFunction
	connectionStatusCallback uaclient.ConnectionStatusFunction

	send chan []byte

	stateLock sync.Mutex
	// envelope id -> response
	pending map[string]chan *Envelope
	// closed on purpose, which is not reported as a connection loss
	closing bool
	done    bool
}

func newConn(
	ctx context.Context,
	ws *websocket.Conn,
	tag string,
	settings *StackSettings,
	notificationCallback uaclient.NotificationFunction,
	connectionStatusCallback uaclient.ConnectionStatusFunction,
) *conn {
	cancelCtx, cancel := context.WithCancel(ctx)
	c := &conn{
		ctx:                      cancelCtx,
		cancel:                   cancel,
		ws:                       ws,
		tag:                      tag,
		settings:                 settings,
		notificationCallback:     notificationCallback,
		connectionStatusCallback: connectionStatusCallback,
		send:                     make(chan []byte, settings.SendBufferSize),
		pending:                  map[string]chan *Envelope{},
	}
	go uaclient.HandleError(c.writeLoop, func() {
		c.cancel()
	})
	go uaclient.HandleError(c.readLoop, func() {
		c.cancel()
	})
	return c
}

func (self *conn) writeLoop() {
	defer func() {
		self.cancel()
		// unblocks the reader
		self.ws.Close()
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				// note that for websocket a deadline timeout cannot be recovered
				glog.Infof("[ws]%s-> error = %s\n", self.tag, err)
				return
			}
			glog.V(uaclient.LogLevelTrace).Infof("[ws]%s->\n", self.tag)
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *conn) readLoop() {
	var readErr error
	defer func() {
		self.cancel()
		self.finish(readErr)
	}()

	for {
		select {
		case <-self.ctx.Done():
			readErr = ErrConnectionClosed
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(uaclient.LogLevelEvent).Infof("[ws]%s<- error = %s\n", self.tag, err)
			readErr = err
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				glog.V(uaclient.LogLevelTrace).Infof("[ws]ping %s<-\n", self.tag)
				continue
			}
			envelope, err := DecodeEnvelope(message)
			if err != nil {
				glog.Infof("[ws]%s<- bad frame = %s\n", self.tag, err)
				continue
			}
			if !self.receive(envelope) {
				readErr = fmt.Errorf("%s closed by the gateway", self.tag)
				return
			}
		default:
			glog.V(uaclient.LogLevelTrace).Infof("[ws]other=%d %s<-\n", messageType, self.tag)
		}
	}
}

// returns false when the gateway ended the session
func (self *conn) receive(envelope *Envelope) bool {
	if envelope.Id != "" {
		var response chan *Envelope
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			response = self.pending[envelope.Id]
			delete(self.pending, envelope.Id)
		}()
		if response == nil {
			// the caller gave up
			glog.V(uaclient.LogLevelTrace).Infof("[ws]%s<- late %s %s\n", self.tag, envelope.Service, envelope.Id)
			return true
		}
		response <- envelope
		return true
	}

	switch envelope.Service {
	case ServicePublish:
		notification := &uaclient.PublishNotification{}
		if err := FromBody(envelope.Body, notification); err != nil {
			glog.Infof("[ws]%s<- bad publish = %s\n", self.tag, err)
			return true
		}
		if self.notificationCallback != nil {
			uaclient.HandleError(func() {
				self.notificationCallback(notification)
			})
		}
		return true
	case ServiceSessionClosed:
		return false
	default:
		glog.Infof("[ws]%s<- unexpected %s\n", self.tag, envelope.Service)
		return true
	}
}

// fails the pending calls and reports the loss, unless the close was on purpose
func (self *conn) finish(err error) {
	var pending map[string]chan *Envelope
	closing := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.done {
			return
		}
		self.done = true
		pending = self.pending
		self.pending = map[string]chan *Envelope{}
		closing = self.closing
	}()
	for _, response := range pending {
		close(response)
	}
	if !closing && self.connectionStatusCallback != nil {
		if err == nil {
			err = ErrConnectionClosed
		}
		uaclient.HandleError(func() {
			self.connectionStatusCallback(uaclient.ConnectionStatusDisconnected, err)
		})
	}
}

// sends the request and waits for the response, which is decoded into `response` when not nil
func (self *conn) call(ctx context.Context, service string, request any, response any) error {
	body, err := ToBody(request)
	if err != nil {
		return err
	}
	envelope := NewRequestEnvelope(service, body)
	envelopeBytes, err := EncodeEnvelope(envelope)
	if err != nil {
		return err
	}

	responseChannel := make(chan *Envelope, 1)
	err = func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.done {
			return ErrConnectionClosed
		}
		self.pending[envelope.Id] = responseChannel
		return nil
	}()
	if err != nil {
		return err
	}
	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.pending, envelope.Id)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", service, ctx.Err())
	case <-self.ctx.Done():
		return ErrConnectionClosed
	case self.send <- envelopeBytes:
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", service, ctx.Err())
	case responseEnvelope, ok := <-responseChannel:
		if !ok {
			return ErrConnectionClosed
		}
		if responseEnvelope.Error != "" {
			if responseEnvelope.ErrorCode == ErrorCodeCertificateRejected {
				return fmt.Errorf("%s: %s: %w", service, responseEnvelope.Error, uaclient.ErrCertificateRejected)
			}
			return fmt.Errorf("%s: %s", service, responseEnvelope.Error)
		}
		if response == nil {
			return nil
		}
		return FromBody(responseEnvelope.Body, response)
	}
}

func (self *conn) setClosing() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.closing = true
}

func (self *conn) close() {
	self.setClosing()
	self.cancel()
	self.ws.Close()
}
