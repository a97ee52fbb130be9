package uaclient

import (
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

type Notification interface {
	NotificationClientHandle() ClientHandle
}

type DataChangeFunction = func(notification *DataChangeNotification)

type EventFunction = func(notification *EventNotification)

type registeredCallback[N Notification] struct {
	callbackId uint64
	callback   func(N)
}

// a multimap of client handle (or `AnyHandle`) to notification callbacks.
// Notifications are routed by client handle, independent of the session that
// currently backs the item.
// Registration makes a copy of the handle's list on update, so that dispatch
// can run the callbacks outside the lock.
type CallbackRegistry[N Notification] struct {
	name string

	stateLock      sync.Mutex
	nextCallbackId uint64
	callbacks      map[ClientHandle][]*registeredCallback[N]
}

func NewCallbackRegistry[N Notification](name string) *CallbackRegistry[N] {
	return &CallbackRegistry[N]{
		name:      name,
		callbacks: map[ClientHandle][]*registeredCallback[N]{},
	}
}

// returns a function that removes only this registration
func (self *CallbackRegistry[N]) Register(clientHandle ClientHandle, callback func(N)) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.nextCallbackId += 1
	callbackId := self.nextCallbackId

	nextCallbacks := append([]*registeredCallback[N]{}, self.callbacks[clientHandle]...)
	nextCallbacks = append(nextCallbacks, &registeredCallback[N]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.callbacks[clientHandle] = nextCallbacks

	return func() {
		self.remove(clientHandle, callbackId)
	}
}

func (self *CallbackRegistry[N]) remove(clientHandle ClientHandle, callbackId uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks := self.callbacks[clientHandle]
	nextCallbacks := make([]*registeredCallback[N], 0, len(callbacks))
	for _, c := range callbacks {
		if c.callbackId != callbackId {
			nextCallbacks = append(nextCallbacks, c)
		}
	}
	if len(nextCallbacks) == 0 {
		delete(self.callbacks, clientHandle)
	} else {
		self.callbacks[clientHandle] = nextCallbacks
	}
}

// removes every callback registered for the handle.
// Returns false if there were none.
func (self *CallbackRegistry[N]) Unregister(clientHandle ClientHandle) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.callbacks[clientHandle]
	delete(self.callbacks, clientHandle)
	return ok
}

func (self *CallbackRegistry[N]) UnregisterAll() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	maps.Clear(self.callbacks)
}

func (self *CallbackRegistry[N]) Count(clientHandle ClientHandle) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.callbacks[clientHandle])
}

// invokes every callback for the notification's client handle and every `AnyHandle` callback,
// synchronously on the calling goroutine. Returns the number of callbacks invoked.
func (self *CallbackRegistry[N]) Dispatch(notification N) int {
	clientHandle := notification.NotificationClientHandle()

	var callbacks []*registeredCallback[N]
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		callbacks = append(callbacks, self.callbacks[clientHandle]...)
		if clientHandle != AnyHandle {
			callbacks = append(callbacks, self.callbacks[AnyHandle]...)
		}
	}()

	if len(callbacks) == 0 {
		glog.V(LogLevelTrace).Infof("[cb]%s no callback for %d\n", self.name, clientHandle)
		return 0
	}
	for _, c := range callbacks {
		HandleError(func() {
			c.callback(notification)
		})
	}
	return len(callbacks)
}
