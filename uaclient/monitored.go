package uaclient

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type MonitoredItemState string

const (
	MonitoredItemStateNotCreated MonitoredItemState = "NotCreated"
	MonitoredItemStateCreated    MonitoredItemState = "Created"
)

type MonitoredItemInformation struct {
	ClientHandle  ClientHandle
	Kind          ServiceKind
	Address       Address
	RequestHandle RequestHandle
	State         MonitoredItemState
	// the status of the last create attempt
	LastStatus               Status
	ClientConnectionId       ClientConnectionId
	ClientSubscriptionHandle ClientSubscriptionHandle
	MonitoredItemId          uint32
	RevisedSamplingInterval  time.Duration
	RevisedQueueSize         uint32
}

// the client side record of every monitored item, by client handle.
// Items are known from submission on, whether or not the server side create succeeded.
type MonitoredItemTable struct {
	stateLock sync.Mutex
	items     map[ClientHandle]*MonitoredItemInformation
}

func NewMonitoredItemTable() *MonitoredItemTable {
	return &MonitoredItemTable{
		items: map[ClientHandle]*MonitoredItemInformation{},
	}
}

// adds the item if it is not known yet
func (self *MonitoredItemTable) register(information MonitoredItemInformation) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.items[information.ClientHandle]; ok {
		return
	}
	information.State = MonitoredItemStateNotCreated
	self.items[information.ClientHandle] = &information
}

// updates a registered item. An item removed while its request ran stays removed,
// and the update returns false.
func (self *MonitoredItemTable) update(information MonitoredItemInformation) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.items[information.ClientHandle]; !ok {
		return false
	}
	if information.LastStatus.Code == CodeNotProcessed {
		return true
	}
	if information.LastStatus.IsBad() {
		information.State = MonitoredItemStateNotCreated
	} else {
		information.State = MonitoredItemStateCreated
	}
	self.items[information.ClientHandle] = &information
	return true
}

func (self *MonitoredItemTable) get(clientHandle ClientHandle) (MonitoredItemInformation, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	information, ok := self.items[clientHandle]
	if !ok {
		return MonitoredItemInformation{}, false
	}
	return *information, true
}

func (self *MonitoredItemTable) remove(clientHandle ClientHandle) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.items[clientHandle]
	delete(self.items, clientHandle)
	return ok
}

// ordered by client handle
func (self *MonitoredItemTable) clientHandles() []ClientHandle {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	clientHandles := maps.Keys(self.items)
	slices.Sort(clientHandles)
	return clientHandles
}
