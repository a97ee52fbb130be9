package uaclient

import (
	"math"
	"sync"
)

type RequestHandle uint64

type ClientHandle uint64

type ClientConnectionId uint32

type ClientSubscriptionHandle uint32

// registers a callback for every client handle
const AnyHandle ClientHandle = 0

// issues process-lifetime unique identifiers.
// Each identifier space has its own counter, all under one lock.
// Zero is never issued so that it can mean "unassigned".
type HandleAllocator struct {
	stateLock sync.Mutex

	lastRequestHandle      uint64
	lastClientHandle       uint64
	lastConnectionId       uint32
	lastSubscriptionHandle uint32
}

func NewHandleAllocator() *HandleAllocator {
	return &HandleAllocator{}
}

// the next request and client handles will be `last + 1`
func NewHandleAllocatorFrom(last uint64) *HandleAllocator {
	return &HandleAllocator{
		lastRequestHandle: last,
		lastClientHandle:  last,
	}
}

func (self *HandleAllocator) NextRequestHandle() (RequestHandle, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.lastRequestHandle == math.MaxUint64 {
		return 0, ErrHandlesExhausted
	}
	self.lastRequestHandle += 1
	return RequestHandle(self.lastRequestHandle), nil
}

// allocates `count` client handles atomically
func (self *HandleAllocator) NextClientHandles(count int) ([]ClientHandle, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if math.MaxUint64-self.lastClientHandle < uint64(count) {
		return nil, ErrHandlesExhausted
	}
	clientHandles := make([]ClientHandle, count)
	for i := 0; i < count; i += 1 {
		self.lastClientHandle += 1
		clientHandles[i] = ClientHandle(self.lastClientHandle)
	}
	return clientHandles, nil
}

func (self *HandleAllocator) NextConnectionId() (ClientConnectionId, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.lastConnectionId == math.MaxUint32 {
		return 0, ErrHandlesExhausted
	}
	self.lastConnectionId += 1
	return ClientConnectionId(self.lastConnectionId), nil
}

func (self *HandleAllocator) NextSubscriptionHandle() (ClientSubscriptionHandle, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.lastSubscriptionHandle == math.MaxUint32 {
		return 0, ErrHandlesExhausted
	}
	self.lastSubscriptionHandle += 1
	return ClientSubscriptionHandle(self.lastSubscriptionHandle), nil
}

// the last issued request handle, 0 if none
func (self *HandleAllocator) LastRequestHandle() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastRequestHandle
}

// the last issued client handle, 0 if none
func (self *HandleAllocator) LastClientHandle() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastClientHandle
}
