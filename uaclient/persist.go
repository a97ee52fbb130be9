package uaclient

import (
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// a durable request with targets that are not good yet
type PersistedItem struct {
	Kind          ServiceKind
	RequestHandle RequestHandle
	// the targets that still need processing
	Mask Mask

	// request and partial result
	job durableJob
	// the number of pipeline runs in progress for the request
	activeCount int
}

func (self *PersistedItem) copy() *PersistedItem {
	return &PersistedItem{
		Kind:          self.Kind,
		RequestHandle: self.RequestHandle,
		Mask:          self.Mask.Clone(),
		job:           self.job.clone(),
		activeCount:   self.activeCount,
	}
}

// the in-memory record of durable requests whose targets are not all good.
// Nothing survives a process restart.
type PersistentRequestStore struct {
	stateLock sync.Mutex
	// service kind -> items in insertion order
	items map[ServiceKind][]*PersistedItem
}

func NewPersistentRequestStore() *PersistentRequestStore {
	return &PersistentRequestStore{
		items: map[ServiceKind][]*PersistedItem{},
	}
}

func (self *PersistentRequestStore) find(kind ServiceKind, requestHandle RequestHandle) (int, *PersistedItem) {
	for i, item := range self.items[kind] {
		if item.RequestHandle == requestHandle {
			return i, item
		}
	}
	return -1, nil
}

// records the targets in the mask as bad, merging with an existing record of the same request.
// The record stays active until the matching `Update`.
func (self *PersistentRequestStore) RecordBad(j durableJob, badMask Mask) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	kind := j.serviceKind()
	if _, item := self.find(kind, j.requestHandle()); item != nil {
		item.Mask = item.Mask.Or(badMask)
		item.job = j.clone()
		item.activeCount += 1
		return
	}
	self.items[kind] = append(self.items[kind], &PersistedItem{
		Kind:          kind,
		RequestHandle: j.requestHandle(),
		Mask:          badMask.Clone(),
		job:           j.clone(),
		activeCount:   1,
	})
	glog.V(LogLevelTrace).Infof("[persist]%s %d recorded %s\n", kind, j.requestHandle(), badMask)
}

// clears the settled targets of the request. The record is removed once no target is left.
func (self *PersistentRequestStore) Update(j durableJob, settledMask Mask) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	kind := j.serviceKind()
	i, item := self.find(kind, j.requestHandle())
	if item == nil {
		// removed while the request was processed
		return
	}
	if 0 < item.activeCount {
		item.activeCount -= 1
	}
	item.Mask = item.Mask.Without(settledMask)
	item.job = j.clone()
	if item.Mask.IsEmpty() && item.activeCount == 0 {
		self.items[kind] = slices.Delete(self.items[kind], i, i+1)
		if len(self.items[kind]) == 0 {
			delete(self.items, kind)
		}
		glog.V(LogLevelTrace).Infof("[persist]%s %d settled\n", kind, j.requestHandle())
	}
}

// copies of the records that are not being processed. Nothing is removed.
func (self *PersistentRequestStore) TakeBadItems(kind ServiceKind) []*PersistedItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	badItems := []*PersistedItem{}
	for _, item := range self.items[kind] {
		if item.activeCount == 0 && !item.Mask.IsEmpty() {
			badItems = append(badItems, item.copy())
		}
	}
	return badItems
}

// clears the targets with the given client handles from every record.
// Returns the number of targets cleared.
func (self *PersistentRequestStore) RemoveClientHandles(clientHandles []ClientHandle) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	removedCount := 0
	for kind, items := range self.items {
		nextItems := []*PersistedItem{}
		for _, item := range items {
			for _, rank := range item.Mask.Ranks() {
				if slices.Contains(clientHandles, item.job.clientHandle(rank)) {
					item.Mask.Clear(rank)
					removedCount += 1
				}
			}
			if !item.Mask.IsEmpty() || 0 < item.activeCount {
				nextItems = append(nextItems, item)
			}
		}
		if len(nextItems) == 0 {
			delete(self.items, kind)
		} else {
			self.items[kind] = nextItems
		}
	}
	return removedCount
}

func (self *PersistentRequestStore) Remove(kind ServiceKind, requestHandle RequestHandle) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i, item := self.find(kind, requestHandle)
	if item == nil {
		return false
	}
	self.items[kind] = slices.Delete(self.items[kind], i, i+1)
	return true
}

// the number of records
func (self *PersistentRequestStore) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	n := 0
	for _, items := range self.items {
		n += len(items)
	}
	return n
}

// the number of bad targets over all records
func (self *PersistentRequestStore) BadTargetCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	n := 0
	for _, items := range self.items {
		for _, item := range items {
			n += item.Mask.Count()
		}
	}
	return n
}
