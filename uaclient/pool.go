package uaclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// owns every session of the client.
// Automatic sessions are shared by key (server uri, session settings key) and created on first use.
// Manual sessions are owned by the caller and only live until manually disconnected.
type SessionPool struct {
	ctx    context.Context
	cancel context.CancelFunc

	env *sessionEnv

	stateLock sync.Mutex
	sessions  map[ClientConnectionId]*Session
	// pool key -> automatic session
	pooledSessions map[string]*Session
	closed         bool
}

func NewSessionPool(ctx context.Context, env *sessionEnv) *SessionPool {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SessionPool{
		ctx:            cancelCtx,
		cancel:         cancel,
		env:            env,
		sessions:       map[ClientConnectionId]*Session{},
		pooledSessions: map[string]*Session{},
	}
}

func poolKey(serverUri string, settings *SessionSettings) string {
	return fmt.Sprintf("%s|%s", serverUri, settings.Key())
}

// returns a connected session for the server and settings, creating it if needed.
// A session that failed or lost its connection is not retried here; callers get
// `CodeNotConnected` until housekeeping reconnects it.
func (self *SessionPool) Acquire(ctx context.Context, serverUri string, settings *SessionSettings) (*Session, Status) {
	if settings == nil {
		settings = self.env.clientSettings.SessionSettingsFor(serverUri)
	}
	key := poolKey(serverUri, settings)

	var session *Session
	created := false
	var err error
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.closed {
			err = ErrClientClosed
			return
		}
		session = self.pooledSessions[key]
		if session != nil {
			return
		}
		var connectionId ClientConnectionId
		connectionId, err = self.env.allocator.NextConnectionId()
		if err != nil {
			return
		}
		session = newSession(self.ctx, self.env, connectionId, serverUri, settings.Clone(), false)
		self.sessions[connectionId] = session
		self.pooledSessions[key] = session
		created = true
	}()
	if err != nil {
		return nil, StatusOf(err)
	}

	var status Status
	if created {
		glog.V(LogLevelEvent).Infof("[pool]new session %d for %s\n", session.connectionId, serverUri)
		self.stateChanged(session, SessionStateConnecting)
		status = session.connect(ctx)
		if status.Code == CodeUnknownServer {
			// not a connection failure, the next acquire runs discovery again
			self.remove(session)
			session.close()
		}
	} else {
		status = session.waitConnected(ctx)
	}
	if !status.IsGood() {
		return nil, status
	}
	return session, GoodStatus()
}

func (self *SessionPool) stateChanged(session *Session, state SessionState) {
	if self.env.stateCallback != nil {
		self.env.stateCallback(session, state)
	}
}

func (self *SessionPool) Session(connectionId ClientConnectionId) (*Session, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	session, ok := self.sessions[connectionId]
	return session, ok
}

// ordered by connection id
func (self *SessionPool) Sessions() []*Session {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	sessions := maps.Values(self.sessions)
	slices.SortFunc(sessions, func(a *Session, b *Session) int {
		return int(a.connectionId) - int(b.connectionId)
	})
	return sessions
}

func (self *SessionPool) ManuallyConnect(ctx context.Context, serverUri string, settings *SessionSettings) (ClientConnectionId, Status) {
	if settings == nil {
		settings = self.env.clientSettings.SessionSettingsFor(serverUri)
	}
	if status := ValidateSessionSettings(settings); !status.IsGood() {
		return 0, status
	}

	var session *Session
	var err error
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.closed {
			err = ErrClientClosed
			return
		}
		var connectionId ClientConnectionId
		connectionId, err = self.env.allocator.NextConnectionId()
		if err != nil {
			return
		}
		session = newSession(self.ctx, self.env, connectionId, serverUri, settings.Clone(), true)
		self.sessions[connectionId] = session
	}()
	if err != nil {
		return 0, StatusOf(err)
	}

	self.stateChanged(session, SessionStateConnecting)
	if status := session.connect(ctx); !status.IsGood() {
		// the id is spent
		self.remove(session)
		session.close()
		return 0, status
	}
	glog.V(LogLevelEvent).Infof("[pool]manual session %d connected to %s\n", session.connectionId, serverUri)
	return session.connectionId, GoodStatus()
}

// removes the session from the pool. Its id is never reissued.
func (self *SessionPool) ManuallyDisconnect(ctx context.Context, connectionId ClientConnectionId) Status {
	session, ok := self.Session(connectionId)
	if !ok {
		return NewStatus(CodeUnknownHandle, "unknown connection %d", connectionId)
	}
	self.remove(session)
	status := session.close()
	glog.V(LogLevelEvent).Infof("[pool]session %d disconnected (%s)\n", connectionId, status)
	return status
}

func (self *SessionPool) remove(session *Session) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.sessions, session.connectionId)
	for key, pooledSession := range self.pooledSessions {
		if pooledSession == session {
			delete(self.pooledSessions, key)
		}
	}
}

func (self *SessionPool) ManuallySubscribe(ctx context.Context, connectionId ClientConnectionId, settings *SubscriptionSettings) (ClientSubscriptionHandle, Status) {
	session, ok := self.Session(connectionId)
	if !ok {
		return 0, NewStatus(CodeUnknownHandle, "unknown connection %d", connectionId)
	}
	if settings == nil {
		settings = self.env.clientSettings.DefaultSubscriptionSettings
	}
	subscription, status := session.addManualSubscription(ctx, settings)
	if !status.IsGood() {
		return 0, status
	}
	return subscription.handle, GoodStatus()
}

func (self *SessionPool) ManuallyUnsubscribe(ctx context.Context, handle ClientSubscriptionHandle) Status {
	session, _, ok := self.findSubscription(handle)
	if !ok {
		return NewStatus(CodeUnknownHandle, "unknown subscription %d", handle)
	}
	return session.removeSubscription(ctx, handle)
}

func (self *SessionPool) findSubscription(handle ClientSubscriptionHandle) (*Session, *Subscription, bool) {
	for _, session := range self.Sessions() {
		if subscription, ok := session.Subscription(handle); ok {
			return session, subscription, true
		}
	}
	return nil, nil, false
}

// reconnects every failed or disconnected session, and restores missing
// subscriptions and items on connected sessions.
// Returns the number of sessions that were reconnected.
func (self *SessionPool) RetryFailed(ctx context.Context) int {
	reconnectedCount := 0
	for _, session := range self.Sessions() {
		if self.ctx.Err() != nil {
			break
		}
		switch state := session.State(); {
		case state.NeedsReconnect():
			if status := session.reconnect(ctx); status.IsGood() {
				reconnectedCount += 1
			} else {
				glog.Infof("[pool]session %d retry = %s\n", session.connectionId, status)
			}
		case state.IsUsable():
			if status := session.restore(ctx); !status.IsGood() {
				glog.Infof("[pool]session %d restore = %s\n", session.connectionId, status)
			}
		}
	}
	return reconnectedCount
}

func (self *SessionPool) SessionInformation(connectionId ClientConnectionId) (SessionInformation, bool) {
	session, ok := self.Session(connectionId)
	if !ok {
		return SessionInformation{}, false
	}
	return session.Information(), true
}

func (self *SessionPool) AllSessionInformations() []SessionInformation {
	sessionInformations := []SessionInformation{}
	for _, session := range self.Sessions() {
		sessionInformations = append(sessionInformations, session.Information())
	}
	return sessionInformations
}

func (self *SessionPool) SubscriptionInformation(handle ClientSubscriptionHandle) (SubscriptionInformation, bool) {
	_, subscription, ok := self.findSubscription(handle)
	if !ok {
		return SubscriptionInformation{}, false
	}
	return subscription.Information(), true
}

func (self *SessionPool) AllSubscriptionInformations() []SubscriptionInformation {
	subscriptionInformations := []SubscriptionInformation{}
	for _, session := range self.Sessions() {
		for _, subscription := range session.Subscriptions() {
			subscriptionInformations = append(subscriptionInformations, subscription.Information())
		}
	}
	return subscriptionInformations
}

func (self *SessionPool) StateCounts() map[SessionState]int {
	stateCounts := map[SessionState]int{}
	for _, session := range self.Sessions() {
		stateCounts[session.State()] += 1
	}
	return stateCounts
}

// disconnects every session. The pool cannot be used after.
func (self *SessionPool) Close() Status {
	var sessions []*Session
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.closed = true
		sessions = maps.Values(self.sessions)
		maps.Clear(self.sessions)
		maps.Clear(self.pooledSessions)
	}()
	self.cancel()

	statuses := []Status{}
	for _, session := range sessions {
		statuses = append(statuses, session.close())
	}
	return AggregateStatus(statuses)
}
