package uaclient

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

func DefaultDiscovererSettings() *DiscovererSettings {
	return &DiscovererSettings{
		DiscoveryUrls:    []string{},
		DiscoveryTimeout: 5 * time.Second,
	}
}

type DiscovererSettings struct {
	DiscoveryUrls    []string
	DiscoveryTimeout time.Duration
}

// keeps the endpoints of every server reachable through the discovery urls
type Discoverer struct {
	stack    Stack
	settings *DiscovererSettings

	stateLock sync.Mutex
	// server uri -> endpoints
	serverEndpoints map[string][]EndpointDescription
	// discovery url -> error of the last pass
	discoveryErrors map[string]error
	lastDiscovery   time.Time
}

func NewDiscovererWithDefaults(stack Stack) *Discoverer {
	return NewDiscoverer(stack, DefaultDiscovererSettings())
}

func NewDiscoverer(stack Stack, settings *DiscovererSettings) *Discoverer {
	return &Discoverer{
		stack:           stack,
		settings:        settings,
		serverEndpoints: map[string][]EndpointDescription{},
		discoveryErrors: map[string]error{},
	}
}

// queries every discovery url and replaces the known endpoints of each server found.
// Servers that are not found in this pass keep their last known endpoints.
func (self *Discoverer) Discover(ctx context.Context) Status {
	if len(self.settings.DiscoveryUrls) == 0 {
		return NewStatus(CodeNoDiscoveryUrls, "no discovery urls")
	}

	found := map[string][]EndpointDescription{}
	foundAt := map[string]string{}
	discoveryErrors := map[string]error{}
	ambiguous := false

	for _, discoveryUrl := range self.settings.DiscoveryUrls {
		endpoints, err := func() ([]EndpointDescription, error) {
			discoverCtx, discoverCancel := context.WithTimeout(ctx, self.settings.DiscoveryTimeout)
			defer discoverCancel()
			return self.stack.Discover(discoverCtx, discoveryUrl)
		}()
		if err != nil {
			glog.Infof("[disc]%s failed = %s\n", discoveryUrl, err)
			discoveryErrors[discoveryUrl] = err
			continue
		}
		for _, endpoint := range endpoints {
			if endpoint.ServerUri == "" {
				continue
			}
			if otherUrl, ok := foundAt[endpoint.ServerUri]; ok && otherUrl != discoveryUrl {
				// the first discovery url that reports a server owns it
				glog.Infof("[disc]%s also reported by %s, keeping %s\n", endpoint.ServerUri, discoveryUrl, otherUrl)
				ambiguous = true
				continue
			}
			foundAt[endpoint.ServerUri] = discoveryUrl
			endpoint.DiscoveryUrl = discoveryUrl
			found[endpoint.ServerUri] = append(found[endpoint.ServerUri], endpoint)
		}
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for serverUri, endpoints := range found {
			self.serverEndpoints[serverUri] = endpoints
		}
		self.discoveryErrors = discoveryErrors
		self.lastDiscovery = time.Now()
	}()

	glog.V(LogLevelEvent).Infof("[disc]found %d servers (%d urls failed)\n", len(found), len(discoveryErrors))

	switch {
	case len(discoveryErrors) == len(self.settings.DiscoveryUrls):
		return NewStatus(CodeDiscoveryFailed, "all %d discovery urls failed", len(discoveryErrors))
	case ambiguous:
		return NewStatus(CodeAmbiguousServerUri, "a server uri was reported by more than one discovery url")
	default:
		return GoodStatus()
	}
}

func (self *Discoverer) Endpoints(serverUri string) ([]EndpointDescription, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	endpoints, ok := self.serverEndpoints[serverUri]
	if !ok {
		return nil, false
	}
	return slices.Clone(endpoints), true
}

// the endpoints of the server, running a discovery pass first if the server is not known yet
func (self *Discoverer) EndpointsFor(ctx context.Context, serverUri string) ([]EndpointDescription, Status) {
	if endpoints, ok := self.Endpoints(serverUri); ok {
		return endpoints, GoodStatus()
	}
	if status := self.Discover(ctx); status.Code == CodeNoDiscoveryUrls {
		return nil, NewStatus(CodeUnknownServer, "%s is not known and there are no discovery urls", serverUri)
	}
	if endpoints, ok := self.Endpoints(serverUri); ok {
		return endpoints, GoodStatus()
	}
	return nil, NewStatus(CodeUnknownServer, "%s was not found by discovery", serverUri)
}

// server uri -> endpoints
func (self *Discoverer) Servers() map[string][]EndpointDescription {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	servers := map[string][]EndpointDescription{}
	for serverUri, endpoints := range self.serverEndpoints {
		servers[serverUri] = slices.Clone(endpoints)
	}
	return servers
}

func (self *Discoverer) ServerUris() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	serverUris := maps.Keys(self.serverEndpoints)
	slices.Sort(serverUris)
	return serverUris
}

// the endpoint that matches the security settings with the highest security level
func SelectEndpoint(endpoints []EndpointDescription, security *SessionSecuritySettings) (EndpointDescription, Status) {
	var selected *EndpointDescription
	for i := range endpoints {
		endpoint := &endpoints[i]
		if endpoint.SecurityPolicyUri != security.SecurityPolicyUri {
			continue
		}
		if endpoint.SecurityMode != security.SecurityMode {
			continue
		}
		if !endpoint.supportsUserToken(security.UserTokenType) {
			continue
		}
		if selected == nil || selected.SecurityLevel < endpoint.SecurityLevel {
			selected = endpoint
		}
	}
	if selected == nil {
		return EndpointDescription{}, NewStatus(
			CodeNoMatchingEndpoint,
			"no endpoint with policy %s, mode %d and user token type %d",
			security.SecurityPolicyUri,
			security.SecurityMode,
			security.UserTokenType,
		)
	}
	return *selected, GoodStatus()
}
