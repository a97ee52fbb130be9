package uaclient

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// the resolved targets of one job, indexed by rank.
// A nil session means the target did not resolve.
type resolution struct {
	sessions []*Session
	nodes    [][]NodeId
}

// resolves addresses to node ids on the session for their server.
// Failures are per target: the target's bit is cleared and its status set,
// while the other targets continue.
type Resolver struct {
	pool *SessionPool
}

func NewResolver(pool *SessionPool) *Resolver {
	return &Resolver{
		pool: pool,
	}
}

// an address of one target
type addressRef struct {
	rank  int
	index int
}

func (self *Resolver) Resolve(ctx context.Context, j job, mask Mask) *resolution {
	n := j.targetCount()
	resolved := &resolution{
		sessions: make([]*Session, n),
		nodes:    make([][]NodeId, n),
	}

	fail := func(rank int, status Status) {
		glog.V(LogLevelTrace).Infof("[resolve]%s %d target %d = %s\n", j.serviceKind(), j.requestHandle(), rank, status)
		j.setTargetStatus(rank, status)
		mask.Clear(rank)
	}

	// server uri -> ranks
	serverRanks := map[string][]int{}
	serverUris := []string{}
	for _, rank := range mask.Ranks() {
		serverUri, status := targetServerUri(j.targetAddresses(rank))
		if !status.IsGood() {
			fail(rank, status)
			continue
		}
		if _, ok := serverRanks[serverUri]; !ok {
			serverUris = append(serverUris, serverUri)
		}
		serverRanks[serverUri] = append(serverRanks[serverUri], rank)
	}

	connectionId, sessionSettings := j.routing()
	for _, serverUri := range serverUris {
		ranks := serverRanks[serverUri]

		session, status := self.sessionFor(ctx, serverUri, connectionId, sessionSettings)
		if !status.IsGood() {
			for _, rank := range ranks {
				fail(rank, status)
			}
			continue
		}

		addresses := []Address{}
		refs := []addressRef{}
		for _, rank := range ranks {
			for index, address := range j.targetAddresses(rank) {
				addresses = append(addresses, address)
				refs = append(refs, addressRef{rank: rank, index: index})
			}
		}
		nodes, statuses := self.resolveOnSession(ctx, session, j.callTimeout(), addresses)

		for _, rank := range ranks {
			resolved.nodes[rank] = make([]NodeId, len(j.targetAddresses(rank)))
		}
		for i, ref := range refs {
			if !mask.IsSet(ref.rank) {
				continue
			}
			if !statuses[i].IsGood() {
				fail(ref.rank, statuses[i])
				continue
			}
			resolved.nodes[ref.rank][ref.index] = nodes[i]
		}
		for _, rank := range ranks {
			if mask.IsSet(rank) {
				resolved.sessions[rank] = session
			}
		}
	}
	return resolved
}

// the one server all addresses of a target live on
func targetServerUri(addresses []Address) (string, Status) {
	if len(addresses) == 0 {
		return "", NewStatus(CodeEmptyAddress, "target without address")
	}
	serverUri := ""
	for i, address := range addresses {
		if status := address.validate(); !status.IsGood() {
			return "", status
		}
		if i == 0 {
			serverUri = address.ServerUri()
		} else if address.ServerUri() != serverUri {
			return "", NewStatus(CodeInvalidAddress, "target addresses span servers %s and %s", serverUri, address.ServerUri())
		}
	}
	return serverUri, GoodStatus()
}

func (self *Resolver) sessionFor(
	ctx context.Context,
	serverUri string,
	connectionId ClientConnectionId,
	sessionSettings *SessionSettings,
) (*Session, Status) {
	if connectionId == 0 {
		return self.pool.Acquire(ctx, serverUri, sessionSettings)
	}
	session, ok := self.pool.Session(connectionId)
	if !ok {
		return nil, NewStatus(CodeUnknownHandle, "unknown connection %d", connectionId)
	}
	if session.serverUri != serverUri {
		return nil, NewStatus(CodeInvalidAddress, "connection %d is to %s, not %s", connectionId, session.serverUri, serverUri)
	}
	if _, _, status := session.currentStackSession(); !status.IsGood() {
		return nil, status
	}
	return session, GoodStatus()
}

// resolves addresses on one server. Equal addresses resolve once.
// Relative addresses resolve their starting addresses first, then translate
// all of their paths in one call.
func (self *Resolver) resolveOnSession(
	ctx context.Context,
	session *Session,
	callTimeout time.Duration,
	addresses []Address,
) ([]NodeId, []Status) {
	nodes := make([]NodeId, len(addresses))
	statuses := make([]Status, len(addresses))

	// key -> index of the first occurrence
	firstIndexes := map[string]int{}
	uniqueIndexes := []int{}
	for i, address := range addresses {
		key := address.Key()
		if _, ok := firstIndexes[key]; !ok {
			firstIndexes[key] = i
			uniqueIndexes = append(uniqueIndexes, i)
		}
	}

	relativeIndexes := []int{}
	for _, i := range uniqueIndexes {
		address := addresses[i]
		if address.IsAbsolute() {
			namespaceIndex, status := session.NamespaceIndex(ctx, callTimeout, address.NamespaceUri())
			statuses[i] = status
			if status.IsGood() {
				nodes[i] = NodeId{
					NamespaceIndex: namespaceIndex,
					Identifier:     address.Identifier(),
				}
			}
		} else {
			relativeIndexes = append(relativeIndexes, i)
		}
	}

	if 0 < len(relativeIndexes) {
		starts := make([]Address, len(relativeIndexes))
		for j, i := range relativeIndexes {
			starts[j], _ = addresses[i].Start()
		}
		startNodes, startStatuses := self.resolveOnSession(ctx, session, callTimeout, starts)

		browsePaths := []BrowsePath{}
		pathIndexes := []int{}
		for j, i := range relativeIndexes {
			if !startStatuses[j].IsGood() {
				statuses[i] = startStatuses[j]
				continue
			}
			relativePath, status := resolvePath(ctx, session, callTimeout, addresses[i].Path())
			if !status.IsGood() {
				statuses[i] = status
				continue
			}
			browsePaths = append(browsePaths, BrowsePath{
				StartingNode: startNodes[j],
				RelativePath: relativePath,
			})
			pathIndexes = append(pathIndexes, i)
		}

		if 0 < len(browsePaths) {
			self.translate(ctx, session, callTimeout, browsePaths, pathIndexes, nodes, statuses)
		}
	}

	for i, address := range addresses {
		if first := firstIndexes[address.Key()]; first != i {
			nodes[i] = nodes[first]
			statuses[i] = statuses[first]
		}
	}
	return nodes, statuses
}

func (self *Resolver) translate(
	ctx context.Context,
	session *Session,
	callTimeout time.Duration,
	browsePaths []BrowsePath,
	pathIndexes []int,
	nodes []NodeId,
	statuses []Status,
) {
	stackSession, _, status := session.currentStackSession()
	var results []BrowsePathResult
	if status.IsGood() {
		callCtx, callCancel := context.WithTimeout(ctx, callTimeout)
		defer callCancel()
		var err error
		results, err = stackSession.TranslateBrowsePaths(callCtx, browsePaths)
		if err != nil {
			status = invocationStatus(callCtx, err)
		} else if len(results) != len(browsePaths) {
			status = NewStatus(CodeInvocationFailed, "%d translate results for %d paths", len(results), len(browsePaths))
		}
	}
	if !status.IsGood() {
		for _, i := range pathIndexes {
			statuses[i] = status
		}
		return
	}

	for j, result := range results {
		i := pathIndexes[j]
		switch {
		case result.StatusCode.IsBad():
			statuses[i] = Status{
				Code:       CodePathNotFound,
				ServerCode: result.StatusCode,
				Message:    "path not found",
			}
		case len(result.Targets) == 0:
			statuses[i] = NewStatus(CodePathNotFound, "path has no target")
		case 1 < len(result.Targets):
			statuses[i] = NewStatus(CodeAmbiguousPath, "path has %d targets", len(result.Targets))
		default:
			nodes[i] = result.Targets[0]
			statuses[i] = GoodStatus()
		}
	}
}

// maps the target names of the path through the namespace table
func resolvePath(ctx context.Context, session *Session, callTimeout time.Duration, path []RelativePathElement) ([]ResolvedPathElement, Status) {
	relativePath := make([]ResolvedPathElement, len(path))
	for i, element := range path {
		namespaceIndex, status := session.NamespaceIndex(ctx, callTimeout, element.TargetName.NamespaceUri)
		if !status.IsGood() {
			return nil, status
		}
		referenceType := element.ReferenceType
		if referenceType.IsNull() {
			referenceType = HierarchicalReferences
		}
		relativePath[i] = ResolvedPathElement{
			ReferenceType:   referenceType,
			IsInverse:       element.IsInverse,
			IncludeSubtypes: element.IncludeSubtypes,
			TargetName: ResolvedQualifiedName{
				NamespaceIndex: namespaceIndex,
				Name:           element.TargetName.Name,
			},
		}
	}
	return relativePath, GoodStatus()
}
