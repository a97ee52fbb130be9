package uaclient

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

var (
	testTemperatureNode = NodeId{NamespaceIndex: 1, Identifier: "s=Temperature"}
	testLineNode        = NodeId{NamespaceIndex: 1, Identifier: "s=Line"}
)

func relativeAddress(serverUri string, names ...string) Address {
	path := []RelativePathElement{}
	for _, name := range names {
		path = append(path, ChildElement(testNamespaceUri, name))
	}
	return NewRelativeAddress(plantAddress(serverUri, "Line"), path...)
}

// two servers, two sessions, and a failure on one server does not affect the other
func TestScenarioTwoServers(t *testing.T) {
	ctx := context.Background()
	stack, _, _ := newTestPlant()
	stack.setUnreachable("urn:test:b", true)

	client := newTestClient(ctx, stack)
	defer client.Close(ctx)

	request := &ReadRequest{
		Targets: []ReadTarget{
			{Address: plantAddress("urn:test:a", "Temperature"), AttributeId: AttributeValue},
			{Address: plantAddress("urn:test:b", "Temperature"), AttributeId: AttributeValue},
			{Address: plantAddress("urn:test:a", "Pressure"), AttributeId: AttributeValue},
		},
	}
	result, err := client.ProcessRead(ctx, request)
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, len(result.Targets))
	assert.NotEqual(t, RequestHandle(0), result.RequestHandle)

	assert.Equal(t, CodeGood, result.Targets[0].Status.Code)
	assert.Equal(t, 21.5, result.Targets[0].Value.Value)
	assert.Equal(t, CodeConnectionFailed, result.Targets[1].Status.Code)
	assert.Equal(t, CodeGood, result.Targets[2].Status.Code)
	assert.Equal(t, 1.2, result.Targets[2].Value.Value)
	assert.Equal(t, CodeBad, result.Status.Code)
	assert.Equal(t, "2 good, 0 uncertain, 1 bad", result.Status.Message)

	sessionInformations := client.AllSessionInformations()
	assert.Equal(t, 2, len(sessionInformations))
	states := map[string]SessionState{}
	for _, sessionInformation := range sessionInformations {
		states[sessionInformation.ServerUri] = sessionInformation.State
	}
	assert.Equal(t, SessionStateConnected, states["urn:test:a"])
	assert.Equal(t, SessionStateFailed, states["urn:test:b"])

	// a failed session is not retried by requests
	result, err = client.ProcessRead(ctx, request)
	assert.Equal(t, nil, err)
	assert.Equal(t, CodeNotConnected, result.Targets[1].Status.Code)
	assert.Equal(t, 1, stack.callCountFor("urn:test:b", "Connect"))

	stack.setUnreachable("urn:test:b", false)
	stats := client.Housekeeping().Tick(ctx)
	assert.Equal(t, 1, stats.ReconnectedCount)

	result, err = client.ProcessRead(ctx, request)
	assert.Equal(t, nil, err)
	assert.Equal(t, CodeGood, result.Status.Code)
	assert.Equal(t, 21.5, result.Targets[1].Value.Value)

	// sessions are reused
	assert.Equal(t, 2, len(client.AllSessionInformations()))
	assert.Equal(t, 1, stack.connectCount("urn:test:a"))
	assert.Equal(t, 1, stack.connectCount("urn:test:b"))
}

// a malformed convenience request touches no handle and no session
func TestScenarioWriteLengthMismatch(t *testing.T) {
	ctx := context.Background()
	stack, _, _ := newTestPlant()

	client := newTestClient(ctx, stack)
	defer client.Close(ctx)

	result, err := client.Write(
		ctx,
		[]Address{plantAddress("urn:test:a", "Temperature"), plantAddress("urn:test:b", "Temperature")},
		[]any{1.0, 2.0, 3.0},
	)
	assert.Equal(t, true, result == nil)
	assert.Equal(t, true, errors.Is(err, ErrInvalidRequest))

	assert.Equal(t, 0, stack.callCount(""))
	assert.Equal(t, uint64(0), client.allocator.LastRequestHandle())
	assert.Equal(t, 0, len(client.AllSessionInformations()))

	_, err = client.BrowseNext(ctx, []Address{plantAddress("urn:test:a", "Line")}, [][]byte{})
	assert.Equal(t, true, errors.Is(err, ErrInvalidRequest))
	assert.Equal(t, 0, stack.callCount(""))
}

// a monitored item on an unreachable server is healed by housekeeping,
// and notifications reach the callback of its client handle
func TestScenarioMonitoredItemRecovery(t *testing.T) {
	ctx := context.Background()
	stack, _, _ := newTestPlant()
	stack.setUnreachable("urn:test:b", true)

	client := newTestClient(ctx, stack)
	defer client.Close(ctx)

	result, err := client.CreateMonitoredData(ctx, []Address{plantAddress("urn:test:b", "Temperature")})
	assert.Equal(t, nil, err)
	assert.Equal(t, CodeConnectionFailed, result.Targets[0].Status.Code)
	clientHandle := result.Targets[0].ClientHandle
	assert.NotEqual(t, ClientHandle(0), clientHandle)

	information, ok := client.MonitoredItemInformation(clientHandle)
	assert.Equal(t, true, ok)
	assert.Equal(t, MonitoredItemStateNotCreated, information.State)
	assert.Equal(t, 1, client.store.Len())

	var valuesLock sync.Mutex
	values := []any{}
	client.RegisterDataChangeCallback(clientHandle, func(notification *DataChangeNotification) {
		valuesLock.Lock()
		defer valuesLock.Unlock()
		values = append(values, notification.Value.Value)
	})

	// still unreachable, nothing changes
	stats := client.Housekeeping().Tick(ctx)
	assert.Equal(t, 0, stats.ReconnectedCount)
	assert.Equal(t, 1, stats.RemainingItemCount)

	stack.setUnreachable("urn:test:b", false)
	stats = client.Housekeeping().Tick(ctx)
	assert.Equal(t, 1, stats.ReconnectedCount)
	assert.Equal(t, 1, stats.ResubmittedCount)
	assert.Equal(t, 0, stats.RemainingItemCount)

	information, ok = client.MonitoredItemInformation(clientHandle)
	assert.Equal(t, true, ok)
	assert.Equal(t, MonitoredItemStateCreated, information.State)
	assert.Equal(t, true, information.LastStatus.IsGood())
	assert.NotEqual(t, uint32(0), information.MonitoredItemId)

	assert.Equal(t, 1, stack.publishValue("urn:test:b", testTemperatureNode, 22.0))
	valuesLock.Lock()
	assert.Equal(t, []any{22.0}, values)
	valuesLock.Unlock()

	// settled requests are not re-submitted
	stats = client.Housekeeping().Tick(ctx)
	assert.Equal(t, 0, stats.ResubmittedCount)
	assert.Equal(t, 1, stack.callCountFor("urn:test:b", "CreateMonitoredItems"))
}

// items are restored on a new stack session after the connection is lost
func TestMonitoredItemsRestoredAfterConnectionLoss(t *testing.T) {
	ctx := context.Background()
	stack, _, _ := newTestPlant()

	client := newTestClient(ctx, stack)
	defer client.Close(ctx)

	result, err := client.CreateMonitoredData(ctx, []Address{
		plantAddress("urn:test:a", "Temperature"),
		plantAddress("urn:test:a", "Missing"),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, CodeGood, result.Targets[0].Status.Code)
	assert.Equal(t, CodeServerRejected, result.Targets[1].Status.Code)
	assert.Equal(t, StatusBadNodeIdUnknown, result.Targets[1].Status.ServerCode)
	// a server rejection is retried
	assert.Equal(t, 1, client.store.BadTargetCount())

	clientHandle := result.Targets[0].ClientHandle
	received := 0
	client.RegisterDataChangeCallback(AnyHandle, func(notification *DataChangeNotification) {
		if notification.ClientHandle == clientHandle {
			received += 1
		}
	})

	stack.dropConnections("urn:test:a")
	information, _ := client.MonitoredItemInformation(clientHandle)
	assert.Equal(t, MonitoredItemStateNotCreated, information.State)
	sessionInformation, _ := client.SessionInformation(result.Targets[0].ClientConnectionId)
	assert.Equal(t, SessionStateDisconnected, sessionInformation.State)
	assert.Equal(t, 0, stack.publishValue("urn:test:a", testTemperatureNode, 1.0))

	stats := client.Housekeeping().Tick(ctx)
	assert.Equal(t, 1, stats.ReconnectedCount)
	// the rejected target stays persisted
	assert.Equal(t, 1, stats.RemainingItemCount)

	information, _ = client.MonitoredItemInformation(clientHandle)
	assert.Equal(t, MonitoredItemStateCreated, information.State)
	assert.Equal(t, 1, stack.publishValue("urn:test:a", testTemperatureNode, 2.0))
	assert.Equal(t, 1, received)
	assert.Equal(t, 2, stack.connectCount("urn:test:a"))
}

func TestMonitoredEvents(t *testing.T) {
	ctx := context.Background()
	stack, _, _ := newTestPlant()

	client := newTestClient(ctx, stack)
	defer client.Close(ctx)

	result, err := client.CreateMonitoredEvents(
		ctx,
		[]Address{NewAbsoluteAddress("urn:test:a", "", "i=2253")},
		[]SimpleAttributeOperand{
			{BrowsePath: []QualifiedName{{Name: "Message"}}},
			{BrowsePath: []QualifiedName{{Name: "Severity"}}},
		},
	)
	assert.Equal(t, nil, err)
	assert.Equal(t, CodeGood, result.Status.Code)

	var fields []any
	client.RegisterEventCallback(result.Targets[0].ClientHandle, func(notification *EventNotification) {
		fields = notification.Fields
	})
	assert.Equal(t, 1, stack.publishEvent("urn:test:a", testServerObject, "overheat", 700))
	assert.Equal(t, []any{"overheat", 700}, fields)

	// select clauses are required
	result, err = client.CreateMonitoredEvents(ctx, []Address{NewAbsoluteAddress("urn:test:a", "", "i=2253")}, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, CodeInvalidRequest, result.Targets[0].Status.Code)
	// and an invalid request is not retried
	assert.Equal(t, 0, client.store.Len())

	// unknown namespaces in the select clauses fail the target
	result, err = client.CreateMonitoredEvents(
		ctx,
		[]Address{NewAbsoluteAddress("urn:test:a", "", "i=2253")},
		[]SimpleAttributeOperand{
			{BrowsePath: []QualifiedName{{NamespaceUri: "urn:unknown", Name: "Message"}}},
		},
	)
	assert.Equal(t, nil, err)
	assert.Equal(t, CodeUnknownNamespace, result.Targets[0].Status.Code)
}

func TestDeleteMonitoredItems(t *testing.T) {
	ctx := context.Background()
	stack, _, _ := newTestPlant()

	client := newTestClient(ctx, stack)
	defer client.Close(ctx)

	result, err := client.CreateMonitoredData(ctx, []Address{
		plantAddress("urn:test:a", "Temperature"),
		plantAddress("urn:test:a", "Pressure"),
		plantAddress("urn:test:a", "Missing"),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, stack.itemCount("urn:test:a"))
	assert.Equal(t, 3, len(client.AllMonitoredItemInformations()))
	assert.Equal(t, 1, client.store.Len())

	statuses := client.DeleteMonitoredItems(ctx, []ClientHandle{
		result.Targets[0].ClientHandle,
		result.Targets[2].ClientHandle,
		ClientHandle(9999),
	})
	assert.Equal(t, CodeGood, statuses[0].Code)
	assert.Equal(t, CodeGood, statuses[1].Code)
	assert.Equal(t, CodeUnknownHandle, statuses[2].Code)

	assert.Equal(t, 1, stack.itemCount("urn:test:a"))
	_, ok := client.MonitoredItemInformation(result.Targets[0].ClientHandle)
	assert.Equal(t, false, ok)
	// the persisted target is gone too
	assert.Equal(t, 0, client.store.Len())

	// items are not restored after deletion
	stack.dropConnections("urn:test:a")
	client.Housekeeping().Tick(ctx)
	assert.Equal(t, 1, stack.itemCount("urn:test:a"))
}

// an item deleted while housekeeping creates it is not brought back
func TestDeleteMonitoredItemsDuringResubmit(t *testing.T) {
	ctx := context.Background()
	stack, _, _ := newTestPlant()
	stack.setUnreachable("urn:test:b", true)

	client := newTestClient(ctx, stack)
	defer client.Close(ctx)

	result, err := client.CreateMonitoredData(ctx, []Address{plantAddress("urn:test:b", "Temperature")})
	assert.Equal(t, nil, err)
	clientHandle := result.Targets[0].ClientHandle
	assert.Equal(t, 1, client.store.Len())

	var statuses []Status
	stack.setBeforeCreateItems(func() {
		statuses = client.DeleteMonitoredItems(ctx, []ClientHandle{clientHandle})
	})
	stack.setUnreachable("urn:test:b", false)
	stats := client.Housekeeping().Tick(ctx)
	assert.Equal(t, 1, stats.ResubmittedCount)
	assert.Equal(t, 0, stats.RemainingItemCount)

	assert.Equal(t, 1, len(statuses))
	assert.Equal(t, CodeGood, statuses[0].Code)
	_, ok := client.MonitoredItemInformation(clientHandle)
	assert.Equal(t, false, ok)
	assert.Equal(t, 0, len(client.AllMonitoredItemInformations()))
	// the item the resubmit created is deleted on the server
	assert.Equal(t, 1, stack.callCountFor("urn:test:b", "CreateMonitoredItems"))
	assert.Equal(t, 1, stack.callCountFor("urn:test:b", "DeleteMonitoredItems"))
	assert.Equal(t, 0, stack.itemCount("urn:test:b"))
	assert.Equal(t, 0, stack.publishValue("urn:test:b", testTemperatureNode, 23.0))

	// and is not restored later
	stack.dropConnections("urn:test:b")
	client.Housekeeping().Tick(ctx)
	assert.Equal(t, 0, stack.itemCount("urn:test:b"))
	assert.Equal(t, 1, stack.callCountFor("urn:test:b", "CreateMonitoredItems"))
}

func TestResolveRelativeAddresses(t *testing.T) {
	ctx := context.Background()
	stack, _, _ := newTestPlant()

	client := newTestClient(ctx, stack)
	defer client.Close(ctx)

	result, err := client.Read(ctx, []Address{
		relativeAddress("urn:test:a", "Temperature"),
		relativeAddress("urn:test:a", "Sensor"),
		relativeAddress("urn:test:a", "Nope"),
		NewRelativeAddress(NewAbsoluteAddress("urn:test:a", "urn:unknown", "s=Line"), ChildElement(testNamespaceUri, "Temperature")),
		relativeAddress("urn:test:a", "Temperature"),
		{},
	}, AttributeValue)
	assert.Equal(t, nil, err)
	assert.Equal(t, CodeGood, result.Targets[0].Status.Code)
	assert.Equal(t, 21.5, result.Targets[0].Value.Value)
	assert.Equal(t, CodeAmbiguousPath, result.Targets[1].Status.Code)
	assert.Equal(t, CodePathNotFound, result.Targets[2].Status.Code)
	assert.Equal(t, CodeUnknownNamespace, result.Targets[3].Status.Code)
	assert.Equal(t, CodeGood, result.Targets[4].Status.Code)
	assert.Equal(t, CodeEmptyAddress, result.Targets[5].Status.Code)

	// equal addresses resolve once, and all paths translate in one call
	assert.Equal(t, []int{3}, stack.callSizes("TranslateBrowsePaths"))
}

func TestResolverIdempotent(t *testing.T) {
	ctx := context.Background()
	stack, _, _ := newTestPlant()

	client := newTestClient(ctx, stack)
	defer client.Close(ctx)

	j := newReadJob(&ReadRequest{
		Targets: []ReadTarget{
			{Address: relativeAddress("urn:test:a", "Temperature")},
			{Address: plantAddress("urn:test:b", "Pressure")},
			{Address: relativeAddress("urn:test:b", "Temperature")},
		},
	})
	first := client.resolver.Resolve(ctx, j, NewMask(3, true))
	second := client.resolver.Resolve(ctx, j, NewMask(3, true))
	assert.Equal(t, first.nodes, second.nodes)
	assert.Equal(t, [][]NodeId{
		{testTemperatureNode},
		{{NamespaceIndex: 1, Identifier: "s=Pressure"}},
		{testTemperatureNode},
	}, first.nodes)
	for rank := 0; rank < 3; rank += 1 {
		assert.Equal(t, true, first.sessions[rank] == second.sessions[rank])
	}
	assert.Equal(t, true, first.sessions[0] != first.sessions[1])
	assert.Equal(t, true, first.sessions[1] == first.sessions[2])
	assert.Equal(t, 2, len(client.AllSessionInformations()))
}

// only the targets in the mask reach the stack
func TestProcessMask(t *testing.T) {
	ctx := context.Background()
	stack, _, _ := newTestPlant()

	client := newTestClient(ctx, stack)
	defer client.Close(ctx)

	request := &ReadRequest{
		Targets: []ReadTarget{
			{Address: relativeAddress("urn:test:a", "Temperature"), AttributeId: AttributeValue},
			{Address: relativeAddress("urn:test:a", "Sensor"), AttributeId: AttributeValue},
			{Address: plantAddress("urn:test:a", "Pressure"), AttributeId: AttributeValue},
		},
	}
	result, err := client.ProcessRead(ctx, request, MaskOf(true, false, true))
	assert.Equal(t, nil, err)
	assert.Equal(t, CodeGood, result.Targets[0].Status.Code)
	assert.Equal(t, CodeNotProcessed, result.Targets[1].Status.Code)
	assert.Equal(t, CodeGood, result.Targets[2].Status.Code)
	assert.Equal(t, []int{1}, stack.callSizes("TranslateBrowsePaths"))
	// the namespace array, then the read
	assert.Equal(t, []int{1, 2}, stack.callSizes("Read"))

	_, err = client.ProcessRead(ctx, request, MaskOf(true, false))
	assert.Equal(t, true, errors.Is(err, ErrInvalidRequest))

	// the result length does not depend on the mask
	result, err = client.ProcessRead(ctx, request, NewMask(3, false))
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, len(result.Targets))
	assert.Equal(t, []int{1, 2}, stack.callSizes("Read"))
}

func TestReadValidation(t *testing.T) {
	ctx := context.Background()
	stack, _, _ := newTestPlant()

	client := newTestClient(ctx, stack)
	defer client.Close(ctx)

	result, err := client.ProcessRead(ctx, &ReadRequest{
		Targets: []ReadTarget{
			{Address: plantAddress("urn:test:a", "Temperature")},
			{Address: plantAddress("urn:test:a", "Temperature"), AttributeId: AttributeDisplayName},
			{Address: plantAddress("urn:test:a", "Missing"), AttributeId: AttributeValue},
			{Address: NewAbsoluteAddress("urn:test:unknown", "", "i=85"), AttributeId: AttributeValue},
		},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, CodeInvalidRequest, result.Targets[0].Status.Code)
	assert.Equal(t, CodeServerRejected, result.Targets[1].Status.Code)
	assert.Equal(t, StatusBadAttributeIdInvalid, result.Targets[1].Status.ServerCode)
	assert.Equal(t, StatusBadNodeIdUnknown, result.Targets[2].Status.ServerCode)
	assert.Equal(t, CodeUnknownServer, result.Targets[3].Status.Code)

	// the unknown server does not leave a session behind
	assert.Equal(t, 1, len(client.AllSessionInformations()))
}

func TestWriteAndCall(t *testing.T) {
	ctx := context.Background()
	stack, _, _ := newTestPlant()

	client := newTestClient(ctx, stack)
	defer client.Close(ctx)

	writeResult, err := client.Write(
		ctx,
		[]Address{plantAddress("urn:test:a", "Temperature"), plantAddress("urn:test:a", "Missing")},
		[]any{30.5, 1.0},
	)
	assert.Equal(t, nil, err)
	assert.Equal(t, CodeGood, writeResult.Targets[0].Status.Code)
	assert.Equal(t, CodeServerRejected, writeResult.Targets[1].Status.Code)

	readResult, err := client.Read(ctx, []Address{plantAddress("urn:test:a", "Temperature")}, 0)
	assert.Equal(t, nil, err)
	assert.Equal(t, 30.5, readResult.Targets[0].Value.Value)

	callResult, err := client.Call(
		ctx,
		plantAddress("urn:test:a", "Line"),
		plantAddress("urn:test:a", "Reset"),
		[]any{int32(3), "soft"},
	)
	assert.Equal(t, nil, err)
	assert.Equal(t, CodeGood, callResult.Status.Code)
	assert.Equal(t, []any{int32(3), "soft"}, callResult.Targets[0].OutputArguments)

	// the object and the method must be on one server
	callResult, err = client.Call(
		ctx,
		plantAddress("urn:test:a", "Line"),
		plantAddress("urn:test:b", "Reset"),
		nil,
	)
	assert.Equal(t, nil, err)
	assert.Equal(t, CodeInvalidAddress, callResult.Targets[0].Status.Code)
}

func TestBrowseContinuation(t *testing.T) {
	ctx := context.Background()
	stack, _, _ := newTestPlant()
	// 10 references in pages of 3, which is 3 continuation pages after the first
	stack.pageSize = 3

	client := newTestClient(ctx, stack)
	defer client.Close(ctx)

	line := plantAddress("urn:test:a", "Line")

	result, err := client.Browse(ctx, []Address{line}, 2)
	assert.Equal(t, nil, err)
	target := result.Targets[0]
	assert.Equal(t, 9, len(target.References))
	assert.Equal(t, 2, target.AutoBrowsedNext)
	assert.NotEqual(t, 0, len(target.ContinuationPoint))
	assert.Equal(t, testNamespaceUri, target.References[0].NamespaceUri)

	// continues where the browse stopped
	nextResult, err := client.BrowseNext(ctx, []Address{line}, [][]byte{target.ContinuationPoint})
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(nextResult.Targets[0].References))
	assert.Equal(t, "Child9", nextResult.Targets[0].References[0].BrowseName.Name)
	assert.Equal(t, 0, len(nextResult.Targets[0].ContinuationPoint))

	for _, maxAutoBrowseNext := range []int{3, 4, 100} {
		result, err = client.Browse(ctx, []Address{line, line}, maxAutoBrowseNext)
		assert.Equal(t, nil, err)
		for _, target := range result.Targets {
			assert.Equal(t, 10, len(target.References))
			assert.Equal(t, 3, target.AutoBrowsedNext)
			assert.Equal(t, 0, len(target.ContinuationPoint))
			for i, reference := range target.References {
				assert.Equal(t, NodeId{NamespaceIndex: 1, Identifier: "s=Child" + string(rune('0'+i))}, reference.NodeId)
			}
		}
	}

	result, err = client.Browse(ctx, []Address{line}, 0)
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, len(result.Targets[0].References))
	assert.Equal(t, 0, result.Targets[0].AutoBrowsedNext)

	// release the point instead of continuing
	settings := DefaultBrowseSettings()
	settings.ReleaseContinuationPoints = true
	releaseResult, err := client.ProcessBrowseNext(ctx, &BrowseNextRequest{
		Settings: settings,
		Targets: []BrowseNextTarget{
			{Address: line, ContinuationPoint: result.Targets[0].ContinuationPoint},
			{Address: line},
		},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, CodeGood, releaseResult.Targets[0].Status.Code)
	assert.Equal(t, 0, len(releaseResult.Targets[0].References))
	assert.Equal(t, CodeInvalidRequest, releaseResult.Targets[1].Status.Code)
}

func TestHistoryReadContinuation(t *testing.T) {
	ctx := context.Background()
	stack, _, _ := newTestPlant()
	stack.pageSize = 3

	client := newTestClient(ctx, stack)
	defer client.Close(ctx)

	temperature := plantAddress("urn:test:a", "Temperature")
	start := time.Unix(0, 0)
	end := time.Unix(100, 0)

	result, err := client.HistoryReadRaw(ctx, []Address{temperature}, start, end, 0, 2)
	assert.Equal(t, nil, err)
	target := result.Targets[0]
	assert.Equal(t, 9, len(target.DataValues))
	assert.Equal(t, 2, target.AutoReadMore)
	assert.NotEqual(t, 0, len(target.ContinuationPoint))

	result, err = client.HistoryReadRaw(ctx, []Address{temperature, plantAddress("urn:test:a", "Pressure")}, start, end, 0, 10)
	assert.Equal(t, nil, err)
	target = result.Targets[0]
	assert.Equal(t, 10, len(target.DataValues))
	assert.Equal(t, 3, target.AutoReadMore)
	assert.Equal(t, 0, len(target.ContinuationPoint))
	for i, dataValue := range target.DataValues {
		// in received order
		assert.Equal(t, float64(i), dataValue.Value)
	}
	// no history for the second target does not stop the first
	assert.Equal(t, CodeServerRejected, result.Targets[1].Status.Code)
	assert.Equal(t, CodeBad, result.Status.Code)

	// continue a previous read explicitly
	first, err := client.HistoryReadRaw(ctx, []Address{temperature}, start, end, 0, 0)
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, len(first.Targets[0].DataValues))
	next, err := client.ProcessHistoryReadRawModified(ctx, &HistoryReadRawModifiedRequest{
		Targets: []HistoryReadTarget{
			{Address: temperature, ContinuationPoint: first.Targets[0].ContinuationPoint},
		},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, 3.0, next.Targets[0].DataValues[0].Value)
}

func TestManualSessions(t *testing.T) {
	ctx := context.Background()
	stack, _, _ := newTestPlant()

	client := newTestClient(ctx, stack)
	defer client.Close(ctx)

	connectionId, err := client.ManuallyConnect(ctx, "urn:test:a", nil)
	assert.Equal(t, nil, err)
	sessionInformation, ok := client.SessionInformation(connectionId)
	assert.Equal(t, true, ok)
	assert.Equal(t, true, sessionInformation.Manual)
	assert.Equal(t, SessionStateConnected, sessionInformation.State)

	subscriptionHandle, err := client.ManuallySubscribe(ctx, connectionId, nil)
	assert.Equal(t, nil, err)

	request := &CreateMonitoredDataRequest{
		MonitoredRequestHeader: MonitoredRequestHeader{
			RequestHeader: RequestHeader{
				ClientConnectionId: connectionId,
			},
			ClientSubscriptionHandle: subscriptionHandle,
		},
		Targets: []MonitoredDataTarget{
			{Address: plantAddress("urn:test:a", "Temperature"), ClientHandle: 500},
		},
	}
	result, err := client.ProcessCreateMonitoredData(ctx, request)
	assert.Equal(t, nil, err)
	assert.Equal(t, CodeGood, result.Targets[0].Status.Code)
	assert.Equal(t, ClientHandle(500), result.Targets[0].ClientHandle)
	assert.Equal(t, connectionId, result.Targets[0].ClientConnectionId)
	assert.Equal(t, subscriptionHandle, result.Targets[0].ClientSubscriptionHandle)

	subscriptionInformation, ok := client.SubscriptionInformation(subscriptionHandle)
	assert.Equal(t, true, ok)
	assert.Equal(t, SubscriptionStateCreated, subscriptionInformation.State)
	assert.Equal(t, 1, subscriptionInformation.MonitoredItemCount)
	assert.Equal(t, 1, len(client.AllSubscriptionInformations()))

	// a pinned connection only serves its own server
	readResult, err := client.ProcessRead(ctx, &ReadRequest{
		RequestHeader: RequestHeader{ClientConnectionId: connectionId},
		Targets: []ReadTarget{
			{Address: plantAddress("urn:test:b", "Temperature"), AttributeId: AttributeValue},
		},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, CodeInvalidAddress, readResult.Targets[0].Status.Code)

	err = client.ManuallyUnsubscribe(ctx, subscriptionHandle)
	assert.Equal(t, nil, err)
	err = client.ManuallyUnsubscribe(ctx, subscriptionHandle)
	assert.Equal(t, true, errors.Is(err, ErrUnknownHandle))

	err = client.ManuallyDisconnect(ctx, connectionId)
	assert.Equal(t, nil, err)
	err = client.ManuallyDisconnect(ctx, connectionId)
	assert.Equal(t, true, errors.Is(err, ErrUnknownHandle))

	readResult, err = client.ProcessRead(ctx, &ReadRequest{
		RequestHeader: RequestHeader{ClientConnectionId: connectionId},
		Targets: []ReadTarget{
			{Address: plantAddress("urn:test:a", "Temperature"), AttributeId: AttributeValue},
		},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, CodeUnknownHandle, readResult.Targets[0].Status.Code)

	// a failed manual connect does not keep a session
	stack.setUnreachable("urn:test:b", true)
	_, err = client.ManuallyConnect(ctx, "urn:test:b", nil)
	assert.Equal(t, CodeConnectionFailed, StatusOf(err).Code)
	assert.Equal(t, 0, len(client.AllSessionInformations()))
}

func TestProcessReadAsync(t *testing.T) {
	ctx := context.Background()
	stack, _, _ := newTestPlant()

	client := newTestClient(ctx, stack)
	defer client.Close(ctx)

	done := make(chan *ReadResult, 1)
	requestHandle, err := client.ProcessReadAsync(ctx, &ReadRequest{
		Targets: []ReadTarget{
			{Address: plantAddress("urn:test:b", "Pressure"), AttributeId: AttributeValue},
		},
	}, func(result *ReadResult, err error) {
		if err != nil {
			panic(err)
		}
		done <- result
	})
	assert.Equal(t, nil, err)
	assert.NotEqual(t, RequestHandle(0), requestHandle)

	select {
	case result := <-done:
		assert.Equal(t, requestHandle, result.RequestHandle)
		assert.Equal(t, 1.2, result.Targets[0].Value.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("async read did not complete")
	}
}

// a namespace table read that never answers is bounded by the call timeout
func TestNamespaceReadTimeout(t *testing.T) {
	ctx := context.Background()
	stack, a, _ := newTestPlant()
	a.references[testServerObject] = []ReferenceDescription{
		{
			ReferenceTypeId: Organizes,
			IsForward:       true,
			NodeId:          testLineNode,
			BrowseName:      ResolvedQualifiedName{NamespaceIndex: 1, Name: "Line"},
		},
	}
	stack.setStallNamespaceRead("urn:test:a", true)

	client := newTestClient(ctx, stack)
	defer client.Close(ctx)

	done := make(chan *ReadResult, 1)
	go func() {
		result, err := client.ProcessRead(ctx, &ReadRequest{
			Settings: &ServiceSettings{CallTimeout: 200 * time.Millisecond},
			Targets: []ReadTarget{
				{Address: plantAddress("urn:test:a", "Temperature"), AttributeId: AttributeValue},
				{Address: relativeAddress("urn:test:a", "Temperature"), AttributeId: AttributeValue},
			},
		})
		if err != nil {
			panic(err)
		}
		done <- result
	}()

	select {
	case result := <-done:
		for _, target := range result.Targets {
			assert.Equal(t, CodeInvocationFailed, target.Status.Code)
			assert.Equal(t, StatusBadTimeout, target.Status.ServerCode)
		}
		assert.Equal(t, CodeInvocationFailed, result.Status.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("read blocked on the namespace table")
	}

	// a standard namespace node resolves without the table,
	// and its references keep only their namespace index
	browseRequest := &BrowseRequest{
		Settings: &BrowseSettings{
			ServiceSettings: ServiceSettings{CallTimeout: 200 * time.Millisecond},
		},
		Targets: []BrowseTarget{
			{Address: NewAbsoluteAddress("urn:test:a", "", testServerObject.Identifier)},
		},
	}
	browseResult, err := client.ProcessBrowse(ctx, browseRequest)
	assert.Equal(t, nil, err)
	assert.Equal(t, CodeGood, browseResult.Targets[0].Status.Code)
	assert.Equal(t, 1, len(browseResult.Targets[0].References))
	assert.Equal(t, "", browseResult.Targets[0].References[0].NamespaceUri)

	// the table is read again once the server answers
	stack.setStallNamespaceRead("urn:test:a", false)
	browseResult, err = client.ProcessBrowse(ctx, browseRequest)
	assert.Equal(t, nil, err)
	assert.Equal(t, testNamespaceUri, browseResult.Targets[0].References[0].NamespaceUri)

	result, err := client.ProcessRead(ctx, &ReadRequest{
		Targets: []ReadTarget{
			{Address: plantAddress("urn:test:a", "Temperature"), AttributeId: AttributeValue},
		},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, CodeGood, result.Targets[0].Status.Code)
	assert.Equal(t, 21.5, result.Targets[0].Value.Value)
}

// sessions are shared only between equal credentials
func TestSessionsPerCredential(t *testing.T) {
	ctx := context.Background()
	stack, _, _ := newTestPlant()

	client := newTestClient(ctx, stack)
	defer client.Close(ctx)

	readAs := func(password string) *ReadResult {
		sessionSettings := DefaultSessionSettings()
		sessionSettings.ConnectTimeout = time.Second
		sessionSettings.Security.UserTokenType = UserTokenUserName
		sessionSettings.Security.UserName = "operator"
		sessionSettings.Security.Password = password
		result, err := client.ProcessRead(ctx, &ReadRequest{
			RequestHeader: RequestHeader{SessionSettings: sessionSettings},
			Targets: []ReadTarget{
				{Address: plantAddress("urn:test:a", "Temperature"), AttributeId: AttributeValue},
			},
		})
		assert.Equal(t, nil, err)
		return result
	}

	result := readAs("right")
	assert.Equal(t, CodeGood, result.Targets[0].Status.Code)
	result = readAs("wrong")
	assert.Equal(t, CodeGood, result.Targets[0].Status.Code)
	assert.Equal(t, 2, len(client.AllSessionInformations()))
	assert.Equal(t, 2, stack.connectCount("urn:test:a"))

	result = readAs("right")
	assert.Equal(t, CodeGood, result.Targets[0].Status.Code)
	assert.Equal(t, 2, len(client.AllSessionInformations()))
	assert.Equal(t, 2, stack.connectCount("urn:test:a"))

	right := DefaultSessionSecuritySettings()
	right.UserName = "operator"
	right.Password = "right"
	wrong := DefaultSessionSecuritySettings()
	wrong.UserName = "operator"
	wrong.Password = "wrong"
	assert.NotEqual(t, right.Key(), wrong.Key())
	assert.Equal(t, false, strings.Contains(right.Key(), "right"))
}

func TestCallerRequestHandle(t *testing.T) {
	ctx := context.Background()
	stack, _, _ := newTestPlant()

	client := newTestClient(ctx, stack)
	defer client.Close(ctx)

	result, err := client.ProcessRead(ctx, &ReadRequest{
		RequestHeader: RequestHeader{RequestHandle: 77},
		Targets: []ReadTarget{
			{Address: plantAddress("urn:test:a", "Pressure"), AttributeId: AttributeValue},
		},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, RequestHandle(77), result.RequestHandle)
	assert.Equal(t, uint64(0), client.allocator.LastRequestHandle())
}

func TestClientClose(t *testing.T) {
	ctx := context.Background()
	stack, _, _ := newTestPlant()

	client := newTestClient(ctx, stack)
	_, err := client.Read(ctx, []Address{plantAddress("urn:test:a", "Pressure")}, AttributeValue)
	assert.Equal(t, nil, err)

	err = client.Close(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, stack.callCountFor("urn:test:a", "Close"))
	// close is idempotent
	assert.Equal(t, nil, client.Close(ctx))

	result, err := client.Read(ctx, []Address{plantAddress("urn:test:a", "Pressure")}, AttributeValue)
	assert.Equal(t, true, errors.Is(err, ErrClientClosed))
	assert.Equal(t, CodeClientClosed, result.Status.Code)
	assert.Equal(t, CodeNotProcessed, result.Targets[0].Status.Code)

	_, err = client.ProcessReadAsync(ctx, &ReadRequest{}, func(*ReadResult, error) {})
	assert.Equal(t, true, errors.Is(err, ErrClientClosed))
}

func TestFindServers(t *testing.T) {
	ctx := context.Background()
	stack, _, _ := newTestPlant()

	client := newTestClient(ctx, stack)
	defer client.Close(ctx)

	servers, err := client.FindServers(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(servers))
	assert.Equal(t, "urn:test:a", servers["urn:test:a"][0].ServerUri)
}

func TestHousekeepingStartStop(t *testing.T) {
	ctx := context.Background()
	stack, _, _ := newTestPlant()

	settings := newTestClientSettings()
	settings.HousekeepingInterval = 10 * time.Millisecond
	client, err := NewClient(ctx, stack, settings)
	assert.Equal(t, nil, err)
	defer client.Close(ctx)

	housekeeping := client.Housekeeping()
	assert.Equal(t, true, housekeeping.Start())
	assert.Equal(t, false, housekeeping.Start())
	assert.Equal(t, true, housekeeping.IsRunning())

	// discovery runs on each tick
	for i := 0; i < 100 && stack.callCount("Discover") < 4; i += 1 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, true, 4 <= stack.callCount("Discover"))

	housekeeping.Stop()
	assert.Equal(t, false, housekeeping.IsRunning())
	n := stack.callCount("Discover")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, stack.callCount("Discover"))

	// can start again
	assert.Equal(t, true, housekeeping.Start())
	housekeeping.Stop()
}
