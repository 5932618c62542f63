package convex

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func drainOutgoing(base *baseClient) []ClientMessage {
	messages := []ClientMessage{}
	for {
		message, ok := base.popNextMessage()
		if !ok {
			return messages
		}
		messages = append(messages, message)
	}
}

func TestSubscribeDedup(t *testing.T) {
	base := newBaseClient(nil)

	token1, err := base.subscribe("messages:list", map[string]Value{
		"channel": "general",
		"limit":   10.0,
	})
	assert.Equal(t, err, nil)
	// same function, same args in a different insertion order
	token2, err := base.subscribe("messages:list", map[string]Value{
		"limit":   10.0,
		"channel": "general",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, token1, token2)

	token3, err := base.subscribe("messages:list", map[string]Value{
		"channel": "random",
		"limit":   10.0,
	})
	assert.Equal(t, err, nil)
	assert.NotEqual(t, token1, token3)

	// two distinct tokens mean exactly two Adds on the wire
	messages := drainOutgoing(base)
	assert.Equal(t, len(messages), 2)
	for _, message := range messages {
		modify := message.(*ModifyQuerySetMessage)
		assert.Equal(t, len(modify.Modifications), 1)
		_, ok := modify.Modifications[0].(*AddQuery)
		assert.Equal(t, ok, true)
	}
}

func TestUnsubscribeRefcount(t *testing.T) {
	base := newBaseClient(nil)

	token, err := base.subscribe("messages:list", nil)
	assert.Equal(t, err, nil)
	_, err = base.subscribe("messages:list", nil)
	assert.Equal(t, err, nil)
	drainOutgoing(base)

	base.unsubscribe(token)
	assert.Equal(t, len(drainOutgoing(base)), 0)

	base.unsubscribe(token)
	messages := drainOutgoing(base)
	assert.Equal(t, len(messages), 1)
	modify := messages[0].(*ModifyQuerySetMessage)
	_, ok := modify.Modifications[0].(*RemoveQuery)
	assert.Equal(t, ok, true)

	// resubscribing after full removal uses a fresh query id
	_, err = base.subscribe("messages:list", nil)
	assert.Equal(t, err, nil)
	messages = drainOutgoing(base)
	assert.Equal(t, len(messages), 1)
	add := messages[0].(*ModifyQuerySetMessage).Modifications[0].(*AddQuery)
	assert.Equal(t, add.QueryId, QueryId(1))
}

func TestQuerySetVersionsIncrement(t *testing.T) {
	base := newBaseClient(nil)

	base.subscribe("a:b", nil)
	base.subscribe("c:d", nil)
	messages := drainOutgoing(base)
	assert.Equal(t, len(messages), 2)
	first := messages[0].(*ModifyQuerySetMessage)
	second := messages[1].(*ModifyQuerySetMessage)
	assert.Equal(t, first.BaseVersion, uint32(0))
	assert.Equal(t, first.NewVersion, uint32(1))
	assert.Equal(t, second.BaseVersion, uint32(1))
	assert.Equal(t, second.NewVersion, uint32(2))
}

func TestMutationFifoOrdering(t *testing.T) {
	base := newBaseClient(nil)

	_, _, err := base.mutation("messages:send", map[string]Value{"body": "a"}, nil, false, time.Now())
	assert.Equal(t, err, nil)
	_, _, err = base.mutation("messages:send", map[string]Value{"body": "b"}, nil, false, time.Now())
	assert.Equal(t, err, nil)

	// only the first mutation is on the wire
	messages := drainOutgoing(base)
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0].(*MutationRequestMessage).RequestId, RequestId(0))

	// its response releases the second
	_, err = base.receiveMessage(&MutationResponseMessage{
		RequestId: 0,
		Success:   true,
		Result:    "ok",
		Ts:        5,
	})
	assert.Equal(t, err, nil)
	messages = drainOutgoing(base)
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0].(*MutationRequestMessage).RequestId, RequestId(1))
}

func TestSkipQueueSendsImmediately(t *testing.T) {
	base := newBaseClient(nil)

	_, _, err := base.mutation("messages:send", map[string]Value{"body": "a"}, nil, false, time.Now())
	assert.Equal(t, err, nil)
	_, _, err = base.mutation("presence:heartbeat", nil, nil, true, time.Now())
	assert.Equal(t, err, nil)

	messages := drainOutgoing(base)
	assert.Equal(t, len(messages), 2)
	assert.Equal(t, messages[1].(*MutationRequestMessage).RequestId, RequestId(1))
}

func TestActionsNeverQueued(t *testing.T) {
	base := newBaseClient(nil)

	_, _, err := base.mutation("messages:send", nil, nil, false, time.Now())
	assert.Equal(t, err, nil)
	_, err = base.action("messages:notify", nil, time.Now())
	assert.Equal(t, err, nil)

	messages := drainOutgoing(base)
	assert.Equal(t, len(messages), 2)
	_, ok := messages[1].(*ActionRequestMessage)
	assert.Equal(t, ok, true)
}

// subscribe a query and feed it a first server value
func setupQueryAt(t *testing.T, base *baseClient, value Value) QueryToken {
	token, err := base.subscribe("messages:list", nil)
	assert.Equal(t, err, nil)
	changed, err := base.receiveMessage(&TransitionMessage{
		StartVersion: StateVersion{},
		EndVersion:   StateVersion{QuerySet: 1, Ts: 1},
		Modifications: []StateModification{
			&QueryUpdated{QueryId: 0, Value: value},
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, []QueryToken{token})
	return token
}

func TestOptimisticUpdateVisibleImmediately(t *testing.T) {
	base := newBaseClient(nil)
	token := setupQueryAt(t, base, []any{"hello"})

	update := func(store *OptimisticLocalStore, args map[string]Value) {
		current, ok := store.GetQuery("messages:list", nil)
		if !ok {
			return
		}
		store.SetQuery("messages:list", nil, append(current.([]Value), args["body"]))
	}
	_, changed, err := base.mutation("messages:send", map[string]Value{"body": "world"}, update, false, time.Now())
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, []QueryToken{token})

	result := base.localQueryResult(token)
	assert.NotEqual(t, result, nil)
	assert.Equal(t, result.Value, []Value{"hello", "world"})
}

func TestOptimisticUpdateNoFlicker(t *testing.T) {
	base := newBaseClient(nil)
	token := setupQueryAt(t, base, []any{"hello"})

	update := func(store *OptimisticLocalStore, args map[string]Value) {
		current, _ := store.GetQuery("messages:list", nil)
		store.SetQuery("messages:list", nil, append(current.([]Value), args["body"]))
	}
	resultChan, _, err := base.mutation("messages:send", map[string]Value{"body": "world"}, update, false, time.Now())
	assert.Equal(t, err, nil)

	// the server acks the mutation; the optimistic value stays in place
	changed, err := base.receiveMessage(&MutationResponseMessage{
		RequestId: 0,
		Success:   true,
		Result:    nil,
		Ts:        10,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(changed), 0)
	assert.Equal(t, chanEmpty(resultChan), true)

	// the transition that includes the committed write swaps the optimistic
	// value for the server value with no intermediate revert
	changed, err = base.receiveMessage(&TransitionMessage{
		StartVersion: StateVersion{QuerySet: 1, Ts: 1},
		EndVersion:   StateVersion{QuerySet: 1, Ts: 10},
		Modifications: []StateModification{
			&QueryUpdated{QueryId: 0, Value: []any{"hello", "world"}},
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(changed), 0)

	result := <-resultChan
	assert.Equal(t, result.Error, nil)
	assert.Equal(t, base.localQueryResult(token).Value, []Value{"hello", "world"})
	assert.Equal(t, base.maxObservedTimestamp, Timestamp(10))
}

func TestOptimisticUpdateDroppedOnFailure(t *testing.T) {
	base := newBaseClient(nil)
	token := setupQueryAt(t, base, []any{"hello"})

	update := func(store *OptimisticLocalStore, args map[string]Value) {
		store.SetQuery("messages:list", nil, []Value{"optimistic"})
	}
	resultChan, _, err := base.mutation("messages:send", nil, update, false, time.Now())
	assert.Equal(t, err, nil)
	assert.Equal(t, base.localQueryResult(token).Value, []Value{"optimistic"})

	changed, err := base.receiveMessage(&MutationResponseMessage{
		RequestId:    0,
		Success:      false,
		ErrorMessage: "rate limited",
	})
	assert.Equal(t, err, nil)
	// the failed mutation's edit reverts right away
	assert.Equal(t, changed, []QueryToken{token})
	assert.Equal(t, base.localQueryResult(token).Value, []any{"hello"})

	result := <-resultChan
	assert.Equal(t, result.Error.Message, "rate limited")
}

func TestOverlayRebuiltFromCleanSnapshot(t *testing.T) {
	base := newBaseClient(nil)
	token := setupQueryAt(t, base, 1.0)

	// an update that increments whatever the remote value currently is. If
	// the overlay were patched incrementally instead of rebuilt, replaying on
	// new server data would double-apply.
	update := func(store *OptimisticLocalStore, args map[string]Value) {
		current, ok := store.GetQuery("messages:list", nil)
		if !ok {
			return
		}
		store.SetQuery("messages:list", nil, current.(float64)+1)
	}
	_, changed, err := base.mutation("counter:increment", nil, update, false, time.Now())
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, []QueryToken{token})
	assert.Equal(t, base.localQueryResult(token).Value, 2.0)

	// unrelated server progress: the update replays on the new base exactly
	// once
	changed, err = base.receiveMessage(&TransitionMessage{
		StartVersion: StateVersion{QuerySet: 1, Ts: 1},
		EndVersion:   StateVersion{QuerySet: 1, Ts: 2},
		Modifications: []StateModification{
			&QueryUpdated{QueryId: 0, Value: 10.0},
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, []QueryToken{token})
	assert.Equal(t, base.localQueryResult(token).Value, 11.0)
}

func TestAuthenticateVersions(t *testing.T) {
	base := newBaseClient(nil)

	base.setAuth(&authToken{tokenType: authTokenTypeUser, value: "jwt-1"})
	base.setAuth(&authToken{tokenType: authTokenTypeUser, value: "jwt-2"})
	base.clearAuth()

	messages := drainOutgoing(base)
	assert.Equal(t, len(messages), 3)
	for i, message := range messages {
		authenticate := message.(*AuthenticateMessage)
		assert.Equal(t, authenticate.BaseVersion, uint32(i))
	}
	assert.Equal(t, messages[0].(*AuthenticateMessage).TokenType, authTokenTypeUser)
	assert.Equal(t, messages[2].(*AuthenticateMessage).TokenType, authTokenTypeNone)
}

func TestResendRebuildsOutgoingQueue(t *testing.T) {
	base := newBaseClient(nil)

	tokenA, err := base.subscribe("messages:list", nil)
	assert.Equal(t, err, nil)
	_, err = base.subscribe("channels:list", nil)
	assert.Equal(t, err, nil)
	_, _, err = base.mutation("messages:send", nil, nil, false, time.Now())
	assert.Equal(t, err, nil)
	base.setAuth(&authToken{tokenType: authTokenTypeUser, value: "jwt"})

	// the query has a value before the drop
	_, err = base.receiveMessage(&TransitionMessage{
		StartVersion: StateVersion{},
		EndVersion:   StateVersion{QuerySet: 2, Ts: 5},
		Modifications: []StateModification{
			&QueryUpdated{QueryId: 0, Value: "cached"},
		},
	})
	assert.Equal(t, err, nil)
	drainOutgoing(base)

	base.resendOngoingQueriesMutations(false)

	// one ModifyQuerySet with the whole set, then the mutation replay, then
	// Authenticate, all against reset versions
	messages := drainOutgoing(base)
	assert.Equal(t, len(messages), 3)

	modify := messages[0].(*ModifyQuerySetMessage)
	assert.Equal(t, modify.BaseVersion, uint32(0))
	assert.Equal(t, modify.NewVersion, uint32(1))
	assert.Equal(t, len(modify.Modifications), 2)
	assert.Equal(t, modify.Modifications[0].(*AddQuery).QueryId, QueryId(0))
	assert.Equal(t, modify.Modifications[1].(*AddQuery).QueryId, QueryId(1))

	mutation := messages[1].(*MutationRequestMessage)
	assert.Equal(t, mutation.RequestId, RequestId(0))

	authenticate := messages[2].(*AuthenticateMessage)
	assert.Equal(t, authenticate.BaseVersion, uint32(0))

	// composed results keep their last known value during the resync
	assert.Equal(t, base.localQueryResult(tokenA).Value, "cached")

	// and the fresh connection's transitions start from version zero
	changed, err := base.receiveMessage(&TransitionMessage{
		StartVersion: StateVersion{},
		EndVersion:   StateVersion{QuerySet: 1, Ts: 6},
		Modifications: []StateModification{
			&QueryUpdated{QueryId: 0, Value: "fresh"},
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, []QueryToken{tokenA})
}

func TestActionQueuedWhileDisconnectedReplays(t *testing.T) {
	base := newBaseClient(nil)

	resultChan, err := base.action("messages:notify", nil, time.Now())
	assert.Equal(t, err, nil)

	// the session's first connection flushes the backlog; the action was
	// never on the wire, so nothing fails
	base.resendOngoingQueriesMutations(true)
	messages := drainOutgoing(base)
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0].(*ActionRequestMessage).RequestId, RequestId(0))
	assert.Equal(t, chanEmpty(resultChan), true)

	// draining marked it sent; losing the connection now fails it
	base.resendOngoingQueriesMutations(false)
	assert.Equal(t, len(drainOutgoing(base)), 0)
	result := <-resultChan
	assert.NotEqual(t, result.Error, nil)
}

func TestTransitionVersionMismatchSurfaces(t *testing.T) {
	base := newBaseClient(nil)
	setupQueryAt(t, base, 1.0)

	_, err := base.receiveMessage(&TransitionMessage{
		StartVersion: StateVersion{QuerySet: 9, Ts: 9},
		EndVersion:   StateVersion{QuerySet: 10, Ts: 10},
	})
	assert.NotEqual(t, err, nil)
	_, ok := err.(*ProtocolError)
	assert.Equal(t, ok, true)
}
