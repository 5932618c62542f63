package convex

import (
	"fmt"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// QueryToken identifies a query subscription: a deterministic string derived
// from the function path and canonicalized args. Multiple subscribers to the
// same token share one server subscription.
type QueryToken string

func queryTokenFor(udfPath string, args map[string]Value) (QueryToken, error) {
	canonicalArgs, err := canonicalArgsJson(args)
	if err != nil {
		return "", err
	}
	return QueryToken(normalizeUdfPath(udfPath) + "|" + canonicalArgs), nil
}

type localQuery struct {
	token   QueryToken
	udfPath string
	args    map[string]Value
	// encoded wire form, kept so reconnect replay does not re-encode
	encodedArgs    any
	queryId        QueryId
	numSubscribers int
}

type authToken struct {
	tokenType string
	value     string
	actingAs  map[string]Value
}

// baseClient is the sync state machine: query subscription set, version
// tracking, dedup, in-flight requests, and the optimistic overlay. It is not
// safe for concurrent use; `Client` serializes access and owns the socket.
type baseClient struct {
	nextQueryId   QueryId
	nextRequestId RequestId

	querySetVersion uint32
	identityVersion uint32
	auth            *authToken

	queries        map[QueryToken]*localQuery
	queryIdToToken map[QueryId]QueryToken

	remoteQuerySet *remoteQuerySet
	requestManager *requestManager
	optimistic     *optimisticQueryResults

	// composed overlay view. nil entry = loading.
	queryResults map[QueryToken]*FunctionResult

	outgoing []ClientMessage

	maxObservedTimestamp Timestamp

	logFn FunctionLogFunction
}

func newBaseClient(logFn FunctionLogFunction) *baseClient {
	return &baseClient{
		queries:        map[QueryToken]*localQuery{},
		queryIdToToken: map[QueryId]QueryToken{},
		remoteQuerySet: newRemoteQuerySet(logFn),
		requestManager: newRequestManager(),
		optimistic:     newOptimisticQueryResults(),
		queryResults:   map[QueryToken]*FunctionResult{},
		logFn:          logFn,
	}
}

// subscribe adds one subscriber for (udfPath, args). The first subscriber for
// a token queues an Add on the wire; later ones share the existing server
// subscription.
func (self *baseClient) subscribe(udfPath string, args map[string]Value) (QueryToken, error) {
	token, err := queryTokenFor(udfPath, args)
	if err != nil {
		return "", err
	}
	if query, ok := self.queries[token]; ok {
		query.numSubscribers += 1
		return token, nil
	}
	encodedArgs, err := EncodeValue(args)
	if err != nil {
		return "", err
	}
	if encodedArgs == nil {
		encodedArgs = map[string]any{}
	}
	query := &localQuery{
		token:          token,
		udfPath:        normalizeUdfPath(udfPath),
		args:           args,
		encodedArgs:    encodedArgs,
		queryId:        self.nextQueryId,
		numSubscribers: 1,
	}
	self.nextQueryId += 1
	self.queries[token] = query
	self.queryIdToToken[query.queryId] = token
	self.queueModifyQuerySet(&AddQuery{
		Type:    querySetModificationAdd,
		QueryId: query.queryId,
		UdfPath: query.udfPath,
		Args:    []any{query.encodedArgs},
	})
	return token, nil
}

// unsubscribe drops one subscriber. The query leaves the server set only when
// the last subscriber is gone; the token can be resurrected later with a new
// query id.
func (self *baseClient) unsubscribe(token QueryToken) {
	query, ok := self.queries[token]
	if !ok {
		return
	}
	query.numSubscribers -= 1
	if 0 < query.numSubscribers {
		return
	}
	delete(self.queries, token)
	delete(self.queryIdToToken, query.queryId)
	delete(self.queryResults, token)
	self.queueModifyQuerySet(&RemoveQuery{
		Type:    querySetModificationRemove,
		QueryId: query.queryId,
	})
}

func (self *baseClient) queueModifyQuerySet(modification QuerySetModification) {
	baseVersion := self.querySetVersion
	self.querySetVersion += 1
	self.outgoing = append(self.outgoing, &ModifyQuerySetMessage{
		Type:          clientMessageModifyQuerySet,
		BaseVersion:   baseVersion,
		NewVersion:    self.querySetVersion,
		Modifications: []QuerySetModification{modification},
	})
}

// mutation registers an in-flight mutation. The optimistic update, if any, is
// applied before this returns, so the caller sees its own edit immediately.
// Returns the result channel and the tokens whose composed value changed.
func (self *baseClient) mutation(
	udfPath string,
	args map[string]Value,
	update OptimisticUpdate,
	skipQueue bool,
	now time.Time,
) (<-chan FunctionResult, []QueryToken, error) {
	encodedArgs, err := EncodeValue(args)
	if err != nil {
		return nil, nil, err
	}
	if encodedArgs == nil {
		encodedArgs = map[string]any{}
	}
	requestId := self.nextRequestId
	self.nextRequestId += 1

	changed := []QueryToken{}
	if update != nil {
		self.optimistic.register(requestId, update, args)
		changed = self.recompute()
	}

	message := &MutationRequestMessage{
		Type:      clientMessageMutation,
		RequestId: requestId,
		UdfPath:   normalizeUdfPath(udfPath),
		Args:      []any{encodedArgs},
	}
	resultChan, sendNow := self.requestManager.enqueue(requestId, message, true, !skipQueue, now)
	if sendNow {
		self.outgoing = append(self.outgoing, message)
	}
	return resultChan, changed, nil
}

// action registers an in-flight action. Actions are never queued and never
// replayed on reconnect.
func (self *baseClient) action(
	udfPath string,
	args map[string]Value,
	now time.Time,
) (<-chan FunctionResult, error) {
	encodedArgs, err := EncodeValue(args)
	if err != nil {
		return nil, err
	}
	if encodedArgs == nil {
		encodedArgs = map[string]any{}
	}
	requestId := self.nextRequestId
	self.nextRequestId += 1
	message := &ActionRequestMessage{
		Type:      clientMessageAction,
		RequestId: requestId,
		UdfPath:   normalizeUdfPath(udfPath),
		Args:      []any{encodedArgs},
	}
	resultChan, _ := self.requestManager.enqueue(requestId, message, false, false, now)
	self.outgoing = append(self.outgoing, message)
	return resultChan, nil
}

// setAuth updates the identity for subsequent messages. The server recomputes
// auth-dependent query results, observable as an identity version bump, not a
// reconnect.
func (self *baseClient) setAuth(auth *authToken) {
	self.auth = auth
	self.queueAuthenticate()
}

func (self *baseClient) clearAuth() {
	self.auth = nil
	self.queueAuthenticate()
}

func (self *baseClient) queueAuthenticate() {
	message := &AuthenticateMessage{
		Type:        clientMessageAuthenticate,
		BaseVersion: self.identityVersion,
		TokenType:   authTokenTypeNone,
	}
	if self.auth != nil {
		message.TokenType = self.auth.tokenType
		message.Value = self.auth.value
		if self.auth.actingAs != nil {
			encodedActingAs, err := EncodeValue(self.auth.actingAs)
			if err == nil {
				message.ActingAs = encodedActingAs.(map[string]any)
			}
		}
	}
	self.identityVersion += 1
	self.outgoing = append(self.outgoing, message)
}

// receiveMessage advances the state machine with one server message and
// returns the tokens whose composed value changed. A returned error is a
// protocol violation; the caller must drop the connection and resync.
func (self *baseClient) receiveMessage(message ServerMessage) ([]QueryToken, error) {
	switch m := message.(type) {
	case *TransitionMessage:
		if err := self.remoteQuerySet.transition(m); err != nil {
			return nil, err
		}
		ts := self.remoteQuerySet.currentTimestamp()
		if self.maxObservedTimestamp < ts {
			self.maxObservedTimestamp = ts
		}
		for _, requestId := range self.requestManager.drainCompleted(ts) {
			self.optimistic.drop(requestId)
		}
		return self.recompute(), nil
	case *MutationResponseMessage:
		result, err := decodeResponseResult(m.Success, m.Result, m.ErrorMessage, m.ErrorData, m.LogLines)
		if err != nil {
			return nil, err
		}
		emitLogLines(self.logFn, "mutation", "", m.LogLines)
		changed := []QueryToken{}
		if resolved := self.requestManager.onResponse(m.RequestId, result, m.Ts); resolved != nil {
			// a failed mutation releases its optimistic update immediately
			if self.optimistic.drop(resolved.requestId) {
				changed = self.recompute()
			}
		}
		// the completed round trip may release the next queued mutation
		if next, ok := self.requestManager.nextQueued(); ok {
			self.outgoing = append(self.outgoing, next)
		}
		return changed, nil
	case *ActionResponseMessage:
		result, err := decodeResponseResult(m.Success, m.Result, m.ErrorMessage, m.ErrorData, m.LogLines)
		if err != nil {
			return nil, err
		}
		emitLogLines(self.logFn, "action", "", m.LogLines)
		self.requestManager.onResponse(m.RequestId, result, 0)
		return nil, nil
	case *AuthErrorMessage:
		glog.Infof("[sync]auth error from server: %s\n", m.ErrorMessage)
		return nil, nil
	default:
		return nil, &ProtocolError{
			Reason: fmt.Sprintf("unknown server message %T", message),
		}
	}
}

func decodeResponseResult(
	success bool,
	encodedResult any,
	errorMessage string,
	encodedErrorData any,
	logLines []string,
) (FunctionResult, error) {
	if success {
		value, err := DecodeValue(encodedResult)
		if err != nil {
			return FunctionResult{}, &ProtocolError{
				Reason: fmt.Sprintf("bad response result: %s", err),
			}
		}
		return FunctionResult{
			Value:    value,
			LogLines: logLines,
		}, nil
	}
	errorData, err := DecodeValue(encodedErrorData)
	if err != nil {
		return FunctionResult{}, &ProtocolError{
			Reason: fmt.Sprintf("bad response error data: %s", err),
		}
	}
	return FunctionResult{
		Error: &FunctionError{
			Message: errorMessage,
			Data:    errorData,
		},
		LogLines: logLines,
	}, nil
}

// resendOngoingQueriesMutations rebuilds the outgoing queue for a fresh
// connection: the full query set in one ModifyQuerySet, then the request
// replay, then Authenticate if an identity is set. `resume` distinguishes a
// session's first connection, where requests accumulated while disconnected
// are flushed as-is, from a reconnect, where requests that were on the wire
// must be replayed or failed. The composed query results keep their last known
// values while the resync is in flight; the next transition recomputes them.
func (self *baseClient) resendOngoingQueriesMutations(resume bool) {
	self.outgoing = nil
	self.remoteQuerySet.reset()
	self.querySetVersion = 0
	self.identityVersion = 0

	queryIds := maps.Keys(self.queryIdToToken)
	slices.Sort(queryIds)
	modifications := make([]QuerySetModification, 0, len(queryIds))
	for _, queryId := range queryIds {
		query := self.queries[self.queryIdToToken[queryId]]
		modifications = append(modifications, &AddQuery{
			Type:    querySetModificationAdd,
			QueryId: query.queryId,
			UdfPath: query.udfPath,
			Args:    []any{query.encodedArgs},
		})
	}
	if 0 < len(modifications) {
		self.querySetVersion = 1
		self.outgoing = append(self.outgoing, &ModifyQuerySetMessage{
			Type:          clientMessageModifyQuerySet,
			BaseVersion:   0,
			NewVersion:    1,
			Modifications: modifications,
		})
	}
	if resume {
		self.outgoing = append(self.outgoing, self.requestManager.onResume()...)
	} else {
		self.outgoing = append(self.outgoing, self.requestManager.onReconnect()...)
	}
	if self.auth != nil {
		self.queueAuthenticate()
	}
}

func (self *baseClient) popNextMessage() (ClientMessage, bool) {
	if len(self.outgoing) == 0 {
		return nil, false
	}
	message := self.outgoing[0]
	self.outgoing = self.outgoing[1:]
	switch m := message.(type) {
	case *MutationRequestMessage:
		self.requestManager.markSent(m.RequestId)
	case *ActionRequestMessage:
		self.requestManager.markSent(m.RequestId)
	}
	return message, true
}

func (self *baseClient) hasOutgoingMessages() bool {
	return 0 < len(self.outgoing)
}

// recompute rebuilds the composed overlay view and returns the tokens whose
// value actually changed. Callers are only notified on value changes, not on
// every transition.
func (self *baseClient) recompute() []QueryToken {
	base := map[QueryToken]*FunctionResult{}
	for token, query := range self.queries {
		if result, ok := self.remoteQuerySet.resultsByQueryId()[query.queryId]; ok {
			resultCopy := result
			base[token] = &resultCopy
		} else {
			base[token] = nil
		}
	}
	composed := self.optimistic.rebuild(self.queries, base)

	changed := []QueryToken{}
	for token, result := range composed {
		previous, existed := self.queryResults[token]
		if !existed || !functionResultsEqual(previous, result) {
			changed = append(changed, token)
		}
	}
	for token := range self.queryResults {
		if _, ok := composed[token]; !ok {
			changed = append(changed, token)
		}
	}
	self.queryResults = composed
	slices.Sort(changed)
	return changed
}

func functionResultsEqual(a *FunctionResult, b *FunctionResult) bool {
	if a == nil || b == nil {
		return a == b
	}
	if (a.Error == nil) != (b.Error == nil) {
		return false
	}
	if a.Error != nil {
		return a.Error.Message == b.Error.Message && valuesEqual(a.Error.Data, b.Error.Data)
	}
	return valuesEqual(a.Value, b.Value)
}

// localQueryResult returns the overlay-composed current value for a token,
// or nil if never subscribed or still loading.
func (self *baseClient) localQueryResult(token QueryToken) *FunctionResult {
	return self.queryResults[token]
}
