package convex

import (
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

type requestState int

const (
	// waiting behind the serialized mutation lane
	requestNotSent requestState = iota
	// handed to the connection layer, awaiting a response
	requestRequested
	// server responded, but the result is held until the client's view
	// advances past the response's commit timestamp
	requestCompleted
)

type inflightRequest struct {
	requestId  RequestId
	message    ClientMessage
	isMutation bool
	// participates in the FIFO mutation lane
	serialLane bool

	state    requestState
	result   FunctionResult
	commitTs Timestamp

	// message actually written toward the server on some connection. Only a
	// request that was on the wire can be "lost" by a disconnect.
	sentToServer bool

	// resolved exactly once: every request transitions through at most one
	// completing event, after which it is evicted
	resultChan chan FunctionResult

	olderThanRestart bool
	enqueueTime      time.Time
}

// requestManager tracks in-flight mutation and action requests, their
// lifecycle, and replay-on-reconnect. It exclusively owns the inflight
// entries; optimistic update cleanup is keyed to the same request ids.
type requestManager struct {
	inflight map[RequestId]*inflightRequest
	// serial-lane mutations waiting to be sent, in submission order
	queued []RequestId
	// the serial-lane mutation currently in its network round trip
	serialInflight *RequestId
}

func newRequestManager() *requestManager {
	return &requestManager{
		inflight: map[RequestId]*inflightRequest{},
	}
}

// enqueue registers a request and returns the channel its terminal outcome
// will be delivered on. Serial-lane mutations queue behind the previous
// mutation's round trip; everything else is sent immediately.
// The second return is whether the message should be sent now.
func (self *requestManager) enqueue(
	requestId RequestId,
	message ClientMessage,
	isMutation bool,
	serialLane bool,
	now time.Time,
) (<-chan FunctionResult, bool) {
	request := &inflightRequest{
		requestId:   requestId,
		message:     message,
		isMutation:  isMutation,
		serialLane:  serialLane,
		state:       requestRequested,
		resultChan:  make(chan FunctionResult, 1),
		enqueueTime: now,
	}
	sendNow := true
	if serialLane {
		if self.serialInflight != nil {
			request.state = requestNotSent
			self.queued = append(self.queued, requestId)
			sendNow = false
		} else {
			self.serialInflight = &requestId
		}
	}
	self.inflight[requestId] = request
	return request.resultChan, sendNow
}

// markSent records that a request's message was handed to a live socket.
func (self *requestManager) markSent(requestId RequestId) {
	if request, ok := self.inflight[requestId]; ok {
		request.sentToServer = true
	}
}

// outcome of one server response that can be released to the caller now
type resolvedRequest struct {
	requestId RequestId
	result    FunctionResult
}

// onResponse records a server response. Actions and failed mutations resolve
// immediately and are evicted. Successful mutations move to completed and
// wait for `drainCompleted`. Unknown or duplicate responses are dropped; a
// response can legitimately arrive for a request already evicted across a
// reconnect boundary.
func (self *requestManager) onResponse(
	requestId RequestId,
	result FunctionResult,
	commitTs Timestamp,
) *resolvedRequest {
	request, ok := self.inflight[requestId]
	if !ok || request.state == requestCompleted {
		glog.V(2).Infof("[sync]drop stale response for request %d\n", requestId)
		return nil
	}
	self.releaseSerialLane(request)
	if !request.isMutation || result.Error != nil {
		delete(self.inflight, requestId)
		request.resultChan <- result
		return &resolvedRequest{
			requestId: requestId,
			result:    result,
		}
	}
	request.state = requestCompleted
	request.result = result
	request.commitTs = commitTs
	return nil
}

// drainCompleted resolves and evicts every completed request whose commit
// timestamp is at or below `uptoTs`. This is what enforces read-your-writes:
// a mutation's caller only observes its result once the reactive query state
// has caught up to the mutation's effect.
func (self *requestManager) drainCompleted(uptoTs Timestamp) []RequestId {
	drained := []RequestId{}
	requestIds := maps.Keys(self.inflight)
	slices.Sort(requestIds)
	for _, requestId := range requestIds {
		request := self.inflight[requestId]
		if request.state == requestCompleted && request.commitTs <= uptoTs {
			delete(self.inflight, requestId)
			request.resultChan <- request.result
			drained = append(drained, requestId)
		}
	}
	return drained
}

// nextQueued pops the next serial-lane mutation once the lane is free.
func (self *requestManager) nextQueued() (ClientMessage, bool) {
	if self.serialInflight != nil || len(self.queued) == 0 {
		return nil, false
	}
	requestId := self.queued[0]
	self.queued = self.queued[1:]
	request, ok := self.inflight[requestId]
	if !ok {
		// evicted while queued (reconnect failed it); skip forward
		return self.nextQueued()
	}
	request.state = requestRequested
	self.serialInflight = &requestId
	return request.message, true
}

func (self *requestManager) releaseSerialLane(request *inflightRequest) {
	if request.serialLane && self.serialInflight != nil && *self.serialInflight == request.requestId {
		self.serialInflight = nil
	}
}

// onReconnect prepares the replay for a connection that replaces a lost one.
// All currently outstanding requests are marked older than this reconnect so
// that `isFullyCaughtUpSinceReconnect` can report when the backlog clears.
// Mutations are resent with their original request ids; the server applies
// them idempotently per request id. Actions are not idempotent: one that was
// on the wire is evicted and its caller gets a connection-lost failure, since
// its effect is unknown, but an action that never reached a socket lost
// nothing and is simply sent on the new connection.
func (self *requestManager) onReconnect() []ClientMessage {
	messages := []ClientMessage{}
	requestIds := maps.Keys(self.inflight)
	slices.Sort(requestIds)
	for _, requestId := range requestIds {
		request := self.inflight[requestId]
		request.olderThanRestart = true
		if request.state != requestRequested {
			// not-sent mutations stay queued behind the serial lane;
			// completed mutations just wait for the transition drain
			continue
		}
		if request.isMutation || !request.sentToServer {
			messages = append(messages, request.message)
			continue
		}
		self.releaseSerialLane(request)
		delete(self.inflight, requestId)
		request.resultChan <- FunctionResult{
			Error: &FunctionError{
				Message: "connection lost while action was in flight",
			},
		}
	}
	return messages
}

// onResume prepares the flush for a session's first connection. Nothing was
// ever written to a socket, so every requested message is simply sent:
// nothing is failed and nothing is marked stale.
func (self *requestManager) onResume() []ClientMessage {
	messages := []ClientMessage{}
	requestIds := maps.Keys(self.inflight)
	slices.Sort(requestIds)
	for _, requestId := range requestIds {
		request := self.inflight[requestId]
		if request.state == requestRequested && !request.sentToServer {
			messages = append(messages, request.message)
		}
	}
	return messages
}

func (self *requestManager) countInflightMutations() int {
	count := 0
	for _, request := range self.inflight {
		if request.isMutation {
			count += 1
		}
	}
	return count
}

func (self *requestManager) countInflightActions() int {
	count := 0
	for _, request := range self.inflight {
		if !request.isMutation {
			count += 1
		}
	}
	return count
}

func (self *requestManager) hasOutstandingRequests() bool {
	return 0 < len(self.inflight)
}

// true once every request outstanding at the last reconnect has settled
func (self *requestManager) isFullyCaughtUpSinceReconnect() bool {
	for _, request := range self.inflight {
		if request.olderThanRestart {
			return false
		}
	}
	return true
}

func (self *requestManager) oldestPendingRequestTime() (time.Time, bool) {
	var oldest time.Time
	found := false
	for _, request := range self.inflight {
		if !found || request.enqueueTime.Before(oldest) {
			oldest = request.enqueueTime
			found = true
		}
	}
	return oldest, found
}
