package convex

import (
	"fmt"
)

// remoteQuerySet is the authoritative snapshot of remote query results at the
// last acknowledged server version. Owned exclusively by the client state
// machine; replaced on every reconnect before the query set is replayed.
type remoteQuerySet struct {
	version StateVersion
	results map[QueryId]FunctionResult

	logFn FunctionLogFunction
}

func newRemoteQuerySet(logFn FunctionLogFunction) *remoteQuerySet {
	return &remoteQuerySet{
		version: StateVersion{},
		results: map[QueryId]FunctionResult{},
		logFn:   logFn,
	}
}

// transition applies one ordered version step. A start version that does not
// exactly match the current version is a protocol violation; the caller must
// tear down the connection and resync.
func (self *remoteQuerySet) transition(message *TransitionMessage) error {
	if message.StartVersion != self.version {
		return &ProtocolError{
			Reason: fmt.Sprintf(
				"transition start version %+v does not match current version %+v",
				message.StartVersion,
				self.version,
			),
		}
	}
	// modification order matters only for log line emission. Keys are unique
	// per query id, so the final state is order independent.
	for _, modification := range message.Modifications {
		switch m := modification.(type) {
		case *QueryUpdated:
			value, err := DecodeValue(m.Value)
			if err != nil {
				return &ProtocolError{
					Reason: fmt.Sprintf("bad query result for query %d: %s", m.QueryId, err),
				}
			}
			emitLogLines(self.logFn, "query", "", m.LogLines)
			self.results[m.QueryId] = FunctionResult{
				Value:    value,
				LogLines: m.LogLines,
			}
		case *QueryFailed:
			errorData, err := DecodeValue(m.ErrorData)
			if err != nil {
				return &ProtocolError{
					Reason: fmt.Sprintf("bad error data for query %d: %s", m.QueryId, err),
				}
			}
			emitLogLines(self.logFn, "query", "", m.LogLines)
			self.results[m.QueryId] = FunctionResult{
				Error: &FunctionError{
					Message: m.ErrorMessage,
					Data:    errorData,
				},
				LogLines: m.LogLines,
			}
		case *QueryRemoved:
			delete(self.results, m.QueryId)
		default:
			return &ProtocolError{
				Reason: fmt.Sprintf("unknown state modification %T", modification),
			}
		}
	}
	self.version = message.EndVersion
	return nil
}

func (self *remoteQuerySet) resultsByQueryId() map[QueryId]FunctionResult {
	return self.results
}

func (self *remoteQuerySet) currentVersion() StateVersion {
	return self.version
}

func (self *remoteQuerySet) currentTimestamp() Timestamp {
	return self.version.Ts
}

// reset drops all results and returns the version to zero. Called when the
// connection is lost, before the query set is replayed on the new connection.
func (self *remoteQuerySet) reset() {
	self.version = StateVersion{}
	self.results = map[QueryId]FunctionResult{}
}
