package convex

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
)

// Wire protocol for the sync WebSocket. All messages are JSON objects
// discriminated by a "type" field. Unknown server message kinds are a decode
// error so that forward-incompatible protocol changes fail loudly instead of
// being silently ignored.

// server-assigned per-connection query identity
type QueryId uint64

// client-generated, monotonic per client instance
type RequestId uint64

// logical commit timestamp. On the wire this is base64 of 8 little-endian
// bytes, same as the value codec's int64 form.
type Timestamp int64

func (self Timestamp) MarshalJSON() ([]byte, error) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(self))
	return json.Marshal(base64.StdEncoding.EncodeToString(buf[:]))
}

func (self *Timestamp) UnmarshalJSON(src []byte) error {
	var encoded string
	if err := json.Unmarshal(src, &encoded); err != nil {
		return err
	}
	buf, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return err
	}
	if len(buf) != 8 {
		return fmt.Errorf("timestamp must be 8 bytes, got %d", len(buf))
	}
	*self = Timestamp(binary.LittleEndian.Uint64(buf))
	return nil
}

// StateVersion orders the client's view of the server state. Advanced only by
// `Transition` messages whose start version exactly matches.
type StateVersion struct {
	QuerySet uint32    `json:"querySet"`
	Identity uint32    `json:"identity"`
	Ts       Timestamp `json:"ts"`
}

// a protocol violation. Fatal to the current connection only: the client
// forces a reconnect and resyncs.
type ProtocolError struct {
	Reason string
}

func (self *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", self.Reason)
}

// udf paths are "module:function". A bare "module" means "module:default".
func normalizeUdfPath(udfPath string) string {
	if !strings.Contains(udfPath, ":") {
		return udfPath + ":default"
	}
	return udfPath
}

// client -> server

type ClientMessage interface {
	isClientMessage()
}

type ConnectMessage struct {
	Type                 string     `json:"type"`
	SessionId            Id         `json:"sessionId"`
	ConnectionCount      int        `json:"connectionCount"`
	LastCloseReason      string     `json:"lastCloseReason"`
	MaxObservedTimestamp *Timestamp `json:"maxObservedTimestamp,omitempty"`
}

type ModifyQuerySetMessage struct {
	Type          string                 `json:"type"`
	BaseVersion   uint32                 `json:"baseVersion"`
	NewVersion    uint32                 `json:"newVersion"`
	Modifications []QuerySetModification `json:"modifications"`
}

type MutationRequestMessage struct {
	Type      string    `json:"type"`
	RequestId RequestId `json:"requestId"`
	UdfPath   string    `json:"udfPath"`
	Args      []any     `json:"args"`
}

type ActionRequestMessage struct {
	Type      string    `json:"type"`
	RequestId RequestId `json:"requestId"`
	UdfPath   string    `json:"udfPath"`
	Args      []any     `json:"args"`
}

type AuthenticateMessage struct {
	Type        string `json:"type"`
	BaseVersion uint32 `json:"baseVersion"`
	TokenType   string `json:"tokenType"`
	Value       string `json:"value,omitempty"`
	// admin tokens can act as a synthetic user identity
	ActingAs map[string]any `json:"impersonating,omitempty"`
}

func (self *ConnectMessage) isClientMessage()         {}
func (self *ModifyQuerySetMessage) isClientMessage()  {}
func (self *MutationRequestMessage) isClientMessage() {}
func (self *ActionRequestMessage) isClientMessage()   {}
func (self *AuthenticateMessage) isClientMessage()    {}

const (
	clientMessageConnect        = "Connect"
	clientMessageModifyQuerySet = "ModifyQuerySet"
	clientMessageMutation       = "Mutation"
	clientMessageAction         = "Action"
	clientMessageAuthenticate   = "Authenticate"
)

const (
	authTokenTypeUser  = "User"
	authTokenTypeAdmin = "Admin"
	authTokenTypeNone  = "None"
)

type QuerySetModification interface {
	isQuerySetModification()
}

type AddQuery struct {
	Type    string  `json:"type"`
	QueryId QueryId `json:"queryId"`
	UdfPath string  `json:"udfPath"`
	Args    []any   `json:"args"`
}

type RemoveQuery struct {
	Type    string  `json:"type"`
	QueryId QueryId `json:"queryId"`
}

func (self *AddQuery) isQuerySetModification()    {}
func (self *RemoveQuery) isQuerySetModification() {}

const (
	querySetModificationAdd    = "Add"
	querySetModificationRemove = "Remove"
)

func marshalClientMessage(message ClientMessage) ([]byte, error) {
	return json.Marshal(message)
}

// server -> client

type ServerMessage interface {
	isServerMessage()
}

type TransitionMessage struct {
	StartVersion  StateVersion
	EndVersion    StateVersion
	Modifications []StateModification
}

type MutationResponseMessage struct {
	RequestId    RequestId
	Success      bool
	Result       any
	ErrorMessage string
	ErrorData    any
	Ts           Timestamp
	LogLines     []string
}

type ActionResponseMessage struct {
	RequestId    RequestId
	Success      bool
	Result       any
	ErrorMessage string
	ErrorData    any
	LogLines     []string
}

type AuthErrorMessage struct {
	ErrorMessage string
	BaseVersion  *uint32
}

func (self *TransitionMessage) isServerMessage()       {}
func (self *MutationResponseMessage) isServerMessage() {}
func (self *ActionResponseMessage) isServerMessage()   {}
func (self *AuthErrorMessage) isServerMessage()        {}

type StateModification interface {
	isStateModification()
}

type QueryUpdated struct {
	QueryId  QueryId
	Value    any
	LogLines []string
}

type QueryFailed struct {
	QueryId      QueryId
	ErrorMessage string
	ErrorData    any
	LogLines     []string
}

type QueryRemoved struct {
	QueryId QueryId
}

func (self *QueryUpdated) isStateModification() {}
func (self *QueryFailed) isStateModification()  {}
func (self *QueryRemoved) isStateModification() {}

type serverMessageWire struct {
	Type string `json:"type"`

	// Transition
	StartVersion  StateVersion            `json:"startVersion"`
	EndVersion    StateVersion            `json:"endVersion"`
	Modifications []stateModificationWire `json:"modifications"`

	// MutationResponse / ActionResponse
	RequestId    RequestId `json:"requestId"`
	Success      bool      `json:"success"`
	Result       any       `json:"result"`
	ErrorData    any       `json:"errorData"`
	Ts           Timestamp `json:"ts"`
	LogLines     []string  `json:"logLines"`
	ErrorMessage string    `json:"errorMessage"`

	// AuthError
	BaseVersion *uint32 `json:"baseVersion"`
}

type stateModificationWire struct {
	Type         string   `json:"type"`
	QueryId      QueryId  `json:"queryId"`
	Value        any      `json:"value"`
	ErrorMessage string   `json:"errorMessage"`
	ErrorData    any      `json:"errorData"`
	LogLines     []string `json:"logLines"`
}

func parseServerMessage(data []byte) (ServerMessage, error) {
	var wire serverMessageWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("unparseable server message: %s", err)}
	}
	switch wire.Type {
	case "Transition":
		modifications := make([]StateModification, len(wire.Modifications))
		for i, modificationWire := range wire.Modifications {
			modification, err := parseStateModification(modificationWire)
			if err != nil {
				return nil, err
			}
			modifications[i] = modification
		}
		return &TransitionMessage{
			StartVersion:  wire.StartVersion,
			EndVersion:    wire.EndVersion,
			Modifications: modifications,
		}, nil
	case "MutationResponse":
		return &MutationResponseMessage{
			RequestId:    wire.RequestId,
			Success:      wire.Success,
			Result:       wire.Result,
			ErrorMessage: wire.ErrorMessage,
			ErrorData:    wire.ErrorData,
			Ts:           wire.Ts,
			LogLines:     wire.LogLines,
		}, nil
	case "ActionResponse":
		return &ActionResponseMessage{
			RequestId:    wire.RequestId,
			Success:      wire.Success,
			Result:       wire.Result,
			ErrorMessage: wire.ErrorMessage,
			ErrorData:    wire.ErrorData,
			LogLines:     wire.LogLines,
		}, nil
	case "AuthError":
		return &AuthErrorMessage{
			ErrorMessage: wire.ErrorMessage,
			BaseVersion:  wire.BaseVersion,
		}, nil
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown server message type %q", wire.Type)}
	}
}

func parseStateModification(wire stateModificationWire) (StateModification, error) {
	switch wire.Type {
	case "QueryUpdated":
		return &QueryUpdated{
			QueryId:  wire.QueryId,
			Value:    wire.Value,
			LogLines: wire.LogLines,
		}, nil
	case "QueryFailed":
		return &QueryFailed{
			QueryId:      wire.QueryId,
			ErrorMessage: wire.ErrorMessage,
			ErrorData:    wire.ErrorData,
			LogLines:     wire.LogLines,
		}, nil
	case "QueryRemoved":
		return &QueryRemoved{
			QueryId: wire.QueryId,
		}, nil
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown state modification type %q", wire.Type)}
	}
}

// function results

// FunctionResult is the terminal outcome of one function execution:
// either a value or an application-level error.
type FunctionResult struct {
	Value    Value
	Error    *FunctionError
	LogLines []string
}

// FunctionError is an application-level failure raised by a function handler.
// Never retried automatically.
type FunctionError struct {
	Message string
	Data    Value
}

func (self *FunctionError) Error() string {
	return self.Message
}
