package convex

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestTimestampJsonCodec(t *testing.T) {
	for _, ts := range []Timestamp{0, 1, 1 << 40, 1<<62 + 3} {
		data, err := json.Marshal(ts)
		assert.Equal(t, err, nil)

		var decoded Timestamp
		err = json.Unmarshal(data, &decoded)
		assert.Equal(t, err, nil)
		assert.Equal(t, decoded, ts)
	}

	// 5 decoded bytes, not the 8 a timestamp needs
	var decoded Timestamp
	err := json.Unmarshal([]byte(`"c2hvcnQ="`), &decoded)
	assert.NotEqual(t, err, nil)
}

func TestNormalizeUdfPath(t *testing.T) {
	assert.Equal(t, normalizeUdfPath("messages:list"), "messages:list")
	assert.Equal(t, normalizeUdfPath("messages"), "messages:default")
	assert.Equal(t, normalizeUdfPath("dir/messages:send"), "dir/messages:send")
}

func TestParseTransition(t *testing.T) {
	ts5, err := json.Marshal(Timestamp(5))
	assert.Equal(t, err, nil)
	ts0, err := json.Marshal(Timestamp(0))
	assert.Equal(t, err, nil)
	data := []byte(`{
		"type": "Transition",
		"startVersion": {"querySet": 0, "identity": 0, "ts": ` + string(ts0) + `},
		"endVersion": {"querySet": 1, "identity": 0, "ts": ` + string(ts5) + `},
		"modifications": [
			{"type": "QueryUpdated", "queryId": 0, "value": 42},
			{"type": "QueryFailed", "queryId": 1, "errorMessage": "boom"},
			{"type": "QueryRemoved", "queryId": 2}
		]
	}`)

	message, err := parseServerMessage(data)
	assert.Equal(t, err, nil)
	transition, ok := message.(*TransitionMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, transition.StartVersion, StateVersion{})
	assert.Equal(t, transition.EndVersion, StateVersion{QuerySet: 1, Ts: 5})
	assert.Equal(t, len(transition.Modifications), 3)

	updated, ok := transition.Modifications[0].(*QueryUpdated)
	assert.Equal(t, ok, true)
	assert.Equal(t, updated.QueryId, QueryId(0))
	assert.Equal(t, updated.Value, 42.0)

	failed, ok := transition.Modifications[1].(*QueryFailed)
	assert.Equal(t, ok, true)
	assert.Equal(t, failed.ErrorMessage, "boom")

	removed, ok := transition.Modifications[2].(*QueryRemoved)
	assert.Equal(t, ok, true)
	assert.Equal(t, removed.QueryId, QueryId(2))
}

func TestParseMutationResponse(t *testing.T) {
	ts9, err := json.Marshal(Timestamp(9))
	assert.Equal(t, err, nil)
	data := []byte(`{
		"type": "MutationResponse",
		"requestId": 3,
		"success": true,
		"result": "ok",
		"ts": ` + string(ts9) + `,
		"logLines": ["[LOG] created"]
	}`)

	message, err := parseServerMessage(data)
	assert.Equal(t, err, nil)
	response, ok := message.(*MutationResponseMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, response.RequestId, RequestId(3))
	assert.Equal(t, response.Success, true)
	assert.Equal(t, response.Result, "ok")
	assert.Equal(t, response.Ts, Timestamp(9))
	assert.Equal(t, response.LogLines, []string{"[LOG] created"})
}

func TestParseUnknownServerMessage(t *testing.T) {
	_, err := parseServerMessage([]byte(`{"type": "FancyNewMessage"}`))
	assert.NotEqual(t, err, nil)
	_, ok := err.(*ProtocolError)
	assert.Equal(t, ok, true)

	_, err = parseServerMessage([]byte(`{
		"type": "Transition",
		"modifications": [{"type": "FancyNewModification"}]
	}`))
	assert.NotEqual(t, err, nil)

	_, err = parseServerMessage([]byte(`not json`))
	assert.NotEqual(t, err, nil)
}

func TestMarshalModifyQuerySet(t *testing.T) {
	message := &ModifyQuerySetMessage{
		Type:        clientMessageModifyQuerySet,
		BaseVersion: 0,
		NewVersion:  1,
		Modifications: []QuerySetModification{
			&AddQuery{
				Type:    querySetModificationAdd,
				QueryId: 0,
				UdfPath: "messages:list",
				Args:    []any{map[string]any{}},
			},
		},
	}
	data, err := marshalClientMessage(message)
	assert.Equal(t, err, nil)

	var decoded map[string]any
	err = json.Unmarshal(data, &decoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded["type"], "ModifyQuerySet")
	assert.Equal(t, decoded["baseVersion"], 0.0)
	assert.Equal(t, decoded["newVersion"], 1.0)
	modifications := decoded["modifications"].([]any)
	assert.Equal(t, len(modifications), 1)
	add := modifications[0].(map[string]any)
	assert.Equal(t, add["type"], "Add")
	assert.Equal(t, add["udfPath"], "messages:list")
	assert.Equal(t, add["args"], []any{map[string]any{}})
}

func TestMarshalAuthenticate(t *testing.T) {
	message := &AuthenticateMessage{
		Type:        clientMessageAuthenticate,
		BaseVersion: 0,
		TokenType:   authTokenTypeNone,
	}
	data, err := marshalClientMessage(message)
	assert.Equal(t, err, nil)

	var decoded map[string]any
	err = json.Unmarshal(data, &decoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded["type"], "Authenticate")
	assert.Equal(t, decoded["tokenType"], "None")
	// empty value and impersonation are omitted entirely
	_, hasValue := decoded["value"]
	assert.Equal(t, hasValue, false)
	_, hasActingAs := decoded["impersonating"]
	assert.Equal(t, hasActingAs, false)
}
