package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePayload(t *testing.T) {
	tests := []struct {
		name     string
		kind     PayloadKind
		raw      string
		wantKind PayloadKind
	}{
		{name: "absent", kind: PayloadString, raw: ``, wantKind: PayloadNone},
		{name: "null", kind: PayloadJSON, raw: `null`, wantKind: PayloadNone},
		{name: "declared none ignores value", kind: PayloadNone, raw: `"x"`, wantKind: PayloadNone},
		{name: "string", kind: PayloadString, raw: `"blue"`, wantKind: PayloadString},
		{name: "string from number literal", kind: PayloadString, raw: `42`, wantKind: PayloadString},
		{name: "number", kind: PayloadNumber, raw: `4.5`, wantKind: PayloadNumber},
		{name: "number from numeric string", kind: PayloadNumber, raw: `" 12 "`, wantKind: PayloadNumber},
		{name: "number unparseable", kind: PayloadNumber, raw: `"twelve"`, wantKind: PayloadNone},
		{name: "json object", kind: PayloadJSON, raw: `{"a": 1}`, wantKind: PayloadJSON},
		{name: "json from stringified object", kind: PayloadJSON, raw: `"{\"a\":1}"`, wantKind: PayloadJSON},
		{name: "json from broken string", kind: PayloadJSON, raw: `"{a:1"`, wantKind: PayloadNone},
		{name: "inferred string", raw: `"x"`, wantKind: PayloadString},
		{name: "inferred number", raw: `-3`, wantKind: PayloadNumber},
		{name: "inferred array", raw: `[1,2]`, wantKind: PayloadJSON},
		{name: "invalid json", kind: PayloadString, raw: `{`, wantKind: PayloadNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolvePayload(tt.kind, json.RawMessage(tt.raw))
			assert.Equal(t, tt.wantKind, got.Kind())
		})
	}
}

func TestResolvePayloadValues(t *testing.T) {
	s, ok := ResolvePayload(PayloadString, json.RawMessage(`"blue"`)).AsString()
	require.True(t, ok)
	assert.Equal(t, "blue", s)

	n, ok := ResolvePayload(PayloadNumber, json.RawMessage(`"12"`)).AsNumber()
	require.True(t, ok)
	assert.Equal(t, 12.0, n)

	raw, ok := ResolvePayload(PayloadJSON, json.RawMessage(`{ "a" : [1, 2] }`)).AsJSON()
	require.True(t, ok)
	assert.JSONEq(t, `{"a":[1,2]}`, string(raw))

	_, ok = NumberPayload(1).AsString()
	assert.False(t, ok)
}

func TestEvaluatedFlagJSON(t *testing.T) {
	doc := `{
		"name": "checkout",
		"enabled": false,
		"variant": {"name": "fallback", "enabled": true, "payload": "{\"limit\":5}"},
		"payloadKind": "json",
		"version": 7,
		"reason": "rule_match",
		"impressionFlag": true
	}`

	var f EvaluatedFlag
	require.NoError(t, json.Unmarshal([]byte(doc), &f))
	assert.Equal(t, "checkout", f.Name)
	assert.False(t, f.Enabled)
	assert.Equal(t, PayloadJSON, f.PayloadKind)
	assert.Equal(t, int64(7), f.Version)
	assert.True(t, f.ImpressionFlag)
	raw, ok := f.Variant.Payload.AsJSON()
	require.True(t, ok)
	assert.JSONEq(t, `{"limit":5}`, string(raw))

	encoded, err := json.Marshal(f)
	require.NoError(t, err)

	var again EvaluatedFlag
	require.NoError(t, json.Unmarshal(encoded, &again))
	assert.Equal(t, f, again)
}

func TestEvaluatedFlagJSONInfersKind(t *testing.T) {
	var f EvaluatedFlag
	require.NoError(t, json.Unmarshal([]byte(`{"name":"n","variant":{"name":"v","payload":3}}`), &f))
	assert.Equal(t, PayloadNumber, f.PayloadKind)

	var unknown EvaluatedFlag
	require.NoError(t, json.Unmarshal([]byte(`{"name":"n","payloadKind":"yaml","variant":{"payload":"x"}}`), &unknown))
	assert.Equal(t, PayloadString, unknown.PayloadKind)

	var object EvaluatedFlag
	require.NoError(t, json.Unmarshal([]byte(`{"name":"n","variant":{"name":"v","payload":{"a":1}}}`), &object))
	assert.Equal(t, PayloadJSON, object.PayloadKind)
	assert.Equal(t, PayloadJSON, object.Variant.Payload.Kind())

	var empty EvaluatedFlag
	require.NoError(t, json.Unmarshal([]byte(`{"name":"n","variant":{"name":"v"}}`), &empty))
	assert.Equal(t, PayloadNone, empty.PayloadKind)
	assert.False(t, empty.Variant.Payload.Present())
}

func TestEvaluatedFlagJSONRequiresName(t *testing.T) {
	var f EvaluatedFlag
	err := json.Unmarshal([]byte(`{"enabled":true}`), &f)
	require.ErrorIs(t, err, ErrMissingFlagName)
}

func TestSnapshot(t *testing.T) {
	s := NewSnapshot([]EvaluatedFlag{
		{Name: "b", Version: 1},
		{Name: "a", Version: 1},
		{Name: "b", Version: 2},
	})

	assert.Equal(t, []string{"a", "b"}, s.Names())
	require.NotNil(t, s.Lookup("b"))
	assert.Equal(t, int64(2), s.Lookup("b").Version)
	assert.Nil(t, s.Lookup("missing"))
	assert.Len(t, s.List(), 2)
}

func FuzzResolvePayload(f *testing.F) {
	f.Add("string", `"x"`)
	f.Add("number", `"1e3"`)
	f.Add("json", `"[1,"`)
	f.Add("", `{"a":null}`)

	f.Fuzz(func(t *testing.T, kind string, raw string) {
		p := ResolvePayload(PayloadKind(kind), json.RawMessage(raw))
		encoded, err := p.MarshalJSON()
		if err != nil {
			t.Fatalf("MarshalJSON() error = %v", err)
		}
		if !json.Valid(encoded) {
			t.Fatalf("MarshalJSON() produced invalid JSON %q", encoded)
		}
		again := ResolvePayload(p.Kind(), encoded)
		if again.Kind() != p.Kind() {
			t.Fatalf("kind changed on round trip: %s -> %s", p.Kind(), again.Kind())
		}
	})
}
