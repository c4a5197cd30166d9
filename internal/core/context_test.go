package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluationContextQuery(t *testing.T) {
	ctx := EvaluationContext{
		AppName:     "shop",
		Environment: "production",
		UserID:      "u-1",
		SessionID:   "s-1",
		CurrentTime: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Properties: map[string]any{
			"plan":   "pro",
			"seats":  12,
			"beta":   true,
			"ratio":  0.5,
			"nested": map[string]any{"x": 1},
		},
	}

	q := ctx.Query()
	assert.Equal(t, "shop", q.Get("appName"))
	assert.Equal(t, "production", q.Get("environment"))
	assert.Equal(t, "u-1", q.Get("userId"))
	assert.Equal(t, "s-1", q.Get("sessionId"))
	assert.False(t, q.Has("deviceId"))
	assert.Equal(t, "2026-01-02T03:04:05Z", q.Get("currentTime"))
	assert.Equal(t, "pro", q.Get("properties[plan]"))
	assert.Equal(t, "12", q.Get("properties[seats]"))
	assert.Equal(t, "true", q.Get("properties[beta]"))
	assert.Equal(t, "0.5", q.Get("properties[ratio]"))
	assert.False(t, q.Has("properties[nested]"))
}

func TestEvaluationContextSetField(t *testing.T) {
	var ctx EvaluationContext

	require.NoError(t, ctx.SetField(FieldUserID, "u-9"))
	require.NoError(t, ctx.SetField(FieldDeviceID, 77))
	require.NoError(t, ctx.SetField(FieldCurrentTime, "2026-05-01T00:00:00Z"))
	require.NoError(t, ctx.SetField("country", "NL"))

	assert.Equal(t, "u-9", ctx.UserID)
	assert.Equal(t, "77", ctx.DeviceID)
	assert.Equal(t, 2026, ctx.CurrentTime.Year())
	assert.Equal(t, "NL", ctx.Properties["country"])

	require.ErrorIs(t, ctx.SetField(FieldAppName, "other"), ErrSystemField)
	require.ErrorIs(t, ctx.RemoveField(FieldEnvironment), ErrSystemField)
	require.ErrorIs(t, ctx.SetField("tags", []string{"a"}), ErrInvalidFieldValue)
	require.ErrorIs(t, ctx.SetField(FieldCurrentTime, "yesterday"), ErrInvalidFieldValue)

	require.NoError(t, ctx.RemoveField("country"))
	require.NoError(t, ctx.RemoveField(FieldUserID))
	assert.Empty(t, ctx.UserID)
	assert.NotContains(t, ctx.Properties, "country")
}

func TestEvaluationContextHash(t *testing.T) {
	a := EvaluationContext{UserID: "u", Properties: map[string]any{"a": 1, "b": "two"}}
	b := EvaluationContext{UserID: "u", Properties: map[string]any{"b": "two", "a": 1.0}}

	ha := a.Hash()
	assert.Equal(t, ha, b.Hash())
	assert.Len(t, ha, 64)

	b.UserID = "v"
	assert.NotEqual(t, ha, b.Hash())
}

func TestEvaluationContextHashDistinguishesLargeIntegers(t *testing.T) {
	a := EvaluationContext{Properties: map[string]any{"accountId": int64(9007199254740992)}}
	b := EvaluationContext{Properties: map[string]any{"accountId": int64(9007199254740993)}}

	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestEvaluationContextHashIgnoresDroppedProperties(t *testing.T) {
	a := EvaluationContext{UserID: "u"}
	b := EvaluationContext{UserID: "u", Properties: map[string]any{"tags": []string{"x"}}}

	assert.Equal(t, a.Hash(), b.Hash())
}

func TestEvaluationContextClone(t *testing.T) {
	a := EvaluationContext{Properties: map[string]any{"k": "v"}}
	b := a.Clone()
	b.Properties["k"] = "changed"
	assert.Equal(t, "v", a.Properties["k"])
}

func TestWholeInt(t *testing.T) {
	tests := []struct {
		in     float64
		want   int
		wantOK bool
	}{
		{in: 3, want: 3, wantOK: true},
		{in: -8, want: -8, wantOK: true},
		{in: 2.5, wantOK: false},
		{in: 1e300, wantOK: false},
	}
	for _, tt := range tests {
		got, ok := WholeInt(tt.in)
		assert.Equal(t, tt.wantOK, ok, "WholeInt(%v)", tt.in)
		if tt.wantOK {
			assert.Equal(t, tt.want, got)
		}
	}
}
