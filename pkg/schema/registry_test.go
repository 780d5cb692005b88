package schema_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhouse/eventlog/pkg/schema"
)

func testRegistry(strict bool) *schema.Registry {
	common := schema.Schema{
		"actionId":   {Kind: schema.KindString, Required: true},
		"actionTime": {Kind: schema.KindTime, Default: schema.Now},
	}

	types := map[string]schema.Schema{
		"USER_SIGNUP": {
			"userId": {Kind: schema.KindUUID, Required: true},
			"data":   {Kind: schema.KindObject, Required: true},
		},
		"USER_EDIT_PROFILE": {
			"userId": {Kind: schema.KindUUID, Required: true},
			"data":   {Kind: schema.KindObject, Required: true},
		},
	}

	return schema.NewRegistry(schema.Config{
		TypeField:     "actionId",
		MetadataField: "_kafka",
		Strict:        strict,
		Common:        common,
	}, types)
}

func TestValidateRoundTrip(t *testing.T) {
	reg := testRegistry(true)

	rec := map[string]any{
		"actionId": "USER_SIGNUP",
		"userId":   "8b7f9a52-1c3d-4e5f-9a0b-6c7d8e9f0a1b",
		"data":     map[string]any{"name": "Ada", "email": "ada@example.com"},
	}

	out, err := reg.Validate(rec)
	require.NoError(t, err)

	assert.Equal(t, "USER_SIGNUP", out["actionId"])
	assert.Equal(t, rec["userId"], out["userId"])
	assert.Equal(t, rec["data"], out["data"])

	// Default applied for the absent timestamp.
	ts, ok := out["actionTime"].(time.Time)
	require.True(t, ok, "actionTime should default to a time.Time")
	assert.WithinDuration(t, time.Now(), ts, 5*time.Second)

	// Input record untouched.
	_, present := rec["actionTime"]
	assert.False(t, present)
}

func TestValidateMissingRequired(t *testing.T) {
	reg := testRegistry(true)

	_, err := reg.Validate(map[string]any{
		"actionId": "USER_SIGNUP",
		"data":     map[string]any{"name": "Ada"},
	})
	require.ErrorIs(t, err, schema.ErrValidation)

	var verr *schema.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "userId", verr.Field)
}

func TestValidateStrictRejectsUnknownType(t *testing.T) {
	reg := testRegistry(true)

	_, err := reg.Validate(map[string]any{"actionId": "SOMETHING_ELSE"})
	require.ErrorIs(t, err, schema.ErrUnknownType)

	var uerr *schema.UnknownTypeError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "SOMETHING_ELSE", uerr.Type)
}

func TestValidateStrictRejectsMissingTypeTag(t *testing.T) {
	reg := testRegistry(true)

	_, err := reg.Validate(map[string]any{"userId": "not-relevant"})
	require.ErrorIs(t, err, schema.ErrUnknownType)
}

func TestValidateNonStrictPassThrough(t *testing.T) {
	reg := testRegistry(false)

	// Unregistered type validates against the common schema only and keeps
	// its extra fields.
	out, err := reg.Validate(map[string]any{
		"actionId": "PAGE_VIEW",
		"path":     "/pricing",
	})
	require.NoError(t, err)
	assert.Equal(t, "PAGE_VIEW", out["actionId"])
	assert.Equal(t, "/pricing", out["path"])
	assert.Contains(t, out, "actionTime")
}

func TestValidateNonStrictStillEnforcesCommon(t *testing.T) {
	reg := testRegistry(false)

	_, err := reg.Validate(map[string]any{"path": "/pricing"})
	require.ErrorIs(t, err, schema.ErrValidation)
}

func TestValidateStripsUnknownFieldsInStrictMode(t *testing.T) {
	reg := testRegistry(true)

	out, err := reg.Validate(map[string]any{
		"actionId": "USER_SIGNUP",
		"userId":   "8b7f9a52-1c3d-4e5f-9a0b-6c7d8e9f0a1b",
		"data":     map[string]any{},
		"debug":    true,
	})
	require.NoError(t, err)
	assert.NotContains(t, out, "debug")
}

func TestValidateStripsMetadataField(t *testing.T) {
	for _, strict := range []bool{true, false} {
		reg := testRegistry(strict)

		out, err := reg.Validate(map[string]any{
			"actionId": "USER_SIGNUP",
			"userId":   "8b7f9a52-1c3d-4e5f-9a0b-6c7d8e9f0a1b",
			"data":     map[string]any{},
			"_kafka":   map[string]any{"offset": 999},
		})
		require.NoError(t, err)
		assert.NotContains(t, out, "_kafka", "strict=%v", strict)
	}
}

func TestCoercion(t *testing.T) {
	reg := schema.NewRegistry(schema.Config{
		Strict: true,
		Common: schema.Schema{"type": {Kind: schema.KindString, Required: true}},
	}, map[string]schema.Schema{
		"METRIC": {
			"count":   {Kind: schema.KindInt, Required: true},
			"ratio":   {Kind: schema.KindFloat},
			"enabled": {Kind: schema.KindBool},
			"at":      {Kind: schema.KindTime},
		},
	})

	t.Run("JSONNumbersBecomeInts", func(t *testing.T) {
		out, err := reg.Validate(map[string]any{
			"type":    "METRIC",
			"count":   float64(7),
			"ratio":   7,
			"enabled": "true",
			"at":      "2024-05-01T10:00:00Z",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(7), out["count"])
		assert.Equal(t, float64(7), out["ratio"])
		assert.Equal(t, true, out["enabled"])
		assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), out["at"])
	})

	t.Run("FractionalIntRejected", func(t *testing.T) {
		_, err := reg.Validate(map[string]any{"type": "METRIC", "count": 7.5})
		require.ErrorIs(t, err, schema.ErrValidation)
	})

	t.Run("EpochMillisTimestamp", func(t *testing.T) {
		out, err := reg.Validate(map[string]any{
			"type":  "METRIC",
			"count": 1,
			"at":    float64(1714557600000),
		})
		require.NoError(t, err)
		assert.Equal(t, time.UnixMilli(1714557600000).UTC(), out["at"])
	})
}

func TestValidateGeneratedDefaults(t *testing.T) {
	reg := schema.NewRegistry(schema.Config{
		Strict: true,
		Common: schema.Schema{
			"type":    {Kind: schema.KindString, Required: true},
			"eventId": {Kind: schema.KindString, Default: schema.SortableID},
		},
	}, map[string]schema.Schema{"PING": {}})

	first, err := reg.Validate(map[string]any{"type": "PING"})
	require.NoError(t, err)
	second, err := reg.Validate(map[string]any{"type": "PING"})
	require.NoError(t, err)

	assert.NotEmpty(t, first["eventId"])
	assert.NotEqual(t, first["eventId"], second["eventId"])
}
