package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringParam(t *testing.T) {
	t.Run("present", func(t *testing.T) {
		v, err := stringParam(map[string]interface{}{"url": "https://example.com"}, "url")
		require.NoError(t, err)
		assert.Equal(t, "https://example.com", v)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := stringParam(map[string]interface{}{}, "url")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing required parameter 'url'")
	})

	t.Run("nil value", func(t *testing.T) {
		_, err := stringParam(map[string]interface{}{"url": nil}, "url")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing required parameter 'url'")
	})

	t.Run("blank value", func(t *testing.T) {
		_, err := stringParam(map[string]interface{}{"url": "   "}, "url")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing required parameter 'url'")
	})

	t.Run("wrong type", func(t *testing.T) {
		_, err := stringParam(map[string]interface{}{"url": 42.0}, "url")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parameter 'url' must be a string")
	})
}

func TestOptionalString(t *testing.T) {
	v, err := optionalString(map[string]interface{}{}, "direction", "down")
	require.NoError(t, err)
	assert.Equal(t, "down", v)

	v, err = optionalString(map[string]interface{}{"direction": "up"}, "direction", "down")
	require.NoError(t, err)
	assert.Equal(t, "up", v)

	v, err = optionalString(map[string]interface{}{"direction": ""}, "direction", "down")
	require.NoError(t, err)
	assert.Equal(t, "down", v)

	_, err = optionalString(map[string]interface{}{"direction": true}, "direction", "down")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a string")
}

func TestOptionalFloat(t *testing.T) {
	testCases := []struct {
		name    string
		value   interface{}
		want    float64
		wantErr bool
	}{
		{"float64", 300.0, 300, false},
		{"float32", float32(1.5), 1.5, false},
		{"int", 42, 42, false},
		{"int64", int64(7), 7, false},
		{"numeric string", "250", 250, false},
		{"padded numeric string", " 12.5 ", 12.5, false},
		{"negative", -80.0, -80, false},
		{"bad string", "lots", 0, true},
		{"wrong type", []int{1}, 0, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := optionalFloat(map[string]interface{}{"pixels": tc.value}, "pixels", 600)
			if tc.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "must be a number")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	t.Run("absent uses default", func(t *testing.T) {
		got, err := optionalFloat(map[string]interface{}{}, "pixels", 600)
		require.NoError(t, err)
		assert.Equal(t, 600.0, got)
	})
}

func TestOptionalBool(t *testing.T) {
	got, err := optionalBool(map[string]interface{}{"append": true}, "append", false)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = optionalBool(map[string]interface{}{"append": "true"}, "append", false)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = optionalBool(map[string]interface{}{}, "append", true)
	require.NoError(t, err)
	assert.True(t, got)

	_, err = optionalBool(map[string]interface{}{"append": "sure"}, "append", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a boolean")

	_, err = optionalBool(map[string]interface{}{"append": 1.0}, "append", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a boolean")
}

func TestStringMapParam(t *testing.T) {
	t.Run("interface map with mixed scalars", func(t *testing.T) {
		params := map[string]interface{}{
			"fields": map[string]interface{}{
				"#name": "Ada",
				"#year": 1843.0,
				"#ok":   true,
			},
		}
		got, err := stringMapParam(params, "fields")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"#name": "Ada", "#year": "1843", "#ok": "true"}, got)
	})

	t.Run("string map passes through", func(t *testing.T) {
		params := map[string]interface{}{"fields": map[string]string{"#q": "weather"}}
		got, err := stringMapParam(params, "fields")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"#q": "weather"}, got)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := stringMapParam(map[string]interface{}{}, "fields")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing required parameter 'fields'")
	})

	t.Run("empty map", func(t *testing.T) {
		_, err := stringMapParam(map[string]interface{}{"fields": map[string]interface{}{}}, "fields")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing required parameter 'fields'")
	})

	t.Run("unsupported value type", func(t *testing.T) {
		params := map[string]interface{}{"fields": map[string]interface{}{"#x": []string{"no"}}}
		_, err := stringMapParam(params, "fields")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be a map of strings")
	})

	t.Run("not a map", func(t *testing.T) {
		_, err := stringMapParam(map[string]interface{}{"fields": "#a=b"}, "fields")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be an object")
	})
}
