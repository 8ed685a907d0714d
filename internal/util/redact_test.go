package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func TestRedactSensitiveJSON(t *testing.T) {
	body := []byte(`{"detail":"bad","headers":{"Authorization":"Bearer r8_abc"},"items":[{"api_token":"x"}]}`)

	out := RedactSensitiveJSON(body)

	assert.Equal(t, "bad", gjson.GetBytes(out, "detail").String())
	assert.Equal(t, redactedValue, gjson.GetBytes(out, "headers.Authorization").String())
	assert.Equal(t, redactedValue, gjson.GetBytes(out, "items.0.api_token").String())
}

func TestRedactSensitiveJSON_PassesThroughNonJSON(t *testing.T) {
	for _, in := range []string{"", "plain text", "{broken"} {
		assert.Equal(t, in, string(RedactSensitiveJSON([]byte(in))))
	}
}

func TestMaskSensitiveQuery(t *testing.T) {
	assert.Equal(t, "", MaskSensitiveQuery(""))
	assert.Equal(t, "a=1&b=2", MaskSensitiveQuery("a=1&b=2"))

	masked := MaskSensitiveQuery("key=secret-value&model=x")
	assert.NotContains(t, masked, "secret-value")
	assert.Contains(t, masked, "model=x")
}

func TestHideAPIKey(t *testing.T) {
	assert.Equal(t, "", HideAPIKey(""))
	assert.Equal(t, "***", HideAPIKey("short"))

	hidden := HideAPIKey("r8_0123456789abcdef")
	assert.True(t, strings.HasPrefix(hidden, "r8_0"))
	assert.True(t, strings.HasSuffix(hidden, "cdef"))
	assert.NotContains(t, hidden, "456789")
}
