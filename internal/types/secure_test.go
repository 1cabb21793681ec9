package types

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBagKey = "bag-app-key-0123456789"

func TestSecretString_FormattingDoesNotLeak(t *testing.T) {
	s := SecretString(testBagKey)

	for _, format := range []string{"%s", "%v", "%+v"} {
		out := fmt.Sprintf(format, s)
		assert.NotContains(t, out, testBagKey, "format %s", format)
		assert.Equal(t, redactedPlaceholder, out)
	}
}

func TestSecretString_MarshalJSONInStruct(t *testing.T) {
	type bagCreds struct {
		AppID int          `json:"app_id"`
		Key   SecretString `json:"key"`
	}

	data, err := json.Marshal(bagCreds{AppID: 42, Key: SecretString(testBagKey)})
	require.NoError(t, err)

	assert.NotContains(t, string(data), testBagKey)
	assert.JSONEq(t, `{"app_id":42,"key":"***REDACTED***"}`, string(data))
}

func TestSecretString_Unmask(t *testing.T) {
	s := SecretString(testBagKey)
	assert.Equal(t, testBagKey, s.Unmask())
	assert.False(t, s.IsZero())
	assert.True(t, SecretString("").IsZero())
}
