package canonicalize_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwstx/mandate/pkg/canonicalize"
)

func TestJCS_SortsKeys(t *testing.T) {
	in := map[string]interface{}{
		"zeta":  1,
		"alpha": "x",
		"mid":   map[string]interface{}{"b": 2, "a": 1},
	}
	out, err := canonicalize.JCSString(in)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"x","mid":{"a":1,"b":2},"zeta":1}`, out)
}

func TestJCS_PreservesArrayOrder(t *testing.T) {
	out, err := canonicalize.JCSString([]interface{}{"c", "a", "b"})
	require.NoError(t, err)
	assert.Equal(t, `["c","a","b"]`, out)
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	out, err := canonicalize.JCSString(map[string]string{"k": "<a>&</a>"})
	require.NoError(t, err)
	assert.Equal(t, `{"k":"<a>&</a>"}`, out)
}

func TestJCS_StructTagsHonoured(t *testing.T) {
	type payload struct {
		B string `json:"b"`
		A string `json:"a"`
		C string `json:"c,omitempty"`
	}
	out, err := canonicalize.JCSString(payload{B: "2", A: "1"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"1","b":"2"}`, out)
}

func TestCanonicalHash_Deterministic(t *testing.T) {
	v1 := map[string]interface{}{"a": 1, "b": []string{"x", "y"}}
	v2 := map[string]interface{}{"b": []string{"x", "y"}, "a": 1}

	h1, err := canonicalize.CanonicalHash(v1)
	require.NoError(t, err)
	h2, err := canonicalize.CanonicalHash(v2)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestCanonicalHash_SensitiveToContent(t *testing.T) {
	h1, err := canonicalize.CanonicalHash(map[string]int{"a": 1})
	require.NoError(t, err)
	h2, err := canonicalize.CanonicalHash(map[string]int{"a": 2})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
