package interaction

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSpec(t *testing.T) {
	spec, err := DecodeSpec([]byte(` {"version":"1","strategy":"mcq","props":{"multi":true,"choices":[{"id":"c1"}]},"ui":{"shuffle":true}}`))
	require.NoError(t, err)
	assert.True(t, spec.Usable())
	assert.True(t, spec.UIFlag("shuffle"))
	assert.False(t, spec.UIFlag("missing"))
	multi, ok := spec.Prop("multi")
	require.True(t, ok)
	assert.Equal(t, true, multi)
}

func TestDecodeSpecRejectsNonObjects(t *testing.T) {
	for _, raw := range []string{"", "[]", "42", `"mcq"`, "{not json"} {
		_, err := DecodeSpec([]byte(raw))
		assert.Error(t, err, raw)
	}
}

func TestUsable(t *testing.T) {
	var nilSpec *Spec
	assert.False(t, nilSpec.Usable())
	assert.False(t, (&Spec{Strategy: "  "}).Usable())
	assert.True(t, (&Spec{Strategy: "mcq"}).Usable())
}

func TestCloneIsDeep(t *testing.T) {
	orig := Spec{
		Strategy: "mcq",
		Props: map[string]any{
			"choices": []any{map[string]any{"id": "c1"}},
			"correct": []string{"c1"},
		},
	}
	clone := orig.Clone()
	require.Empty(t, cmp.Diff(orig, clone))

	clone.Props["choices"].([]any)[0].(map[string]any)["id"] = "changed"
	clone.Props["correct"].([]string)[0] = "changed"
	assert.Equal(t, "c1", orig.Props["choices"].([]any)[0].(map[string]any)["id"])
	assert.Equal(t, "c1", orig.Props["correct"].([]string)[0])
}

type sampleState struct {
	Selected []string `json:"selectedChoices"`
	Multi    bool     `json:"isMultiple"`
}

func TestDecodeStateAcceptsAllShapes(t *testing.T) {
	want := sampleState{Selected: []string{"c1", "c2"}, Multi: true}
	inputs := []any{
		want,
		map[string]any{"selectedChoices": []any{"c1", "c2"}, "isMultiple": true},
		[]byte(`{"selectedChoices":["c1","c2"],"isMultiple":true}`),
		`{"selectedChoices":["c1","c2"],"isMultiple":true}`,
	}
	for _, in := range inputs {
		var got sampleState
		require.NoError(t, DecodeState(in, &got))
		assert.Empty(t, cmp.Diff(want, got))
	}
}

func TestDecodeStateErrors(t *testing.T) {
	var got sampleState
	assert.Error(t, DecodeState(nil, &got))
	assert.Error(t, DecodeState([]byte("{"), &got))
}

func TestHostConfigProperty(t *testing.T) {
	var cfg *HostConfig
	assert.Equal(t, "", cfg.Property(PropertyStrategy))
	cfg = &HostConfig{Properties: map[string]string{PropertyConfigHref: "/x.json"}}
	assert.Equal(t, "/x.json", cfg.Property(PropertyConfigHref))
}
