package workflow

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOutputs(m map[string]any) *outputMap {
	if m == nil {
		m = map[string]any{}
	}
	return &outputMap{m: m}
}

func TestInputResolver_ConnectedEdgeWins(t *testing.T) {
	node := Node{ID: "crop", Type: KindCropImage, Data: map[string]any{"x_percent": 10}}
	r := &inputResolver{
		node:    node,
		data:    node.Data,
		edges:   []Edge{{ID: "e1", Source: "num", Target: "crop", TargetHandle: "x_percent"}},
		outputs: newOutputs(map[string]any{"num": "25"}),
		inputs:  map[string]any{},
	}

	assert.Equal(t, "25", r.get("x_percent"))
	assert.Equal(t, "25", r.inputs["x_percent"])
}

func TestInputResolver_EmptyUpstreamFallsBackToLiteral(t *testing.T) {
	node := Node{ID: "llm", Type: KindLLM, Data: map[string]any{"system_prompt": "be brief"}}
	r := &inputResolver{
		node: node,
		data: node.Data,
		edges: []Edge{
			{ID: "e1", Source: "blank", Target: "llm", TargetHandle: "system_prompt"},
		},
		outputs: newOutputs(map[string]any{"blank": ""}),
		inputs:  map[string]any{},
	}

	assert.Equal(t, "be brief", r.get("system_prompt"))
}

func TestInputResolver_FirstEdgeWins(t *testing.T) {
	node := Node{ID: "t"}
	r := &inputResolver{
		node: node,
		data: map[string]any{},
		edges: []Edge{
			{ID: "e1", Source: "a", Target: "t", TargetHandle: "value"},
			{ID: "e2", Source: "b", Target: "t", TargetHandle: "value"},
		},
		outputs: newOutputs(map[string]any{"a": "first", "b": "second"}),
		inputs:  map[string]any{},
	}

	assert.Equal(t, "first", r.get("value"))
}

func TestInputResolver_GetOrFallbackKeys(t *testing.T) {
	node := Node{ID: "img", Data: map[string]any{"imageUrl": "https://example.com/a.png"}}
	r := &inputResolver{node: node, data: node.Data, outputs: newOutputs(nil), inputs: map[string]any{}}

	assert.Equal(t, "https://example.com/a.png", r.getOr("value", "imageUrl"))
	assert.Equal(t, "https://example.com/a.png", r.inputs["value"])
}

func TestInputResolver_HandlesWithPrefixNumericOrder(t *testing.T) {
	node := Node{ID: "llm", Data: map[string]any{"image_2": "b", "image_extra": "z", "model": "m"}}
	r := &inputResolver{
		node: node,
		data: node.Data,
		edges: []Edge{
			{ID: "e1", Source: "x", Target: "llm", TargetHandle: "image_10"},
			{ID: "e2", Source: "y", Target: "llm", TargetHandle: "image_1"},
			{ID: "e3", Source: "y", Target: "other", TargetHandle: "image_3"},
		},
		outputs: newOutputs(nil),
		inputs:  map[string]any{},
	}

	assert.Equal(t, []string{"image_1", "image_2", "image_10", "image_extra"}, r.handlesWithPrefix("image_"))
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"plain string", " https://a/x.png ", "https://a/x.png"},
		{"imageUrl", map[string]any{"imageUrl": "https://a/i.png", "url": "https://a/u"}, "https://a/i.png"},
		{"frameUrl", map[string]any{"frameUrl": "https://a/f.png"}, "https://a/f.png"},
		{"url", map[string]any{"url": "https://a/u"}, "https://a/u"},
		{"nested result", map[string]any{"result": map[string]any{"imageUrl": "https://a/n.png"}}, "https://a/n.png"},
		{"nested string result", map[string]any{"result": "https://a/s.png"}, "https://a/s.png"},
		{"only one level deep", map[string]any{"result": map[string]any{"result": map[string]any{"url": "deep"}}}, ""},
		{"nil", nil, ""},
		{"number", 42, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeURL(tt.in))
		})
	}
}

func TestUnwrapEnvelope(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"result first", map[string]any{"success": true, "result": "r", "imageUrl": "i"}, "r"},
		{"imageUrl", map[string]any{"success": true, "imageUrl": "i", "url": "u"}, "i"},
		{"frameUrl", map[string]any{"frameUrl": "f"}, "f"},
		{"url", map[string]any{"url": "u"}, "u"},
		{"whole envelope", map[string]any{"success": true, "width": 10.0}, map[string]any{"success": true, "width": 10.0}},
		{"non-object", "raw", "raw"},
		{"success missing is not failure", map[string]any{"result": false}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := unwrapEnvelope("task", tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnwrapEnvelope_Failure(t *testing.T) {
	_, err := unwrapEnvelope("crop-image-node", map[string]any{"success": false, "error": "bad crop"})

	var te *TaskError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "crop-image-node", te.TaskID)
	assert.Equal(t, "bad crop", err.Error())

	_, err = unwrapEnvelope("x", map[string]any{"success": false})
	assert.EqualError(t, err, "task failed")
}

func TestToFloat64(t *testing.T) {
	tests := []struct {
		in   any
		want float64
		ok   bool
	}{
		{25.5, 25.5, true},
		{float32(2), 2, true},
		{7, 7, true},
		{int64(8), 8, true},
		{json.Number("12.5"), 12.5, true},
		{" 40 ", 40, true},
		{"abc", 0, false},
		{nil, 0, false},
		{true, 0, false},
	}
	for _, tt := range tests {
		got, ok := toFloat64(tt.in)
		assert.Equal(t, tt.ok, ok, "%v", tt.in)
		assert.Equal(t, tt.want, got, "%v", tt.in)
	}
}

func TestTextResult(t *testing.T) {
	assert.Equal(t, "hi", textResult("hi"))
	assert.Equal(t, "from text", textResult(map[string]any{"text": "from text"}))
	assert.Equal(t, "", textResult(nil))
	assert.Equal(t, `{"n":1}`, textResult(map[string]any{"n": 1}))
}
