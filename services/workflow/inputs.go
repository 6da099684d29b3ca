package workflow

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// OutputReader exposes results already produced in the current run.
type OutputReader interface {
	Lookup(nodeID string) (any, bool)
}

// inputResolver implements the uniform handle rule: a connected edge's upstream
// output wins, otherwise the node's own data value for the handle.
type inputResolver struct {
	node    Node
	data    map[string]any
	edges   []Edge
	outputs OutputReader
	inputs  map[string]any
}

// get resolves handle h and records the resolved value.
func (r *inputResolver) get(h string) any {
	v := r.connected(h)
	if isEmpty(v) {
		v = r.data[h]
	}
	r.inputs[h] = v
	return v
}

// getOr resolves h, trying each fallback data key in turn when h has no value.
func (r *inputResolver) getOr(h string, fallbackKeys ...string) any {
	v := r.get(h)
	for _, k := range fallbackKeys {
		if !isEmpty(v) {
			break
		}
		v = r.data[k]
	}
	r.inputs[h] = v
	return v
}

// connected returns the upstream output for the first edge feeding h.
func (r *inputResolver) connected(h string) any {
	for _, e := range r.edges {
		if e.Target == r.node.ID && e.TargetHandle == h {
			v, _ := r.outputs.Lookup(e.Source)
			return v
		}
	}
	return nil
}

// handlesWithPrefix lists the handles starting with prefix, from both
// connected edges and literal data keys, ordered by numeric suffix.
func (r *inputResolver) handlesWithPrefix(prefix string) []string {
	var handles []string
	add := func(h string) {
		if strings.HasPrefix(h, prefix) && !slices.Contains(handles, h) {
			handles = append(handles, h)
		}
	}
	for _, e := range r.edges {
		if e.Target == r.node.ID {
			add(e.TargetHandle)
		}
	}
	for k := range r.data {
		add(k)
	}

	slices.SortFunc(handles, func(a, b string) int {
		na, errA := strconv.Atoi(strings.TrimPrefix(a, prefix))
		nb, errB := strconv.Atoi(strings.TrimPrefix(b, prefix))
		switch {
		case errA == nil && errB == nil:
			return na - nb
		case errA == nil:
			return -1
		case errB == nil:
			return 1
		default:
			return strings.Compare(a, b)
		}
	})
	return handles
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// toFloat64 converts numbers, json.Number and numeric strings to float64.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// urlKeys is the extraction priority for URL-bearing results.
var urlKeys = []string{"imageUrl", "frameUrl", "url"}

// normalizeURL reduces an upstream output to a plain URL string. Objects are
// searched for urlKeys, then a nested "result" one level deep.
func normalizeURL(v any) string {
	return normalizeURLDepth(v, 1)
}

func normalizeURLDepth(v any, depth int) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		for _, k := range urlKeys {
			if s, ok := t[k].(string); ok && s != "" {
				return s
			}
		}
		if nested, ok := t["result"]; ok && depth > 0 {
			return normalizeURLDepth(nested, depth-1)
		}
	}
	return ""
}

// resultKeys is the extraction priority for task envelopes.
var resultKeys = []string{"result", "imageUrl", "frameUrl", "url"}

// unwrapEnvelope turns a completed task's output into the node's result.
// An explicit success=false fails with the envelope's error. Otherwise the
// first present field of resultKeys wins, falling back to the whole envelope.
func unwrapEnvelope(taskID string, output any) (any, error) {
	env, ok := output.(map[string]any)
	if !ok {
		return output, nil
	}

	if success, ok := env["success"].(bool); ok && !success {
		msg, _ := env["error"].(string)
		if msg == "" {
			msg = "task failed"
		}
		return nil, &TaskError{TaskID: taskID, Message: msg}
	}

	for _, k := range resultKeys {
		if v, ok := env[k]; ok && v != nil {
			return v, nil
		}
	}
	return env, nil
}

// textResult extracts plain text from a language-model result.
func textResult(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		for _, k := range []string{"text", "output", "result"} {
			if s, ok := t[k].(string); ok {
				return s
			}
		}
	case nil:
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
