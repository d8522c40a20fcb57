package executor

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/agentfleet/orchestrator/pkg/models"
)

// EvaluateCondition decides whether a conditional step should run.
// The condition's field path reaches into "steps.*.output.*" or
// "input.*"; the operator is one of the closed set eq, ne, gt, lt,
// contains, exists. A missing field satisfies only ne.
func EvaluateCondition(cond *models.Condition, ec *models.ExecutionContext, input map[string]any) bool {
	if cond == nil {
		return true
	}

	doc := map[string]any{
		"input": input,
		"steps": stepDoc(ec),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return false
	}

	res := gjson.GetBytes(raw, cond.Field)

	switch cond.Operator {
	case models.OpExists:
		return res.Exists()
	case models.OpEq:
		return res.Exists() && valuesEqual(res, cond.Value)
	case models.OpNe:
		return !res.Exists() || !valuesEqual(res, cond.Value)
	case models.OpGt:
		return res.Exists() && compare(res, cond.Value) > 0
	case models.OpLt:
		return res.Exists() && compare(res, cond.Value) < 0
	case models.OpContains:
		return res.Exists() && strings.Contains(flatten(res), stringify(cond.Value))
	default:
		return false
	}
}

func stepDoc(ec *models.ExecutionContext) map[string]any {
	steps := map[string]any{}
	if ec == nil {
		return steps
	}
	for id, sr := range ec.StepResults {
		steps[id] = map[string]any{
			"status": sr.Status,
			"output": sr.Output,
		}
	}
	return steps
}

func valuesEqual(res gjson.Result, want any) bool {
	if a, okA := resultFloat(res); okA {
		if b, okB := anyFloat(want); okB {
			return a == b
		}
	}
	return flatten(res) == stringify(want)
}

// compare orders numerically when both sides parse as numbers,
// lexically otherwise.
func compare(res gjson.Result, want any) int {
	if a, okA := resultFloat(res); okA {
		if b, okB := anyFloat(want); okB {
			switch {
			case a < b:
				return -1
			case a > b:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(flatten(res), stringify(want))
}

func resultFloat(res gjson.Result) (float64, bool) {
	switch res.Type {
	case gjson.Number:
		return res.Float(), true
	case gjson.String:
		f, err := strconv.ParseFloat(res.String(), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func anyFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func flatten(res gjson.Result) string {
	if res.Type == gjson.String {
		return res.String()
	}
	return res.Raw
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return strings.Trim(string(raw), `"`)
	}
}
