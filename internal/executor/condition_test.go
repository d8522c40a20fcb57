package executor_test

import (
	"testing"

	"github.com/agentfleet/orchestrator/internal/executor"
	"github.com/agentfleet/orchestrator/pkg/models"
)

func condCtx(t *testing.T) *models.ExecutionContext {
	t.Helper()
	ec := models.NewExecutionContext("cond")
	ec.Record(&models.StepResult{
		StepID: "check",
		Status: models.StatusCompleted,
		Output: map[string]any{
			"score":  float64(7),
			"label":  "high priority",
			"active": true,
		},
	})
	return ec
}

func TestEvaluateCondition(t *testing.T) {
	ec := condCtx(t)
	input := map[string]any{"mode": "fast", "limit": float64(10)}

	tests := []struct {
		name string
		cond models.Condition
		want bool
	}{
		{"eq string match", models.Condition{Field: "input.mode", Operator: models.OpEq, Value: "fast"}, true},
		{"eq string mismatch", models.Condition{Field: "input.mode", Operator: models.OpEq, Value: "slow"}, false},
		{"eq bool", models.Condition{Field: "steps.check.output.active", Operator: models.OpEq, Value: true}, true},
		{"eq numeric cross-type", models.Condition{Field: "steps.check.output.score", Operator: models.OpEq, Value: 7}, true},
		{"ne mismatch", models.Condition{Field: "input.mode", Operator: models.OpNe, Value: "slow"}, true},
		{"ne match", models.Condition{Field: "input.mode", Operator: models.OpNe, Value: "fast"}, false},
		{"gt true", models.Condition{Field: "steps.check.output.score", Operator: models.OpGt, Value: 5}, true},
		{"gt false", models.Condition{Field: "steps.check.output.score", Operator: models.OpGt, Value: 7}, false},
		{"lt true", models.Condition{Field: "steps.check.output.score", Operator: models.OpLt, Value: 10}, true},
		{"lt false", models.Condition{Field: "input.limit", Operator: models.OpLt, Value: 10}, false},
		{"contains true", models.Condition{Field: "steps.check.output.label", Operator: models.OpContains, Value: "priority"}, true},
		{"contains false", models.Condition{Field: "steps.check.output.label", Operator: models.OpContains, Value: "low"}, false},
		{"exists true", models.Condition{Field: "steps.check.output.score", Operator: models.OpExists}, true},
		{"exists false", models.Condition{Field: "steps.check.output.ghost", Operator: models.OpExists}, false},
		{"unknown operator false", models.Condition{Field: "input.mode", Operator: "matches", Value: "fast"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := executor.EvaluateCondition(&tt.cond, ec, input)
			if got != tt.want {
				t.Errorf("EvaluateCondition(%+v) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}

// A missing field satisfies only ne.
func TestEvaluateConditionMissingField(t *testing.T) {
	ec := condCtx(t)

	missing := "steps.check.output.ghost"
	for _, op := range []string{models.OpEq, models.OpGt, models.OpLt, models.OpContains, models.OpExists} {
		cond := models.Condition{Field: missing, Operator: op, Value: "anything"}
		if executor.EvaluateCondition(&cond, ec, nil) {
			t.Errorf("EvaluateCondition(%s on missing field) = true, want false", op)
		}
	}

	cond := models.Condition{Field: missing, Operator: models.OpNe, Value: "anything"}
	if !executor.EvaluateCondition(&cond, ec, nil) {
		t.Error("EvaluateCondition(ne on missing field) = false, want true")
	}
}

func TestEvaluateConditionNilRuns(t *testing.T) {
	if !executor.EvaluateCondition(nil, condCtx(t), nil) {
		t.Error("EvaluateCondition(nil) = false, want true (unconditional step)")
	}
}

// Numeric strings compare numerically, not lexically.
func TestEvaluateConditionNumericStrings(t *testing.T) {
	ec := models.NewExecutionContext("num")
	ec.Record(&models.StepResult{
		StepID: "s",
		Status: models.StatusCompleted,
		Output: map[string]any{"v": "10"},
	})
	cond := models.Condition{Field: "steps.s.output.v", Operator: models.OpGt, Value: "9"}
	if !executor.EvaluateCondition(&cond, ec, nil) {
		t.Error(`EvaluateCondition("10" gt "9") = false, want numeric comparison`)
	}
}
