// Package template resolves placeholder expressions against an
// execution context and caller input.
//
// The grammar is a closed set of reference kinds (input fields, step
// output fields, whole step outputs, and the resolution timestamp)
// evaluated by pure string substitution. Nothing in a template can
// execute code.
//
// Supported placeholders:
//
//	{{input.FIELD}}            caller input field (missing → "", warning)
//	{{steps.ID.output.FIELD}}  field inside a step's recorded output
//	{{steps.ID.output}}        the whole serialized output
//	{{timestamp}}              resolution-time UTC timestamp (RFC3339)
//
// FIELD paths after "output." use gjson syntax, so nested references
// like "items.0.total" work. Unknown placeholder families are left
// verbatim.
package template

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/agentfleet/orchestrator/pkg/models"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_][a-zA-Z0-9_.\-]*)\s*\}\}`)

// Resolve substitutes every recognized placeholder in tmpl. Resolution
// is side-effect-free and deterministic for a given (tmpl, ctx, input)
// apart from {{timestamp}}, which renders the current UTC time. Missing
// input fields resolve to the empty string and are recorded as warnings
// on the context, never as errors.
func Resolve(tmpl string, ctx *models.ExecutionContext, input map[string]any) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}

	return placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		ref := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(match, "{{"), "}}"))

		switch {
		case ref == "timestamp":
			return time.Now().UTC().Format(time.RFC3339)

		case strings.HasPrefix(ref, "input."):
			field := strings.TrimPrefix(ref, "input.")
			return resolveInput(field, ctx, input)

		case strings.HasPrefix(ref, "steps."):
			return resolveStep(strings.TrimPrefix(ref, "steps."), ctx)

		default:
			// Not part of the grammar; leave untouched.
			return match
		}
	})
}

func resolveInput(field string, ctx *models.ExecutionContext, input map[string]any) string {
	if input != nil {
		raw, err := json.Marshal(input)
		if err == nil {
			if res := gjson.GetBytes(raw, field); res.Exists() {
				return render(res)
			}
		}
	}
	if ctx != nil {
		ctx.Warn("unresolved input field: " + field)
	}
	return ""
}

// resolveStep handles "ID.output" and "ID.output.FIELD" references.
// A field miss falls back to the whole-object rendering of the output;
// a step that never ran resolves to the empty string.
func resolveStep(ref string, ctx *models.ExecutionContext) string {
	stepID, rest, _ := strings.Cut(ref, ".")
	if ctx == nil {
		return ""
	}
	sr := lookupStep(ctx, stepID)
	if sr == nil || sr.Output == nil {
		return ""
	}

	raw, err := json.Marshal(sr.Output)
	if err != nil {
		return ""
	}

	if rest == "output" || rest == "" {
		return string(raw)
	}

	field, ok := strings.CutPrefix(rest, "output.")
	if !ok {
		// Only the output family is addressable.
		return ""
	}
	if res := gjson.GetBytes(raw, field); res.Exists() {
		return render(res)
	}
	// Field absent: whole-object fallback.
	return string(raw)
}

func lookupStep(ctx *models.ExecutionContext, id string) *models.StepResult {
	if sr, ok := ctx.StepResults[id]; ok {
		return sr
	}
	for key, sr := range ctx.StepResults {
		if strings.EqualFold(key, id) {
			return sr
		}
	}
	return nil
}

// render flattens a gjson result: strings render bare, everything else
// renders as its canonical JSON form.
func render(res gjson.Result) string {
	if res.Type == gjson.String {
		return res.String()
	}
	return res.Raw
}
