package expressions

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
)

// placeholderRe matches ${{ ... }} references inside message and parameter
// templates. The inner expression is evaluated by the Expr engine against the
// current scope.
var placeholderRe = regexp.MustCompile(`\$\{\{(.*?)\}\}`)

// Interpolator resolves ${{ ... }} references in step parameters and message
// templates. Handlers use it to bind state values into widget definitions and
// synthesized messages.
type Interpolator struct {
	engine *ExprEngine
}

// NewInterpolator creates an Interpolator backed by the given Expr engine.
func NewInterpolator(engine *ExprEngine) *Interpolator {
	return &Interpolator{engine: engine}
}

// HasInterpolation reports whether s contains at least one ${{ ... }} reference.
func HasInterpolation(s string) bool {
	return placeholderRe.MatchString(s)
}

// Resolve evaluates every ${{ ... }} reference in template against scope.
// A template that is exactly one reference keeps the value's type; templates
// mixing references with literal text produce a string. A template with no
// references is returned unchanged.
func (in *Interpolator) Resolve(ctx context.Context, template string, scope *Scope) (any, error) {
	matches := placeholderRe.FindAllStringSubmatchIndex(template, -1)
	if len(matches) == 0 {
		return template, nil
	}

	data := scope.Data()

	// Whole-template single reference: preserve the value's type.
	if len(matches) == 1 && strings.TrimSpace(template[:matches[0][0]]) == "" &&
		strings.TrimSpace(template[matches[0][1]:]) == "" {
		expr := strings.TrimSpace(template[matches[0][2]:matches[0][3]])
		return in.engine.Evaluate(ctx, expr, data)
	}

	var b strings.Builder
	prev := 0
	for _, m := range matches {
		b.WriteString(template[prev:m[0]])
		expr := strings.TrimSpace(template[m[2]:m[3]])
		val, err := in.engine.Evaluate(ctx, expr, data)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
		prev = m[1]
	}
	b.WriteString(template[prev:])
	return b.String(), nil
}

// ResolveString resolves template and coerces the result to a string.
func (in *Interpolator) ResolveString(ctx context.Context, template string, scope *Scope) (string, error) {
	out, err := in.Resolve(ctx, template, scope)
	if err != nil {
		return "", err
	}
	return stringify(out), nil
}

// ResolveMap resolves every string value in params, recursing into nested
// maps and slices. Non-string leaves pass through untouched.
func (in *Interpolator) ResolveMap(ctx context.Context, params map[string]any, scope *Scope) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, err := in.resolveValue(ctx, v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func (in *Interpolator) resolveValue(ctx context.Context, v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		return in.Resolve(ctx, val, scope)
	case map[string]any:
		return in.ResolveMap(ctx, val, scope)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := in.resolveValue(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// stringify renders a resolved value for embedding into a string template.
// Strings embed as-is; everything else uses its JSON encoding.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
