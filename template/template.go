// Package template renders strings containing ${...} expressions against a set of variables.
package template

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cschleiden/go-taskrun/taskerrors"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Renderer substitutes variables into a template string.
type Renderer interface {
	Render(tpl string, vars map[string]any) (string, error)
}

// HCL renders templates using the HCL template syntax: ${name}, ${a.b}, ${upper(name)},
// %{if cond}...%{endif}. Undefined names and evaluation failures are reported as variable
// resolution errors.
type HCL struct {
	functions map[string]function.Function
}

var _ Renderer = (*HCL)(nil)

func NewHCL() *HCL {
	return &HCL{
		functions: map[string]function.Function{
			"upper":      stdlib.UpperFunc,
			"lower":      stdlib.LowerFunc,
			"trimspace":  stdlib.TrimSpaceFunc,
			"trim":       stdlib.TrimFunc,
			"replace":    stdlib.ReplaceFunc,
			"split":      stdlib.SplitFunc,
			"join":       stdlib.JoinFunc,
			"format":     stdlib.FormatFunc,
			"substr":     stdlib.SubstrFunc,
			"length":     stdlib.LengthFunc,
			"coalesce":   stdlib.CoalesceFunc,
			"jsonencode": stdlib.JSONEncodeFunc,
			"jsondecode": stdlib.JSONDecodeFunc,
		},
	}
}

func (h *HCL) Render(tpl string, vars map[string]any) (string, error) {
	if !strings.Contains(tpl, "${") && !strings.Contains(tpl, "%{") {
		return tpl, nil
	}

	expr, diags := hclsyntax.ParseTemplate([]byte(tpl), "template", hcl.InitialPos)
	if diags.HasErrors() {
		return "", taskerrors.NewVariableResolution(tpl, diags)
	}

	variables, err := ToValues(vars)
	if err != nil {
		return "", taskerrors.NewVariableResolution(tpl, err)
	}

	v, diags := expr.Value(&hcl.EvalContext{
		Variables: variables,
		Functions: h.functions,
	})
	if diags.HasErrors() {
		return "", taskerrors.NewVariableResolution(tpl, diags)
	}

	s, err := toString(v)
	if err != nil {
		return "", taskerrors.NewVariableResolution(tpl, err)
	}

	return s, nil
}

// ToValues converts Go variables into cty values. Values are converted through their JSON
// representation, so anything encoding/json can marshal is accepted.
func ToValues(vars map[string]any) (map[string]cty.Value, error) {
	r := make(map[string]cty.Value, len(vars))

	for k, v := range vars {
		cv, err := toValue(v)
		if err != nil {
			return nil, fmt.Errorf("converting variable %q: %w", k, err)
		}

		r[k] = cv
	}

	return r, nil
}

func toValue(v any) (cty.Value, error) {
	switch v := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case string:
		return cty.StringVal(v), nil
	case bool:
		return cty.BoolVal(v), nil
	case cty.Value:
		return v, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return cty.NilVal, err
	}

	t, err := ctyjson.ImpliedType(b)
	if err != nil {
		return cty.NilVal, err
	}

	return ctyjson.Unmarshal(b, t)
}

func toString(v cty.Value) (string, error) {
	if !v.IsKnown() {
		return "", fmt.Errorf("result is not known")
	}

	if v.IsNull() {
		return "", nil
	}

	t := v.Type()
	if t.IsPrimitiveType() {
		sv, err := convert.Convert(v, cty.String)
		if err != nil {
			return "", err
		}

		return sv.AsString(), nil
	}

	// Collections render as JSON
	b, err := ctyjson.Marshal(v, t)
	if err != nil {
		return "", err
	}

	return string(b), nil
}
