// Package cardcheck inspects the structured payload of a treatment card
// against its template and reports missing high-risk fields, missing
// non-critical fields, and advisory warnings.
//
// Templates live in an embedded YAML catalog. Warning rules are CEL boolean
// expressions over a single variable, data, holding the decoded payload.
package cardcheck

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

const (
	TemplateInjectable = "Injectable"
	TemplateLaser      = "Laser"
	TemplateEsthetics  = "Esthetics"
	TemplateOther      = "Other"
)

// MsgNotAnObject is the warning attached when a payload is not a JSON object.
const MsgNotAnObject = "Structured data is not a JSON object"

//go:embed templates.yaml
var defaultCatalog []byte

// Catalog is the parsed template file.
type Catalog struct {
	Version   int                 `yaml:"version"`
	Templates map[string]Template `yaml:"templates"`
}

type Template struct {
	HighRisk    []string `yaml:"high_risk"`
	NonCritical []string `yaml:"non_critical"`
	Warnings    []Rule   `yaml:"warnings"`
}

type Rule struct {
	When    string `yaml:"when"`
	Message string `yaml:"message"`
}

// Result is the outcome of validating one card. Slices are never nil.
type Result struct {
	MissingHighRiskFields    []string `json:"missingHighRiskFields"`
	MissingNonCriticalFields []string `json:"missingNonCriticalFields"`
	Warnings                 []string `json:"warnings"`
}

// Blocking reports whether the card may not be signed.
func (r Result) Blocking() bool {
	return len(r.MissingHighRiskFields) > 0
}

func ParseCatalogYAML(b []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Catalog{}, err
	}
	if c.Version != 1 {
		return Catalog{}, errors.New("cardcheck: unsupported catalog version")
	}
	if _, ok := c.Templates[TemplateOther]; !ok {
		return Catalog{}, errors.New("cardcheck: catalog must define the Other template")
	}
	return c, nil
}

// Validator evaluates cards against a catalog. It is safe for concurrent use.
type Validator struct {
	templates map[string]Template
	env       *cel.Env
	programs  sync.Map // expression -> cel.Program
}

// New returns a Validator over the embedded catalog.
func New() (*Validator, error) {
	c, err := ParseCatalogYAML(defaultCatalog)
	if err != nil {
		return nil, err
	}
	return NewWithCatalog(c)
}

// NewWithCatalog compiles every warning rule up front so a bad expression
// fails at startup rather than on first use.
func NewWithCatalog(c Catalog) (*Validator, error) {
	env, err := cel.NewEnv(cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("cardcheck: cel env: %w", err)
	}
	v := &Validator{templates: make(map[string]Template, len(c.Templates)), env: env}
	for name, tpl := range c.Templates {
		for _, rule := range tpl.Warnings {
			if _, err := v.program(rule.When); err != nil {
				return nil, fmt.Errorf("cardcheck: template %s rule %q: %w", name, rule.When, err)
			}
		}
		v.templates[strings.ToLower(name)] = tpl
	}
	return v, nil
}

func (v *Validator) program(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("expression required")
	}
	if cached, ok := v.programs.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	ast, issues := v.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, errors.New("expression output type mismatch")
	}
	prg, err := v.env.Program(ast)
	if err != nil {
		return nil, err
	}
	actual, _ := v.programs.LoadOrStore(expr, prg)
	return actual.(cel.Program), nil
}

// template resolves a template type case-insensitively. Unknown types are
// validated as Other.
func (v *Validator) template(templateType string) Template {
	if tpl, ok := v.templates[strings.ToLower(strings.TrimSpace(templateType))]; ok {
		return tpl
	}
	return v.templates[strings.ToLower(TemplateOther)]
}

// Validate checks structuredData (raw JSON) against templateType.
func (v *Validator) Validate(templateType string, structuredData []byte) Result {
	tpl := v.template(templateType)
	res := Result{
		MissingHighRiskFields:    []string{},
		MissingNonCriticalFields: []string{},
		Warnings:                 []string{},
	}

	data, ok := decodeObject(structuredData)
	if !ok {
		res.MissingHighRiskFields = append(res.MissingHighRiskFields, tpl.HighRisk...)
		res.MissingNonCriticalFields = append(res.MissingNonCriticalFields, tpl.NonCritical...)
		res.Warnings = append(res.Warnings, MsgNotAnObject)
		return res
	}

	for _, f := range tpl.HighRisk {
		if missing(data, f) {
			res.MissingHighRiskFields = append(res.MissingHighRiskFields, f)
		}
	}
	for _, f := range tpl.NonCritical {
		if missing(data, f) {
			res.MissingNonCriticalFields = append(res.MissingNonCriticalFields, f)
		}
	}
	for _, rule := range tpl.Warnings {
		prg, err := v.program(rule.When)
		if err != nil {
			continue
		}
		out, _, err := prg.Eval(map[string]any{"data": data})
		if err != nil {
			// A rule that does not apply to this payload's shape is not a warning.
			continue
		}
		if hit, ok := out.Value().(bool); ok && hit {
			res.Warnings = append(res.Warnings, rule.Message)
		}
	}
	return res
}

// decodeObject treats an empty payload or JSON null as an empty object.
func decodeObject(raw []byte) (map[string]any, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, true
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	return obj, ok
}

func missing(data map[string]any, field string) bool {
	val, ok := data[field]
	if !ok || val == nil {
		return true
	}
	switch x := val.(type) {
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}
