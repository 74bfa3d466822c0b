// Package permission answers hasPermission(role, resource, action) for the
// clinical engine. The role table is a casbin policy embedded in the binary;
// callers only see the boolean capability check.
package permission

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	stringadapter "github.com/casbin/casbin/v2/persist/string-adapter"
)

// Resources and actions understood by the policy.
const (
	ResourceCharts  = "charts"
	ResourcePhotos  = "photos"
	ResourceAddenda = "addenda"

	ActionView   = "view"
	ActionEdit   = "edit"
	ActionSign   = "sign"
	ActionCreate = "create"
)

//go:embed model.conf
var modelConf string

//go:embed policy.csv
var policyCSV string

// Checker is the capability check consumed by the domain services.
type Checker interface {
	HasPermission(role, resource, action string) bool
}

// Gate is a Checker backed by a casbin enforcer.
type Gate struct {
	enforcer *casbin.Enforcer
}

// NewGate loads the embedded model and policy.
func NewGate() (*Gate, error) {
	return NewGateFromPolicy(policyCSV)
}

// NewGateFromPolicy builds a Gate over an explicit policy, in casbin CSV form.
func NewGateFromPolicy(policy string) (*Gate, error) {
	m, err := model.NewModelFromString(modelConf)
	if err != nil {
		return nil, fmt.Errorf("permission: load model: %w", err)
	}
	enforcer, err := casbin.NewEnforcer(m, stringadapter.NewAdapter(policy))
	if err != nil {
		return nil, fmt.Errorf("permission: load policy: %w", err)
	}
	return &Gate{enforcer: enforcer}, nil
}

// SubjectFromRole normalises a role name into a policy subject:
// "MedicalDirector" becomes "role:medicaldirector".
func SubjectFromRole(role string) string {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		role = "anonymous"
	}
	return "role:" + role
}

// HasPermission reports whether role may perform action on resource. It does
// no I/O; an enforcer error is treated as a denial.
func (g *Gate) HasPermission(role, resource, action string) bool {
	ok, err := g.enforcer.Enforce(SubjectFromRole(role), resource, action)
	if err != nil {
		return false
	}
	return ok
}
