package middleware

import (
	"testing"

	"github.com/medspa/chartkeeper/internal/platform/apperr"
)

type sampleRequest struct {
	Name  string   `json:"name" validate:"required"`
	Notes *string  `json:"notes" validate:"omitempty,max=5"`
	Tags  []string `json:"tags" validate:"max=2"`
}

func TestRequestValidator_Valid(t *testing.T) {
	rv := NewRequestValidator()
	if err := rv.Validate(&sampleRequest{Name: "x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequestValidator_Messages(t *testing.T) {
	long := "too long for this"
	tests := []struct {
		name string
		req  sampleRequest
		want string
	}{
		{"required", sampleRequest{}, "name is required"},
		{"max string", sampleRequest{Name: "x", Notes: &long}, "notes must be at most 5 long"},
		{"max slice", sampleRequest{Name: "x", Tags: []string{"a", "b", "c"}}, "tags must be at most 2 long"},
	}
	rv := NewRequestValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rv.Validate(&tt.req)
			if !apperr.Is(err, apperr.KindInvalidInput) {
				t.Fatalf("expected InvalidInput, got %v", err)
			}
			if got := apperr.From(err).Message; got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
