package compiler

import (
	"fmt"
	"slices"

	"github.com/roach88/vchain/internal/entity"
	"github.com/roach88/vchain/internal/policy"
)

// Validation error codes (E100-E199)
const (
	// General validation errors (E100)
	ErrUnsupportedType = "E100" // unsupported value for validation

	// Entity schema errors (E101-E109)
	ErrEntityNoProperties = "E101" // at least one property required
	ErrEntityNoType       = "E102" // type tag is empty
	ErrInvalidKind        = "E104" // invalid property kind
	ErrDuplicateName      = "E105" // duplicate property or type
	ErrReservedProperty   = "E107" // declares an audit property

	// Policy errors (E120-E129)
	ErrPolicyUnknownEntity     = "E120" // policy for an undeclared type
	ErrPolicyUnknownProperty   = "E121" // mutable property not declared
	ErrPolicyMissingRetirement = "E122" // retirement fields not mutable
	ErrPolicyMalformed         = "E123" // policy field has the wrong CUE type
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate validates one compiled schema or policy.
// Returns all errors found (does not fail-fast).
func Validate(v any) []ValidationError {
	switch val := v.(type) {
	case *entity.Schema:
		return validateSchema(val)
	case entity.Schema:
		return validateSchema(&val)
	case *policy.Policy:
		return validatePolicy(val)
	case policy.Policy:
		return validatePolicy(&val)
	default:
		return []ValidationError{{
			Field:   "type",
			Message: fmt.Sprintf("unsupported type: %T", v),
			Code:    ErrUnsupportedType,
		}}
	}
}

// ValidateBundle validates every declaration and cross-checks policies
// against the schemas they govern.
func ValidateBundle(b *Bundle) []ValidationError {
	var errs []ValidationError

	types := make(map[string]bool)
	for _, s := range b.Schemas {
		if types[s.Type] {
			errs = append(errs, ValidationError{
				Field:   "entity." + s.Type,
				Message: fmt.Sprintf("duplicate entity type %q", s.Type),
				Code:    ErrDuplicateName,
			})
		}
		types[s.Type] = true
		errs = append(errs, validateSchema(&s)...)
	}

	seen := make(map[string]bool)
	for _, p := range b.Policies {
		if seen[p.Type] {
			errs = append(errs, ValidationError{
				Field:   "policy." + p.Type,
				Message: fmt.Sprintf("duplicate policy for %q", p.Type),
				Code:    ErrDuplicateName,
			})
		}
		seen[p.Type] = true
		errs = append(errs, validatePolicy(&p)...)

		s, ok := b.Schema(p.Type)
		if !ok {
			errs = append(errs, ValidationError{
				Field:   "policy." + p.Type,
				Message: fmt.Sprintf("no entity declared for policy type %q", p.Type),
				Code:    ErrPolicyUnknownEntity,
			})
			continue
		}
		for _, name := range p.Mutable {
			if entity.IsAuditProperty(name) {
				continue
			}
			if _, ok := s.Declared(name); !ok {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("policy.%s.mutable", p.Type),
					Message: fmt.Sprintf("property %q is not declared on %s", name, p.Type),
					Code:    ErrPolicyUnknownProperty,
				})
			}
		}
	}

	return errs
}

// validateSchema validates an entity schema.
func validateSchema(s *entity.Schema) []ValidationError {
	var errs []ValidationError

	if s.Type == "" {
		errs = append(errs, ValidationError{
			Field:   "type",
			Message: "entity type is required",
			Code:    ErrEntityNoType,
		})
	}

	if len(s.Properties) == 0 {
		errs = append(errs, ValidationError{
			Field:   fmt.Sprintf("entity.%s.properties", s.Type),
			Message: "at least one property is required",
			Code:    ErrEntityNoProperties,
		})
	}

	names := make(map[string]bool)
	for i, p := range s.Properties {
		field := fmt.Sprintf("entity.%s.properties[%d]", s.Type, i)
		if names[p.Name] {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("duplicate property name: %q", p.Name),
				Code:    ErrDuplicateName,
			})
		}
		names[p.Name] = true

		if entity.IsAuditProperty(p.Name) {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("property %q is reserved for audit fields", p.Name),
				Code:    ErrReservedProperty,
			})
		}
		if _, err := entity.ParseKind(string(p.Kind)); err != nil {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: err.Error(),
				Code:    ErrInvalidKind,
			})
		}
	}

	return errs
}

// validatePolicy validates a policy on its own.
func validatePolicy(p *policy.Policy) []ValidationError {
	var errs []ValidationError

	if p.Type == "" {
		errs = append(errs, ValidationError{
			Field:   "type",
			Message: "policy type is required",
			Code:    ErrEntityNoType,
		})
	}

	for _, name := range policy.RetirementFields {
		if !slices.Contains(p.Mutable, name) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("policy.%s.mutable", p.Type),
				Message: fmt.Sprintf("retirement field %q must be mutable", name),
				Code:    ErrPolicyMissingRetirement,
			})
		}
	}

	return errs
}
