// Package formdef loads form definitions (fields and branching rules) from
// YAML and validates them before they reach the resolver.
package formdef

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"intakeline/internal/domain"
)

type Definition struct {
	ID      string     `yaml:"id" validate:"required"`
	OwnerID string     `yaml:"owner_id" validate:"required"`
	Title   string     `yaml:"title" validate:"required,max=200"`
	Fields  []FieldDef `yaml:"fields" validate:"required,min=1,dive"`
	Rules   []RuleDef  `yaml:"rules" validate:"dive"`
}

type FieldDef struct {
	ID       string `yaml:"id" validate:"required"`
	Label    string `yaml:"label"`
	Order    int    `yaml:"order" validate:"gte=0"`
	Required bool   `yaml:"required"`
}

type RuleDef struct {
	ID          string  `yaml:"id" validate:"required"`
	Source      string  `yaml:"source" validate:"required"`
	Condition   string  `yaml:"condition" validate:"required,condition"`
	Value       *string `yaml:"value"`
	Destination *string `yaml:"destination" validate:"omitempty,min=1"`
	Order       int     `yaml:"order" validate:"gte=0"`
	Group       *string `yaml:"group" validate:"omitempty,min=1"`
	Active      *bool   `yaml:"active"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("condition", func(fl validator.FieldLevel) bool {
		return domain.ConditionKind(fl.Field().String()).Valid()
	}); err != nil {
		panic(err)
	}
	return v
}

// Parse decodes a YAML definition and validates it.
func Parse(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, &domain.ValidationError{Reason: fmt.Sprintf("invalid form yaml: %v", err)}
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// Validate runs tag validation and the cross-reference checks. The first
// violation is returned as a *domain.ValidationError.
func (d Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(verrs[0])
		}
		return &domain.ValidationError{Reason: err.Error()}
	}

	fields := make(map[string]bool, len(d.Fields))
	orders := make(map[int]string, len(d.Fields))
	for i, f := range d.Fields {
		path := fmt.Sprintf("fields[%d]", i)
		if fields[f.ID] {
			return &domain.ValidationError{Field: path + ".id", Reason: fmt.Sprintf("duplicate field id %q", f.ID)}
		}
		if other, ok := orders[f.Order]; ok {
			return &domain.ValidationError{Field: path + ".order", Reason: fmt.Sprintf("order %d already used by field %q", f.Order, other)}
		}
		fields[f.ID] = true
		orders[f.Order] = f.ID
	}

	rules := make(map[string]bool, len(d.Rules))
	for i, r := range d.Rules {
		path := fmt.Sprintf("rules[%d]", i)
		if rules[r.ID] {
			return &domain.ValidationError{Field: path + ".id", Reason: fmt.Sprintf("duplicate rule id %q", r.ID)}
		}
		rules[r.ID] = true
		if !fields[r.Source] {
			return &domain.ValidationError{Field: path + ".source", Reason: fmt.Sprintf("unknown field %q", r.Source)}
		}
		if r.Destination != nil {
			if !fields[*r.Destination] {
				return &domain.ValidationError{Field: path + ".destination", Reason: fmt.Sprintf("unknown field %q", *r.Destination)}
			}
			if *r.Destination == r.Source {
				return &domain.ValidationError{Field: path + ".destination", Reason: "rule cannot branch to its own source field"}
			}
		}
		if needsValue(domain.ConditionKind(r.Condition)) && r.Value == nil {
			return &domain.ValidationError{Field: path + ".value", Reason: fmt.Sprintf("required for condition %s", r.Condition)}
		}
	}
	return nil
}

// needsValue reports whether a nil comparison value would make the rule
// meaningless. is and is_not accept nil to match unanswered fields.
func needsValue(kind domain.ConditionKind) bool {
	switch kind {
	case domain.ConditionIs, domain.ConditionIsNot, domain.ConditionAlways:
		return false
	}
	return true
}

func fieldError(fe validator.FieldError) *domain.ValidationError {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	var reason string
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "min":
		reason = fmt.Sprintf("must have at least %s entries or characters", fe.Param())
	case "max":
		reason = fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gte":
		reason = fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "condition":
		reason = fmt.Sprintf("unknown condition %q", fe.Value())
	default:
		reason = fmt.Sprintf("failed %s validation", fe.Tag())
	}
	return &domain.ValidationError{Field: field, Reason: reason}
}

// Form converts the definition into domain records ready for insertion.
// Rules default to active.
func (d Definition) Form(createdAt string) (domain.Form, []domain.Field, []domain.LogicRule) {
	form := domain.Form{ID: d.ID, OwnerID: d.OwnerID, Title: d.Title, CreatedAt: createdAt}
	fields := make([]domain.Field, 0, len(d.Fields))
	for _, f := range d.Fields {
		fields = append(fields, domain.Field{ID: f.ID, FormID: d.ID, Label: f.Label, Order: f.Order, Required: f.Required})
	}
	rules := make([]domain.LogicRule, 0, len(d.Rules))
	for _, r := range d.Rules {
		active := true
		if r.Active != nil {
			active = *r.Active
		}
		rules = append(rules, domain.LogicRule{
			ID:                 r.ID,
			SourceFieldID:      r.Source,
			Condition:          domain.ConditionKind(r.Condition),
			Value:              r.Value,
			DestinationFieldID: r.Destination,
			Order:              r.Order,
			GroupID:            r.Group,
			Active:             active,
		})
	}
	return form, fields, rules
}
