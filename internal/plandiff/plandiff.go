// File: internal/plandiff/plandiff.go
package plandiff

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// Comparator decides whether a replanned step list is materially different
// from the steps it replaces. Step numbers and reasoning text are cosmetic;
// two plans that invoke the same tools with semantically equal parameters in
// the same order count as equivalent.
type Comparator struct {
	logger *zap.Logger
}

// NewComparator creates a plan comparator.
func NewComparator(logger *zap.Logger) *Comparator {
	return &Comparator{
		logger: logger.Named("plandiff"),
	}
}

// normalizedStep is the comparison shape: tool identity plus normalized
// parameters, with numbering and prose stripped.
type normalizedStep struct {
	Tool                 string
	Parameters           interface{}
	RequiresConfirmation bool
}

// Equivalent reports whether two step lists are semantically equal.
func (c *Comparator) Equivalent(a, b []schemas.ActionStep) bool {
	return c.Diff(a, b) == ""
}

// Diff returns a human readable diff between two step lists, or the empty
// string when they are equivalent.
func (c *Comparator) Diff(a, b []schemas.ActionStep) string {
	na, errA := c.normalizeSteps(a)
	nb, errB := c.normalizeSteps(b)
	if errA != nil || errB != nil {
		// Parameters that fail JSON round-tripping cannot be compared
		// semantically. Report them as different so a replan is never
		// silently discarded.
		c.logger.Debug("Step normalization failed, treating plans as different",
			zap.NamedError("error_a", errA),
			zap.NamedError("error_b", errB),
		)
		return fmt.Sprintf("normalization failed (a: %v, b: %v)", errA, errB)
	}

	return cmp.Diff(na, nb, c.equateEmptyOption())
}

// normalizeSteps projects steps onto their comparison shape. Parameter maps
// are round-tripped through JSON with UseNumber so ints and floats that
// encode identically compare as equal regardless of in-memory type.
func (c *Comparator) normalizeSteps(steps []schemas.ActionStep) ([]normalizedStep, error) {
	normalized := make([]normalizedStep, 0, len(steps))
	for _, step := range steps {
		params, err := normalizeValue(step.Parameters)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", step.StepNumber, step.Tool, err)
		}
		normalized = append(normalized, normalizedStep{
			Tool:                 step.Tool,
			Parameters:           params,
			RequiresConfirmation: step.RequiresConfirmation,
		})
	}
	return normalized, nil
}

func normalizeValue(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var out interface{}
	if err := decoder.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	return out, nil
}

// isEmpty checks if the value represents an empty state in JSON context.
func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice:
		return rv.Len() == 0
	}
	return false
}

// equateEmptyOption treats JSON null, missing, and empty maps/slices as
// equal. Standard cmpopts.EquateEmpty() does not consider a nil interface{}
// (JSON null) as "empty".
func (c *Comparator) equateEmptyOption() cmp.Option {
	return cmp.FilterValues(
		func(x, y interface{}) bool {
			return isEmpty(x) && isEmpty(y)
		},
		cmp.Comparer(func(x, y interface{}) bool {
			isXNull := (x == nil)
			isYNull := (y == nil)

			if isXNull || isYNull {
				return true
			}

			// Both are non-null empty structures. They must be of the same kind (Ensures {} != []).
			return reflect.ValueOf(x).Kind() == reflect.ValueOf(y).Kind()
		}),
	)
}
