package pipeline

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Predicate is evaluated against the current data bag.
type Predicate func(bag map[string]any) bool

// Op is a declarative condition operator.
type Op string

const (
	OpExists    Op = "exists"
	OpNotExists Op = "not_exists"
	OpEquals    Op = "equals"
	OpNotEquals Op = "not_equals"
	OpTruthy    Op = "truthy"
	OpFalsy     Op = "falsy"
)

// Condition is the YAML form of a Predicate.
type Condition struct {
	Key   string `yaml:"key" json:"key"`
	Op    Op     `yaml:"op" json:"op"`
	Value any    `yaml:"value,omitempty" json:"value,omitempty"`
}

func (c *Condition) Validate() error {
	if c.Key == "" {
		return fmt.Errorf("condition has no key")
	}
	switch c.Op {
	case OpExists, OpNotExists, OpEquals, OpNotEquals, OpTruthy, OpFalsy:
		return nil
	default:
		return fmt.Errorf("unknown condition op %q", c.Op)
	}
}

// Evaluate reports whether the condition holds for bag. Values are compared
// by their JSON encoding so 1 and 1.0 are equal.
func (c *Condition) Evaluate(bag map[string]any) bool {
	v, ok := bag[c.Key]
	switch c.Op {
	case OpExists:
		return ok
	case OpNotExists:
		return !ok
	case OpEquals:
		return ok && sameValue(v, c.Value)
	case OpNotEquals:
		return !ok || !sameValue(v, c.Value)
	case OpTruthy:
		return ok && truthy(v)
	case OpFalsy:
		return !ok || !truthy(v)
	default:
		return false
	}
}

// Predicate adapts the condition.
func (c *Condition) Predicate() Predicate {
	return c.Evaluate
}

func sameValue(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return string(ja) == string(jb)
}

func truthy(v any) bool {
	if v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	default:
		return true
	}
}
