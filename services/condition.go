package services

import (
	"strconv"
	"strings"
	"time"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/db"
)

// ConditionEvaluator compiles stored condition sets into typed predicates.
// Compilation is where malformed operator/value combinations are rejected;
// evaluating a compiled set never fails.
type ConditionEvaluator struct {
	Schema db.FieldSchema
}

func NewConditionEvaluator(schema db.FieldSchema) *ConditionEvaluator {
	if schema == nil {
		schema = db.FieldSchema{}
	}
	return &ConditionEvaluator{Schema: schema}
}

// CompiledConditionSet is an immutable, validated condition set.
type CompiledConditionSet struct {
	or     bool
	preds  []predicate
	fields []string
}

// Evaluate applies the set to a snapshot. AND stops at the first false, OR at
// the first true, and an empty set matches everything.
func (cs CompiledConditionSet) Evaluate(s *db.EntitySnapshot) bool {
	if len(cs.preds) == 0 {
		return true
	}
	for _, p := range cs.preds {
		v, ok := s.Field(p.field())
		matched := p.match(v, ok && v.Kind != db.KindNull)
		if cs.or && matched {
			return true
		}
		if !cs.or && !matched {
			return false
		}
	}
	return !cs.or
}

// Fields lists the distinct fields referenced by the set, in declaration order.
func (cs CompiledConditionSet) Fields() []string {
	return cs.fields
}

// Compile validates a stored condition set.
func (e *ConditionEvaluator) Compile(set db.ConditionSet) (CompiledConditionSet, error) {
	var cs CompiledConditionSet
	switch strings.ToUpper(strings.TrimSpace(set.Logic)) {
	case "", db.LogicAnd:
	case db.LogicOr:
		cs.or = true
	default:
		return cs, invalidCondition("unknown logic %q", set.Logic)
	}

	seen := make(map[string]bool)
	for i, c := range set.Conditions {
		p, err := e.compileCondition(c)
		if err != nil {
			return CompiledConditionSet{}, invalidCondition("condition %d: %v", i, err)
		}
		cs.preds = append(cs.preds, p)
		if !seen[c.Field] {
			seen[c.Field] = true
			cs.fields = append(cs.fields, c.Field)
		}
	}
	return cs, nil
}

// Evaluate compiles and applies a set in one step.
func (e *ConditionEvaluator) Evaluate(set db.ConditionSet, s *db.EntitySnapshot) (bool, error) {
	cs, err := e.Compile(set)
	if err != nil {
		return false, err
	}
	return cs.Evaluate(s), nil
}

type conditionError string

func (e conditionError) Error() string { return string(e) }

func (e *ConditionEvaluator) compileCondition(c db.Condition) (predicate, error) {
	field := strings.TrimSpace(c.Field)
	if field == "" {
		return nil, conditionError("field is required")
	}
	spec, declared := e.Schema[field]
	ft := db.FieldType("")
	if declared {
		ft = spec.Type
	}
	value := coerce(db.FromAny(c.Value), ft)

	switch c.Operator {
	case db.OperatorEquals, db.OperatorNotEquals:
		if value.Kind == db.KindList && ft != db.FieldTypeList {
			return nil, conditionError(c.Operator + " expects a scalar value")
		}
		return equalsPredicate{name: field, want: value, fieldType: ft, fold: spec.CaseInsensitive, negate: c.Operator == db.OperatorNotEquals}, nil

	case db.OperatorContains:
		if value.Kind == db.KindNull || value.Kind == db.KindList {
			return nil, conditionError("contains expects a scalar value")
		}
		return containsPredicate{name: field, needle: value, fold: spec.CaseInsensitive}, nil

	case db.OperatorGreaterThan, db.OperatorLessThan:
		bound, ok := orderable(value)
		if !ok {
			return nil, conditionError(c.Operator + " expects a number or date")
		}
		return comparePredicate{name: field, bound: bound, greater: c.Operator == db.OperatorGreaterThan}, nil

	case db.OperatorIn, db.OperatorNotIn:
		var set []db.Value
		switch value.Kind {
		case db.KindNull:
			return nil, conditionError(c.Operator + " expects a list value")
		case db.KindList:
			set = make([]db.Value, len(value.List))
			for i, item := range value.List {
				set[i] = coerce(item, ft)
			}
		default:
			set = []db.Value{value}
		}
		return inPredicate{name: field, set: set, fieldType: ft, fold: spec.CaseInsensitive, negate: c.Operator == db.OperatorNotIn}, nil

	case db.OperatorBetween:
		lo, okLo := orderable(value)
		hi, okHi := orderable(coerce(db.FromAny(c.ValueEnd), ft))
		if !okLo || !okHi {
			return nil, conditionError("between expects number or date bounds")
		}
		if lo.Kind != hi.Kind {
			return nil, conditionError("between bounds must share a type")
		}
		return betweenPredicate{name: field, lo: lo, hi: hi}, nil

	case db.OperatorIsEmpty, db.OperatorIsNotEmpty:
		return emptyPredicate{name: field, wantEmpty: c.Operator == db.OperatorIsEmpty}, nil
	}
	return nil, conditionError("unknown operator " + strconv.Quote(c.Operator))
}

// predicate is the closed set of compiled operators.
type predicate interface {
	field() string
	// match receives the resolved field value; present is false for absent or null fields.
	match(v db.Value, present bool) bool
}

type equalsPredicate struct {
	name      string
	want      db.Value
	fieldType db.FieldType
	fold      bool
	negate    bool
}

func (p equalsPredicate) field() string { return p.name }

func (p equalsPredicate) match(v db.Value, present bool) bool {
	var eq bool
	if !present {
		eq = p.want.Kind == db.KindNull
	} else {
		eq = valuesEqual(coerce(v, p.fieldType), p.want, p.fold)
	}
	if p.negate {
		return !eq
	}
	return eq
}

type containsPredicate struct {
	name   string
	needle db.Value
	fold   bool
}

func (p containsPredicate) field() string { return p.name }

func (p containsPredicate) match(v db.Value, present bool) bool {
	if !present {
		return false
	}
	switch v.Kind {
	case db.KindString:
		hay, needle := v.Str, p.needle.String()
		if p.fold {
			hay, needle = strings.ToLower(hay), strings.ToLower(needle)
		}
		return strings.Contains(hay, needle)
	case db.KindList:
		for _, item := range v.List {
			if valuesEqual(item, p.needle, p.fold) {
				return true
			}
		}
	}
	return false
}

type comparePredicate struct {
	name    string
	bound   db.Value
	greater bool
}

func (p comparePredicate) field() string { return p.name }

func (p comparePredicate) match(v db.Value, present bool) bool {
	if !present {
		return false
	}
	cmp, ok := compareValues(v, p.bound)
	if !ok {
		return false
	}
	if p.greater {
		return cmp > 0
	}
	return cmp < 0
}

type inPredicate struct {
	name      string
	set       []db.Value
	fieldType db.FieldType
	fold      bool
	negate    bool
}

func (p inPredicate) field() string { return p.name }

func (p inPredicate) match(v db.Value, present bool) bool {
	if !present {
		return p.negate
	}
	found := false
	candidates := []db.Value{coerce(v, p.fieldType)}
	if v.Kind == db.KindList {
		candidates = v.List
	}
outer:
	for _, c := range candidates {
		for _, s := range p.set {
			if valuesEqual(c, s, p.fold) {
				found = true
				break outer
			}
		}
	}
	if p.negate {
		return !found
	}
	return found
}

type betweenPredicate struct {
	name   string
	lo, hi db.Value
}

func (p betweenPredicate) field() string { return p.name }

func (p betweenPredicate) match(v db.Value, present bool) bool {
	if !present {
		return false
	}
	lo, ok := compareValues(v, p.lo)
	if !ok || lo < 0 {
		return false
	}
	hi, ok := compareValues(v, p.hi)
	return ok && hi <= 0
}

type emptyPredicate struct {
	name      string
	wantEmpty bool
}

func (p emptyPredicate) field() string { return p.name }

func (p emptyPredicate) match(v db.Value, present bool) bool {
	empty := !present || v.IsEmpty()
	return empty == p.wantEmpty
}

// ===========================
// coercion helpers
// ===========================

var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}

// coerce converts v towards a declared field type. Values that cannot be
// converted are returned unchanged and will simply fail typed comparisons.
func coerce(v db.Value, ft db.FieldType) db.Value {
	switch ft {
	case db.FieldTypeNumber:
		if v.Kind == db.KindString {
			if f, ok := parseNumber(v.Str); ok {
				return db.NumberValue(f)
			}
		}
	case db.FieldTypeDate:
		switch v.Kind {
		case db.KindString:
			if t, ok := parseTime(v.Str); ok {
				return db.TimeValue(t)
			}
		case db.KindNumber:
			return db.TimeValue(time.UnixMilli(int64(v.Num)))
		}
	case db.FieldTypeBool:
		if v.Kind == db.KindString {
			if b, err := strconv.ParseBool(v.Str); err == nil {
				return db.BoolValue(b)
			}
		}
	case db.FieldTypeString:
		if v.Kind == db.KindNumber || v.Kind == db.KindBool {
			return db.StringValue(v.String())
		}
	}
	return v
}

// orderable returns v as a number or time if it can be ordered.
func orderable(v db.Value) (db.Value, bool) {
	switch v.Kind {
	case db.KindNumber, db.KindTime:
		return v, true
	case db.KindString:
		if f, ok := parseNumber(v.Str); ok {
			return db.NumberValue(f), true
		}
		if t, ok := parseTime(v.Str); ok {
			return db.TimeValue(t), true
		}
	}
	return db.Value{}, false
}

// compareValues orders a against b numerically or chronologically. The second
// result is false when the two sides are not comparable.
func compareValues(a, b db.Value) (int, bool) {
	a, okA := orderableAs(a, b.Kind)
	if !okA {
		return 0, false
	}
	switch b.Kind {
	case db.KindNumber:
		switch {
		case a.Num < b.Num:
			return -1, true
		case a.Num > b.Num:
			return 1, true
		}
		return 0, true
	case db.KindTime:
		return a.Time.Compare(b.Time), true
	}
	return 0, false
}

func orderableAs(v db.Value, kind db.ValueKind) (db.Value, bool) {
	if v.Kind == kind {
		return v, true
	}
	if v.Kind != db.KindString {
		return v, false
	}
	switch kind {
	case db.KindNumber:
		if f, ok := parseNumber(v.Str); ok {
			return db.NumberValue(f), true
		}
	case db.KindTime:
		if t, ok := parseTime(v.Str); ok {
			return db.TimeValue(t), true
		}
	}
	return v, false
}

// valuesEqual compares two values after coercing them to a common type.
func valuesEqual(a, b db.Value, fold bool) bool {
	if a.Kind == db.KindList || b.Kind == db.KindList {
		if a.Kind != b.Kind || len(a.List) != len(b.List) {
			return false
		}
		for i := range a.List {
			if !valuesEqual(a.List[i], b.List[i], fold) {
				return false
			}
		}
		return true
	}
	if a.Kind == db.KindNull || b.Kind == db.KindNull {
		return a.Kind == b.Kind
	}
	if a.Kind == db.KindString && b.Kind == db.KindString {
		if fold {
			return strings.EqualFold(a.Str, b.Str)
		}
		return a.Str == b.Str
	}
	if a.Kind == db.KindBool || b.Kind == db.KindBool {
		x, okX := asBool(a)
		y, okY := asBool(b)
		return okX && okY && x == y
	}
	if a.Kind == db.KindString {
		a, b = b, a
	}
	// a is now number or time
	if cmp, ok := compareValues(b, a); ok {
		return cmp == 0
	}
	return false
}

func asBool(v db.Value) (bool, bool) {
	switch v.Kind {
	case db.KindBool:
		return v.Bool, true
	case db.KindString:
		b, err := strconv.ParseBool(v.Str)
		return b, err == nil
	}
	return false, false
}
