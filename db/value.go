package db

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ValueKind discriminates the closed set of field value shapes an entity can carry.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindTime
	KindList
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindList:
		return "list"
	default:
		return "null"
	}
}

// Value is a typed field value. List elements are always primitives.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	Time time.Time
	List []Value
}

func Null() Value                { return Value{} }
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }
func NumberValue(n float64) Value {
	return Value{Kind: KindNumber, Num: n}
}
func BoolValue(b bool) Value      { return Value{Kind: KindBool, Bool: b} }
func TimeValue(t time.Time) Value { return Value{Kind: KindTime, Time: t.UTC()} }

func ListValue(items ...Value) Value {
	list := make([]Value, 0, len(items))
	for _, item := range items {
		if item.Kind == KindList {
			// nested lists are flattened
			list = append(list, item.List...)
			continue
		}
		list = append(list, item)
	}
	return Value{Kind: KindList, List: list}
}

// StringList builds a list value from plain strings.
func StringList(items ...string) Value {
	list := make([]Value, len(items))
	for i, s := range items {
		list[i] = StringValue(s)
	}
	return Value{Kind: KindList, List: list}
}

// FromAny converts a decoded JSON value (or a plain Go value) into a Value.
// Unsupported shapes such as objects resolve to Null.
func FromAny(v interface{}) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case string:
		return StringValue(t)
	case bool:
		return BoolValue(t)
	case float64:
		return NumberValue(t)
	case float32:
		return NumberValue(float64(t))
	case int:
		return NumberValue(float64(t))
	case int32:
		return NumberValue(float64(t))
	case int64:
		return NumberValue(float64(t))
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return NumberValue(f)
		}
		return StringValue(t.String())
	case time.Time:
		return TimeValue(t)
	case *time.Time:
		if t == nil {
			return Null()
		}
		return TimeValue(*t)
	case []string:
		return StringList(t...)
	case []interface{}:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			iv := FromAny(item)
			if iv.Kind == KindNull {
				continue
			}
			items = append(items, iv)
		}
		return ListValue(items...)
	case []Value:
		return ListValue(t...)
	default:
		return Null()
	}
}

// IsEmpty reports whether the value is null, an empty string or an empty list.
func (v Value) IsEmpty() bool {
	switch v.Kind {
	case KindNull:
		return true
	case KindString:
		return v.Str == ""
	case KindList:
		return len(v.List) == 0
	default:
		return false
	}
}

// Interface returns the plain Go representation used for JSON encoding.
func (v Value) Interface() interface{} {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	case KindTime:
		return v.Time.Format(time.RFC3339Nano)
	case KindList:
		out := make([]interface{}, len(v.List))
		for i, item := range v.List {
			out[i] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindTime:
		return v.Time.Format(time.RFC3339Nano)
	case KindList:
		return fmt.Sprintf("%v", v.Interface())
	default:
		return ""
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}
