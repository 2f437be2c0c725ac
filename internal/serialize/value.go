package serialize

import (
	"math"
	"time"
)

// MaxDepth bounds nesting when converting host values into a tree. Deeper
// branches become KindTruncated.
const MaxDepth = 1000

// MaxItems bounds the elements converted from one array, map or set. A
// longer collection ends with a KindTruncated element.
const MaxItems = 10000

// Kind tags a node of the value tree
type Kind string

const (
	KindUndefined Kind = "undefined"
	KindNull      Kind = "null"
	KindBool      Kind = "boolean"
	KindNumber    Kind = "number"
	KindBigInt    Kind = "bigint"
	KindString    Kind = "string"
	KindArray     Kind = "array"
	KindObject    Kind = "object"
	KindDate      Kind = "date"
	KindRegExp    Kind = "regexp"
	KindError     Kind = "error"
	KindMap       Kind = "map"
	KindSet       Kind = "set"
	KindFunction  Kind = "function"
	KindSymbol    Kind = "symbol"
	KindPromise   Kind = "promise"
	KindCircular  Kind = "circular"
	KindTruncated Kind = "truncated"
)

// Field is one own property of an object, in insertion order
type Field struct {
	Key   string
	Value Value
}

// Entry is one key/value pair of a Map
type Entry struct {
	Key   Value
	Value Value
}

// Value is a node of the tree. Only the members relevant to Kind are set.
type Value struct {
	Kind Kind

	Bool   bool
	Number float64
	// Text holds string contents, bigint digits, function names and symbol
	// descriptions.
	Text string

	Items   []Value // array, set
	Fields  []Field // object
	Entries []Entry // map

	// Typename is the constructor name of a named object or the name of an
	// error.
	Typename string

	Time    time.Time // date; zero with Invalid set for an invalid date
	Invalid bool

	Source string // regexp
	Flags  string

	Message string // error
	Stack   string
}

func Undefined() Value           { return Value{Kind: KindUndefined} }
func Null() Value                { return Value{Kind: KindNull} }
func Bool(b bool) Value          { return Value{Kind: KindBool, Bool: b} }
func Number(f float64) Value     { return Value{Kind: KindNumber, Number: f} }
func String(s string) Value      { return Value{Kind: KindString, Text: s} }
func BigInt(digits string) Value { return Value{Kind: KindBigInt, Text: digits} }
func Array(items ...Value) Value { return Value{Kind: KindArray, Items: nonNil(items)} }
func Set(items ...Value) Value   { return Value{Kind: KindSet, Items: nonNil(items)} }
func Date(t time.Time) Value     { return Value{Kind: KindDate, Time: t.UTC()} }
func InvalidDate() Value         { return Value{Kind: KindDate, Invalid: true} }
func Function(name string) Value { return Value{Kind: KindFunction, Text: name} }
func Symbol(desc string) Value   { return Value{Kind: KindSymbol, Text: desc} }
func Pending() Value             { return Value{Kind: KindPromise} }
func Circular() Value            { return Value{Kind: KindCircular} }
func Truncated() Value           { return Value{Kind: KindTruncated} }

// Map builds a Map from its entries in insertion order
func Map(entries ...Entry) Value {
	if entries == nil {
		entries = []Entry{}
	}
	return Value{Kind: KindMap, Entries: entries}
}

// Object builds a plain object
func Object(fields ...Field) Value {
	return Value{Kind: KindObject, Fields: nonNilFields(fields)}
}

// Named builds an object created by the constructor typename
func Named(typename string, fields ...Field) Value {
	return Value{Kind: KindObject, Typename: typename, Fields: nonNilFields(fields)}
}

// RegExp builds a regular expression literal
func RegExp(source, flags string) Value {
	return Value{Kind: KindRegExp, Source: source, Flags: flags}
}

// Error builds an error value
func Error(name, message, stack string) Value {
	return Value{Kind: KindError, Typename: name, Message: message, Stack: stack}
}

// F is shorthand for a Field
func F(key string, v Value) Field { return Field{Key: key, Value: v} }

// Get returns the own property key of an object
func (v Value) Get(key string) (Value, bool) {
	for _, f := range v.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

// IsPending reports whether v is an unsettled promise placeholder
func (v Value) IsPending() bool { return v.Kind == KindPromise }

// Keys returns the object keys in order
func (v Value) Keys() []string {
	keys := make([]string, 0, len(v.Fields))
	for _, f := range v.Fields {
		keys = append(keys, f.Key)
	}
	return keys
}

// nonFinite returns the tag for numbers JSON cannot carry
func nonFinite(f float64) (string, bool) {
	switch {
	case math.IsNaN(f):
		return "NaN", true
	case math.IsInf(f, 1):
		return "Infinity", true
	case math.IsInf(f, -1):
		return "-Infinity", true
	case f == 0 && math.Signbit(f):
		return "-0", true
	}
	return "", false
}

func nonNil(items []Value) []Value {
	if items == nil {
		return []Value{}
	}
	return items
}

func nonNilFields(fields []Field) []Field {
	if fields == nil {
		return []Field{}
	}
	return fields
}
