package serialize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	typeKey     = "__type"
	typenameKey = "__typename"
)

// dateLayout matches the millisecond ISO form scripts produce for dates
const dateLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrMalformed is returned when text is not a valid encoded value
var ErrMalformed = errors.New("malformed serialized value")

// Encode returns the text form of v
func Encode(v Value) string {
	var buf bytes.Buffer
	encodeValue(&buf, v)
	return buf.String()
}

// EncodeAll encodes every value of a named export map
func EncodeAll(values map[string]Value) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = Encode(v)
	}
	return out
}

func encodeValue(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.Bool))
	case KindNumber:
		if tag, ok := nonFinite(v.Number); ok {
			tagged(buf, KindNumber, "value", tag)
			return
		}
		buf.WriteString(formatNumber(v.Number))
	case KindString:
		writeString(buf, v.Text)
	case KindArray:
		writeList(buf, v.Items)
	case KindObject:
		encodeObject(buf, v)
	case KindBigInt:
		tagged(buf, KindBigInt, "value", v.Text)
	case KindDate:
		buf.WriteString(`{"__type":"date","value":`)
		if v.Invalid {
			buf.WriteString("null")
		} else {
			writeString(buf, v.Time.UTC().Format(dateLayout))
		}
		buf.WriteByte('}')
	case KindRegExp:
		buf.WriteString(`{"__type":"regexp","source":`)
		writeString(buf, v.Source)
		buf.WriteString(`,"flags":`)
		writeString(buf, v.Flags)
		buf.WriteByte('}')
	case KindError:
		buf.WriteString(`{"__type":"error","name":`)
		writeString(buf, v.Typename)
		buf.WriteString(`,"message":`)
		writeString(buf, v.Message)
		if v.Stack != "" {
			buf.WriteString(`,"stack":`)
			writeString(buf, v.Stack)
		}
		buf.WriteByte('}')
	case KindMap:
		buf.WriteString(`{"__type":"map","entries":[`)
		for i, e := range v.Entries {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteByte('[')
			encodeValue(buf, e.Key)
			buf.WriteByte(',')
			encodeValue(buf, e.Value)
			buf.WriteByte(']')
		}
		buf.WriteString("]}")
	case KindSet:
		buf.WriteString(`{"__type":"set","items":`)
		writeList(buf, v.Items)
		buf.WriteByte('}')
	case KindFunction:
		tagged(buf, KindFunction, "name", v.Text)
	case KindSymbol:
		tagged(buf, KindSymbol, "description", v.Text)
	case KindPromise:
		tagged(buf, KindPromise, "state", "pending")
	case KindCircular, KindTruncated, KindUndefined:
		buf.WriteString(`{"__type":`)
		writeString(buf, string(v.Kind))
		buf.WriteByte('}')
	default:
		buf.WriteString(`{"__type":"undefined"}`)
	}
}

func encodeObject(buf *bytes.Buffer, v Value) {
	if needsWrapping(v) {
		buf.WriteString(`{"__type":"object",`)
		if v.Typename != "" {
			buf.WriteString(`"typename":`)
			writeString(buf, v.Typename)
			buf.WriteByte(',')
		}
		buf.WriteString(`"value":`)
		writeFields(buf, v.Fields, "")
		buf.WriteByte('}')
		return
	}
	writeFields(buf, v.Fields, v.Typename)
}

func needsWrapping(v Value) bool {
	for _, f := range v.Fields {
		if f.Key == typeKey || f.Key == typenameKey {
			return true
		}
	}
	return false
}

func writeFields(buf *bytes.Buffer, fields []Field, typename string) {
	buf.WriteByte('{')
	first := true
	if typename != "" {
		buf.WriteString(`"__typename":`)
		writeString(buf, typename)
		first = false
	}
	for _, f := range fields {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		writeString(buf, f.Key)
		buf.WriteByte(':')
		encodeValue(buf, f.Value)
	}
	buf.WriteByte('}')
}

func writeList(buf *bytes.Buffer, items []Value) {
	buf.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodeValue(buf, item)
	}
	buf.WriteByte(']')
}

func tagged(buf *bytes.Buffer, kind Kind, key, value string) {
	buf.WriteString(`{"__type":`)
	writeString(buf, string(kind))
	buf.WriteString(`,"`)
	buf.WriteString(key)
	buf.WriteString(`":`)
	writeString(buf, value)
	buf.WriteByte('}')
}

func writeString(buf *bytes.Buffer, s string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	// Encoder terminates each value with a newline.
	buf.Truncate(buf.Len() - 1)
}

// formatNumber prints integers without exponent up to 1e21 like scripts do
func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Decode parses the text form produced by Encode
func Decode(text string) (Value, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	return v, nil
}

// DecodeAll decodes every value of an export map
func DecodeAll(texts map[string]string) (map[string]Value, error) {
	out := make(map[string]Value, len(texts))
	for k, text := range texts {
		v, err := Decode(text)
		if err != nil {
			return nil, fmt.Errorf("export %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	return decodeToken(dec, tok)
}

func decodeToken(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Number(f), nil
	case string:
		return String(t), nil
	case json.Delim:
		switch t {
		case '[':
			items, err := decodeList(dec)
			if err != nil {
				return Value{}, err
			}
			return Array(items...), nil
		case '{':
			return decodeObject(dec)
		}
	}
	return Value{}, fmt.Errorf("unexpected token %v", tok)
}

func decodeList(dec *json.Decoder) ([]Value, error) {
	items := []Value{}
	for dec.More() {
		item, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return items, nil
}

// decodeObject is called after the opening brace
func decodeObject(dec *json.Decoder) (Value, error) {
	if !dec.More() {
		if _, err := dec.Token(); err != nil {
			return Value{}, err
		}
		return Object(), nil
	}

	key, err := readKey(dec)
	if err != nil {
		return Value{}, err
	}

	switch key {
	case typeKey:
		tag, err := readString(dec)
		if err != nil {
			return Value{}, err
		}
		return decodeTagged(dec, Kind(tag))
	case typenameKey:
		name, err := readString(dec)
		if err != nil {
			return Value{}, err
		}
		fields, err := decodeFields(dec, nil)
		if err != nil {
			return Value{}, err
		}
		return Named(name, fields...), nil
	default:
		first, err := decodeValue(dec)
		if err != nil {
			return Value{}, err
		}
		fields, err := decodeFields(dec, []Field{{Key: key, Value: first}})
		if err != nil {
			return Value{}, err
		}
		return Object(fields...), nil
	}
}

// decodeFields reads the remaining members of a plain object, including the
// closing brace.
func decodeFields(dec *json.Decoder, fields []Field) ([]Field, error) {
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return nil, err
		}
		v, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		fields = append(fields, Field{Key: key, Value: v})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return fields, nil
}

// decodeRawObject reads a full object whose keys are never interpreted
func decodeRawObject(dec *json.Decoder) ([]Field, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}
	return decodeFields(dec, []Field{})
}

func decodeTagged(dec *json.Decoder, kind Kind) (Value, error) {
	v := Value{Kind: kind}
	var typename string
	var fields []Field
	var hasValue bool

	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return Value{}, err
		}

		switch {
		case kind == KindObject && key == "value":
			fields, err = decodeRawObject(dec)
			hasValue = true
		case kind == KindObject && key == "typename":
			typename, err = readString(dec)
		case kind == KindMap && key == "entries":
			v.Entries, err = decodeEntries(dec)
		case kind == KindSet && key == "items":
			v.Items, err = decodeArrayValue(dec)
		case kind == KindDate && key == "value":
			err = decodeDate(dec, &v)
		default:
			err = decodeScalarMember(dec, &v, key)
		}
		if err != nil {
			return Value{}, err
		}
	}
	if _, err := dec.Token(); err != nil {
		return Value{}, err
	}

	switch kind {
	case KindObject:
		if !hasValue {
			return Value{}, errors.New("wrapped object without value")
		}
		return Value{Kind: KindObject, Typename: typename, Fields: nonNilFields(fields)}, nil
	case KindNumber:
		return decodeNonFinite(v.Text)
	case KindMap:
		return Map(v.Entries...), nil
	case KindSet:
		return Set(v.Items...), nil
	case KindPromise:
		return Pending(), nil
	case KindUndefined, KindCircular, KindTruncated, KindBigInt, KindFunction,
		KindSymbol, KindRegExp, KindError, KindDate:
		return v, nil
	}
	return Value{}, fmt.Errorf("unknown type tag %q", kind)
}

func decodeScalarMember(dec *json.Decoder, v *Value, key string) error {
	s, err := readString(dec)
	if err != nil {
		return err
	}
	switch key {
	case "value", "description":
		v.Text = s
	case "name":
		if v.Kind == KindError {
			v.Typename = s
		} else {
			v.Text = s
		}
	case "source":
		v.Source = s
	case "flags":
		v.Flags = s
	case "message":
		v.Message = s
	case "stack":
		v.Stack = s
	}
	return nil
}

func decodeDate(dec *json.Decoder, v *Value) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	switch t := tok.(type) {
	case nil:
		v.Invalid = true
		return nil
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return err
		}
		v.Time = ts.UTC()
		return nil
	}
	return fmt.Errorf("unexpected date value %v", tok)
}

func decodeNonFinite(tag string) (Value, error) {
	switch tag {
	case "NaN":
		return Number(math.NaN()), nil
	case "Infinity":
		return Number(math.Inf(1)), nil
	case "-Infinity":
		return Number(math.Inf(-1)), nil
	case "-0":
		return Number(math.Copysign(0, -1)), nil
	}
	return Value{}, fmt.Errorf("unknown number tag %q", tag)
}

func decodeArrayValue(dec *json.Decoder) ([]Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, fmt.Errorf("expected array, got %v", tok)
	}
	return decodeList(dec)
}

func decodeEntries(dec *json.Decoder) ([]Entry, error) {
	pairs, err := decodeArrayValue(dec)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(pairs))
	for _, p := range pairs {
		if p.Kind != KindArray || len(p.Items) != 2 {
			return nil, errors.New("map entry must be a pair")
		}
		entries = append(entries, Entry{Key: p.Items[0], Value: p.Items[1]})
	}
	return entries, nil
}

func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected key, got %v", tok)
	}
	return key, nil
}

func readString(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	s, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %v", tok)
	}
	return s, nil
}
