package serialize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var identifier = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// Pretty renders v in an inspect-like form for humans. Top-level strings are
// printed bare, nested strings are quoted.
func Pretty(v Value) string {
	if v.Kind == KindString {
		return v.Text
	}
	var sb strings.Builder
	pretty(&sb, v)
	return sb.String()
}

// PrettyArgs renders console arguments separated by spaces
func PrettyArgs(args []Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = Pretty(a)
	}
	return strings.Join(parts, " ")
}

func pretty(sb *strings.Builder, v Value) {
	switch v.Kind {
	case KindUndefined:
		sb.WriteString("undefined")
	case KindNull:
		sb.WriteString("null")
	case KindBool:
		sb.WriteString(strconv.FormatBool(v.Bool))
	case KindNumber:
		if tag, ok := nonFinite(v.Number); ok {
			sb.WriteString(tag)
			return
		}
		sb.WriteString(formatNumber(v.Number))
	case KindBigInt:
		sb.WriteString(v.Text + "n")
	case KindString:
		sb.WriteString(quote(v.Text))
	case KindArray:
		prettyList(sb, "", v.Items)
	case KindSet:
		prettyList(sb, fmt.Sprintf("Set(%d) ", len(v.Items)), v.Items)
	case KindObject:
		prettyObject(sb, v)
	case KindMap:
		fmt.Fprintf(sb, "Map(%d) ", len(v.Entries))
		if len(v.Entries) == 0 {
			sb.WriteString("{}")
			return
		}
		sb.WriteString("{ ")
		for i, e := range v.Entries {
			if i > 0 {
				sb.WriteString(", ")
			}
			pretty(sb, e.Key)
			sb.WriteString(" => ")
			pretty(sb, e.Value)
		}
		sb.WriteString(" }")
	case KindDate:
		if v.Invalid {
			sb.WriteString("Invalid Date")
			return
		}
		sb.WriteString(v.Time.UTC().Format(dateLayout))
	case KindRegExp:
		sb.WriteString("/" + v.Source + "/" + v.Flags)
	case KindError:
		if v.Stack != "" {
			sb.WriteString(v.Stack)
			return
		}
		sb.WriteString(v.Typename)
		if v.Message != "" {
			sb.WriteString(": " + v.Message)
		}
	case KindFunction:
		if v.Text == "" {
			sb.WriteString("[Function (anonymous)]")
			return
		}
		sb.WriteString("[Function: " + v.Text + "]")
	case KindSymbol:
		sb.WriteString("Symbol(" + v.Text + ")")
	case KindPromise:
		sb.WriteString("Promise { <pending> }")
	case KindCircular:
		sb.WriteString("[Circular]")
	case KindTruncated:
		sb.WriteString("[Object]")
	}
}

func prettyList(sb *strings.Builder, prefix string, items []Value) {
	sb.WriteString(prefix)
	if len(items) == 0 {
		if prefix != "" {
			sb.WriteString("{}")
		} else {
			sb.WriteString("[]")
		}
		return
	}
	open, end := "[ ", " ]"
	if prefix != "" {
		open, end = "{ ", " }"
	}
	sb.WriteString(open)
	for i, item := range items {
		if i > 0 {
			sb.WriteString(", ")
		}
		pretty(sb, item)
	}
	sb.WriteString(end)
}

func prettyObject(sb *strings.Builder, v Value) {
	if v.Typename != "" && v.Typename != "Object" {
		sb.WriteString(v.Typename + " ")
	}
	if len(v.Fields) == 0 {
		sb.WriteString("{}")
		return
	}
	sb.WriteString("{ ")
	for i, f := range v.Fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		if identifier.MatchString(f.Key) {
			sb.WriteString(f.Key)
		} else {
			sb.WriteString(quote(f.Key))
		}
		sb.WriteString(": ")
		pretty(sb, f.Value)
	}
	sb.WriteString(" }")
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "'", `\'`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return "'" + s + "'"
}
