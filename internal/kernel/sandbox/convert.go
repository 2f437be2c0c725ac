package sandbox

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/serialize"
)

// converter walks JS values into serialize trees. It must run on the loop.
type converter struct {
	vm      *goja.Runtime
	toArray goja.Callable
	path    map[*goja.Object]bool
}

func newConverter(vm *goja.Runtime, toArray goja.Callable) *converter {
	return &converter{vm: vm, toArray: toArray, path: make(map[*goja.Object]bool)}
}

// Value converts v. Objects already on the current path become Circular;
// nesting beyond serialize.MaxDepth becomes Truncated.
func (c *converter) Value(v goja.Value) serialize.Value {
	return c.convert(v, 0)
}

func (c *converter) convert(v goja.Value, depth int) serialize.Value {
	if v == nil || goja.IsUndefined(v) {
		return serialize.Undefined()
	}
	if goja.IsNull(v) {
		return serialize.Null()
	}
	if sym, ok := v.(*goja.Symbol); ok {
		return serialize.Symbol(symbolDescription(sym.String()))
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		return primitive(v)
	}
	if depth >= serialize.MaxDepth {
		return serialize.Truncated()
	}
	if c.path[obj] {
		return serialize.Circular()
	}
	c.path[obj] = true
	defer delete(c.path, obj)

	if _, isFn := goja.AssertFunction(obj); isFn {
		return serialize.Function(c.get(obj, "name").String())
	}

	switch obj.ClassName() {
	case "Promise":
		return serialize.Pending()
	case "Array":
		// length is user controlled and may describe a sparse array far
		// larger than memory; only the first MaxItems slots are read.
		n := c.get(obj, "length").ToInteger()
		limit := capItems(n)
		items := make([]serialize.Value, 0, limit+1)
		for i := 0; i < limit; i++ {
			items = append(items, c.convert(c.get(obj, strconv.Itoa(i)), depth+1))
		}
		if n > int64(limit) {
			items = append(items, serialize.Truncated())
		}
		return serialize.Array(items...)
	case "Date":
		ms := c.call(obj, "getTime").ToFloat()
		if math.IsNaN(ms) {
			return serialize.InvalidDate()
		}
		return serialize.Date(time.UnixMilli(int64(ms)))
	case "RegExp":
		return serialize.RegExp(c.get(obj, "source").String(), c.get(obj, "flags").String())
	case "Error":
		return serialize.Error(
			c.get(obj, "name").String(),
			c.get(obj, "message").String(),
			stringOr(c.get(obj, "stack")),
		)
	case "Map":
		pairs, more := c.spread(obj)
		entries := make([]serialize.Entry, 0, len(pairs)+1)
		for _, pair := range pairs {
			kv, ok := pair.(*goja.Object)
			if !ok {
				continue
			}
			entries = append(entries, serialize.Entry{
				Key:   c.convert(c.get(kv, "0"), depth+1),
				Value: c.convert(c.get(kv, "1"), depth+1),
			})
		}
		if more {
			entries = append(entries, serialize.Entry{Key: serialize.Truncated(), Value: serialize.Truncated()})
		}
		return serialize.Map(entries...)
	case "Set":
		members, more := c.spread(obj)
		items := make([]serialize.Value, 0, len(members)+1)
		for _, m := range members {
			items = append(items, c.convert(m, depth+1))
		}
		if more {
			items = append(items, serialize.Truncated())
		}
		return serialize.Set(items...)
	}

	keys := obj.Keys()
	fields := make([]serialize.Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, serialize.F(k, c.convert(c.get(obj, k), depth+1)))
	}
	if name := c.constructorName(obj); name != "" && name != "Object" {
		return serialize.Named(name, fields...)
	}
	return serialize.Object(fields...)
}

func primitive(v goja.Value) serialize.Value {
	switch x := v.Export().(type) {
	case bool:
		return serialize.Bool(x)
	case int64:
		return serialize.Number(float64(x))
	case float64:
		return serialize.Number(x)
	case string:
		return serialize.String(x)
	case *big.Int:
		return serialize.BigInt(x.String())
	default:
		return serialize.String(v.String())
	}
}

// get reads a property, turning a throwing getter into an error value.
func (c *converter) get(obj *goja.Object, key string) (v goja.Value) {
	defer func() {
		if r := recover(); r != nil {
			v = c.vm.ToValue(fmt.Sprintf("[getter threw: %v]", r))
		}
	}()
	if v = obj.Get(key); v == nil {
		return goja.Undefined()
	}
	return v
}

func (c *converter) call(obj *goja.Object, method string) goja.Value {
	fn, ok := goja.AssertFunction(c.get(obj, method))
	if !ok {
		return goja.Undefined()
	}
	v, err := fn(obj)
	if err != nil {
		return goja.Undefined()
	}
	return v
}

// spread returns up to MaxItems members of a Map or Set and whether more
// were left out.
func (c *converter) spread(obj *goja.Object) ([]goja.Value, bool) {
	arr, err := c.toArray(goja.Undefined(), obj)
	if err != nil {
		return nil, false
	}
	o := arr.ToObject(c.vm)
	n := o.Get("length").ToInteger()
	limit := capItems(n)
	out := make([]goja.Value, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, o.Get(strconv.Itoa(i)))
	}
	return out, n > int64(limit)
}

func capItems(n int64) int {
	switch {
	case n <= 0:
		return 0
	case n > serialize.MaxItems:
		return serialize.MaxItems
	default:
		return int(n)
	}
}

func (c *converter) constructorName(obj *goja.Object) string {
	proto := obj.Prototype()
	if proto == nil {
		return ""
	}
	ctor, ok := c.get(proto, "constructor").(*goja.Object)
	if !ok {
		return ""
	}
	return stringOr(c.get(ctor, "name"))
}

func stringOr(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func symbolDescription(s string) string {
	s = strings.TrimPrefix(s, "Symbol(")
	return strings.TrimSuffix(s, ")")
}
