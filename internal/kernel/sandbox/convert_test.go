package sandbox

import (
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/serialize"
)

func convertScript(t *testing.T, script string) serialize.Value {
	t.Helper()
	vm := goja.New()
	toArray, err := vm.RunString("(it) => Array.from(it)")
	require.NoError(t, err)
	fn, ok := goja.AssertFunction(toArray)
	require.True(t, ok)

	v, err := vm.RunString(script)
	require.NoError(t, err)
	return newConverter(vm, fn).Value(v)
}

func TestConvert(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   serialize.Value
	}{
		{"number", "1.5", serialize.Number(1.5)},
		{"integer", "7", serialize.Number(7)},
		{"string", "'s'", serialize.String("s")},
		{"null", "null", serialize.Null()},
		{"undefined", "undefined", serialize.Undefined()},
		{"array", "[1, 'a']", serialize.Array(serialize.Number(1), serialize.String("a"))},
		{"object keeps key order", "({ b: 1, a: 2 })", serialize.Object(serialize.F("b", serialize.Number(1)), serialize.F("a", serialize.Number(2)))},
		{"regexp", "/a+b/gi", serialize.RegExp("a+b", "gi")},
		{"date", "new Date(0)", serialize.Date(time.UnixMilli(0))},
		{"invalid date", "new Date('nope')", serialize.InvalidDate()},
		{"named object", "class Point { constructor() { this.x = 1 } }; new Point()", serialize.Named("Point", serialize.F("x", serialize.Number(1)))},
		{"function", "(function add() {})", serialize.Function("add")},
		{"map", "new Map([['k', 1]])", serialize.Map(serialize.Entry{Key: serialize.String("k"), Value: serialize.Number(1)})},
		{"set", "new Set([1, 2])", serialize.Set(serialize.Number(1), serialize.Number(2))},
		{"promise", "Promise.resolve(1)", serialize.Pending()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, convertScript(t, tt.script))
		})
	}
}

func TestConvertError(t *testing.T) {
	got := convertScript(t, "new RangeError('bad')")
	assert.Equal(t, serialize.KindError, got.Kind)
	assert.Equal(t, "RangeError", got.Typename)
	assert.Equal(t, "bad", got.Message)
}

func TestConvertCycles(t *testing.T) {
	got := convertScript(t, "const o = { shared: { n: 1 } }; o.again = o.shared; o.self = o; o")

	self, ok := got.Get("self")
	require.True(t, ok)
	assert.Equal(t, serialize.KindCircular, self.Kind)

	again, ok := got.Get("again")
	require.True(t, ok)
	assert.Equal(t, serialize.KindObject, again.Kind, "shared references are not cycles")
}

func TestConvertThrowingGetter(t *testing.T) {
	got := convertScript(t, "({ get boom() { throw new Error('x') } })")
	boom, ok := got.Get("boom")
	require.True(t, ok)
	assert.Equal(t, serialize.KindString, boom.Kind)
}

func TestConvertBoundsLargeCollections(t *testing.T) {
	tests := []struct {
		name   string
		script string
		kind   serialize.Kind
	}{
		{"sparse array with maximal length", "const a = []; a.length = 2 ** 32 - 1; a", serialize.KindArray},
		{"dense array", "Array.from({ length: 10005 }, (_, i) => i)", serialize.KindArray},
		{"set", "new Set(Array.from({ length: 10005 }, (_, i) => i))", serialize.KindSet},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := convertScript(t, tt.script)
			require.Equal(t, tt.kind, got.Kind)
			require.Len(t, got.Items, serialize.MaxItems+1)
			assert.Equal(t, serialize.KindTruncated, got.Items[serialize.MaxItems].Kind)
		})
	}
}

func TestConvertShortArrayIsNotTruncated(t *testing.T) {
	got := convertScript(t, "const a = [1]; a.length = 3; a")
	assert.Equal(t, serialize.Array(serialize.Number(1), serialize.Undefined(), serialize.Undefined()), got)
}
