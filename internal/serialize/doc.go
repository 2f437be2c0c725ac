// Package serialize encodes arbitrary evaluation output as a self-describing
// value tree.
//
// The text form is JSON. Values that JSON represents natively (finite
// numbers, strings, booleans, null, arrays, plain objects) are written as
// themselves, so a cell evaluating to 2 serializes to "2". Everything else is
// an object whose first key is "__type":
//
//	{"__type":"undefined"}
//	{"__type":"number","value":"NaN"}
//	{"__type":"bigint","value":"9007199254740993"}
//	{"__type":"date","value":"2024-01-02T03:04:05.000Z"}
//	{"__type":"regexp","source":"a+","flags":"gi"}
//	{"__type":"error","name":"TypeError","message":"x is not a function","stack":"..."}
//	{"__type":"map","entries":[["k",1]]}
//	{"__type":"set","items":[1,2]}
//	{"__type":"function","name":"f"}
//	{"__type":"symbol","description":"s"}
//	{"__type":"promise","state":"pending"}
//	{"__type":"circular"}
//
// Objects created by a named constructor carry a leading "__typename" key.
// A plain object that itself owns a "__type" or "__typename" key is wrapped
// as {"__type":"object","value":{...}} so it decodes unchanged.
//
// Pretty renders a tree for humans. Nothing reads the pretty form back.
package serialize
