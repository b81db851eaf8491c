package util

import (
	"github.com/dop251/goja"
	"github.com/go-errors/errors"

	"npool/internal/value"
)

// Rejection is the error returned for a work function whose promise was
// rejected.
type Rejection struct {
	Message string
	Stack   string
}

func (r *Rejection) Error() string {
	return r.Message
}

// ExportGojaValue converts a script value into a structured value. ArrayBuffer
// and Uint8Array become byte sequences, settled promises are unwrapped.
func ExportGojaValue(v goja.Value) (value.Value, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return value.NewNull(), nil
	}
	if o, ok := v.(*goja.Object); ok {
		if b, ok := o.Export().(goja.ArrayBuffer); ok {
			return value.From(b.Bytes())
		}
		if c, ok := o.Get("constructor").(*goja.Object); ok && c.Get("name").String() == "Uint8Array" {
			if b, ok := o.Get("buffer").Export().(goja.ArrayBuffer); ok {
				return value.From(b.Bytes())
			}
		}
		if p, ok := o.Export().(*goja.Promise); ok {
			switch p.State() {
			case goja.PromiseStateRejected:
				return value.Value{}, NewRejection(p.Result())
			case goja.PromiseStateFulfilled:
				return ExportGojaValue(p.Result())
			default:
				return value.Value{}, errors.New("unexpected promise state pending")
			}
		}
	}
	return value.From(v.Export())
}

// NewRejection extracts message and stack from a rejection reason.
func NewRejection(reason goja.Value) *Rejection {
	r := &Rejection{Message: "promise rejected"}
	if reason == nil || goja.IsUndefined(reason) {
		return r
	}
	r.Message = reason.String()
	if o, ok := reason.(*goja.Object); ok {
		if m := o.Get("message"); m != nil && !goja.IsUndefined(m) {
			r.Message = m.String()
		}
		if s := o.Get("stack"); s != nil && !goja.IsUndefined(s) {
			r.Stack = s.String()
		}
	}
	return r
}

// ToGojaValue builds native script objects out of v so the called function
// sees ordinary objects and arrays rather than wrapped Go maps.
func ToGojaValue(runtime *goja.Runtime, v value.Value) goja.Value {
	switch v.Kind() {
	case value.Null:
		return goja.Null()
	case value.Bool:
		return runtime.ToValue(v.Bool())
	case value.Int:
		return runtime.ToValue(v.Int())
	case value.Float:
		return runtime.ToValue(v.Float())
	case value.String:
		return runtime.ToValue(v.Str())
	case value.Sequence:
		items := make([]interface{}, v.Len())
		for i := range items {
			items[i] = ToGojaValue(runtime, v.Index(i))
		}
		return runtime.NewArray(items...)
	case value.Map:
		o := runtime.NewObject()
		for _, k := range v.Keys() {
			e, _ := v.Get(k)
			_ = o.Set(k, ToGojaValue(runtime, e))
		}
		return o
	}
	return goja.Undefined()
}
