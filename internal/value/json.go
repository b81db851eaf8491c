package value

import (
	"math"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	UseNumber:              true,
	ValidateJsonRawMessage: true,
}.Froze()

// MarshalJSON writes map keys sorted. Non-finite floats are written as null.
func (v Value) MarshalJSON() ([]byte, error) {
	stream := jsonAPI.BorrowStream(nil)
	defer jsonAPI.ReturnStream(stream)

	v.write(stream)
	if stream.Error != nil {
		return nil, stream.Error
	}
	out := make([]byte, len(stream.Buffer()))
	copy(out, stream.Buffer())
	return out, nil
}

func (v Value) write(stream *jsoniter.Stream) {
	switch v.kind {
	case Bool:
		stream.WriteBool(v.b)
	case Int:
		stream.WriteInt64(v.i)
	case Float:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			stream.WriteNil()
			return
		}
		stream.WriteFloat64(v.f)
	case String:
		stream.WriteString(v.s)
	case Sequence:
		stream.WriteArrayStart()
		for i, item := range v.seq {
			if i > 0 {
				stream.WriteMore()
			}
			item.write(stream)
		}
		stream.WriteArrayEnd()
	case Map:
		stream.WriteObjectStart()
		for i, k := range v.Keys() {
			if i > 0 {
				stream.WriteMore()
			}
			stream.WriteObjectField(k)
			v.m[k].write(stream)
		}
		stream.WriteObjectEnd()
	default:
		stream.WriteNil()
	}
}

// UnmarshalJSON keeps integral numbers as Int and everything else as Float.
func (v *Value) UnmarshalJSON(data []byte) error {
	var x interface{}
	if err := jsonAPI.Unmarshal(data, &x); err != nil {
		return err
	}
	parsed, err := from(x, 0)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Parse decodes a JSON document into a Value.
func Parse(data []byte) (Value, error) {
	var v Value
	err := v.UnmarshalJSON(data)
	return v, err
}
