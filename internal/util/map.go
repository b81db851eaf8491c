package util

// ExportMapValue reads name out of obj when it holds a value of type t
// ("string", "bool", "int", "int64" or "float").
func ExportMapValue(obj map[string]interface{}, name string, t string) (value interface{}, success bool) {
	if obj == nil {
		return
	}
	if o, k := obj[name]; k {
		switch t {
		case "string":
			value, success = o.(string)
		case "bool":
			value, success = o.(bool)
		case "int":
			value, success = o.(int)
		case "int64":
			value, success = o.(int64)
		case "float":
			value, success = o.(float64)
		default:
			panic("type " + t + " is not supported")
		}
	}
	return
}
