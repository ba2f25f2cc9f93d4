package gc

import "strconv"

// valueString renders any Value the way Midori's `print` / text-cast
// machinery should: atomic values via Go's natural formatting, heap
// values by delegating to their Traceable.String().
func valueString(v Value) string {
	switch x := v.(type) {
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		if x {
			return "true"
		}
		return "false"
	case Unit:
		return "()"
	case Traceable:
		return x.String()
	default:
		return "<?>"
	}
}

func arrayString(elems []Value) string {
	s := "["
	for i, v := range elems {
		if i > 0 {
			s += ", "
		}
		s += valueString(v)
	}
	return s + "]"
}

func structString(st *Struct) string {
	s := st.TypeName + "{"
	for i, v := range st.Fields {
		if i > 0 {
			s += ", "
		}
		s += valueString(v)
	}
	return s + "}"
}

func unionString(u *Union) string {
	if len(u.Values) == 0 {
		return u.TypeName
	}
	s := u.TypeName + "("
	for i, v := range u.Values {
		if i > 0 {
			s += ", "
		}
		s += valueString(v)
	}
	return s + ")"
}

// ValueString is the exported form of valueString, used by the VM's
// CAST_TO_TEXT and by the foreign PrintLine prelude function.
func ValueString(v Value) string { return valueString(v) }
