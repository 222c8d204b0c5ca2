package value

// Equal reports semantic equality of two values.
//
// nil and Null are interchangeable, so an unset property equals an explicit
// null. Lists compare element-wise and maps compare key-wise; a key holding
// Null equals a missing key.
func Equal(a, b Value) bool {
	if IsNull(a) || IsNull(b) {
		return IsNull(a) && IsNull(b)
	}

	switch av := a.(type) {
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case List:
		bv, ok := b.(List)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Map:
		bv, ok := b.(Map)
		if !ok {
			return false
		}
		for k, v := range av {
			if !Equal(v, bv[k]) {
				return false
			}
		}
		for k, v := range bv {
			if _, seen := av[k]; !seen && !IsNull(v) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// EqualSlices reports whether two parallel value slices are element-wise equal.
func EqualSlices(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
