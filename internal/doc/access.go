package doc

import "strings"

// GetString returns the string at key.
func (o Object) GetString(key string) (string, bool) {
	v, ok := o[key].(String)
	return string(v), ok
}

// GetInt returns the integer at key.
func (o Object) GetInt(key string) (int64, bool) {
	v, ok := o[key].(Int)
	return int64(v), ok
}

// GetBool returns the boolean at key.
func (o Object) GetBool(key string) (bool, bool) {
	v, ok := o[key].(Bool)
	return bool(v), ok
}

// GetObject returns the nested object at key.
func (o Object) GetObject(key string) (Object, bool) {
	v, ok := o[key].(Object)
	return v, ok
}

// Lookup resolves a dotted path ("pushDetails.productName") through nested objects.
func (o Object) Lookup(path string) (Value, bool) {
	cur := o
	parts := strings.Split(path, ".")
	for i, p := range parts {
		v, ok := cur[p]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		next, ok := v.(Object)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

// Clone returns a deep copy.
func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	out := make(Object, len(o))
	for k, v := range o {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v Value) Value {
	switch val := v.(type) {
	case Object:
		return val.Clone()
	case Array:
		out := make(Array, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Merge returns a copy of o with the top-level keys of partial replacing its own.
// This is the partial-update semantics of Update writes.
func (o Object) Merge(partial Object) Object {
	out := o.Clone()
	if out == nil {
		out = make(Object, len(partial))
	}
	for k, v := range partial {
		out[k] = cloneValue(v)
	}
	return out
}

// Equal reports deep equality of two values.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case Object:
		bv, ok := b.(Object)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case nil:
		_, isNull := b.(Null)
		return b == nil || isNull
	case Null:
		_, isNull := b.(Null)
		return b == nil || isNull
	default:
		return a == b
	}
}
