// Package pack implements data packing: substituting placeholder
// references to dependency keys with their in-memory values inside a
// task's structured arguments, before handing them to the executor.
package pack

// Placeholder marks a spot inside a task's args/kwargs structure that
// refers to the value of another key, rather than embedding a literal.
type Placeholder struct {
	Key string
}

// placeholderTag is the wire convention a Placeholder round-trips through:
// since msgpack has no native placeholder type, one is encoded as a map
// with exactly this single field.
const placeholderTag = "__dask_key__"

// Decode walks x, as freshly produced by a generic msgpack decode, and
// returns an equivalent structure with every {placeholderTag: key} map
// replaced by a Placeholder, the wire-level counterpart Encode produces.
func Decode(x interface{}) interface{} {
	switch v := x.(type) {
	case map[string]interface{}:
		if len(v) == 1 {
			if key, ok := v[placeholderTag].(string); ok {
				return Placeholder{Key: key}
			}
		}
		out := make(map[string]interface{}, len(v))
		for k, elem := range v {
			out[k] = Decode(elem)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			out[i] = Decode(elem)
		}
		return out
	default:
		return x
	}
}

// Encode is Decode's inverse, turning a Placeholder back into its wire
// map so it msgpack-encodes without a custom type.
func Encode(x interface{}) interface{} {
	switch v := x.(type) {
	case Placeholder:
		return map[string]interface{}{placeholderTag: v.Key}
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, elem := range v {
			out[k] = Encode(elem)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			out[i] = Encode(elem)
		}
		return out
	default:
		return x
	}
}

// Data maps a key to its raw value bytes, as deposited in the worker's
// data store.
type Data map[string][]byte

// PackData walks x, which may be a Placeholder, a map[string]interface{},
// a []interface{}, or a scalar, and returns an equivalent structure with
// every Placeholder replaced by data[placeholder.Key]. Placeholders that
// reference a key absent from data are left untouched, signalling a bug in
// the caller rather than being silently dropped.
func PackData(x interface{}, data Data) interface{} {
	switch v := x.(type) {
	case Placeholder:
		if value, ok := data[v.Key]; ok {
			return value
		}
		return v
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, elem := range v {
			out[k] = PackData(elem, data)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			out[i] = PackData(elem, data)
		}
		return out
	default:
		return x
	}
}

// KeysOf collects every key referenced by a Placeholder anywhere inside x,
// used to compute a task's initial waiting_for_data set.
func KeysOf(x interface{}) []string {
	var keys []string
	var walk func(interface{})
	walk = func(v interface{}) {
		switch t := v.(type) {
		case Placeholder:
			keys = append(keys, t.Key)
		case map[string]interface{}:
			for _, elem := range t {
				walk(elem)
			}
		case []interface{}:
			for _, elem := range t {
				walk(elem)
			}
		}
	}
	walk(x)
	return keys
}
