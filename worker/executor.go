package worker

import (
	"fmt"

	"github.com/jabolina/dask-worker/config"
	"github.com/jabolina/dask-worker/pack"
	"github.com/jabolina/dask-worker/store"
	"github.com/vmihailenco/msgpack/v5"
)

// RegisteredFunc is one named callable the default executor can run. args
// and kwargs arrive already msgpack-decoded, keeping the opaque-byte-blob
// contract at the transport boundary while still giving the function
// something usable to compute with.
type RegisteredFunc func(args []interface{}, kwargs map[string]interface{}) (interface{}, error)

// Registry is a name -> RegisteredFunc table the default executor
// dispatches `fn` through, since this module cannot execute opaque
// serialized Python callables.
type Registry map[string]RegisteredFunc

// resolvePlaceholders substitutes every dependency placeholder embedded in
// raw with its current value from s, returning the re-encoded bytes. raw
// that decodes to a structure with no placeholders round-trips unchanged.
func resolvePlaceholders(raw []byte, s *store.Store) ([]byte, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var decoded interface{}
	if err := msgpack.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}

	tagged := pack.Decode(decoded)
	data := make(pack.Data)
	for _, key := range pack.KeysOf(tagged) {
		if value, ok := s.Get(key); ok {
			data[key] = value
		}
	}
	resolved := pack.PackData(tagged, data)

	return msgpack.Marshal(resolved)
}

// Executor builds a config.Executor that decodes fn as a registered
// function name, args/kwargs as msgpack, and reports the result or error.
func (r Registry) Executor() config.Executor {
	return func(fn, args, kwargs []byte) config.Result {
		name := string(fn)
		callable, ok := r[name]
		if !ok {
			return config.Result{
				OK:        false,
				Exception: ErrDeserializationFail.Error(),
				Traceback: fmt.Sprintf("no function registered for %q", name),
			}
		}

		var decodedArgs []interface{}
		if len(args) > 0 {
			if err := msgpack.Unmarshal(args, &decodedArgs); err != nil {
				return config.Result{OK: false, Exception: ErrDeserializationFail.Error(), Traceback: err.Error()}
			}
		}
		decodedKwargs := map[string]interface{}{}
		if len(kwargs) > 0 {
			if err := msgpack.Unmarshal(kwargs, &decodedKwargs); err != nil {
				return config.Result{OK: false, Exception: ErrDeserializationFail.Error(), Traceback: err.Error()}
			}
		}

		value, err := callable(decodedArgs, decodedKwargs)
		if err != nil {
			return config.Result{OK: false, Exception: err.Error()}
		}

		encoded, err := msgpack.Marshal(value)
		if err != nil {
			return config.Result{OK: false, Exception: ErrExecutionFailed.Error(), Traceback: err.Error()}
		}
		return config.Result{OK: true, Value: encoded}
	}
}
