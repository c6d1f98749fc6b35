// Package gather implements the multi-peer concurrent fetch algorithm:
// round-based, one get_data RPC per still-eligible address, tolerating
// peer failure.
package gather

import (
	"math/rand"
	"sync"

	"github.com/jabolina/dask-worker/address"
	"github.com/jabolina/dask-worker/logging"
	"github.com/jabolina/dask-worker/metrics"
)

// Fetcher issues one get_data RPC to addr for the given keys, returning
// the subset of keys that address actually held.
type Fetcher func(addr address.Address, keys []string) (map[string][]byte, error)

// Result is the outcome of a gather over a who_has mapping.
type Result struct {
	Values         map[string][]byte
	BadKeys        []string
	MissingWorkers []address.Address
}

// Run gathers every key in whoHas, firing one RPC per address per round
// until each key is resolved or declared bad. Addresses whose call fails
// are evicted from consideration for the rest of the run.
func Run(whoHas map[string][]address.Address, fetch Fetcher, rec metrics.Recorder, log logging.Logger) Result {
	if rec == nil {
		rec = metrics.Noop()
	}

	missing := make(map[string][]address.Address, len(whoHas))
	for k, addrs := range whoHas {
		cp := make([]address.Address, len(addrs))
		copy(cp, addrs)
		missing[k] = cp
	}

	result := Result{Values: make(map[string][]byte, len(whoHas))}
	badAddresses := make(map[address.Address]bool)
	// exhausted[key] tracks addresses that answered a round for key
	// without actually holding it, so the same address isn't retried for
	// that key forever even though it's fine for other keys.
	exhausted := make(map[string]map[address.Address]bool)

	for len(missing) > 0 {
		rec.GatherRound()

		plan := buildRoundPlan(missing, badAddresses, exhausted)
		if len(plan) == 0 {
			// Every remaining key has exhausted its candidate addresses.
			for k := range missing {
				result.BadKeys = append(result.BadKeys, k)
			}
			break
		}

		type outcome struct {
			addr   address.Address
			values map[string][]byte
			err    error
		}
		outcomes := make(chan outcome, len(plan))
		var wg sync.WaitGroup
		for addr, keys := range plan {
			wg.Add(1)
			go func(addr address.Address, keys []string) {
				defer wg.Done()
				values, err := fetch(addr, keys)
				outcomes <- outcome{addr: addr, values: values, err: err}
			}(addr, keys)
		}
		go func() { wg.Wait(); close(outcomes) }()

		for o := range outcomes {
			if o.err != nil {
				log.Warnf("gather: peer %s failed: %v", o.addr, o.err)
				badAddresses[o.addr] = true
				result.MissingWorkers = append(result.MissingWorkers, o.addr)
				continue
			}
			for _, key := range plan[o.addr] {
				if value, ok := o.values[key]; ok {
					result.Values[key] = value
					delete(missing, key)
					continue
				}
				// The peer answered but doesn't hold this key; it stays
				// eligible for other keys but not for this one again.
				if exhausted[key] == nil {
					exhausted[key] = make(map[address.Address]bool)
				}
				exhausted[key][o.addr] = true
			}
		}

		// Drop addresses that just failed, or that just answered without
		// the key, from every key's remaining candidate list so the next
		// round's plan reflects the eviction.
		for key, addrs := range missing {
			missing[key] = filterBad(addrs, badAddresses, exhausted[key])
			if len(missing[key]) == 0 {
				result.BadKeys = append(result.BadKeys, key)
				delete(missing, key)
			}
		}
	}

	return result
}

// buildRoundPlan picks, for each still-missing key, one uniformly random
// still-eligible address, then groups keys by the chosen address so a
// single RPC can fetch several keys from the same peer.
func buildRoundPlan(missing map[string][]address.Address, bad map[address.Address]bool, exhausted map[string]map[address.Address]bool) map[address.Address][]string {
	plan := make(map[address.Address][]string)
	for key, addrs := range missing {
		eligible := filterBad(addrs, bad, exhausted[key])
		if len(eligible) == 0 {
			continue
		}
		chosen := eligible[rand.Intn(len(eligible))]
		plan[chosen] = append(plan[chosen], key)
	}
	return plan
}

// filterBad returns addrs minus anything in bad (globally failed) or
// perKey (answered without holding this particular key).
func filterBad(addrs []address.Address, bad map[address.Address]bool, perKey map[address.Address]bool) []address.Address {
	out := addrs[:0:0]
	for _, a := range addrs {
		if !bad[a] && !perKey[a] {
			out = append(out, a)
		}
	}
	return out
}
