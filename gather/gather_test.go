package gather

import (
	"errors"
	"testing"
	"time"

	"github.com/jabolina/dask-worker/address"
	"github.com/jabolina/dask-worker/internal/testutil"
	"github.com/jabolina/dask-worker/logging"
)

func addr(host string) address.Address {
	return address.Address{Scheme: "tcp", Host: host, Port: 1}
}

func TestRunResolvesAllFromAGoodPeer(t *testing.T) {
	good := addr("good")
	whoHas := map[string][]address.Address{
		"a": {good},
		"b": {good},
	}
	fetch := func(a address.Address, keys []string) (map[string][]byte, error) {
		out := map[string][]byte{}
		for _, k := range keys {
			out[k] = []byte(k + "-value")
		}
		return out, nil
	}

	result := Run(whoHas, fetch, nil, logging.NewDefault())
	if len(result.Values) != 2 {
		t.Fatalf("expected 2 resolved values, got %d", len(result.Values))
	}
	if string(result.Values["a"]) != "a-value" {
		t.Errorf("unexpected value for a: %s", result.Values["a"])
	}
	if len(result.BadKeys) != 0 {
		t.Errorf("expected no bad keys, got %v", result.BadKeys)
	}
}

func TestRunFallsBackToSecondPeerAfterFirstFails(t *testing.T) {
	bad := addr("bad")
	good := addr("good")
	whoHas := map[string][]address.Address{"a": {bad, good}}

	// The first round picks one of the two peers at random, so the bad
	// peer is only contacted (and recorded) when it happens to be picked.
	badTried := false
	fetch := func(a address.Address, keys []string) (map[string][]byte, error) {
		if a == bad {
			badTried = true
			return nil, errors.New("connection refused")
		}
		return map[string][]byte{"a": []byte("ok")}, nil
	}

	result := Run(whoHas, fetch, nil, logging.NewDefault())
	if string(result.Values["a"]) != "ok" {
		t.Errorf("expected fallback peer to resolve a, got %v", result)
	}
	if badTried {
		if len(result.MissingWorkers) != 1 || result.MissingWorkers[0] != bad {
			t.Errorf("expected bad peer recorded as missing worker, got %v", result.MissingWorkers)
		}
	} else if len(result.MissingWorkers) != 0 {
		t.Errorf("expected no missing workers when the bad peer was never contacted, got %v", result.MissingWorkers)
	}
}

func TestRunFallsBackWhenPeerAnswersWithoutTheKey(t *testing.T) {
	stale, good := addr("stale"), addr("good")
	whoHas := map[string][]address.Address{"a": {stale, good}}

	fetch := func(a address.Address, keys []string) (map[string][]byte, error) {
		if a == stale {
			return map[string][]byte{}, nil
		}
		return map[string][]byte{"a": []byte("ok")}, nil
	}

	result := Run(whoHas, fetch, nil, logging.NewDefault())
	if string(result.Values["a"]) != "ok" {
		t.Errorf("expected fallback peer to resolve a, got %v", result)
	}
}

func TestRunReportsBadKeyWhenOnlyCandidateLacksIt(t *testing.T) {
	stale := addr("stale")
	whoHas := map[string][]address.Address{"a": {stale}}

	fetch := func(a address.Address, keys []string) (map[string][]byte, error) {
		return map[string][]byte{}, nil
	}

	var result Result
	done := testutil.WaitThisOrTimeout(func() {
		result = Run(whoHas, fetch, nil, logging.NewDefault())
	}, time.Second)
	if !done {
		t.Fatal("Run did not terminate when the only candidate kept answering without the key")
	}
	if len(result.BadKeys) != 1 || result.BadKeys[0] != "a" {
		t.Errorf("expected a reported as a bad key, got %v", result.BadKeys)
	}
}

func TestRunReportsBadKeyWhenEveryPeerFails(t *testing.T) {
	bad1, bad2 := addr("bad1"), addr("bad2")
	whoHas := map[string][]address.Address{"a": {bad1, bad2}}

	fetch := func(a address.Address, keys []string) (map[string][]byte, error) {
		return nil, errors.New("unreachable")
	}

	result := Run(whoHas, fetch, nil, logging.NewDefault())
	if len(result.Values) != 0 {
		t.Errorf("expected no resolved values, got %v", result.Values)
	}
	if len(result.BadKeys) != 1 || result.BadKeys[0] != "a" {
		t.Errorf("expected a reported as a bad key, got %v", result.BadKeys)
	}
}
