package dependency

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := [][2]State{
		{Waiting, Flight},
		{Flight, Memory},
		{Flight, Waiting},
		{Waiting, Memory},
	}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}

	if CanTransition(Memory, Flight) {
		t.Error("memory -> flight must never be allowed: memory values are never refetched")
	}
}

func TestPoisonedThreshold(t *testing.T) {
	d := New("x")
	for i := 0; i <= SuspicionThreshold; i++ {
		if d.Poisoned() {
			t.Fatalf("poisoned too early at suspicion=%d", d.Suspicion)
		}
		d.Suspicion++
	}
	if !d.Poisoned() {
		t.Errorf("expected poisoned once suspicion exceeds %d, got suspicion=%d", SuspicionThreshold, d.Suspicion)
	}
}

func TestAddDependent(t *testing.T) {
	d := New("x")
	d.AddDependent("t1")
	d.AddDependent("t2")
	if len(d.Dependents) != 2 {
		t.Errorf("expected 2 dependents, got %d", len(d.Dependents))
	}
}
