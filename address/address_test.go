package address

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		raw     string
		want    Address
		wantErr bool
	}{
		{raw: "tcp://10.0.0.1:8786", want: Address{Scheme: "tcp", Host: "10.0.0.1", Port: 8786}},
		{raw: "10.0.0.1:8786", want: Address{Scheme: "tcp", Host: "10.0.0.1", Port: 8786}},
		{raw: "worker-1:", want: Address{Scheme: "tcp", Host: "worker-1", Port: 0}},
		{raw: "8786", wantErr: true},
		{raw: "", wantErr: true},
	}

	for _, c := range cases {
		got, err := Parse(c.raw)
		if c.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error, got %v", c.raw, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): unexpected error: %v", c.raw, err)
			continue
		}
		if got != c.want {
			t.Errorf("Parse(%q) = %+v, want %+v", c.raw, got, c.want)
		}
	}
}

func TestParseBareNumericHostIsAmbiguous(t *testing.T) {
	_, err := Parse("8786")
	if err != ErrAmbiguousAddress {
		t.Errorf("expected ErrAmbiguousAddress, got %v", err)
	}
}

func TestStringRoundTrip(t *testing.T) {
	a := Address{Scheme: "tcp", Host: "127.0.0.1", Port: 9000}
	got, err := Parse(a.String())
	if err != nil {
		t.Fatalf("Parse(String()): %v", err)
	}
	if got != a {
		t.Errorf("round trip mismatch: %+v != %+v", got, a)
	}
}

func TestEqual(t *testing.T) {
	a := Address{Scheme: "tcp", Host: "h", Port: 1}
	b := Address{Scheme: "tcp", Host: "h", Port: 1}
	c := Address{Scheme: "tcp", Host: "h", Port: 2}
	if !a.Equal(b) {
		t.Error("expected a.Equal(b)")
	}
	if a.Equal(c) {
		t.Error("expected !a.Equal(c)")
	}
}
