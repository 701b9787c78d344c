package fields

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, s string) Record {
	t.Helper()
	var rec Record
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		t.Fatalf("invalid fixture: %v", err)
	}
	return rec
}

func TestLookup(t *testing.T) {
	rec := decode(t, `{
		"host": {"name": "web-01", "ip": ["10.0.0.1", "10.0.0.2"], "empty": "", "zero": 0, "off": false, "nothing": null},
		"source.ip": "192.168.1.5",
		"flat": "top"
	}`)

	tests := []struct {
		name string
		path string
		kind Kind
		want string
	}{
		{"nested scalar", "host.name", Scalar, "web-01"},
		{"sequence", "host.ip", Sequence, ""},
		{"empty string is present", "host.empty", Scalar, ""},
		{"zero is present", "host.zero", Scalar, "0"},
		{"false is present", "host.off", Scalar, "false"},
		{"null is absent", "host.nothing", Absent, ""},
		{"missing leaf", "host.mac", Absent, ""},
		{"missing intermediate", "agent.name", Absent, ""},
		{"scalar intermediate", "host.name.first", Absent, ""},
		{"flattened key", "source.ip", Scalar, "192.168.1.5"},
		{"top level", "flat", Scalar, "top"},
		{"empty path", "", Absent, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Lookup(rec, tt.path)
			if v.Kind() != tt.kind {
				t.Fatalf("expected kind %d, got %d", tt.kind, v.Kind())
			}
			if got := v.String(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestLookup_EmptyRecord(t *testing.T) {
	if !Lookup(nil, "host.name").IsAbsent() {
		t.Error("nil record should yield Absent")
	}
	if !Lookup(Record{}, "host.name").IsAbsent() {
		t.Error("empty record should yield Absent")
	}
}

func TestNormalize(t *testing.T) {
	if got := Of([]any{"a", "b"}).Normalize().String(); got != "a" {
		t.Errorf("expected first element, got %q", got)
	}
	if !Of([]any{}).Normalize().IsAbsent() {
		t.Error("empty sequence should normalize to Absent")
	}
	if got := Of("x").Normalize().String(); got != "x" {
		t.Errorf("scalar should pass through, got %q", got)
	}
	if NormalizeValue([]any{}) != nil {
		t.Error("NormalizeValue of empty sequence should be nil")
	}
	if NormalizeValue(float64(3)) != float64(3) {
		t.Error("NormalizeValue should return scalars unchanged")
	}
}

func TestChain_FirstSkipsAbsentAndEmpty(t *testing.T) {
	rec := decode(t, `{"host": {"hostname": "", "name": ["srv-a"]}, "agent": {"name": "agent-1"}}`)

	chain := Paths("host.missing", "host.hostname", "host.name", "agent.name")
	v := chain.First(rec)
	if v.Kind() != Sequence {
		t.Fatalf("expected sequence from host.name, got kind %d", v.Kind())
	}
	if got := chain.FirstString(rec); got != "srv-a" {
		t.Errorf("expected srv-a, got %q", got)
	}

	if got := GetFirstString(rec, []string{"agent.name", "host.name"}); got != "agent-1" {
		t.Errorf("order should decide the winner, got %q", got)
	}
}

func TestGetNestedValue_Default(t *testing.T) {
	rec := decode(t, `{"process": {"pid": 0}}`)

	if got := GetNestedValue(rec, "process.pid", "def"); got != float64(0) {
		t.Errorf("zero should not fall back to default, got %v", got)
	}
	if got := GetNestedValue(rec, "process.name", "def"); got != "def" {
		t.Errorf("expected default, got %v", got)
	}
	if got := GetFirstValue(rec, []string{"a", "b"}, 42); got != 42 {
		t.Errorf("expected default, got %v", got)
	}
}

func TestValue_Numbers(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want int64
		ok   bool
	}{
		{"json number", json.Number("443"), 443, true},
		{"float", float64(8080), 8080, true},
		{"numeric string", "53", 53, true},
		{"junk string", "http", 0, false},
		{"bool", true, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Of(tt.in).Int64()
			if ok != tt.ok || got != tt.want {
				t.Errorf("expected (%d, %v), got (%d, %v)", tt.want, tt.ok, got, ok)
			}
		})
	}
}
