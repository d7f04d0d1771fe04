package id

import (
	"strings"
	"testing"
	"time"
)

func TestRequestIDPrefix(t *testing.T) {
	g := NewGenerator()

	rid := g.NewRequestID()
	if !strings.HasPrefix(rid.String(), "req_") {
		t.Errorf("Expected req_ prefix, got %s", rid)
	}
	if !IsValid(rid.String(), RequestPrefix) {
		t.Errorf("Expected %s to validate as a request id", rid)
	}
}

func TestUniqueness(t *testing.T) {
	g := NewGenerator()

	seen := make(map[RequestID]bool)
	for i := 0; i < 1000; i++ {
		rid := g.NewRequestID()
		if seen[rid] {
			t.Fatalf("Duplicate id generated: %s", rid)
		}
		seen[rid] = true
	}
}

func TestIsValidRejectsForeignPrefix(t *testing.T) {
	g := NewGenerator()

	ref := g.NewRefID()
	if IsValid(ref.String(), RequestPrefix) {
		t.Error("ref_ id should not validate as req_")
	}
	if IsValid("not-an-id", RefPrefix) {
		t.Error("garbage should not validate")
	}
	if IsValid("req_zzz", RequestPrefix) {
		t.Error("invalid ULID body should not validate")
	}
}

func TestTimestamp(t *testing.T) {
	g := NewGenerator()

	before := time.Now().Add(-time.Second)
	rid := g.NewRequestID()
	after := time.Now().Add(time.Second)

	ts, err := Timestamp(rid.String(), RequestPrefix)
	if err != nil {
		t.Fatalf("Timestamp failed: %v", err)
	}
	if ts.Before(before) || ts.After(after) {
		t.Errorf("Timestamp %v outside expected window [%v, %v]", ts, before, after)
	}
}

func TestTimestampWrongPrefix(t *testing.T) {
	g := NewGenerator()

	if _, err := Timestamp(g.NewRefID().String(), RuleSetPrefix); err == nil {
		t.Error("Expected error for mismatched prefix")
	}
}
