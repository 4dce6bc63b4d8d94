package user

import (
	"slices"
	"testing"
)

func TestDiffPartitionsKeys(t *testing.T) {
	old := map[string]string{"a": "1", "b": "2"}
	target := map[string]string{"a": "1", "b": "3", "c": "4"}

	d := Diff(old, target)
	if len(d.Added) != 1 || d.Added["c"] != "4" {
		t.Fatalf("unexpected added: %v", d.Added)
	}
	if len(d.Removed) != 0 {
		t.Fatalf("unexpected removed: %v", d.Removed)
	}
	if len(d.Changed) != 1 || d.Changed["b"] != (ValuePair{Old: "2", New: "3"}) {
		t.Fatalf("unexpected changed: %v", d.Changed)
	}
	if d.Empty() {
		t.Fatal("expected non-empty delta")
	}
}

func TestDiffRemovedAndEmpty(t *testing.T) {
	d := Diff(map[string]string{"x": "1"}, map[string]string{})
	if len(d.Removed) != 1 || d.Removed["x"] != "1" {
		t.Fatalf("unexpected removed: %v", d.Removed)
	}

	same := Diff(map[string]string{"x": "1"}, map[string]string{"x": "1"})
	if !same.Empty() {
		t.Fatalf("expected empty delta, got %+v", same)
	}

	if !Diff(nil, nil).Empty() {
		t.Fatal("expected empty delta for nil maps")
	}
}

func TestDiffAppliedReproducesTarget(t *testing.T) {
	old := map[string]string{"keep": "v", "drop": "x", "swap": "1"}
	target := map[string]string{"keep": "v", "swap": "2", "new": "n"}
	d := Diff(old, target)

	got := map[string]string{}
	for k, v := range old {
		got[k] = v
	}
	for k := range d.Removed {
		delete(got, k)
	}
	for k, v := range d.Added {
		got[k] = v
	}
	for k, p := range d.Changed {
		if got[k] != p.Old {
			t.Fatalf("old value mismatch for %s", k)
		}
		got[k] = p.New
	}
	if len(got) != len(target) {
		t.Fatalf("size mismatch: %v vs %v", got, target)
	}
	for k, v := range target {
		if got[k] != v {
			t.Fatalf("key %s: got %q want %q", k, got[k], v)
		}
	}
	if !slices.Equal(d.AddedNames(), []string{"new"}) || !slices.Equal(d.RemovedNames(), []string{"drop"}) || !slices.Equal(d.ChangedNames(), []string{"swap"}) {
		t.Fatalf("unexpected names: %v %v %v", d.AddedNames(), d.RemovedNames(), d.ChangedNames())
	}
}

func TestOnlyClientAttributes(t *testing.T) {
	cases := []struct {
		names []string
		want  bool
	}{
		{nil, false},
		{[]string{"client:lastSeen"}, true},
		{[]string{"client:a", "client:b"}, true},
		{[]string{"client:a", "attr_b"}, false},
	}
	for _, tc := range cases {
		if got := OnlyClientAttributes(tc.names); got != tc.want {
			t.Fatalf("OnlyClientAttributes(%v) = %v, want %v", tc.names, got, tc.want)
		}
	}
}
