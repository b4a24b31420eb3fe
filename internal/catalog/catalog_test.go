package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"setarb/internal/upstream"
)

type fakeUpstream struct {
	index       []upstream.Set
	parts       map[string]upstream.Set
	setPartsErr error
	calls       int
}

func (f *fakeUpstream) ListSets(ctx context.Context) ([]upstream.Set, error) {
	return f.index, nil
}

func (f *fakeUpstream) SetParts(ctx context.Context, slug string) (upstream.Set, error) {
	f.calls++
	if f.setPartsErr != nil {
		return upstream.Set{}, f.setPartsErr
	}
	return f.parts[slug], nil
}

func TestRefreshIfStale_PopulatesFromEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")

	fake := &fakeUpstream{
		index: []upstream.Set{{Slug: "demo_set", Name: "Demo Set"}},
		parts: map[string]upstream.Set{
			"demo_set": {Slug: "demo_set", Parts: []upstream.PartQty{{Slug: "a", Qty: 1}, {Slug: "b", Qty: 2}}},
		},
	}
	c := New(path, fake)

	if err := c.RefreshIfStale(context.Background()); err != nil {
		t.Fatalf("RefreshIfStale: %v", err)
	}

	sets := c.Snapshot()
	if len(sets) != 1 || sets[0].Slug != "demo_set" || len(sets[0].Parts) != 2 {
		t.Fatalf("sets = %+v", sets)
	}
	if fake.calls != 1 {
		t.Errorf("SetParts called %d times, want 1", fake.calls)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected cache file at %s: %v", path, err)
	}
}

func TestRefreshIfStale_SkipsRefetchWhenHashUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")

	fake := &fakeUpstream{
		index: []upstream.Set{{Slug: "demo_set", Name: "Demo Set"}},
		parts: map[string]upstream.Set{
			"demo_set": {Slug: "demo_set", Parts: []upstream.PartQty{{Slug: "a", Qty: 1}}},
		},
	}
	c := New(path, fake)
	if err := c.RefreshIfStale(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if err := c.RefreshIfStale(context.Background()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}

	if fake.calls != 1 {
		t.Errorf("SetParts called %d times across two refreshes with unchanged index, want 1", fake.calls)
	}
}

func TestRefreshIfStale_RefetchesOnIndexChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")

	fake := &fakeUpstream{
		index: []upstream.Set{{Slug: "demo_set", Name: "Demo Set"}},
		parts: map[string]upstream.Set{
			"demo_set":  {Slug: "demo_set", Parts: []upstream.PartQty{{Slug: "a", Qty: 1}}},
			"other_set": {Slug: "other_set", Parts: []upstream.PartQty{{Slug: "c", Qty: 1}}},
		},
	}
	c := New(path, fake)
	if err := c.RefreshIfStale(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}

	fake.index = append(fake.index, upstream.Set{Slug: "other_set", Name: "Other Set"})
	if err := c.RefreshIfStale(context.Background()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}

	sets := c.Snapshot()
	if len(sets) != 2 {
		t.Fatalf("sets = %+v, want 2 after index change", sets)
	}
	if fake.calls != 3 {
		t.Errorf("SetParts called %d times, want 3 (1 + 2 after refetch)", fake.calls)
	}
}

func TestNew_TreatsCorruptFileAsAbsent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")
	if err := os.WriteFile(path, []byte("{not valid json"), 0o644); err != nil {
		t.Fatal(err)
	}

	fake := &fakeUpstream{}
	c := New(path, fake)
	sets := c.Snapshot()
	if len(sets) != 0 {
		t.Fatalf("sets = %+v, want empty snapshot from corrupt file", sets)
	}
}
