package vecindex

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
)

// randomVectors produces n deterministic pseudo-random vectors.
func randomVectors(n, dim int, seed uint64) [][]float32 {
	rng := rand.New(rand.NewPCG(seed, seed^0xBEEF))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		out[i] = v
	}
	return out
}

func TestRecallExactDuplicate(t *testing.T) {
	const dim = 16
	idx := NewHNSW(Config{Dim: dim})

	vecs := randomVectors(100, dim, 42)
	for i, v := range vecs {
		if err := idx.Add(fmt.Sprintf("v%d", i+1), v); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	// A query identical to v37 must come back first with near-unit
	// similarity.
	matches, err := idx.Search(vecs[36], 1, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(matches))
	}
	if matches[0].ID != "v37" {
		t.Fatalf("top match = %s, want v37", matches[0].ID)
	}
	if matches[0].Similarity <= 0.999 {
		t.Fatalf("similarity = %f, want > 0.999", matches[0].Similarity)
	}
}

func TestAddDuplicateIsNoOp(t *testing.T) {
	idx := NewHNSW(Config{Dim: 4})

	if err := idx.Add("a", []float32{1, 0, 0, 0}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// Second insert under the same ID must not replace the vector.
	if err := idx.Add("a", []float32{0, 1, 0, 0}); err != nil {
		t.Fatalf("Add duplicate: %v", err)
	}
	if idx.Len() != 1 {
		t.Fatalf("Len = %d, want 1", idx.Len())
	}

	matches, err := idx.Search([]float32{1, 0, 0, 0}, 1, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if matches[0].Similarity < 0.999 {
		t.Fatalf("original vector was replaced: similarity = %f", matches[0].Similarity)
	}
}

func TestDimensionMismatch(t *testing.T) {
	idx := NewHNSW(Config{Dim: 4})
	if err := idx.Add("a", []float32{1, 2}); err == nil {
		t.Fatal("Add with wrong dimension should fail")
	}
	if _, err := idx.Search([]float32{1}, 1, nil); err == nil {
		t.Fatal("Search with wrong dimension should fail")
	}
}

func TestDeleteTombstones(t *testing.T) {
	const dim = 8
	idx := NewHNSW(Config{Dim: dim})
	vecs := randomVectors(20, dim, 7)
	for i, v := range vecs {
		if err := idx.Add(fmt.Sprintf("v%d", i), v); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	if err := idx.Delete("v3"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := idx.Delete("no-such-id"); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}

	if idx.Len() != 19 {
		t.Fatalf("Len = %d, want 19", idx.Len())
	}
	if idx.Tombstones() != 1 {
		t.Fatalf("Tombstones = %d, want 1", idx.Tombstones())
	}

	// The tombstoned vector must not surface even for its own query.
	matches, err := idx.Search(vecs[3], 20, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, m := range matches {
		if m.ID == "v3" {
			t.Fatal("deleted vector returned from search")
		}
	}
}

func TestSearchWithAllowList(t *testing.T) {
	const dim = 8
	idx := NewHNSW(Config{Dim: dim})
	vecs := randomVectors(50, dim, 11)
	for i, v := range vecs {
		if err := idx.Add(fmt.Sprintf("v%d", i), v); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	allow := map[string]bool{"v5": true, "v6": true, "v7": true}
	matches, err := idx.Search(vecs[0], 10, allow)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) == 0 || len(matches) > 3 {
		t.Fatalf("got %d matches, want 1..3", len(matches))
	}
	for _, m := range matches {
		if !allow[m.ID] {
			t.Fatalf("match %s not in allow list", m.ID)
		}
	}
}

func TestRebuildReclaimsTombstones(t *testing.T) {
	const dim = 8
	idx := NewHNSW(Config{Dim: dim})
	vecs := randomVectors(10, dim, 3)
	for i, v := range vecs {
		if err := idx.Add(fmt.Sprintf("v%d", i), v); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		idx.Delete(fmt.Sprintf("v%d", i))
	}
	if idx.Tombstones() != 5 {
		t.Fatalf("Tombstones = %d, want 5", idx.Tombstones())
	}

	err := idx.Rebuild(func(yield func(string, []float32) bool) {
		for i := 5; i < 10; i++ {
			if !yield(fmt.Sprintf("v%d", i), vecs[i]) {
				return
			}
		}
	})
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if idx.Len() != 5 || idx.Tombstones() != 0 {
		t.Fatalf("after rebuild: Len = %d, Tombstones = %d", idx.Len(), idx.Tombstones())
	}

	matches, err := idx.Search(vecs[7], 1, nil)
	if err != nil || len(matches) != 1 || matches[0].ID != "v7" {
		t.Fatalf("Search after rebuild = %v, %v", matches, err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	const dim = 12
	dir := t.TempDir()
	path := filepath.Join(dir, "index.bin")

	idx := NewHNSW(Config{Dim: dim, M: 8})
	vecs := randomVectors(40, dim, 99)
	for i, v := range vecs {
		if err := idx.Add(fmt.Sprintf("v%d", i), v); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	idx.Delete("v10")

	if err := idx.SaveFile(path); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}

	loaded := OpenFile(path, Config{Dim: dim, M: 8}, nil)
	if loaded.Len() != 39 {
		t.Fatalf("loaded Len = %d, want 39", loaded.Len())
	}
	if loaded.Tombstones() != 1 {
		t.Fatalf("loaded Tombstones = %d, want 1", loaded.Tombstones())
	}

	// Loaded index answers the same top result.
	want, err := idx.Search(vecs[25], 3, nil)
	if err != nil {
		t.Fatalf("Search original: %v", err)
	}
	got, err := loaded.Search(vecs[25], 3, nil)
	if err != nil {
		t.Fatalf("Search loaded: %v", err)
	}
	if len(got) == 0 || got[0].ID != want[0].ID {
		t.Fatalf("loaded top = %v, want %v", got, want)
	}
}

func TestOpenFileCorruptFallsBackEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.bin")
	if err := os.WriteFile(path, []byte("not an index"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	idx := OpenFile(path, Config{Dim: 8}, nil)
	if idx.Len() != 0 {
		t.Fatalf("corrupt file should yield empty index, Len = %d", idx.Len())
	}
	// Missing file likewise.
	idx = OpenFile(filepath.Join(dir, "absent.bin"), Config{Dim: 8}, nil)
	if idx.Len() != 0 {
		t.Fatalf("missing file should yield empty index, Len = %d", idx.Len())
	}
}

func TestFlatMatchesHNSWOrdering(t *testing.T) {
	const dim = 8
	hnsw := NewHNSW(Config{Dim: dim})
	flat := NewFlat(dim)

	vecs := randomVectors(30, dim, 5)
	for i, v := range vecs {
		id := fmt.Sprintf("v%d", i)
		if err := hnsw.Add(id, v); err != nil {
			t.Fatalf("hnsw Add: %v", err)
		}
		if err := flat.Add(id, v); err != nil {
			t.Fatalf("flat Add: %v", err)
		}
	}

	query := vecs[12]
	hm, err := hnsw.Search(query, 5, nil)
	if err != nil {
		t.Fatalf("hnsw Search: %v", err)
	}
	fm, err := flat.Search(query, 5, nil)
	if err != nil {
		t.Fatalf("flat Search: %v", err)
	}
	if hm[0].ID != fm[0].ID {
		t.Fatalf("top result differs: hnsw %s, flat %s", hm[0].ID, fm[0].ID)
	}
	if diff := hm[0].Similarity - fm[0].Similarity; diff > 1e-5 || diff < -1e-5 {
		t.Fatalf("similarity differs: hnsw %f, flat %f", hm[0].Similarity, fm[0].Similarity)
	}
}
