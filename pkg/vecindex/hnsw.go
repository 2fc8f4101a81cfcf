package vecindex

import (
	"container/heap"
	"iter"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
)

// distItem pairs an internal node handle with its distance to a query.
type distItem struct {
	handle uint32
	dist   float32
}

// minDistHeap orders by ascending distance (closest first).
type minDistHeap []distItem

func (h minDistHeap) Len() int           { return len(h) }
func (h minDistHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h minDistHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minDistHeap) Push(x any)        { *h = append(*h, x.(distItem)) }
func (h *minDistHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// maxDistHeap orders by descending distance (farthest first).
type maxDistHeap []distItem

func (h maxDistHeap) Len() int           { return len(h) }
func (h maxDistHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h maxDistHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxDistHeap) Push(x any)        { *h = append(*h, x.(distItem)) }
func (h *maxDistHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// node is a single vector in the graph. A tombstoned node keeps its vector
// and links so the graph stays navigable, but never appears in results.
type node struct {
	id      string
	vec     []float32
	level   int
	links   [][]uint32 // links[layer] = neighbor handles at that layer
	dead    bool
}

// HNSW is a hierarchical navigable-small-world index over cosine distance.
// Vectors are L2-normalized on insertion, so the index's native metric
// doubles as cosine distance.
//
// All methods are safe for concurrent use, but callers that interleave
// writes with searches across multiple goroutines should serialize through
// the engine's write lock: the internal mutex protects memory safety, not
// cross-call consistency.
type HNSW struct {
	mu        sync.RWMutex
	cfg       Config
	nodes     []*node
	handles   map[string]uint32 // external ID → handle
	entry     int32             // entry-point handle; -1 if empty
	maxLevel  int
	live      int // nodes reachable through handles
	dead      int // tombstoned slots awaiting Rebuild
	levelMul  float64
}

var _ Searcher = (*HNSW)(nil)

// NewHNSW creates an empty index. Panics if cfg.Dim is not positive.
func NewHNSW(cfg Config) *HNSW {
	if cfg.Dim <= 0 {
		panic("vecindex: Config.Dim must be positive")
	}
	cfg.setDefaults()
	return &HNSW{
		cfg:      cfg,
		handles:  make(map[string]uint32),
		entry:    -1,
		levelMul: 1.0 / math.Log(float64(cfg.M)),
	}
}

// Dim returns the configured vector dimension.
func (h *HNSW) Dim() int { return h.cfg.Dim }

// SetEfSearch adjusts the query-time candidate list size.
func (h *HNSW) SetEfSearch(ef int) {
	h.mu.Lock()
	h.cfg.EfSearch = ef
	h.mu.Unlock()
}

// Len returns the number of live vectors.
func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.live
}

// Tombstones returns the number of dead graph slots. The ratio of
// Tombstones to total slots drives automatic rebuilds in maintenance.
func (h *HNSW) Tombstones() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dead
}

// Add inserts a vector under the given external ID, normalizing it first.
// Adding an ID that is already present is a no-op.
func (h *HNSW) Add(id string, vec []float32) error {
	if err := checkDim(len(vec), h.cfg.Dim); err != nil {
		return err
	}
	v := normalizedCopy(vec)

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.handles[id]; ok {
		return nil
	}
	h.insertLocked(id, v)
	return nil
}

// AddBatch inserts multiple vectors. ids and vecs must have equal length.
func (h *HNSW) AddBatch(ids []string, vecs [][]float32) error {
	if len(ids) != len(vecs) {
		return errLengthMismatch(len(ids), len(vecs))
	}
	for i, id := range ids {
		if err := h.Add(id, vecs[i]); err != nil {
			return err
		}
	}
	return nil
}

// insertLocked wires a pre-normalized vector into the graph.
// Caller must hold h.mu for writing.
func (h *HNSW) insertLocked(id string, v []float32) {
	handle := uint32(len(h.nodes))
	level := h.randomLevel()
	nd := &node{
		id:    id,
		vec:   v,
		level: level,
		links: make([][]uint32, level+1),
	}
	h.nodes = append(h.nodes, nd)
	h.handles[id] = handle
	h.live++

	if h.entry < 0 {
		h.entry = int32(handle)
		h.maxLevel = level
		return
	}

	// Greedy descent from the top layer down to level+1, tracking only the
	// single closest node per layer.
	cur := uint32(h.entry)
	curDist := cosineDistance(v, h.nodes[cur].vec)
	for lev := h.maxLevel; lev > level; lev-- {
		changed := true
		for changed {
			changed = false
			cn := h.nodes[cur]
			if lev >= len(cn.links) {
				break
			}
			for _, fh := range cn.links[lev] {
				d := cosineDistance(v, h.nodes[fh].vec)
				if d < curDist {
					cur, curDist = fh, d
					changed = true
				}
			}
		}
	}

	// Beam search + bidirectional connect from min(level, maxLevel) to 0.
	top := min(level, h.maxLevel)
	ep := []uint32{cur}
	for lev := top; lev >= 0; lev-- {
		candidates := h.searchLayer(v, ep, h.cfg.EfConstruction, lev)

		maxC := h.cfg.maxConns(lev)
		neighbors := h.closest(v, candidates, maxC)
		nd.links[lev] = neighbors

		for _, nh := range neighbors {
			nn := h.nodes[nh]
			if lev >= len(nn.links) {
				continue
			}
			nn.links[lev] = append(nn.links[lev], handle)
			if len(nn.links[lev]) > maxC {
				nn.links[lev] = h.closest(nn.vec, nn.links[lev], maxC)
			}
		}
		ep = candidates
	}

	if level > h.maxLevel {
		h.entry = int32(handle)
		h.maxLevel = level
	}
}

// Search returns up to k matches by descending similarity. When an allow
// set is given, the beam is widened by its size before filtering so that
// filtered-out neighbors do not starve the result list.
func (h *HNSW) Search(query []float32, k int, allow map[string]bool) ([]Match, error) {
	if err := checkDim(len(query), h.cfg.Dim); err != nil {
		return nil, err
	}
	q := normalizedCopy(query)

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.live == 0 || k <= 0 {
		return nil, nil
	}

	fetch := k + len(allow)
	ef := h.cfg.EfSearch
	if ef < fetch {
		ef = fetch
	}
	// Tombstoned nodes occupy beam slots but never surface; widen the beam
	// so results are not starved right after heavy deletion.
	if h.dead > 0 {
		ef += min(h.dead, ef)
	}

	// Greedy descent to layer 1.
	cur := uint32(h.entry)
	curDist := cosineDistance(q, h.nodes[cur].vec)
	for lev := h.maxLevel; lev > 0; lev-- {
		changed := true
		for changed {
			changed = false
			nd := h.nodes[cur]
			if lev >= len(nd.links) {
				break
			}
			for _, fh := range nd.links[lev] {
				d := cosineDistance(q, h.nodes[fh].vec)
				if d < curDist {
					cur, curDist = fh, d
					changed = true
				}
			}
		}
	}

	// Beam search at layer 0, then score live candidates.
	candidates := h.searchLayer(q, []uint32{cur}, ef, 0)

	type scored struct {
		id   string
		dist float32
	}
	results := make([]scored, 0, len(candidates))
	for _, ch := range candidates {
		nd := h.nodes[ch]
		if nd.dead {
			continue
		}
		if allow != nil && !allow[nd.id] {
			continue
		}
		results = append(results, scored{id: nd.id, dist: cosineDistance(q, nd.vec)})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].dist < results[j].dist
	})
	if len(results) > k {
		results = results[:k]
	}

	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{ID: r.id, Similarity: 1 - r.dist}
	}
	return matches, nil
}

// Delete tombstones the vector for an external ID. The graph slot is not
// freed; Rebuild is the only compaction path.
func (h *HNSW) Delete(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	handle, ok := h.handles[id]
	if !ok {
		return nil
	}
	delete(h.handles, id)
	h.nodes[handle].dead = true
	h.live--
	h.dead++
	return nil
}

// Rebuild discards the entire graph and bulk re-inserts from items. This is
// the only way to reclaim tombstoned slots. The iterator is consumed fully;
// an insertion error aborts the rebuild with the index already reset.
func (h *HNSW) Rebuild(items iter.Seq2[string, []float32]) error {
	h.mu.Lock()
	h.nodes = nil
	h.handles = make(map[string]uint32)
	h.entry = -1
	h.maxLevel = 0
	h.live = 0
	h.dead = 0
	h.mu.Unlock()

	for id, vec := range items {
		if err := h.Add(id, vec); err != nil {
			return err
		}
	}
	return nil
}

// randomLevel draws a layer from the exponential level distribution:
// P(level >= l) = exp(-l * ln(M)).
func (h *HNSW) randomLevel() int {
	r := max(rand.Float64(), math.SmallestNonzeroFloat64)
	level := int(-math.Log(r) * h.levelMul)
	if level > 31 {
		level = 31
	}
	return level
}

// searchLayer runs a beam search on one layer from the given entry points,
// returning up to ef handles closest to the query. Tombstoned nodes are
// traversed (they keep the graph connected) and filtered by the caller.
func (h *HNSW) searchLayer(query []float32, entryPoints []uint32, ef, layer int) []uint32 {
	visited := make(map[uint32]struct{}, ef*2)

	var candidates minDistHeap
	var results maxDistHeap

	for _, ep := range entryPoints {
		visited[ep] = struct{}{}
		d := cosineDistance(query, h.nodes[ep].vec)
		heap.Push(&candidates, distItem{handle: ep, dist: d})
		heap.Push(&results, distItem{handle: ep, dist: d})
	}

	for candidates.Len() > 0 {
		closest := heap.Pop(&candidates).(distItem)
		if results.Len() >= ef && closest.dist > results[0].dist {
			break
		}
		nd := h.nodes[closest.handle]
		if layer >= len(nd.links) {
			continue
		}
		for _, fh := range nd.links[layer] {
			if _, seen := visited[fh]; seen {
				continue
			}
			visited[fh] = struct{}{}
			d := cosineDistance(query, h.nodes[fh].vec)
			if results.Len() < ef || d < results[0].dist {
				heap.Push(&candidates, distItem{handle: fh, dist: d})
				heap.Push(&results, distItem{handle: fh, dist: d})
				if results.Len() > ef {
					heap.Pop(&results)
				}
			}
		}
	}

	out := make([]uint32, results.Len())
	for i := range out {
		out[i] = results[i].handle
	}
	return out
}

// closest returns up to maxN handles from candidates nearest to query.
func (h *HNSW) closest(query []float32, candidates []uint32, maxN int) []uint32 {
	if len(candidates) <= maxN {
		out := make([]uint32, len(candidates))
		copy(out, candidates)
		return out
	}
	type scored struct {
		handle uint32
		dist   float32
	}
	items := make([]scored, len(candidates))
	for i, ch := range candidates {
		items[i] = scored{handle: ch, dist: cosineDistance(query, h.nodes[ch].vec)}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].dist < items[j].dist
	})
	items = items[:maxN]
	out := make([]uint32, len(items))
	for i := range items {
		out[i] = items[i].handle
	}
	return out
}
