// Package maintain runs the engine's background work: draining the
// extraction queue into the knowledge graph, refreshing stale summaries,
// decaying learnings, and compacting the vector index. All of it happens in
// idle time — the loop checks an activity tracker and stands down whenever
// the user is mid-conversation, because maintenance contends for the same
// write lock the foreground needs.
//
// Maintenance errors never escape the loop. A failed extraction marks its
// event failed and moves on; a failed summary refresh leaves the node stale
// for the next pass. The loop itself only exits with its context.
package maintain

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/engramdb/engram/pkg/store"
)

// Activity tracks when the engine last saw foreground work. Safe for
// concurrent use.
type Activity struct {
	last atomic.Int64
}

// NewActivity creates a tracker that starts active (now), so maintenance
// never fires immediately on startup.
func NewActivity() *Activity {
	a := &Activity{}
	a.Mark()
	return a
}

// Mark records foreground activity.
func (a *Activity) Mark() {
	a.last.Store(time.Now().UnixNano())
}

// QuietFor reports whether no activity was seen within the window.
func (a *Activity) QuietFor(window time.Duration) bool {
	return time.Since(time.Unix(0, a.last.Load())) >= window
}

// Active reports whether foreground activity was seen within the window.
func (a *Activity) Active(window time.Duration) bool {
	return !a.QuietFor(window)
}

// Extraction is what an [Extractor] distills from one event. Names are
// resolved to entities by the maintenance loop, so extractors only deal in
// surface forms.
type Extraction struct {
	Entities  []ExtractedEntity
	Edges     []ExtractedEdge
	Facts     []ExtractedFact
	Learnings []*store.Learning

	// Skip marks the event as carrying nothing extractable.
	Skip bool
}

// ExtractedEntity is one entity mention.
type ExtractedEntity struct {
	Name string
	Type string
}

// ExtractedEdge is one relationship between two mentions.
type ExtractedEdge struct {
	Source     ExtractedEntity
	Target     ExtractedEntity
	Relation   string
	RelType    string
	Confidence float64
}

// ExtractedFact is one assertion about a mention.
type ExtractedFact struct {
	Subject    ExtractedEntity
	Predicate  string
	Object     string
	Confidence float64
}

// Extractor distills knowledge from an event. Implementations typically
// call a language model; the loop treats them as fallible and slow, and
// never invokes them while holding the engine write lock.
type Extractor interface {
	Extract(ctx context.Context, ev *store.Event) (*Extraction, error)
}

// ExtractorFunc adapts a function to the [Extractor] interface.
type ExtractorFunc func(ctx context.Context, ev *store.Event) (*Extraction, error)

func (f ExtractorFunc) Extract(ctx context.Context, ev *store.Event) (*Extraction, error) {
	return f(ctx, ev)
}
