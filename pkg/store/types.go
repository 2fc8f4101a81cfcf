// Package store is the Record Store: durable, append-mostly storage for
// events, entities, edges, facts, summary nodes, and learnings. It owns the
// on-disk layout (one Badger directory of msgpack rows plus secondary index
// keys) and every read/write path; the graph manager and summary tree
// read-modify-write through it and never hold authoritative copies.
//
// Read accessors signal "not found" with a nil result, never an error.
// Write accessors propagate storage failures — a lost write is a data-loss
// risk the caller must see.
package store

import (
	"sync/atomic"
	"time"
)

// ExtractionStatus tracks an event through the extraction state machine:
// pending → complete | failed, or skipped for events that carry nothing
// worth extracting.
type ExtractionStatus string

const (
	ExtractionPending  ExtractionStatus = "pending"
	ExtractionComplete ExtractionStatus = "complete"
	ExtractionSkipped  ExtractionStatus = "skipped"
	ExtractionFailed   ExtractionStatus = "failed"
)

// valid reports whether s is a known status value.
func (s ExtractionStatus) valid() bool {
	switch s {
	case ExtractionPending, ExtractionComplete, ExtractionSkipped, ExtractionFailed:
		return true
	}
	return false
}

// Event is one immutable interaction record. Content is append-only: after
// SaveEvent only the extraction status and the relevance/access fields ever
// change.
type Event struct {
	ID            string `msgpack:"id"`
	Timestamp     int64  `msgpack:"ts"` // unix nanoseconds
	Channel       string `msgpack:"channel,omitempty"`
	Direction     string `msgpack:"direction,omitempty"`
	EventType     string `msgpack:"event_type,omitempty"`
	Content       string `msgpack:"content"`
	SessionKey    string `msgpack:"session"`
	ParentEventID string `msgpack:"parent_id,omitempty"`
	PersonID      string `msgpack:"person_id,omitempty"`
	ToolName      string `msgpack:"tool,omitempty"`

	ExtractionStatus ExtractionStatus `msgpack:"xstatus"`

	// Embedding is the content vector packed as little-endian float32s
	// (length = dimension × 4); empty when the event was never embedded.
	Embedding []byte `msgpack:"emb,omitempty"`

	RelevanceScore float64        `msgpack:"relevance,omitempty"`
	LastAccessed   int64          `msgpack:"accessed,omitempty"`
	Metadata       map[string]any `msgpack:"meta,omitempty"`
}

// Entity is a graph node: a person, org, concept, or tool referenced across
// events. Name changes only through resolution or merge; EventCount is
// monotonically non-decreasing except on merge, where counts are summed.
type Entity struct {
	ID             string   `msgpack:"id"`
	Name           string   `msgpack:"name"`
	Type           string   `msgpack:"type"`
	Aliases        []string `msgpack:"aliases,omitempty"`
	Description    string   `msgpack:"desc,omitempty"`
	SourceEventIDs []string `msgpack:"events,omitempty"`
	EventCount     int      `msgpack:"event_count"`
	FirstSeen      int64    `msgpack:"first_seen"`
	LastSeen       int64    `msgpack:"last_seen"`

	// Embedding over name+aliases+facts, used for near-duplicate
	// discovery independent of name-string matching.
	Embedding []byte `msgpack:"emb,omitempty"`

	Metadata map[string]any `msgpack:"meta,omitempty"`
}

// Edge is a typed relationship between two entities. Strength only rises
// (capped at 1.0) through reinforcement; it never falls except through
// explicit decay elsewhere.
type Edge struct {
	ID             string   `msgpack:"id"`
	SourceEntityID string   `msgpack:"src"`
	TargetEntityID string   `msgpack:"tgt"`
	Relation       string   `msgpack:"relation,omitempty"`
	RelationType   string   `msgpack:"rel_type"`
	Strength       float64  `msgpack:"strength"`
	Confidence     float64  `msgpack:"confidence"`
	EvidenceCount  int      `msgpack:"evidence"`
	SourceEventIDs []string `msgpack:"events,omitempty"`
	FirstSeen      int64    `msgpack:"first_seen"`
	LastSeen       int64    `msgpack:"last_seen"`
}

// Fact is a subject–predicate–object assertion about an entity.
// Confidence is only raised by deduplication, never lowered; the
// ValidFrom/ValidTo window may only widen.
type Fact struct {
	ID              string  `msgpack:"id"`
	SubjectEntityID string  `msgpack:"subject"`
	Predicate       string  `msgpack:"predicate"`
	ObjectText      string  `msgpack:"object"`
	ObjectEntityID  string  `msgpack:"object_id,omitempty"`
	FactType        string  `msgpack:"fact_type,omitempty"`
	Confidence      float64 `msgpack:"confidence"`
	Strength        float64 `msgpack:"strength"`
	EvidenceCount   int     `msgpack:"evidence"`
	ValidFrom       int64   `msgpack:"valid_from,omitempty"`
	ValidTo         int64   `msgpack:"valid_to,omitempty"`

	SourceEventIDs []string `msgpack:"events,omitempty"`
	FirstSeen      int64    `msgpack:"first_seen"`
	LastSeen       int64    `msgpack:"last_seen"`
}

// Summary node types.
const (
	NodeRoot        = "root"
	NodeRoom        = "room"
	NodeEntity      = "entity"
	NodeTopic       = "topic"
	NodePreferences = "preferences"
)

// SummaryNode is cached pre-computed text for one tree key ("root",
// "room:<id>", "entity:<id>", "topic:<id>", "user_preferences"). Key is
// globally unique; EventsSinceUpdate resets to zero only on refresh.
type SummaryNode struct {
	ID                string `msgpack:"id"`
	NodeType          string `msgpack:"node_type"`
	Key               string `msgpack:"key"`
	ParentID          string `msgpack:"parent,omitempty"`
	Summary           string `msgpack:"summary,omitempty"`
	EventsSinceUpdate int    `msgpack:"stale"`
	LastUpdated       int64  `msgpack:"updated"`
}

// Learning is a decayable insight (a user preference, an observed pattern).
// RelevanceScore decays over time in maintenance; SupersededBy forms a
// singly-linked supersession chain.
type Learning struct {
	ID             string  `msgpack:"id"`
	Content        string  `msgpack:"content"`
	Source         string  `msgpack:"source,omitempty"`
	Sentiment      string  `msgpack:"sentiment,omitempty"`
	Confidence     float64 `msgpack:"confidence"`
	Recommendation string  `msgpack:"recommendation,omitempty"`
	RelevanceScore float64 `msgpack:"relevance"`
	TimesAccessed  int     `msgpack:"accessed_n"`
	LastAccessed   int64   `msgpack:"accessed"`
	SupersededBy   string  `msgpack:"superseded_by,omitempty"`
	CreatedAt      int64   `msgpack:"created"`
}

// lastNano keeps NowNano monotonic so that rapid saves never collide on
// timestamp-ordered index keys.
var lastNano atomic.Int64

// NowNano returns a monotonically increasing Unix nanosecond timestamp.
// A variable so tests can inject a fixed clock.
var NowNano = func() int64 {
	now := time.Now().UnixNano()
	for {
		old := lastNano.Load()
		next := now
		if next <= old {
			next = old + 1
		}
		if lastNano.CompareAndSwap(old, next) {
			return next
		}
	}
}
