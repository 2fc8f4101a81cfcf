package store

import (
	"fmt"
	"math"
	"strings"

	"github.com/engramdb/engram/pkg/kv"
)

// Key layout. Primary rows are msgpack; index keys carry the target ID in
// the final segment and an empty value, so a prefix scan alone yields IDs.
//
//	ev:{id}                           event row
//	ev_sess:{session}:{revTS}:{id}    session index, newest first
//	ev_pend:{ts}:{id}                 pending-extraction queue, oldest first
//	ev_emb:{revTS}:{id}               embedded events, newest first
//	ent:{id}                          entity row
//	ent_name:{type}:{norm}            name/alias lookup → value = id
//	edge:{id}                         edge row
//	edge_key:{src}:{tgt}:{relType}    unique-triple lookup → value = id
//	edge_src:{entityID}:{edgeID}      outgoing edges
//	edge_tgt:{entityID}:{edgeID}      incoming edges
//	fact:{id}                         fact row
//	fact_sub:{entityID}:{factID}      facts by subject
//	sum:{key}                         summary node row, keyed by tree key
//	learn:{id}                        learning row
//
// Session keys and tree keys contain ':' (e.g. "room:general"), which is
// why [kv.DefaultSeparator] is not ':'.

const (
	prefixEvent        = "ev"
	prefixEventSession = "ev_sess"
	prefixEventPending = "ev_pend"
	prefixEventEmbed   = "ev_emb"
	prefixEntity       = "ent"
	prefixEntityName   = "ent_name"
	prefixEdge         = "edge"
	prefixEdgeKey      = "edge_key"
	prefixEdgeSrc      = "edge_src"
	prefixEdgeTgt      = "edge_tgt"
	prefixFact         = "fact"
	prefixFactSubject  = "fact_sub"
	prefixSummary      = "sum"
	prefixLearning     = "learn"
)

// revTS maps a timestamp to a fixed-width decimal string that sorts in
// reverse: ascending key order walks newest rows first.
func revTS(ts int64) string {
	return fmt.Sprintf("%020d", math.MaxInt64-ts)
}

// fwdTS is the fixed-width forward form, oldest first.
func fwdTS(ts int64) string {
	return fmt.Sprintf("%020d", ts)
}

func eventKey(id string) kv.Key { return kv.Key{prefixEvent, id} }

func eventSessionKey(session string, ts int64, id string) kv.Key {
	return kv.Key{prefixEventSession, session, revTS(ts), id}
}

func eventPendingKey(ts int64, id string) kv.Key {
	return kv.Key{prefixEventPending, fwdTS(ts), id}
}

func eventEmbedKey(ts int64, id string) kv.Key {
	return kv.Key{prefixEventEmbed, revTS(ts), id}
}

func entityKey(id string) kv.Key { return kv.Key{prefixEntity, id} }

func entityNameKey(typ, norm string) kv.Key {
	return kv.Key{prefixEntityName, typ, norm}
}

func edgeKey(id string) kv.Key { return kv.Key{prefixEdge, id} }

func edgeTripleKey(src, tgt, relType string) kv.Key {
	return kv.Key{prefixEdgeKey, src, tgt, relType}
}

func edgeSrcKey(entityID, edgeID string) kv.Key {
	return kv.Key{prefixEdgeSrc, entityID, edgeID}
}

func edgeTgtKey(entityID, edgeID string) kv.Key {
	return kv.Key{prefixEdgeTgt, entityID, edgeID}
}

func factKey(id string) kv.Key { return kv.Key{prefixFact, id} }

func factSubjectKey(entityID, factID string) kv.Key {
	return kv.Key{prefixFactSubject, entityID, factID}
}

func summaryKey(treeKey string) kv.Key { return kv.Key{prefixSummary, treeKey} }

func learningKey(id string) kv.Key { return kv.Key{prefixLearning, id} }

// lastSegment returns the trailing segment of an index key, which by
// convention holds the row ID.
func lastSegment(k kv.Key) string {
	if len(k) == 0 {
		return ""
	}
	return k[len(k)-1]
}

// NormalizeName canonicalizes an entity name for index lookup and
// resolution: lowercase, honorific titles stripped, whitespace collapsed.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	fields := strings.Fields(name)
	for len(fields) > 1 {
		switch strings.TrimSuffix(fields[0], ".") {
		case "mr", "mrs", "ms", "dr", "prof":
			fields = fields[1:]
			continue
		}
		break
	}
	return strings.Join(fields, " ")
}
