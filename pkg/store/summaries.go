package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/engramdb/engram/pkg/kv"
)

// SaveSummaryNode upserts a summary node, keyed by its tree key. Saving a
// key that already exists overwrites the node; the ID is preserved from the
// existing row so references stay stable.
func (s *Store) SaveSummaryNode(ctx context.Context, n *SummaryNode) error {
	if n.Key == "" {
		return fmt.Errorf("store: save summary node: empty key")
	}
	prev, err := s.GetSummaryNode(ctx, n.Key)
	if err != nil {
		return err
	}
	if prev != nil {
		n.ID = prev.ID
	} else if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.LastUpdated == 0 {
		n.LastUpdated = NowNano()
	}
	return s.putRow(ctx, summaryKey(n.Key), n)
}

// GetSummaryNode returns the node for a tree key, or nil if absent.
func (s *Store) GetSummaryNode(ctx context.Context, treeKey string) (*SummaryNode, error) {
	return getRow[SummaryNode](ctx, s, summaryKey(treeKey))
}

// SummaryNodes returns every node in the tree, in key order.
func (s *Store) SummaryNodes(ctx context.Context) ([]*SummaryNode, error) {
	var out []*SummaryNode
	for entry, err := range s.db.List(ctx, kv.Key{prefixSummary}) {
		if err != nil {
			return nil, fmt.Errorf("store: summary scan: %w", err)
		}
		n := new(SummaryNode)
		if err := decodeInto(entry.Value, n); err != nil {
			return nil, fmt.Errorf("store: decode summary node: %w", err)
		}
		out = append(out, n)
	}
	return out, nil
}

// DeleteSummaryNode removes the node for a tree key.
func (s *Store) DeleteSummaryNode(ctx context.Context, treeKey string) error {
	if err := s.db.Delete(ctx, summaryKey(treeKey)); err != nil {
		return fmt.Errorf("store: delete summary node %q: %w", treeKey, err)
	}
	return nil
}
