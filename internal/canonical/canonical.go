// Package canonical clusters accepted duplicate edges into connected
// components and deterministically selects one canonical item per cluster.
package canonical

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/dupcanon/dupcanon/internal/store"
	"github.com/dupcanon/dupcanon/internal/types"
)

// Cluster is one resolved connected component. Members are sorted by item id;
// the filter flags record which selection filters actually narrowed the
// candidate pool.
type Cluster struct {
	CanonicalItemID    int64   `json:"canonical_item_id"`
	CanonicalNumber    int     `json:"canonical_number"`
	MemberItemIDs      []int64 `json:"member_item_ids"`
	OpenFiltered       bool    `json:"open_filtered"`
	EnglishFiltered    bool    `json:"english_filtered"`
	MaintainerFiltered bool    `json:"maintainer_filtered"`
}

// Stats summarizes one canonicalization pass.
type Stats struct {
	Edges               int `json:"edges"`
	Clusters            int `json:"clusters"`
	ClusteredItems      int `json:"clustered_items"`
	OpenPreferred       int `json:"open_preferred"`
	EnglishPreferred    int `json:"english_preferred"`
	MaintainerPreferred int `json:"maintainer_preferred"`
	Failed              int `json:"failed"`
}

// Service computes duplicate clusters for a repo/type.
type Service struct {
	Store  store.Store
	Logger zerolog.Logger
}

// Run loads accepted edges and node metadata, then resolves every component.
// Per-component failures are isolated and counted.
func (s *Service) Run(ctx context.Context, repoID int64, itemType types.ItemType, maintainers map[string]bool) ([]Cluster, Stats, error) {
	edges, err := s.Store.ListAcceptedEdges(ctx, repoID, itemType)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("list accepted edges: %w", err)
	}
	nodes, err := s.Store.ListCanonicalNodes(ctx, repoID, itemType)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("list canonical nodes: %w", err)
	}
	byID := make(map[int64]types.CanonicalNode, len(nodes))
	for _, n := range nodes {
		byID[n.ItemID] = n
	}

	components := ComponentsFromEdges(edges)
	stats := Stats{Edges: len(edges)}
	clusters := make([]Cluster, 0, len(components))

	for _, memberIDs := range components {
		members := make([]types.CanonicalNode, 0, len(memberIDs))
		for _, id := range memberIDs {
			node, ok := byID[id]
			if !ok {
				s.Logger.Error().
					Int64("item_id", id).
					Msg("cluster member missing from node metadata")
				stats.Failed++
				members = nil
				break
			}
			members = append(members, node)
		}
		if members == nil {
			continue
		}

		selection := SelectCanonical(members, itemType, maintainers)
		cluster := Cluster{
			CanonicalItemID:    selection.Node.ItemID,
			CanonicalNumber:    selection.Node.Number,
			MemberItemIDs:      memberIDs,
			OpenFiltered:       selection.OpenFiltered,
			EnglishFiltered:    selection.EnglishFiltered,
			MaintainerFiltered: selection.MaintainerFiltered,
		}
		clusters = append(clusters, cluster)

		stats.Clusters++
		stats.ClusteredItems += len(memberIDs)
		if selection.OpenFiltered {
			stats.OpenPreferred++
		}
		if selection.EnglishFiltered {
			stats.EnglishPreferred++
		}
		if selection.MaintainerFiltered {
			stats.MaintainerPreferred++
		}
	}

	s.Logger.Info().
		Int("edges", stats.Edges).
		Int("clusters", stats.Clusters).
		Int("clustered_items", stats.ClusteredItems).
		Int("failed", stats.Failed).
		Msg("canonicalization complete")
	return clusters, stats, nil
}

// ComponentsFromEdges groups item ids into connected components, treating
// edges as undirected. Each component's member list is sorted ascending and
// components are ordered by their smallest member id, so output is
// deterministic regardless of edge order.
func ComponentsFromEdges(edges []types.Edge) [][]int64 {
	adjacency := make(map[int64][]int64)
	for _, e := range edges {
		adjacency[e.FromItemID] = append(adjacency[e.FromItemID], e.ToItemID)
		adjacency[e.ToItemID] = append(adjacency[e.ToItemID], e.FromItemID)
	}

	ids := make([]int64, 0, len(adjacency))
	for id := range adjacency {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	visited := make(map[int64]bool, len(ids))
	var components [][]int64
	for _, start := range ids {
		if visited[start] {
			continue
		}
		var component []int64
		stack := []int64{start}
		visited[start] = true
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			component = append(component, id)
			for _, next := range adjacency[id] {
				if !visited[next] {
					visited[next] = true
					stack = append(stack, next)
				}
			}
		}
		sort.Slice(component, func(i, j int) bool { return component[i] < component[j] })
		components = append(components, component)
	}
	return components
}

// Selection is the result of canonical selection over one cluster.
type Selection struct {
	Node               types.CanonicalNode
	OpenFiltered       bool
	EnglishFiltered    bool
	MaintainerFiltered bool
}

// SelectCanonical picks the canonical member of a cluster. Filters apply in
// order and each is skipped when no member qualifies: open members, likely
// English text, maintainer-authored. Among the survivors the winner maximizes
// activity score, breaking ties by earliest creation (missing timestamps sort
// last) and finally by lowest item number.
func SelectCanonical(members []types.CanonicalNode, itemType types.ItemType, maintainers map[string]bool) Selection {
	pool := members
	var sel Selection

	if open := filterNodes(pool, func(n types.CanonicalNode) bool {
		return n.State == types.ItemStateOpen
	}); len(open) > 0 {
		sel.OpenFiltered = len(open) < len(pool)
		pool = open
	}

	if english := filterNodes(pool, func(n types.CanonicalNode) bool {
		return LikelyEnglish(n.Title + "\n" + n.Body)
	}); len(english) > 0 {
		sel.EnglishFiltered = len(english) < len(pool)
		pool = english
	}

	if len(maintainers) > 0 {
		if maintained := filterNodes(pool, func(n types.CanonicalNode) bool {
			return maintainers[strings.ToLower(n.AuthorLogin)]
		}); len(maintained) > 0 {
			sel.MaintainerFiltered = len(maintained) < len(pool)
			pool = maintained
		}
	}

	best := pool[0]
	for _, n := range pool[1:] {
		if lessCanonical(n, best, itemType) {
			best = n
		}
	}
	sel.Node = best
	return sel
}

func lessCanonical(a, b types.CanonicalNode, itemType types.ItemType) bool {
	scoreA, scoreB := types.ActivityScore(a, itemType), types.ActivityScore(b, itemType)
	if scoreA != scoreB {
		return scoreA > scoreB
	}
	createdA, createdB := createdOrMax(a.CreatedAt), createdOrMax(b.CreatedAt)
	if !createdA.Equal(createdB) {
		return createdA.Before(createdB)
	}
	return a.Number < b.Number
}

func createdOrMax(t *time.Time) time.Time {
	if t == nil {
		return time.Unix(1<<62-1, 0)
	}
	return *t
}

func filterNodes(nodes []types.CanonicalNode, keep func(types.CanonicalNode) bool) []types.CanonicalNode {
	var out []types.CanonicalNode
	for _, n := range nodes {
		if keep(n) {
			out = append(out, n)
		}
	}
	return out
}

// englishStopwords is the fixed word list the likely-English heuristic
// requires at least one hit from.
var englishStopwords = []string{
	"the", "and", "is", "are", "was", "were", "this", "that", "with",
	"when", "where", "what", "how", "not", "for", "but", "have", "has",
	"does", "should", "would", "can", "cannot", "error", "issue",
}

// LikelyEnglish reports whether text reads as English: at least 60% of its
// letters are Latin and at least one common English stopword appears.
func LikelyEnglish(text string) bool {
	normalized := types.NormalizeText(text)
	if normalized == "" {
		return false
	}

	letters, latin := 0, 0
	for _, r := range normalized {
		if unicode.IsLetter(r) {
			letters++
			if r < 128 || unicode.Is(unicode.Latin, r) {
				latin++
			}
		}
	}
	if letters == 0 || float64(latin)/float64(letters) < 0.60 {
		return false
	}

	words := strings.Fields(strings.ToLower(normalized))
	wordSet := make(map[string]bool, len(words))
	for _, w := range words {
		wordSet[strings.Trim(w, ".,!?;:()[]\"'`")] = true
	}
	for _, stopword := range englishStopwords {
		if wordSet[stopword] {
			return true
		}
	}
	return false
}
