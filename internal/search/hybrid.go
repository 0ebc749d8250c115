package search

import (
	"fmt"
	"sort"

	"github.com/daemonphantom/BA-TUB-Bot/internal/graph"
)

// CandidateFactor is how many candidates each ranking contributes per
// requested result before merging.
const CandidateFactor = 3

// Hybrid merges keyword and semantic rankings of the same posts.
// keywordWeight: 0.0-1.0, weight for keyword results (e.g., 0.7 = 70% keyword, 30% semantic)
func Hybrid(keyword, semantic []graph.Hit, limit int, keywordWeight float64) ([]graph.Hit, error) {
	if keywordWeight < 0 || keywordWeight > 1 {
		return nil, fmt.Errorf("keywordWeight must be between 0 and 1")
	}
	semanticWeight := 1.0 - keywordWeight

	keywordScores := normalizeScores(keyword)
	semanticScores := normalizeScores(semantic)

	scoreMap := make(map[string]*graph.Hit, len(keyword)+len(semantic))

	for _, h := range keyword {
		h.Score = keywordScores[h.PostID] * keywordWeight
		scoreMap[h.PostID] = &h
	}

	// Semantic hits carry the full post; prefer their fields when both match.
	for _, h := range semantic {
		s := semanticScores[h.PostID] * semanticWeight
		if existing, found := scoreMap[h.PostID]; found {
			h.Score = existing.Score + s
		} else {
			h.Score = s
		}
		scoreMap[h.PostID] = &h
	}

	combined := make([]graph.Hit, 0, len(scoreMap))
	for _, h := range scoreMap {
		combined = append(combined, *h)
	}

	sort.Slice(combined, func(i, j int) bool {
		if combined[i].Score != combined[j].Score {
			return combined[i].Score > combined[j].Score
		}
		return combined[i].PostID < combined[j].PostID
	})

	if limit > 0 && len(combined) > limit {
		combined = combined[:limit]
	}
	return combined, nil
}

// normalizeScores normalizes result scores to 0-1 range
// Returns a map of ID -> normalized score
func normalizeScores(results []graph.Hit) map[string]float64 {
	if len(results) == 0 {
		return make(map[string]float64)
	}

	minScore := results[0].Score
	maxScore := results[0].Score
	for _, r := range results {
		if r.Score < minScore {
			minScore = r.Score
		}
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}

	normalized := make(map[string]float64, len(results))
	scoreRange := maxScore - minScore

	if scoreRange == 0 {
		// All scores are the same - assign 1.0 to all
		for _, r := range results {
			normalized[r.PostID] = 1.0
		}
	} else {
		for _, r := range results {
			normalized[r.PostID] = (r.Score - minScore) / scoreRange
		}
	}

	return normalized
}
