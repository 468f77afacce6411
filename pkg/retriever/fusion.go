package retriever

import (
	"sort"

	"github.com/adiwidjaja/nalar/pkg/databases"
)

// fused carries the reciprocal-rank-fusion score of one document plus the
// raw dense score kept around for tie-breaking.
type fused struct {
	result     databases.SearchResult
	score      float64
	denseScore float32
	hasDense   bool
}

// rankedHit is one entry of a per-collection ranking awaiting the federated
// merge, with the dense score kept for tie-breaking.
type rankedHit struct {
	hit        Hit
	denseScore float32
}

// federate merges per-collection rankings with reciprocal rank fusion over
// rank positions: a document at rank r in its collection scores 1/(k+r),
// rank starting at 1. Ties on the federated score break toward the higher
// dense score, then the lexically smaller ID.
func federate(rankings [][]rankedHit, k int) []Hit {
	var merged []rankedHit
	for _, ranking := range rankings {
		for rank := range ranking {
			ranking[rank].hit.Score = 1.0 / float64(k+rank+1)
			merged = append(merged, ranking[rank])
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].hit.Score != merged[j].hit.Score {
			return merged[i].hit.Score > merged[j].hit.Score
		}
		if merged[i].denseScore != merged[j].denseScore {
			return merged[i].denseScore > merged[j].denseScore
		}
		return merged[i].hit.ID < merged[j].hit.ID
	})

	hits := make([]Hit, 0, len(merged))
	for _, m := range merged {
		hits = append(hits, m.hit)
	}
	return hits
}

// fuseRRF merges two independently ranked lists with reciprocal rank fusion:
// each list contributes 1/(k+rank) per document, rank starting at 1. Either
// list may be empty, in which case fusion degenerates to the other ranking.
// Ties on the fused score break toward the higher dense score.
func fuseRRF(dense, sparse []databases.SearchResult, k int) []fused {
	merged := make(map[string]*fused, len(dense)+len(sparse))

	for rank, r := range dense {
		merged[r.ID] = &fused{
			result:     r,
			score:      1.0 / float64(k+rank+1),
			denseScore: r.Score,
			hasDense:   true,
		}
	}

	for rank, r := range sparse {
		contribution := 1.0 / float64(k+rank+1)
		if existing, ok := merged[r.ID]; ok {
			existing.score += contribution
			continue
		}
		merged[r.ID] = &fused{result: r, score: contribution}
	}

	out := make([]fused, 0, len(merged))
	for _, f := range merged {
		out = append(out, *f)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if out[i].denseScore != out[j].denseScore {
			return out[i].denseScore > out[j].denseScore
		}
		return out[i].result.ID < out[j].result.ID
	})
	return out
}
