package domain

// SearchHit is one vector-store result: a fragment and its cosine
// similarity to the query, in [0,1] with higher meaning closer.
type SearchHit struct {
	Fragment   Fragment
	Similarity float64
}

// RankedResult is a search hit after second-pass scoring. RerankScore is on
// the remote scorer's scale (unbounded, higher = more relevant) unless
// IsFallback is set, in which case it is the clamped vector similarity in
// [0,1]. The two scales are not comparable; threshold filtering must branch
// on IsFallback.
type RankedResult struct {
	SearchHit
	RerankScore float64
	IsFallback  bool
}

// RerankItem is one entry of a remote reranker response: the index of the
// scored document in the submitted candidate list and its relevance score.
type RerankItem struct {
	Index          int
	RelevanceScore float64
}
