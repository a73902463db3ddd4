package models

// OpResult is the per-candidate outcome of an Add call. NOOPs are
// reported for observability even though they write nothing.
type OpResult struct {
	ID       string   `json:"id,omitempty"`
	Event    MemoryOp `json:"event"`
	Text     string   `json:"text,omitempty"`
	PrevText string   `json:"previous_text,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// AddResult is the response of Engine.Add. Results always lists the
// operations that did succeed, even when the call failed part way.
type AddResult struct {
	Results             []OpResult    `json:"results"`
	Relations           *Neighborhood `json:"relations,omitempty"`
	PartialGraphFailure bool          `json:"partial_graph_failure,omitempty"`
}

// SearchHit is one scored memory returned by Engine.Search.
type SearchHit struct {
	ID        string                 `json:"id"`
	Text      string                 `json:"text"`
	Score     float64                `json:"score"`
	State     MemoryState            `json:"state"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt string                 `json:"created_at,omitempty"`
}

// SearchResult is the response of Engine.Search.
type SearchResult struct {
	Memories  []SearchHit   `json:"memories"`
	Relations *Neighborhood `json:"relations,omitempty"`
}

// MemoryPage is one page of a List call, ordered by
// (created_at desc, id asc).
type MemoryPage struct {
	Items []*Memory `json:"items"`
	Page  int       `json:"page"`
	Size  int       `json:"size"`
	Total int       `json:"total"`
}
