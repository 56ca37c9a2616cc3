package search

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// LeadFilterKeys is the filter vocabulary for the lead search screen.
// Pagination travels through the same query mechanism.
var LeadFilterKeys = []string{
	"status", "priority", "safety", "min_value", "q", "page", "page_size",
}

// FilterState holds the current multi-field filter draft. The key set is
// fixed at construction; an empty string value means unset.
type FilterState struct {
	keys   []string
	values map[string]string
}

// NewFilterState builds a state with the given fixed key set.
func NewFilterState(keys ...string) *FilterState {
	ks := make([]string, len(keys))
	copy(ks, keys)
	values := make(map[string]string, len(keys))
	for _, k := range ks {
		values[k] = ""
	}
	return &FilterState{keys: ks, values: values}
}

// Set updates one filter field. Keys outside the fixed set are rejected.
func (s *FilterState) Set(key, value string) error {
	if _, ok := s.values[key]; !ok {
		return fmt.Errorf("unknown filter key %q", key)
	}
	s.values[key] = value
	return nil
}

// Get returns the current value for key, empty when unset or unknown.
func (s *FilterState) Get(key string) string {
	return s.values[key]
}

// Keys returns the fixed key set in construction order.
func (s *FilterState) Keys() []string {
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

// Query projects the state into its canonical SearchQuery. Two states
// with identical non-empty values always produce the same query
// regardless of edit order.
func (s *FilterState) Query() SearchQuery {
	pairs := make([]Pair, 0, len(s.values))
	for k, v := range s.values {
		if v == "" {
			continue
		}
		pairs = append(pairs, Pair{Key: k, Value: v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
	return SearchQuery{pairs: pairs}
}

// Pair is one key/value entry of a canonical query.
type Pair struct {
	Key   string
	Value string
}

// SearchQuery is the canonical, deterministically ordered projection of
// a FilterState: only non-empty entries, sorted by key. Its encoding is
// a pure function of the state, so it doubles as the wire payload and a
// cache/idempotence key.
type SearchQuery struct {
	pairs []Pair
}

// QueryFromMap builds a canonical query from a flat key/value map,
// dropping empty values.
func QueryFromMap(values map[string]string) SearchQuery {
	pairs := make([]Pair, 0, len(values))
	for k, v := range values {
		if v == "" {
			continue
		}
		pairs = append(pairs, Pair{Key: k, Value: v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
	return SearchQuery{pairs: pairs}
}

// Pairs returns the entries in canonical order.
func (q SearchQuery) Pairs() []Pair {
	out := make([]Pair, len(q.pairs))
	copy(out, q.pairs)
	return out
}

// Get returns the value for key, empty when absent.
func (q SearchQuery) Get(key string) string {
	for _, p := range q.pairs {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

// IsEmpty reports whether the query carries no entries.
func (q SearchQuery) IsEmpty() bool { return len(q.pairs) == 0 }

// Encode renders the query as a stable URL-encoded string.
func (q SearchQuery) Encode() string {
	var b strings.Builder
	for i, p := range q.pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}

// Values returns the query as a flat map for callers that do not care
// about ordering.
func (q SearchQuery) Values() map[string]string {
	out := make(map[string]string, len(q.pairs))
	for _, p := range q.pairs {
		out[p.Key] = p.Value
	}
	return out
}
