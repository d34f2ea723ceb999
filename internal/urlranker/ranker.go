// Package urlranker deduplicates, scores, and orders candidate URLs (spec
// §4.7).
package urlranker

import (
	"net/url"
	"sort"
	"strings"

	"github.com/deepresearch/agent/internal/domain"
)

// Weights controls the relative contribution of each scoring term.
type Weights struct {
	Frequency      float64
	HostnameBoost  float64
	PathBoost      float64
	RerankerScore  float64
	BadHostPenalty float64
}

// DefaultWeights mirrors the teacher's reranker-leaning defaults. Of these,
// score applies Frequency, HostnameBoost, RerankerScore and BadHostPenalty;
// PathBoost is not applied, and SortSelectURLs passes a reranker score of
// 0, since vendor rerank scores are not kept on URL records.
var DefaultWeights = Weights{
	Frequency:      1.0,
	HostnameBoost:  2.0,
	PathBoost:      1.0,
	RerankerScore:  3.0,
	BadHostPenalty: 10.0,
}

// Ranker owns the canonicalized URL records for one session.
type Ranker struct {
	weights Weights

	boostHostnames map[string]bool
	badHostnames   map[string]bool
	onlyHostnames  map[string]bool

	records  map[string]*domain.URLRecord
	frequency map[string]int
}

// New creates a Ranker gated by the caller-supplied hostname lists.
func New(weights Weights, boost, bad, only []string) *Ranker {
	r := &Ranker{
		weights:        weights,
		boostHostnames: toSet(boost),
		badHostnames:   toSet(bad),
		onlyHostnames:  toSet(only),
		records:        make(map[string]*domain.URLRecord),
		frequency:      make(map[string]int),
	}
	return r
}

func toSet(list []string) map[string]bool {
	m := make(map[string]bool, len(list))
	for _, h := range list {
		m[strings.ToLower(h)] = true
	}
	return m
}

// Canonicalize strips fragments, lowercases the host, normalizes trailing
// slashes, and removes common tracking query parameters.
func Canonicalize(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)

	if u.RawQuery != "" {
		q := u.Query()
		for _, tracking := range []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content", "gclid", "fbclid", "ref"} {
			q.Del(tracking)
		}
		u.RawQuery = q.Encode()
	}

	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

// Merge adds or updates candidate URLs discovered at sourceStep, e.g. from a
// search result batch.
func (r *Ranker) Merge(sourceStep int, candidates []domain.URLRecord) {
	for _, c := range candidates {
		key := Canonicalize(c.URL)
		r.frequency[key]++

		if existing, ok := r.records[key]; ok {
			if existing.Snippet == "" {
				existing.Snippet = c.Snippet
			}
			continue
		}

		rec := c
		rec.URL = key
		if rec.VisitState == "" {
			rec.VisitState = domain.URLUnseen
		}
		rec.SourceStep = sourceStep
		r.records[key] = &rec
	}
}

// Get returns the record for a canonicalized URL, if known.
func (r *Ranker) Get(rawURL string) (*domain.URLRecord, bool) {
	rec, ok := r.records[Canonicalize(rawURL)]
	return rec, ok
}

// MarkVisited records successfully fetched content for a URL.
func (r *Ranker) MarkVisited(rawURL, content, title string) {
	key := Canonicalize(rawURL)
	rec, ok := r.records[key]
	if !ok {
		rec = &domain.URLRecord{URL: key}
		r.records[key] = rec
	}
	rec.VisitState = domain.URLVisited
	rec.Content = content
	if title != "" {
		rec.Title = title
	}
}

// MarkFailed records a failed fetch attempt and, on repeated failure for
// the same host, demotes the host's remaining candidates in the ranker.
func (r *Ranker) MarkFailed(rawURL, errMsg string) {
	key := Canonicalize(rawURL)
	rec, ok := r.records[key]
	if !ok {
		rec = &domain.URLRecord{URL: key}
		r.records[key] = rec
	}
	rec.VisitState = domain.URLFailed
	rec.LastError = errMsg

	host := hostOf(key)
	failures := 0
	for k, other := range r.records {
		if hostOf(k) == host && other.VisitState == domain.URLFailed {
			failures++
		}
	}
	if failures >= 2 {
		for k, other := range r.records {
			if hostOf(k) == host {
				other.BoostScore -= r.weights.BadHostPenalty
			}
		}
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// score computes a URL's rank: frequency times its weight, plus the
// record's BoostScore (lowered by host demotion), plus rerankerScore times
// its weight, plus HostnameBoost for a boosted host, minus BadHostPenalty
// for a bad host. There is no path-boost term.
func (r *Ranker) score(key string, rec *domain.URLRecord, rerankerScore float64) float64 {
	host := hostOf(key)

	score := float64(r.frequency[key])*r.weights.Frequency + rec.BoostScore
	score += rerankerScore * r.weights.RerankerScore

	if r.boostHostnames[host] {
		score += r.weights.HostnameBoost
	}
	if r.badHostnames[host] {
		score -= r.weights.BadHostPenalty
	}
	return score
}

// SortSelectURLs returns the top-k unvisited URLs by score, restricted to
// onlyHostnames when that allowlist is non-empty.
func (r *Ranker) SortSelectURLs(k int) []*domain.URLRecord {
	candidates := make([]*domain.URLRecord, 0, len(r.records))
	for key, rec := range r.records {
		if rec.VisitState == domain.URLVisited {
			continue
		}
		if len(r.onlyHostnames) > 0 && !r.onlyHostnames[hostOf(key)] {
			continue
		}
		candidates = append(candidates, rec)
	}

	sort.Slice(candidates, func(i, j int) bool {
		si := r.score(candidates[i].URL, candidates[i], 0)
		sj := r.score(candidates[j].URL, candidates[j], 0)
		if si != sj {
			return si > sj
		}
		return candidates[i].URL < candidates[j].URL
	})

	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// All returns every known URL record, visited or not.
func (r *Ranker) All() []*domain.URLRecord {
	out := make([]*domain.URLRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}
