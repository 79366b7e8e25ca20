// Package rank orders deduplicated articles by a weighted sum of six
// component scores: relevance, recency, citation impact, source authority,
// full-text availability, and clinical specificity. Strategies shift the
// weights; the component semantics never change.
package rank

import (
	"math"
	"sort"
	"time"

	"github.com/scholium/scholium/article"
	"github.com/scholium/scholium/query"
	"github.com/scholium/scholium/scherr"
)

// Strategy names a weight vector.
type Strategy string

const (
	StrategyRelevance Strategy = "relevance"
	StrategyRecent    Strategy = "recent"
	StrategyMostCited Strategy = "most-cited"
	StrategyQuality   Strategy = "quality"
	StrategyImpact    Strategy = "impact"
	StrategyBalanced  Strategy = "balanced"
)

// Breakdown component indexes.
const (
	Relevance = iota
	Recency
	Citation
	Authority
	Availability
	Specificity
)

// strategyWeights maps each strategy to its component weights in breakdown
// order. Each vector sums to 1.
var strategyWeights = map[Strategy][6]float64{
	StrategyBalanced:  {0.35, 0.15, 0.20, 0.10, 0.10, 0.10},
	StrategyRelevance: {0.60, 0.10, 0.10, 0.05, 0.05, 0.10},
	StrategyRecent:    {0.25, 0.45, 0.10, 0.05, 0.05, 0.10},
	StrategyMostCited: {0.20, 0.05, 0.50, 0.05, 0.10, 0.10},
	StrategyQuality:   {0.25, 0.10, 0.15, 0.30, 0.10, 0.10},
	StrategyImpact:    {0.20, 0.10, 0.35, 0.15, 0.10, 0.10},
}

// ParseStrategy validates a strategy name. The empty string selects
// balanced.
func ParseStrategy(s string) (Strategy, error) {
	if s == "" {
		return StrategyBalanced, nil
	}
	strat := Strategy(s)
	if _, ok := strategyWeights[strat]; !ok {
		return "", scherr.Newf(scherr.InvalidInput, "unknown ranking strategy %q", s)
	}
	return strat, nil
}

// Strategies lists the known strategy names, balanced first.
func Strategies() []Strategy {
	return []Strategy{StrategyBalanced, StrategyRelevance, StrategyRecent, StrategyMostCited, StrategyQuality, StrategyImpact}
}

// Scored pairs an article with its total score and per-component breakdown.
type Scored struct {
	Article   article.UnifiedArticle
	Score     float64
	Breakdown [6]float64
}

type config struct {
	now         time.Time
	unsupported map[string][]string
}

// Option adjusts ranking inputs.
type Option func(*config)

// WithNow fixes the clock used by the recency component.
func WithNow(now time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithUnsupportedFilters records, per source, the query filters that source
// could not translate. Provenance relevance scores from such sources are
// discounted by 10% per unsupported filter, floored at 50%.
func WithUnsupportedFilters(m map[string][]string) Option {
	return func(c *config) { c.unsupported = m }
}

// Rank scores and orders arts for q under the given strategy. The result is
// a permutation of the input: descending score, ties broken by ascending
// BestID. An unknown or empty strategy falls back to balanced.
func Rank(arts []article.UnifiedArticle, q query.Query, strat Strategy, opts ...Option) []Scored {
	cfg := config{now: time.Now()}
	for _, o := range opts {
		o(&cfg)
	}
	w := weightsFor(strat, q.Clinical != nil)

	maxCite := 0
	for i := range arts {
		if c := arts[i].CitationCount; c != nil && *c > maxCite {
			maxCite = *c
		}
	}
	qTokens := queryTokens(q)
	parts := clinicalPartTokens(q.Clinical)

	out := make([]Scored, len(arts))
	for i := range arts {
		a := &arts[i]
		title := newTokenSet(a.Title)
		abstract := newTokenSet(a.Abstract)
		var b [6]float64
		b[Relevance] = cfg.relevance(a, qTokens, title, abstract)
		b[Recency] = recency(a.Date, cfg.now)
		b[Citation] = citation(a, maxCite)
		b[Authority] = authority(a)
		b[Availability] = availability(a)
		b[Specificity] = specificity(parts, title, abstract)
		score := 0.0
		for k := range b {
			score += w[k] * b[k]
		}
		out[i] = Scored{Article: *a, Score: score, Breakdown: b}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Article.BestID() < out[j].Article.BestID()
	})
	return out
}

// weightsFor returns the strategy's weight vector. For non-clinical queries
// the specificity component is absent and the remaining weights renormalize
// to sum 1.
func weightsFor(strat Strategy, clinical bool) [6]float64 {
	w, ok := strategyWeights[strat]
	if !ok {
		w = strategyWeights[StrategyBalanced]
	}
	if clinical {
		return w
	}
	w[Specificity] = 0
	sum := 0.0
	for _, v := range w {
		sum += v
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}

// queryTokens collects the stemmed tokens of the query text plus canonical
// terms and synonyms.
func queryTokens(q query.Query) tokenSet {
	s := newTokenSet(q.Text)
	for _, t := range q.Terms {
		s.addAll(t.Canonical)
		for _, syn := range t.Synonyms {
			s.addAll(syn)
		}
	}
	return s
}

// relevance is the max of discounted provenance scores, falling back to a
// weighted token overlap of the query against title (1.0) and abstract
// (0.5).
func (c *config) relevance(a *article.UnifiedArticle, qTokens tokenSet, title, abstract tokenSet) float64 {
	best := -1.0
	for _, p := range a.Provenance {
		if p.Score == nil {
			continue
		}
		s := clamp01(*p.Score) * c.discount(p.Source)
		if s > best {
			best = s
		}
	}
	if best >= 0 {
		return best
	}
	if len(qTokens) == 0 {
		return 0
	}
	sum := 0.0
	for tok := range qTokens {
		switch {
		case title.has(tok):
			sum += 1.0
		case abstract.has(tok):
			sum += 0.5
		}
	}
	return sum / float64(len(qTokens))
}

func (c *config) discount(source string) float64 {
	n := len(c.unsupported[source])
	if n == 0 {
		return 1
	}
	d := 1 - 0.1*float64(n)
	if d < 0.5 {
		d = 0.5
	}
	return d
}

// recency decays with a five-year half-life. Partial dates score at year
// granularity; unknown dates score 0.
func recency(d article.PubDate, now time.Time) float64 {
	if !d.Known() {
		return 0
	}
	var years float64
	if d.Partial() {
		years = float64(now.Year() - d.Year)
	} else {
		years = now.Sub(d.Time()).Hours() / (24 * 365.25)
	}
	if years < 0 {
		years = 0
	}
	return math.Pow(0.5, years/5)
}

// citation is log1p(count)/log1p(batch max), lifted by the normalized
// impact metric when the citation-metrics service supplied one.
func citation(a *article.UnifiedArticle, maxCite int) float64 {
	s := 0.0
	if a.CitationCount != nil && maxCite > 0 {
		s = math.Log1p(float64(*a.CitationCount)) / math.Log1p(float64(maxCite))
	}
	if a.Impact != nil {
		if imp := clamp01(*a.Impact); imp > s {
			s = imp
		}
	}
	return s
}

// authority rewards distinct provenance sources with diminishing returns.
func authority(a *article.UnifiedArticle) float64 {
	seen := make(map[string]bool, len(a.Provenance))
	for _, p := range a.Provenance {
		seen[p.Source] = true
	}
	return 1 - math.Pow(0.7, float64(len(seen)))
}

func availability(a *article.UnifiedArticle) float64 {
	switch {
	case a.OpenAccess():
		return 1
	case len(a.Links) > 0:
		return 0.5
	default:
		return 0
	}
}

// specificity is the fraction of the four clinical parts with at least one
// token present in the title or abstract.
func specificity(parts [][]string, title, abstract tokenSet) float64 {
	if parts == nil {
		return 0
	}
	matched := 0
	for _, part := range parts {
		for _, tok := range part {
			if title.has(tok) || abstract.has(tok) {
				matched++
				break
			}
		}
	}
	return float64(matched) / 4
}

// clinicalPartTokens tokenizes the four labeled parts. The slice always has
// length 4 when the query is clinical so that unparsed parts count against
// specificity.
func clinicalPartTokens(c *query.Clinical) [][]string {
	if c == nil {
		return nil
	}
	return [][]string{
		Tokenize(c.Population),
		Tokenize(c.Intervention),
		Tokenize(c.Comparator),
		Tokenize(c.Outcome),
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
