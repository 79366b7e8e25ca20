package article

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Dedupe merges articles that describe the same work. Two articles are
// considered the same work when they share a PMID, a PMCID, a DOI, or, as a
// last resort, a normalized title together with the first author's last name
// and the publication year. Identity is transitive: connected components of
// the equality graph are merged into one article each.
//
// Merging never mutates the inputs. Output order follows the first
// appearance of each component in the input, and the total provenance count
// is preserved across the merge. Dedupe is idempotent.
func Dedupe(batch []UnifiedArticle) []UnifiedArticle {
	// A merge can assemble a title/author/year combination that no input
	// record carried, which may in turn match yet another record. Repeat
	// until no component shrinks; a pass that merges nothing returns
	// clones, so the fixpoint is stable.
	out := dedupeOnce(batch)
	for len(out) < len(batch) {
		batch = out
		out = dedupeOnce(batch)
	}
	return out
}

func dedupeOnce(batch []UnifiedArticle) []UnifiedArticle {
	if len(batch) <= 1 {
		out := make([]UnifiedArticle, len(batch))
		for i := range batch {
			out[i] = batch[i].Clone()
		}
		return out
	}

	u := newUnionFind(len(batch))

	// Union articles that share an identifier, strongest key first. The
	// title key only exists when title, first author, and year are all
	// known.
	byKey := make(map[string]int, len(batch)*2)
	join := func(key string, i int) {
		if key == "" {
			return
		}
		if j, ok := byKey[key]; ok {
			u.union(i, j)
			return
		}
		byKey[key] = i
	}
	for i := range batch {
		a := &batch[i]
		if a.PMID != "" {
			join("pmid\x00"+a.PMID, i)
		}
		if a.PMCID != "" {
			join("pmcid\x00"+a.PMCID, i)
		}
		if a.DOI != "" {
			join("doi\x00"+a.DOI, i)
		}
		join(lastResortKey(a), i)
	}

	// Collect components in first-seen order.
	components := make(map[int][]int, len(batch))
	var order []int
	for i := range batch {
		root := u.find(i)
		if _, ok := components[root]; !ok {
			order = append(order, root)
		}
		components[root] = append(components[root], i)
	}

	out := make([]UnifiedArticle, 0, len(order))
	for _, root := range order {
		members := components[root]
		if len(members) == 1 {
			out = append(out, batch[members[0]].Clone())
			continue
		}
		out = append(out, merge(batch, members))
	}
	return out
}

// merge fuses one connected component. members holds input indices in input
// order; field conflicts are resolved by source authority, then input order.
func merge(batch []UnifiedArticle, members []int) UnifiedArticle {
	// byAuthority lists members from the most to the least trusted, keeping
	// input order among equals.
	byAuthority := append([]int(nil), members...)
	sort.SliceStable(byAuthority, func(i, j int) bool {
		return articleAuthority(&batch[byAuthority[i]]) > articleAuthority(&batch[byAuthority[j]])
	})

	var out UnifiedArticle
	for _, idx := range byAuthority {
		a := &batch[idx]
		if out.PMID == "" {
			out.PMID = a.PMID
		}
		if out.PMCID == "" {
			out.PMCID = a.PMCID
		}
		if out.DOI == "" {
			out.DOI = a.DOI
		}
		if out.Title == "" {
			out.Title = a.Title
		}
		if out.Abstract == "" {
			out.Abstract = a.Abstract
		}
		if out.Journal == "" {
			out.Journal = a.Journal
		}
		if out.Language == "" {
			out.Language = a.Language
		}
		if !out.Date.Known() {
			out.Date = a.Date
		}
		if out.InfluentialCitations == nil {
			out.InfluentialCitations = cloneIntPtr(a.InfluentialCitations)
		}
		if out.Impact == nil {
			out.Impact = cloneFloatPtr(a.Impact)
		}
		if a.CitationCount != nil && (out.CitationCount == nil || *a.CitationCount > *out.CitationCount) {
			out.CitationCount = cloneIntPtr(a.CitationCount)
		}
		for src, id := range a.OtherIDs {
			if out.OtherIDs == nil {
				out.OtherIDs = make(map[string]string)
			}
			if _, ok := out.OtherIDs[src]; !ok {
				out.OtherIDs[src] = id
			}
		}
	}

	// Authors union by last name + first initial, order anchored on the
	// most trusted member's list.
	seenAuthors := make(map[string]bool)
	for _, idx := range byAuthority {
		for _, au := range batch[idx].Authors {
			key := authorKey(au.Name)
			if key == "" || seenAuthors[key] {
				continue
			}
			seenAuthors[key] = true
			out.Authors = append(out.Authors, au)
		}
	}

	// Types and descriptors union, first occurrence wins the position.
	seenTypes := make(map[PubType]bool)
	seenDesc := make(map[string]bool)
	seenLinks := make(map[string]bool)
	for _, idx := range byAuthority {
		a := &batch[idx]
		for _, t := range a.Types {
			if !seenTypes[t] {
				seenTypes[t] = true
				out.Types = append(out.Types, t)
			}
		}
		for _, d := range a.Descriptors {
			if !seenDesc[d] {
				seenDesc[d] = true
				out.Descriptors = append(out.Descriptors, d)
			}
		}
		// Links union by exact target; two distinct URLs of the same kind
		// are both kept.
		for _, l := range a.Links {
			key := string(l.Kind) + "\x00" + l.URL
			if !seenLinks[key] {
				seenLinks[key] = true
				out.Links = append(out.Links, l)
			}
		}
	}

	// Provenance appends every entry in input order so the conservation
	// invariant holds.
	for _, idx := range members {
		out.Provenance = append(out.Provenance, batch[idx].Provenance...)
	}
	return out
}

// articleAuthority is the trust rank of an article for merge conflicts: the
// best rank among its provenance sources.
func articleAuthority(a *UnifiedArticle) int {
	best := 0
	for _, p := range a.Provenance {
		if r := SourceAuthority(p.Source); r > best {
			best = r
		}
	}
	return best
}

// lastResortKey builds the title+first-author+year key, or "" when any part
// is missing.
func lastResortKey(a *UnifiedArticle) string {
	if a.Title == "" || len(a.Authors) == 0 || !a.Date.Known() {
		return ""
	}
	title := TitleKey(a.Title)
	author := lastNameKey(a.Authors[0].Name)
	if title == "" || author == "" {
		return ""
	}
	return "tay\x00" + title + "\x00" + author + "\x00" + itoa(a.Date.Year)
}

// TitleKey normalizes a title for last-resort matching: casefold, strip
// diacritics, drop punctuation, collapse whitespace.
func TitleKey(title string) string {
	folded := foldDiacritics(strings.ToLower(title))
	var b strings.Builder
	b.Grow(len(folded))
	space := true
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		case !space:
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// authorKey identifies an author across sources by last name plus first
// initial, tolerating both "Family Given" and "Given Family" orders.
func authorKey(name string) string {
	last := lastNameKey(name)
	if last == "" {
		return ""
	}
	initial := ""
	for _, tok := range strings.Fields(foldDiacritics(strings.ToLower(name))) {
		tok = strings.Trim(tok, ".,")
		if tok == "" || tok == last {
			continue
		}
		initial = tok[:1]
		break
	}
	return last + ":" + initial
}

// lastNameKey extracts a stable last-name token: the part before a comma
// when present, otherwise the longest alphabetic token. Sources disagree on
// name order, so length is the only distinction that survives both "Smith J"
// and "John Smith".
func lastNameKey(name string) string {
	name = foldDiacritics(strings.ToLower(strings.TrimSpace(name)))
	if name == "" {
		return ""
	}
	if i := strings.IndexByte(name, ','); i >= 0 {
		return strings.TrimSpace(name[:i])
	}
	best := ""
	for _, tok := range strings.Fields(name) {
		tok = strings.Trim(tok, ".")
		if len(tok) > len(best) {
			best = tok
		}
	}
	return best
}

var diacriticStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func foldDiacritics(s string) string {
	out, _, err := transform.String(diacriticStripper, s)
	if err != nil {
		return s
	}
	return out
}

func itoa(n int) string {
	// Years only; avoids importing strconv for one call site.
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// unionFind is a path-compressing disjoint-set over input indices.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	u := &unionFind{parent: make([]int, n)}
	for i := range u.parent {
		u.parent[i] = i
	}
	return u
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	// Attach the younger root under the older one so each component's
	// representative is its first appearance in the batch.
	if ra > rb {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}
