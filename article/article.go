// Package article defines the unified article model shared by every source
// adapter, the normalizer that maps raw per-source records onto it, and the
// deduplicator that fuses records describing the same work.
//
// A UnifiedArticle is immutable once constructed: enrichment and merging
// always produce new values so that concurrent pipeline steps can share
// batches without locking.
package article

import (
	"sort"
	"time"
)

type (
	// UnifiedArticle is the canonical record produced by normalization.
	// At least one identifier field is always populated.
	UnifiedArticle struct {
		// PMID is the primary biomedical index accession id, when known.
		PMID string
		// PMCID is the primary full-text archive id, when known.
		PMCID string
		// DOI is the canonicalized DOI (lowercase, no scheme or doi: prefix).
		DOI string
		// OtherIDs maps source name to that source's local identifier for
		// records that carry neither a PMID, PMCID, nor DOI alias.
		OtherIDs map[string]string

		// Title is the article title; empty when the source supplied none.
		Title string
		// Abstract is the abstract text, possibly empty.
		Abstract string
		// Authors is the ordered author list.
		Authors []Author
		// Journal is the journal or venue name.
		Journal string
		// Date is the publication date; Year 0 means unknown.
		Date PubDate
		// Types lists the controlled publication types.
		Types []PubType
		// Language is the ISO language code, when known.
		Language string
		// Descriptors lists controlled-vocabulary descriptors.
		Descriptors []string

		// Links lists known locations of the work, grouped by kind.
		Links []Link

		// CitationCount is the citation count, when any source supplied one.
		CitationCount *int
		// InfluentialCitations is the influential-citation count from the
		// citation-metrics service.
		InfluentialCitations *int
		// Impact is a normalized impact score in [0, 1] from the
		// citation-metrics service.
		Impact *float64

		// Provenance records one entry per source that contributed to this
		// record. Non-empty after normalization.
		Provenance []Provenance
	}

	// Author is one entry of an article's author list.
	Author struct {
		// Name is the display name as supplied by the source.
		Name string
		// Affiliation is the institutional affiliation, when known.
		Affiliation string
	}

	// Link is one known location of a work.
	Link struct {
		// Kind classifies the link target.
		Kind LinkKind
		// URL is the absolute location.
		URL string
		// Source names the adapter that supplied the link.
		Source string
		// OpenAccess reports whether the target is freely readable.
		OpenAccess bool
	}

	// PubDate is a possibly partial publication date. Year 0 means the date
	// is unknown; Month and Day 0 mean the component was absent.
	PubDate struct {
		Year  int
		Month int
		Day   int
	}

	// Provenance records one source's contribution to a unified record.
	Provenance struct {
		// Source is the adapter name.
		Source string
		// LocalID is the source-local identifier.
		LocalID string
		// FetchedAt is when the record was retrieved.
		FetchedAt time.Time
		// Score is the source-supplied relevance score, when provided.
		Score *float64
	}

	// LinkKind classifies a Link target.
	LinkKind string

	// PubType is a controlled publication type.
	PubType string
)

const (
	// LinkHTML is an HTML landing page.
	LinkHTML LinkKind = "html"
	// LinkPDF is a PDF rendition.
	LinkPDF LinkKind = "pdf"
	// LinkXML is a structured full-text rendition.
	LinkXML LinkKind = "xml"
	// LinkText is a raw-text rendition.
	LinkText LinkKind = "text"
	// LinkImage is a figure or image resource.
	LinkImage LinkKind = "image"
)

const (
	// TypeJournalArticle is an ordinary journal article.
	TypeJournalArticle PubType = "journal-article"
	// TypeReview is a review article.
	TypeReview PubType = "review"
	// TypeClinicalTrial is a clinical trial report.
	TypeClinicalTrial PubType = "clinical-trial"
	// TypeMetaAnalysis is a meta-analysis.
	TypeMetaAnalysis PubType = "meta-analysis"
	// TypePreprint is a preprint.
	TypePreprint PubType = "preprint"
	// TypeBookChapter is a book or chapter.
	TypeBookChapter PubType = "book-chapter"
	// TypeDatabaseRecord is a non-article database entry (gene, compound,
	// variant) surfaced through the unified model.
	TypeDatabaseRecord PubType = "database-record"
)

// sourceAuthority orders sources by trust for merge conflicts. Higher wins.
// Sources absent from the map rank below all listed ones.
var sourceAuthority = map[string]int{
	"pubmed":          100,
	"pmc":             90,
	"europepmc":       80,
	"crossref":        70,
	"openalex":        60,
	"semanticscholar": 50,
	"core":            40,
	"entrez":          30,
	"openi":           20,
	"mesh":            10,
}

// SourceAuthority reports the merge-conflict rank of a source name. Unknown
// sources rank lowest.
func SourceAuthority(source string) int {
	return sourceAuthority[source]
}

// Known reports whether the date carries at least a year.
func (d PubDate) Known() bool { return d.Year > 0 }

// Time converts the date to a time.Time at UTC midnight, substituting January
// for a missing month and 1 for a missing day. The zero time is returned for
// unknown dates.
func (d PubDate) Time() time.Time {
	if !d.Known() {
		return time.Time{}
	}
	m := d.Month
	if m == 0 {
		m = 1
	}
	day := d.Day
	if day == 0 {
		day = 1
	}
	return time.Date(d.Year, time.Month(m), day, 0, 0, 0, 0, time.UTC)
}

// Partial reports whether the date is known but missing month or day.
func (d PubDate) Partial() bool {
	return d.Known() && (d.Month == 0 || d.Day == 0)
}

// HasIdentifier reports whether at least one identifier field is populated.
func (a *UnifiedArticle) HasIdentifier() bool {
	return a.PMID != "" || a.PMCID != "" || a.DOI != "" || len(a.OtherIDs) > 0
}

// BestID returns the preferred identifier for ordering, diffing, and cache
// keys: PMID, then PMCID, then DOI, then the first other-source id in sorted
// source order. Empty only for records that violate the identifier invariant.
func (a *UnifiedArticle) BestID() string {
	switch {
	case a.PMID != "":
		return "pmid:" + a.PMID
	case a.PMCID != "":
		return "pmcid:" + a.PMCID
	case a.DOI != "":
		return "doi:" + a.DOI
	}
	if len(a.OtherIDs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(a.OtherIDs))
	for k := range a.OtherIDs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[0] + ":" + a.OtherIDs[keys[0]]
}

// OpenAccess reports whether any link is marked open access.
func (a *UnifiedArticle) OpenAccess() bool {
	for _, l := range a.Links {
		if l.OpenAccess {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (a *UnifiedArticle) Clone() UnifiedArticle {
	out := *a
	if a.OtherIDs != nil {
		out.OtherIDs = make(map[string]string, len(a.OtherIDs))
		for k, v := range a.OtherIDs {
			out.OtherIDs[k] = v
		}
	}
	out.Authors = append([]Author(nil), a.Authors...)
	out.Types = append([]PubType(nil), a.Types...)
	out.Descriptors = append([]string(nil), a.Descriptors...)
	out.Links = append([]Link(nil), a.Links...)
	out.Provenance = append([]Provenance(nil), a.Provenance...)
	out.CitationCount = cloneIntPtr(a.CitationCount)
	out.InfluentialCitations = cloneIntPtr(a.InfluentialCitations)
	out.Impact = cloneFloatPtr(a.Impact)
	return out
}

func cloneIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneFloatPtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
