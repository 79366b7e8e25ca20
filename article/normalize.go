package article

import (
	"strings"
	"time"

	"github.com/scholium/scholium/scherr"
)

type (
	// Raw is the neutral per-source record emitted by adapters. Adapters own
	// wire parsing (JSON or XML); Normalize owns the mapping onto
	// UnifiedArticle, including identifier canonicalization and the defaults
	// for absent fields.
	Raw struct {
		// Source is the adapter name. Required.
		Source string
		// LocalID is the source-local identifier. Required.
		LocalID string

		// PMID, PMCID, and DOI are identifier aliases when the source
		// supplies them. DOI may carry a doi: prefix or URL form.
		PMID  string
		PMCID string
		DOI   string
		// OtherIDs holds additional namespaced identifiers, e.g. the
		// database-qualified ids of the gene/variant/compound family.
		OtherIDs map[string]string

		// Title, Abstract, Journal, and Language map directly.
		Title    string
		Abstract string
		Journal  string
		Language string
		// Authors is the ordered author list as supplied.
		Authors []Author
		// Year, Month, Day are the publication date components; zero means
		// absent.
		Year  int
		Month int
		Day   int
		// Types lists publication types in the source's vocabulary already
		// mapped to the controlled enum by the adapter.
		Types []PubType
		// Descriptors lists controlled-vocabulary descriptors.
		Descriptors []string
		// Links lists known locations. Link.Source may be left empty; the
		// normalizer stamps it with Source.
		Links []Link

		// CitationCount, InfluentialCitations, and Impact are optional
		// metrics.
		CitationCount        *int
		InfluentialCitations *int
		Impact               *float64
		// Score is the source-supplied relevance score for the query that
		// produced this record, when the source exposes one.
		Score *float64
	}
)

// CanonicalDOI lowercases a DOI and strips doi: prefixes and resolver URL
// forms. Returns "" for input that does not look like a DOI.
func CanonicalDOI(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	for _, prefix := range []string{
		"https://doi.org/",
		"http://doi.org/",
		"https://dx.doi.org/",
		"http://dx.doi.org/",
		"doi:",
	} {
		s = strings.TrimPrefix(s, prefix)
	}
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "10.") {
		return ""
	}
	return s
}

// Normalize maps a raw source record onto the unified model. It canonicalizes
// identifiers, stamps provenance with now, and applies the mandatory
// defaults: an absent title becomes the empty string, absent authors the
// empty list, and an absent date leaves Year 0 (the record is retained but
// ineligible for recency scoring). Records carrying no identifier at all are
// rejected.
func Normalize(raw Raw, now time.Time) (UnifiedArticle, error) {
	if raw.Source == "" {
		return UnifiedArticle{}, scherr.Newf(scherr.Internal, "raw record missing source")
	}
	a := UnifiedArticle{
		PMID:        strings.TrimSpace(raw.PMID),
		PMCID:       normalizePMCID(raw.PMCID),
		DOI:         CanonicalDOI(raw.DOI),
		Title:       strings.TrimSpace(raw.Title),
		Abstract:    strings.TrimSpace(raw.Abstract),
		Journal:     strings.TrimSpace(raw.Journal),
		Language:    strings.ToLower(strings.TrimSpace(raw.Language)),
		Date:        normalizeDate(raw.Year, raw.Month, raw.Day),
		Authors:     append([]Author{}, raw.Authors...),
		Types:       append([]PubType(nil), raw.Types...),
		Descriptors: append([]string(nil), raw.Descriptors...),
	}
	for _, l := range raw.Links {
		if l.URL == "" {
			continue
		}
		if l.Source == "" {
			l.Source = raw.Source
		}
		a.Links = append(a.Links, l)
	}
	a.CitationCount = cloneIntPtr(raw.CitationCount)
	a.InfluentialCitations = cloneIntPtr(raw.InfluentialCitations)
	a.Impact = cloneFloatPtr(raw.Impact)

	if len(raw.OtherIDs) > 0 {
		a.OtherIDs = make(map[string]string, len(raw.OtherIDs))
		for k, v := range raw.OtherIDs {
			a.OtherIDs[k] = v
		}
	}
	if a.PMID == "" && a.PMCID == "" && a.DOI == "" && len(a.OtherIDs) == 0 {
		if raw.LocalID == "" {
			return UnifiedArticle{}, scherr.Newf(scherr.InvalidInput, "record from %s has no identifier", raw.Source)
		}
		a.OtherIDs = map[string]string{raw.Source: raw.LocalID}
	}

	localID := raw.LocalID
	if localID == "" {
		localID = a.BestID()
	}
	a.Provenance = []Provenance{{
		Source:    raw.Source,
		LocalID:   localID,
		FetchedAt: now.UTC(),
		Score:     cloneFloatPtr(raw.Score),
	}}
	return a, nil
}

// NormalizeBatch normalizes a slice of raw records, dropping records that
// fail the identifier invariant and reporting how many were dropped.
func NormalizeBatch(raws []Raw, now time.Time) ([]UnifiedArticle, int) {
	out := make([]UnifiedArticle, 0, len(raws))
	dropped := 0
	for _, r := range raws {
		a, err := Normalize(r, now)
		if err != nil {
			dropped++
			continue
		}
		out = append(out, a)
	}
	return out, dropped
}

// normalizePMCID strips the optional PMC prefix so "PMC8675309" and "8675309"
// compare equal, then re-applies the canonical PMC prefix.
func normalizePMCID(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = strings.TrimPrefix(strings.ToUpper(s), "PMC")
	if s == "" {
		return ""
	}
	return "PMC" + s
}

// normalizeDate clamps partial dates: a month or day outside its valid range
// is treated as absent, and a date without a year is unknown entirely.
func normalizeDate(year, month, day int) PubDate {
	if year <= 0 {
		return PubDate{}
	}
	if month < 1 || month > 12 {
		month = 0
		day = 0
	}
	if day < 1 || day > 31 {
		day = 0
	}
	return PubDate{Year: year, Month: month, Day: day}
}
