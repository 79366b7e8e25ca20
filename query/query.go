// Package query turns free-text agent input into the normalized query object
// consumed by source adapters. It classifies the text, decomposes clinical
// four-part questions, and expands topic terms through the controlled
// vocabulary. The analyzer only rewrites; it never dispatches searches.
package query

import (
	"github.com/scholium/scholium/article"
)

type (
	// Query is the normalized form adapters translate into their wire
	// protocols. Adapters honor the subset of fields they support and
	// report the rest back as unsupported filters.
	Query struct {
		// Text is the trimmed original text.
		Text string
		// Terms holds the topic terms with vocabulary expansions. Empty for
		// boolean and identifier queries.
		Terms []Term
		// Boolean carries the raw boolean expression when Class is
		// ClassBoolean; adapters that speak the field-tag syntax forward it
		// verbatim.
		Boolean string
		// Identifier is the canonical identifier when Class is
		// ClassIdentifier ("pmid:...", "pmcid:...", "doi:...").
		Identifier string
		// Clinical holds the four labeled parts when Class is ClassClinical.
		Clinical *Clinical

		// DateFrom and DateTo bound the publication date when known.
		DateFrom article.PubDate
		DateTo   article.PubDate
		// DocTypes restricts publication types.
		DocTypes []article.PubType
		// Language restricts by ISO language code.
		Language string
		// OpenAccessOnly restricts to freely readable records.
		OpenAccessOnly bool
		// Demographics lists demographic qualifiers (age groups, sex).
		Demographics []string
		// Filters carries source-specific filters, e.g. the database name
		// for the gene/compound/variant family.
		Filters map[string]string

		// Class is the classification outcome.
		Class Class
	}

	// Term is one topic term with its vocabulary expansion. A term the
	// thesaurus does not know passes through with Canonical equal to the
	// written form and no synonyms.
	Term struct {
		// Term is the form written by the caller.
		Term string
		// Canonical is the preferred vocabulary form.
		Canonical string
		// Synonyms is a small bag of entry terms for the concept.
		Synonyms []string
	}

	// Clinical is a decomposed four-part clinical question. Parts that did
	// not parse stay empty; they are never guessed.
	Clinical struct {
		Population   string
		Intervention string
		Comparator   string
		Outcome      string
	}

	// Class classifies the query text.
	Class int
)

const (
	// ClassSimple is a plain topic query.
	ClassSimple Class = iota
	// ClassBoolean is a boolean expression with field tags.
	ClassBoolean
	// ClassClinical is a four-part comparative clinical question.
	ClassClinical
	// ClassIdentifier is a bare article identifier.
	ClassIdentifier
)

// String returns the class name used in logs and run records.
func (c Class) String() string {
	switch c {
	case ClassBoolean:
		return "boolean"
	case ClassClinical:
		return "clinical"
	case ClassIdentifier:
		return "identifier"
	default:
		return "simple"
	}
}

// Parts lists the non-empty labeled parts in fixed order.
func (c *Clinical) Parts() []string {
	if c == nil {
		return nil
	}
	var parts []string
	for _, p := range []string{c.Population, c.Intervention, c.Comparator, c.Outcome} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// TermTexts returns the canonical term forms, falling back to the written
// form for unexpanded terms.
func (q *Query) TermTexts() []string {
	out := make([]string, 0, len(q.Terms))
	for _, t := range q.Terms {
		if t.Canonical != "" {
			out = append(out, t.Canonical)
			continue
		}
		out = append(out, t.Term)
	}
	return out
}
