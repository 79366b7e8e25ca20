package query

import (
	"regexp"
	"strings"

	"github.com/scholium/scholium/article"
)

var (
	pmidRe   = regexp.MustCompile(`(?i)^(?:pmid:\s*)?(\d{1,9})$`)
	pmcidRe  = regexp.MustCompile(`(?i)^(?:pmcid:\s*)?(pmc\d{1,9})$`)
	doiBody  = regexp.MustCompile(`^10\.\d{4,9}/\S+$`)
	fieldTag = regexp.MustCompile(`\[[a-zA-Z]{2,16}\]`)
	boolOp   = regexp.MustCompile(`\b(AND|OR|NOT)\b`)
)

// Classify buckets free text into one of the four query classes.
//
// A bare PMID, PMC id, or DOI (optionally with its scheme prefix) is an
// identifier lookup. Uppercase AND/OR/NOT combined with field tags or quoted
// phrases marks a boolean expression. A text whose comparative shape yields
// at least an intervention and a comparator is clinical. Everything else is
// a simple topic.
func Classify(text string) Class {
	text = strings.TrimSpace(text)
	if text == "" {
		return ClassSimple
	}
	if ParseIdentifier(text) != "" {
		return ClassIdentifier
	}
	if boolOp.MatchString(text) && (fieldTag.MatchString(text) || strings.Contains(text, `"`)) {
		return ClassBoolean
	}
	if c := ParseClinical(text); c != nil {
		return ClassClinical
	}
	return ClassSimple
}

// ParseIdentifier canonicalizes text that is nothing but an article
// identifier. It returns "pmid:...", "pmcid:...", or "doi:..." per the
// unified identifier priority, or "" when the text is not a bare identifier.
func ParseIdentifier(text string) string {
	text = strings.TrimSpace(text)
	if m := pmidRe.FindStringSubmatch(text); m != nil {
		return "pmid:" + m[1]
	}
	if m := pmcidRe.FindStringSubmatch(text); m != nil {
		return "pmcid:PMC" + strings.TrimPrefix(strings.ToUpper(m[1]), "PMC")
	}
	if doi := article.CanonicalDOI(text); doi != "" && doiBody.MatchString(doi) {
		return "doi:" + doi
	}
	return ""
}
