package query

import (
	"regexp"
	"strings"
)

// Clinical questions follow a comparative shape: an optional population
// lead-in ("in …," / "among …,"), an intervention, a comparator marker
// ("versus", "vs", "compared with/to"), and an optional outcome clause
// introduced by an effect verb or "for"/"on". The parser extracts whatever
// parts are present and leaves the rest empty.

var (
	populationRe = regexp.MustCompile(`(?is)^(?:in|among)\s+(.+?)\s*[,:]\s*(.+)$`)
	auxiliaryRe  = regexp.MustCompile(`(?is)^(?:does|do|is|are|can|will|would|should)\s+(.+)$`)
	comparatorRe = regexp.MustCompile(`(?is)^(.+?)\s+(?:versus|vs\.?|compared\s+(?:with|to))\s+(.+)$`)
	outcomeRe    = regexp.MustCompile(`(?is)^(.+?)\s+(?:reduce|reduces|reducing|decrease|decreases|improve|improves|improving|increase|increases|prevent|prevents|lower|lowers|affect|affects|change|changes|for|on)\s+(.+)$`)
)

// ParseClinical decomposes a four-part comparative question. It returns nil
// unless at least an intervention and a comparator are recognizable; other
// parts stay empty when absent.
func ParseClinical(text string) *Clinical {
	text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "?"))
	if text == "" {
		return nil
	}

	var c Clinical
	rest := text
	if m := populationRe.FindStringSubmatch(rest); m != nil {
		c.Population = clean(m[1])
		rest = m[2]
	}
	if m := auxiliaryRe.FindStringSubmatch(rest); m != nil {
		rest = m[1]
	}
	m := comparatorRe.FindStringSubmatch(rest)
	if m == nil {
		return nil
	}
	c.Intervention = clean(m[1])
	tail := strings.TrimSpace(m[2])
	if om := outcomeRe.FindStringSubmatch(tail); om != nil {
		c.Comparator = clean(om[1])
		c.Outcome = clean(om[2])
	} else {
		c.Comparator = clean(tail)
	}
	if c.Intervention == "" || c.Comparator == "" {
		return nil
	}
	return &c
}

func clean(s string) string {
	return strings.Trim(strings.TrimSpace(s), ".,;:")
}
