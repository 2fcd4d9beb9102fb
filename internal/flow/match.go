package flow

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
)

// fold applies Unicode case folding and drops accents, so "Crítica" and
// "critica" compare equal. A Caser is stateful, so one is created per call.
func fold(s string) string {
	return stripMarks(cases.Fold().String(strings.TrimSpace(s)))
}

// stripMarks removes combining marks after canonical decomposition.
func stripMarks(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	plain, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return plain
}

// Candidate is a flow whose trigger keyword occurs in the inbound text.
type Candidate struct {
	Flow    models.Flow
	Keyword string
}

// MatchFlows returns every active flow with a keyword contained in text, best
// first: longest keyword in runes, then earliest CreatedAt, then smallest ID.
// Each flow appears once, ranked by its longest matching keyword.
func MatchFlows(flows []models.Flow, text string) []Candidate {
	folded := fold(text)
	if folded == "" {
		return nil
	}

	var out []Candidate
	for _, f := range flows {
		if !f.IsActive {
			continue
		}
		best := ""
		for _, kw := range f.TriggerKeywords {
			k := fold(kw)
			if k == "" || !strings.Contains(folded, k) {
				continue
			}
			if utf8.RuneCountInString(k) > utf8.RuneCountInString(best) {
				best = k
			}
		}
		if best != "" {
			out = append(out, Candidate{Flow: f, Keyword: best})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		li, lj := utf8.RuneCountInString(out[i].Keyword), utf8.RuneCountInString(out[j].Keyword)
		if li != lj {
			return li > lj
		}
		if !out[i].Flow.CreatedAt.Equal(out[j].Flow.CreatedAt) {
			return out[i].Flow.CreatedAt.Before(out[j].Flow.CreatedAt)
		}
		return out[i].Flow.ID < out[j].Flow.ID
	})
	return out
}

// isCancel reports whether text is exactly one of the cancellation keywords.
func isCancel(keywords []string, text string) bool {
	folded := fold(text)
	if folded == "" {
		return false
	}
	for _, kw := range keywords {
		if fold(kw) == folded {
			return true
		}
	}
	return false
}
