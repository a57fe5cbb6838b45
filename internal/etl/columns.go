package etl

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	codeColRe     = regexp.MustCompile(`^code(\d+)$`)
	codeTypeColRe = regexp.MustCompile(`^code(\d+)type$`)
	nonAlnumRe    = regexp.MustCompile(`[^a-z0-9]`)
)

// normalizeHeader lowercases a header and strips every non-alphanumeric
// character: "Code|1| Type" → "code1type". All discovery rules match on
// this form, which is what lets one mapping cover the per-hospital header
// spelling variants.
func normalizeHeader(h string) string {
	return nonAlnumRe.ReplaceAllString(strings.ToLower(h), "")
}

// codeColPair is one (codeN, codeN|type) column pair, matched by the
// numeric suffix N. TypeIdx is -1 when the type column is missing.
type codeColPair struct {
	Suffix  int
	CodeIdx int
	TypeIdx int
}

// ColumnMapping maps the logical charge-row slots onto physical column
// indices of one CSV file. -1 means the column is absent. Lifetime is
// per-file; a new file gets a fresh discovery pass.
type ColumnMapping struct {
	CodePairs []codeColPair

	Setting     int
	Description int
	PayerName   int
	PlanName    int
	Modifiers   int

	Gross          int
	DiscountedCash int
	Min            int
	Max            int

	NegotiatedDollar     int
	NegotiatedPercentage int
	NegotiatedAlgorithm  int
	EstimatedAmount      int
	Methodology          int
	AdditionalNotes      int
}

// DiscoverColumns inspects the charge-section header row and derives the
// logical→physical mapping. First matching rule wins per header; headers
// matching no rule are ignored. Returns an error when the slots the
// transform cannot work without are missing.
func DiscoverColumns(headers []string) (*ColumnMapping, error) {
	m := &ColumnMapping{
		Setting: -1, Description: -1, PayerName: -1, PlanName: -1,
		Modifiers: -1, Gross: -1, DiscountedCash: -1, Min: -1, Max: -1,
		NegotiatedDollar: -1, NegotiatedPercentage: -1, NegotiatedAlgorithm: -1,
		EstimatedAmount: -1, Methodology: -1, AdditionalNotes: -1,
	}

	codeIdx := map[int]int{}
	typeIdx := map[int]int{}

	for i, h := range headers {
		norm := normalizeHeader(h)

		switch {
		case codeColRe.MatchString(norm):
			n, _ := strconv.Atoi(codeColRe.FindStringSubmatch(norm)[1])
			codeIdx[n] = i
		case codeTypeColRe.MatchString(norm):
			n, _ := strconv.Atoi(codeTypeColRe.FindStringSubmatch(norm)[1])
			typeIdx[n] = i
		case strings.Contains(norm, "setting"):
			setOnce(&m.Setting, i)
		case strings.Contains(norm, "description") || norm == "desc":
			setOnce(&m.Description, i)
		case strings.Contains(norm, "payer") && strings.Contains(norm, "name"):
			setOnce(&m.PayerName, i)
		case strings.Contains(norm, "plan") && strings.Contains(norm, "name"):
			setOnce(&m.PlanName, i)
		case strings.Contains(norm, "modifier"):
			setOnce(&m.Modifiers, i)
		case strings.Contains(norm, "gross"):
			setOnce(&m.Gross, i)
		case strings.Contains(norm, "discounted"):
			setOnce(&m.DiscountedCash, i)
		case strings.Contains(norm, "min"):
			setOnce(&m.Min, i)
		case strings.Contains(norm, "max"):
			setOnce(&m.Max, i)
		case strings.Contains(norm, "negotiated") && strings.Contains(norm, "dollar"):
			setOnce(&m.NegotiatedDollar, i)
		case strings.Contains(norm, "negotiated") && strings.Contains(norm, "percent"):
			setOnce(&m.NegotiatedPercentage, i)
		case strings.Contains(norm, "negotiated") && strings.Contains(norm, "algorithm"):
			setOnce(&m.NegotiatedAlgorithm, i)
		case strings.Contains(norm, "estimated"):
			setOnce(&m.EstimatedAmount, i)
		case strings.Contains(norm, "methodology"):
			setOnce(&m.Methodology, i)
		case strings.Contains(norm, "note"):
			setOnce(&m.AdditionalNotes, i)
		}
	}

	// Pair code/type columns by their numeric suffix, in suffix order so
	// the first-match filter contract stays deterministic.
	suffixes := make([]int, 0, len(codeIdx))
	for n := range codeIdx {
		suffixes = append(suffixes, n)
	}
	sort.Ints(suffixes)
	for _, n := range suffixes {
		pair := codeColPair{Suffix: n, CodeIdx: codeIdx[n], TypeIdx: -1}
		if t, ok := typeIdx[n]; ok {
			pair.TypeIdx = t
		}
		m.CodePairs = append(m.CodePairs, pair)
	}

	if m.Setting < 0 || m.Description < 0 {
		return nil, fmt.Errorf("charge header missing required columns (setting=%d description=%d)", m.Setting, m.Description)
	}
	if len(m.CodePairs) == 0 {
		return nil, fmt.Errorf("charge header has no code columns")
	}
	return m, nil
}

func setOnce(slot *int, i int) {
	if *slot < 0 {
		*slot = i
	}
}
