package etl

import "strings"

// CodePair is a (code, type) candidate from one code column pair or one
// code_information entry.
type CodePair struct {
	Code string
	Type string
}

// MatchCode walks the candidates in source order and returns the first one
// that passes the whitelist: DRG types with any code, CPT/HCPCS only when
// the code is whitelisted. First-match order is load-bearing: downstream
// service IDs depend on which candidate wins.
func MatchCode(candidates []CodePair) (CodePair, bool) {
	for _, c := range candidates {
		code := strings.ToUpper(strings.TrimSpace(c.Code))
		typ := strings.TrimSpace(c.Type)
		if code == "" || typ == "" {
			continue
		}
		if allowedTypesUnconditional[typ] {
			return CodePair{Code: code, Type: typ}, true
		}
		if allowedTypesConditional[typ] && AllowedCPTHCPCSCodes[code] {
			return CodePair{Code: code, Type: typ}, true
		}
	}
	return CodePair{}, false
}
