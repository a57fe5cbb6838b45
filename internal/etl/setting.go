package etl

import (
	"strings"
	"unicode"
)

const (
	SettingInpatient  = "Inpatient"
	SettingOutpatient = "Outpatient"
	// SettingBoth is a transient marker: records carrying it are expanded
	// into one Inpatient and one Outpatient copy before they leave the
	// transform. It never reaches the database.
	SettingBoth = "Both"
)

// NormalizeSetting maps the free-form setting values hospitals publish onto
// the canonical three. Anything unrecognized is capitalized as-is.
func NormalizeSetting(s string) string {
	norm := strings.ToLower(strings.TrimSpace(s))
	if norm == "" {
		return ""
	}
	switch {
	case strings.Contains(norm, "inpatient"):
		return SettingInpatient
	case strings.Contains(norm, "outpatient"):
		return SettingOutpatient
	case strings.Contains(norm, "both"):
		return SettingBoth
	}
	return capitalize(s)
}

// capitalize uppercases the first rune and lowercases the rest.
func capitalize(s string) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) == 0 {
		return ""
	}
	r[0] = unicode.ToUpper(r[0])
	for i := 1; i < len(r); i++ {
		r[i] = unicode.ToLower(r[i])
	}
	return string(r)
}

// expandBoth duplicates a record whose setting is Both into the two
// concrete settings, rehashing the service ID per final setting. id derives
// the service identity for a given setting.
func expandBoth(rec Record, id func(setting string) string) []Record {
	if rec.Service.Setting != SettingBoth {
		return []Record{rec}
	}
	out := make([]Record, 0, 2)
	for _, setting := range []string{SettingInpatient, SettingOutpatient} {
		dup := rec
		dup.Service.Setting = setting
		dup.Service.ID = id(setting)
		// Payers slice is shared between the two copies; the loader only
		// reads it, so aliasing is fine.
		out = append(out, dup)
	}
	return out
}
