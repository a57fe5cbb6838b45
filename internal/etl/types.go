package etl

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Hospital carries the metadata block at the head of an MRF. Key is the
// natural key used across all three charge tables.
type Hospital struct {
	Key                string // "digits|ST" from license info, else the hospital name
	Name               string
	Address            string
	Location           string
	NPIList            *string // type_2_npi values joined with "|", JSON source only
	AsOfDate           time.Time
	LastUpdate         *string
	Version            *string
	FinancialAidPolicy *string
}

// Service is a billable service shared across hospitals. ID is the
// SHA-256 service identity; once inserted a service row is immutable.
type Service struct {
	ID          string
	Setting     string // Inpatient | Outpatient after transform
	Code        string
	Description string
	CodeType    string // MS-DRG | APR-DRG | CPT | HCPCS
	Modifiers   *string
}

// StandardCharge holds the hospital-wide amounts for one service.
// Nil fields never overwrite stored values on upsert.
type StandardCharge struct {
	Gross          *float64
	DiscountedCash *float64
	Min            *float64
	Max            *float64
}

// PayerCharge is one negotiated rate under a payer/plan. The percentile
// fields only appear in the JSON source.
type PayerCharge struct {
	PayerName           *string
	PlanName            *string
	Modifiers           *string
	NegotiatedDollar    *float64
	NegotiatedAlgorithm *string
	NegotiatedPercent   *float64
	EstimatedAmount     *float64
	Methodology         *string
	AdditionalNotes     *string
	Median              *float64
	Percentile10        *float64
	Percentile90        *float64
	Count               *float64
}

// Record is the canonical unit emitted by both transforms: one service with
// its standard charge and zero or more payer charges. The CSV transform
// emits at most one payer per record; the JSON transform may emit several.
type Record struct {
	Service Service
	Charge  StandardCharge
	Payers  []PayerCharge
}

// ServiceID derives the identity hash for a CSV-source service.
// The CSV identity predates modifier support and deliberately excludes
// modifiers; changing it would orphan every previously stored row.
func ServiceID(setting, code, codeType string) string {
	sum := sha256.Sum256([]byte(setting + "|" + code + "|" + codeType))
	return hex.EncodeToString(sum[:])
}

// ServiceIDWithModifiers derives the identity hash for a JSON-source
// service. modifiers is the charge's modifier_code, empty when absent.
// Note the asymmetry with ServiceID: the same logical service ingested
// from a CSV and a JSON MRF gets different IDs. Preserved on purpose.
func ServiceIDWithModifiers(setting, code, codeType, modifiers string) string {
	sum := sha256.Sum256([]byte(setting + "|" + code + "|" + codeType + "|" + modifiers))
	return hex.EncodeToString(sum[:])
}
