package etl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// JSONReader streams a hospital MRF JSON file and emits canonical charge
// records. Only one standard_charge_information item is in memory at a
// time, decoded, expanded, then discarded.
type JSONReader struct {
	file     *os.File
	decoder  *json.Decoder
	hospital Hospital
	itemNum  int64
	done     bool
}

func NewJSONReader(filepath string) (*JSONReader, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath, err)
	}

	bufReader := bufio.NewReaderSize(file, 256*1024)

	// Skip UTF-8 BOM if present
	bom, err := bufReader.Peek(3)
	if err == nil && len(bom) >= 3 && bom[0] == 0xEF && bom[1] == 0xBB && bom[2] == 0xBF {
		bufReader.Discard(3)
	}

	r := &JSONReader{
		file:    file,
		decoder: json.NewDecoder(bufReader),
	}

	if err := r.readHeader(); err != nil {
		file.Close()
		return nil, err
	}

	// Service identity includes modifiers here but not in the CSV path, so
	// the same service ingested from both formats gets two IDs. Surface it
	// once per file so operators are not surprised by the duplication.
	slog.Warn("json service ids include modifiers and differ from csv-derived ids for the same service",
		"hospital", r.hospital.Name)

	return r, nil
}

// flexStrings decodes a JSON array whose elements may be strings or numbers
// (type_2_npi shows up both ways in the wild).
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]string, 0, len(raw))
	for _, m := range raw {
		var s string
		if err := json.Unmarshal(m, &s); err == nil {
			out = append(out, s)
			continue
		}
		var n json.Number
		if err := json.Unmarshal(m, &n); err != nil {
			return err
		}
		out = append(out, n.String())
	}
	*f = out
	return nil
}

type jsonLicense struct {
	LicenseNumber *string `json:"license_number,omitempty"`
	State         string  `json:"state"`
}

type jsonCode struct {
	Code string `json:"code"`
	Type string `json:"type"`
}

type jsonPayer struct {
	PayerName               string   `json:"payer_name"`
	PlanName                string   `json:"plan_name"`
	Methodology             string   `json:"methodology"`
	StandardChargeDollar    *float64 `json:"standard_charge_dollar,omitempty"`
	StandardChargePercent   *float64 `json:"standard_charge_percentage,omitempty"`
	StandardChargeAlgorithm *string  `json:"standard_charge_algorithm,omitempty"`
	EstimatedAmount         *float64 `json:"estimated_amount,omitempty"`
	AdditionalGenericNotes  *string  `json:"additional_generic_notes,omitempty"`
	MedianAmount            *float64 `json:"median_amount,omitempty"`
	Percentile10            *float64 `json:"10th_percentile,omitempty"`
	Percentile90            *float64 `json:"90th_percentile,omitempty"`
	Count                   *float64 `json:"count,omitempty"`
}

type jsonCharge struct {
	Setting           string      `json:"setting"`
	GrossCharge       *float64    `json:"gross_charge,omitempty"`
	DiscountedCash    *float64    `json:"discounted_cash,omitempty"`
	Minimum           *float64    `json:"minimum,omitempty"`
	Maximum           *float64    `json:"maximum,omitempty"`
	ModifierCode      flexStrings `json:"modifier_code,omitempty"`
	PayersInformation []jsonPayer `json:"payers_information,omitempty"`
}

type jsonItem struct {
	Description     string       `json:"description"`
	CodeInformation []jsonCode   `json:"code_information"`
	StandardCharges []jsonCharge `json:"standard_charges"`
}

func (r *JSONReader) readHeader() error {
	r.hospital.AsOfDate = time.Now()

	tok, err := r.decoder.Token()
	if err != nil {
		return fmt.Errorf("read opening brace: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("expected '{', got %v", tok)
	}

	for r.decoder.More() {
		tok, err := r.decoder.Token()
		if err != nil {
			return fmt.Errorf("read field name: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected string key, got %T", tok)
		}

		switch key {
		case "hospital_name":
			var v string
			if err := r.decoder.Decode(&v); err != nil {
				return fmt.Errorf("decode hospital_name: %w", err)
			}
			r.hospital.Name = v

		case "last_updated_on":
			var v string
			if err := r.decoder.Decode(&v); err != nil {
				return fmt.Errorf("decode last_updated_on: %w", err)
			}
			r.hospital.LastUpdate = strPtrOrNil(v)

		case "version":
			var v string
			if err := r.decoder.Decode(&v); err != nil {
				return fmt.Errorf("decode version: %w", err)
			}
			r.hospital.Version = strPtrOrNil(v)

		case "hospital_address":
			var v flexStrings
			if err := r.decoder.Decode(&v); err != nil {
				return fmt.Errorf("decode hospital_address: %w", err)
			}
			r.hospital.Address = strings.Join(v, "; ")

		case "location_name", "hospital_location":
			// location_name is the current field, hospital_location the
			// legacy spelling. Whichever decodes last wins, which matches
			// files that carry both.
			var v flexStrings
			if err := r.decoder.Decode(&v); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			r.hospital.Location = strings.Join(v, "; ")

		case "license_information":
			var v jsonLicense
			if err := r.decoder.Decode(&v); err != nil {
				return fmt.Errorf("decode license_information: %w", err)
			}
			if v.LicenseNumber != nil && v.State != "" {
				r.hospital.Key = nonDigitRe.ReplaceAllString(*v.LicenseNumber, "") + "|" + v.State
			}

		case "type_2_npi":
			var v flexStrings
			if err := r.decoder.Decode(&v); err != nil {
				return fmt.Errorf("decode type_2_npi: %w", err)
			}
			if len(v) > 0 {
				joined := strings.Join(v, "|")
				r.hospital.NPIList = &joined
			}

		case "financial_aid_policy":
			var v string
			if err := r.decoder.Decode(&v); err != nil {
				return fmt.Errorf("decode financial_aid_policy: %w", err)
			}
			r.hospital.FinancialAidPolicy = strPtrOrNil(v)

		case "standard_charge_information":
			tok, err := r.decoder.Token()
			if err != nil {
				return fmt.Errorf("read standard_charge_information '[': %w", err)
			}
			if d, ok := tok.(json.Delim); !ok || d != '[' {
				return fmt.Errorf("expected '[' for standard_charge_information, got %v", tok)
			}
			if r.hospital.Key == "" {
				r.hospital.Key = r.hospital.Name
			}
			return nil

		default:
			// Skip fields the transform does not use
			// (affirmation, modifier_information, ...).
			var skip json.RawMessage
			if err := r.decoder.Decode(&skip); err != nil {
				return fmt.Errorf("skip field %q: %w", key, err)
			}
		}
	}

	r.done = true
	if r.hospital.Key == "" {
		r.hospital.Key = r.hospital.Name
	}
	return nil
}

// Hospital returns the metadata parsed from the header fields. Valid after
// NewJSONReader returns.
func (r *JSONReader) Hospital() Hospital {
	return r.hospital
}

func (r *JSONReader) Format() string {
	return "json"
}

// ItemNum returns the number of standard_charge_information items read.
func (r *JSONReader) ItemNum() int64 {
	return r.itemNum
}

func (r *JSONReader) Close() error {
	return r.file.Close()
}

// Next returns the canonical records for the next standard_charge_information
// item that carries a whitelisted code. Items with no relevant code are
// skipped. Returns nil, io.EOF when done.
func (r *JSONReader) Next() ([]Record, error) {
	for {
		if r.done {
			return nil, io.EOF
		}
		if !r.decoder.More() {
			r.decoder.Token()
			r.done = true
			return nil, io.EOF
		}

		var item jsonItem
		if err := r.decoder.Decode(&item); err != nil {
			return nil, fmt.Errorf("decode item %d: %w", r.itemNum+1, err)
		}
		r.itemNum++

		if recs := r.expandItem(&item); len(recs) > 0 {
			return recs, nil
		}
	}
}

func (r *JSONReader) expandItem(item *jsonItem) []Record {
	candidates := make([]CodePair, 0, len(item.CodeInformation))
	for _, ci := range item.CodeInformation {
		candidates = append(candidates, CodePair{Code: ci.Code, Type: ci.Type})
	}
	matched, ok := MatchCode(candidates)
	if !ok {
		return nil
	}

	var recs []Record

	for i := range item.StandardCharges {
		sc := &item.StandardCharges[i]

		setting := capitalize(sc.Setting)

		var modifiers *string
		modStr := ""
		if len(sc.ModifierCode) > 0 {
			modStr = strings.Join(sc.ModifierCode, "|")
			modifiers = &modStr
		}

		rec := Record{
			Service: Service{
				ID:          ServiceIDWithModifiers(setting, matched.Code, matched.Type, modStr),
				Setting:     setting,
				Code:        matched.Code,
				Description: item.Description,
				CodeType:    matched.Type,
				Modifiers:   modifiers,
			},
			Charge: StandardCharge{
				Gross:          sc.GrossCharge,
				DiscountedCash: sc.DiscountedCash,
				Min:            sc.Minimum,
				Max:            sc.Maximum,
			},
		}

		for j := range sc.PayersInformation {
			p := &sc.PayersInformation[j]
			rec.Payers = append(rec.Payers, PayerCharge{
				PayerName:           strPtrOrNil(p.PayerName),
				PlanName:            strPtrOrNil(p.PlanName),
				Modifiers:           modifiers,
				NegotiatedDollar:    p.StandardChargeDollar,
				NegotiatedAlgorithm: p.StandardChargeAlgorithm,
				NegotiatedPercent:   p.StandardChargePercent,
				EstimatedAmount:     p.EstimatedAmount,
				Methodology:         strPtrOrNil(p.Methodology),
				AdditionalNotes:     p.AdditionalGenericNotes,
				Median:              p.MedianAmount,
				Percentile10:        p.Percentile10,
				Percentile90:        p.Percentile90,
				Count:               p.Count,
			})
		}

		recs = append(recs, expandBoth(rec, func(s string) string {
			return ServiceIDWithModifiers(s, matched.Code, matched.Type, modStr)
		})...)
	}

	return recs
}
