package etl

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

var (
	nonDigitRe = regexp.MustCompile(`\D`)
	utf8BOM    = []byte{0xEF, 0xBB, 0xBF}
)

// CSVReader streams a hospital MRF CSV and emits canonical charge records.
// Layout contract: row 1 is the hospital metadata header, row 2 its values,
// row 3 the charge-section header, rows 4..N the charges. Files are decoded
// as latin-1 since hospitals do not publish consistent UTF-8.
type CSVReader struct {
	file     *os.File
	csv      *csv.Reader
	rowNum   int64
	hospital Hospital
	cols     *ColumnMapping
}

func NewCSVReader(filepath string) (*CSVReader, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath, err)
	}

	raw := bufio.NewReaderSize(file, 256*1024)

	// Skip a UTF-8 BOM before the latin-1 decoder sees it; decoded, its
	// bytes would survive as stray characters glued to the first header.
	// Some hospitals emit one even though the body is latin-1.
	bom, err := raw.Peek(3)
	if err == nil && bytes.Equal(bom, utf8BOM) {
		raw.Discard(len(utf8BOM))
	}

	reader := csv.NewReader(transform.NewReader(raw, charmap.ISO8859_1.NewDecoder()))
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	r := &CSVReader{
		file: file,
		csv:  reader,
	}

	if err := r.readHeaders(); err != nil {
		file.Close()
		return nil, err
	}

	return r, nil
}

func (r *CSVReader) readHeaders() error {
	headerRow, err := r.csv.Read()
	if err != nil {
		return fmt.Errorf("read metadata header row 1: %w", err)
	}
	r.rowNum++

	valueRow, err := r.csv.Read()
	if err != nil {
		return fmt.Errorf("read metadata value row 2: %w", err)
	}
	r.rowNum++

	r.parseHospitalMeta(headerRow, valueRow)

	chargeHeaders, err := r.csv.Read()
	if err != nil {
		return fmt.Errorf("read charge header row 3: %w", err)
	}
	r.rowNum++

	cols, err := DiscoverColumns(chargeHeaders)
	if err != nil {
		return err
	}
	r.cols = cols

	return nil
}

// parseHospitalMeta pairs the row-1 headers with the row-2 values and fills
// in the Hospital. Headers are matched by normalized substring since column
// naming and order vary per hospital. First match wins per slot.
func (r *CSVReader) parseHospitalMeta(headerRow, valueRow []string) {
	r.hospital.AsOfDate = time.Now()

	for i, col := range headerRow {
		if i >= len(valueRow) {
			break
		}
		norm := normalizeHeader(col)
		val := strings.TrimSpace(valueRow[i])
		if val == "" {
			continue
		}

		switch {
		case strings.Contains(norm, "license") && strings.Contains(norm, "number"):
			if r.hospital.Key == "" {
				// State code is the trailing two characters of the HEADER,
				// not the value ("license_number | CA"). Odd but load-bearing:
				// the stored hospital keys were derived this way.
				header := strings.TrimSpace(col)
				state := header
				if len(header) >= 2 {
					state = header[len(header)-2:]
				}
				r.hospital.Key = nonDigitRe.ReplaceAllString(val, "") + "|" + state
			}
		case strings.Contains(norm, "name"):
			if r.hospital.Name == "" {
				r.hospital.Name = val
			}
		case strings.Contains(norm, "address"):
			if r.hospital.Address == "" {
				r.hospital.Address = val
			}
		case strings.Contains(norm, "location"):
			if r.hospital.Location == "" {
				r.hospital.Location = val
			}
		case strings.Contains(norm, "update"):
			if r.hospital.LastUpdate == nil {
				r.hospital.LastUpdate = strPtrOrNil(val)
			}
		case strings.Contains(norm, "version"):
			if r.hospital.Version == nil {
				r.hospital.Version = strPtrOrNil(val)
			}
		case strings.Contains(norm, "financial") && strings.Contains(norm, "policy"):
			if r.hospital.FinancialAidPolicy == nil {
				r.hospital.FinancialAidPolicy = strPtrOrNil(val)
			}
		}
	}

	// Hospitals without license info key on their published name.
	if r.hospital.Key == "" {
		r.hospital.Key = r.hospital.Name
	}
}

// Hospital returns the metadata parsed from rows 1 and 2. Valid after
// NewCSVReader returns.
func (r *CSVReader) Hospital() Hospital {
	return r.hospital
}

func (r *CSVReader) Format() string {
	return "csv"
}

func (r *CSVReader) RowNum() int64 {
	return r.rowNum
}

func (r *CSVReader) Close() error {
	return r.file.Close()
}

// Next returns the canonical record(s) for the next charge row that passes
// the code filter: one record, or two when the setting is Both. Rows with no
// whitelisted code are skipped. Returns nil, io.EOF when done.
func (r *CSVReader) Next() ([]Record, error) {
	for {
		row, err := r.csv.Read()
		if err != nil {
			return nil, err
		}
		r.rowNum++

		if len(row) == 0 || (len(row) == 1 && row[0] == "") {
			continue
		}

		candidates := make([]CodePair, 0, len(r.cols.CodePairs))
		for _, cp := range r.cols.CodePairs {
			c := CodePair{Code: fieldAt(row, cp.CodeIdx)}
			if cp.TypeIdx >= 0 {
				c.Type = fieldAt(row, cp.TypeIdx)
			}
			candidates = append(candidates, c)
		}
		matched, ok := MatchCode(candidates)
		if !ok {
			continue
		}

		setting := NormalizeSetting(fieldAt(row, r.cols.Setting))

		rec := Record{
			Service: Service{
				ID:          ServiceID(setting, matched.Code, matched.Type),
				Setting:     setting,
				Code:        matched.Code,
				Description: fieldAt(row, r.cols.Description),
				CodeType:    matched.Type,
				Modifiers:   optStrAt(row, r.cols.Modifiers),
			},
			Charge: StandardCharge{
				Gross:          optFloatAt(row, r.cols.Gross),
				DiscountedCash: optFloatAt(row, r.cols.DiscountedCash),
				Min:            optFloatAt(row, r.cols.Min),
				Max:            optFloatAt(row, r.cols.Max),
			},
		}

		payer := PayerCharge{
			PayerName:           optStrAt(row, r.cols.PayerName),
			PlanName:            optStrAt(row, r.cols.PlanName),
			Modifiers:           rec.Service.Modifiers,
			NegotiatedDollar:    optFloatAt(row, r.cols.NegotiatedDollar),
			NegotiatedAlgorithm: optStrAt(row, r.cols.NegotiatedAlgorithm),
			NegotiatedPercent:   optFloatAt(row, r.cols.NegotiatedPercentage),
			EstimatedAmount:     optFloatAt(row, r.cols.EstimatedAmount),
			Methodology:         optStrAt(row, r.cols.Methodology),
			AdditionalNotes:     optStrAt(row, r.cols.AdditionalNotes),
		}
		if payer.PayerName != nil || payer.PlanName != nil {
			rec.Payers = []PayerCharge{payer}
		}

		return expandBoth(rec, func(s string) string {
			return ServiceID(s, matched.Code, matched.Type)
		}), nil
	}
}

func fieldAt(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func optStrAt(row []string, idx int) *string {
	return strPtrOrNil(fieldAt(row, idx))
}

func optFloatAt(row []string, idx int) *float64 {
	return parseFloat(fieldAt(row, idx))
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// parseFloat tolerates the currency formatting hospitals put in numeric
// columns ("$1,234.50"). Unparseable values become nil, not errors.
func parseFloat(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimPrefix(s, "$")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}
