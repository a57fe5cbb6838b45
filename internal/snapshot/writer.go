package snapshot

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"

	"mrfingest/internal/etl"
)

const (
	// rowsPerGroup controls how many rows go into each Parquet row group.
	// Smaller row groups = more granular predicate pushdown over the network
	// (engines skip entire row groups whose min/max stats don't match).
	rowsPerGroup = 50000

	// bloomBitsPerValue controls bloom filter sizing. 10 bits/value ≈ 1%
	// false positive rate.
	bloomBitsPerValue = 10
)

// Row is the flattened archival form of one canonical charge record: one
// row per (service, payer), or one payer-less row when a service has no
// payer charges.
type Row struct {
	HospitalKey string  `parquet:"hospital_key"`
	ServiceID   string  `parquet:"service_id"`
	Setting     string  `parquet:"setting"`
	Code        string  `parquet:"code"`
	CodeType    string  `parquet:"code_type"`
	Description string  `parquet:"description"`
	Modifiers   *string `parquet:"modifiers,optional"`

	Gross          *float64 `parquet:"gross,optional"`
	DiscountedCash *float64 `parquet:"discounted_cash,optional"`
	Min            *float64 `parquet:"min,optional"`
	Max            *float64 `parquet:"max,optional"`

	PayerName           *string  `parquet:"payer_name,optional"`
	PlanName            *string  `parquet:"plan_name,optional"`
	NegotiatedDollar    *float64 `parquet:"negotiated_dollar,optional"`
	NegotiatedAlgorithm *string  `parquet:"negotiated_algorithm,optional"`
	NegotiatedPercent   *float64 `parquet:"negotiated_percent,optional"`
	EstimatedAmount     *float64 `parquet:"estimated_amount,optional"`
	Methodology         *string  `parquet:"methodology,optional"`
	AdditionalNotes     *string  `parquet:"additional_notes,optional"`
	Median              *float64 `parquet:"median,optional"`
	Percentile10        *float64 `parquet:"percentile_10,optional"`
	Percentile90        *float64 `parquet:"percentile_90,optional"`
	Count               *float64 `parquet:"count,optional"`
}

// Writer archives one hospital's canonical rows to a Parquet file tuned for
// analytical readers: zstd, code-sorted rows for tight row-group stats, and
// bloom filters on the columns queries filter by.
type Writer struct {
	file   *os.File
	writer *parquet.GenericWriter[Row]
	rows   []Row
}

func NewWriter(filename string) (*Writer, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create parquet file: %w", err)
	}

	writer := parquet.NewGenericWriter[Row](file,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedDefault}),
		parquet.PageBufferSize(8*1024),
		parquet.DataPageStatistics(true),
		parquet.CreatedBy("mrfingest", "1.0", ""),
		parquet.BloomFilters(
			parquet.SplitBlockFilter(bloomBitsPerValue, "code"),
			parquet.SplitBlockFilter(bloomBitsPerValue, "service_id"),
			parquet.SplitBlockFilter(bloomBitsPerValue, "payer_name"),
			parquet.SplitBlockFilter(bloomBitsPerValue, "plan_name"),
		),
	)

	return &Writer{
		file:   file,
		writer: writer,
	}, nil
}

// Add buffers the flattened rows for one record. Rows are sorted and
// flushed on Close.
func (w *Writer) Add(hospitalKey string, rec *etl.Record) {
	base := Row{
		HospitalKey:    hospitalKey,
		ServiceID:      rec.Service.ID,
		Setting:        rec.Service.Setting,
		Code:           rec.Service.Code,
		CodeType:       rec.Service.CodeType,
		Description:    rec.Service.Description,
		Modifiers:      rec.Service.Modifiers,
		Gross:          rec.Charge.Gross,
		DiscountedCash: rec.Charge.DiscountedCash,
		Min:            rec.Charge.Min,
		Max:            rec.Charge.Max,
	}

	if len(rec.Payers) == 0 {
		w.rows = append(w.rows, base)
		return
	}
	for i := range rec.Payers {
		p := &rec.Payers[i]
		row := base
		row.PayerName = p.PayerName
		row.PlanName = p.PlanName
		row.NegotiatedDollar = p.NegotiatedDollar
		row.NegotiatedAlgorithm = p.NegotiatedAlgorithm
		row.NegotiatedPercent = p.NegotiatedPercent
		row.EstimatedAmount = p.EstimatedAmount
		row.Methodology = p.Methodology
		row.AdditionalNotes = p.AdditionalNotes
		row.Median = p.Median
		row.Percentile10 = p.Percentile10
		row.Percentile90 = p.Percentile90
		row.Count = p.Count
		w.rows = append(w.rows, row)
	}
}

// Count returns the total number of rows buffered.
func (w *Writer) Count() int {
	return len(w.rows)
}

// Close sorts all buffered rows by code, writes them in fixed-size row
// groups (flushing after each group to force row group boundaries), and
// closes the file.
func (w *Writer) Close() error {
	slices.SortFunc(w.rows, func(a, b Row) int {
		if c := strings.Compare(a.Code, b.Code); c != 0 {
			return c
		}
		return cmpOptStr(a.PayerName, b.PayerName)
	})

	for i := 0; i < len(w.rows); i += rowsPerGroup {
		end := min(i+rowsPerGroup, len(w.rows))
		if _, err := w.writer.Write(w.rows[i:end]); err != nil {
			w.file.Close()
			return fmt.Errorf("write parquet rows: %w", err)
		}
		if err := w.writer.Flush(); err != nil {
			w.file.Close()
			return fmt.Errorf("flush row group: %w", err)
		}
	}

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return w.file.Close()
}

// cmpOptStr compares two optional strings, with nil (null) sorting first.
func cmpOptStr(a, b *string) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	return strings.Compare(*a, *b)
}
