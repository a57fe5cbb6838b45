package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"mrfingest/internal/etl"
)

//go:embed schema.sql
var schemaSQL string

// batchSize is how many rows accumulate before a pgx.Batch round trip.
const batchSize = 5000

// Counts reports how many rows a load inserted or updated per table.
type Counts struct {
	Services        int64
	StandardCharges int64
	PayerCharges    int64
}

// Loader writes canonical charge records into the three-table schema.
type Loader struct {
	pool *pgxpool.Pool
}

func Connect(ctx context.Context, connStr string) (*Loader, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection: %w", err)
	}
	poolConfig.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Loader{pool: pool}, nil
}

func (l *Loader) Close() {
	l.pool.Close()
}

// EnsureSchema creates the tables when they do not exist yet.
func (l *Loader) EnsureSchema(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const (
	upsertHospitalSQL = `
		INSERT INTO hospitals (hospital_key, name, address, location, npi_list,
			as_of_date, last_update, version, financial_aid_policy)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (hospital_key) DO UPDATE SET
			name = EXCLUDED.name,
			address = EXCLUDED.address,
			location = EXCLUDED.location,
			npi_list = EXCLUDED.npi_list,
			as_of_date = EXCLUDED.as_of_date,
			last_update = EXCLUDED.last_update,
			version = EXCLUDED.version,
			financial_aid_policy = EXCLUDED.financial_aid_policy`

	// Services are shared across hospitals and immutable once written.
	insertServiceSQL = `
		INSERT INTO services (service_id, setting, code, description, code_type, modifiers)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (service_id) DO NOTHING`

	// COALESCE keeps a previously stored amount when the incoming row has
	// null for it.
	upsertStandardChargeSQL = `
		INSERT INTO standard_charges (service_id, hospital_key, gross, discounted_cash, min, max)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (service_id, hospital_key) DO UPDATE SET
			gross = COALESCE(EXCLUDED.gross, standard_charges.gross),
			discounted_cash = COALESCE(EXCLUDED.discounted_cash, standard_charges.discounted_cash),
			min = COALESCE(EXCLUDED.min, standard_charges.min),
			max = COALESCE(EXCLUDED.max, standard_charges.max)`

	// Payer rows are overwritten wholesale; the newest file wins.
	upsertPayerChargeSQL = `
		INSERT INTO payer_charges (service_id, hospital_key, payer_name, plan_name,
			modifiers, negotiated_dollar, negotiated_algorithm, negotiated_percent,
			estimated_amount, methodology, additional_notes,
			median, percentile_10, percentile_90, count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (service_id, hospital_key, payer_name, plan_name) DO UPDATE SET
			modifiers = EXCLUDED.modifiers,
			negotiated_dollar = EXCLUDED.negotiated_dollar,
			negotiated_algorithm = EXCLUDED.negotiated_algorithm,
			negotiated_percent = EXCLUDED.negotiated_percent,
			estimated_amount = EXCLUDED.estimated_amount,
			methodology = EXCLUDED.methodology,
			additional_notes = EXCLUDED.additional_notes,
			median = EXCLUDED.median,
			percentile_10 = EXCLUDED.percentile_10,
			percentile_90 = EXCLUDED.percentile_90,
			count = EXCLUDED.count`
)

// RecordSource yields batches of canonical records until io.EOF, the way
// the CSV and JSON readers do.
type RecordSource interface {
	Next() ([]etl.Record, error)
}

// chargeBatch pairs a pgx.Batch with the SQL of each queued statement.
// pgx keeps its queued queries unexported, and attributing each result
// tag to a table needs to know which statement produced it.
type chargeBatch struct {
	batch *pgx.Batch
	sqls  []string
}

func (b *chargeBatch) queue(sql string, args ...any) {
	b.batch.Queue(sql, args...)
	b.sqls = append(b.sqls, sql)
}

func (b *chargeBatch) len() int { return len(b.sqls) }

// LoadHospital ingests one hospital's file inside a single transaction:
// the hospital's old charge rows are deleted, the hospital row upserted,
// then every record streamed in 5000-row batches. Either the whole file
// lands or none of it does.
func (l *Loader) LoadHospital(ctx context.Context, h etl.Hospital, src RecordSource) (Counts, error) {
	var counts Counts

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return counts, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Full replace per hospital: drop its charge rows before reloading.
	// Service rows stay, they are shared with other hospitals.
	if _, err := tx.Exec(ctx, `DELETE FROM payer_charges WHERE hospital_key = $1`, h.Key); err != nil {
		return counts, fmt.Errorf("delete payer_charges for %s: %w", h.Key, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM standard_charges WHERE hospital_key = $1`, h.Key); err != nil {
		return counts, fmt.Errorf("delete standard_charges for %s: %w", h.Key, err)
	}

	if _, err := tx.Exec(ctx, upsertHospitalSQL,
		h.Key, sanitizeUTF8(h.Name), sanitizeUTF8(h.Address), sanitizeUTF8(h.Location),
		optToPgText(h.NPIList), h.AsOfDate, optToPgText(h.LastUpdate),
		optToPgText(h.Version), optToPgText(h.FinancialAidPolicy)); err != nil {
		return counts, fmt.Errorf("upsert hospital %s: %w", h.Key, err)
	}

	batch := &chargeBatch{batch: &pgx.Batch{}}
	flush := func() error {
		if batch.len() == 0 {
			return nil
		}
		if err := sendBatch(ctx, tx, batch, &counts); err != nil {
			return err
		}
		batch = &chargeBatch{batch: &pgx.Batch{}}
		return nil
	}

	for {
		recs, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return counts, fmt.Errorf("read records for %s: %w", h.Key, err)
		}
		for i := range recs {
			l.queueRecord(batch, h.Key, &recs[i])
			if batch.len() >= batchSize {
				if err := flush(); err != nil {
					return counts, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return counts, err
	}

	if err := tx.Commit(ctx); err != nil {
		return counts, fmt.Errorf("commit %s: %w", h.Key, err)
	}

	slog.Info("hospital loaded", "hospital", h.Key,
		"services", counts.Services,
		"standard_charges", counts.StandardCharges,
		"payer_charges", counts.PayerCharges)
	return counts, nil
}

func (l *Loader) queueRecord(batch *chargeBatch, hospitalKey string, rec *etl.Record) {
	s := &rec.Service
	batch.queue(insertServiceSQL,
		s.ID, s.Setting, s.Code, sanitizeUTF8(s.Description), s.CodeType, optToPgText(s.Modifiers))
	batch.queue(upsertStandardChargeSQL,
		s.ID, hospitalKey,
		floatToNumeric(rec.Charge.Gross), floatToNumeric(rec.Charge.DiscountedCash),
		floatToNumeric(rec.Charge.Min), floatToNumeric(rec.Charge.Max))

	for i := range rec.Payers {
		p := &rec.Payers[i]
		// A payer row without both key halves cannot satisfy the table's
		// primary key; drop it.
		if p.PayerName == nil || p.PlanName == nil {
			continue
		}
		batch.queue(upsertPayerChargeSQL,
			s.ID, hospitalKey, sanitizeUTF8(*p.PayerName), sanitizeUTF8(*p.PlanName),
			optToPgText(p.Modifiers),
			floatToNumeric(p.NegotiatedDollar), optToPgText(p.NegotiatedAlgorithm),
			floatToNumeric(p.NegotiatedPercent), floatToNumeric(p.EstimatedAmount),
			optToPgText(p.Methodology), optToPgText(p.AdditionalNotes),
			floatToNumeric(p.Median), floatToNumeric(p.Percentile10),
			floatToNumeric(p.Percentile90), floatToNumeric(p.Count))
	}
}

// sendBatch executes one pgx.Batch round trip and folds the per-statement
// row counts into counts. The statement SQL tells us which table each
// result belongs to.
func sendBatch(ctx context.Context, tx pgx.Tx, batch *chargeBatch, counts *Counts) error {
	br := tx.SendBatch(ctx, batch.batch)
	defer br.Close()

	for _, sql := range batch.sqls {
		tag, err := br.Exec()
		if err != nil {
			return fmt.Errorf("batch exec: %w", err)
		}
		switch sql {
		case insertServiceSQL:
			counts.Services += tag.RowsAffected()
		case upsertStandardChargeSQL:
			counts.StandardCharges += tag.RowsAffected()
		case upsertPayerChargeSQL:
			counts.PayerCharges += tag.RowsAffected()
		}
	}
	return br.Close()
}

func floatToNumeric(f *float64) pgtype.Numeric {
	if f == nil {
		return pgtype.Numeric{Valid: false}
	}
	bf := big.NewFloat(*f)
	text := bf.Text('f', -1)
	var num pgtype.Numeric
	num.Scan(text)
	return num
}

func optToPgText(s *string) pgtype.Text {
	if s == nil || *s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: sanitizeUTF8(*s), Valid: true}
}

func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "�")
}
