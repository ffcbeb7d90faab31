package ehrsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicops/ehrsync/internal/ehr"
	"github.com/clinicops/ehrsync/internal/platform/db"
)

// =========== Mapping Repository ===========

type mappingRepoPG struct{ pool *pgxpool.Pool }

func NewMappingRepoPG(pool *pgxpool.Pool) MappingRepository { return &mappingRepoPG{pool: pool} }

const mappingCols = `id, tenant_id, provider, external_id, patient_id, last_synced_at, created_at`

func scanMapping(row pgx.Row) (*PatientMapping, error) {
	var m PatientMapping
	err := row.Scan(&m.ID, &m.TenantID, &m.Provider, &m.ExternalID, &m.PatientID, &m.LastSyncedAt, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMappingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *mappingRepoPG) GetByPatient(ctx context.Context, tenantID string, provider ehr.Provider, patientID string) (*PatientMapping, error) {
	return scanMapping(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+mappingCols+` FROM ehr_patient_mappings
		WHERE tenant_id = $1 AND provider = $2 AND patient_id = $3`,
		tenantID, provider, patientID))
}

func (r *mappingRepoPG) GetByExternal(ctx context.Context, tenantID string, provider ehr.Provider, externalID string) (*PatientMapping, error) {
	return scanMapping(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+mappingCols+` FROM ehr_patient_mappings
		WHERE tenant_id = $1 AND provider = $2 AND external_id = $3`,
		tenantID, provider, externalID))
}

// Upsert keys on (tenant_id, provider, patient_id). A new external id that is
// already mapped to another patient violates the external-id constraint and
// is returned as an error.
func (r *mappingRepoPG) Upsert(ctx context.Context, m *PatientMapping) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO ehr_patient_mappings (id, tenant_id, provider, external_id, patient_id, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (tenant_id, provider, patient_id) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			last_synced_at = NOW()
		RETURNING id, last_synced_at, created_at`,
		m.ID, m.TenantID, m.Provider, m.ExternalID, m.PatientID,
	).Scan(&m.ID, &m.LastSyncedAt, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert mapping %s/%s: %w", m.Provider, m.PatientID, err)
	}
	return nil
}

func (r *mappingRepoPG) Touch(ctx context.Context, tenantID string, provider ehr.Provider, patientID string) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE ehr_patient_mappings SET last_synced_at = NOW()
		WHERE tenant_id = $1 AND provider = $2 AND patient_id = $3`,
		tenantID, provider, patientID)
	if err != nil {
		return fmt.Errorf("touch mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMappingNotFound
	}
	return nil
}

func (r *mappingRepoPG) List(ctx context.Context, tenantID string, provider ehr.Provider, limit, offset int) ([]*PatientMapping, int, error) {
	w := newWhere("tenant_id", tenantID)
	if provider != "" {
		w.add("provider", provider)
	}
	conn := db.Conn(ctx, r.pool)

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM ehr_patient_mappings`+w.sql(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count mappings: %w", err)
	}

	rows, err := conn.Query(ctx,
		`SELECT `+mappingCols+` FROM ehr_patient_mappings`+w.sql()+
			` ORDER BY last_synced_at DESC, id`+w.page(),
		w.pageArgs(limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var items []*PatientMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}

// =========== Sync Log Repository ===========

type syncLogRepoPG struct{ pool *pgxpool.Pool }

func NewSyncLogRepoPG(pool *pgxpool.Pool) SyncLogRepository { return &syncLogRepoPG{pool: pool} }

const syncLogCols = `id, tenant_id, provider, direction, resource_type, patient_id, external_id, status, detail, created_at`

func (r *syncLogRepoPG) Create(ctx context.Context, l *SyncLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO ehr_sync_logs (id, tenant_id, provider, direction, resource_type, patient_id, external_id, status, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		l.ID, l.TenantID, l.Provider, l.Direction, l.ResourceType, l.PatientID, l.ExternalID, l.Status, l.Detail,
	).Scan(&l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert sync log: %w", err)
	}
	return nil
}

func (r *syncLogRepoPG) List(ctx context.Context, f LogFilter) ([]*SyncLog, int, error) {
	w := newWhere("tenant_id", f.TenantID)
	if f.Provider != "" {
		w.add("provider", f.Provider)
	}
	if f.Status != "" {
		w.add("status", f.Status)
	}
	if f.PatientID != "" {
		w.add("patient_id", f.PatientID)
	}
	conn := db.Conn(ctx, r.pool)

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM ehr_sync_logs`+w.sql(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sync logs: %w", err)
	}

	rows, err := conn.Query(ctx,
		`SELECT `+syncLogCols+` FROM ehr_sync_logs`+w.sql()+
			` ORDER BY created_at DESC, id`+w.page(),
		w.pageArgs(f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sync logs: %w", err)
	}
	defer rows.Close()

	var items []*SyncLog
	for rows.Next() {
		var l SyncLog
		if err := rows.Scan(&l.ID, &l.TenantID, &l.Provider, &l.Direction, &l.ResourceType,
			&l.PatientID, &l.ExternalID, &l.Status, &l.Detail, &l.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &l)
	}
	return items, total, rows.Err()
}

// where accumulates "col = $n" conditions.
type where struct {
	conds []string
	args  []interface{}
}

func newWhere(col string, val interface{}) *where {
	w := &where{}
	w.add(col, val)
	return w
}

func (w *where) add(col string, val interface{}) {
	w.args = append(w.args, val)
	w.conds = append(w.conds, fmt.Sprintf("%s = $%d", col, len(w.args)))
}

func (w *where) sql() string {
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *where) page() string {
	n := len(w.args)
	return fmt.Sprintf(" LIMIT $%d OFFSET $%d", n+1, n+2)
}

func (w *where) pageArgs(limit, offset int) []interface{} {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return append(append([]interface{}{}, w.args...), limit, offset)
}
