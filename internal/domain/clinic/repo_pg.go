package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicops/ehrsync/internal/platform/db"
)

// -- Patient Repository --

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewPatientRepo(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

const patientCols = `patient_id, tenant_id, name, name_kana, sex, birthday, tel, created_at, updated_at`

func (r *patientRepoPG) GetByID(ctx context.Context, tenantID, patientID string) (*Patient, error) {
	var p Patient
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients WHERE tenant_id = $1 AND patient_id = $2`,
		tenantID, patientID,
	).Scan(&p.PatientID, &p.TenantID, &p.Name, &p.NameKana, &p.Sex, &p.Birthday, &p.Tel, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO patients (patient_id, tenant_id, name, name_kana, sex, birthday, tel)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		p.PatientID, p.TenantID, p.Name, p.NameKana, p.Sex, p.Birthday, p.Tel,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert patient %s: %w", p.PatientID, err)
	}
	return nil
}

func (r *patientRepoPG) UpdateFields(ctx context.Context, tenantID, patientID string, f PatientFields) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE patients SET
			name = COALESCE($3, name),
			name_kana = COALESCE($4, name_kana),
			sex = COALESCE($5, sex),
			birthday = COALESCE($6, birthday),
			tel = COALESCE($7, tel),
			updated_at = NOW()
		WHERE tenant_id = $1 AND patient_id = $2`,
		tenantID, patientID, f.Name, f.NameKana, f.Sex, f.Birthday, f.Tel,
	)
	if err != nil {
		return fmt.Errorf("update patient %s: %w", patientID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// -- Intake Repository --

type intakeRepoPG struct {
	pool *pgxpool.Pool
}

func NewIntakeRepo(pool *pgxpool.Pool) IntakeRepository {
	return &intakeRepoPG{pool: pool}
}

const intakeCols = `id, tenant_id, patient_id, note, status, answers, created_at`

func (r *intakeRepoPG) Latest(ctx context.Context, tenantID, patientID string) (*Intake, error) {
	in, err := scanIntake(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+intakeCols+` FROM intake
		WHERE tenant_id = $1 AND patient_id = $2
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		tenantID, patientID,
	))
	if err != nil {
		return nil, notFound(err)
	}
	return in, nil
}

func (r *intakeRepoPG) ListWithNotes(ctx context.Context, tenantID, patientID string) ([]*Intake, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+intakeCols+` FROM intake
		WHERE tenant_id = $1 AND patient_id = $2 AND note IS NOT NULL
		ORDER BY created_at, id`,
		tenantID, patientID,
	)
	if err != nil {
		return nil, fmt.Errorf("list intake notes: %w", err)
	}
	defer rows.Close()

	var out []*Intake
	for rows.Next() {
		in, err := scanIntake(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (r *intakeRepoPG) NoteExists(ctx context.Context, tenantID, patientID, note string) (bool, error) {
	var exists bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM intake WHERE tenant_id = $1 AND patient_id = $2 AND note = $3)`,
		tenantID, patientID, note,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check intake note: %w", err)
	}
	return exists, nil
}

func (r *intakeRepoPG) CreateNote(ctx context.Context, tenantID, patientID, note string) (*Intake, error) {
	status := IntakeStatusImported
	in := &Intake{TenantID: tenantID, PatientID: patientID, Note: &note, Status: &status}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO intake (tenant_id, patient_id, note, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		tenantID, patientID, note, status,
	).Scan(&in.ID, &in.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert intake note: %w", err)
	}
	return in, nil
}

func scanIntake(row pgx.Row) (*Intake, error) {
	var in Intake
	var answers []byte
	if err := row.Scan(&in.ID, &in.TenantID, &in.PatientID, &in.Note, &in.Status, &answers, &in.CreatedAt); err != nil {
		return nil, err
	}
	if len(answers) > 0 {
		// Malformed answers are treated as absent rather than failing the read.
		_ = json.Unmarshal(answers, &in.Answers)
	}
	return &in, nil
}

// -- Settings Store --

type settingsStorePG struct {
	pool *pgxpool.Pool
}

func NewSettingsStore(pool *pgxpool.Pool) SettingsStore {
	return &settingsStorePG{pool: pool}
}

func (s *settingsStorePG) GetSetting(ctx context.Context, category, key, tenantID string) (string, error) {
	var value string
	err := db.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT value FROM tenant_settings WHERE tenant_id = $1 AND category = $2 AND key = $3`,
		tenantID, category, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s.%s: %w", category, key, err)
	}
	return value, nil
}

func (s *settingsStorePG) SetSetting(ctx context.Context, category, key, tenantID, value string) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO tenant_settings (tenant_id, category, key, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, category, key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = NOW()`,
		tenantID, category, key, value,
	)
	if err != nil {
		return fmt.Errorf("set setting %s.%s: %w", category, key, err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
