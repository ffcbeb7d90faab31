// Package ehrsync reconciles internal patients and intake notes with an
// external EHR through a persistent patient mapping. Every push or pull
// returns a SyncResult and appends exactly one row to the sync log.
package ehrsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicops/ehrsync/internal/domain/clinic"
	"github.com/clinicops/ehrsync/internal/ehr"
	"github.com/clinicops/ehrsync/internal/ehr/mapper"
)

// DefaultBatchSize is the number of patients processed per batch chunk.
const DefaultBatchSize = 50

// Transactor runs fn inside a database transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type noTx struct{}

func (noTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type Service struct {
	patients  clinic.PatientRepository
	intake    clinic.IntakeRepository
	mappings  MappingRepository
	logs      SyncLogRepository
	tx        Transactor
	batchSize int
	logger    zerolog.Logger
}

func NewService(patients clinic.PatientRepository, intake clinic.IntakeRepository, mappings MappingRepository, logs SyncLogRepository, logger zerolog.Logger) *Service {
	return &Service{
		patients:  patients,
		intake:    intake,
		mappings:  mappings,
		logs:      logs,
		tx:        noTx{},
		batchSize: DefaultBatchSize,
		logger:    logger,
	}
}

// WithTransactor makes patient and mapping writes of a pull atomic.
func (s *Service) WithTransactor(tx Transactor) *Service {
	if tx != nil {
		s.tx = tx
	}
	return s
}

// WithBatchSize overrides DefaultBatchSize.
func (s *Service) WithBatchSize(n int) *Service {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// run executes op, recovers from panics, and writes the sync log row.
func (s *Service) run(ctx context.Context, tenantID string, res SyncResult, op func(res *SyncResult)) (out SyncResult) {
	defer func() {
		if r := recover(); r != nil {
			res.fail(fmt.Errorf("panic: %v", r))
			s.logger.Error().Str("tenant_id", tenantID).Interface("panic", r).Msg("ehr sync operation panicked")
		}
		s.record(ctx, tenantID, res)
		out = res
	}()
	op(&res)
	return res
}

func (s *Service) record(ctx context.Context, tenantID string, res SyncResult) {
	ev := s.logger.Info()
	if res.Status == StatusError {
		ev = s.logger.Warn()
	}
	ev.Str("tenant_id", tenantID).
		Str("provider", string(res.Provider)).
		Str("direction", string(res.Direction)).
		Str("resource_type", string(res.ResourceType)).
		Str("patient_id", res.PatientID).
		Str("external_id", res.ExternalID).
		Str("status", string(res.Status)).
		Str("detail", res.Detail).
		Msg("ehr sync")

	// The audit row is written even when the caller's context is canceled.
	if err := s.logs.Create(context.WithoutCancel(ctx), newSyncLog(tenantID, res)); err != nil {
		s.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to write ehr sync log")
	}
}

func newResult(a ehr.Adapter, dir Direction, rt ResourceType) SyncResult {
	return SyncResult{Provider: a.Provider(), Direction: dir, ResourceType: rt}
}

// mappingFor returns the patient's mapping, or nil when there is none.
func (s *Service) mappingFor(ctx context.Context, tenantID string, provider ehr.Provider, patientID string) (*PatientMapping, error) {
	m, err := s.mappings.GetByPatient(ctx, tenantID, provider, patientID)
	if errors.Is(err, ErrMappingNotFound) {
		return nil, nil
	}
	return m, err
}

// PushPatient sends the internal patient to the external system. When the
// patient is already mapped, the mapped external id is sent so the remote
// record is updated rather than duplicated.
func (s *Service) PushPatient(ctx context.Context, tenantID, patientID string, a ehr.Adapter) SyncResult {
	res := newResult(a, DirectionPush, ResourcePatient)
	res.PatientID = patientID
	return s.run(ctx, tenantID, res, func(res *SyncResult) {
		p, err := s.patients.GetByID(ctx, tenantID, patientID)
		if errors.Is(err, clinic.ErrNotFound) {
			res.skip("internal patient not found")
			return
		}
		if err != nil {
			res.fail(fmt.Errorf("load patient: %w", err))
			return
		}

		latest, err := s.intake.Latest(ctx, tenantID, patientID)
		if err != nil && !errors.Is(err, clinic.ErrNotFound) {
			res.fail(fmt.Errorf("load latest intake: %w", err))
			return
		}

		m, err := s.mappingFor(ctx, tenantID, res.Provider, patientID)
		if err != nil {
			res.fail(fmt.Errorf("load mapping: %w", err))
			return
		}

		ep := mapper.ToEhrPatient(*p, latest)
		switch {
		case m != nil:
			ep.ExternalID = m.ExternalID
		case res.Provider == ehr.ProviderCSV:
			// CSV rows need a key and the adapter never generates one.
			ep.ExternalID = patientID
		}

		pushed, err := a.PushPatient(ctx, ep)
		if err != nil {
			res.ExternalID = ep.ExternalID
			res.fail(err)
			return
		}
		if pushed.ExternalID == "" {
			res.fail(errors.New("adapter returned an empty external id"))
			return
		}
		res.ExternalID = pushed.ExternalID

		if err := s.mappings.Upsert(ctx, &PatientMapping{
			TenantID:   tenantID,
			Provider:   res.Provider,
			ExternalID: pushed.ExternalID,
			PatientID:  patientID,
		}); err != nil {
			res.fail(fmt.Errorf("remote push succeeded but mapping was not saved: %w", err))
			return
		}

		if m != nil {
			res.succeed("updated remote patient")
		} else {
			res.succeed("created remote patient")
		}
	})
}

// PullPatientID is the internal id assigned to a patient first seen in an
// external system.
func PullPatientID(provider ehr.Provider, externalID string) string {
	return fmt.Sprintf("EHR_%s_%s", provider, externalID)
}

// PullPatient fetches the external patient. A mapped patient is updated with
// the fields the remote supplied; an unmapped one is created under
// PullPatientID. No attempt is made to match existing patients by content.
func (s *Service) PullPatient(ctx context.Context, tenantID, externalID string, a ehr.Adapter) SyncResult {
	res := newResult(a, DirectionPull, ResourcePatient)
	res.ExternalID = externalID
	return s.run(ctx, tenantID, res, func(res *SyncResult) {
		remote, err := a.GetPatient(ctx, externalID)
		if err != nil {
			res.fail(err)
			return
		}
		if remote == nil {
			res.fail(fmt.Errorf("patient %s not found in %s", externalID, res.Provider))
			return
		}
		fields := mapper.FromEhrPatient(*remote)

		m, err := s.mappings.GetByExternal(ctx, tenantID, res.Provider, externalID)
		if err != nil && !errors.Is(err, ErrMappingNotFound) {
			res.fail(fmt.Errorf("load mapping: %w", err))
			return
		}

		if m != nil {
			res.PatientID = m.PatientID
			err := s.tx.InTx(ctx, func(ctx context.Context) error {
				if err := s.patients.UpdateFields(ctx, tenantID, m.PatientID, fields); err != nil {
					return fmt.Errorf("update patient: %w", err)
				}
				return s.mappings.Touch(ctx, tenantID, res.Provider, m.PatientID)
			})
			if err != nil {
				res.fail(err)
				return
			}
			res.succeed("updated internal patient")
			return
		}

		patientID := PullPatientID(res.Provider, externalID)
		res.PatientID = patientID
		created := false
		err = s.tx.InTx(ctx, func(ctx context.Context) error {
			_, err := s.patients.GetByID(ctx, tenantID, patientID)
			switch {
			case errors.Is(err, clinic.ErrNotFound):
				p := &clinic.Patient{PatientID: patientID, TenantID: tenantID, Name: remote.Name}
				fields.Apply(p)
				if err := s.patients.Create(ctx, p); err != nil {
					return fmt.Errorf("create patient: %w", err)
				}
				created = true
			case err != nil:
				return fmt.Errorf("load patient: %w", err)
			default:
				if err := s.patients.UpdateFields(ctx, tenantID, patientID, fields); err != nil {
					return fmt.Errorf("update patient: %w", err)
				}
			}
			return s.mappings.Upsert(ctx, &PatientMapping{
				TenantID:   tenantID,
				Provider:   res.Provider,
				ExternalID: externalID,
				PatientID:  patientID,
			})
		})
		if err != nil {
			res.fail(err)
			return
		}
		if created {
			res.succeed("created internal patient")
		} else {
			res.succeed("relinked existing internal patient")
		}
	})
}

// PushKarte sends every intake note of a mapped patient. Each call creates
// new remote records; repeated pushes can duplicate them.
func (s *Service) PushKarte(ctx context.Context, tenantID, patientID string, a ehr.Adapter) SyncResult {
	res := newResult(a, DirectionPush, ResourceKarte)
	res.PatientID = patientID
	return s.run(ctx, tenantID, res, func(res *SyncResult) {
		m, err := s.mappingFor(ctx, tenantID, res.Provider, patientID)
		if err != nil {
			res.fail(fmt.Errorf("load mapping: %w", err))
			return
		}
		if m == nil {
			res.skip(fmt.Sprintf("patient is not linked to %s; push the patient first", res.Provider))
			return
		}
		res.ExternalID = m.ExternalID

		rows, err := s.intake.ListWithNotes(ctx, tenantID, patientID)
		if err != nil {
			res.fail(fmt.Errorf("load intake notes: %w", err))
			return
		}
		kartes := mapper.ToEhrKartes(rows, m.ExternalID)

		for i, k := range kartes {
			if err := a.PushKarte(ctx, k); err != nil {
				res.fail(fmt.Errorf("pushed %d of %d kartes: %w", i, len(kartes), err))
				return
			}
		}
		if err := s.mappings.Touch(ctx, tenantID, res.Provider, patientID); err != nil {
			s.logger.Warn().Err(err).Str("tenant_id", tenantID).Str("patient_id", patientID).Msg("failed to refresh mapping timestamp")
		}
		res.succeed(fmt.Sprintf("pushed %d kartes", len(kartes)))
	})
}

// PullKarte imports the remote kartes of a mapped patient as intake notes.
// A note identical to an existing one for the patient is not inserted again.
func (s *Service) PullKarte(ctx context.Context, tenantID, patientID string, a ehr.Adapter) SyncResult {
	res := newResult(a, DirectionPull, ResourceKarte)
	res.PatientID = patientID
	return s.run(ctx, tenantID, res, func(res *SyncResult) {
		m, err := s.mappingFor(ctx, tenantID, res.Provider, patientID)
		if err != nil {
			res.fail(fmt.Errorf("load mapping: %w", err))
			return
		}
		if m == nil {
			res.skip(fmt.Sprintf("patient is not linked to %s; pull or push the patient first", res.Provider))
			return
		}
		res.ExternalID = m.ExternalID

		kartes, err := a.GetKarteList(ctx, m.ExternalID)
		if err != nil {
			res.fail(err)
			return
		}

		imported, duplicates := 0, 0
		for _, k := range kartes {
			note := mapper.FromEhrKarte(k)
			if note == "" {
				continue
			}
			exists, err := s.intake.NoteExists(ctx, tenantID, patientID, note)
			if err != nil {
				res.fail(fmt.Errorf("imported %d kartes before duplicate check failed: %w", imported, err))
				return
			}
			if exists {
				duplicates++
				continue
			}
			if _, err := s.intake.CreateNote(ctx, tenantID, patientID, note); err != nil {
				res.fail(fmt.Errorf("imported %d kartes before insert failed: %w", imported, err))
				return
			}
			imported++
		}

		if err := s.mappings.Touch(ctx, tenantID, res.Provider, patientID); err != nil {
			s.logger.Warn().Err(err).Str("tenant_id", tenantID).Str("patient_id", patientID).Msg("failed to refresh mapping timestamp")
		}
		res.succeed(fmt.Sprintf("imported %d kartes, skipped %d duplicates", imported, duplicates))
	})
}

// SyncBatch pushes or pulls the given patients one at a time, in chunks of
// the configured batch size. Pulls resolve each internal id through its
// mapping; unmapped patients are skipped.
func (s *Service) SyncBatch(ctx context.Context, tenantID string, patientIDs []string, dir Direction, a ehr.Adapter) []SyncResult {
	results := make([]SyncResult, 0, len(patientIDs))
	start := time.Now()

	for lo := 0; lo < len(patientIDs); lo += s.batchSize {
		hi := min(lo+s.batchSize, len(patientIDs))
		for _, id := range patientIDs[lo:hi] {
			results = append(results, s.syncOne(ctx, tenantID, id, dir, a))
		}
		s.logger.Debug().
			Str("tenant_id", tenantID).
			Int("done", hi).
			Int("total", len(patientIDs)).
			Msg("ehr sync batch chunk complete")
	}

	sum := Summarize(results)
	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("provider", string(a.Provider())).
		Str("direction", string(dir)).
		Int("total", sum.Total).
		Int("success", sum.Success).
		Int("error", sum.Error).
		Int("skipped", sum.Skipped).
		Dur("elapsed", time.Since(start)).
		Msg("ehr sync batch finished")
	return results
}

func (s *Service) syncOne(ctx context.Context, tenantID, patientID string, dir Direction, a ehr.Adapter) SyncResult {
	switch dir {
	case DirectionPush:
		return s.PushPatient(ctx, tenantID, patientID, a)
	case DirectionPull:
		m, err := s.mappingFor(ctx, tenantID, a.Provider(), patientID)
		if err != nil || m == nil {
			res := newResult(a, DirectionPull, ResourcePatient)
			res.PatientID = patientID
			return s.run(ctx, tenantID, res, func(res *SyncResult) {
				if err != nil {
					res.fail(fmt.Errorf("load mapping: %w", err))
					return
				}
				res.skip(fmt.Sprintf("patient has never been linked to %s; cannot pull by internal id", res.Provider))
			})
		}
		return s.PullPatient(ctx, tenantID, m.ExternalID, a)
	default:
		res := newResult(a, dir, ResourcePatient)
		res.PatientID = patientID
		return s.run(ctx, tenantID, res, func(res *SyncResult) {
			res.fail(fmt.Errorf("unknown sync direction %q", dir))
		})
	}
}

// TestConnection checks the adapter connection. Failures are reported in the result.
func (s *Service) TestConnection(ctx context.Context, tenantID string, a ehr.Adapter) ehr.ConnectionResult {
	res, err := a.TestConnection(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", tenantID).Str("provider", string(a.Provider())).Msg("ehr connection test failed")
		return ehr.ConnectionResult{OK: false, Message: err.Error()}
	}
	return res
}

// SearchPatients queries the remote system and marks hits that are already
// linked to an internal patient. Searches change nothing and are not logged.
func (s *Service) SearchPatients(ctx context.Context, tenantID string, q ehr.SearchQuery, a ehr.Adapter) ([]PatientMatch, error) {
	if strings.TrimSpace(q.Name) == "" && strings.TrimSpace(q.Tel) == "" && strings.TrimSpace(q.Birthday) == "" {
		return nil, ErrEmptySearch
	}
	found, err := a.SearchPatients(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("search %s patients: %w", a.Provider(), err)
	}

	out := make([]PatientMatch, 0, len(found))
	for _, p := range found {
		match := PatientMatch{Patient: p}
		if p.ExternalID != "" {
			m, err := s.mappings.GetByExternal(ctx, tenantID, a.Provider(), p.ExternalID)
			switch {
			case err == nil:
				match.PatientID = m.PatientID
			case !errors.Is(err, ErrMappingNotFound):
				return nil, fmt.Errorf("load mapping for %s: %w", p.ExternalID, err)
			}
		}
		out = append(out, match)
	}
	return out, nil
}

func (s *Service) GetSyncLogs(ctx context.Context, f LogFilter) ([]*SyncLog, int, error) {
	if f.TenantID == "" {
		return nil, 0, errors.New("tenant_id is required")
	}
	return s.logs.List(ctx, f)
}

func (s *Service) ListMappings(ctx context.Context, tenantID string, provider ehr.Provider, limit, offset int) ([]*PatientMapping, int, error) {
	return s.mappings.List(ctx, tenantID, provider, limit, offset)
}

func (s *Service) GetMapping(ctx context.Context, tenantID string, provider ehr.Provider, patientID string) (*PatientMapping, error) {
	return s.mappings.GetByPatient(ctx, tenantID, provider, patientID)
}
