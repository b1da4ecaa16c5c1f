package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/admission/internal/platform/db"
)

const pgUniqueViolation = "23505"

// PGStore is the PostgreSQL Store. The patient row holds the hospital
// reference; rosters are derived by joining on it.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *PGStore) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const patientCols = `p.id, p.name, h.name`

const patientFrom = ` FROM patients p LEFT JOIN hospitals h ON h.id = p.hospital_id`

func (r *PGStore) SeedHospitals(ctx context.Context, names []string) error {
	for _, name := range names {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO hospitals (name)
			SELECT $1::varchar WHERE NOT EXISTS (SELECT 1 FROM hospitals WHERE LOWER(name) = LOWER($1))`,
			name)
		if err != nil {
			return fmt.Errorf("seed hospital %q: %w", name, err)
		}
	}
	return nil
}

// hospitalByName resolves name case-insensitively to the hospital's id and
// stored spelling.
func (r *PGStore) hospitalByName(ctx context.Context, name string) (int, string, error) {
	var id int
	var canonical string
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, name FROM hospitals WHERE LOWER(name) = LOWER($1)`, name).Scan(&id, &canonical)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", fmt.Errorf("%w: %s", ErrInvalidHospitalName, name)
	}
	return id, canonical, err
}

// -- Patients --

func (r *PGStore) StorePatient(ctx context.Context, p Patient) (Patient, error) {
	if p.Status().IsNew() {
		p = p.WithRandomID().WithStatus(OnWaitlist())
	}
	if !p.HasID() {
		return Patient{}, fmt.Errorf("store patient %q: %w", p.Name(), ErrUnsupportedOperation)
	}

	var stored Patient
	err := db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		var hospitalID *int
		if name, ok := p.Status().Hospital(); ok {
			id, canonical, err := r.hospitalByName(ctx, name)
			if err != nil {
				return err
			}
			if err := checkAdmission(p, canonical); err != nil {
				return err
			}
			hospitalID = &id
		}

		_, err := r.conn(ctx).Exec(ctx,
			`INSERT INTO patients (id, name, hospital_id) VALUES ($1, $2, $3)`,
			p.ID(), p.Name(), hospitalID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return fmt.Errorf("store patient %s: %w", p.ID(), ErrPatientExists)
			}
			return fmt.Errorf("insert patient: %w", err)
		}

		for _, h := range p.DisallowedHospitals() {
			if _, err := r.conn(ctx).Exec(ctx,
				`INSERT INTO patient_exclusions (patient_id, hospital_name) VALUES ($1, $2)`,
				p.ID(), h); err != nil {
				return fmt.Errorf("insert exclusion: %w", err)
			}
		}

		got, err := r.getPatient(ctx, p.ID())
		if err != nil {
			return err
		}
		stored = *got
		return nil
	})
	if err != nil {
		return Patient{}, err
	}
	return stored, nil
}

func (r *PGStore) GetAllPatients(ctx context.Context) ([]Patient, error) {
	return r.queryPatients(ctx, `SELECT `+patientCols+patientFrom+` ORDER BY p.seq`)
}

func (r *PGStore) GetWaitlistedPatients(ctx context.Context) ([]Patient, error) {
	return r.queryPatients(ctx, `SELECT `+patientCols+patientFrom+` WHERE p.hospital_id IS NULL ORDER BY p.seq`)
}

func (r *PGStore) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := r.getPatient(ctx, id)
	if errors.Is(err, ErrPatientNotFound) {
		return nil, nil
	}
	return p, err
}

func (r *PGStore) getPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	patients, err := r.queryPatients(ctx, `SELECT `+patientCols+patientFrom+` WHERE p.id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(patients) == 0 {
		return nil, ErrPatientNotFound
	}
	return &patients[0], nil
}

func (r *PGStore) UpdatePatientHospital(ctx context.Context, p Patient) (Patient, error) {
	name, ok := p.Status().Hospital()
	if !ok {
		return Patient{}, fmt.Errorf("update hospital of patient %s (%s): %w", p.ID(), p.Status(), ErrUnsupportedOperation)
	}

	var updated Patient
	err := db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		hospitalID, canonical, err := r.hospitalByName(ctx, name)
		if err != nil {
			return fmt.Errorf("update hospital of patient %s: %w", p.ID(), err)
		}
		current, err := r.lockPatient(ctx, p.ID())
		if err != nil {
			return fmt.Errorf("update hospital of patient %s: %w", p.ID(), err)
		}
		if err := checkAdmission(*current, canonical); err != nil {
			return err
		}
		if err := r.setHospital(ctx, p.ID(), &hospitalID); err != nil {
			return err
		}
		got, err := r.getPatient(ctx, p.ID())
		if err != nil {
			return err
		}
		updated = *got
		return nil
	})
	if err != nil {
		return Patient{}, err
	}
	return updated, nil
}

// lockPatient reads a patient and holds its row until the transaction ends.
func (r *PGStore) lockPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var locked uuid.UUID
	err := r.conn(ctx).QueryRow(ctx, `SELECT id FROM patients WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.getPatient(ctx, id)
}

// setHospital writes a patient's placement; nil puts it on the waitlist.
func (r *PGStore) setHospital(ctx context.Context, id uuid.UUID, hospitalID *int) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE patients SET hospital_id = $2, updated_at = NOW() WHERE id = $1`, id, hospitalID)
	if err != nil {
		return fmt.Errorf("update patient hospital: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update hospital of patient %s: %w", id, ErrPatientNotFound)
	}
	return nil
}

type patientRow struct {
	id       uuid.UUID
	name     string
	hospital *string
}

func (r *PGStore) queryPatients(ctx context.Context, sql string, args ...interface{}) ([]Patient, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scanned []patientRow
	for rows.Next() {
		var pr patientRow
		if err := rows.Scan(&pr.id, &pr.name, &pr.hospital); err != nil {
			return nil, err
		}
		scanned = append(scanned, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	exclusions, err := r.exclusions(ctx, scanned)
	if err != nil {
		return nil, err
	}

	patients := make([]Patient, 0, len(scanned))
	for _, pr := range scanned {
		p := NewPatient(pr.name).WithDisallowedHospitals(exclusions[pr.id]).WithID(pr.id)
		if pr.hospital != nil {
			p = p.WithStatus(AdmittedTo(*pr.hospital))
		} else {
			p = p.WithStatus(OnWaitlist())
		}
		patients = append(patients, p)
	}
	return patients, nil
}

func (r *PGStore) exclusions(ctx context.Context, scanned []patientRow) (map[uuid.UUID][]string, error) {
	out := make(map[uuid.UUID][]string, len(scanned))
	if len(scanned) == 0 {
		return out, nil
	}
	ids := make([]uuid.UUID, len(scanned))
	for i, pr := range scanned {
		ids[i] = pr.id
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT patient_id, hospital_name FROM patient_exclusions WHERE patient_id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = append(out[id], name)
	}
	return out, rows.Err()
}

// -- Hospitals --

func (r *PGStore) GetAllHospitals(ctx context.Context) ([]Hospital, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, name FROM hospitals ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var hospitals []Hospital
	for rows.Next() {
		h := Hospital{Patients: []Patient{}}
		if err := rows.Scan(&h.ID, &h.Name); err != nil {
			rows.Close()
			return nil, err
		}
		hospitals = append(hospitals, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	admitted, err := r.queryPatients(ctx, `SELECT `+patientCols+patientFrom+` WHERE p.hospital_id IS NOT NULL ORDER BY p.seq`)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]int, len(hospitals))
	for i, h := range hospitals {
		byName[h.Name] = i
	}
	for _, p := range admitted {
		name, _ := p.Status().Hospital()
		if i, ok := byName[name]; ok {
			hospitals[i].Patients = append(hospitals[i].Patients, p)
		}
	}
	return hospitals, nil
}

func (r *PGStore) GetHospital(ctx context.Context, name string) (*Hospital, error) {
	h := Hospital{Patients: []Patient{}}
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, name FROM hospitals WHERE LOWER(name) = LOWER($1)`, name).Scan(&h.ID, &h.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	roster, err := r.queryPatients(ctx,
		`SELECT `+patientCols+patientFrom+` WHERE p.hospital_id = $1 ORDER BY p.seq`, h.ID)
	if err != nil {
		return nil, err
	}
	h.Patients = append(h.Patients, roster...)
	return &h, nil
}

func (r *PGStore) RemovePatientFromHospital(ctx context.Context, patientID uuid.UUID, hospitalName string) (Hospital, error) {
	var out Hospital
	err := db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		_, canonical, err := r.hospitalByName(ctx, hospitalName)
		if err != nil {
			return err
		}
		current, err := r.lockPatient(ctx, patientID)
		if err != nil && !errors.Is(err, ErrPatientNotFound) {
			return fmt.Errorf("remove patient from hospital: %w", err)
		}
		if current != nil {
			if at, ok := current.Status().Hospital(); ok && at == canonical {
				back := current.Waitlisted()
				if err := r.setHospital(ctx, back.ID(), nil); err != nil {
					return fmt.Errorf("remove patient from hospital: %w", err)
				}
			}
		}
		h, err := r.GetHospital(ctx, canonical)
		if err != nil {
			return err
		}
		out = *h
		return nil
	})
	if err != nil {
		return Hospital{}, err
	}
	return out, nil
}
