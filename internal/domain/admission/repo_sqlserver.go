package admission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	mssql "github.com/denisenkom/go-mssqldb"
	"github.com/google/uuid"
)

// SQL Server errors for a duplicate primary key or unique index entry.
const (
	msPrimaryKeyViolation  = 2627
	msUniqueIndexViolation = 2601
)

// msMaxParams keeps IN lists well under the 2100 parameter limit.
const msMaxParams = 1000

// sqlServerSchema is applied by EnsureSchema. SQL Server deployments have no
// migration runner, so every statement is guarded.
var sqlServerSchema = []string{
	`IF OBJECT_ID(N'dbo.hospitals', N'U') IS NULL
	CREATE TABLE dbo.hospitals (
		id   INT IDENTITY(1,1) PRIMARY KEY,
		name NVARCHAR(255) NOT NULL
	)`,
	`IF OBJECT_ID(N'dbo.patients', N'U') IS NULL
	CREATE TABLE dbo.patients (
		id          NVARCHAR(36) PRIMARY KEY,
		seq         BIGINT IDENTITY(1,1) NOT NULL,
		name        NVARCHAR(255) NOT NULL,
		hospital_id INT NULL REFERENCES dbo.hospitals (id),
		updated_at  DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME()
	)`,
	`IF OBJECT_ID(N'dbo.patient_exclusions', N'U') IS NULL
	CREATE TABLE dbo.patient_exclusions (
		patient_id    NVARCHAR(36) NOT NULL REFERENCES dbo.patients (id) ON DELETE CASCADE,
		hospital_name NVARCHAR(255) NOT NULL,
		PRIMARY KEY (patient_id, hospital_name)
	)`,
}

// SQLServerStore is the SQL Server Store, reached through database/sql and
// the go-mssqldb driver.
type SQLServerStore struct {
	db *sql.DB
}

func NewSQLServerStore(db *sql.DB) *SQLServerStore {
	return &SQLServerStore{db: db}
}

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (r *SQLServerStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range sqlServerSchema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure sql server schema: %w", err)
		}
	}
	return nil
}

func (r *SQLServerStore) SeedHospitals(ctx context.Context, names []string) error {
	for _, name := range names {
		_, err := r.db.ExecContext(ctx, `
			IF NOT EXISTS (SELECT 1 FROM dbo.hospitals WHERE UPPER(name) = UPPER(@p1))
				INSERT INTO dbo.hospitals (name) VALUES (@p1)`, name)
		if err != nil {
			return fmt.Errorf("seed hospital %q: %w", name, err)
		}
	}
	return nil
}

// hospitalByName resolves name case-insensitively to the hospital's id and
// stored spelling.
func (r *SQLServerStore) hospitalByName(ctx context.Context, q sqlQuerier, name string) (int, string, error) {
	var id int
	var canonical string
	err := q.QueryRowContext(ctx, `SELECT id, name FROM dbo.hospitals WHERE UPPER(name) = UPPER(@p1)`, name).Scan(&id, &canonical)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", fmt.Errorf("%w: %s", ErrInvalidHospitalName, name)
	}
	return id, canonical, err
}

func isDuplicateKey(err error) bool {
	var msErr mssql.Error
	if !errors.As(err, &msErr) {
		return false
	}
	return msErr.Number == msPrimaryKeyViolation || msErr.Number == msUniqueIndexViolation
}

// inTx runs fn in a transaction, committing only when fn succeeds.
func (r *SQLServerStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const msPatientSelect = `SELECT p.id, p.name, h.name FROM dbo.patients p LEFT JOIN dbo.hospitals h ON h.id = p.hospital_id`

// -- Patients --

func (r *SQLServerStore) StorePatient(ctx context.Context, p Patient) (Patient, error) {
	if p.Status().IsNew() {
		p = p.WithRandomID().WithStatus(OnWaitlist())
	}
	if !p.HasID() {
		return Patient{}, fmt.Errorf("store patient %q: %w", p.Name(), ErrUnsupportedOperation)
	}

	var stored Patient
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var hospitalID sql.NullInt64
		if name, ok := p.Status().Hospital(); ok {
			id, canonical, err := r.hospitalByName(ctx, tx, name)
			if err != nil {
				return err
			}
			if err := checkAdmission(p, canonical); err != nil {
				return err
			}
			hospitalID = sql.NullInt64{Int64: int64(id), Valid: true}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dbo.patients (id, name, hospital_id) VALUES (@p1, @p2, @p3)`,
			p.ID().String(), p.Name(), hospitalID); err != nil {
			if isDuplicateKey(err) {
				return fmt.Errorf("store patient %s: %w", p.ID(), ErrPatientExists)
			}
			return fmt.Errorf("insert patient: %w", err)
		}
		for _, h := range p.DisallowedHospitals() {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO dbo.patient_exclusions (patient_id, hospital_name) VALUES (@p1, @p2)`,
				p.ID().String(), h); err != nil {
				return fmt.Errorf("insert exclusion: %w", err)
			}
		}

		got, err := r.queryPatients(ctx, tx, msPatientSelect+` WHERE p.id = @p1`, p.ID().String())
		if err != nil {
			return err
		}
		stored = got[0]
		return nil
	})
	if err != nil {
		return Patient{}, err
	}
	return stored, nil
}

func (r *SQLServerStore) GetAllPatients(ctx context.Context) ([]Patient, error) {
	return r.queryPatients(ctx, r.db, msPatientSelect+` ORDER BY p.seq`)
}

func (r *SQLServerStore) GetWaitlistedPatients(ctx context.Context) ([]Patient, error) {
	return r.queryPatients(ctx, r.db, msPatientSelect+` WHERE p.hospital_id IS NULL ORDER BY p.seq`)
}

func (r *SQLServerStore) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	patients, err := r.queryPatients(ctx, r.db, msPatientSelect+` WHERE p.id = @p1`, id.String())
	if err != nil {
		return nil, err
	}
	if len(patients) == 0 {
		return nil, nil
	}
	return &patients[0], nil
}

func (r *SQLServerStore) UpdatePatientHospital(ctx context.Context, p Patient) (Patient, error) {
	name, ok := p.Status().Hospital()
	if !ok {
		return Patient{}, fmt.Errorf("update hospital of patient %s (%s): %w", p.ID(), p.Status(), ErrUnsupportedOperation)
	}

	var updated Patient
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		hospitalID, canonical, err := r.hospitalByName(ctx, tx, name)
		if err != nil {
			return fmt.Errorf("update hospital of patient %s: %w", p.ID(), err)
		}
		current, err := r.lockPatient(ctx, tx, p.ID())
		if err != nil {
			return fmt.Errorf("update hospital of patient %s: %w", p.ID(), err)
		}
		if err := checkAdmission(*current, canonical); err != nil {
			return err
		}
		id := sql.NullInt64{Int64: int64(hospitalID), Valid: true}
		if err := r.setHospital(ctx, tx, p.ID(), id); err != nil {
			return err
		}
		got, err := r.queryPatients(ctx, tx, msPatientSelect+` WHERE p.id = @p1`, p.ID().String())
		if err != nil {
			return err
		}
		updated = got[0]
		return nil
	})
	if err != nil {
		return Patient{}, err
	}
	return updated, nil
}

// lockPatient reads a patient under an update lock held until the
// transaction ends.
func (r *SQLServerStore) lockPatient(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*Patient, error) {
	patients, err := r.queryPatients(ctx, tx,
		`SELECT p.id, p.name, h.name FROM dbo.patients p WITH (UPDLOCK, ROWLOCK)
		LEFT JOIN dbo.hospitals h ON h.id = p.hospital_id WHERE p.id = @p1`, id.String())
	if err != nil {
		return nil, err
	}
	if len(patients) == 0 {
		return nil, ErrPatientNotFound
	}
	return &patients[0], nil
}

// setHospital writes a patient's placement; a NULL id puts it on the
// waitlist.
func (r *SQLServerStore) setHospital(ctx context.Context, q sqlQuerier, id uuid.UUID, hospitalID sql.NullInt64) error {
	res, err := q.ExecContext(ctx,
		`UPDATE dbo.patients SET hospital_id = @p2, updated_at = SYSUTCDATETIME() WHERE id = @p1`,
		id.String(), hospitalID)
	if err != nil {
		return fmt.Errorf("update patient hospital: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update hospital of patient %s: %w", id, ErrPatientNotFound)
	}
	return nil
}

func (r *SQLServerStore) queryPatients(ctx context.Context, q sqlQuerier, query string, args ...interface{}) ([]Patient, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var scanned []patientRow
	for rows.Next() {
		var rawID string
		var pr patientRow
		var hospital sql.NullString
		if err := rows.Scan(&rawID, &pr.name, &hospital); err != nil {
			rows.Close()
			return nil, err
		}
		if pr.id, err = uuid.Parse(strings.TrimSpace(rawID)); err != nil {
			rows.Close()
			return nil, fmt.Errorf("parse patient id %q: %w", rawID, err)
		}
		if hospital.Valid {
			h := hospital.String
			pr.hospital = &h
		}
		scanned = append(scanned, pr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	exclusions, err := r.exclusions(ctx, q, scanned)
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

func (r *SQLServerStore) exclusions(ctx context.Context, q sqlQuerier, scanned []patientRow) (map[uuid.UUID][]string, error) {
	out := make(map[uuid.UUID][]string, len(scanned))
	for start := 0; start < len(scanned); start += msMaxParams {
		batch := scanned[start:min(start+msMaxParams, len(scanned))]
		if err := r.exclusionBatch(ctx, q, batch, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *SQLServerStore) exclusionBatch(ctx context.Context, q sqlQuerier, batch []patientRow, out map[uuid.UUID][]string) error {
	placeholders := make([]string, len(batch))
	args := make([]interface{}, len(batch))
	for i, pr := range batch {
		placeholders[i] = fmt.Sprintf("@p%d", i+1)
		args[i] = pr.id.String()
	}

	rows, err := q.QueryContext(ctx,
		`SELECT patient_id, hospital_name FROM dbo.patient_exclusions WHERE patient_id IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var rawID, name string
		if err := rows.Scan(&rawID, &name); err != nil {
			return err
		}
		id, err := uuid.Parse(strings.TrimSpace(rawID))
		if err != nil {
			return fmt.Errorf("parse patient id %q: %w", rawID, err)
		}
		out[id] = append(out[id], name)
	}
	return rows.Err()
}

// -- Hospitals --

func (r *SQLServerStore) GetAllHospitals(ctx context.Context) ([]Hospital, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name FROM dbo.hospitals ORDER BY id`)
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

	admitted, err := r.queryPatients(ctx, r.db, msPatientSelect+` WHERE p.hospital_id IS NOT NULL ORDER BY p.seq`)
	if err != nil {
		return nil, err
	}
	for _, p := range admitted {
		name, _ := p.Status().Hospital()
		for i := range hospitals {
			if hospitals[i].Name == name {
				hospitals[i].Patients = append(hospitals[i].Patients, p)
				break
			}
		}
	}
	return hospitals, nil
}

func (r *SQLServerStore) GetHospital(ctx context.Context, name string) (*Hospital, error) {
	h := Hospital{Patients: []Patient{}}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name FROM dbo.hospitals WHERE UPPER(name) = UPPER(@p1)`, name).Scan(&h.ID, &h.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	roster, err := r.queryPatients(ctx, r.db, msPatientSelect+` WHERE p.hospital_id = @p1 ORDER BY p.seq`, h.ID)
	if err != nil {
		return nil, err
	}
	h.Patients = append(h.Patients, roster...)
	return &h, nil
}

func (r *SQLServerStore) RemovePatientFromHospital(ctx context.Context, patientID uuid.UUID, hospitalName string) (Hospital, error) {
	var canonical string
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if _, canonical, err = r.hospitalByName(ctx, tx, hospitalName); err != nil {
			return err
		}
		current, err := r.lockPatient(ctx, tx, patientID)
		if errors.Is(err, ErrPatientNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("remove patient from hospital: %w", err)
		}
		if at, ok := current.Status().Hospital(); !ok || at != canonical {
			return nil
		}
		back := current.Waitlisted()
		if err := r.setHospital(ctx, tx, back.ID(), sql.NullInt64{}); err != nil {
			return fmt.Errorf("remove patient from hospital: %w", err)
		}
		return nil
	})
	if err != nil {
		return Hospital{}, err
	}
	h, err := r.GetHospital(ctx, canonical)
	if err != nil {
		return Hospital{}, err
	}
	if h == nil {
		return Hospital{}, fmt.Errorf("%w: %s", ErrInvalidHospitalName, hospitalName)
	}
	return *h, nil
}
