package job

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresBackend keeps the full record as JSONB next to the columns used
// for filtering and ordering. Schema lives in internal/db/postgres.
type PostgresBackend struct {
	db *sql.DB
}

func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

const uniqueViolation = "23505"

func (b *PostgresBackend) Insert(j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	_, err = b.db.Exec(`
		INSERT INTO analysis_jobs (id, status, started_at, deleted, revision, data)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		j.ID, j.Status, j.StartedAt, j.Deleted, j.Revision, data)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Load(id string) (*Job, error) {
	var data []byte
	err := b.db.QueryRow(`SELECT data FROM analysis_jobs WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{ID: id}
		}
		return nil, fmt.Errorf("get job: %w", err)
	}

	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &j, nil
}

func (b *PostgresBackend) Save(j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	res, err := b.db.Exec(`
		UPDATE analysis_jobs
		SET status = $2, deleted = $3, revision = $4, data = $5, updated_at = NOW()
		WHERE id = $1`,
		j.ID, j.Status, j.Deleted, j.Revision, data)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{ID: j.ID}
	}
	return nil
}

func (b *PostgresBackend) List(q ListQuery) ([]*Job, int, error) {
	var total int
	err := b.db.QueryRow(`
		SELECT COUNT(*) FROM analysis_jobs
		WHERE NOT deleted AND ($1 = '' OR status = $1)`,
		string(q.Status)).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit := sql.NullInt64{Int64: int64(q.Limit), Valid: q.Limit > 0}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := b.db.Query(`
		SELECT data FROM analysis_jobs
		WHERE NOT deleted AND ($1 = '' OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3`,
		string(q.Status), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		var j Job
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, 0, fmt.Errorf("unmarshal job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, total, nil
}

func (b *PostgresBackend) Close() error {
	return b.db.Close()
}
