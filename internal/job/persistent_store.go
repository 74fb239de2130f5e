package job

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/zerverless/analysisd/internal/db"
)

const SystemNamespace = "analysisd/"

// BadgerBackend stores one JSON document per job under jobs/<id>.
type BadgerBackend struct {
	dbStore *db.Store
}

func NewBadgerBackend(dbStore *db.Store) *BadgerBackend {
	return &BadgerBackend{dbStore: dbStore}
}

func jobKey(id string) string {
	return fmt.Sprintf("jobs/%s", id)
}

func (b *BadgerBackend) Insert(j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	if err := b.dbStore.Create(SystemNamespace, jobKey(j.ID), data); err != nil {
		if errors.Is(err, db.ErrKeyExists) {
			return ErrExists
		}
		return fmt.Errorf("store job: %w", err)
	}
	return nil
}

func (b *BadgerBackend) Load(id string) (*Job, error) {
	data, err := b.dbStore.Get(SystemNamespace, jobKey(id))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
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

func (b *BadgerBackend) Save(j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := b.dbStore.Set(SystemNamespace, jobKey(j.ID), data); err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	return nil
}

func (b *BadgerBackend) List(q ListQuery) ([]*Job, int, error) {
	var all []*Job
	err := b.dbStore.Scan(SystemNamespace, "jobs/", func(key string, value []byte) error {
		var j Job
		if err := json.Unmarshal(value, &j); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("skipping unreadable job record")
			return nil
		}
		if q.matches(&j) {
			all = append(all, &j)
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("scan jobs: %w", err)
	}

	page, total := q.window(all)
	return page, total, nil
}

func (b *BadgerBackend) Close() error {
	return b.dbStore.Close()
}
