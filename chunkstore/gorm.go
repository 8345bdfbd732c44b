package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxUpdateAttempts bounds optimistic retries when concurrent writers race on the same record.
const maxUpdateAttempts = 8

type transferRecordModel struct {
	ID             string    `gorm:"column:id;primaryKey;size:64"`
	Destination    string    `gorm:"column:destination"`
	FileName       string    `gorm:"column:file_name"`
	TotalChunks    int       `gorm:"column:total_chunks"`
	ChunkSize      int64     `gorm:"column:chunk_size"`
	ReceivedChunks int       `gorm:"column:received_chunks"`
	ReceivedBytes  int64     `gorm:"column:received_bytes"`
	Rejected       bool      `gorm:"column:rejected"`
	RejectReason   string    `gorm:"column:reject_reason"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime:false;index"`
}

func (transferRecordModel) TableName() string { return "transfer_records" }

func toRecord(m transferRecordModel) Record {
	return Record{
		ID:             m.ID,
		Destination:    m.Destination,
		FileName:       m.FileName,
		TotalChunks:    m.TotalChunks,
		ChunkSize:      m.ChunkSize,
		ReceivedChunks: m.ReceivedChunks,
		ReceivedBytes:  m.ReceivedBytes,
		Rejected:       m.Rejected,
		RejectReason:   m.RejectReason,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func toModel(r Record) transferRecordModel {
	return transferRecordModel{
		ID:             r.ID,
		Destination:    r.Destination,
		FileName:       r.FileName,
		TotalChunks:    r.TotalChunks,
		ChunkSize:      r.ChunkSize,
		ReceivedChunks: r.ReceivedChunks,
		ReceivedBytes:  r.ReceivedBytes,
		Rejected:       r.Rejected,
		RejectReason:   r.RejectReason,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

// GormStore keeps transfer records in a SQL table, shared by every receiver connected to the database.
// Chunk acceptance uses a conditional update on the received counter, so only one writer can advance it.
type GormStore struct {
	db    *gorm.DB
	owned bool
	now   func() time.Time
}

// NewGormStore migrates the transfer_records table and returns a store backed by db.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&transferRecordModel{}); err != nil {
		return nil, fmt.Errorf("migrate transfer records: %w", err)
	}
	return &GormStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *GormStore) take(ctx context.Context, id string) (transferRecordModel, error) {
	var m transferRecordModel
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return transferRecordModel{}, ErrNotFound
	}
	if err != nil {
		return transferRecordModel{}, fmt.Errorf("get transfer %s: %w", id, err)
	}
	return m, nil
}

// Begin ...
func (s *GormStore) Begin(ctx context.Context, id string, init Record) (Record, bool, error) {
	now := s.now()
	init.ID = id
	init.CreatedAt = now
	init.UpdatedAt = now

	m := toModel(init)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m)
	if res.Error != nil {
		return Record{}, false, fmt.Errorf("begin transfer %s: %w", id, res.Error)
	}

	stored, err := s.take(ctx, id)
	if err != nil {
		return Record{}, false, err
	}
	return toRecord(stored), res.RowsAffected == 1, nil
}

// RecordChunk ...
func (s *GormStore) RecordChunk(ctx context.Context, id string, chunk Chunk) (Result, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		m, err := s.take(ctx, id)
		if err != nil {
			return Result{}, err
		}

		record := toRecord(m)
		result, err := apply(&record, chunk, s.now())
		if err != nil || result.AlreadyReceived {
			return result, err
		}

		res := s.db.WithContext(ctx).Model(&transferRecordModel{}).
			Where("id = ? AND received_chunks = ? AND rejected = ?", id, m.ReceivedChunks, false).
			Updates(map[string]interface{}{
				"total_chunks":    record.TotalChunks,
				"received_chunks": record.ReceivedChunks,
				"received_bytes":  record.ReceivedBytes,
				"updated_at":      record.UpdatedAt,
			})
		if res.Error != nil {
			return Result{}, fmt.Errorf("record chunk %d of %s: %w", chunk.Index, id, res.Error)
		}
		if res.RowsAffected == 1 {
			return result, nil
		}
		// another writer advanced or rejected the record, re-evaluate against its state
	}
	return Result{}, fmt.Errorf("record chunk %d of %s: too much contention", chunk.Index, id)
}

// GetState ...
func (s *GormStore) GetState(ctx context.Context, id string) (Record, error) {
	m, err := s.take(ctx, id)
	if err != nil {
		return Record{}, err
	}
	return toRecord(m), nil
}

// Evict ...
func (s *GormStore) Evict(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&transferRecordModel{}).Error; err != nil {
		return fmt.Errorf("evict transfer %s: %w", id, err)
	}
	return nil
}

// IsExpired ...
func (s *GormStore) IsExpired(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, nil
	}
	m, err := s.take(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return expired(m.UpdatedAt, ttl, s.now()), nil
}

// Reject ...
func (s *GormStore) Reject(ctx context.Context, id string, reason string) error {
	now := s.now()
	m := transferRecordModel{
		ID:           id,
		Rejected:     true,
		RejectReason: reason,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"rejected":      true,
			"reject_reason": reason,
			"updated_at":    now,
		}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("reject transfer %s: %w", id, err)
	}
	return nil
}

// ListExpired ...
func (s *GormStore) ListExpired(ctx context.Context, ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		return nil, nil
	}

	var ids []string
	err := s.db.WithContext(ctx).Model(&transferRecordModel{}).
		Where("updated_at < ?", s.now().Add(-ttl)).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list expired transfers: %w", err)
	}
	return ids, nil
}

// Close closes the underlying connection pool when the store opened it.
func (s *GormStore) Close() error {
	if !s.owned {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
