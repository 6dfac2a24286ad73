// Package oplog persists the operation log through gorm so a replica
// can restart without losing sync history. SQLite (pure Go driver) is
// the on-device default; a relay can point at Postgres instead and
// fall back to SQLite when it is unreachable.
package oplog

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/tacmap/tacsync/internal/clock"
	"github.com/tacmap/tacsync/internal/config"
	"github.com/tacmap/tacsync/internal/model"
)

// Record is one stored operation. OpKey is the timestamp rendering
// "counter@site", unique across all replicas, which makes appends
// naturally idempotent.
type Record struct {
	ID       uint           `gorm:"primarykey"`
	OpKey    string         `gorm:"uniqueIndex;size:128"`
	Origin   string         `gorm:"index;size:64"`
	Counter  uint64         `gorm:"index"`
	Entity   string         `gorm:"size:16"`
	Action   string         `gorm:"size:16"`
	EntityID string         `gorm:"size:128"`
	Payload  datatypes.JSON `gorm:"not null"`

	CreatedAt time.Time
}

// Log is a durable append-only operation log.
type Log struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// Open connects the configured backend and migrates the schema. A
// postgres backend that cannot be reached falls back to the SQLite
// path so the node keeps recording.
func Open(cfg config.OplogConfig, log zerolog.Logger) (*Log, error) {
	var (
		db  *gorm.DB
		err error
	)

	switch cfg.Backend {
	case "postgres":
		db, err = openPostgres(cfg)
		if err != nil {
			log.Error().Err(err).Msg("Failed to connect to Postgres, falling back to SQLite")
			db, err = openSqlite(cfg.Path)
		}
	default:
		db, err = openSqlite(cfg.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("opening oplog backend: %w", err)
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrating oplog schema: %w", err)
	}

	return &Log{db: db, logger: log}, nil
}

func openPostgres(cfg config.OplogConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=disable`,
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database)

	return gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		CreateBatchSize:        1000,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
}

func openSqlite(path string) (*gorm.DB, error) {
	if path == "" {
		path = "file::memory:?cache=shared"
	}
	return gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		CreateBatchSize:        1000,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
}

func toRecord(op model.Operation) (Record, error) {
	payload, err := model.EncodeOperation(op)
	if err != nil {
		return Record{}, fmt.Errorf("encoding operation %s: %w", op.Key(), err)
	}
	return Record{
		OpKey:    op.Key(),
		Origin:   string(op.Timestamp.Site),
		Counter:  op.Timestamp.Counter,
		Entity:   string(op.Entity),
		Action:   string(op.Action),
		EntityID: op.EntityID,
		Payload:  datatypes.JSON(payload),
	}, nil
}

// Append stores one operation. Re-appending an operation already in
// the log is a no-op.
func (l *Log) Append(op model.Operation) error {
	rec, err := toRecord(op)
	if err != nil {
		return err
	}
	return l.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "op_key"}},
		DoNothing: true,
	}).Create(&rec).Error
}

// AppendBatch stores many operations in one insert, skipping
// duplicates.
func (l *Log) AppendBatch(ops []model.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	recs := make([]Record, 0, len(ops))
	for _, op := range ops {
		rec, err := toRecord(op)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}
	return l.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "op_key"}},
		DoNothing: true,
	}).Create(&recs).Error
}

// ReplayAll streams every stored operation in timestamp order. The
// merge rules make replay order irrelevant for correctness, but a
// deterministic order keeps replay logs readable.
func (l *Log) ReplayAll(fn func(model.Operation) error) error {
	rows, err := l.db.Model(&Record{}).Order("counter asc, origin asc").Rows()
	if err != nil {
		return fmt.Errorf("reading oplog: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec Record
		if err := l.db.ScanRows(rows, &rec); err != nil {
			return fmt.Errorf("scanning oplog record: %w", err)
		}
		op, err := model.DecodeOperation([]byte(rec.Payload))
		if err != nil {
			l.logger.Error().Err(err).Str("opKey", rec.OpKey).Msg("Skipping undecodable oplog record")
			continue
		}
		if err := fn(op); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Count returns the number of stored operations.
func (l *Log) Count() (int64, error) {
	var n int64
	err := l.db.Model(&Record{}).Count(&n).Error
	return n, err
}

// HighestCounter returns the largest counter recorded for a site,
// used to reseed the clock on resume.
func (l *Log) HighestCounter(site clock.ParticipantID) (uint64, error) {
	var n *uint64
	err := l.db.Model(&Record{}).
		Where("origin = ?", string(site)).
		Select("max(counter)").
		Scan(&n).Error
	if err != nil || n == nil {
		return 0, err
	}
	return *n, nil
}

// Prune removes operations stored before the cutoff. Used on relays
// to bound disk growth across long deployments.
func (l *Log) Prune(olderThan time.Time) (int64, error) {
	res := l.db.Where("created_at < ?", olderThan).Delete(&Record{})
	return res.RowsAffected, res.Error
}

// Close releases the underlying connection.
func (l *Log) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
