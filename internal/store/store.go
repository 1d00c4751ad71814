// Package store journals engine events into a relational database. The
// journal is append-only: fills, settlements and feed history get typed
// tables the API can query, and every envelope lands in the operations
// table with its payload as JSON. SQLite is the default; a DSN switches
// to Postgres.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ecolom-kz/kreel-core/internal/market/event"
	"github.com/ecolom-kz/kreel-core/pkg/metrics"
)

// OperationRow is the raw envelope journal, one row per event.
type OperationRow struct {
	ID      string    `gorm:"primaryKey;type:varchar(36)"`
	Kind    string    `gorm:"index;type:varchar(32);not null"`
	ChainAt time.Time `gorm:"index;not null"`
	Payload string    `gorm:"type:text;not null"`
}

// FillRow records one executed fill.
type FillRow struct {
	ID      string    `gorm:"primaryKey;type:varchar(36)"`
	ChainAt time.Time `gorm:"index;not null"`

	TakerSide string `gorm:"type:varchar(8);not null"`
	MakerSide string `gorm:"type:varchar(8);not null"`
	TakerID   uint64
	MakerID   uint64

	TakerOwner string `gorm:"index;type:varchar(64);not null"`
	MakerOwner string `gorm:"index;type:varchar(64);not null"`

	PaysAsset       uint32
	PaysAmount      int64
	PaysDisplay     string `gorm:"type:varchar(40)"`
	ReceivesAsset   uint32
	ReceivesAmount  int64
	ReceivesDisplay string `gorm:"type:varchar(40)"`

	PriceNum     int64
	PriceDen     int64
	PriceDisplay string `gorm:"type:varchar(40)"`

	MarginCallFee  int64
	TakerMarketFee int64
	MakerMarketFee int64
}

// SettlementRow records one executed force settlement.
type SettlementRow struct {
	ID      string    `gorm:"primaryKey;type:varchar(36)"`
	ChainAt time.Time `gorm:"index;not null"`

	Receipt string `gorm:"index;type:varchar(32)"`
	Owner   string `gorm:"index;type:varchar(64);not null"`

	SettledAsset    uint32
	SettledAmount   int64
	SettledDisplay  string `gorm:"type:varchar(40)"`
	ReceivedAsset   uint32
	ReceivedAmount  int64
	ReceivedDisplay string `gorm:"type:varchar(40)"`
}

// FeedRow records accepted feeds and median changes.
type FeedRow struct {
	ID      string    `gorm:"primaryKey;type:varchar(36)"`
	ChainAt time.Time `gorm:"index;not null"`

	Kind     string `gorm:"type:varchar(32);not null"`
	Asset    uint32 `gorm:"index"`
	Producer string `gorm:"type:varchar(64)"`

	PriceNum     int64
	PriceDen     int64
	PriceDisplay string `gorm:"type:varchar(40)"`
	MCR          uint16
	MSSR         uint16
}

// Journal is the event.Sink that persists the stream.
type Journal struct {
	log *zap.Logger
	db  *gorm.DB
}

// Open connects and migrates. driver is "sqlite" or "postgres"; an empty
// sqlite DSN falls back to a local file.
func Open(log *zap.Logger, driver, dsn string) (*Journal, error) {
	var dial gorm.Dialector
	switch driver {
	case "", "sqlite":
		if dsn == "" {
			dsn = "kreel.db"
		}
		dial = sqlite.Open(dsn)
	case "postgres":
		dial = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}

	db, err := gorm.Open(dial, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if err := db.AutoMigrate(&OperationRow{}, &FillRow{}, &SettlementRow{}, &FeedRow{}); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &Journal{log: log, db: db}, nil
}

// Push implements event.Sink. Journal failures are logged and counted;
// the engine never sees them.
func (j *Journal) Push(e event.Event) {
	j.write("operations", &OperationRow{
		ID:      e.ID,
		Kind:    string(e.Kind),
		ChainAt: e.ChainAt,
		Payload: marshalPayload(e.Payload),
	})

	switch p := e.Payload.(type) {
	case event.FillPayload:
		j.write("fills", fillRow(e, p))
	case event.SettlePayload:
		if e.Kind == event.KindSettleExecuted {
			j.write("settlements", settlementRow(e, p))
		}
	case event.FeedPayload:
		j.write("feeds", feedRow(e, p))
	}
}

func (j *Journal) write(table string, row interface{}) {
	if err := j.db.Create(row).Error; err != nil {
		j.log.Error("journal write failed", zap.String("table", table), zap.Error(err))
		metrics.JournalWrites.WithLabelValues(table, "error").Inc()
		return
	}
	metrics.JournalWrites.WithLabelValues(table, "ok").Inc()
}

// Fills returns the most recent fills, newest first.
func (j *Journal) Fills(limit int) ([]FillRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []FillRow
	err := j.db.Order("chain_at desc, id").Limit(limit).Find(&rows).Error
	return rows, err
}

// Operations returns recent envelopes of one kind, newest first. An
// empty kind returns every kind.
func (j *Journal) Operations(kind string, limit int) ([]OperationRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := j.db.Order("chain_at desc, id").Limit(limit)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var rows []OperationRow
	err := q.Find(&rows).Error
	return rows, err
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func marshalPayload(p interface{}) string {
	data, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func fillRow(e event.Event, p event.FillPayload) *FillRow {
	return &FillRow{
		ID:      e.ID,
		ChainAt: e.ChainAt,

		TakerSide: string(p.TakerSide),
		MakerSide: string(p.MakerSide),
		TakerID:   p.TakerID,
		MakerID:   p.MakerID,

		TakerOwner: string(p.TakerOwner),
		MakerOwner: string(p.MakerOwner),

		PaysAsset:       uint32(p.TakerPays.Asset),
		PaysAmount:      p.TakerPays.Amount,
		PaysDisplay:     p.TakerPays.Display.String(),
		ReceivesAsset:   uint32(p.TakerReceives.Asset),
		ReceivesAmount:  p.TakerReceives.Amount,
		ReceivesDisplay: p.TakerReceives.Display.String(),

		PriceNum:     p.Price.BaseAmount,
		PriceDen:     p.Price.QuoteAmount,
		PriceDisplay: p.Price.Display.String(),

		MarginCallFee:  p.MarginCallFee,
		TakerMarketFee: p.TakerMarketFee,
		MakerMarketFee: p.MakerMarketFee,
	}
}

func settlementRow(e event.Event, p event.SettlePayload) *SettlementRow {
	return &SettlementRow{
		ID:      e.ID,
		ChainAt: e.ChainAt,

		Receipt: p.Receipt,
		Owner:   string(p.Owner),

		SettledAsset:    uint32(p.Settled.Asset),
		SettledAmount:   p.Settled.Amount,
		SettledDisplay:  p.Settled.Display.String(),
		ReceivedAsset:   uint32(p.Received.Asset),
		ReceivedAmount:  p.Received.Amount,
		ReceivedDisplay: p.Received.Display.String(),
	}
}

func feedRow(e event.Event, p event.FeedPayload) *FeedRow {
	return &FeedRow{
		ID:      e.ID,
		ChainAt: e.ChainAt,

		Kind:     string(e.Kind),
		Asset:    uint32(p.Asset),
		Producer: string(p.Producer),

		PriceNum:     p.Price.BaseAmount,
		PriceDen:     p.Price.QuoteAmount,
		PriceDisplay: p.Price.Display.String(),
		MCR:          p.MCR,
		MSSR:         p.MSSR,
	}
}
