// Package storage is the relational persistence layer: trades, orders,
// events, settings, telemetry, and heatmap_levels, backed by GORM/MySQL.
// It is the single source of truth the scheduler and manager read and
// mutate under the singleton-position invariant.
package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/duskline/predator-core/internal/execution"
	"github.com/duskline/predator-core/internal/model"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TradeRecord is the GORM model for the trades table.
type TradeRecord struct {
	ID          string `gorm:"primaryKey"`
	Symbol      string `gorm:"index;not null"`
	Side        string `gorm:"not null"`
	Entry       float64
	SL          float64
	TP1, TP2, TP3 float64
	Qty         float64
	Status      string `gorm:"index;not null"`
	CreatedTS   time.Time `gorm:"index"`
	ClosedTS    *time.Time
	ExitPrice   *float64
	RealizedPnL *float64
	Account     string
	Engine      string
	Exchange    string
	MetaJSON    string `gorm:"type:text"`
}

func (TradeRecord) TableName() string { return "trades" }

// OrderRecord is the GORM model for the orders table.
type OrderRecord struct {
	TradeID   string `gorm:"index;not null"`
	OrderID   string `gorm:"primaryKey"`
	Kind      string `gorm:"not null"`
	Side      string
	Price     float64
	Qty       float64
	Status    string `gorm:"index"`
	CreatedTS time.Time
}

func (OrderRecord) TableName() string { return "orders" }

// EventRecord is the GORM model for the events table.
type EventRecord struct {
	ID      uint `gorm:"primaryKey;autoIncrement"`
	TradeID string `gorm:"index"`
	TS      time.Time `gorm:"index"`
	Tag     string
	Note    string `gorm:"type:text"`
}

func (EventRecord) TableName() string { return "events" }

// SettingRecord is the GORM model for the settings table.
type SettingRecord struct {
	Key   string `gorm:"primaryKey"`
	Value string `gorm:"type:text"`
	TS    time.Time
}

func (SettingRecord) TableName() string { return "settings" }

// TelemetryRecord is the GORM model for the telemetry table.
type TelemetryRecord struct {
	ID          uint `gorm:"primaryKey;autoIncrement"`
	TS          time.Time `gorm:"index"`
	Component   string `gorm:"index"`
	Tag         string `gorm:"index"`
	Message     string `gorm:"type:text"`
	PayloadJSON string `gorm:"type:text"`
}

func (TelemetryRecord) TableName() string { return "telemetry" }

// HeatmapLevelRecord is the GORM model for the heatmap_levels table.
type HeatmapLevelRecord struct {
	ID          uint `gorm:"primaryKey;autoIncrement"`
	TS          time.Time `gorm:"index"`
	TF          string `gorm:"index"`
	PayloadJSON string `gorm:"type:text"`
}

func (HeatmapLevelRecord) TableName() string { return "heatmap_levels" }

// Store is the GORM-backed repository every other package talks to.
type Store struct {
	db *gorm.DB
}

// Open connects to MySQL via dsn and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	if err := db.AutoMigrate(&TradeRecord{}, &OrderRecord{}, &EventRecord{}, &SettingRecord{}, &TelemetryRecord{}, &HeatmapLevelRecord{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// OpenPositionCount enforces the singleton invariant's defining query.
func (s *Store) OpenPositionCount() (int64, error) {
	var n int64
	err := s.db.Model(&TradeRecord{}).Where("status IN ?", []string{string(model.StatusOpen), string(model.StatusPartial)}).Count(&n).Error
	return n, err
}

// CreateTrade persists a new trade row. Callers must have already checked
// OpenPositionCount() == 0.
func (s *Store) CreateTrade(t model.Trade) error {
	meta, _ := json.Marshal(t.Meta)
	rec := TradeRecord{
		ID: t.ID, Symbol: t.Symbol, Side: string(t.Side), Entry: t.Entry, SL: t.SL,
		TP1: t.TP1, TP2: t.TP2, TP3: t.TP3, Qty: t.Qty, Status: string(t.Status),
		CreatedTS: t.CreatedTS, Account: string(t.Account), Engine: t.Engine, Exchange: t.Exchange,
		MetaJSON: string(meta),
	}
	return s.db.Create(&rec).Error
}

// OpenTrade returns the single OPEN/PARTIAL trade, or nil if none.
func (s *Store) OpenTrade() (*model.Trade, error) {
	var rec TradeRecord
	err := s.db.Where("status IN ?", []string{string(model.StatusOpen), string(model.StatusPartial)}).
		Order("created_ts DESC").First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := recordToTrade(rec)
	return &t, nil
}

// LastClosedTrade returns the most recently closed trade, or nil if none.
func (s *Store) LastClosedTrade() (*model.Trade, error) {
	var rec TradeRecord
	err := s.db.Where("status NOT IN ?", []string{string(model.StatusOpen), string(model.StatusPartial)}).
		Order("closed_ts DESC").First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := recordToTrade(rec)
	return &t, nil
}

// UpdateTradeStatus mutates status/qty/close fields on a trade.
func (s *Store) UpdateTradeStatus(id string, status model.TradeStatus, qty float64, exitPrice, realizedPnL *float64, closedTS *time.Time) error {
	updates := map[string]any{"status": string(status), "qty": qty}
	if exitPrice != nil {
		updates["exit_price"] = *exitPrice
	}
	if realizedPnL != nil {
		updates["realized_pn_l"] = *realizedPnL
	}
	if closedTS != nil {
		updates["closed_ts"] = *closedTS
	}
	return s.db.Model(&TradeRecord{}).Where("id = ?", id).Updates(updates).Error
}

// UpdateTradeSL persists a tightened SL value.
func (s *Store) UpdateTradeSL(id string, sl float64) error {
	return s.db.Model(&TradeRecord{}).Where("id = ?", id).Update("sl", sl).Error
}

// UpdateTradeTPs persists a replaced TP ladder.
func (s *Store) UpdateTradeTPs(id string, tp1, tp2, tp3 float64) error {
	return s.db.Model(&TradeRecord{}).Where("id = ?", id).Updates(map[string]any{"tp1": tp1, "tp2": tp2, "tp3": tp3}).Error
}

// RecentTrades lists trades at or after `since`, newest first, for the
// /status endpoint and CSV export.
func (s *Store) RecentTrades(since time.Time) ([]model.Trade, error) {
	var recs []TradeRecord
	if err := s.db.Where("created_ts >= ?", since).Order("created_ts DESC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]model.Trade, len(recs))
	for i, r := range recs {
		out[i] = recordToTrade(r)
	}
	return out, nil
}

// OpenOrPartialTrades returns every trade needing recovery at startup.
func (s *Store) OpenOrPartialTrades() ([]model.Trade, error) {
	var recs []TradeRecord
	if err := s.db.Where("status IN ?", []string{string(model.StatusOpen), string(model.StatusPartial)}).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]model.Trade, len(recs))
	for i, r := range recs {
		out[i] = recordToTrade(r)
	}
	return out, nil
}

func recordToTrade(r TradeRecord) model.Trade {
	var meta map[string]any
	_ = json.Unmarshal([]byte(r.MetaJSON), &meta)
	return model.Trade{
		ID: r.ID, Symbol: r.Symbol, Side: model.Side(r.Side), Entry: r.Entry, SL: r.SL,
		TP1: r.TP1, TP2: r.TP2, TP3: r.TP3, Qty: r.Qty, Status: model.TradeStatus(r.Status),
		CreatedTS: r.CreatedTS, ClosedTS: r.ClosedTS, ExitPrice: r.ExitPrice, RealizedPnL: r.RealizedPnL,
		Account: model.Account(r.Account), Engine: r.Engine, Exchange: r.Exchange, Meta: meta,
	}
}

// --- Orders: execution.OrderStore implementation ---

// OrdersForTrade implements execution.OrderStore.
func (s *Store) OrdersForTrade(tradeID string) ([]model.Order, error) {
	var recs []OrderRecord
	if err := s.db.Where("trade_id = ?", tradeID).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]model.Order, len(recs))
	for i, r := range recs {
		out[i] = model.Order{
			TradeID: r.TradeID, OrderID: r.OrderID, Kind: model.OrderKind(r.Kind), Side: model.Side(r.Side),
			Price: r.Price, Qty: r.Qty, Status: model.OrderStatus(r.Status), CreatedTS: r.CreatedTS,
		}
	}
	return out, nil
}

// AddOrder implements execution.OrderStore.
func (s *Store) AddOrder(o model.Order) error {
	rec := OrderRecord{
		TradeID: o.TradeID, OrderID: o.OrderID, Kind: string(o.Kind), Side: string(o.Side),
		Price: o.Price, Qty: o.Qty, Status: string(o.Status), CreatedTS: o.CreatedTS,
	}
	return s.db.Create(&rec).Error
}

// UpdateOrderStatus implements execution.OrderStore.
func (s *Store) UpdateOrderStatus(tradeID, orderID string, status model.OrderStatus) error {
	return s.db.Model(&OrderRecord{}).Where("trade_id = ? AND order_id = ?", tradeID, orderID).Update("status", string(status)).Error
}

// CancelOrdersByKind implements execution.OrderStore.
func (s *Store) CancelOrdersByKind(tradeID string, kinds ...model.OrderKind) error {
	if len(kinds) == 0 {
		return nil
	}
	strs := make([]string, len(kinds))
	for i, k := range kinds {
		strs[i] = string(k)
	}
	return s.db.Model(&OrderRecord{}).
		Where("trade_id = ? AND kind IN ? AND status = ?", tradeID, strs, string(model.OrderOpen)).
		Update("status", string(model.OrderCanceled)).Error
}

var _ execution.OrderStore = (*Store)(nil)

// --- Events, settings, telemetry ---

// AppendEvent records a structured lifecycle event against a trade.
func (s *Store) AppendEvent(tradeID, tag, note string) error {
	return s.db.Create(&EventRecord{TradeID: tradeID, TS: time.Now(), Tag: tag, Note: note}).Error
}

// PutSetting upserts a key/value setting row.
func (s *Store) PutSetting(key, value string) error {
	return s.db.Save(&SettingRecord{Key: key, Value: value, TS: time.Now()}).Error
}

// GetSetting reads a setting, returning ok=false if absent.
func (s *Store) GetSetting(key string) (string, bool) {
	var rec SettingRecord
	if err := s.db.Where("key = ?", key).First(&rec).Error; err != nil {
		return "", false
	}
	return rec.Value, true
}

// LogTelemetry appends a write-only, append-ordered telemetry row.
func (s *Store) LogTelemetry(component, tag, message string, payload map[string]any) error {
	p, _ := json.Marshal(payload)
	return s.db.Create(&TelemetryRecord{TS: time.Now(), Component: component, Tag: tag, Message: message, PayloadJSON: string(p)}).Error
}

// --- Heatmap persistence ---

// SaveHeatmapLevels persists one timeframe's level set.
func (s *Store) SaveHeatmapLevels(tf string, levels []model.HeatmapLevel) error {
	p, _ := json.Marshal(levels)
	return s.db.Create(&HeatmapLevelRecord{TS: time.Now(), TF: tf, PayloadJSON: string(p)}).Error
}

// RecentHeatmapLevels reads back the most recently persisted level set for
// a timeframe.
func (s *Store) RecentHeatmapLevels(tf string) ([]model.HeatmapLevel, error) {
	var rec HeatmapLevelRecord
	err := s.db.Where("tf = ?", tf).Order("ts DESC").First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var levels []model.HeatmapLevel
	if err := json.Unmarshal([]byte(rec.PayloadJSON), &levels); err != nil {
		return nil, err
	}
	return levels, nil
}

// PurgeHeatmapLevels deletes persisted heatmap rows older than the cutoff,
// run as a periodic auxiliary task alongside CSV export.
func (s *Store) PurgeHeatmapLevels(olderThan time.Time) (int64, error) {
	res := s.db.Where("ts < ?", olderThan).Delete(&HeatmapLevelRecord{})
	return res.RowsAffected, res.Error
}

// --- CSV export ---

// ExportTradesCSV writes the trade ledger since `since` as CSV.
func (s *Store) ExportTradesCSV(w io.Writer, since time.Time) error {
	trades, err := s.RecentTrades(since)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	defer cw.Flush()
	header := []string{"id", "symbol", "side", "entry", "sl", "tp1", "tp2", "tp3", "qty", "status", "created_ts", "closed_ts", "exit_price", "realized_pnl", "engine", "exchange"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, t := range trades {
		row := []string{
			t.ID, t.Symbol, string(t.Side),
			strconv.FormatFloat(t.Entry, 'f', 4, 64),
			strconv.FormatFloat(t.SL, 'f', 4, 64),
			strconv.FormatFloat(t.TP1, 'f', 4, 64),
			strconv.FormatFloat(t.TP2, 'f', 4, 64),
			strconv.FormatFloat(t.TP3, 'f', 4, 64),
			strconv.FormatFloat(t.Qty, 'f', 6, 64),
			string(t.Status),
			t.CreatedTS.Format(time.RFC3339),
			formatTimePtr(t.ClosedTS),
			formatFloatPtr(t.ExitPrice),
			formatFloatPtr(t.RealizedPnL),
			t.Engine, t.Exchange,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return nil
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func formatFloatPtr(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', 6, 64)
}
