// Package symbols validates subscribe requests against instrument reference
// data. The proxy only reads it; the data is owned elsewhere.
package symbols

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"tickproxy/config"
	"tickproxy/internal/storage"
)

// ErrNotFound is returned for instruments the reference does not know.
var ErrNotFound = errors.New("symbol not found")

// Metadata describes one instrument.
type Metadata struct {
	Symbol   string  `json:"symbol"`
	Exchange string  `json:"exchange"`
	Name     string  `json:"name,omitempty"`
	Token    string  `json:"token,omitempty"`
	LotSize  float64 `json:"lot_size,omitempty"`
	TickSize float64 `json:"tick_size,omitempty"`
}

// Reference answers whether (symbol, exchange) is tradable.
type Reference interface {
	Validate(ctx context.Context, symbol, exchange string) (Metadata, error)
}

type key struct {
	exchange string
	symbol   string
}

func keyOf(symbol, exchange string) key {
	ex := strings.ToUpper(strings.TrimSpace(exchange))
	return key{exchange: ex, symbol: Normalize(ex, symbol)}
}

func notFound(symbol, exchange string) error {
	return fmt.Errorf("%w: %s on %s", ErrNotFound, symbol, exchange)
}

// Static serves a fixed list loaded from the config file or a symbols file.
type Static struct {
	entries map[key]Metadata
}

func NewStatic(entries []config.SymbolEntry) *Static {
	s := &Static{entries: make(map[key]Metadata, len(entries))}
	for _, e := range entries {
		k := keyOf(e.Symbol, e.Exchange)
		s.entries[k] = Metadata{
			Symbol:   k.symbol,
			Exchange: k.exchange,
			Name:     e.Name,
			Token:    e.Token,
			LotSize:  e.LotSize,
			TickSize: e.TickSize,
		}
	}
	return s
}

func (s *Static) Validate(_ context.Context, symbol, exchange string) (Metadata, error) {
	if md, ok := s.entries[keyOf(symbol, exchange)]; ok {
		return md, nil
	}
	return Metadata{}, notFound(symbol, exchange)
}

// Len reports the number of known instruments.
func (s *Static) Len() int { return len(s.entries) }

// AllowAll accepts every non-empty symbol. Used when no reference source is
// configured.
type AllowAll struct{}

func (AllowAll) Validate(_ context.Context, symbol, exchange string) (Metadata, error) {
	if strings.TrimSpace(symbol) == "" || strings.TrimSpace(exchange) == "" {
		return Metadata{}, notFound(symbol, exchange)
	}
	k := keyOf(symbol, exchange)
	return Metadata{Symbol: k.symbol, Exchange: k.exchange}, nil
}

// SQL looks instruments up in the instruments table.
type SQL struct {
	db    *storage.DB
	query string
}

func NewSQL(db *storage.DB) *SQL {
	return &SQL{
		db: db,
		query: db.Rebind(`SELECT symbol, exchange, name, token, lot_size, tick_size
			FROM instruments WHERE exchange = ? AND symbol = ?`),
	}
}

func (s *SQL) Validate(ctx context.Context, symbol, exchange string) (Metadata, error) {
	k := keyOf(symbol, exchange)
	var md Metadata
	err := s.db.QueryRowContext(ctx, s.query, k.exchange, k.symbol).Scan(
		&md.Symbol, &md.Exchange, &md.Name, &md.Token, &md.LotSize, &md.TickSize)
	if errors.Is(err, sql.ErrNoRows) {
		return Metadata{}, notFound(symbol, exchange)
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("symbol lookup: %w", err)
	}
	return md, nil
}

// Import upserts entries into the instruments table.
func (s *SQL) Import(ctx context.Context, entries []config.SymbolEntry) error {
	stmt := s.db.Rebind(`INSERT INTO instruments (exchange, symbol, name, token, lot_size, tick_size)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (exchange, symbol) DO UPDATE SET
			name = excluded.name, token = excluded.token,
			lot_size = excluded.lot_size, tick_size = excluded.tick_size`)
	for i, e := range entries {
		k := keyOf(e.Symbol, e.Exchange)
		if _, err := s.db.ExecContext(ctx, stmt, k.exchange, k.symbol, e.Name, e.Token, e.LotSize, e.TickSize); err != nil {
			return fmt.Errorf("import symbols[%d]: %w", i, err)
		}
	}
	return nil
}

// New builds the Reference selected by cfg.Source.
func New(cfg config.SymbolsConfig, db *storage.DB) (Reference, error) {
	switch cfg.Source {
	case config.SourceStatic:
		return NewStatic(cfg.Entries), nil
	case config.SourceSQL:
		if db == nil {
			return nil, fmt.Errorf("symbols source sql requires a database")
		}
		return NewSQL(db), nil
	case config.SourceNone, "":
		return AllowAll{}, nil
	default:
		return nil, fmt.Errorf("unknown symbols source %q", cfg.Source)
	}
}
