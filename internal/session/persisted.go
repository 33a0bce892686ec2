package session

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

//go:embed persisted_state.schema.json
var persistedStateSchema string

var ErrCorruptState = errors.New("persisted state corrupt")

var (
	schemaOnce     sync.Once
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("persisted_state.json", strings.NewReader(persistedStateSchema)); err != nil {
			schemaErr = err
			return
		}
		schemaCompiled, schemaErr = compiler.Compile("persisted_state.json")
	})
	return schemaCompiled, schemaErr
}

// PersistedState is the snapshot the strategy runtime wrote before shutdown.
// It is read-only; fields are resolved lazily by gjson path.
type PersistedState struct {
	raw    string
	parsed gjson.Result
}

// ParsePersistedState validates raw against the embedded schema. Every failure
// wraps ErrCorruptState.
func ParsePersistedState(raw []byte) (*PersistedState, error) {
	text := string(raw)
	if !gjson.Valid(text) {
		return nil, fmt.Errorf("%w: invalid json", ErrCorruptState)
	}
	schema, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compile persisted state schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return &PersistedState{raw: text, parsed: gjson.Parse(text)}, nil
}

// CheckKey rejects a snapshot stored under a key it does not describe.
func (p *PersistedState) CheckKey(key Key) error {
	got := NewKey(p.parsed.Get("user_id").Int(), p.parsed.Get("symbol").String(), p.parsed.Get("strategy_type").String())
	if got != key {
		return fmt.Errorf("%w: stored under %s but describes %s", ErrCorruptState, key, got)
	}
	return nil
}

func (p *PersistedState) Raw() []byte { return []byte(p.raw) }

func (p *PersistedState) Get(path string) gjson.Result { return p.parsed.Get(path) }

func (p *PersistedState) String(path string) string {
	return strings.TrimSpace(p.parsed.Get(path).String())
}

func (p *PersistedState) Bool(path string) bool { return p.parsed.Get(path).Bool() }

func (p *PersistedState) Int(path string) int64 { return p.parsed.Get(path).Int() }

// Decimal reads numbers and numeric strings alike.
func (p *PersistedState) Decimal(path string) (decimal.Decimal, bool) {
	return decimalOf(p.parsed.Get(path))
}

func decimalOf(res gjson.Result) (decimal.Decimal, bool) {
	if !res.Exists() || res.Type == gjson.Null {
		return decimal.Zero, false
	}
	text := strings.TrimSpace(res.String())
	if res.Type == gjson.Number {
		text = res.Raw
	}
	if text == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// SavedAt accepts RFC 3339 text or unix seconds, as number or string. Zero
// when absent.
func (p *PersistedState) SavedAt() time.Time {
	res := p.parsed.Get("saved_at")
	switch res.Type {
	case gjson.Number:
		sec, frac := splitFloat(res.Float())
		return time.Unix(sec, frac).UTC()
	case gjson.String:
		if ts, err := time.Parse(time.RFC3339Nano, res.String()); err == nil {
			return ts
		}
		if sec, err := strconv.ParseInt(res.String(), 10, 64); err == nil {
			return time.Unix(sec, 0).UTC()
		}
	}
	return time.Time{}
}

func splitFloat(v float64) (int64, int64) {
	sec := int64(v)
	return sec, int64((v - float64(sec)) * 1e9)
}

// CachedPosition is the position as the runtime last knew it.
type CachedPosition struct {
	Active       bool
	Side         Side
	Size         decimal.Decimal
	EntryPrice   decimal.Decimal
	AverageEntry decimal.Decimal
	StopPrice    decimal.Decimal
	StopOrderID  string
}

// Position resolves the cached position. After averaging the runtime keeps the
// combined size in total_position_size and the original in position_size.
func (p *PersistedState) Position() CachedPosition {
	pos := CachedPosition{
		Active:      p.Bool("position_active"),
		Side:        ParseSide(p.String("side")),
		StopOrderID: p.String("stop_loss_order_id"),
	}
	if total, ok := p.Decimal("total_position_size"); ok && total.IsPositive() {
		pos.Size = total
	} else if size, ok := p.Decimal("position_size"); ok {
		pos.Size = size
	}
	pos.EntryPrice, _ = p.Decimal("entry_price")
	pos.AverageEntry, _ = p.Decimal("average_entry_price")
	pos.StopPrice, _ = p.Decimal("stop_loss_price")
	if !pos.Size.IsPositive() {
		pos.Active = false
	}
	return pos
}

// Fills returns averaging fills recorded in the snapshot.
func (p *PersistedState) Fills() []Fill {
	var out []Fill
	p.parsed.Get("averaging.fills").ForEach(func(_, v gjson.Result) bool {
		price, okP := decimalOf(v.Get("price"))
		size, okS := decimalOf(v.Get("size"))
		if !okP || !okS {
			return true
		}
		fee, _ := decimalOf(v.Get("fee"))
		f := Fill{Price: price, Size: size, Fee: fee}
		if at := v.Get("at"); at.Exists() {
			if ts, err := time.Parse(time.RFC3339Nano, at.String()); err == nil {
				f.FilledAt = ts
			}
		}
		out = append(out, f)
		return true
	})
	return out
}
