// Package session holds the domain model shared by the recovery subsystem:
// session identity and status, the reconciled trading state, the persisted
// snapshot read from the cache, and ledger records read from the database.
package session

import (
	"fmt"
	"strconv"
	"strings"

	symbolpkg "keeper/internal/pkg/symbol"
)

// KeyPrefix is the namespace of every cache key written by the trading runtime.
const KeyPrefix = "bot"

// Key identifies one user's running instance of one strategy on one symbol.
type Key struct {
	UserID   int64
	Symbol   string
	Strategy string
}

// NewKey normalizes symbol and strategy the same way the runtime writes them.
func NewKey(userID int64, symbol, strategy string) Key {
	return Key{
		UserID:   userID,
		Symbol:   symbolpkg.ToVenue(symbol),
		Strategy: strings.ToLower(strings.TrimSpace(strategy)),
	}
}

func (k Key) Valid() bool {
	return k.UserID > 0 && k.Symbol != "" && k.Strategy != ""
}

// String is the compact operator-facing form "<uid>:<strategy>:<symbol>".
func (k Key) String() string {
	return fmt.Sprintf("%d:%s:%s", k.UserID, k.Strategy, k.Symbol)
}

// StatePrefix is the cache prefix under which all keys of this session live.
func (k Key) StatePrefix() string {
	return fmt.Sprintf("%s:user:%d:strategy:%s:%s", KeyPrefix, k.UserID, k.Strategy, k.Symbol)
}

// StateKey is where the runtime persists the strategy snapshot.
func (k Key) StateKey() string {
	return k.StatePrefix() + ":state"
}

// MarkerKey is a recovery-owned key next to the state (protective order flags,
// discrepancy markers).
func (k Key) MarkerKey(name string) string {
	return k.StatePrefix() + ":marker:" + strings.TrimSpace(name)
}

// ParseID parses the compact "<uid>:<strategy>:<symbol>" form.
func ParseID(raw string) (Key, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("session id %q: want <uid>:<strategy>:<symbol>", raw)
	}
	uid, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("session id %q: bad user id: %w", raw, err)
	}
	key := NewKey(uid, parts[2], parts[1])
	if !key.Valid() {
		return Key{}, fmt.Errorf("session id %q: incomplete", raw)
	}
	return key, nil
}

// ParseKey parses "bot:user:<uid>:strategy:<type>:<symbol>:state".
func ParseKey(raw string) (Key, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 7 || parts[0] != KeyPrefix || parts[1] != "user" || parts[3] != "strategy" || parts[6] != "state" {
		return Key{}, fmt.Errorf("state key %q: unexpected layout", raw)
	}
	uid, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("state key %q: bad user id: %w", raw, err)
	}
	key := NewKey(uid, parts[5], parts[4])
	if !key.Valid() {
		return Key{}, fmt.Errorf("state key %q: incomplete", raw)
	}
	return key, nil
}
