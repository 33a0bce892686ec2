package session

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeyRoundTrip(t *testing.T) {
	key := NewKey(1001, "btcusdt", "Averaging")
	assert.Equal(t, "bot:user:1001:strategy:averaging:BTCUSDT:state", key.StateKey())

	parsed, err := ParseKey(key.StateKey())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)

	byID, err := ParseID(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, byID)

	assert.Equal(t, "bot:user:1001:strategy:averaging:BTCUSDT:marker:stop", key.MarkerKey("stop"))
}

func TestParseKeyRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"bot:user:x:strategy:averaging:BTCUSDT:state",
		"bot:user:1:strategy:averaging:BTCUSDT",
		"bot:user:1:strategy::BTCUSDT:state",
		"other:user:1:strategy:averaging:BTCUSDT:state",
	} {
		_, err := ParseKey(raw)
		assert.Error(t, err, raw)
	}
}

func TestParsePersistedState(t *testing.T) {
	raw := `{
		"user_id": 1001, "symbol": "BTCUSDT", "strategy_type": "averaging",
		"position_active": true, "side": "long",
		"entry_price": "100", "position_size": 5, "total_position_size": "10",
		"average_entry_price": 97.5, "stop_loss_price": "95", "stop_loss_order_id": 42,
		"averaging": {"executed": true, "count": 1, "fills": [
			{"price": "100", "size": "5"}, {"price": 95, "size": 5, "fee": "0.1"}
		]}
	}`
	ps, err := ParsePersistedState([]byte(raw))
	require.NoError(t, err)
	require.NoError(t, ps.CheckKey(NewKey(1001, "BTCUSDT", "averaging")))

	pos := ps.Position()
	assert.True(t, pos.Active)
	assert.Equal(t, SideLong, pos.Side)
	assert.True(t, pos.Size.Equal(decimal.NewFromInt(10)))
	assert.True(t, pos.AverageEntry.Equal(decimal.RequireFromString("97.5")))
	assert.Equal(t, "42", pos.StopOrderID)

	fills := ps.Fills()
	require.Len(t, fills, 2)
	avg, ok := WeightedAverage(fills)
	require.True(t, ok)
	assert.True(t, avg.Equal(decimal.RequireFromString("97.5")))
}

func TestParsePersistedStateCorrupt(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"user_id":`,
		"missing symbol":  `{"user_id": 1, "strategy_type": "averaging"}`,
		"bad size":        `{"user_id": 1, "symbol": "X", "strategy_type": "a", "position_size": "ten"}`,
		"active not bool": `{"user_id": 1, "symbol": "X", "strategy_type": "a", "position_active": "yes"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePersistedState([]byte(raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCorruptState))
		})
	}
}

func TestCheckKeyMismatch(t *testing.T) {
	ps, err := ParsePersistedState([]byte(`{"user_id": 7, "symbol": "ETHUSDT", "strategy_type": "averaging"}`))
	require.NoError(t, err)
	err = ps.CheckKey(NewKey(7, "BTCUSDT", "averaging"))
	assert.ErrorIs(t, err, ErrCorruptState)
}

func TestSessionStateIsCopied(t *testing.T) {
	s := New(NewKey(1, "BTCUSDT", "averaging"))
	assert.Equal(t, StatusPending, s.Status())
	s.Update(func(st *State) {
		st.Averaging.Fills = []Fill{{Price: decimal.NewFromInt(1), Size: decimal.NewFromInt(1)}}
	})
	cp := s.State()
	cp.Averaging.Fills[0].Price = decimal.NewFromInt(99)
	assert.True(t, s.State().Averaging.Fills[0].Price.Equal(decimal.NewFromInt(1)))
}

func TestLedgerAverageEntryFallsBackToFills(t *testing.T) {
	rec := LedgerRecord{Fills: []Fill{
		{Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1)},
		{Price: decimal.NewFromInt(80), Size: decimal.NewFromInt(3)},
	}}
	avg, ok := rec.AverageEntry()
	require.True(t, ok)
	assert.True(t, avg.Equal(decimal.NewFromInt(85)))

	stored := decimal.NewFromInt(90)
	rec.AverageEntryPrice = &stored
	avg, _ = rec.AverageEntry()
	assert.True(t, avg.Equal(stored))
}

func TestPersistedStateSavedAt(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := map[string]string{
		"rfc3339":        `"2024-03-01T12:00:00Z"`,
		"unix number":    `1709294400`,
		"unix as string": `"1709294400"`,
	}
	for name, saved := range cases {
		t.Run(name, func(t *testing.T) {
			ps, err := ParsePersistedState([]byte(`{"user_id":1,"symbol":"BTCUSDT","strategy_type":"averaging","saved_at":` + saved + `}`))
			require.NoError(t, err)
			assert.True(t, want.Equal(ps.SavedAt()), ps.SavedAt().String())
		})
	}

	ps, err := ParsePersistedState([]byte(`{"user_id":1,"symbol":"BTCUSDT","strategy_type":"averaging"}`))
	require.NoError(t, err)
	assert.True(t, ps.SavedAt().IsZero())
}
