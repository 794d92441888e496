package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tapesim/internal/decision"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Run("empty ledger", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "state", "portfolio.json")
		l := New(10000)
		require.NoError(t, l.Save(path))

		got, err := Load(path)
		require.NoError(t, err)
		snap := got.Snapshot()
		assert.Equal(t, 10000.0, snap.InitialCash)
		assert.Equal(t, 10000.0, snap.AvailableCash)
		assert.Empty(t, snap.Positions)
	})

	t.Run("positions and realized pnl survive", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "portfolio.json")
		l := New(10000)
		_, err := l.Apply("BTC", buyDecision(0.5, 68000, 4))
		require.NoError(t, err)
		_, err = l.Apply("ETH", sellDecision(2, 2500, 3))
		require.NoError(t, err)
		l.MarkPrice("BTC", 69000)
		_, err = l.Apply("SOL", buyDecision(10, 150, 2))
		require.NoError(t, err)
		_, err = l.Apply("SOL", decision.Decision{Signal: decision.SignalClose})
		require.NoError(t, err)
		require.NoError(t, l.Save(path))

		got, err := Load(path)
		require.NoError(t, err)

		want := l.Snapshot()
		snap := got.Snapshot()
		assert.Equal(t, want.AvailableCash, snap.AvailableCash)
		assert.Equal(t, want.RealizedPnL, snap.RealizedPnL)
		require.Len(t, snap.Positions, 2)
		for i, p := range snap.Positions {
			assert.Equal(t, want.Positions[i].Symbol, p.Symbol)
			assert.Equal(t, want.Positions[i].Side, p.Side)
			assert.Equal(t, want.Positions[i].Quantity, p.Quantity)
			assert.Equal(t, want.Positions[i].EntryPrice, p.EntryPrice)
			assert.Equal(t, want.Positions[i].Leverage, p.Leverage)
			assert.InDelta(t, want.Positions[i].Margin, p.Margin, 1e-9)
		}
		assetIdentity(t, got)
	})

	t.Run("loaded ledger keeps trading", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "portfolio.json")
		l := New(10000)
		_, err := l.Apply("BTC", buyDecision(1, 100, 2))
		require.NoError(t, err)
		require.NoError(t, l.Save(path))

		got, err := Load(path)
		require.NoError(t, err)
		got.MarkPrice("BTC", 120)
		changed, err := got.Apply("BTC", decision.Decision{Signal: decision.SignalClose})
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, 40.0, got.Snapshot().RealizedPnL)
	})
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.True(t, errors.Is(err, ErrStateNotFound))
}

func TestLoadInitFile(t *testing.T) {
	// 只给初始资金的引导文件也能接受。
	path := filepath.Join(t.TempDir(), "portfolio.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"available_cash": 2500}`), 0o644))

	l, err := Load(path)
	require.NoError(t, err)
	snap := l.Snapshot()
	assert.Equal(t, 2500.0, snap.InitialCash)
	assert.Equal(t, 2500.0, snap.AvailableCash)
}

func TestLoadCorruptStates(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", `{{{{`},
		{"negative cash", `{"version":1,"initial_cash":100,"available_cash":-5}`},
		{"unknown side", `{"version":1,"initial_cash":100,"available_cash":100,"positions":[{"symbol":"BTC","side":"sideways","quantity":1,"entry_price":10,"leverage":1}]}`},
		{"zero quantity", `{"version":1,"initial_cash":100,"available_cash":100,"positions":[{"symbol":"BTC","side":"long","quantity":0,"entry_price":10,"leverage":1}]}`},
		{"duplicate symbol", `{"version":1,"initial_cash":100,"available_cash":100,"positions":[{"symbol":"BTC","side":"long","quantity":1,"entry_price":10,"leverage":1},{"symbol":"BTC","side":"short","quantity":1,"entry_price":10,"leverage":1}]}`},
		{"future version", `{"version":99,"initial_cash":100,"available_cash":100}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "portfolio.json")
			require.NoError(t, os.WriteFile(path, []byte(tc.body), 0o644))
			_, err := Load(path)
			assert.True(t, errors.Is(err, ErrStateCorrupt), "err=%v", err)
		})
	}
}

func TestLoadRecomputesDerivedFields(t *testing.T) {
	// 持久化文件里的派生字段被篡改也不影响账本，一律重算。
	body := `{"version":1,"initial_cash":1000,"available_cash":900,
	  "positions":[{"symbol":"BTC","side":"long","quantity":1,"entry_price":100,
	    "current_price":110,"leverage":2,"margin":50,"notional_usd":99999,"unrealized_pnl":12345}]}`
	path := filepath.Join(t.TempDir(), "portfolio.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	l, err := Load(path)
	require.NoError(t, err)
	pos := l.Snapshot().Positions[0]
	assert.Equal(t, 110.0, pos.NotionalUSD, "名义价值按现价重算")
	assert.Equal(t, 20.0, pos.UnrealizedPnL, "(110-100)×1×2")
}

func TestSaveIsAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portfolio.json")
	l := New(10000)
	require.NoError(t, l.Save(path))
	require.NoError(t, l.Save(path))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "临时文件不残留")
	assert.Equal(t, "portfolio.json", entries[0].Name())
}
