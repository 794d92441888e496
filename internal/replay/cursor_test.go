package replay

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tapesim/internal/market"
)

func writeSeries(t *testing.T, dir, symbol, content string) {
	t.Helper()
	path := filepath.Join(dir, symbol+"_historical.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func risingSeries(n int) string {
	out := "timestamp,open,high,low,close,volume\n"
	for i := 0; i < n; i++ {
		price := 100.0 + float64(i)
		out += fmt.Sprintf("%d,%.1f,%.1f,%.1f,%.1f,%d\n", 1700000000+int64(i)*60, price, price+1, price-1, price, 10+i)
	}
	return out
}

func TestCursorLoad(t *testing.T) {
	dir := t.TempDir()
	writeSeries(t, dir, "BTC", risingSeries(5))
	c := NewCursor(dir)

	require.NoError(t, c.Load("btc"))
	assert.Equal(t, 5, c.Len("BTC"))
	assert.Equal(t, []string{"BTC"}, c.Symbols())

	t.Run("repeated load is a no-op", func(t *testing.T) {
		require.NoError(t, c.Load("BTC"))
		assert.Equal(t, 5, c.Len("BTC"))
	})

	t.Run("missing file", func(t *testing.T) {
		err := c.Load("ETH")
		assert.True(t, errors.Is(err, ErrDataUnavailable))
	})

	t.Run("symbol rejected before any file access", func(t *testing.T) {
		ghost := NewCursor(filepath.Join(dir, "does-not-exist"))
		for _, s := range []string{"../etc/passwd", "BTC/../../secret", "BTC;rm -rf", "BTC|cat"} {
			err := ghost.Load(s)
			assert.True(t, errors.Is(err, market.ErrRejectedSymbol), s)
		}
	})
}

func TestCursorLoadBadFiles(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing column", "timestamp,open,high,low,close\n1700000000,1,2,0.5,1.5\n"},
		{"header only", "timestamp,open,high,low,close,volume\n"},
		{"garbage row", "timestamp,open,high,low,close,volume\n1700000000,1,2,0.5,abc,10\n"},
		{"negative volume", "timestamp,open,high,low,close,volume\n1700000000,1,2,0.5,1.5,-3\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeSeries(t, dir, "BTC", tc.content)
			err := NewCursor(dir).Load("BTC")
			assert.True(t, errors.Is(err, ErrDataUnavailable))
		})
	}
}

func TestCursorLoadNormalizes(t *testing.T) {
	dir := t.TempDir()
	// 乱序 + 重复时间戳 + 浮点时间戳，加载后应当严格递增。
	writeSeries(t, dir, "BTC", `Timestamp,Open,High,Low,Close,Volume,extra
1700000120,103,104,102,103,12,x
1700000000.0,100,101,99,100,10,y
1700000060,101,102,100,101,11,z
1700000060,201,202,200,201,99,dup
`)
	c := NewCursor(dir)
	require.NoError(t, c.Load("BTC"))
	require.Equal(t, 3, c.Len("BTC"))

	first, ok := c.Current("BTC")
	require.True(t, ok)
	assert.Equal(t, int64(1700000000), first.Timestamp)

	require.True(t, c.Advance("BTC", 1))
	second, ok := c.Current("BTC")
	require.True(t, ok)
	assert.Equal(t, 201.0, second.Close, "重复时间戳应保留后一根")
}

func TestCursorWindow(t *testing.T) {
	dir := t.TempDir()
	writeSeries(t, dir, "BTC", risingSeries(10))
	c := NewCursor(dir)
	require.NoError(t, c.Load("BTC"))

	t.Run("short near start", func(t *testing.T) {
		w := c.Window("BTC", 5)
		require.Len(t, w, 1)
		assert.Equal(t, int64(1700000000), w[0].Timestamp)
	})

	t.Run("full window ends at cursor", func(t *testing.T) {
		c.Advance("BTC", 6)
		w := c.Window("BTC", 5)
		require.Len(t, w, 5)
		assert.Equal(t, c.Position("BTC"), 6)
		cur, ok := c.Current("BTC")
		require.True(t, ok)
		assert.Equal(t, cur, w[len(w)-1])
	})

	t.Run("non-positive count", func(t *testing.T) {
		assert.Nil(t, c.Window("BTC", 0))
		assert.Nil(t, c.Window("BTC", -1))
	})

	t.Run("unknown symbol", func(t *testing.T) {
		assert.Nil(t, c.Window("ETH", 5))
	})
}

func TestCursorAdvanceAndReset(t *testing.T) {
	dir := t.TempDir()
	writeSeries(t, dir, "BTC", risingSeries(8))
	c := NewCursor(dir)
	require.NoError(t, c.Load("BTC"))

	first, ok := c.Current("BTC")
	require.True(t, ok)

	for k := 1; k < 8; k++ {
		assert.True(t, c.Advance("BTC", k), "k=%d", k)
		c.Reset("BTC")
		got, ok := c.Current("BTC")
		require.True(t, ok, "k=%d", k)
		assert.Equal(t, first, got, "k=%d", k)
	}

	t.Run("advance past end is terminal", func(t *testing.T) {
		assert.False(t, c.Advance("BTC", 8))
		_, ok := c.Current("BTC")
		assert.False(t, ok)
		assert.Nil(t, c.Window("BTC", 3))
		// 耗尽后不回绕也不截断
		assert.False(t, c.Advance("BTC", 1))
		assert.Equal(t, 9, c.Position("BTC"))
	})

	t.Run("non-positive steps only reports validity", func(t *testing.T) {
		c.Reset("BTC")
		assert.True(t, c.Advance("BTC", 0))
		assert.Equal(t, 0, c.Position("BTC"))
		assert.True(t, c.Advance("BTC", -2))
		assert.Equal(t, 0, c.Position("BTC"))
	})

	t.Run("reset after exhaustion replays from start", func(t *testing.T) {
		c.Advance("BTC", 100)
		c.Reset("BTC")
		got, ok := c.Current("BTC")
		require.True(t, ok)
		assert.Equal(t, first, got)
	})
}
