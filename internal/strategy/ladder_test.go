package strategy

import (
	"testing"

	"github.com/shopspring/decimal"

	"futures-keeper/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quote(bid, ask, tick string) types.Quote {
	return types.Quote{BidBest: d(bid), AskBest: d(ask), Tick: d(tick)}
}

func strs(ps []decimal.Decimal) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.String()
	}
	return out
}

func equalStrs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTickPrecision(t *testing.T) {
	t.Parallel()
	tests := []struct {
		tick string
		want int32
	}{
		{"1", 0},
		{"5", 0},
		{"0.1", 1},
		{"0.01", 2},
		{"0.25", 2},
		{"0.0001", 4},
		{"1e-5", 5},
		{"1E-8", 8},
		{"0.00050", 4},
	}
	for _, tt := range tests {
		if got := TickPrecision(d(tt.tick)); got != tt.want {
			t.Errorf("TickPrecision(%s) = %d, want %d", tt.tick, got, tt.want)
		}
	}
}

func TestLadder(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		side       types.Side
		q          types.Quote
		layers     int
		startTicks int
		policy     types.CrossPolicy
		want       []string
	}{
		{
			name: "long steps down from bid",
			side: types.Long, q: quote("100.5", "100.7", "0.1"),
			layers: 3, startTicks: 1, policy: types.CrossSkip,
			want: []string{"100.4", "100.3", "100.2"},
		},
		{
			name: "short steps up from ask",
			side: types.Short, q: quote("100.5", "100.7", "0.1"),
			layers: 3, startTicks: 0, policy: types.CrossSkip,
			want: []string{"100.7", "100.8", "100.9"},
		},
		{
			name: "exponential tick",
			side: types.Long, q: quote("0.00012", "0.00013", "1e-5"),
			layers: 2, startTicks: 0, policy: types.CrossSkip,
			want: []string{"0.00012", "0.00011"},
		},
		{
			name: "non-positive prices dropped",
			side: types.Long, q: quote("0.2", "0.3", "0.1"),
			layers: 4, startTicks: 0, policy: types.CrossSkip,
			want: []string{"0.2", "0.1"},
		},
		{
			name: "skip drops crossing layers",
			side: types.Long, q: quote("100.5", "100.7", "0.1"),
			layers: 4, startTicks: -3, policy: types.CrossSkip,
			want: []string{"100.6", "100.5"},
		},
		{
			name: "clip moves crossing layers inside and dedupes",
			side: types.Long, q: quote("100.5", "100.7", "0.1"),
			layers: 4, startTicks: -3, policy: types.CrossClip,
			want: []string{"100.6", "100.5"},
		},
		{
			name: "clip short",
			side: types.Short, q: quote("100.5", "100.7", "0.1"),
			layers: 3, startTicks: -2, policy: types.CrossClip,
			want: []string{"100.6", "100.7"},
		},
		{
			name: "allow keeps crossing layers",
			side: types.Long, q: quote("100.5", "100.7", "0.1"),
			layers: 3, startTicks: -2, policy: types.CrossAllow,
			want: []string{"100.7", "100.6", "100.5"},
		},
		{
			name: "zero layers",
			side: types.Long, q: quote("1", "2", "1"),
			layers: 0, policy: types.CrossSkip,
			want: []string{},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := strs(Ladder(tt.side, tt.q, tt.layers, tt.startTicks, tt.policy))
			if !equalStrs(got, tt.want) {
				t.Errorf("Ladder = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLadderMonotonicByOneTick(t *testing.T) {
	t.Parallel()
	tick := d("0.01")
	for _, side := range []types.Side{types.Long, types.Short} {
		prices := Ladder(side, quote("25.10", "25.14", "0.01"), 10, 2, types.CrossSkip)
		if len(prices) != 10 {
			t.Fatalf("%s: got %d prices, want 10", side, len(prices))
		}
		for i := 1; i < len(prices); i++ {
			step := prices[i].Sub(prices[i-1]).Abs()
			if !step.Equal(tick) {
				t.Errorf("%s: step %d = %s, want one tick", side, i, step)
			}
		}
		if side == types.Long && !prices[0].Equal(d("25.08")) {
			t.Errorf("long first = %s, want 25.08", prices[0])
		}
		if side == types.Short && !prices[0].Equal(d("25.16")) {
			t.Errorf("short first = %s, want 25.16", prices[0])
		}
	}
}

func TestTPPrice(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name                   string
		entry, pct, tick, mark string
		side                   types.Side
		want                   string
	}{
		{"long from entry", "100", "0.02", "0.01", "0", types.Long, "102"},
		{"long rebased on mark", "100", "0.02", "0.01", "105", types.Long, "107.1"},
		{"long target beyond mark", "100", "0.02", "0.01", "101", types.Long, "102"},
		{"long ceils to tick", "100.03", "0.01", "0.1", "0", types.Long, "101.1"},
		{"short from entry", "100", "0.02", "0.01", "0", types.Short, "98"},
		{"short floors to tick", "100.03", "0.01", "0.1", "0", types.Short, "99"},
		{"short rebased on mark", "100", "0.02", "0.01", "95", types.Short, "93.1"},
		{"short target below mark", "100", "0.02", "0.01", "99", types.Short, "98"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := TPPrice(d(tt.entry), d(tt.pct), tt.side, d(tt.tick), d(tt.mark))
			if !got.Equal(d(tt.want)) {
				t.Errorf("TPPrice = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClosePrice(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		side   types.Side
		q      types.Quote
		offset int
		want   string
	}{
		{"long sells at ask minus offset", types.Long, quote("100.0", "101.0", "0.1"), 2, "100.8"},
		{"long offset limited to bid plus tick", types.Long, quote("100.0", "101.0", "0.1"), 50, "100.1"},
		{"short buys at bid plus offset", types.Short, quote("100.0", "101.0", "0.1"), 2, "100.2"},
		{"short offset limited to ask minus tick", types.Short, quote("100.0", "101.0", "0.1"), 50, "100.9"},
		{"zero offset long rests at ask", types.Long, quote("100.0", "101.0", "0.1"), 0, "101"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ClosePrice(tt.side, tt.q, tt.offset); !got.Equal(d(tt.want)) {
				t.Errorf("ClosePrice = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFormatPrice(t *testing.T) {
	t.Parallel()
	if got := FormatPrice(d("107.1"), d("0.01")); got != "107.10" {
		t.Errorf("FormatPrice = %q, want 107.10", got)
	}
	if got := FormatPrice(d("0.00011"), d("1e-5")); got != "0.00011" {
		t.Errorf("FormatPrice = %q, want 0.00011", got)
	}
}
