package pricing

import "testing"

func TestQuote(t *testing.T) {
	cases := []struct {
		table Table
		bags  int
		want  int
	}{
		{Table{PerBag: 10}, 3, 30},
		{Table{PerBag: 7}, 1, 7},
		{Table{}, 4, 40},
	}
	for _, c := range cases {
		if got := c.table.Quote(c.bags); got != c.want {
			t.Fatalf("Quote(%d) with %+v = %d, want %d", c.bags, c.table, got, c.want)
		}
	}
}
