// Package pricing turns a bag count into the price shown to both parties.
// Nothing is ever charged.
package pricing

const DefaultPricePerBag = 10

// Total is bagCount * perBag.
func Total(bagCount, perBag int) int { return bagCount * perBag }

type Table struct {
	PerBag int
}

func DefaultTable() Table { return Table{PerBag: DefaultPricePerBag} }

// Quote prices bagCount bags, falling back to the default rate when the
// table is unset.
func (t Table) Quote(bagCount int) int {
	per := t.PerBag
	if per <= 0 {
		per = DefaultPricePerBag
	}
	return Total(bagCount, per)
}
