package webhook

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidProductTable indicates a malformed product table definition.
var ErrInvalidProductTable = errors.New("webhook: invalid product table")

// Product maps a payment product onto the credits it grants.
type Product struct {
	ID      string
	Credits int64
	Bonus   int64
}

// ProductTable indexes products by id.
type ProductTable map[string]Product

// ParseProductTable parses "id=credits[+bonus]" entries separated by commas,
// e.g. "prod_basic=100,prod_pro=500+50".
func ParseProductTable(raw string) (ProductTable, error) {
	table := ProductTable{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, amounts, found := strings.Cut(entry, "=")
		id = strings.TrimSpace(id)
		if !found || id == "" {
			return nil, fmt.Errorf("%w: entry %q", ErrInvalidProductTable, entry)
		}
		creditsRaw, bonusRaw, hasBonus := strings.Cut(amounts, "+")
		credits, err := strconv.ParseInt(strings.TrimSpace(creditsRaw), 10, 64)
		if err != nil || credits <= 0 {
			return nil, fmt.Errorf("%w: credits for %q", ErrInvalidProductTable, id)
		}
		var bonus int64
		if hasBonus {
			bonus, err = strconv.ParseInt(strings.TrimSpace(bonusRaw), 10, 64)
			if err != nil || bonus < 0 {
				return nil, fmt.Errorf("%w: bonus for %q", ErrInvalidProductTable, id)
			}
		}
		if _, duplicate := table[id]; duplicate {
			return nil, fmt.Errorf("%w: duplicate product %q", ErrInvalidProductTable, id)
		}
		table[id] = Product{ID: id, Credits: credits, Bonus: bonus}
	}
	return table, nil
}

// Lookup returns the product with id.
func (table ProductTable) Lookup(id string) (Product, bool) {
	product, ok := table[strings.TrimSpace(id)]
	return product, ok
}
