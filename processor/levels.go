package processor

import (
	"sort"

	"github.com/shopspring/decimal"
)

type priceLevel struct {
	price decimal.Decimal
	size  decimal.Decimal
	count int
}

// levelIndex aggregates one side of the book by price. prices is kept
// ascending and holds exactly the keys of levels.
type levelIndex struct {
	levels map[string]*priceLevel
	prices []decimal.Decimal
}

func newLevelIndex() *levelIndex {
	return &levelIndex{levels: make(map[string]*priceLevel)}
}

// levelKey is the canonical text of a price; String trims trailing zeros
// so 100.50 and 100.5 share a level.
func levelKey(price decimal.Decimal) string {
	return price.String()
}

func (x *levelIndex) add(price, size decimal.Decimal) {
	key := levelKey(price)
	l, ok := x.levels[key]
	if !ok {
		l = &priceLevel{price: price}
		x.levels[key] = l
		i := sort.Search(len(x.prices), func(i int) bool { return x.prices[i].GreaterThanOrEqual(price) })
		x.prices = append(x.prices, decimal.Decimal{})
		copy(x.prices[i+1:], x.prices[i:])
		x.prices[i] = price
	}
	l.count++
	l.size = l.size.Add(size)
}

func (x *levelIndex) remove(price, size decimal.Decimal) {
	key := levelKey(price)
	l, ok := x.levels[key]
	if !ok {
		return
	}
	l.count--
	l.size = l.size.Sub(size)
	if l.count > 0 {
		return
	}
	delete(x.levels, key)
	i := sort.Search(len(x.prices), func(i int) bool { return x.prices[i].GreaterThanOrEqual(price) })
	if i < len(x.prices) && x.prices[i].Equal(price) {
		x.prices = append(x.prices[:i], x.prices[i+1:]...)
	}
}

func (x *levelIndex) resize(price, delta decimal.Decimal) {
	if l, ok := x.levels[levelKey(price)]; ok {
		l.size = l.size.Add(delta)
	}
}

func (x *levelIndex) depth(price decimal.Decimal) (decimal.Decimal, int) {
	l, ok := x.levels[levelKey(price)]
	if !ok {
		return decimal.Zero, 0
	}
	return l.size, l.count
}

func (x *levelIndex) lowest() (decimal.Decimal, bool) {
	if len(x.prices) == 0 {
		return decimal.Decimal{}, false
	}
	return x.prices[0], true
}

func (x *levelIndex) highest() (decimal.Decimal, bool) {
	if len(x.prices) == 0 {
		return decimal.Decimal{}, false
	}
	return x.prices[len(x.prices)-1], true
}
