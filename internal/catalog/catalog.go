// Package catalog содержит справочник продуктов покупки монет.
package catalog

import "strings"

// Entry описывает один продукт: идентификатор SKU и количество начисляемых монет.
type Entry struct {
	ProductID string
	Coins     int64
}

// Catalog — упорядоченный справочник продуктов. Порядок объявления значим:
// при нечётком совпадении выигрывает первая подходящая запись, поэтому ключи
// справочника не должны быть подстроками одного и того же реального SKU.
type Catalog struct {
	entries []Entry
}

// New создаёт справочник из перечисленных записей. Записи с пустым SKU или
// неположительным количеством монет отбрасываются: продукт не может начислять
// ноль или меньше.
func New(entries ...Entry) *Catalog {
	c := &Catalog{}
	for _, e := range entries {
		if e.ProductID == "" || e.Coins <= 0 {
			continue
		}
		c.entries = append(c.entries, e)
	}
	return c
}

// Default возвращает встроенный справочник продуктов приложения Petly.
func Default() *Catalog {
	return New(
		Entry{ProductID: "petly_coins_100", Coins: 100},
		Entry{ProductID: "petly_coins_500", Coins: 500},
		Entry{ProductID: "petly_coins_1200", Coins: 1200},
		Entry{ProductID: "petly_coins_3000", Coins: 3000},
	)
}

// Resolve сопоставляет productId с количеством монет. Сначала ищется точное
// совпадение, затем вхождение ключа справочника в productId — биллинговые
// платформы дописывают к SKU платформенные и региональные суффиксы.
// Второй результат равен false, если продукт не найден; найденное количество
// монет всегда положительно.
func (c *Catalog) Resolve(productID string) (int64, bool) {
	if productID == "" {
		return 0, false
	}

	for _, e := range c.entries {
		if e.ProductID == productID {
			return e.Coins, true
		}
	}

	for _, e := range c.entries {
		if strings.Contains(productID, e.ProductID) {
			return e.Coins, true
		}
	}

	return 0, false
}
