package billing

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Line item categories in invoice order
const (
	CategoryPackage    = "package"
	CategoryDietary    = "dietary"
	CategoryAppetizers = "appetizers"
	CategorySides      = "sides"
	CategoryDesserts   = "desserts"
	CategoryService    = "service"
	CategorySupplies   = "supplies"
)

// CategoryOrder is the fixed category precedence of invoice line items
var CategoryOrder = []string{
	CategoryPackage,
	CategoryDietary,
	CategoryAppetizers,
	CategorySides,
	CategoryDesserts,
	CategoryService,
	CategorySupplies,
}

var categoryAliases = map[string]string{
	"package":    CategoryPackage,
	"packages":   CategoryPackage,
	"protein":    CategoryPackage,
	"proteins":   CategoryPackage,
	"dietary":    CategoryDietary,
	"appetizer":  CategoryAppetizers,
	"appetizers": CategoryAppetizers,
	"side":       CategorySides,
	"sides":      CategorySides,
	"dessert":    CategoryDesserts,
	"desserts":   CategoryDesserts,
	"service":    CategoryService,
	"services":   CategoryService,
	"supply":     CategorySupplies,
	"supplies":   CategorySupplies,
}

var categoryLabels = map[string]string{
	CategoryPackage:    "Menu package",
	CategoryDietary:    "Dietary accommodation",
	CategoryAppetizers: "Appetizer",
	CategorySides:      "Side",
	CategoryDesserts:   "Dessert",
	CategoryService:    "Service",
	CategorySupplies:   "Supplies",
}

// NormalizeCategory maps a selection category onto one of CategoryOrder
func NormalizeCategory(category string) (string, bool) {
	c, ok := categoryAliases[strings.ToLower(strings.TrimSpace(category))]
	return c, ok
}

// NormalizeTitle returns the comparison form of a line item title:
// NFKC normalized, case folded, with whitespace runs collapsed.
func NormalizeTitle(title string) string {
	s := norm.NFKC.String(title)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// LineItemKey is the stable match key of a line item across regenerations
func LineItemKey(category, title string) string {
	return category + "|" + NormalizeTitle(title)
}

func categoryRank(category string) int {
	for i, c := range CategoryOrder {
		if c == category {
			return i
		}
	}
	return len(CategoryOrder)
}

func isPerGuest(category string) bool {
	return category != CategoryService && category != CategorySupplies
}

// BuildLineItems derives the target line items of a quote's current menu.
// Items come out in category precedence, then selection order within a category,
// with zero prices and sort orders numbered from zero.
func BuildLineItems(q *Quote) ([]LineItem, error) {
	const op = "build line items"
	if q == nil {
		return nil, Validation(op, "quote is required")
	}
	if q.GuestCount < 0 {
		return nil, Validation(op, "guest count must not be negative, got %d", q.GuestCount)
	}
	guests := q.GuestCount
	if guests == 0 {
		guests = 1
	}

	buckets := make(map[string][]LineItem, len(CategoryOrder))
	seen := make(map[string]struct{})

	add := func(category, title string) {
		title = strings.Join(strings.Fields(title), " ")
		if title == "" {
			return
		}
		key := LineItemKey(category, title)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}

		qty := 1
		desc := categoryLabels[category]
		if isPerGuest(category) {
			qty = guests
			desc = fmt.Sprintf("%s for %d guests", desc, guests)
		}
		buckets[category] = append(buckets[category], LineItem{
			Title:       title,
			Description: desc,
			Category:    category,
			Quantity:    qty,
		})
	}

	for _, sel := range q.Selections {
		category, ok := NormalizeCategory(sel.Category)
		if !ok {
			return nil, Validation(op, "unknown menu category %q on quote %d", sel.Category, q.ID)
		}
		for _, item := range sel.Items {
			add(category, item)
		}
	}
	if st := strings.TrimSpace(q.ServiceType); st != "" {
		label := cases.Title(language.English).String(strings.ReplaceAll(st, "_", " "))
		if !strings.Contains(strings.ToLower(label), "service") {
			label += " Service"
		}
		add(CategoryService, label)
	}

	var items []LineItem
	for _, category := range CategoryOrder {
		items = append(items, buckets[category]...)
	}
	for i := range items {
		items[i].SortOrder = i
	}
	return items, nil
}

// MergeLineItems carries unit prices from existing items onto matching targets.
// Unmatched targets keep a zero price. Totals are recomputed as quantity times unit price.
func MergeLineItems(target, existing []LineItem) []LineItem {
	prices := make(map[string]int64, len(existing))
	for _, item := range existing {
		key := LineItemKey(item.Category, item.Title)
		if _, ok := prices[key]; !ok {
			prices[key] = item.UnitPriceCents
		}
	}

	out := make([]LineItem, len(target))
	for i, item := range target {
		if price, ok := prices[LineItemKey(item.Category, item.Title)]; ok {
			item.UnitPriceCents = price
		}
		item.TotalPriceCents = int64(item.Quantity) * item.UnitPriceCents
		out[i] = item
	}
	return out
}

// SortLineItems orders items by category precedence then sort order
func SortLineItems(items []LineItem) {
	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := categoryRank(items[i].Category), categoryRank(items[j].Category)
		if ri != rj {
			return ri < rj
		}
		return items[i].SortOrder < items[j].SortOrder
	})
}

// Subtotal sums line item totals
func Subtotal(items []LineItem) int64 {
	var sum int64
	for _, item := range items {
		sum += item.TotalPriceCents
	}
	return sum
}

// ValidateLineItems checks quantity and price bounds and the per-item total invariant
func ValidateLineItems(items []LineItem) error {
	const op = "validate line items"
	for _, item := range items {
		if item.Quantity < 0 {
			return Validation(op, "line item %q has negative quantity %d", item.Title, item.Quantity)
		}
		if item.UnitPriceCents < 0 {
			return Validation(op, "line item %q has negative unit price %d", item.Title, item.UnitPriceCents)
		}
		if item.TotalPriceCents != int64(item.Quantity)*item.UnitPriceCents {
			return Integrity(op, EntityInvoice, item.InvoiceID,
				"line item %q total %d does not equal %d x %d", item.Title, item.TotalPriceCents, item.Quantity, item.UnitPriceCents)
		}
	}
	return nil
}

// HasBillableItem reports whether any item has a non-zero quantity
func HasBillableItem(items []LineItem) bool {
	for _, item := range items {
		if item.Quantity > 0 {
			return true
		}
	}
	return false
}
