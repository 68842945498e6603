package domain

import (
	"sort"
	"strings"
)

// Category is the top-level bucket of a transaction.
type Category string

const (
	CategoryEssentials Category = "Essentials"
	CategoryLifestyle  Category = "Lifestyle"
	CategoryFamily     Category = "Family"
	CategoryFinancial  Category = "Financial"
	CategoryOther      Category = "Other"
)

// SubcategoryUncategorized marks a transaction nobody could place.
const SubcategoryUncategorized = "Uncategorized"

// Categories lists every valid category in display order.
var Categories = []Category{
	CategoryEssentials,
	CategoryLifestyle,
	CategoryFamily,
	CategoryFinancial,
	CategoryOther,
}

// knownSubcategories maps the conventional subcategories to their parent.
var knownSubcategories = map[string]Category{
	"groceries":      CategoryEssentials,
	"bills":          CategoryEssentials,
	"utilities":      CategoryEssentials,
	"telecom":        CategoryEssentials,
	"rent":           CategoryEssentials,
	"fuel":           CategoryEssentials,
	"transport":      CategoryEssentials,
	"health":         CategoryEssentials,
	"insurance":      CategoryEssentials,
	"dining":         CategoryLifestyle,
	"coffee":         CategoryLifestyle,
	"delivery":       CategoryLifestyle,
	"shopping":       CategoryLifestyle,
	"entertainment":  CategoryLifestyle,
	"travel":         CategoryLifestyle,
	"subscriptions":  CategoryLifestyle,
	"fitness":        CategoryLifestyle,
	"family support": CategoryFamily,
	"education":      CategoryFamily,
	"kids":           CategoryFamily,
	"household":      CategoryFamily,
	"transfer":       CategoryFinancial,
	"savings":        CategoryFinancial,
	"investment":     CategoryFinancial,
	"fees":           CategoryFinancial,
	"salary":         CategoryFinancial,
	"loan":           CategoryFinancial,
	"atm":            CategoryFinancial,
	"credit card":    CategoryFinancial,
	"uncategorized":  CategoryOther,
	"other":          CategoryOther,
}

// ParseCategory resolves a category name case-insensitively.
func ParseCategory(name string) (Category, bool) {
	n := strings.TrimSpace(name)
	for _, c := range Categories {
		if strings.EqualFold(string(c), n) {
			return c, true
		}
	}
	return "", false
}

// CategoryForSubcategory returns the parent category of a known subcategory.
func CategoryForSubcategory(sub string) (Category, bool) {
	c, ok := knownSubcategories[strings.ToLower(strings.TrimSpace(sub))]
	return c, ok
}

// KnownSubcategories returns the conventional subcategories grouped by category.
func KnownSubcategories() map[Category][]string {
	out := make(map[Category][]string, len(Categories))
	for _, c := range Categories {
		out[c] = nil
	}
	for _, name := range sortedSubcategoryNames() {
		c := knownSubcategories[name]
		out[c] = append(out[c], titleCase(name))
	}
	return out
}

// IsUncategorized reports whether a (category, subcategory) pair carries no real categorization.
func IsUncategorized(category Category, sub string) bool {
	s := strings.TrimSpace(sub)
	if s == "" || strings.EqualFold(s, SubcategoryUncategorized) {
		return true
	}
	return category == ""
}

func sortedSubcategoryNames() []string {
	names := make([]string, 0, len(knownSubcategories))
	for k := range knownSubcategories {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if w == "atm" {
			words[i] = "ATM"
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
