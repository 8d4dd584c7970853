// Package fueltype maps free-text product descriptors onto the canonical
// fuel type enum.
package fueltype

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
)

// Rule matches a folded descriptor to a fuel type.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Type    crawler.FuelType
}

// Rules are evaluated top to bottom and the first match wins. Diesel must
// precede premium ("Diésel Premium"), and the premium rules must precede the
// regular ones.
var defaultRules = []Rule{
	{Name: "diesel", Pattern: regexp.MustCompile(`\bdiesel\b`), Type: crawler.FuelDiesel},
	{Name: "premium-word", Pattern: regexp.MustCompile(`\bpremium\b`), Type: crawler.FuelPremium},
	{Name: "premium-octane", Pattern: regexp.MustCompile(`mayor o igual a 9[1-9]|>=\s*9[1-9]`), Type: crawler.FuelPremium},
	{Name: "premium-super", Pattern: regexp.MustCompile(`\bsuper\b`), Type: crawler.FuelPremium},
	{Name: "regular-word", Pattern: regexp.MustCompile(`\bregular\b|\bmagna\b`), Type: crawler.FuelRegular},
	{Name: "regular-octane", Pattern: regexp.MustCompile(`menor a 9[1-9]|<\s*9[1-9]`), Type: crawler.FuelRegular},
}

var spaces = regexp.MustCompile(`\s+`)

// Normalizer applies an ordered rule list.
type Normalizer struct {
	rules []Rule
}

// New returns a Normalizer with the built-in rules.
func New() *Normalizer {
	return &Normalizer{rules: defaultRules}
}

// NewWithRules returns a Normalizer with a custom rule order.
func NewWithRules(rules []Rule) *Normalizer {
	return &Normalizer{rules: append([]Rule(nil), rules...)}
}

// Normalize maps raw to a fuel type, FuelUnrecognized when nothing matches.
func (n *Normalizer) Normalize(raw string) crawler.FuelType {
	folded := Fold(raw)
	if folded == "" {
		return crawler.FuelUnrecognized
	}
	for _, rule := range n.rules {
		if rule.Pattern.MatchString(folded) {
			return rule.Type
		}
	}
	return crawler.FuelUnrecognized
}

// Normalize uses the default rule set.
func Normalize(raw string) crawler.FuelType {
	return std.Normalize(raw)
}

var std = New()

// Fold lower-cases raw, strips diacritics, and collapses whitespace.
func Fold(raw string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, raw)
	if err != nil {
		out = raw
	}
	out = strings.ToLower(out)
	return strings.TrimSpace(spaces.ReplaceAllString(out, " "))
}
