package renosync

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Budget categories. The set is fixed; documents name them in free form and
// the rules below map keyword hits onto these keys.
const (
	CategoryDemolition  CategoryKey = "demolition"
	CategoryFoundation  CategoryKey = "foundation"
	CategoryRoofing     CategoryKey = "roofing"
	CategoryPlumbing    CategoryKey = "plumbing"
	CategoryElectrical  CategoryKey = "electrical"
	CategoryHVAC        CategoryKey = "hvac"
	CategoryInsulation  CategoryKey = "insulation"
	CategoryDrywall     CategoryKey = "drywall"
	CategoryFlooring    CategoryKey = "flooring"
	CategoryPainting    CategoryKey = "painting"
	CategoryKitchen     CategoryKey = "kitchen"
	CategoryBathroom    CategoryKey = "bathroom"
	CategoryWindows     CategoryKey = "windows"
	CategoryLandscaping CategoryKey = "landscaping"
	CategoryPermits     CategoryKey = "permits"
	CategoryMaterials   CategoryKey = "materials"
	CategoryLabor       CategoryKey = "labor"
)

type categoryRule struct {
	key      CategoryKey
	keywords []string
}

// Ordered rule table. Keywords are stored folded (lowercase, accents
// stripped); the line under test is folded the same way before matching.
// Order matters: the first rule whose keyword appears in the line wins, so
// more specific rules sit above generic ones (kitchen before plumbing,
// materials/labor last).
var categoryRules = []categoryRule{
	{CategoryKitchen, []string{"kitchen", "cocina", "cuisine"}},
	{CategoryBathroom, []string{"bathroom", "bath ", "bano", "salle de bain"}},
	{CategoryDemolition, []string{"demolition", "demolicion", "tear-out", "tear out"}},
	{CategoryFoundation, []string{"foundation", "cimentacion", "fondation"}},
	{CategoryRoofing, []string{"roof", "tejado", "toiture"}},
	{CategoryPlumbing, []string{"plumbing", "fontaneria", "plomberie", "pipes"}},
	{CategoryElectrical, []string{"electrical", "electricidad", "electricite", "wiring"}},
	{CategoryHVAC, []string{"hvac", "heating", "climatisation", "calefaccion", "air conditioning"}},
	{CategoryInsulation, []string{"insulation", "aislamiento", "isolation"}},
	{CategoryDrywall, []string{"drywall", "pladur", "placo", "plasterboard"}},
	{CategoryFlooring, []string{"flooring", "floor", "suelo", "parquet", "tiling", "solado"}},
	{CategoryPainting, []string{"painting", "paint", "pintura", "peinture"}},
	{CategoryWindows, []string{"window", "ventana", "fenetre", "glazing"}},
	{CategoryLandscaping, []string{"landscaping", "garden", "jardin", "exterior works"}},
	{CategoryPermits, []string{"permit", "licencia", "permis", "fees"}},
	{CategoryMaterials, []string{"materials", "materiales", "materiaux", "supplies"}},
	{CategoryLabor, []string{"labor", "labour", "mano de obra", "main d'oeuvre", "workmanship"}},
}

// amountPattern matches monetary tokens in both 1.234,56 and 1,234.56 shapes,
// with an optional currency marker on either side.
var amountPattern = regexp.MustCompile(`(?:€|\$|£|eur|usd|gbp)?\s*(\d{1,3}(?:[.,]\d{3})+(?:[.,]\d{1,2})?|\d+(?:[.,]\d{1,2})?)\s*(?:€|\$|£|eur|usd|gbp)?`)

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// BuildIndex parses extracted document text into a category index. Every
// line is matched against the rule table; a line that names a category and
// carries a parseable amount records category → amount. When a category
// appears on multiple lines the last occurrence wins: later lines are
// typically subtotals or revisions that supersede earlier ones. A text with
// zero matches yields an empty index, which is a valid result.
func BuildIndex(text string) CategoryIndex {
	idx := make(CategoryIndex)
	for _, line := range strings.Split(text, "\n") {
		folded := foldLine(line)
		if folded == "" {
			continue
		}
		key, ok := matchCategory(folded)
		if !ok {
			continue
		}
		amount, ok := lastAmountInLine(folded)
		if !ok {
			continue
		}
		idx[key] = amount
	}
	return idx
}

func matchCategory(folded string) (CategoryKey, bool) {
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(folded, kw) {
				return rule.key, true
			}
		}
	}
	return "", false
}

// lastAmountInLine returns the rightmost parseable, non-negative amount.
// Budget sheets put the figure at the end of the line after dot leaders.
func lastAmountInLine(folded string) (decimal.Decimal, bool) {
	matches := amountPattern.FindAllStringSubmatch(folded, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		token := matches[i][1]
		if amount, err := ParseAmount(token); err == nil {
			return amount, true
		}
	}
	return decimal.Decimal{}, false
}

// ParseAmount normalizes a numeric token that may use either the comma or
// the dot as decimal separator (1.234,56 / 1,234.56 / 1234.56) into a
// non-negative decimal.
func ParseAmount(token string) (decimal.Decimal, error) {
	token = strings.TrimSpace(token)

	lastDot := strings.LastIndexByte(token, '.')
	lastComma := strings.LastIndexByte(token, ',')

	switch {
	case lastDot >= 0 && lastComma >= 0:
		// Both present: the rightmost is the decimal separator.
		if lastComma > lastDot {
			token = strings.ReplaceAll(token, ".", "")
			token = strings.Replace(token, ",", ".", 1)
		} else {
			token = strings.ReplaceAll(token, ",", "")
		}
	case lastComma >= 0:
		token = normalizeSingleSeparator(token, ',', lastComma)
	case lastDot >= 0:
		token = normalizeSingleSeparator(token, '.', lastDot)
	}

	amount, err := decimal.NewFromString(token)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if amount.IsNegative() {
		return decimal.Decimal{}, &MappingError{Field: "amount", Reason: "negative amount"}
	}
	return amount, nil
}

// normalizeSingleSeparator decides whether a lone separator is decimal or a
// thousands group: one or two trailing digits means decimal, exactly three
// means grouping (1.234 → 1234), anything else is malformed enough to keep
// as-is and let decimal parsing reject it.
func normalizeSingleSeparator(token string, sep byte, lastIdx int) string {
	if strings.Count(token, string(sep)) > 1 {
		return strings.ReplaceAll(token, string(sep), "")
	}
	trailing := len(token) - lastIdx - 1
	switch trailing {
	case 1, 2:
		return strings.Replace(token, string(sep), ".", 1)
	case 3:
		return strings.ReplaceAll(token, string(sep), "")
	default:
		return token
	}
}

func foldLine(line string) string {
	folded, _, err := transform.String(foldTransformer, line)
	if err != nil {
		folded = line
	}
	return strings.ToLower(strings.TrimSpace(folded))
}
