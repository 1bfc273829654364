package normalizer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"

	"price-extractor/internal/types"
)

const dateLayout = "2006-01-02"

// Normalizer converts candidate records into canonical price records.
type Normalizer struct {
	// loc is used for targets that do not set their own timezone.
	loc *time.Location
}

// New creates a normalizer that resolves dates in the given default timezone.
func New(defaultTimezone string) (*Normalizer, error) {
	loc, err := time.LoadLocation(defaultTimezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", defaultTimezone, err)
	}
	return &Normalizer{loc: loc}, nil
}

// Normalize validates one candidate. fetchedAt is the time the page was
// fetched; it becomes the observation date when the page carries none and
// the target's date policy allows it.
func (n *Normalizer) Normalize(target *types.Target, c *types.CandidateRecord, fetchedAt time.Time) (*types.PriceRecord, error) {
	invalid := func(kind types.ErrorKind, field, value string, err error) error {
		return &types.ValidationError{Kind: kind, TargetID: target.ID, Field: field, Value: value, Err: err}
	}

	itemID, ok := c.Get(types.FieldItemID)
	if !ok || strings.TrimSpace(itemID) == "" {
		return nil, invalid(types.KindMissingRequiredField, types.FieldItemID, "", nil)
	}
	itemID = strings.TrimSpace(itemID)

	rawPrice, ok := c.Get(types.FieldPrice)
	if !ok {
		return nil, invalid(types.KindMissingRequiredField, types.FieldPrice, "", nil)
	}
	if len(c.Missing) > 0 {
		return nil, invalid(types.KindMissingRequiredField, c.Missing[0], "", nil)
	}

	price, err := ParsePrice(rawPrice, target.Locale)
	if err != nil {
		return nil, invalid(types.KindUnparsableNumber, types.FieldPrice, rawPrice, err)
	}
	if price <= 0 {
		return nil, invalid(types.KindUnparsableNumber, types.FieldPrice, rawPrice, fmt.Errorf("price must be positive"))
	}
	if target.MaxPrice > 0 && price > target.MaxPrice {
		return nil, invalid(types.KindOutOfRange, types.FieldPrice, rawPrice,
			fmt.Errorf("price %v exceeds bound %v", price, target.MaxPrice))
	}

	rawCurrency, _ := c.Get(types.FieldCurrency)
	cur, err := ResolveCurrency(rawCurrency, rawPrice, target.Defaults.Currency)
	if err != nil {
		return nil, invalid(types.KindMissingRequiredField, types.FieldCurrency, rawCurrency, err)
	}

	unit := target.Defaults.Unit
	if v, ok := c.Get(types.FieldUnit); ok {
		unit = strings.ToLower(strings.TrimSpace(v))
	}
	if unit == "" {
		return nil, invalid(types.KindMissingRequiredField, types.FieldUnit, "", nil)
	}

	loc := n.location(target)
	fetchDate := fetchedAt.In(loc).Format(dateLayout)
	date := fetchDate
	if rawDate, ok := c.Get(types.FieldDate); ok {
		parsed, err := parseDate(rawDate, target.DateLayout, target.Locale, loc)
		if err != nil {
			return nil, invalid(types.KindMissingRequiredField, types.FieldDate, rawDate, err)
		}
		date = parsed
		// ISO dates compare lexically.
		if date > fetchDate {
			return nil, invalid(types.KindOutOfRange, types.FieldDate, rawDate,
				fmt.Errorf("observation date %s is after fetch date %s", date, fetchDate))
		}
	} else if target.DatePolicy == types.DatePolicyRequire {
		return nil, invalid(types.KindMissingRequiredField, types.FieldDate, "", nil)
	}

	record := &types.PriceRecord{
		TargetID:        target.ID,
		ItemID:          itemID,
		Price:           price,
		Currency:        cur,
		Unit:            unit,
		ObservationDate: date,
		ScrapedAt:       fetchedAt.UTC(),
	}
	record.Name, _ = c.Get(types.FieldName)
	record.Brand, _ = c.Get(types.FieldBrand)
	record.Category, _ = c.Get(types.FieldCategory)
	record.URI, _ = c.Get(types.FieldURI)
	return record, nil
}

func (n *Normalizer) location(target *types.Target) *time.Location {
	if target.Timezone != "" {
		if loc, err := time.LoadLocation(target.Timezone); err == nil {
			return loc
		}
	}
	return n.loc
}

func parseDate(raw, layout, locale string, loc *time.Location) (string, error) {
	raw = strings.TrimSpace(raw)
	var (
		t   time.Time
		err error
	)
	if layout != "" {
		t, err = time.ParseInLocation(layout, raw, loc)
	} else {
		t, err = dateparse.ParseIn(raw, loc, dateparse.PreferMonthFirst(monthFirst(locale)))
	}
	if err != nil {
		return "", fmt.Errorf("failed to parse date: %w", err)
	}
	return t.In(loc).Format(dateLayout), nil
}

// ParsePrice parses price text such as "S/. 1,299.90" or "1.299,90 €".
// Currency symbols and words are ignored but the text must hold exactly one
// number: "2 x S/ 10.00" or "S/ 10.90 Antes S/ 12.90" are rejected. When both
// separators appear the last one is the decimal separator; a lone separator
// is resolved by the locale's convention. Thousands groups must have three
// digits.
func ParsePrice(raw, locale string) (float64, error) {
	text := raw
	for _, cs := range currencySymbols {
		text = strings.ReplaceAll(text, cs.symbol, " ")
	}
	tokens, negative, err := numericTokens(text)
	if err != nil {
		return 0, fmt.Errorf("malformed number %q: %w", raw, err)
	}
	switch len(tokens) {
	case 0:
		return 0, fmt.Errorf("no digits in %q", raw)
	case 1:
	default:
		return 0, fmt.Errorf("%d numbers in %q", len(tokens), raw)
	}
	s := tokens[0]

	decimal := decimalSeparator(locale)
	lastDot := strings.LastIndexByte(s, '.')
	lastComma := strings.LastIndexByte(s, ',')
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastDot > lastComma {
			decimal = '.'
		} else {
			decimal = ','
		}
	case lastDot >= 0 && strings.Count(s, ".") > 1:
		decimal = ','
	case lastComma >= 0 && strings.Count(s, ",") > 1:
		decimal = '.'
	case lastDot >= 0 && decimal != '.' && len(s)-lastDot-1 != 3:
		// "5.90" under a comma locale is still a decimal
		decimal = '.'
	case lastComma >= 0 && decimal != ',' && len(s)-lastComma-1 != 3:
		decimal = ','
	}
	if strings.Count(s, string(decimal)) > 1 {
		return 0, fmt.Errorf("malformed number %q", raw)
	}

	intPart, frac := s, ""
	if i := strings.LastIndexByte(s, byte(decimal)); i >= 0 {
		intPart, frac = s[:i], s[i+1:]
		if !allDigits(frac) {
			return 0, fmt.Errorf("malformed decimals in %q", raw)
		}
	}
	thousands := ','
	if decimal == ',' {
		thousands = '.'
	}
	groups := strings.FieldsFunc(intPart, func(r rune) bool { return r == thousands || isGroupSpace(r) })
	if len(groups) != strings.Count(intPart, string(thousands))+countGroupSpaces(intPart)+1 {
		// empty group, e.g. "1,,234"
		if intPart != "" || frac == "" {
			return 0, fmt.Errorf("malformed number %q", raw)
		}
	}
	for i, g := range groups {
		if !allDigits(g) {
			return 0, fmt.Errorf("malformed number %q", raw)
		}
		if len(groups) > 1 && ((i == 0 && len(g) > 3) || (i > 0 && len(g) != 3)) {
			return 0, fmt.Errorf("bad digit grouping in %q", raw)
		}
	}

	num := strings.Join(groups, "")
	if num == "" {
		num = "0"
	}
	if frac != "" {
		num += "." + frac
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed number %q: %w", raw, err)
	}
	if negative {
		v = -v
	}
	return v, nil
}

// numericTokens splits text into runs of digits and separators. A space only
// joins digit groups when exactly three digits follow it. A minus sign right
// before the first number marks it negative.
func numericTokens(text string) ([]string, bool, error) {
	rs := []rune(text)
	var tokens []string
	negative := false
	for i := 0; i < len(rs); {
		r := rs[i]
		startsNumber := isDigit(r) || (isSeparator(r) && i+1 < len(rs) && isDigit(rs[i+1]))
		if !startsNumber {
			if (r == '-' || r == '−') && i+1 < len(rs) && isDigit(rs[i+1]) {
				if len(tokens) > 0 {
					return nil, false, fmt.Errorf("price range")
				}
				negative = true
			}
			i++
			continue
		}

		start := i
	scan:
		for i < len(rs) {
			switch {
			case isDigit(rs[i]) || isSeparator(rs[i]):
				i++
			case isGroupSpace(rs[i]) && isDigit(rs[i-1]) && groupFollows(rs, i+1):
				i++
			default:
				break scan
			}
		}
		tokens = append(tokens, strings.TrimRight(string(rs[start:i]), ".,"))
	}
	return tokens, negative, nil
}

// groupFollows reports whether exactly three digits start at rs[j].
func groupFollows(rs []rune, j int) bool {
	if j+3 > len(rs) {
		return false
	}
	for _, r := range rs[j : j+3] {
		if !isDigit(r) {
			return false
		}
	}
	return j+3 == len(rs) || !isDigit(rs[j+3])
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func isSeparator(r rune) bool { return r == '.' || r == ',' }

func isGroupSpace(r rune) bool { return r == ' ' || r == '\u00a0' || r == '\u202f' }

func countGroupSpaces(s string) int {
	n := 0
	for _, r := range s {
		if isGroupSpace(r) {
			n++
		}
	}
	return n
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !isDigit(r) {
			return false
		}
	}
	return true
}

// commaDecimal lists languages whose convention is a decimal comma. Spanish
// is region-dependent and handled separately.
var commaDecimal = map[string]bool{
	"de": true, "fr": true, "it": true, "pt": true, "nl": true, "ru": true,
	"pl": true, "tr": true, "sv": true, "da": true, "nb": true, "fi": true,
	"cs": true, "ro": true, "id": true, "el": true, "uk": true, "hu": true,
}

// dotDecimalSpanish lists Spanish-speaking regions that use a decimal point.
var dotDecimalSpanish = map[string]bool{
	"PE": true, "MX": true, "GT": true, "HN": true, "NI": true, "PA": true,
	"SV": true, "DO": true, "PR": true, "US": true,
}

func decimalSeparator(locale string) rune {
	if locale == "" {
		return '.'
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return '.'
	}
	base, _ := tag.Base()
	switch b := base.String(); {
	case b == "es":
		region, conf := tag.Region()
		if conf != language.No && dotDecimalSpanish[region.String()] {
			return '.'
		}
		return ','
	case commaDecimal[b]:
		return ','
	}
	return '.'
}

// monthFirstRegions write numeric dates as month/day/year.
var monthFirstRegions = map[string]bool{
	"US": true, "PH": true, "FM": true, "MH": true, "PW": true, "GU": true, "AS": true,
	"PR": true, "UM": true, "VI": true, "MP": true,
}

// monthFirst reports whether ambiguous numeric dates put the month first for
// a locale. Unknown or empty locales keep the month-first reading.
func monthFirst(locale string) bool {
	if locale == "" {
		return true
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return true
	}
	region, _ := tag.Region()
	return monthFirstRegions[region.String()]
}

var currencySymbols = []struct {
	symbol string
	code   string
}{
	{"S/.", "PEN"},
	{"S/", "PEN"},
	{"US$", "USD"},
	{"R$", "BRL"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "JPY"},
}

// ResolveCurrency returns an ISO 4217 code from an explicit currency field,
// a symbol embedded in the price text, or the target default, in that order.
// An explicit value that does not resolve is an error; the default only
// applies when the page states no currency.
func ResolveCurrency(explicit, priceText, fallback string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		if code, ok := lookupCurrency(explicit); ok {
			return code, nil
		}
		return "", fmt.Errorf("unknown currency %q", explicit)
	}
	for _, cs := range currencySymbols {
		if strings.Contains(priceText, cs.symbol) {
			return cs.code, nil
		}
	}
	if fallback != "" {
		if code, ok := lookupCurrency(fallback); ok {
			return code, nil
		}
	}
	return "", fmt.Errorf("no currency in %q and no default", priceText)
}

func lookupCurrency(s string) (string, bool) {
	for _, cs := range currencySymbols {
		if s == cs.symbol {
			return cs.code, true
		}
	}
	unit, err := currency.ParseISO(strings.ToUpper(s))
	if err != nil {
		return "", false
	}
	return unit.String(), true
}
