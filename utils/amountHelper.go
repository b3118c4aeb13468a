package utils

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const DateLayout = "2006-01-02"

// ParseAmount accepts user-formatted amounts as they show up in uploaded batches:
// - "1000"
// - "1,234.50" / "1.234,50"
// - "R$ 1.234,50"
// - "-20,00"
//
// When both '.' and ',' appear the right-most one is the decimal separator. A single separator
// followed by exactly three digits ("1.234", "0,125") could be either, so it is rejected rather
// than guessed. Grouping separators must split the integer part into groups of three.
// JSON numbers are plain decimals and are parsed exactly.
func ParseAmount(i interface{}) (decimal.Decimal, error) {
	switch v := i.(type) {
	case decimal.Decimal:
		return v, nil
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		return parseAmountString(v)
	default:
		return decimal.Zero, fmt.Errorf("invalid amount")
	}
}

func parseAmountString(v string) (decimal.Decimal, error) {
	s := strings.TrimSpace(v)
	s = strings.ReplaceAll(s, "R$", "")
	s = strings.ReplaceAll(s, "r$", "")
	s = strings.TrimSpace(s)

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = strings.TrimSpace(strings.TrimPrefix(s, "-"))
	}

	// Keep digits and separators only.
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' {
			b.WriteRune(r)
		}
	}
	clean := b.String()
	if clean == "" {
		return decimal.Zero, fmt.Errorf("invalid amount %q", v)
	}

	sep := strings.LastIndexAny(clean, ".,")
	intPart, fracPart := clean, ""
	if sep >= 0 {
		last := clean[sep]
		frac := clean[sep+1:]
		mixed := strings.IndexByte(clean[:sep], otherSeparator(last)) >= 0
		repeated := strings.Count(clean, string(last)) > 1
		switch {
		case mixed:
			if strings.IndexByte(clean[:sep], last) >= 0 {
				return decimal.Zero, fmt.Errorf("invalid amount %q", v)
			}
			intPart, fracPart = clean[:sep], frac
		case repeated:
			// "1.234.567": every separator is grouping.
		case len(frac) == 3:
			return decimal.Zero, fmt.Errorf("ambiguous amount %q: use two decimal places or a plain number", v)
		default:
			intPart, fracPart = clean[:sep], frac
		}
	}
	if !validGrouping(intPart) {
		return decimal.Zero, fmt.Errorf("invalid amount %q", v)
	}
	intPart = strings.NewReplacer(".", "", ",", "").Replace(intPart)
	if intPart == "" {
		intPart = "0"
	}
	out := intPart
	if fracPart != "" {
		out += "." + fracPart
	}
	if neg {
		out = "-" + out
	}
	d, err := decimal.NewFromString(out)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", v, err)
	}
	return d, nil
}

func validGrouping(s string) bool {
	groups := strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == ',' })
	if len(groups) <= 1 {
		return !strings.HasPrefix(s, ".") && !strings.HasPrefix(s, ",")
	}
	if len(groups[0]) > 3 || strings.Count(s, ".")+strings.Count(s, ",") != len(groups)-1 {
		return false
	}
	for _, g := range groups[1:] {
		if len(g) != 3 {
			return false
		}
	}
	return true
}

func otherSeparator(c byte) byte {
	if c == '.' {
		return ','
	}
	return '.'
}

// ParseCalendarDate parses a YYYY-MM-DD (or DD/MM/YYYY) date as a calendar day at UTC midnight.
func ParseCalendarDate(v string) (time.Time, error) {
	s := strings.TrimSpace(v)
	for _, layout := range []string{DateLayout, "02/01/2006", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return CalendarDate(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", v)
}

// CalendarDate keeps the Y-M-D as read from t's own location and pins it to UTC midnight,
// so a DATE column never drifts a day when the process runs in another timezone.
func CalendarDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
