package receipt

import (
	"fmt"
	"regexp"
	"strings"
)

type lineKind int

const (
	lineOther lineKind = iota
	lineStore
	lineDate
	lineItem
	linePrice
)

var (
	// Leading "-", "*", "•", "1.", "2)" and markdown emphasis
	reBullet   = regexp.MustCompile(`^(?:[-*•·]+|\d{1,3}[.)])\s+`)
	reLabel    = regexp.MustCompile(`(?i)^(store\s*name|store|date|items?\s*purchased?|item\s*name|items?|price)\s*[:：]\s*(.*)$`)
	reAmount   = regexp.MustCompile(`^-?\d[\d,]*(?:[.,]\d{1,2})?$`)
	reDecimal  = regexp.MustCompile(`\d[.,]\d{1,2}$`)
	reCurrency = regexp.MustCompile(`(?i)^(?:[$€£¥₹]|usd|eur|gbp|cad|aud|inr|rs\.?)\s?|\s?(?:[$€£¥₹]|usd|eur|gbp|cad|aud|inr)$`)
	reDate     = regexp.MustCompile(`(?i)^(?:\d{1,4}[-/.]\d{1,2}[-/.]\d{1,4}|\d{1,2}\s+[a-z]{3,9}\.?\s+\d{2,4}|[a-z]{3,9}\.?\s+\d{1,2},?\s+\d{2,4})$`)
)

// ParseRecords turns a structuring completion into line item records.
//
// Lines are recognized by their label ("Store Name:", "Date:",
// "Item Purchase:", "Price:"), case-insensitively. A completion with no labels
// at all is read as store, optional date, then alternating item and price
// lines. The returned warnings describe anything that was skipped or guessed.
func ParseRecords(text string) ([]Record, []string) {
	lines := splitLines(text)
	if len(lines) == 0 {
		return []Record{}, nil
	}

	labeled := false
	for _, l := range lines {
		if k, _ := classify(l); k != lineOther {
			labeled = true
			break
		}
	}

	var (
		records  []Record
		warnings []string
	)
	if labeled {
		records, warnings = parseLabeled(lines)
	} else {
		records, warnings = parseUnlabeled(lines)
	}
	if records == nil {
		records = []Record{}
	}
	if len(records) == 0 {
		warnings = append(warnings, ErrParseAmbiguous.Error()+": zero records parsed from non-empty agent response")
	}
	return records, warnings
}

// recordBuilder carries store and date forward across items
type recordBuilder struct {
	store, date string
	pending     *Record
	records     []Record
	warnings    []string
}

func (b *recordBuilder) item(name string) {
	if b.pending != nil {
		b.warnf("item %q has no price", b.pending.ItemPurchased)
		b.flush()
	}
	b.pending = &Record{StoreName: b.store, Date: b.date, ItemPurchased: name}
}

func (b *recordBuilder) price(p string) {
	if b.pending == nil {
		b.warnf("price %q has no item, dropped", p)
		return
	}
	if !isPrice(p) {
		b.warnf("price %q for %q is not a recognizable amount, stored as is", p, b.pending.ItemPurchased)
	}
	b.pending.Price = p
	b.flush()
}

func (b *recordBuilder) flush() {
	if b.pending == nil {
		return
	}
	b.records = append(b.records, *b.pending)
	b.pending = nil
}

func (b *recordBuilder) warnf(format string, args ...any) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

func parseLabeled(lines []string) ([]Record, []string) {
	b := &recordBuilder{}
	for _, l := range lines {
		kind, value := classify(l)
		switch kind {
		case lineStore:
			b.store = value
		case lineDate:
			b.date = value
		case lineItem:
			if value == "" {
				b.warnf("empty item line skipped")
				continue
			}
			b.item(value)
		case linePrice:
			b.price(value)
		default:
			b.warnf("unrecognized line %q ignored", l)
		}
	}
	if b.pending != nil {
		b.warnf("item %q has no price", b.pending.ItemPurchased)
		b.flush()
	}
	return b.records, b.warnings
}

func parseUnlabeled(lines []string) ([]Record, []string) {
	b := &recordBuilder{}
	b.warnf("no labels found, reading lines by position")

	rest := lines
	b.store = cleanValue(rest[0])
	rest = rest[1:]
	if len(rest) > 0 && reDate.MatchString(rest[0]) {
		b.date = cleanValue(rest[0])
		rest = rest[1:]
	}

	for _, l := range rest {
		v := cleanValue(l)
		if b.pending != nil && isPrice(v) {
			b.price(v)
			continue
		}
		b.item(v)
	}
	if b.pending != nil {
		b.warnf("item %q has no price", b.pending.ItemPurchased)
		b.flush()
	}
	return b.records, b.warnings
}

// isPrice accepts an amount carrying a currency mark or a decimal part,
// so a quantity like "2 Milk" or a bare "2" is not taken for a price
func isPrice(v string) bool {
	bare := reCurrency.ReplaceAllString(v, "")
	if !reAmount.MatchString(bare) {
		return false
	}
	return bare != v || reDecimal.MatchString(bare)
}

// classify identifies a labeled line and returns its value
func classify(line string) (lineKind, string) {
	m := reLabel.FindStringSubmatch(line)
	if m == nil {
		return lineOther, ""
	}
	label := strings.ToLower(strings.Join(strings.Fields(m[1]), ""))
	value := cleanValue(m[2])
	switch {
	case strings.HasPrefix(label, "store"):
		return lineStore, value
	case label == "date":
		return lineDate, value
	case label == "price":
		return linePrice, value
	default:
		return lineItem, value
	}
}

// splitLines returns the non-blank lines with bullets and emphasis removed
func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, l := range strings.Split(text, "\n") {
		l = strings.TrimSpace(l)
		l = reBullet.ReplaceAllString(l, "")
		l = strings.NewReplacer("**", "", "__", "").Replace(l)
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		out = append(out, l)
	}
	return out
}

func cleanValue(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimRight(v, ".,;")
	return strings.TrimSpace(v)
}
