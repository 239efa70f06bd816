package bridge

import (
	"regexp"
	"strings"
	"time"

	"voicebridge/internal/calls"
)

var (
	symbolPriceRe = regexp.MustCompile(`([$€£])\s?(\d+(?:[.,]\d{3})*(?:[.,]\d{1,2})?)`)
	wordPriceRe   = regexp.MustCompile(`(?i)\b(\d+(?:[.,]\d{1,2})?)\s?(dollars?|bucks|usd|euros?|eur|pounds?|gbp)\b`)

	clockTimeRe = regexp.MustCompile(`(?i)\b(\d{1,2}(?::[0-5]\d)?\s?(?:am|pm|a\.m\.|p\.m\.))|\b([01]?\d:[0-5]\d|2[0-3]:[0-5]\d)\b`)
	dayRe       = regexp.MustCompile(`(?i)\b(today|tonight|tomorrow|monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
)

var currencyBySymbol = map[string]string{"$": "USD", "€": "EUR", "£": "GBP"}

func currencyForWord(w string) string {
	switch w = strings.ToLower(w); {
	case strings.HasPrefix(w, "dollar"), w == "bucks", w == "usd":
		return "USD"
	case strings.HasPrefix(w, "euro"), w == "eur":
		return "EUR"
	case strings.HasPrefix(w, "pound"), w == "gbp":
		return "GBP"
	default:
		return ""
	}
}

// ExtractFacts looks for a quoted price, and optionally a time, in one
// assistant utterance. It reports false when no price is present.
func ExtractFacts(text string, at time.Time) (calls.ExtractedFacts, bool) {
	f := calls.ExtractedFacts{SourceText: text, At: at}

	if m := symbolPriceRe.FindStringSubmatch(text); m != nil {
		f.Currency = currencyBySymbol[m[1]]
		f.Price = m[2]
	} else if m := wordPriceRe.FindStringSubmatch(text); m != nil {
		f.Price = m[1]
		f.Currency = currencyForWord(m[2])
	} else {
		return calls.ExtractedFacts{}, false
	}

	var when []string
	if m := dayRe.FindString(text); m != "" {
		when = append(when, strings.ToLower(m))
	}
	if m := clockTimeRe.FindString(text); m != "" {
		when = append(when, m)
	}
	f.Time = strings.Join(when, " ")
	return f, true
}
