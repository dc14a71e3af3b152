// Package policy holds data-handling rules for text that leaves the
// conversation: log lines and error details shown to display clients.
package policy

import "regexp"

var (
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`)
	secretPattern = regexp.MustCompile(`(?i)("?(?:access_token|password|token)"?\s*[:=]\s*)"?[^\s",&]+"?`)
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	ibanPattern   = regexp.MustCompile(`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,3})?\b`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	accountNumber = regexp.MustCompile(`(?i)\b(account|acct|routing)(\s*(?:no\.?|number|#)?\s*:?\s*)\d{6,17}\b`)
)

// Redact masks credentials and account identifiers. Amounts, dates and
// invoice numbers are left alone so logs stay useful.
func Redact(input string) (redacted string, changed bool) {
	out := input
	apply := func(re *regexp.Regexp, repl string) {
		next := re.ReplaceAllString(out, repl)
		changed = changed || next != out
		out = next
	}

	apply(bearerPattern, "Bearer [REDACTED_TOKEN]")
	apply(secretPattern, "${1}[REDACTED_SECRET]")
	apply(emailPattern, "[REDACTED_EMAIL]")
	apply(ibanPattern, "[REDACTED_IBAN]")
	// Cards before bare account numbers, which would otherwise match a card's digits.
	apply(cardPattern, "[REDACTED_CARD]")
	apply(accountNumber, "${1}${2}[REDACTED_ACCOUNT]")

	return out, changed
}

// RedactString is Redact without the changed flag.
func RedactString(input string) string {
	out, _ := Redact(input)
	return out
}
