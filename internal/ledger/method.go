package ledger

import "strings"

// Method identifies the gateway used for a payment. Values are the canonical
// two-letter codes.
type Method string

// Payment methods
const (
	MethodStripe      Method = "ST"
	MethodPayPal      Method = "PP"
	MethodApplePay    Method = "AP"
	MethodGooglePay   Method = "GP"
	MethodManualCheck Method = "MC"
)

// Methods lists every supported method in display order.
var Methods = []Method{MethodStripe, MethodPayPal, MethodApplePay, MethodGooglePay, MethodManualCheck}

var methodNames = map[Method]string{
	MethodStripe:      "stripe",
	MethodPayPal:      "paypal",
	MethodApplePay:    "apple_pay",
	MethodGooglePay:   "google_pay",
	MethodManualCheck: "manual_check",
}

// String returns the readable name of the method.
func (m Method) String() string {
	if n, ok := methodNames[m]; ok {
		return n
	}
	return string(m)
}

// Valid reports whether m is a supported method code.
func (m Method) Valid() bool {
	_, ok := methodNames[m]
	return ok
}

// NormalizeMethod maps a caller token to a Method. It accepts the canonical
// codes and readable names ignoring case, spaces and hyphens. Anything else
// resolves to ManualCheck with ok=false so the caller can record the fallback.
func NormalizeMethod(token string) (m Method, ok bool) {
	t := strings.TrimSpace(token)
	if c := Method(strings.ToUpper(t)); c.Valid() {
		return c, true
	}
	name := strings.ToLower(t)
	name = strings.NewReplacer("-", "_", " ", "_").Replace(name)
	for code, n := range methodNames {
		if n == name || strings.ReplaceAll(n, "_", "") == name {
			return code, true
		}
	}
	return MethodManualCheck, false
}
