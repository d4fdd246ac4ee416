package validation

import (
	"errors"
	"reflect"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
)

// maxScale is the number of fractional digits accepted on money inputs.
const maxScale = 2

// New returns a configured validator. Decimal amounts are exposed to the
// numeric tags (gt, gte) as float64, and field names use their json tags.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	v.RegisterCustomTypeFunc(decimalValue, decimal.Decimal{})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	v.RegisterStructValidation(processPaymentStructValidation, ProcessPaymentRequest{})
	v.RegisterStructValidation(refundStructValidation, RefundRequest{})

	return v
}

func decimalValue(field reflect.Value) interface{} {
	if d, ok := field.Interface().(decimal.Decimal); ok {
		f, _ := d.Float64()
		return f
	}
	return nil
}

// processPaymentStructValidation rejects amounts with sub-cent precision.
func processPaymentStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(ProcessPaymentRequest)
	if req.Amount.Exponent() < -maxScale && !req.Amount.Equal(req.Amount.Round(maxScale)) {
		sl.ReportError(req.Amount, "amount", "Amount", "amount_precision", "")
	}
}

// refundStructValidation requires an explicit refund amount to be positive.
func refundStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(RefundRequest)
	if req.Amount == nil {
		return
	}
	if !req.Amount.IsPositive() {
		sl.ReportError(req.Amount, "amount", "Amount", "gt", "0")
	}
}

// Check runs v against s and converts failures into a *ledger.ValidationError.
func Check(v *validatorv10.Validate, s interface{}) error {
	if err := v.Struct(s); err != nil {
		return &ledger.ValidationError{Fields: validationErrorsToMap(err)}
	}
	return nil
}

func validationErrorsToMap(err error) map[string]string {
	out := map[string]string{}
	var ve validatorv10.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			out[fieldPath(fe.Namespace())] = message(fe)
		}
	} else {
		out["error"] = err.Error()
	}
	return out
}

// fieldPath drops the top-level struct name: "CreateOrderRequest.items[0].quantity" -> "items[0].quantity".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func message(fe validatorv10.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must contain at least " + fe.Param() + " entries"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "len":
		return "must be " + fe.Param() + " characters"
	case "uppercase":
		return "must be uppercase"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "amount_precision":
		return "must have at most 2 decimal places"
	}
	return fe.Error()
}
