package notify

import (
	"fmt"

	"github.com/shopspring/decimal"
)

func amountText(amount int64, currency string) string {
	return decimal.New(amount, -2).StringFixed(2) + " " + currency
}

// render returns a title and body for a notice.
func render(n Notice) (string, string) {
	amount := amountText(n.Amount, n.Currency)
	switch n.Kind {
	case KindPaymentReceived:
		return "Payment received", fmt.Sprintf("We received your installment payment of %s. Thank you!", amount)
	case KindPaymentFailed:
		body := fmt.Sprintf("Your installment payment of %s could not be processed", amount)
		if n.Reason != "" {
			body += ": " + n.Reason
		}
		if !n.NextRetryAt.IsZero() {
			body += fmt.Sprintf(". We will try again on %s", n.NextRetryAt.Format("2 Jan 2006"))
		}
		return "Payment failed", body + "."
	case KindRetriesExhausted:
		return "Action required", fmt.Sprintf("We could not collect your installment of %s after several attempts. Please update your payment method.", amount)
	case KindRefunded:
		return "Refund issued", fmt.Sprintf("A refund of %s has been issued to your payment method.", amount)
	}
	return "Payment update", fmt.Sprintf("There is an update on your installment of %s.", amount)
}
