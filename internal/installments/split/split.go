package split

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidPlan is returned for any payment plan the splitter refuses.
var ErrInvalidPlan = errors.New("invalid payment plan")

// DepositKind selects how the upfront deposit is expressed.
type DepositKind string

const (
	DepositNone    DepositKind = "none"
	DepositFixed   DepositKind = "fixed"
	DepositPercent DepositKind = "percent"
)

// Frequency is the spacing between consecutive schedule entries.
type Frequency string

const (
	Weekly   Frequency = "weekly"
	Biweekly Frequency = "biweekly"
	Monthly  Frequency = "monthly"
)

// Entry kinds produced by Split.
const (
	KindDeposit     = "deposit"
	KindInstallment = "installment"
)

var hundred = decimal.NewFromInt(100)

// DepositSpec describes the deposit. Amount is used for fixed deposits, Percent for percentage ones.
type DepositSpec struct {
	Kind    DepositKind
	Amount  int64
	Percent decimal.Decimal
}

// Plan is the input of Split. Amounts are in minor currency units.
type Plan struct {
	Total        int64
	Currency     string
	Deposit      DepositSpec
	Installments int
	Frequency    Frequency
	Start        time.Time
}

// Draft is a schedule entry before it is persisted. Seq starts at 1.
type Draft struct {
	Seq     int
	Kind    string
	Amount  int64
	DueDate time.Time
}

// Split divides the plan total into a deposit and equal installments.
// The last installment absorbs the rounding remainder so that the amounts
// always sum to the total exactly.
func Split(p Plan) ([]Draft, error) {
	if p.Total < 0 {
		return nil, fmt.Errorf("%w: total must not be negative", ErrInvalidPlan)
	}
	if p.Installments < 0 {
		return nil, fmt.Errorf("%w: installment count must not be negative", ErrInvalidPlan)
	}
	if p.Installments > 0 {
		if _, err := interval(p.Frequency, p.Start, 1); err != nil {
			return nil, err
		}
	}

	deposit, err := DepositAmount(p.Total, p.Deposit)
	if err != nil {
		return nil, err
	}

	remaining := p.Total - deposit
	if p.Installments == 0 && remaining != 0 {
		return nil, fmt.Errorf("%w: %d left unallocated with zero installments", ErrInvalidPlan, remaining)
	}

	drafts := make([]Draft, 0, p.Installments+1)
	if deposit > 0 {
		drafts = append(drafts, Draft{Kind: KindDeposit, Amount: deposit})
	}
	if p.Installments > 0 {
		n := int64(p.Installments)
		base := remaining / n
		if base == 0 {
			return nil, fmt.Errorf("%w: installment amount rounds to zero", ErrInvalidPlan)
		}
		for i := int64(0); i < n; i++ {
			amount := base
			if i == n-1 {
				amount = remaining - base*(n-1)
			}
			drafts = append(drafts, Draft{Kind: KindInstallment, Amount: amount})
		}
	}

	for i := range drafts {
		due, err := interval(p.Frequency, p.Start, i)
		if err != nil {
			return nil, err
		}
		drafts[i].Seq = i + 1
		drafts[i].DueDate = due
	}
	return drafts, nil
}

// DepositAmount resolves the deposit in minor units. Percentages are rounded half-up.
func DepositAmount(total int64, spec DepositSpec) (int64, error) {
	var deposit int64
	switch spec.Kind {
	case "", DepositNone:
		return 0, nil
	case DepositFixed:
		if spec.Amount < 0 {
			return 0, fmt.Errorf("%w: deposit must not be negative", ErrInvalidPlan)
		}
		deposit = spec.Amount
	case DepositPercent:
		if spec.Percent.IsNegative() || spec.Percent.GreaterThan(hundred) {
			return 0, fmt.Errorf("%w: deposit percent must be within [0, 100]", ErrInvalidPlan)
		}
		deposit = decimal.NewFromInt(total).Mul(spec.Percent).Div(hundred).Round(0).IntPart()
	default:
		return 0, fmt.Errorf("%w: unknown deposit kind %q", ErrInvalidPlan, spec.Kind)
	}
	if deposit > total {
		return 0, fmt.Errorf("%w: deposit %d exceeds total %d", ErrInvalidPlan, deposit, total)
	}
	return deposit, nil
}

func interval(f Frequency, start time.Time, i int) (time.Time, error) {
	switch f {
	case Weekly:
		return start.AddDate(0, 0, 7*i), nil
	case Biweekly:
		return start.AddDate(0, 0, 14*i), nil
	case Monthly:
		return addMonths(start, i), nil
	case "":
		if i == 0 {
			return start, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unknown frequency %q", ErrInvalidPlan, f)
}

// addMonths keeps the day of month, clamped to the last day of the target month.
func addMonths(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}
