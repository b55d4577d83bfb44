package dispatch

import "time"

// RetryPolicy bounds automated charge retries.
type RetryPolicy struct {
	MaxRetries int
	Schedule   []time.Duration
}

// DefaultRetryPolicy retries three times, after one, three and seven days.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Schedule:   []time.Duration{24 * time.Hour, 72 * time.Hour, 168 * time.Hour},
	}
}

// Next returns when an entry that has already consumed retryCount automated
// retries should be attempted again. ok is false once the budget is exhausted.
func (p RetryPolicy) Next(now time.Time, retryCount int) (time.Time, bool) {
	if retryCount >= p.MaxRetries || len(p.Schedule) == 0 {
		return time.Time{}, false
	}
	i := retryCount
	if i >= len(p.Schedule) {
		i = len(p.Schedule) - 1
	}
	return now.Add(p.Schedule[i]), true
}
