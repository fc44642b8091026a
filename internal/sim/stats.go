package sim

// Outcome classifies what the service answered to one attempt.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeDenied      Outcome = "denied"
	OutcomeLocked      Outcome = "locked"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeError       Outcome = "error"
)

// Counter tallies attempt outcomes over a run.
type Counter struct {
	Attempts    int
	Successes   int
	Denied      int
	Locked      int
	RateLimited int
	Errors      int
}

// Add records one outcome.
func (c *Counter) Add(o Outcome) {
	c.Attempts++
	switch o {
	case OutcomeSuccess:
		c.Successes++
	case OutcomeDenied:
		c.Denied++
	case OutcomeLocked:
		c.Locked++
	case OutcomeRateLimited:
		c.RateLimited++
	default:
		c.Errors++
	}
}

// BlockedShare is the fraction of attempts the service refused outright.
func (c Counter) BlockedShare() float64 {
	if c.Attempts == 0 {
		return 0
	}
	return float64(c.Denied+c.Locked+c.RateLimited) / float64(c.Attempts)
}
