package sntp

import (
	"time"

	"github.com/beevik/ntp"
	"github.com/samber/oops"
)

const (
	maxRTT            = 2 * time.Second
	maxClockOffset    = 10 * time.Second
	maxRootDispersion = time.Second
	maxRootDelay      = time.Second
)

// validateResponse rejects unsynchronized servers, implausible strata and
// samples whose timing metrics are too loose to trust.
func validateResponse(r *ntp.Response) error {
	switch {
	case r == nil:
		return oops.Wrapf(ErrInvalidResponse, "empty response")
	case r.Leap == ntp.LeapNotInSync:
		return oops.Wrapf(ErrInvalidResponse, "server clock not synchronized")
	case r.Stratum == 0 || r.Stratum > 15:
		return oops.Wrapf(ErrInvalidResponse, "stratum %d out of range", r.Stratum)
	case r.RTT < 0 || r.RTT > maxRTT:
		return oops.Wrapf(ErrInvalidResponse, "round trip %v out of bounds", r.RTT)
	case absDuration(r.ClockOffset) > maxClockOffset:
		return oops.Wrapf(ErrInvalidResponse, "clock offset %v out of bounds", r.ClockOffset)
	case r.Time.IsZero():
		return oops.Wrapf(ErrInvalidResponse, "zero time")
	case r.RootDispersion > maxRootDispersion:
		return oops.Wrapf(ErrInvalidResponse, "root dispersion %v too high", r.RootDispersion)
	case r.RootDelay > maxRootDelay:
		return oops.Wrapf(ErrInvalidResponse, "root delay %v too high", r.RootDelay)
	}
	return nil
}
