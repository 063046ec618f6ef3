package timezone

import "time"

var Location *time.Location

func init() {
	var err error
	Location, err = time.LoadLocation("Europe/Rome")
	if err != nil {
		panic(err)
	}
}

// the OCTO portal reports dates in Italian local time, so the clock
// is pinned to Europe/Rome no matter where the daemon is deployed
func Now() time.Time {
	return time.Now().In(Location)
}
