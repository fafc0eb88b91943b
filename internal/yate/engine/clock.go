package engine

import "time"

// defaultNowUnix is the production clock. nowUnix is a package variable, so
// a fixed clock can be substituted to make encoded timestamps deterministic.
func defaultNowUnix() int64 {
	return time.Now().Unix()
}
