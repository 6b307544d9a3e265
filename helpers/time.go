package helpers

import "time"

func IntSecondDefault(x int, def time.Duration) time.Duration {
	if x <= 0 {
		return def
	}
	return time.Duration(x) * time.Second
}

func IntDefault(x int, def int) int {
	if x <= 0 {
		return def
	}
	return x
}

// UnixFloat is seconds since epoch with sub-second fraction, wire format of event timestamps.
func UnixFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
