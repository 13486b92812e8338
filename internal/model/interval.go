package model

import (
	"fmt"
	"time"
)

// Interval is a cron-like schedule token: a time-unit letter followed by a
// multiplier, e.g. "s5", "m15", "h4", "D1", "W1", "M1", "Y1". Unit letters
// follow ISO 8601 capitalization.
type Interval string

const (
	monthSeconds = 2_592_000  // 30 days
	yearSeconds  = 31_540_000 // 365.05 days
)

// secondsByInterval maps every accepted token to its duration in seconds.
// The advertised set matches the public schedule grammar; a few extra
// tokens (s2, W2, M2, M3, M6, Y2, Y3) are accepted for config
// compatibility with older deployments.
var secondsByInterval = map[Interval]int64{
	"s1": 1, "s2": 2, "s5": 5, "s10": 10, "s15": 15, "s20": 20, "s30": 30,
	"m1": 60, "m2": 120, "m5": 300, "m10": 600, "m15": 900, "m30": 1800,
	"h1": 3600, "h2": 7200, "h4": 14400, "h6": 21600, "h8": 28800, "h12": 43200,
	"D1": 86400, "D2": 172800, "D3": 259200,
	"W1": 604800, "W2": 1209600,
	"M1": monthSeconds, "M2": 2 * monthSeconds, "M3": 3 * monthSeconds, "M6": 6 * monthSeconds,
	"Y1": yearSeconds, "Y2": 2 * yearSeconds, "Y3": 3 * yearSeconds,
}

// cronByInterval maps tokens to 6-field cron expressions (with seconds),
// floor-aligned to UTC boundaries.
var cronByInterval = map[Interval]string{
	"s1":  "* * * * * *",
	"s2":  "*/2 * * * * *",
	"s5":  "*/5 * * * * *",
	"s10": "*/10 * * * * *",
	"s15": "*/15 * * * * *",
	"s20": "*/20 * * * * *",
	"s30": "*/30 * * * * *",
	"m1":  "0 */1 * * * *",
	"m2":  "0 */2 * * * *",
	"m5":  "0 */5 * * * *",
	"m10": "0 */10 * * * *",
	"m15": "0 */15 * * * *",
	"m30": "0 */30 * * * *",
	"h1":  "0 0 * * * *",
	"h2":  "0 0 */2 * * *",
	"h4":  "0 0 */4 * * *",
	"h6":  "0 0 */6 * * *",
	"h8":  "0 0 */8 * * *",
	"h12": "0 0 */12 * * *",
	"D1":  "0 0 0 * * *",
	"D2":  "0 0 0 */2 * *",
	"D3":  "0 0 0 */3 * *",
	"W1":  "0 0 0 * * 0",
	"W2":  "0 0 0 * * 0",
	"M1":  "0 0 0 1 * *",
	"M2":  "0 0 0 1 */2 *",
	"M3":  "0 0 0 1 */3 *",
	"M6":  "0 0 0 1 */6 *",
	"Y1":  "0 0 0 1 1 *",
	"Y2":  "0 0 0 1 1 *",
	"Y3":  "0 0 0 1 1 *",
}

// Valid reports whether i is a recognized interval token.
func (i Interval) Valid() bool {
	_, ok := secondsByInterval[i]
	return ok
}

// Seconds returns the interval width in seconds.
func (i Interval) Seconds() (int64, error) {
	s, ok := secondsByInterval[i]
	if !ok {
		return 0, fmt.Errorf("unknown interval token %q", string(i))
	}
	return s, nil
}

// Duration returns the interval width as a time.Duration.
func (i Interval) Duration() (time.Duration, error) {
	s, err := i.Seconds()
	if err != nil {
		return 0, err
	}
	return time.Duration(s) * time.Second, nil
}

// Cron returns the 6-field cron expression firing at each floor-aligned
// UTC boundary of the interval.
func (i Interval) Cron() (string, error) {
	c, ok := cronByInterval[i]
	if !ok {
		return "", fmt.Errorf("unknown interval token %q", string(i))
	}
	return c, nil
}

// BucketStart floors t to the interval boundary, in UTC.
// Buckets are half-open: [BucketStart, BucketStart+interval).
func (i Interval) BucketStart(t time.Time) (time.Time, error) {
	d, err := i.Duration()
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC().Truncate(d), nil
}
