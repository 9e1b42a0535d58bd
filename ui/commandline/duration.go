// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"time"
)

// FormatDuration prints the duration with 2 decimal places in its largest unit, e.g. "1.50s" or "312.25µs".
func FormatDuration(d time.Duration) string {
	units := []struct {
		unit time.Duration
		name string
	}{
		{time.Hour, "h"}, {time.Minute, "m"}, {time.Second, "s"}, {time.Millisecond, "ms"}, {time.Microsecond, "µs"},
	}
	for _, u := range units {
		if d >= u.unit || -d >= u.unit {
			return fmt.Sprintf("%.2f%s", float64(d)/float64(u.unit), u.name)
		}
	}
	return fmt.Sprintf("%dns", d.Nanoseconds())
}
