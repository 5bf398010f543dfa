package main

import (
	"fmt"
	"time"

	"pia-nm/internal/refresh"
)

const (
	symbolOk   = "✓"
	symbolWarn = "⚠"
	symbolErr  = "✗"
)

// printReport writes one line per region with the outcome symbol and a short
// reason for anything other than a clean success.
func printReport(report refresh.Report) {
	for _, e := range report.Entries {
		switch e.Outcome.Status {
		case refresh.StatusOk:
			if e.Outcome.Warning != "" {
				fmt.Printf("%s %-24s refreshed in %s (%s)\n",
					symbolWarn, e.Region, e.Duration.Round(durationUnit), e.Outcome.Warning)
			} else {
				fmt.Printf("%s %-24s refreshed in %s\n",
					symbolOk, e.Region, e.Duration.Round(durationUnit))
			}
		case refresh.StatusWarn:
			fmt.Printf("%s %-24s %s\n", symbolWarn, e.Region, e.Outcome.Detail)
		default:
			fmt.Printf("%s %-24s %s\n", symbolErr, e.Region, e.Outcome.Detail)
		}
	}
}

const durationUnit = 10 * time.Millisecond
