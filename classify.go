package main

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// ClassifyBookNow judges a Book Now click. A dialog saying booking has not
// started wins over any error reported alongside it. Raw driver errors are
// retried only when they look like a network or page-load hiccup.
func ClassifyBookNow(o BookNowOutcome) Outcome {
	if o.Navigated {
		return OutcomeSuccess
	}

	if containsAny(o.DialogText,
		"not started",
		"not yet started",
		"will open",
		"select class",
		"please select",
	) {
		return OutcomeNotOpenYet
	}

	if containsAny(o.DialogText,
		"regret",
		"not available",
		"no seats",
		"chart prepared",
		"train cancelled",
		"departed",
		"booking is closed",
	) {
		return OutcomePermanent
	}

	if o.Err != nil {
		var be *BookingError
		switch {
		case errors.As(o.Err, &be):
			if be.Kind == KindPermanent {
				return OutcomePermanent
			}
			return OutcomeTransient
		case isNetworkError(o.Err), errors.Is(o.Err, context.Canceled):
			return OutcomeTransient
		}
		// An error the driver could not explain will not go away by
		// clicking again.
		return OutcomePermanent
	}

	if o.ButtonDisabled {
		return OutcomeNotOpenYet
	}
	return OutcomeTransient
}

var (
	waitlistPattern = regexp.MustCompile(`\b(?:GNWL|PQWL|RLWL|RSWL|TQWL|CKWL|NOSEATS|WL)\s*\d*`)
	racPattern      = regexp.MustCompile(`\bRAC\s*\d*`)
	pnrPattern      = regexp.MustCompile(`PNR[:\s#No.]*(\d{10})`)
	statusPattern   = regexp.MustCompile(`\b(CNF|RAC|WL)\b`)
)

// ParseAllocation reads the availability text shown for a class, e.g.
// "AVAILABLE-0042", "RAC 12", "GNWL 35/WL 20" or "REGRET".
func ParseAllocation(text string) AllocationStatus {
	upper := strings.ToUpper(strings.TrimSpace(text))
	switch {
	case upper == "":
		return AllocationUnknown
	case strings.Contains(upper, "REGRET"):
		return AllocationWaitlisted
	case strings.HasPrefix(upper, "AVAILABLE"), strings.HasPrefix(upper, "CURR_AVBL"), strings.HasPrefix(upper, "CNF"):
		return AllocationConfirmed
	case racPattern.MatchString(upper):
		return AllocationRAC
	case waitlistPattern.MatchString(upper):
		return AllocationWaitlisted
	}
	return AllocationUnknown
}

// ParseBookingStatus extracts the PNR and CNF/RAC/WL status from a
// confirmation page.
func ParseBookingStatus(text string) (pnr, status string) {
	if m := pnrPattern.FindStringSubmatch(text); m != nil {
		pnr = m[1]
	}
	if m := statusPattern.FindStringSubmatch(text); m != nil {
		status = m[1]
	}
	return pnr, status
}
