package license

import (
	"time"

	"entcore/pkg/contracts/domain"
)

// ReminderThresholds are the days-before-expiry marks at which a renewal
// reminder obligation fires. Delivery is the surrounding application's job;
// this package only signals that a reminder is due.
var ReminderThresholds = []int{30, 7, 1}

// Validity computes where now falls relative to the license window. Pure
// function of its inputs; perpetual licenses never expire.
func Validity(lic *domain.License, now time.Time) domain.ValidityState {
	if lic.Subscription == domain.SubscriptionPerpetual {
		if now.Before(lic.ValidFrom) {
			return domain.ValidityNotStarted
		}
		return domain.ValidityActive
	}

	switch {
	case now.Before(lic.ValidFrom):
		return domain.ValidityNotStarted
	case !now.After(lic.ValidUntil):
		return domain.ValidityActive
	case !now.After(graceEnd(lic)):
		return domain.ValidityGracePeriod
	default:
		return domain.ValidityExpired
	}
}

// DaysLeft returns whole days until the end of the license window. During
// the grace period it counts down to the grace end; negative means expired.
func DaysLeft(lic *domain.License, now time.Time) int {
	if lic.Subscription == domain.SubscriptionPerpetual {
		return 0
	}
	end := lic.ValidUntil
	if now.After(lic.ValidUntil) {
		end = graceEnd(lic)
	}
	return int(end.Sub(now).Hours() / 24)
}

// ReminderDue reports whether a renewal reminder is due at now for a license
// ending at end, and which threshold fired. A threshold fires when now is
// within that many days of end but not yet within the next smaller one.
func ReminderDue(now, end time.Time) (int, bool) {
	if !now.Before(end) {
		return 0, false
	}
	daysLeft := end.Sub(now).Hours() / 24
	for i, threshold := range ReminderThresholds {
		if daysLeft > float64(threshold) {
			continue
		}
		// fire the tightest threshold that still covers daysLeft
		if i+1 < len(ReminderThresholds) && daysLeft <= float64(ReminderThresholds[i+1]) {
			continue
		}
		return threshold, true
	}
	return 0, false
}

// RenewalInfo summarizes renewal urgency for UI display.
type RenewalInfo struct {
	DaysLeft     int                  `json:"days_left"`
	State        domain.ValidityState `json:"state"`
	NeedsRenewal bool                 `json:"needs_renewal"`
	IsExpired    bool                 `json:"is_expired"`
}

// Renewal computes the renewal summary for a license at now.
func Renewal(lic *domain.License, now time.Time) RenewalInfo {
	state := Validity(lic, now)
	days := DaysLeft(lic, now)
	return RenewalInfo{
		DaysLeft:     days,
		State:        state,
		NeedsRenewal: state == domain.ValidityGracePeriod || state == domain.ValidityExpired ||
			(state == domain.ValidityActive && lic.Subscription == domain.SubscriptionPeriodic && days <= ReminderThresholds[0]),
		IsExpired: state == domain.ValidityExpired,
	}
}

func graceEnd(lic *domain.License) time.Time {
	return lic.ValidUntil.AddDate(0, 0, lic.GracePeriodDays)
}
