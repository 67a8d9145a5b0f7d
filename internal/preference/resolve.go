// Package preference turns a stored profile (plus per-request overrides)
// into the criteria a queue entry is matched with.
package preference

import (
	"time"

	"github.com/whisper/chat-matcher/internal/profile"
)

// Criteria is the resolved entitlement and filter for one match request.
type Criteria struct {
	IsPremium     bool
	GenderFilter  profile.Gender // "" when no filter applies
	AllowFallback bool
}

// Override carries request-time changes to the stored preferences.
// Nil fields keep the stored value.
type Override struct {
	GenderFilter  *profile.Gender
	AllowFallback *bool
}

// IsPremium reports whether the subscription is premium and unexpired at now.
func IsPremium(p profile.Profile, now time.Time) bool {
	if p.SubscriptionTier != profile.TierPremium {
		return false
	}
	return p.SubscriptionExpiresAt == nil || p.SubscriptionExpiresAt.After(now)
}

// Resolve computes the match criteria. Overrides are applied to the stored
// settings first, so a filter requested by a free user is still dropped.
func Resolve(p profile.Profile, o Override, now time.Time) Criteria {
	if o.GenderFilter != nil {
		g := *o.GenderFilter
		p.FilterEnabled = g != "" && g != profile.GenderAny
		p.PreferredGender = g
	}
	if o.AllowFallback != nil {
		p.FallbackDisabled = !*o.AllowFallback
	}

	c := Criteria{
		IsPremium:     IsPremium(p, now),
		AllowFallback: !p.FallbackDisabled,
	}
	if c.IsPremium && p.FilterEnabled && isConcrete(p.PreferredGender) {
		c.GenderFilter = p.PreferredGender
	}
	return c
}

func isConcrete(g profile.Gender) bool {
	return g == profile.GenderMale || g == profile.GenderFemale
}
