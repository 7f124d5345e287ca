// Package decision maps a risk score to an access action.
package decision

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Score thresholds. A score equal to a threshold takes the stricter action.
const (
	DenyThreshold       = 0.8
	Require2FAThreshold = 0.5
)

// Decide returns deny_access for score >= 0.8, require_2fa for score >= 0.5
// and allow otherwise.
func Decide(score float64) domain.Action {
	switch {
	case score >= DenyThreshold:
		return domain.ActionDeny
	case score >= Require2FAThreshold:
		return domain.ActionRequire2FA
	default:
		return domain.ActionAllow
	}
}

// Message is the client-facing summary for an action.
func Message(action domain.Action) string {
	return fmt.Sprintf("Session processed. Action: %s", action.Human())
}
