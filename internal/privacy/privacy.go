// Package privacy implements the consent gate that every event must pass
// before it is eligible for cross-device bridging: TCF vendor/purpose
// consent, the US Privacy opt-out string, and the raw cross-device-bridging
// flag. Child-directed suppression is not part of this gate; the bridging
// engine checks the child flags separately.
package privacy

import "github.com/rawblock/householdiq-aggregator/pkg/models"

// RequiredVendorID is the IAB vendor id the aggregator must be consented
// for under TCF before it may bridge an event.
const RequiredVendorID = 333

// requiredPurposes are the TCF purpose ids that must both be granted:
// 1 = store/access information on a device, 2 = basic ads.
var requiredPurposes = [2]int{1, 2}

// USPrivacy is the parsed four-character US Privacy string.
type USPrivacy struct {
	Version    byte
	Region     byte
	OptOutSale byte
	LSPA       byte
}

// ParseUSPrivacy parses a raw US Privacy string ("1YNN" etc). A string
// shorter than 4 characters parses to the zero value, which never denies
// bridging on its own.
func ParseUSPrivacy(s string) USPrivacy {
	if len(s) < 4 {
		return USPrivacy{}
	}
	return USPrivacy{Version: s[0], Region: s[1], OptOutSale: s[2], LSPA: s[3]}
}

// denies reports the CCPA/CPRA opt-out-of-sale condition: an explicit
// 'Y' in the sale position opts the user out of cross-device linking
// regardless of which region variant produced the string.
func (u USPrivacy) denies() bool {
	return u.OptOutSale == 'Y'
}

// TCFConsent is the subset of a decoded TCF string the gate needs: whether
// the required vendor is consented, and which purposes are granted.
type TCFConsent struct {
	Valid           bool
	VendorConsented bool
	PurposesAllowed map[int]bool
}

func (t TCFConsent) satisfiesRequiredPurposes() bool {
	for _, p := range requiredPurposes {
		if !t.PurposesAllowed[p] {
			return false
		}
	}
	return true
}

// Gate evaluates consent signals for bridging eligibility.
type Gate struct{}

// NewGate constructs a privacy gate. It holds no state today but exists
// so future GVL-refresh state has somewhere to live without changing the
// call sites.
func NewGate() *Gate {
	return &Gate{}
}

// Evaluate decides whether an event may be used for cross-device
// bridging from consent/TCF/US-privacy signals alone. Child-directed
// suppression is a separate BridgingEngine-level check, not part of this
// gate's formula.
func (g *Gate) Evaluate(ctx models.ConsentContext, tcf TCFConsent) (bool, string) {
	if !ctx.CrossDeviceBridging {
		return false, "cross-device bridging flag not set"
	}
	if tcf.Valid {
		if !tcf.VendorConsented {
			return false, "tcf vendor not consented"
		}
		if !tcf.satisfiesRequiredPurposes() {
			return false, "tcf required purposes not granted"
		}
	}
	if ctx.USPrivacyString != "" {
		usp := ParseUSPrivacy(ctx.USPrivacyString)
		if usp.denies() {
			return false, "us privacy opt-out of sale"
		}
	}
	return true, ""
}
