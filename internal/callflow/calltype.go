package callflow

// CallType is one catalog entry describing the purpose of an outbound
// call. The catalog is informational plus defaulting; it does not alter
// the script shape.
type CallType struct {
	ID               string `json:"id"`
	Description      string `json:"description"`
	DefaultOTPDigits int    `json:"default_otp_digits"`
}

var callTypes = []CallType{
	{ID: "verification", Description: "One-time code verification call", DefaultOTPDigits: 6},
	{ID: "confirmation", Description: "Single-keypress confirmation call", DefaultOTPDigits: 1},
}

// CallTypes returns the catalog in presentation order.
func CallTypes() []CallType {
	out := make([]CallType, len(callTypes))
	copy(out, callTypes)
	return out
}

// LookupCallType returns the catalog entry for an id.
func LookupCallType(id string) (CallType, bool) {
	for _, t := range callTypes {
		if t.ID == id {
			return t, true
		}
	}
	return CallType{}, false
}

// DefaultCallType returns the catalog entry used when a session does
// not pick one.
func DefaultCallType() CallType {
	return callTypes[0]
}
