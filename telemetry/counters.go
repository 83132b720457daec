package telemetry

import "sync/atomic"

// Counter identifies one monotonically increasing counter.
type Counter int

const (
	Inspected Counter = iota
	Blocked
	FingerprintIn
	FingerprintOut
	FirewallAllowed
	FirewallBlocked
	SignatureOK
	SignatureErr
	AuthorizeRequests
	AuthorizeOK
	AuthorizeErr
	TokenRequests
	TokenOK
	TokenErr
	IntrospectRequests
	IntrospectOK
	IntrospectErr
	CircuitOpens
	numCounters
)

var counterNames = [numCounters]string{
	Inspected:          "inspected",
	Blocked:            "blocked",
	FingerprintIn:      "fp_in",
	FingerprintOut:     "fp_out",
	FirewallAllowed:    "fw_allowed",
	FirewallBlocked:    "fw_blocked",
	SignatureOK:        "sig_ok",
	SignatureErr:       "sig_err",
	AuthorizeRequests:  "oauth2_auth_req",
	AuthorizeOK:        "oauth2_auth_ok",
	AuthorizeErr:       "oauth2_auth_err",
	TokenRequests:      "oauth2_token_req",
	TokenOK:            "oauth2_token_ok",
	TokenErr:           "oauth2_token_err",
	IntrospectRequests: "oauth2_intro_req",
	IntrospectOK:       "oauth2_intro_ok",
	IntrospectErr:      "oauth2_intro_err",
	CircuitOpens:       "circuit_open",
}

// String returns the counter's wire name.
func (c Counter) String() string {
	if c < 0 || c >= numCounters {
		return "unknown"
	}
	return counterNames[c]
}

type counters [numCounters]atomic.Uint64

func (c *counters) inc(k Counter) {
	if k >= 0 && k < numCounters {
		c[k].Add(1)
	}
}

func (c *counters) get(k Counter) uint64 {
	if k < 0 || k >= numCounters {
		return 0
	}
	return c[k].Load()
}

func (c *counters) snapshot() map[string]uint64 {
	out := make(map[string]uint64, numCounters)
	for i := Counter(0); i < numCounters; i++ {
		out[counterNames[i]] = c[i].Load()
	}
	return out
}
