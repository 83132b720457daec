// Package telemetry tracks the process-wide risk score and the traffic
// signals that drive it.
//
// A single Telemetry value is shared by the ingress pipeline, the signature
// guards, the inspection policy and the key scheduler. The risk score is an
// atomic integer in [0,100]; every other component reads it and only the
// HTTP observer and explicit operator calls move it. When the score reaches
// CircuitOpenThreshold the circuit breaker opens and stays open until the
// score falls to CircuitCloseThreshold.
//
// Alongside the score the package keeps plain counters, a bounded event
// ring, per-path signature statistics and an optional memory guard that
// sheds old events.
package telemetry
