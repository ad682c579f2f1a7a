/*
Package probe implements the individual network measurements composed
into one cycle by the runner.

ThroughputProbe saturates the link against a provider's nearest
directory endpoints with a bounded worker pool: each worker repeatedly
transfers fixed-size payloads until the stage deadline, and received or
sent bytes are accumulated with atomic counters so workers share no
other mutable state. Candidates are tried in directory order and the
first to succeed is remembered as last-known-good.

PingProbe sends a fixed count of ICMP echo requests and reports the
mean round-trip time together with jitter, defined here as the mean
absolute difference between consecutive RTTs.

HTTPLoadProbe times one full request/response cycle against a reference
URL, optionally through a transport config string.

Every probe returns an error instead of panicking; the runner logs the
error and records null fields, so one failing probe never aborts a
cycle.
*/
package probe
