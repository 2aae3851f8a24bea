// Package reliability implements the gating half of the resilsync engine.
//
// Two cooperating pieces live here:
//   - CircuitBreaker: tracks aggregate remote health in a sliding window and
//     short-circuits calls while the dependency is down, with a crisis
//     exemption so safety-critical requests are never blocked
//   - BackoffPolicy: classification-aware exponential backoff with jitter
//     and a crisis override that shortcuts the schedule
//
// Both are safe for concurrent use and take an injectable clock so state
// transitions and delays are testable without wall-clock waits.
package reliability
