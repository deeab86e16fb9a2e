// Package ratelimit enforces the classification service quotas.
//
// The limiter tracks every grant as a timestamped usage event and sums them
// over a sliding window, so capacity returns gradually as events age out
// instead of resetting at a minute boundary. Both the request count and the
// token count must fit for a grant; the reported wait is the shortest time
// after which both would.
package ratelimit
