// Package redis opens the shared Redis client used by the verification
// request store, the rate limiter, the token store and the settlement queue.
package redis
