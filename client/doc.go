// Package client builds an HTTP client whose outbound requests pass through
// the backoff throttle and, optionally, a per-host token bucket.
//
// # Building a Client
//
// Use [Build] to create a [Client] with functional options. A registry is
// shared by every client that should see the same backoff state:
//
//	reg, err := registry.New(throttle.DefaultPolicy())
//	c, err := client.Build(
//		client.WithTimeout(10 * time.Second),
//		client.WithBackoff(reg),
//		client.WithRateLimit(20, 5),
//	)
//
// # Making Requests
//
// Construct a [Request] and execute it with [Client.Do]:
//
//	req, err := client.Request(ctx, u, http.MethodGet)
//	err = c.Do(req, http.StatusOK, client.WithDestination(&result))
//
// Requests to a destination in backoff fail with
// [transport.ErrRequestRejected] before anything is sent. Requests built
// with [AsUserGesture] are always let through.
package client
