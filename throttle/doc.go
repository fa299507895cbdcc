// Package throttle decides, per destination, whether an automatic request
// should be held back and how far apart requests should be spaced.
//
// # Backoff
//
// Every [Entry] keeps a [BackoffState]. Failed responses push a release
// time forward exponentially, with jitter so many clients do not retry in
// lock step:
//
//	delay = min(InitialDelay * MultiplyFactor^(n-1), MaximumBackoff) * f
//
// where n counts failures beyond NumErrorsToIgnore and f is uniform in
// [1-JitterFactor, 1]. Until the release time, [Entry.ShouldRejectRequest]
// returns true. One success lifts blocking at once.
//
// # Pacing
//
// A [SlidingWindowCounter] tracks reservations. Once MaxSendThreshold of
// them fall inside SlidingWindowPeriod, [Entry.ReserveSendingTimeForNextRequest]
// starts suggesting a delay. It never rejects anything.
//
// # Usage
//
//	e, err := throttle.NewEntry("https://api.example.com/v1", throttle.DefaultPolicy())
//	now := e.Now()
//	if e.ShouldRejectRequest(now, false) {
//		return errBackingOff
//	}
//	time.Sleep(e.ReserveSendingTimeForNextRequest(now))
//	resp, err := http.DefaultClient.Do(req)
//	// ...
//	e.UpdateWithResponse(e.Now(), resp.StatusCode)
//
// Entries do no locking and no I/O. Owning many of them, and serializing
// access, is the job of the registry package.
package throttle
