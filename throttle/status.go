package throttle

import "net/http"

// Outcome is how a response counts towards backoff.
type Outcome int

const (
	OutcomeFailure Outcome = iota
	OutcomeSuccess
)

func (o Outcome) String() string {
	if o == OutcomeSuccess {
		return "success"
	}
	return "failure"
}

// Classifier decides how a status code counts towards backoff.
type Classifier func(statusCode int) Outcome

// ClassifyStatus is the default Classifier.
//
// Informational, success and redirect codes are successes. So are client
// errors, which say nothing about the health of the origin, except for
// 408 and 429 where the server is explicitly asking for less traffic.
// Server errors are failures, and so is anything outside 100-599.
//
// This is more lenient than counting only 2xx and 3xx as successes: a 404
// or 400 leaves the backoff alone. Use ClassifyStrict for that mapping.
func ClassifyStatus(statusCode int) Outcome {
	switch {
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusTooManyRequests:
		return OutcomeFailure
	case statusCode >= 100 && statusCode < 500:
		return OutcomeSuccess
	default:
		return OutcomeFailure
	}
}

// ClassifyStrict counts only 2xx and 3xx as successes.
func ClassifyStrict(statusCode int) Outcome {
	if statusCode >= 200 && statusCode < 400 {
		return OutcomeSuccess
	}
	return OutcomeFailure
}
