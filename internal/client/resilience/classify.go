package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aws/smithy-go"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dmitrijs2005/msgvault/internal/common"
)

// Kind tells the controller whether another attempt may succeed.
type Kind int

const (
	Fatal Kind = iota
	Retryable
)

func (k Kind) String() string {
	if k == Retryable {
		return "retryable"
	}
	return "fatal"
}

// Reasons attached to a Classification. They double as metric labels.
const (
	ReasonFatal     = "fatal"
	ReasonRateLimit = "rate_limit"
	ReasonOverload  = "overloaded"
	ReasonTimeout   = "timeout"
	ReasonNetwork   = "network"
	ReasonAborted   = "aborted"
)

// Classification is the verdict on a failed attempt.
type Classification struct {
	Kind Kind

	// WaitHint is the wait the remote asked for, zero if none.
	WaitHint time.Duration

	// Overloaded is set for throttling signals that carry no explicit wait.
	Overloaded bool

	Reason string
}

func retryable(reason string) Classification {
	return Classification{Kind: Retryable, Reason: reason}
}

func fatal() Classification {
	return Classification{Kind: Fatal, Reason: ReasonFatal}
}

var floodWaitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`flood_wait_(\d+)`),
	regexp.MustCompile(`flood_wait \((\d+)\)`),
	regexp.MustCompile(`wait of (\d+) seconds`),
	regexp.MustCompile(`retry after (\d+)`),
}

// throttling codes returned by S3-compatible services
var throttleCodes = map[string]bool{
	"SlowDown":                 true,
	"Throttling":               true,
	"ThrottlingException":      true,
	"RequestLimitExceeded":     true,
	"TooManyRequests":          true,
	"TooManyRequestsException": true,
	"ServiceUnavailable":       true,
}

// Classify decides whether err is worth another attempt.
//
// Typed signals are checked first: attempt timeouts, gRPC status codes with
// their RetryInfo, S3 API error codes and net.Error timeouts. Anything else
// falls back to matching the error text, since remote channels do not share
// an error taxonomy.
func Classify(err error) Classification {
	if err == nil || errors.Is(err, context.Canceled) {
		return fatal()
	}

	if errors.Is(err, common.ErrAttemptTimedOut) || errors.Is(err, context.DeadlineExceeded) {
		return retryable(ReasonTimeout)
	}

	if c, ok := classifyGRPC(err); ok {
		return c
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); {
		case throttleCodes[code]:
			c := retryable(ReasonOverload)
			c.Overloaded = true
			return c
		case code == "RequestTimeout":
			return retryable(ReasonTimeout)
		case code == "InternalError":
			return retryable(ReasonNetwork)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return retryable(ReasonTimeout)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return retryable(ReasonNetwork)
	}

	return classifyMessage(err.Error())
}

func classifyGRPC(err error) (Classification, bool) {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK || st.Code() == codes.Unknown {
		return Classification{}, false
	}

	var c Classification
	switch st.Code() {
	case codes.Unavailable:
		c = retryable(ReasonNetwork)
	case codes.DeadlineExceeded:
		c = retryable(ReasonTimeout)
	case codes.ResourceExhausted:
		c = retryable(ReasonRateLimit)
	case codes.Aborted:
		c = retryable(ReasonAborted)
	default:
		return fatal(), true
	}

	for _, d := range st.Details() {
		if ri, ok := d.(*errdetails.RetryInfo); ok && ri.GetRetryDelay() != nil {
			c.WaitHint = ri.GetRetryDelay().AsDuration()
		}
	}
	if c.Reason == ReasonRateLimit && c.WaitHint == 0 {
		c.Overloaded = true
	}
	return c, true
}

func classifyMessage(msg string) Classification {
	msg = strings.ToLower(msg)

	for _, re := range floodWaitPatterns {
		if m := re.FindStringSubmatch(msg); m != nil {
			secs, err := strconv.Atoi(m[1])
			if err == nil {
				c := retryable(ReasonRateLimit)
				c.WaitHint = time.Duration(secs) * time.Second
				return c
			}
		}
	}

	switch {
	case containsAny(msg, "flood", "too many requests", "rate limit", "overloaded", "slow down"):
		c := retryable(ReasonOverload)
		c.Overloaded = true
		return c
	case containsAny(msg, "deadline", "timeout", "timed out"):
		return retryable(ReasonTimeout)
	case containsAny(msg, "connection", "network", "transport", "broken pipe", "reset by peer", "unexpected eof"):
		return retryable(ReasonNetwork)
	}
	return fatal()
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
