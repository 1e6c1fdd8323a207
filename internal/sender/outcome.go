// Package sender performs the external send operation and classifies its
// result into a small set of outcomes the queue knows how to handle.
package sender

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrClientInit reports that the external client could not be brought up.
// The agent then runs in monitoring-only mode.
var ErrClientInit = errors.New("sender client initialization failed")

type Kind int

const (
	KindSuccess Kind = iota
	// KindOverload: the service asked us to back off; the attempt is not
	// counted against the task.
	KindOverload
	KindNotFound
	KindError
	// KindInterrupted: the send was abandoned because the context ended and
	// its result is unknown.
	KindInterrupted
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindOverload:
		return "overload"
	case KindNotFound:
		return "destination_not_found"
	case KindError:
		return "error"
	case KindInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the tagged result of one Send.
type Outcome struct {
	Kind       Kind
	RetryAfter time.Duration // KindOverload only
	Message    string
}

func Success() Outcome { return Outcome{Kind: KindSuccess} }

func Overload(retryAfter time.Duration) Outcome {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Outcome{Kind: KindOverload, RetryAfter: retryAfter, Message: "retry after " + retryAfter.String()}
}

func NotFound(msg string) Outcome { return Outcome{Kind: KindNotFound, Message: msg} }

func Failure(msg string) Outcome { return Outcome{Kind: KindError, Message: msg} }

func Interrupted() Outcome { return Outcome{Kind: KindInterrupted, Message: "interrupted"} }

func (o Outcome) String() string {
	if o.Message == "" {
		return o.Kind.String()
	}
	return o.Kind.String() + ": " + o.Message
}

// Sender performs one send. Implementations must not panic on unknown
// destinations and must honour ctx cancellation.
type Sender interface {
	Send(ctx context.Context, destination string, amount int) Outcome
	Name() string
}

// Func adapts a plain function to Sender.
type Func func(ctx context.Context, destination string, amount int) Outcome

func (f Func) Send(ctx context.Context, destination string, amount int) Outcome {
	return f(ctx, destination, amount)
}

func (Func) Name() string { return "func" }
