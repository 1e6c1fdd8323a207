package sender

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "starsagent/pkg/logx"
)

const DefaultMethod = "sendGift"

// Config selects and configures the sender implementation.
type Config struct {
	Driver  string         // telegram | dryrun | none
	Token   string         // bot token used for sends
	Method  string         // Bot API method, default sendGift
	Gifts   map[int]string // amount -> gift id
	Timeout time.Duration  // per request
	APIURL  string         // optional Bot API server override
}

// New builds the configured sender. A nil Sender with a nil error means
// sending is disabled. Errors from the telegram driver wrap ErrClientInit.
func New(cfg Config, log logx.Logger) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, nil
	case "dryrun", "dry-run":
		return NewDryRun(log), nil
	case "telegram":
		t, err := NewTelegram(cfg, log)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("%w: unknown sender driver %q", ErrClientInit, cfg.Driver)
	}
}

// apiCaller is the part of *tele.Bot the sender uses.
type apiCaller interface {
	Raw(method string, payload interface{}) ([]byte, error)
}

// Telegram sends through the Bot API.
type Telegram struct {
	api    apiCaller
	method string
	gifts  map[int]string
	log    logx.Logger
}

// NewTelegram authenticates with getMe; any failure is ErrClientInit.
func NewTelegram(cfg Config, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("%w: token is empty", ErrClientInit)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:    strings.TrimSpace(cfg.APIURL),
		Token:  strings.TrimSpace(cfg.Token),
		Client: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientInit, err)
	}
	log = log.With(logx.String("comp", "sender.telegram"))
	if b.Me != nil {
		log.Info("sender authenticated", logx.Int64("bot_id", b.Me.ID), logx.String("username", b.Me.Username))
	}
	return newTelegram(b, cfg, log), nil
}

func newTelegram(api apiCaller, cfg Config, log logx.Logger) *Telegram {
	method := strings.TrimSpace(cfg.Method)
	if method == "" {
		method = DefaultMethod
	}
	gifts := make(map[int]string, len(cfg.Gifts))
	for k, v := range cfg.Gifts {
		gifts[k] = v
	}
	return &Telegram{api: api, method: method, gifts: gifts, log: log}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, destination string, amount int) Outcome {
	if err := ctx.Err(); err != nil {
		return Interrupted()
	}
	payload, err := t.payload(destination, amount)
	if err != nil {
		return Failure(err.Error())
	}

	// Raw is not context aware; an abandoned call finishes in the background.
	done := make(chan error, 1)
	go func() {
		_, err := t.api.Raw(t.method, payload)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return Interrupted()
	case err := <-done:
		if err != nil {
			return Classify(err)
		}
		return Success()
	}
}

func (t *Telegram) payload(destination string, amount int) (map[string]any, error) {
	p := map[string]any{}
	destination = strings.TrimSpace(destination)
	if id, err := strconv.ParseInt(destination, 10, 64); err == nil {
		p["user_id"] = id
	} else {
		p["chat_id"] = destination
	}
	if t.method == DefaultMethod {
		gift, ok := t.gifts[amount]
		if !ok {
			return nil, fmt.Errorf("no gift configured for amount %d", amount)
		}
		p["gift_id"] = gift
	} else {
		p["amount"] = amount
	}
	return p, nil
}

// Classify maps a Bot API error to an Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return Success()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Interrupted()
	}

	var fe tele.FloodError
	if errors.As(err, &fe) {
		return Overload(time.Duration(fe.RetryAfter) * time.Second)
	}
	if errors.Is(err, tele.ErrChatNotFound) || errors.Is(err, tele.ErrUserIsDeactivated) {
		return NotFound(err.Error())
	}
	lower := strings.ToLower(err.Error())
	for _, s := range []string{"chat not found", "user not found", "user_id_invalid", "peer_id_invalid"} {
		if strings.Contains(lower, s) {
			return NotFound(err.Error())
		}
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return Overload(time.Minute)
	}
	return Failure(err.Error())
}
