// Package telegram implements transport.Transport on the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"

	"pkt.systems/chargeq/internal/transport"
)

// DefaultEndpoint is the public Bot API endpoint template.
const DefaultEndpoint = tgbotapi.APIEndpoint

// pollSlack is added to the long-poll timeout for the HTTP deadline.
const pollSlack = 10 * time.Second

// Config configures a Client.
type Config struct {
	Token string
	// Endpoint is a Bot API template with two %s verbs (token, method).
	Endpoint   string
	HTTPClient *http.Client
	Logger     pslog.Logger
}

// Client talks to the Bot API. Every call binds its context to the
// underlying HTTP request.
type Client struct {
	token    string
	endpoint string
	http     *http.Client
	logger   pslog.Logger
}

var _ transport.Transport = (*Client)(nil)

// New returns a Client. It performs no I/O.
func New(cfg Config) (*Client, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram: token required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if strings.Count(endpoint, "%s") != 2 {
		return nil, fmt.Errorf("telegram: endpoint %q must contain two %%s verbs", endpoint)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Client{token: token, endpoint: endpoint, http: httpClient, logger: logger}, nil
}

func (c *Client) api(ctx context.Context) *tgbotapi.BotAPI {
	api := &tgbotapi.BotAPI{
		Token:  c.token,
		Client: boundClient{ctx: ctx, client: c.http},
		Buffer: 100,
	}
	api.SetAPIEndpoint(c.endpoint)
	return api
}

// Identity calls getMe.
func (c *Client) Identity(ctx context.Context) (transport.Identity, error) {
	me, err := c.api(ctx).GetMe()
	if err != nil {
		return transport.Identity{}, c.classify("getMe", err)
	}
	return transport.Identity{ID: me.ID, Username: me.UserName, Name: me.FirstName}, nil
}

// Probe calls getMe and getWebhookInfo. An active webhook blocks long
// polling and is reported as a conflict. getUpdates is never called here
// because it would terminate a running leader's poll.
func (c *Client) Probe(ctx context.Context) error {
	api := c.api(ctx)
	if _, err := api.GetMe(); err != nil {
		return c.classify("getMe", err)
	}
	info, err := api.GetWebhookInfo()
	if err != nil {
		return c.classify("getWebhookInfo", err)
	}
	if info.URL != "" {
		return transport.NewError(transport.ClassConflict, "getWebhookInfo", fmt.Errorf("webhook active at %s", info.URL))
	}
	return nil
}

// Poll calls getUpdates.
func (c *Client) Poll(ctx context.Context, offset int, timeout time.Duration) ([]transport.Update, error) {
	if timeout < 0 {
		timeout = 0
	}
	ctx, cancel := context.WithTimeout(ctx, timeout+pollSlack)
	defer cancel()
	raw, err := c.api(ctx).GetUpdates(tgbotapi.UpdateConfig{
		Offset:  offset,
		Timeout: int(timeout / time.Second),
	})
	if err != nil {
		return nil, c.classify("getUpdates", err)
	}
	updates := make([]transport.Update, 0, len(raw))
	for _, u := range raw {
		updates = append(updates, convertUpdate(u))
	}
	if len(updates) > 0 {
		c.logger.Trace("telegram.poll.updates", "count", len(updates), "offset", offset)
	}
	return updates, nil
}

// Send calls sendMessage.
func (c *Client) Send(ctx context.Context, chatID int64, text string) error {
	if _, err := c.api(ctx).Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return c.classify("sendMessage", err)
	}
	return nil
}

func convertUpdate(u tgbotapi.Update) transport.Update {
	out := transport.Update{ID: u.UpdateID}
	msg := u.Message
	if msg == nil {
		msg = u.EditedMessage
	}
	if msg == nil {
		return out
	}
	out.Text = msg.Text
	out.Date = time.Unix(int64(msg.Date), 0).UTC()
	if msg.Chat != nil {
		out.ChatID = msg.Chat.ID
	}
	if msg.From != nil {
		out.UserID = msg.From.ID
		out.Username = msg.From.UserName
	}
	return out
}

// classify maps Bot API and HTTP failures onto transport classes. The token
// is scrubbed from request URLs first since it is part of the path.
func (c *Client) classify(op string, err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		ue.URL = strings.ReplaceAll(ue.URL, c.token, "<token>")
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusConflict:
			return transport.NewError(transport.ClassConflict, op, err)
		case apiErr.Code == http.StatusTooManyRequests:
			te := transport.NewError(transport.ClassNetwork, op, err)
			te.RetryAfter = time.Duration(apiErr.RetryAfter) * time.Second
			return te
		case apiErr.Code >= http.StatusInternalServerError:
			return transport.NewError(transport.ClassNetwork, op, err)
		default:
			return transport.NewError(transport.ClassFatal, op, err)
		}
	}
	var se *statusError
	var ne net.Error
	switch {
	case errors.As(err, &se),
		errors.As(err, &ne),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return transport.NewError(transport.ClassNetwork, op, err)
	}
	return transport.NewError(transport.ClassFatal, op, err)
}

// statusError is a non-JSON 5xx response, typically from a proxy in front
// of the Bot API.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("telegram: http status %d", e.code)
}

type boundClient struct {
	ctx    context.Context
	client *http.Client
}

func (b boundClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := b.client.Do(req.WithContext(b.ctx))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusInternalServerError && !strings.Contains(resp.Header.Get("Content-Type"), "json") {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &statusError{code: resp.StatusCode}
	}
	return resp, nil
}
