package twitter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dghubble/oauth1"

	logx "tweetfwd/pkg/logx"
)

const (
	DefaultStreamURL      = "https://stream.twitter.com/1.1/statuses/filter.json"
	DefaultConnectTimeout = 30 * time.Second
	DefaultStallTimeout   = 90 * time.Second
	DefaultMaxFrame       = 1 << 20
)

// App is the consumer key pair registered for the bot.
type App struct {
	ConsumerKey    string
	ConsumerSecret string
}

// Credentials is one chat's user token pair.
type Credentials struct {
	Token  string
	Secret string
}

// Fingerprint identifies a token pair without exposing it.
func (c Credentials) Fingerprint() string {
	if c.Token == "" && c.Secret == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(c.Token))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(c.Secret))
	return strconv.FormatUint(h.Sum64(), 16)
}

type Config struct {
	StreamURL      string
	UserAgent      string
	ConnectTimeout time.Duration
	StallTimeout   time.Duration
	// MaxFrame caps one newline-delimited frame, in bytes.
	MaxFrame int
}

// Conn is one open filtered stream.
type Conn interface {
	// Next blocks until the next status payload. Keep-alives and control
	// notices are consumed internally.
	Next(ctx context.Context) ([]byte, error)
	// Close releases the connection and unblocks Next. Idempotent.
	Close() error
}

// Dialer opens filtered streams.
type Dialer interface {
	Connect(ctx context.Context, creds Credentials, follow []string) (Conn, error)
}

// Client signs stream requests with OAuth1.
type Client struct {
	app  App
	cfg  Config
	base *http.Client
	log  logx.Logger
}

type Option func(*Client)

// WithHTTPClient sets the transport used under the OAuth1 signer.
func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.base = c } }

func WithLogger(log logx.Logger) Option { return func(cl *Client) { cl.log = log } }

func NewClient(app App, cfg Config, opts ...Option) *Client {
	if strings.TrimSpace(cfg.StreamURL) == "" {
		cfg.StreamURL = DefaultStreamURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "tweetfwd"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultStallTimeout
	}
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = DefaultMaxFrame
	}
	c := &Client{app: app, cfg: cfg, log: logx.Nop()}
	for _, o := range opts {
		o(c)
	}
	if c.base == nil {
		c.base = &http.Client{}
	}
	return c
}

// Connect opens a stream filtered to the follow ids. It returns after the
// provider answered 200; the body stays open until Close or ctx is done.
func (c *Client) Connect(ctx context.Context, creds Credentials, follow []string) (Conn, error) {
	if len(follow) == 0 {
		return nil, fmt.Errorf("twitter: empty follow set")
	}
	form := url.Values{}
	form.Set("follow", strings.Join(follow, ","))

	// The request context outlives the handshake, so the connect timeout is
	// a timer that cancels it until the response headers arrive.
	connCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(c.cfg.ConnectTimeout, cancel)

	req, err := http.NewRequestWithContext(connCtx, http.MethodPost, c.cfg.StreamURL, strings.NewReader(form.Encode()))
	if err != nil {
		timer.Stop()
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	signer := oauth1.NewConfig(c.app.ConsumerKey, c.app.ConsumerSecret)
	httpc := signer.Client(context.WithValue(connCtx, oauth1.HTTPClient, c.base), oauth1.NewToken(creds.Token, creds.Secret))

	resp, err := httpc.Do(req)
	timer.Stop()
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("twitter: connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, classifyStatus(resp, strings.TrimSpace(string(body)))
	}

	s := &stream{
		body:   resp.Body,
		cancel: cancel,
		stall:  c.cfg.StallTimeout,
		max:    c.cfg.MaxFrame,
		lines:  make(chan []byte),
		done:   make(chan struct{}),
		log:    c.log,
	}
	go s.readLoop()
	return s, nil
}

func classifyStatus(resp *http.Response, body string) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w (status %d)", ErrAuth, resp.StatusCode)
	case 420, http.StatusTooManyRequests:
		rl := &RateLimitedError{StatusCode: resp.StatusCode}
		if s := resp.Header.Get("Retry-After"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				rl.RetryAfter = time.Duration(n) * time.Second
			}
		}
		return rl
	default:
		return &StatusError{StatusCode: resp.StatusCode, Body: body}
	}
}

type stream struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	stall  time.Duration
	max    int
	log    logx.Logger

	lines chan []byte
	done  chan struct{}

	errMu   sync.Mutex
	readErr error

	closeOnce sync.Once
}

// readLoop owns the body reader and exits when the body fails or closes.
func (s *stream) readLoop() {
	size := 64 * 1024
	if s.max < size {
		size = s.max
	}
	sc := bufio.NewScanner(s.body)
	sc.Buffer(make([]byte, 0, size), s.max)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		line := append([]byte(nil), sc.Bytes()...)
		select {
		case s.lines <- line:
		case <-s.done:
			return
		}
	}
	err := sc.Err()
	switch {
	case err == nil:
		err = io.ErrUnexpectedEOF
	case errors.Is(err, bufio.ErrTooLong):
		err = fmt.Errorf("%w (limit %d bytes)", ErrFrameTooLarge, s.max)
	}
	s.errMu.Lock()
	s.readErr = err
	s.errMu.Unlock()
	close(s.lines)
}

func (s *stream) Next(ctx context.Context) ([]byte, error) {
	timer := time.NewTimer(s.stall)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrClosed
		case <-timer.C:
			return nil, ErrStall
		case line, ok := <-s.lines:
			if !ok {
				return nil, s.terminalErr()
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.stall)

			payload, err := s.classify(line)
			if err != nil {
				return nil, err
			}
			if payload != nil {
				return payload, nil
			}
		}
	}
}

func (s *stream) terminalErr() error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return fmt.Errorf("twitter: read: %w", s.readErr)
}

var controlNotices = []string{"delete", "limit", "scrub_geo", "status_withheld", "user_withheld", "warning"}

// classify returns the payload for statuses, nil for lines to skip, or an
// error for a disconnect notice. Undecodable lines pass through so the
// caller can report them as malformed events.
func (s *stream) classify(line []byte) ([]byte, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(line, &envelope); err != nil {
		return line, nil
	}
	if raw, ok := envelope["disconnect"]; ok {
		var d struct {
			Code   int    `json:"code"`
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(raw, &d)
		return nil, &DisconnectError{Code: d.Code, Reason: d.Reason}
	}
	for _, k := range controlNotices {
		if _, ok := envelope[k]; ok {
			s.log.Debug("stream notice skipped", logx.String("notice", k))
			return nil, nil
		}
	}
	if _, ok := envelope["friends"]; ok {
		return nil, nil
	}
	return line, nil
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		_ = s.body.Close()
	})
	return nil
}
