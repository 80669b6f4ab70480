// Package classifier calls an OpenAI-compatible chat completion endpoint to
// score message content for moderation.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/whisper/aimodbot/internal/config"
	"github.com/whisper/aimodbot/internal/moderation"
)

// MaxAttempts is the total number of requests made for one piece of content.
const MaxAttempts = 3

// maxResponseBytes bounds how much of a reply is read.
const maxResponseBytes = 1 << 20

// resultKind tags the outcome of a single attempt.
type resultKind int

const (
	resultParsed resultKind = iota
	resultParseFailure
	resultTransportFailure
)

type attemptResult struct {
	kind    resultKind
	verdict moderation.Verdict
	err     error
	// final stops the retry loop; only a request that cannot be built is final.
	final bool
}

// Client is a moderation.Classifier backed by an HTTP endpoint. It is safe
// for concurrent use and holds no state between calls.
type Client struct {
	http    *retryablehttp.Client
	log     *zap.Logger
	backoff retryablehttp.Backoff
}

// New returns a Client. Retries are driven by Classify itself, so the
// underlying retryablehttp client makes exactly one request per attempt.
func New(log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("classifier")

	hc := retryablehttp.NewClient()
	hc.HTTPClient = cleanhttp.DefaultPooledClient()
	hc.RetryMax = 0
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	hc.Logger = leveledZap{log.Sugar()}

	return &Client{http: hc, log: log, backoff: retryablehttp.LinearJitterBackoff}
}

// Classify scores content. On success the verdict's Attempts field records
// how many requests it took. After MaxAttempts failures, or when ctx ends,
// it returns a *ClassifierError.
func (c *Client) Classify(ctx context.Context, cfg *config.FilterConfig, content moderation.Content) (moderation.Verdict, error) {
	body, err := buildRequest(cfg.APIModel, content)
	if err != nil {
		return moderation.Verdict{}, fmt.Errorf("classifier: build request: %w", err)
	}

	var last error
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if attempt > 0 {
			// Attempt number 0 keeps every wait inside [min, max].
			wait := c.backoff(cfg.RetryWaitMin, cfg.RetryWaitMax, 0, nil)
			if err := sleep(ctx, wait); err != nil {
				return moderation.Verdict{}, &ClassifierError{Attempts: attempt, Last: fmt.Errorf("%w: %w", ErrUnreachable, err)}
			}
		}

		res := c.attempt(ctx, cfg, body)
		switch res.kind {
		case resultParsed:
			res.verdict.Attempts = attempt + 1
			return res.verdict, nil
		case resultParseFailure:
			c.log.Warn("unparseable reply", zap.Int("attempt", attempt+1), zap.Error(res.err))
		case resultTransportFailure:
			c.log.Warn("request failed", zap.Int("attempt", attempt+1), zap.Error(res.err))
		}
		last = res.err
		if res.final || ctx.Err() != nil {
			return moderation.Verdict{}, &ClassifierError{Attempts: attempt + 1, Last: last}
		}
	}
	return moderation.Verdict{}, &ClassifierError{Attempts: MaxAttempts, Last: last}
}

func (c *Client) attempt(ctx context.Context, cfg *config.FilterConfig, body []byte) attemptResult {
	if cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RequestTimeout)
		defer cancel()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, cfg.APIEndpoint, bytes.NewReader(body))
	if err != nil {
		return attemptResult{kind: resultTransportFailure, err: fmt.Errorf("%w: %v", ErrUnreachable, err), final: true}
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return attemptResult{kind: resultTransportFailure, err: fmt.Errorf("%w: %v", ErrUnreachable, err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return attemptResult{kind: resultTransportFailure, err: fmt.Errorf("%w: read body: %v", ErrUnreachable, err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return attemptResult{
			kind: resultTransportFailure,
			err:  fmt.Errorf("%w: status %d: %s", ErrUnreachable, resp.StatusCode, truncate(data, 200)),
		}
	}

	var envelope chatResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return attemptResult{kind: resultParseFailure, err: fmt.Errorf("%w: envelope: %v", ErrMalformedResponse, err)}
	}
	if len(envelope.Choices) == 0 || envelope.Choices[0].Message.Content == nil {
		return attemptResult{kind: resultParseFailure, err: fmt.Errorf("%w: no choices[0].message.content", ErrMalformedResponse)}
	}
	reply := *envelope.Choices[0].Message.Content

	v, err := parseVerdict(reply)
	if err == nil {
		return attemptResult{kind: resultParsed, verdict: v}
	}
	if cfg.TreatRefusalAsViolation && errors.Is(err, ErrMalformedResponse) {
		if phrase, ok := refusalPhrase(reply); ok {
			c.log.Debug("reply is a refusal; treating as violation", zap.String("phrase", phrase))
			return attemptResult{kind: resultParsed, verdict: moderation.Verdict{
				Score:      10,
				Comment:    refusalComment,
				Rationale:  reply,
				Categories: map[string]float64{"unsafe": 10},
			}}
		}
	}
	return attemptResult{kind: resultParseFailure, err: err}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// leveledZap adapts zap to retryablehttp's logger. Errors are logged as
// warnings since the caller decides whether a failure is final.
type leveledZap struct {
	s *zap.SugaredLogger
}

func (l leveledZap) Error(msg string, kv ...interface{}) { l.s.Warnw(msg, kv...) }
func (l leveledZap) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l leveledZap) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledZap) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
