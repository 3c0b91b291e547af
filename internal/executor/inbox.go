package executor

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// InboxMessage is one received email as seen by the poller.
type InboxMessage struct {
	From       string
	Subject    string
	Body       string
	ReceivedAt time.Time
}

// InboxReader lists messages received after a point in time. Implementations
// wrap IMAP or a mail-provider API.
type InboxReader interface {
	ReceivedSince(ctx context.Context, since time.Time) ([]InboxMessage, error)
}

var _ CodeSource = (*InboxPoller)(nil)

// InboxPoller watches the requester's inbox for portal verification codes.
type InboxPoller struct {
	reader   InboxReader
	pattern  *regexp.Regexp
	from     string
	timeout  time.Duration
	interval time.Duration
	logger   zerolog.Logger
}

// NewInboxPoller constructs a poller. The pattern's first capture group is
// the code; an empty fromFilter accepts any sender.
func NewInboxPoller(reader InboxReader, pattern string, fromFilter string, timeout, interval time.Duration, logger zerolog.Logger) (*InboxPoller, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("inbox code pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("inbox code pattern needs a capture group")
	}
	return &InboxPoller{
		reader:   reader,
		pattern:  re,
		from:     fromFilter,
		timeout:  timeout,
		interval: interval,
		logger:   logger,
	}, nil
}

// WaitForCode polls until a matching message arrives or the window expires.
// The spec's pattern, sender filter and timeout override the poller's
// defaults per step; zero values keep the defaults. Only messages received
// after the call started count, so a stale code from an earlier attempt is
// never reused.
func (p *InboxPoller) WaitForCode(ctx context.Context, spec CodeSpec) (string, error) {
	pattern := p.pattern
	if spec.Pattern != "" {
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return "", fmt.Errorf("inbox code pattern: %w", err)
		}
		if re.NumSubexp() < 1 {
			return "", fmt.Errorf("inbox code pattern needs a capture group")
		}
		pattern = re
	}
	from := p.from
	if spec.From != "" {
		from = spec.From
	}
	timeout := p.timeout
	if spec.Timeout > 0 {
		timeout = spec.Timeout
	}

	started := time.Now()
	deadline := started.Add(timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		code, err := p.scan(ctx, started, pattern, from)
		if err == nil && code != "" {
			p.logger.Info().Msg("Verification code received")
			return code, nil
		}
		if err != nil {
			p.logger.Warn().Err(err).Msg("Inbox poll failed, will retry")
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("no verification code within %s: %w", timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p *InboxPoller) scan(ctx context.Context, since time.Time, pattern *regexp.Regexp, from string) (string, error) {
	msgs, err := p.reader.ReceivedSince(ctx, since)
	if err != nil {
		return "", err
	}
	for _, m := range msgs {
		if from != "" && !strings.Contains(strings.ToLower(m.From), strings.ToLower(from)) {
			continue
		}
		if match := pattern.FindStringSubmatch(m.Subject + "\n" + m.Body); match != nil {
			return match[1], nil
		}
	}
	return "", nil
}
