// Package push delivers signal digests to configured recipients through a
// ServerChan-compatible HTTP endpoint.
package push

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tianyu-zhu5/daily-executor/export"
	"github.com/tianyu-zhu5/daily-executor/models"
)

// DefaultAPIBase is the production ServerChan endpoint.
const DefaultAPIBase = "https://sctapi.ftqq.com"

// Recipient is one push target.
type Recipient struct {
	Name     string
	SendKey  string
	Disabled bool
}

// Options configures a Pusher.
type Options struct {
	APIBase       string
	Recipients    []Recipient
	NameCacheFile string // optional stock code -> display name file
	PushOnEmpty   bool
	Timeout       time.Duration
}

// Pusher sends markdown signal digests to all enabled recipients.
type Pusher struct {
	apiBase     string
	recipients  []Recipient
	names       map[string]string
	pushOnEmpty bool
	client      *http.Client
	log         zerolog.Logger
}

// NewPusher creates a pusher. A missing name cache file is tolerated; the
// digest then shows bare stock codes.
func NewPusher(opts Options, log zerolog.Logger) *Pusher {
	base := opts.APIBase
	if base == "" {
		base = DefaultAPIBase
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	names := map[string]string{}
	if opts.NameCacheFile != "" {
		loaded, err := loadNameCache(opts.NameCacheFile)
		if err != nil {
			log.Warn().Err(err).Str("path", opts.NameCacheFile).Msg("failed to load stock name cache")
		} else {
			names = loaded
			log.Info().Int("names", len(names)).Msg("stock name cache loaded")
		}
	}

	return &Pusher{
		apiBase:     base,
		recipients:  opts.Recipients,
		names:       names,
		pushOnEmpty: opts.PushOnEmpty,
		client:      &http.Client{Timeout: timeout},
		log:         log,
	}
}

type pushResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// PushSignals delivers a signal list under the given query description.
// The context bounds the whole batch across recipients. It returns an error
// only when at least one enabled recipient could not be reached; skipped
// recipients (disabled, placeholder key) do not count.
func (p *Pusher) PushSignals(ctx context.Context, signals []models.Signal, queryDesc string) error {
	if len(signals) == 0 && !p.pushOnEmpty {
		p.log.Info().Msg("no signals and push-on-empty disabled, skipping push")
		return nil
	}

	title := fmt.Sprintf("%s (%d signals)", queryDesc, len(signals))
	content := export.ToMarkdown(signals, queryDesc, p.names)

	success, failed := 0, 0
	for _, r := range p.recipients {
		if r.Disabled {
			p.log.Debug().Str("recipient", r.Name).Msg("recipient disabled, skipping")
			continue
		}
		if r.SendKey == "" || strings.Contains(strings.ToLower(r.SendKey), "xxx") {
			p.log.Warn().Str("recipient", r.Name).Msg("sendkey not configured, skipping")
			continue
		}
		if err := p.send(ctx, r, title, content); err != nil {
			p.log.Error().Err(err).Str("recipient", r.Name).Msg("push failed")
			failed++
		} else {
			p.log.Info().Str("recipient", r.Name).Msg("push delivered")
			success++
		}
	}

	p.log.Info().Int("success", success).Int("failed", failed).Msg("push completed")
	if failed > 0 {
		return fmt.Errorf("push failed for %d of %d recipients", failed, success+failed)
	}
	return nil
}

func (p *Pusher) send(ctx context.Context, r Recipient, title, content string) error {
	endpoint := fmt.Sprintf("%s/%s.send", p.apiBase, r.SendKey)
	form := url.Values{
		"title": {title},
		"desp":  {content},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push endpoint returned HTTP %d", resp.StatusCode)
	}

	var pr pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return fmt.Errorf("failed to decode push response: %w", err)
	}
	if pr.Code != 0 {
		return fmt.Errorf("push rejected: %s (code %d)", pr.Message, pr.Code)
	}
	return nil
}

// loadNameCache reads a stock name file. Lines are "code,name" or
// whitespace-separated "code name"; blank lines and # comments are skipped.
func loadNameCache(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	names := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var parts []string
		if strings.Contains(line, ",") {
			parts = strings.SplitN(line, ",", 2)
		} else {
			parts = strings.Fields(line)
		}
		if len(parts) >= 2 {
			code := strings.TrimSpace(parts[0])
			name := strings.TrimSpace(parts[1])
			if code != "" && name != "" {
				names[code] = name
			}
		}
	}
	return names, scanner.Err()
}
