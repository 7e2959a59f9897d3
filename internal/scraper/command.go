package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/zianncupcake/myfoods-backend/internal/domain"
)

const (
	commandWaitDelay = 5 * time.Second
	maxStderrTail    = 512
)

// CommandScraper runs an external helper, typically a headless browser
// script, for pages that need JavaScript. The helper receives the URL via
// the {url} placeholder and prints a ScrapeResult JSON object on stdout.
// Empty output means no data. The process is killed when ctx ends.
type CommandScraper struct {
	command string
	args    []string
}

func NewCommandScraper(command string, args []string) *CommandScraper {
	return &CommandScraper{command: command, args: args}
}

func (c *CommandScraper) Scrape(ctx context.Context, url string) (*ScrapeResult, error) {
	args := make([]string, len(c.args))
	for i, a := range c.args {
		args[i] = strings.ReplaceAll(a, "{url}", url)
	}

	cmd := exec.CommandContext(ctx, c.command, args...)
	// Without WaitDelay a child holding stdout open would keep Wait blocked
	// after the kill.
	cmd.WaitDelay = commandWaitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &domain.TerminalError{
				Msg: "Scrape Command Failed",
				Err: fmt.Errorf("%s exited %d: %s", c.command, exitErr.ExitCode(), tail(stderr.String(), maxStderrTail)),
			}
		}
		return nil, &domain.TerminalError{Msg: "Scrape Command Failed", Err: err}
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 || bytes.Equal(out, []byte("null")) {
		return nil, nil
	}
	var res ScrapeResult
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, &domain.TerminalError{Msg: "Scrape Parse Error", Err: fmt.Errorf("decode %s output: %w", c.command, err)}
	}
	if res.Empty() {
		return nil, nil
	}
	return &res, nil
}

func (c *CommandScraper) Close() error { return nil }

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
