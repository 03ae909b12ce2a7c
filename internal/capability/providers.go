package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// reply is the JSON a command or HTTP provider answers with. A provider
// that answers with anything else is judged by its exit status or HTTP
// status alone.
type reply struct {
	OK     *bool          `json:"ok"`
	Result string         `json:"result"`
	Error  string         `json:"error"`
	Data   map[string]any `json:"data"`
}

const maxReplyBytes = 1 << 20

func decodeReply(body []byte) (reply, bool) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return reply{}, false
	}
	var r reply
	if err := json.Unmarshal(body, &r); err != nil || r.OK == nil {
		return reply{}, false
	}
	return r, true
}

// CommandProvider runs an executable once per invocation. The request is
// written to stdin as JSON and the reply is read from stdout.
type CommandProvider struct {
	Command string
	Args    []string
	Env     []string
}

// Invoke runs the command under ctx.
func (p *CommandProvider) Invoke(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}
	//nolint:gosec // command and args come from the operator's config
	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Stdin = bytes.NewReader(append(payload, '\n'))
	if len(p.Env) > 0 {
		cmd.Env = append(cmd.Environ(), p.Env...)
	}
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedBuffer{buf: &stdout, limit: maxReplyBytes}
	cmd.Stderr = &limitedBuffer{buf: &stderr, limit: maxReplyBytes}

	runErr := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Response{}, ctxErr
	}
	if r, ok := decodeReply(stdout.Bytes()); ok {
		if !*r.OK {
			return Response{}, errors.New(firstNonEmpty(r.Error, "provider reported failure"))
		}
		if runErr != nil {
			return Response{}, fmt.Errorf("%s: %w", p.Command, runErr)
		}
		return Response{Result: r.Result, Data: r.Data}, nil
	}
	if runErr != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		if detail != "" {
			return Response{}, fmt.Errorf("%s: %w: %s", p.Command, runErr, detail)
		}
		return Response{}, fmt.Errorf("%s: %w", p.Command, runErr)
	}
	return Response{Result: strings.TrimSpace(stdout.String())}, nil
}

type limitedBuffer struct {
	buf   *bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

// HTTPProvider posts the request as JSON to URL. Any 2xx status is a
// success unless the body is a reply with ok set to false.
type HTTPProvider struct {
	URL    string
	Client *http.Client
}

// Invoke performs one POST under ctx.
func (p *HTTPProvider) Invoke(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	r, structured := decodeReply(body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := strings.TrimSpace(string(body))
		if structured && r.Error != "" {
			detail = r.Error
		}
		return Response{}, fmt.Errorf("%s: status %d: %s", p.URL, resp.StatusCode, detail)
	}
	if structured {
		if !*r.OK {
			return Response{}, errors.New(firstNonEmpty(r.Error, "provider reported failure"))
		}
		return Response{Result: r.Result, Data: r.Data}, nil
	}
	return Response{Result: strings.TrimSpace(string(body))}, nil
}

// DryRunProvider succeeds without side effects and remembers what would
// have been sent.
type DryRunProvider struct {
	mu    sync.Mutex
	calls []Request
}

// Invoke records req.
func (p *DryRunProvider) Invoke(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()
	return Response{Result: fmt.Sprintf("dry-run: would %s via %s", strings.ReplaceAll(req.Operation, "_", " "), req.Capability)}, nil
}

// Calls returns the recorded invocations.
func (p *DryRunProvider) Calls() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.calls...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
