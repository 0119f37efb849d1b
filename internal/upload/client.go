// Package upload performs the outbound HTTP legs of a job: the streaming
// artifact PUT and the best-effort status webhook.
package upload

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sttools/convertd/internal/log"
	"github.com/sttools/convertd/internal/netguard"
	"github.com/sttools/convertd/internal/retry"
)

// uploadChunkSize is the read granularity when streaming the artifact from
// disk; the file is never buffered whole.
const uploadChunkSize = 256 * 1024

const (
	uploadConnectTimeout  = 10 * time.Second
	uploadWriteTimeout    = 600 * time.Second
	webhookConnectTimeout = 5 * time.Second
	webhookTotalTimeout   = 10 * time.Second
)

// Options configures a Client.
type Options struct {
	Guard              netguard.Policy
	UploadMaxRetries   int
	UploadBackoffBase  time.Duration
	WebhookMaxRetries  int
	WebhookBackoffBase time.Duration
}

// Client issues the outbound requests for a job. Safe for concurrent use.
type Client struct {
	opts          Options
	uploadClient  *http.Client
	webhookClient *http.Client
}

// New builds a Client with the per-phase timeouts from the service contract.
func New(opts Options) *Client {
	if opts.UploadMaxRetries <= 0 {
		opts.UploadMaxRetries = 3
	}
	if opts.WebhookMaxRetries <= 0 {
		opts.WebhookMaxRetries = 5
	}
	if opts.UploadBackoffBase <= 0 {
		opts.UploadBackoffBase = 2 * time.Second
	}
	if opts.WebhookBackoffBase <= 0 {
		opts.WebhookBackoffBase = 2 * time.Second
	}

	return &Client{
		opts: opts,
		uploadClient: &http.Client{
			// The write phase may legitimately take minutes for large
			// artifacts; the overall budget is enforced per attempt.
			Timeout: uploadWriteTimeout,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: uploadConnectTimeout}).DialContext,
				ResponseHeaderTimeout: uploadConnectTimeout,
			},
		},
		webhookClient: &http.Client{
			Timeout: webhookTotalTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: webhookConnectTimeout}).DialContext,
			},
		},
	}
}

// artifactURL appends the artifact filename to the caller-supplied URL
// unless it already ends with it, inserting a path separator when missing.
func artifactURL(outputURL, filename string) string {
	if strings.HasSuffix(outputURL, filename) {
		return outputURL
	}
	if !strings.HasSuffix(outputURL, "/") {
		outputURL += "/"
	}
	return outputURL + filename
}

// PutFile uploads the artifact at filePath to outputURL via streaming PUT.
// Transport errors and non-2xx responses are retried with backoff; the URL
// is validated against the SSRF policy before any request leaves.
func (c *Client) PutFile(ctx context.Context, filePath, outputURL, authToken string) error {
	logger := log.WithComponentFromContext(ctx, "upload")

	target := artifactURL(outputURL, filepath.Base(filePath))
	if err := c.opts.Guard.CheckURL(ctx, target); err != nil {
		return fmt.Errorf("insecure output url: %w", err)
	}

	logger.Info().
		Str("event", "upload.started").
		Str("url", target).
		Msg("uploading artifact")

	err := retry.Do(ctx, c.opts.UploadMaxRetries, c.opts.UploadBackoffBase, logger, func() error {
		return c.putOnce(ctx, filePath, target, authToken)
	})
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}

	logger.Info().
		Str("event", "upload.completed").
		Str("url", target).
		Msg("artifact uploaded")
	return nil
}

func (c *Client) putOnce(ctx context.Context, filePath, target, authToken string) error {
	f, err := os.Open(filePath) // #nosec G304
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close() //nolint:errcheck

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, uploadWriteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPut, target,
		bufio.NewReaderSize(f, uploadChunkSize))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Authorization", "Bearer "+authToken)
	req.Header.Set("Content-Type", "audio/mpeg")

	resp, err := c.uploadClient.Do(req)
	if err != nil {
		return fmt.Errorf("put %s: %w", target, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("put %s: unexpected status %d", target, resp.StatusCode)
	}
	return nil
}

// webhookPayload is the body POSTed to the callback URL. Error is null for
// successful jobs.
type webhookPayload struct {
	JobID  string  `json:"job_id"`
	Status string  `json:"status"`
	Error  *string `json:"error"`
}

// FireWebhook delivers the terminal job status to callbackURL. Delivery is
// best-effort: SSRF rejections are dropped with a log record and retry
// exhaustion is swallowed. A webhook failure never fails the job.
func (c *Client) FireWebhook(ctx context.Context, callbackURL, jobID, status, errMsg, authToken string) {
	logger := log.WithComponentFromContext(ctx, "webhook")

	if !c.opts.Guard.IsSafeURL(ctx, callbackURL) {
		logger.Error().
			Str("event", "webhook.blocked_insecure_url").
			Str("job_id", jobID).
			Str("url", callbackURL).
			Msg("webhook dropped, insecure callback url")
		return
	}

	payload := webhookPayload{JobID: jobID, Status: status}
	if errMsg != "" {
		payload.Error = &errMsg
	}
	body, err := json.Marshal(payload)
	if err != nil {
		logger.Error().
			Str("event", "webhook.encode_failed").
			Str("job_id", jobID).
			Err(err).
			Msg("webhook payload encoding failed")
		return
	}

	logger.Info().
		Str("event", "webhook.firing").
		Str("job_id", jobID).
		Str("url", callbackURL).
		Str("status", status).
		Msg("delivering webhook")

	err = retry.Do(ctx, c.opts.WebhookMaxRetries, c.opts.WebhookBackoffBase, logger, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if authToken != "" {
			req.Header.Set("Authorization", "Bearer "+authToken)
		}

		resp, err := c.webhookClient.Do(req)
		if err != nil {
			return fmt.Errorf("post %s: %w", callbackURL, err)
		}
		defer resp.Body.Close() //nolint:errcheck
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("post %s: unexpected status %d", callbackURL, resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		logger.Error().
			Str("event", "webhook.failed_permanently").
			Str("job_id", jobID).
			Str("url", callbackURL).
			Err(err).
			Msg("webhook delivery abandoned")
		return
	}

	logger.Info().
		Str("event", "webhook.delivered").
		Str("job_id", jobID).
		Msg("webhook delivered")
}
