package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alg-bug-engineer/interactive-storybook/internal/models"
)

// ---------------------------------------------------------------------------
// Jimeng First/Last-Frame Video Generation Service
// Submits an adjacent image pair plus a motion prompt and receives either a
// ready video URL (synchronous) or a task id that must be polled.
// ---------------------------------------------------------------------------

const (
	jimengSubmitPath = "/v1/videos/generations"

	// Poll calls are cheap and frequent; keep their timeout short.
	jimengPollTimeout = 30 * time.Second

	// Video downloads can be large.
	jimengDownloadTimeout = 300 * time.Second
)

// APIError is a non-transport error reported by the service's response
// envelope. Code and message are kept so callers can branch on
// parameter-rejection messages versus everything else.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jimeng video API error (code=%s): %s", e.Code, e.Message)
}

// IsDurationInvalid reports whether the service rejected the requested
// duration. Matches the message substrings the service is known to emit.
func (e *APIError) IsDurationInvalid() bool {
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "duration invalid") || strings.Contains(msg, "body.duration")
}

// IsModelInvalid reports whether the service rejected the requested model.
// Duration rejections take precedence: their messages often mention the model
// too ("body.duration invalid for this model").
func (e *APIError) IsModelInvalid() bool {
	if e.IsDurationInvalid() {
		return false
	}
	msg := strings.ToLower(e.Message)
	if !strings.Contains(msg, "model") {
		return false
	}
	return strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "not support") ||
		strings.Contains(msg, "unsupported")
}

// IsParameterRejection reports whether the error should advance the
// model/duration fallback ladder rather than abort the submission.
func (e *APIError) IsParameterRejection() bool {
	return e.IsDurationInvalid() || e.IsModelInvalid()
}

// TimeoutUncertainError marks a read timeout that fired after the request was
// fully transmitted: the service may have accepted the task even though no
// response arrived. Blind resubmission would risk duplicate paid generation,
// so callers must never auto-retry this.
type TimeoutUncertainError struct {
	Err error
}

func (e *TimeoutUncertainError) Error() string {
	return fmt.Sprintf("submit response timed out, task may already be queued server-side: %v", e.Err)
}

func (e *TimeoutUncertainError) Unwrap() error { return e.Err }

// TransientNetworkError marks a connect/write-level failure that is safe to
// retry: the request never reached the service.
type TransientNetworkError struct {
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error: %v", e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// ClipSubmitRequest carries one concrete (model, duration) attempt for one
// segment pair. The fallback ladder iteration lives in the worker.
type ClipSubmitRequest struct {
	SegmentIndex   int
	StartImagePath string // local file, first frame
	EndImagePath   string // local file, last frame
	Prompt         string
	Model          string
	Duration       int
}

// JimengService talks to the jimeng-compatible first/last-frame API.
type JimengService struct {
	baseURL      string
	sessionID    string
	submitClient *http.Client
	pollClient   *http.Client
}

// NewJimengService creates the synthesis client.
//
// The submit client separates connect and read timeouts: connect failures are
// retryable, while a timeout waiting for response headers after the body was
// sent means the task may already be queued server-side (TimeoutUncertain).
func NewJimengService(baseURL, sessionID string, connectTimeout, readTimeout time.Duration) *JimengService {
	return &JimengService{
		baseURL:   strings.TrimRight(baseURL, "/"),
		sessionID: sessionID,
		submitClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
				ResponseHeaderTimeout: readTimeout,
				MaxIdleConns:          20,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		pollClient: &http.Client{Timeout: jimengPollTimeout},
	}
}

// flexString decodes JSON fields the service emits inconsistently as either
// string or number (task ids, error codes).
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// submitPayload covers the result shapes seen across service revisions:
// flat, nested under "data", or a single-element "data" array.
type submitPayload struct {
	VideoURL  string     `json:"video_url"`
	URL       string     `json:"url"`
	TaskID    flexString `json:"task_id"`
	TaskIDAlt flexString `json:"taskId"`
	ID        flexString `json:"id"`
}

func (p submitPayload) videoURL() string {
	if p.VideoURL != "" {
		return p.VideoURL
	}
	return p.URL
}

func (p submitPayload) taskID() string {
	for _, id := range []flexString{p.TaskID, p.TaskIDAlt, p.ID} {
		if id != "" {
			return string(id)
		}
	}
	return ""
}

type submitEnvelope struct {
	Code    flexString      `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	submitPayload
}

// SubmitClip sends one generation request and classifies the response.
//
// Returns models.SubmitImmediate when the service produced the clip
// synchronously, models.SubmitPending with a task id otherwise. Error cases:
//   - *APIError for envelope-level errors (non-zero code)
//   - *TimeoutUncertainError for a read timeout after the request was sent
//   - *TransientNetworkError for connect/write failures
func (s *JimengService) SubmitClip(ctx context.Context, req ClipSubmitRequest) (models.SubmitOutcome, error) {
	body, contentType, err := s.buildSubmitBody(req)
	if err != nil {
		return nil, err
	}

	url := s.baseURL + jimengSubmitPath
	log.Printf("[Jimeng] segment %d: POST %s (model=%s, duration=%ds)", req.SegmentIndex, url, req.Model, req.Duration)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+s.sessionID)

	resp, err := s.submitClient.Do(httpReq)
	if err != nil {
		return nil, classifySubmitTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TimeoutUncertainError{Err: err}
	}

	log.Printf("[Jimeng] segment %d: response status %d, %d bytes", req.SegmentIndex, resp.StatusCode, len(raw))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("jimeng returned status %d: %s", resp.StatusCode, truncate(string(raw), 500))
	}

	var envelope submitEnvelope
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, fmt.Errorf("failed to parse submit response: %w (body: %s)", err, truncate(string(raw), 500))
		}
	}

	if code := string(envelope.Code); code != "" && code != "0" {
		return nil, &APIError{Code: code, Message: envelope.Message}
	}

	payload := extractPayload(envelope)
	if ref := payload.videoURL(); ref != "" {
		log.Printf("[Jimeng] segment %d: synchronous video_url returned", req.SegmentIndex)
		return models.SubmitImmediate{VideoRef: ref}, nil
	}
	if id := payload.taskID(); id != "" {
		log.Printf("[Jimeng] segment %d: task_id %s", req.SegmentIndex, id)
		return models.SubmitPending{TaskID: id}, nil
	}

	return nil, fmt.Errorf("jimeng response carried neither task_id nor video_url: %s", truncate(string(raw), 500))
}

func extractPayload(env submitEnvelope) submitPayload {
	// Prefer the nested data payload; fall back to top-level fields.
	if len(env.Data) > 0 {
		trimmed := bytes.TrimSpace(env.Data)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			var list []submitPayload
			if err := json.Unmarshal(trimmed, &list); err == nil && len(list) > 0 {
				if list[0].videoURL() != "" || list[0].taskID() != "" {
					return list[0]
				}
			}
		} else if len(trimmed) > 0 && trimmed[0] == '{' {
			var inner submitPayload
			if err := json.Unmarshal(trimmed, &inner); err == nil {
				if inner.videoURL() != "" || inner.taskID() != "" {
					return inner
				}
			}
		}
	}
	return env.submitPayload
}

func (s *JimengService) buildSubmitBody(req ClipSubmitRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, img := range []struct {
		field, name, path string
	}{
		{"image_file_1", "first_frame.png", req.StartImagePath},
		{"image_file_2", "last_frame.png", req.EndImagePath},
	} {
		part, err := w.CreateFormFile(img.field, img.name)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create form file: %w", err)
		}
		f, err := os.Open(img.path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open image %s: %w", img.path, err)
		}
		_, err = io.Copy(part, f)
		f.Close()
		if err != nil {
			return nil, "", fmt.Errorf("failed to read image %s: %w", img.path, err)
		}
	}

	prompt := req.Prompt
	if prompt == "" {
		prompt = "smooth transition, cinematic camera movement"
	}

	fields := map[string]string{
		"prompt": prompt,
		// Explicit mode so server-side branching can't reinterpret the images
		"functionMode": "first_last_frames",
		"model":        req.Model,
		"duration":     strconv.Itoa(req.Duration),
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("failed to write form field: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}

// classifySubmitTransportError splits transport failures into "safe to retry"
// versus "request may have been accepted".
func classifySubmitTransportError(err error) error {
	msg := err.Error()

	// A timeout waiting for response headers means the request body was fully
	// written; the server may have queued the task.
	if strings.Contains(msg, "awaiting response headers") {
		return &TimeoutUncertainError{Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if strings.Contains(msg, "dial tcp") {
			return &TransientNetworkError{Err: err}
		}
		// Timeout after the connection was established: response never came.
		return &TimeoutUncertainError{Err: err}
	}

	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "broken pipe") {
		return &TransientNetworkError{Err: err}
	}

	return fmt.Errorf("submit request failed: %w", err)
}

type pollEnvelope struct {
	Code    flexString      `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	pollPayload
}

type pollPayload struct {
	Status   string `json:"status"`
	State    string `json:"state"`
	VideoURL string `json:"video_url"`
	URL      string `json:"url"`
}

func (p pollPayload) status() string {
	if p.Status != "" {
		return p.Status
	}
	return p.State
}

func (p pollPayload) videoURL() string {
	if p.VideoURL != "" {
		return p.VideoURL
	}
	return p.URL
}

// PollTask queries one pending task id.
//
// Transport errors and unexpected statuses classify as pending — the task
// stays in the window and is retried next round; only the round budget in the
// control loop bounds how long that can go on.
func (s *JimengService) PollTask(ctx context.Context, taskID string) (models.PollOutcome, error) {
	url := fmt.Sprintf("%s%s/%s", s.baseURL, jimengSubmitPath, taskID)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create poll request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.sessionID)

	resp, err := s.pollClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("[Jimeng] poll %s transport error (treated as pending): %v", taskID, err)
		return models.PollPending{}, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		return models.PollPending{}, nil
	}

	var envelope pollEnvelope
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &envelope); err != nil {
			log.Printf("[Jimeng] poll %s unparseable response (treated as pending): %v", taskID, err)
			return models.PollPending{}, nil
		}
	}

	payload := extractPollPayload(envelope)
	status := strings.ToLower(payload.status())
	ref := payload.videoURL()

	switch status {
	case "success", "completed", "succeeded", "done":
		if ref != "" {
			return models.PollSuccess{VideoRef: ref}, nil
		}
	case "failed", "error":
		reason := envelope.Message
		if reason == "" {
			reason = "generation failed"
		}
		return models.PollFailed{Reason: reason}, nil
	}

	// Some revisions omit the status field entirely on completion.
	if ref != "" {
		return models.PollSuccess{VideoRef: ref}, nil
	}

	return models.PollPending{}, nil
}

func extractPollPayload(env pollEnvelope) pollPayload {
	if len(env.Data) > 0 {
		trimmed := bytes.TrimSpace(env.Data)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			var list []pollPayload
			if err := json.Unmarshal(trimmed, &list); err == nil && len(list) > 0 {
				return list[0]
			}
		} else if len(trimmed) > 0 && trimmed[0] == '{' {
			var inner pollPayload
			if err := json.Unmarshal(trimmed, &inner); err == nil {
				if inner.status() != "" || inner.videoURL() != "" {
					return inner
				}
			}
		}
	}
	return env.pollPayload
}

// DownloadFile fetches a generated asset to a local path. Writes through a
// .part file so an interrupted download never leaves a truncated artifact
// that the resolver would later mistake for a finished clip.
func (s *JimengService) DownloadFile(ctx context.Context, url, destPath string) error {
	log.Printf("[Jimeng] downloading %s -> %s", truncate(url, 80), destPath)

	client := &http.Client{Timeout: jimengDownloadTimeout}
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}

	tmpPath := destPath + ".part"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create download file: %w", err)
	}

	written, err := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write download: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close download file: %w", closeErr)
	}
	if written == 0 {
		os.Remove(tmpPath)
		return fmt.Errorf("downloaded file is empty (0 bytes)")
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to finalize download: %w", err)
	}

	log.Printf("[Jimeng] download complete: %s (%d bytes)", destPath, written)
	return nil
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
