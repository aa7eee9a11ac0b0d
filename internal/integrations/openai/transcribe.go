package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// maxAudioBytes is the upload limit of the transcription endpoint.
const maxAudioBytes = 25 << 20

var supportedAudio = map[string]bool{
	".flac": true, ".m4a": true, ".mp3": true, ".mp4": true, ".mpeg": true,
	".mpga": true, ".oga": true, ".ogg": true, ".wav": true, ".webm": true,
}

// ErrAudioSourceNotAllowed is returned for audio references outside the
// configured sources.
var ErrAudioSourceNotAllowed = errors.New("audio source is not allowed")

// TranscriptionError reports audio that could not be read or transcribed.
type TranscriptionError struct {
	AudioRef string
	Err      error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("openai: transcribe %q: %v", e.AudioRef, e.Err)
}

func (e *TranscriptionError) Unwrap() error {
	return e.Err
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe turns an audio reference into text. The reference is either a
// local file path or an http(s) URL and must match an allowed audio source.
func (c *Client) Transcribe(ctx context.Context, audioRef string) (string, error) {
	audioRef = strings.TrimSpace(audioRef)
	if audioRef == "" {
		return "", &TranscriptionError{AudioRef: audioRef, Err: errors.New("audio reference is empty")}
	}

	name, audio, err := c.loadAudio(ctx, audioRef)
	if err != nil {
		return "", &TranscriptionError{AudioRef: audioRef, Err: err}
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("model", c.transcribeModel); err != nil {
		return "", fmt.Errorf("openai: write model field: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("openai: write format field: %w", err)
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("openai: create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("openai: write audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("openai: close multipart body: %w", err)
	}

	endpoint := transcriptionURL(c.baseURL)
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if reqErr != nil {
		return "", fmt.Errorf("openai: create transcription request: %w", reqErr)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doJSONRequest(req, endpoint)
	if err != nil {
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusBadRequest {
			return "", &TranscriptionError{AudioRef: audioRef, Err: err}
		}
		return "", fmt.Errorf("openai: transcription request failed: %w", err)
	}

	var resp transcriptionResponse
	if decErr := json.Unmarshal(raw, &resp); decErr != nil {
		return "", fmt.Errorf("openai: decode transcription response: %w", decErr)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", &TranscriptionError{AudioRef: audioRef, Err: errors.New("transcript is empty")}
	}
	return text, nil
}

// AllowsAudio reports whether ref falls under one of the allowed audio
// sources.
func (c *Client) AllowsAudio(ref string) bool {
	target, ok := audioTarget(ref)
	if !ok {
		return false
	}
	for _, prefix := range c.audioSources {
		if strings.HasPrefix(target, prefix) {
			return true
		}
	}
	return false
}

// audioTarget is the form of ref matched against source prefixes: the URL
// itself, or the absolute cleaned path of a local file.
func audioTarget(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	if isRemoteAudio(ref) {
		return ref, true
	}
	abs, err := filepath.Abs(ref)
	if err != nil {
		return "", false
	}
	return abs, true
}

func isRemoteAudio(ref string) bool {
	u, err := url.Parse(ref)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}

func (c *Client) loadAudio(ctx context.Context, ref string) (string, []byte, error) {
	if !c.AllowsAudio(ref) {
		return "", nil, ErrAudioSourceNotAllowed
	}
	if isRemoteAudio(ref) {
		u, _ := url.Parse(ref)
		name := path.Base(u.Path)
		if err := checkAudioName(name); err != nil {
			return "", nil, err
		}
		data, err := c.download(ctx, ref)
		return name, data, err
	}

	local, _ := audioTarget(ref)
	name := filepath.Base(local)
	if err := checkAudioName(name); err != nil {
		return "", nil, err
	}
	f, err := os.Open(local)
	if err != nil {
		return "", nil, fmt.Errorf("open audio: %w", err)
	}
	defer func() { _ = f.Close() }()
	data, err := readLimited(f)
	return name, data, err
}

func (c *Client) download(ctx context.Context, ref string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	hc := *c.resolvedHTTPClient()
	hc.CheckRedirect = func(next *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		if !c.AllowsAudio(next.URL.String()) {
			return fmt.Errorf("redirect to %s: %w", next.URL.Redacted(), ErrAudioSourceNotAllowed)
		}
		return nil
	}
	res, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download audio: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("download audio: unexpected status %d", res.StatusCode)
	}
	return readLimited(res.Body)
}

func checkAudioName(name string) error {
	ext := strings.ToLower(filepath.Ext(name))
	if !supportedAudio[ext] {
		return fmt.Errorf("unsupported audio format %q", ext)
	}
	return nil
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxAudioBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(data) > maxAudioBytes {
		return nil, errors.New("audio exceeds 25MB limit")
	}
	if len(data) == 0 {
		return nil, errors.New("audio is empty")
	}
	return data, nil
}
