package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fmueller/vidtranscribe/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultOpenAIModel   = "whisper-1"
)

// Upload formats the transcription endpoint accepts.
var openAIInputFormats = []string{".flac", ".m4a", ".mp3", ".ogg", ".wav", ".webm"}

// OpenAI talks to an OpenAI-compatible /audio/transcriptions endpoint and
// streams segments out of the verbose_json response as they are decoded.
type OpenAI struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *zap.Logger

	mu     sync.Mutex
	handle *Handle
}

func NewOpenAI(opts Options) (Adapter, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Minute}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAI{
		apiKey:  strings.TrimSpace(opts.APIKey),
		baseURL: baseURL,
		client:  client,
		logger:  logger,
	}, nil
}

func (o *OpenAI) Load(_ context.Context, spec Spec) (*Handle, error) {
	spec.Name = strings.TrimSpace(spec.Name)
	if _, isLocal := LookupModel(spec.Name); spec.Name == "" || isLocal {
		spec.Name = DefaultOpenAIModel
	}
	spec.Device = normalizeDevice(strings.ToLower(strings.TrimSpace(spec.Device)))
	spec.Quantization = ""

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.handle != nil && o.handle.Spec == spec {
		return o.handle, nil
	}
	if spec.Device != DeviceAuto {
		return nil, domain.Errorf(domain.KindModelLoad, "load", "the openai backend runs remotely; device must be auto, got %q", spec.Device)
	}
	if o.apiKey == "" {
		return nil, domain.Errorf(domain.KindModelLoad, "load", "an API key is required for the openai backend (set model.api_key or VIDTRANSCRIBE_API_KEY)")
	}

	o.handle = &Handle{Spec: spec, Location: o.baseURL, LoadedAt: time.Now()}
	return o.handle, nil
}

func (o *OpenAI) Transcribe(ctx context.Context, h *Handle, req Request, onSegment func(domain.Segment), onProgress func(float64)) (Summary, error) {
	if h == nil {
		return Summary{}, domain.Errorf(domain.KindModelLoad, "transcribe", "no model loaded")
	}
	if onSegment == nil {
		onSegment = func(domain.Segment) {}
	}

	f, err := os.Open(req.AudioPath)
	if err != nil {
		return Summary{}, domain.Wrap(domain.KindTranscription, "transcribe", fmt.Errorf("open audio: %w", err))
	}
	defer f.Close()

	endpoint := o.baseURL + "/audio/transcriptions"
	if req.Translate {
		endpoint = o.baseURL + "/audio/translations"
	}
	words := req.WordTimestamps && !req.Translate

	body, contentType := multipartBody(f, h.Spec.Name, req, words)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return Summary{}, domain.Wrap(domain.KindTranscription, "transcribe", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	httpReq.Header.Set("Content-Type", contentType)

	o.logger.Debug("posting audio", zap.String("endpoint", endpoint), zap.String("model", h.Spec.Name))
	resp, err := o.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Summary{}, fmt.Errorf("transcribe: %w", ctxErr)
		}
		return Summary{}, domain.Wrap(domain.KindTranscription, "transcribe", fmt.Errorf("openai request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := domain.KindTranscription
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			kind = domain.KindModelLoad
		}
		return Summary{}, domain.Errorf(kind, "transcribe", "openai http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	report := newReporter(onProgress)
	summary := Summary{}
	if !IsAuto(req.Language) {
		summary.Language = strings.ToLower(req.Language)
	}
	total := req.Duration.Seconds()

	lang, err := decodeVerboseJSON(resp.Body, words, func(d float64) {
		if total <= 0 {
			total = d
		}
	}, func(seg domain.Segment) {
		summary.Segments++
		onSegment(seg)
		if total > 0 {
			report.running(chunkFraction(seg.End, total))
		}
	})
	if lang != "" {
		summary.Language = lang
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return summary, fmt.Errorf("transcribe: %w", ctxErr)
		}
		return summary, domain.Wrap(domain.KindTranscription, "transcribe", fmt.Errorf("decode openai response: %w", err))
	}

	report.done()
	return summary, nil
}

func (o *OpenAI) SupportsLanguage(code string) bool {
	return supportsWhisperLanguage(code)
}

func (o *OpenAI) Languages() []string {
	return whisperLanguageList()
}

func (o *OpenAI) Info() Info {
	o.mu.Lock()
	defer o.mu.Unlock()

	info := Info{Type: TypeOpenAI, Location: o.baseURL, InputFormats: openAIInputFormats}
	if o.handle != nil {
		info.Name = o.handle.Spec.Name
		info.Device = o.handle.Spec.Device
		info.Loaded = true
	}
	return info
}

// multipartBody streams the upload so large audio files are not buffered.
func multipartBody(audio *os.File, modelName string, req Request, words bool) (io.Reader, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeMultipart(mw, audio, modelName, req, words))
	}()

	return pr, mw.FormDataContentType()
}

func writeMultipart(mw *multipart.Writer, audio *os.File, modelName string, req Request, words bool) error {
	fields := [][2]string{
		{"model", modelName},
		{"response_format", "verbose_json"},
	}
	if !IsAuto(req.Language) && !req.Translate {
		fields = append(fields, [2]string{"language", strings.ToLower(req.Language)})
	}
	if !req.Translate {
		granularity := "segment"
		if words {
			granularity = "word"
		}
		fields = append(fields, [2]string{"timestamp_granularities[]", granularity})
	}

	for _, field := range fields {
		if err := mw.WriteField(field[0], field[1]); err != nil {
			return err
		}
	}

	fw, err := mw.CreateFormFile("file", filepath.Base(audio.Name()))
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, audio); err != nil {
		return err
	}
	return mw.Close()
}

type verboseItem struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Word  string  `json:"word"`
}

// decodeVerboseJSON walks a verbose_json body token by token. Items of the
// "segments" array (or "words" when words is set) are emitted as soon as each
// one is decoded.
func decodeVerboseJSON(r io.Reader, words bool, onDuration func(float64), emit func(domain.Segment)) (string, error) {
	dec := json.NewDecoder(r)
	if err := expectDelim(dec, '{'); err != nil {
		return "", err
	}

	itemsKey := "segments"
	if words {
		itemsKey = "words"
	}

	var language string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return language, err
		}
		key, ok := tok.(string)
		if !ok {
			return language, fmt.Errorf("unexpected token %v", tok)
		}

		switch key {
		case "language":
			if err := dec.Decode(&language); err != nil {
				return language, err
			}
			language = strings.ToLower(language)
		case "duration":
			var d float64
			if err := dec.Decode(&d); err != nil {
				return language, err
			}
			onDuration(d)
		case itemsKey:
			if err := decodeItems(dec, emit); err != nil {
				return language, err
			}
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return language, err
			}
		}
	}

	return language, expectDelim(dec, '}')
}

func decodeItems(dec *json.Decoder, emit func(domain.Segment)) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return fmt.Errorf("expected array, got %v", tok)
	}

	for dec.More() {
		var item verboseItem
		if err := dec.Decode(&item); err != nil {
			return err
		}
		text := item.Text
		if text == "" {
			text = item.Word
		}
		emit(domain.Segment{Start: item.Start, End: item.End, Text: strings.TrimSpace(text)})
	}

	return expectDelim(dec, ']')
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != want {
		return errors.New("malformed verbose_json response")
	}
	return nil
}
