package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// HTTPClient talks to an extraction service over multipart POST.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ProcessFile uploads the file and decodes the element list. Responses in
// the 4xx range become ValidationErrors; transport failures and 5xx become
// ProcessingErrors.
func (c *HTTPClient) ProcessFile(ctx context.Context, req Request) (*Result, error) {
	f, err := os.Open(req.FilePath)
	if err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("cannot open %s: %v", req.FilePath, err)}
	}
	defer f.Close()

	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	filename := req.Filename
	if filename == "" {
		filename = filepath.Base(req.FilePath)
	}
	part, err := form.CreateFormFile("files", filename)
	if err != nil {
		return nil, &ProcessingError{Reason: "build multipart form", Cause: err}
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, &ProcessingError{Reason: "read upload", Cause: err}
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategyAuto
	}
	_ = form.WriteField("strategy", strategy)
	_ = form.WriteField("include_metadata", strconv.FormatBool(req.IncludeMetadata))
	_ = form.WriteField("extract_images", strconv.FormatBool(req.ExtractImages))
	_ = form.WriteField("extract_tables", strconv.FormatBool(req.ExtractTables))
	if req.ChunkingStrategy != "" {
		_ = form.WriteField("chunking_strategy", req.ChunkingStrategy)
	}
	if err := form.Close(); err != nil {
		return nil, &ProcessingError{Reason: "finalize multipart form", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", body)
	if err != nil {
		return nil, &ProcessingError{Reason: "build request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ProcessingError{Reason: "network error calling extraction service", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &ProcessingError{Reason: fmt.Sprintf("extraction service returned %d", resp.StatusCode)}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ValidationError{Reason: fmt.Sprintf("extraction rejected with %d: %s", resp.StatusCode, detail)}
	}

	var elements []Element
	if err := json.NewDecoder(resp.Body).Decode(&elements); err != nil {
		return nil, &ProcessingError{Reason: "decode extraction response", Cause: err}
	}

	result := &Result{
		Elements: elements,
		Metadata: map[string]any{"strategy": strategy},
	}
	result.Pages = countPages(elements)
	return result, nil
}

// countPages derives the page count from element metadata, which is how the
// service reports pagination.
func countPages(elements []Element) int {
	maxPage := 0
	for _, el := range elements {
		if n, ok := el.Metadata["page_number"]; ok {
			switch v := n.(type) {
			case float64:
				if int(v) > maxPage {
					maxPage = int(v)
				}
			case int:
				if v > maxPage {
					maxPage = v
				}
			}
		}
	}
	return maxPage
}
