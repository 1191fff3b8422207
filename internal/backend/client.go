package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultTimeout      = 10 * time.Second
	maxResponseBytes    = 4 << 20
	requestIDHeader     = "X-Request-ID"
	contentTypeJSON     = "application/json"
	pathScan            = "/scan/"
	pathBooths          = "/booths/"
	pathAdminStatistics = "/admin/statistics/"
	pathGiftEligible    = "/admin/gift-eligible/"
	pathHealthCheck     = "/admin/health-check/"
	pathAdminBooths     = "/admin/booths/"
	pathCreateBooth     = "/admin/booths/create/"
)

var (
	// ErrInvalidClientConfig indicates the client could not be constructed.
	ErrInvalidClientConfig = errors.New("backend: invalid client config")
	// ErrTransport wraps network failures and timeouts.
	ErrTransport = errors.New("backend: transport failure")
	// ErrMalformedResponse indicates a body that is not the expected envelope.
	ErrMalformedResponse = errors.New("backend: malformed response")

	errMissingBaseURL       = errors.New("base url is required")
	errMissingParticipantID = errors.New("participant id is required")
	errMissingBoothCode     = errors.New("booth code is required")
	errMissingBoothName     = errors.New("booth name is required")
	errInvalidBoothID       = errors.New("booth id must be positive")
)

// APIError is a response the backend answered with success=false or a non-2xx status.
type APIError struct {
	StatusCode int
	Message    string
	Data       json.RawMessage
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend: request failed with status %d: %s", e.StatusCode, e.Message)
}

// HasData reports whether the error response embedded a data document.
func (e *APIError) HasData() bool {
	trimmed := bytes.TrimSpace(e.Data)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// DecodeData decodes the embedded data document into target.
func (e *APIError) DecodeData(target any) error {
	if !e.HasData() {
		return fmt.Errorf("%w: error response carries no data", ErrMalformedResponse)
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// StatusCode extracts the HTTP status of an *APIError, or zero.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// ClientConfig bundles the settings of a backend Client.
type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the stamp tour backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates the configuration and constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingBaseURL)
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{baseURL: baseURL, httpClient: httpClient, logger: logger}, nil
}

// Scan records a visit. Duplicate visits and unknown booths surface as *APIError.
func (c *Client) Scan(ctx context.Context, request ScanRequest) (ScanResult, error) {
	request.BoothCode = strings.TrimSpace(request.BoothCode)
	if request.BoothCode == "" {
		return ScanResult{}, errMissingBoothCode
	}
	request.ParticipantID = strings.TrimSpace(request.ParticipantID)

	var result ScanResult
	message, err := c.do(ctx, http.MethodPost, pathScan, request, &result)
	if err != nil {
		return ScanResult{}, err
	}
	result.Message = message
	return result, nil
}

// Booths lists the booth catalog.
func (c *Client) Booths(ctx context.Context) ([]Booth, error) {
	var booths []Booth
	if _, err := c.do(ctx, http.MethodGet, pathBooths, nil, &booths); err != nil {
		return nil, err
	}
	return booths, nil
}

// ParticipantStats fetches the progress document of a participant.
func (c *Client) ParticipantStats(ctx context.Context, participantID string) (ParticipantStats, error) {
	path, err := participantPath(participantID, "stats")
	if err != nil {
		return ParticipantStats{}, err
	}
	var stats ParticipantStats
	if _, err := c.do(ctx, http.MethodGet, path, nil, &stats); err != nil {
		return ParticipantStats{}, err
	}
	return stats, nil
}

// ParticipantDetail fetches the participant's view of the whole catalog.
func (c *Client) ParticipantDetail(ctx context.Context, participantID string) (ParticipantDetail, error) {
	path, err := participantPath(participantID, "detail")
	if err != nil {
		return ParticipantDetail{}, err
	}
	var detail ParticipantDetail
	if _, err := c.do(ctx, http.MethodGet, path, nil, &detail); err != nil {
		return ParticipantDetail{}, err
	}
	return detail, nil
}

// AdminStatistics fetches the aggregate statistics document.
func (c *Client) AdminStatistics(ctx context.Context) (AdminStatistics, error) {
	var statistics AdminStatistics
	if _, err := c.do(ctx, http.MethodGet, pathAdminStatistics, nil, &statistics); err != nil {
		return AdminStatistics{}, err
	}
	return statistics, nil
}

// GiftEligible fetches the participants eligible for the souvenir.
func (c *Client) GiftEligible(ctx context.Context) (GiftEligibleList, error) {
	var list GiftEligibleList
	if _, err := c.do(ctx, http.MethodGet, pathGiftEligible, nil, &list); err != nil {
		return GiftEligibleList{}, err
	}
	return list, nil
}

// Health fetches the system health document.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var health Health
	if _, err := c.do(ctx, http.MethodGet, pathHealthCheck, nil, &health); err != nil {
		return Health{}, err
	}
	return health, nil
}

// AdminBooths lists every booth, inactive ones included, ordered by code.
func (c *Client) AdminBooths(ctx context.Context) ([]ManagedBooth, error) {
	var booths []ManagedBooth
	if _, err := c.do(ctx, http.MethodGet, pathAdminBooths, nil, &booths); err != nil {
		return nil, err
	}
	return booths, nil
}

// CreateBooth adds a booth. A code that already exists surfaces as *APIError.
func (c *Client) CreateBooth(ctx context.Context, draft BoothDraft) (ManagedBooth, error) {
	draft.Code = strings.TrimSpace(draft.Code)
	draft.Name = strings.TrimSpace(draft.Name)
	if draft.Code == "" {
		return ManagedBooth{}, errMissingBoothCode
	}
	if draft.Name == "" {
		return ManagedBooth{}, errMissingBoothName
	}
	var booth ManagedBooth
	if _, err := c.do(ctx, http.MethodPost, pathCreateBooth, draft, &booth); err != nil {
		return ManagedBooth{}, err
	}
	return booth, nil
}

// UpdateBooth applies patch to the booth with the given id.
func (c *Client) UpdateBooth(ctx context.Context, boothID int64, patch BoothPatch) (ManagedBooth, error) {
	path, err := boothPath(boothID, "update")
	if err != nil {
		return ManagedBooth{}, err
	}
	var booth ManagedBooth
	if _, err := c.do(ctx, http.MethodPut, path, patch, &booth); err != nil {
		return ManagedBooth{}, err
	}
	return booth, nil
}

// DeleteBooth removes a booth nobody visited, or deactivates one that has visits.
func (c *Client) DeleteBooth(ctx context.Context, boothID int64) (BoothRemoval, error) {
	path, err := boothPath(boothID, "delete")
	if err != nil {
		return BoothRemoval{}, err
	}
	var removal BoothRemoval
	if _, err := c.do(ctx, http.MethodDelete, path, nil, &removal); err != nil {
		return BoothRemoval{}, err
	}
	return removal, nil
}

func boothPath(boothID int64, action string) (string, error) {
	if boothID <= 0 {
		return "", errInvalidBoothID
	}
	return fmt.Sprintf("/admin/booths/%d/%s/", boothID, action), nil
}

func participantPath(participantID, resource string) (string, error) {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return "", errMissingParticipantID
	}
	return fmt.Sprintf("/participants/%s/%s/", url.PathEscape(participantID), resource), nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) (string, error) {
	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return "", err
		}
		payload = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return "", err
	}
	requestID := uuid.NewString()
	request.Header.Set("Accept", contentTypeJSON)
	request.Header.Set(requestIDHeader, requestID)
	if body != nil {
		request.Header.Set("Content-Type", contentTypeJSON)
	}

	startedAt := time.Now()
	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("backend request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.String("request_id", requestID),
			zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}

	c.logger.Debug("backend request completed",
		zap.String("method", method),
		zap.String("path", path),
		zap.String("request_id", requestID),
		zap.Int("status", response.StatusCode),
		zap.Duration("elapsed", time.Since(startedAt)))

	var document envelope
	decodeErr := json.Unmarshal(raw, &document)

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: response.StatusCode}
		if decodeErr == nil {
			apiErr.Message = strings.TrimSpace(document.Message)
			apiErr.Data = document.Data
		}
		return "", apiErr
	}
	if decodeErr != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, decodeErr)
	}
	if !document.Success {
		return "", &APIError{
			StatusCode: response.StatusCode,
			Message:    strings.TrimSpace(document.Message),
			Data:       document.Data,
		}
	}
	message := strings.TrimSpace(document.Message)
	if out == nil {
		return message, nil
	}
	if len(bytes.TrimSpace(document.Data)) == 0 {
		return "", fmt.Errorf("%w: response carries no data", ErrMalformedResponse)
	}
	if err := json.Unmarshal(document.Data, out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return message, nil
}
