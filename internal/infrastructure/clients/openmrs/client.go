package openmrs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/carequeue/servicequeues/internal/domain/entities"
	"github.com/carequeue/servicequeues/internal/domain/providers"
	"github.com/carequeue/servicequeues/internal/infrastructure/observability"
	"github.com/carequeue/servicequeues/pkg/config"
	apperrors "github.com/carequeue/servicequeues/pkg/errors"
	"github.com/go-resty/resty/v2"
)

const (
	queueEntriesPath  = "/queue-entries"
	endQueueEntryPath = "/queue/{queueId}/entry/{entryId}"
	conceptSetPath    = "/concept-set/{uuid}"
	locationPath      = "/fhir/Location"
	observationsPath  = "/observations"

	queueLocationTag = "queue-location"
)

// Client talks to the queue server REST and FHIR endpoints
type Client struct {
	http *resty.Client
}

var _ providers.QueueServer = (*Client)(nil)

type envelope struct {
	Data json.RawMessage `json:"data"`
}

// NewClient creates a queue server client. Only GET requests are retried;
// writes are sent exactly once.
func NewClient(cfg *config.QueueServerConfig) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(retryIdempotent).
		SetHeader("Accept", "application/json")

	if cfg.Username != "" {
		httpClient.SetBasicAuth(cfg.Username, cfg.Password)
	}

	return &Client{http: httpClient}
}

func retryIdempotent(resp *resty.Response, err error) bool {
	if resp == nil || resp.Request == nil || resp.Request.Method != http.MethodGet {
		return false
	}
	if err != nil {
		return resp.Request.Context().Err() == nil
	}
	return resp.StatusCode() >= http.StatusInternalServerError
}

// ListQueueEntries fetches all queue entries with full expansion. Records
// that cannot be decoded are skipped and logged.
func (c *Client) ListQueueEntries(ctx context.Context) ([]entities.QueueEntryRecord, error) {
	var raw []json.RawMessage
	if err := c.getData(ctx, queueEntriesPath, map[string]string{"fullExpansion": "true"}, nil, &raw); err != nil {
		return nil, err
	}

	records := make([]entities.QueueEntryRecord, 0, len(raw))
	for i, item := range raw {
		var record entities.QueueEntryRecord
		if err := json.Unmarshal(item, &record); err != nil {
			observability.LoggerFromContext(ctx).Warn().
				Err(err).
				Int("index", i).
				Msg("skipping malformed queue entry record")
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// GetConceptSet fetches a vocabulary concept set
func (c *Client) GetConceptSet(ctx context.Context, conceptSetUUID string) (*entities.ConceptSetRecord, error) {
	if strings.TrimSpace(conceptSetUUID) == "" {
		return nil, apperrors.NewValidationError("concept set uuid is required")
	}
	out := &entities.ConceptSetRecord{}
	if err := c.getData(ctx, conceptSetPath, nil, map[string]string{"uuid": conceptSetUUID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListQueueLocations fetches the FHIR Location bundle tagged as queue locations
func (c *Client) ListQueueLocations(ctx context.Context) (*entities.LocationBundle, error) {
	out := &entities.LocationBundle{}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("tag", queueLocationTag).
		SetResult(out).
		Get(locationPath)
	if err := checkResponse("list queue locations", resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

// ListPatientObs fetches a patient's observations for one concept
func (c *Client) ListPatientObs(ctx context.Context, patientID, conceptUUID string) ([]entities.ObsRecord, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, apperrors.NewValidationError("patient id is required")
	}
	var obs []entities.ObsRecord
	params := map[string]string{"patient": patientID, "concept": conceptUUID}
	if err := c.getData(ctx, observationsPath, params, nil, &obs); err != nil {
		return nil, err
	}
	return obs, nil
}

// EndQueueEntry closes a queue entry
func (c *Client) EndQueueEntry(ctx context.Context, queueID, entryID string, endedAt time.Time) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetPathParams(map[string]string{"queueId": queueID, "entryId": entryID}).
		SetBody(entities.EndQueueEntryRequest{EndedAt: endedAt.UTC()}).
		Post(endQueueEntryPath)
	return checkResponse(fmt.Sprintf("end queue entry %s", entryID), resp, err)
}

// CreateQueueEntry opens a new queue entry for a visit. A 2xx response
// means the entry exists even when its body cannot be read; the returned
// record then has no UUID.
func (c *Client) CreateQueueEntry(ctx context.Context, req entities.CreateQueueEntryRequest) (*entities.QueueEntryRecord, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post(queueEntriesPath)
	if err := checkResponse("create queue entry", resp, err); err != nil {
		return nil, err
	}

	logger := observability.LoggerFromContext(ctx)
	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		logger.Error().Err(err).Int("status", resp.StatusCode()).Msg("created queue entry response could not be decoded")
		return &entities.QueueEntryRecord{}, nil
	}
	record := &entities.QueueEntryRecord{}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, record); err != nil {
			logger.Error().Err(err).Int("status", resp.StatusCode()).Msg("created queue entry response could not be decoded")
			return &entities.QueueEntryRecord{}, nil
		}
	}
	if record.UUID == "" {
		logger.Error().Int("status", resp.StatusCode()).Msg("created queue entry response has no uuid")
	}
	return record, nil
}

func (c *Client) getData(ctx context.Context, path string, query, pathParams map[string]string, out interface{}) error {
	var env envelope
	req := c.http.R().SetContext(ctx).SetResult(&env)
	if query != nil {
		req.SetQueryParams(query)
	}
	if pathParams != nil {
		req.SetPathParams(pathParams)
	}

	resp, err := req.Get(path)
	if err := checkResponse("GET "+path, resp, err); err != nil {
		return err
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return apperrors.NewExternalError(fmt.Sprintf("decode %s response", path), resp.StatusCode(), err)
	}
	return nil
}

func checkResponse(operation string, resp *resty.Response, err error) error {
	if err != nil {
		return apperrors.NewExternalError(operation+" failed", 0, err)
	}
	status := resp.StatusCode()
	if status >= 200 && status < 300 {
		return nil
	}

	message := fmt.Sprintf("%s: queue server returned status %d", operation, status)
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &apperrors.AppError{Type: apperrors.ErrorTypeUnauthorized, Message: message, StatusCode: status}
	case http.StatusNotFound:
		return &apperrors.AppError{Type: apperrors.ErrorTypeNotFound, Message: message, StatusCode: status}
	default:
		return apperrors.NewExternalError(message, status, fmt.Errorf("%s", strings.TrimSpace(resp.String())))
	}
}
