package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"installcore/pkg/domain"
)

// HTTPSource fetches readings from the telemetry service:
// GET {base}/devices/{id}/reading returning a ServerData JSON document.
type HTTPSource struct {
	client *resty.Client
	logger *zap.Logger
}

// NewHTTPSource constructs an HTTPSource against baseURL.
func NewHTTPSource(baseURL string, logger *zap.Logger) *HTTPSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Accept", "application/json")
	return &HTTPSource{client: client, logger: logger.Named("telemetry.http")}
}

// Reading implements Source.
func (s *HTTPSource) Reading(ctx context.Context, deviceID string) (domain.ServerData, error) {
	var data domain.ServerData
	resp, err := s.client.R().
		SetContext(ctx).
		SetPathParam("id", deviceID).
		SetResult(&data).
		Get("/devices/{id}/reading")
	if err != nil {
		s.logger.Error("telemetry request failed", zap.String("device_id", deviceID), zap.Error(err))
		return domain.ServerData{}, fmt.Errorf("fetch server data %s: %w", deviceID, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return domain.ServerData{}, domain.NotFoundError{Entity: domain.EntityServerData, ID: deviceID}
	case resp.IsError():
		s.logger.Warn("telemetry request rejected",
			zap.String("device_id", deviceID),
			zap.Int("status", resp.StatusCode()))
		return domain.ServerData{}, fmt.Errorf("fetch server data %s: status %d", deviceID, resp.StatusCode())
	}
	if data.DeviceID == "" {
		data.DeviceID = deviceID
	}
	if data.ID == "" {
		data.ID = deviceID
	}
	return data, nil
}
