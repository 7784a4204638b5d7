package service

import (
	"context"
	"time"

	"github.com/aman-churiwal/outbound-gateway/internal/repository"
	"github.com/aman-churiwal/outbound-gateway/internal/storage"
)

type MetricsService struct {
	db         *storage.Postgres
	repository *repository.DispatchLogRepository
}

func NewMetricsService(db *storage.Postgres, repo *repository.DispatchLogRepository) *MetricsService {
	return &MetricsService{
		db:         db,
		repository: repo,
	}
}

// Holds dispatch metrics summary data
type DispatchSummary struct {
	TotalDispatches int64                      `json:"total_dispatches"`
	SuccessRate     float64                    `json:"success_rate"`
	RetryRate       float64                    `json:"retry_rate"`
	AvgCallTime     float64                    `json:"avg_call_time_ms"`
	AvgQueueWait    float64                    `json:"avg_queue_wait_ms"`
	ShortCircuited  int64                      `json:"short_circuited"`
	AcquireTimeouts int64                      `json:"acquire_timeouts"`
	TransportErrors int64                      `json:"transport_errors"`
	TopEndpoints    []repository.EndpointCount `json:"top_endpoints"`
}

// Retrieves dispatch summary for a time range
func (s *MetricsService) GetSummary(ctx context.Context, from, to time.Time) (*DispatchSummary, error) {
	summary := &DispatchSummary{}

	total, err := s.repository.CountByTimeRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	summary.TotalDispatches = total

	if total == 0 {
		return summary, nil
	}

	succeeded, err := s.repository.CountByOutcome(ctx, "success", from, to)
	if err != nil {
		return nil, err
	}
	summary.SuccessRate = (float64(succeeded) / float64(total)) * 100

	retried, err := s.repository.CountRetried(ctx, from, to)
	if err != nil {
		return nil, err
	}
	summary.RetryRate = (float64(retried) / float64(total)) * 100

	avgCall, err := s.repository.GetAverageCallTime(ctx, from, to)
	if err != nil {
		return nil, err
	}
	summary.AvgCallTime = avgCall

	avgWait, err := s.repository.GetAverageQueueWait(ctx, from, to)
	if err != nil {
		return nil, err
	}
	summary.AvgQueueWait = avgWait

	shortCircuited, _ := s.repository.CountByOutcome(ctx, "short_circuited", from, to)
	summary.ShortCircuited = shortCircuited

	acquireTimeouts, _ := s.repository.CountByOutcome(ctx, "acquire_timeout", from, to)
	summary.AcquireTimeouts = acquireTimeouts

	transportErrors, _ := s.repository.CountByOutcome(ctx, "transport_error", from, to)
	summary.TransportErrors = transportErrors

	topEndpoints, err := s.repository.GetTopEndpoints(ctx, from, to, 10)
	if err != nil {
		return nil, err
	}
	summary.TopEndpoints = topEndpoints

	return summary, nil
}

// Retrieves dispatch records for a service
func (s *MetricsService) GetServiceDispatches(ctx context.Context, service string, from, to time.Time, limit, offset int) ([]repository.EndpointCount, error) {
	logs, err := s.repository.FindByService(ctx, service, from, to, limit, offset)
	if err != nil {
		return nil, err
	}

	counts := map[string]int64{}
	order := []string{}
	for _, l := range logs {
		if _, seen := counts[l.EndpointKey]; !seen {
			order = append(order, l.EndpointKey)
		}
		counts[l.EndpointKey]++
	}

	results := make([]repository.EndpointCount, 0, len(order))
	for _, key := range order {
		results = append(results, repository.EndpointCount{EndpointKey: key, Count: counts[key]})
	}

	return results, nil
}
