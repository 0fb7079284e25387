package metrics

import (
	"errors"

	"go.uber.org/zap"

	"github.com/zacharykka/prompt-analytics/internal/domain"
	"github.com/zacharykka/prompt-analytics/pkg/apperror"
)

var (
	ErrPromptIDRequired    = errors.New("promptId is required")
	ErrWorkspaceIDRequired = errors.New("workspaceId is required")
	ErrInvalidDateRange    = errors.New("dateRange.start must not be after dateRange.end")
	ErrInvalidGroupBy      = errors.New("unsupported groupBy")
	ErrInvalidMetricType   = errors.New("unsupported metric type")
	ErrInvalidValue        = errors.New("value must be a finite number")
	ErrEmptyFilter         = errors.New("refusing to purge metrics without a filter")
)

func invalid(err error) error {
	return apperror.Validation(err.Error(), nil)
}

// storeError 把仓储错误映射为对外错误；内部错误只记录日志，不暴露原因。
func (s *Service) storeError(op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return apperror.NotFound("metric not found", err)
	case errors.Is(err, domain.ErrEmptyFilter):
		return invalid(ErrEmptyFilter)
	case errors.Is(err, domain.ErrStoreTerminal):
		s.logger.Warn("metric store rejected operation", zap.String("op", op), zap.Error(err))
		return apperror.Store(err)
	default:
		s.logger.Error("metric store operation failed", zap.String("op", op), zap.Error(err))
		return apperror.Internal(err)
	}
}
