package report

import (
	"errors"

	"go.uber.org/zap"

	"github.com/zacharykka/prompt-analytics/internal/domain"
	"github.com/zacharykka/prompt-analytics/pkg/apperror"
)

var (
	ErrWorkspaceIDRequired = errors.New("workspaceId is required")
	ErrUserIDRequired      = errors.New("userId is required")
	ErrReportIDRequired    = errors.New("reportId is required")
	ErrJobIDRequired       = errors.New("jobId is required")
	ErrInvalidDateRange    = errors.New("dateRange.start must not be after dateRange.end")
	ErrInvalidReportType   = errors.New("unsupported report type")
	ErrReportNotFound      = errors.New("report not found")
	ErrJobNotFound         = errors.New("job not found")
)

func invalid(err error) error {
	return apperror.Validation(err.Error(), nil)
}

// storeError 把仓储错误映射为对外错误；内部错误只记录日志。
func (s *Service) storeError(op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return apperror.NotFound(ErrReportNotFound.Error(), err)
	case errors.Is(err, domain.ErrStoreTerminal):
		s.logger.Warn("report store rejected operation", zap.String("op", op), zap.Error(err))
		return apperror.Store(err)
	default:
		s.logger.Error("report store operation failed", zap.String("op", op), zap.Error(err))
		return apperror.Internal(err)
	}
}
