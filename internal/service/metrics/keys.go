package metrics

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/zacharykka/prompt-analytics/internal/domain"
	"github.com/zacharykka/prompt-analytics/internal/infra/cache"
)

const (
	promptKeyPrefix    = "metrics:prompt:"
	workspaceKeyPrefix = "metrics:workspace:"
	roiKeyPrefix       = "metrics:roi:"
)

func promptKey(promptID string, r domain.DateRange, opts PromptQueryOptions) string {
	return fmt.Sprintf("%s%s:%d:%d:%s", promptKeyPrefix, promptID, r.Start.UnixMilli(), r.End.UnixMilli(), hashOptions(opts))
}

// promptPattern 匹配某个 prompt 的全部缓存条目。
func promptPattern(promptID string) string {
	return promptKeyPrefix + cache.EscapePattern(promptID) + ":*"
}

func workspaceKey(workspaceID string, r domain.DateRange, opts AnalyticsOptions) string {
	return fmt.Sprintf("%s%s:%d:%d:%s", workspaceKeyPrefix, workspaceID, r.Start.UnixMilli(), r.End.UnixMilli(), hashOptions(opts))
}

func roiKey(workspaceID string, r domain.DateRange) string {
	return fmt.Sprintf("%s%s:%d:%d", roiKeyPrefix, workspaceID, r.Start.UnixMilli(), r.End.UnixMilli())
}

// hashOptions 对选项的 JSON 编码取 xxhash；结构体字段顺序固定，编码结果确定。
func hashOptions(opts interface{}) string {
	raw, err := json.Marshal(opts)
	if err != nil {
		return "0"
	}
	return strconv.FormatUint(xxhash.Sum64(raw), 16)
}
