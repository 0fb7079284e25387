package stats

import "github.com/zacharykka/prompt-analytics/internal/domain"

// ROIResult 是投资回报计算结果。
type ROIResult struct {
	ROI           float64 `json:"roi"`
	PaybackPeriod float64 `json:"paybackPeriod"`
	TotalCost     float64 `json:"totalCost"`
	TotalBenefit  float64 `json:"totalBenefit"`
	CostCount     int     `json:"costCount"`
	BenefitCount  int     `json:"benefitCount"`
}

// ROI 计算 (收益-成本)/成本*100 与回收期 成本/(收益/收益记录数)。
// 成本为 0 时 ROI 定义为 0；收益为 0 时回收期定义为 0，两者都保持有限值。
func ROI(costRecords, benefitRecords []*domain.MetricRecord) ROIResult {
	result := ROIResult{}
	for _, r := range costRecords {
		if r != nil {
			result.TotalCost += r.Value
			result.CostCount++
		}
	}
	for _, r := range benefitRecords {
		if r != nil {
			result.TotalBenefit += r.Value
			result.BenefitCount++
		}
	}

	if result.TotalCost != 0 {
		result.ROI = (result.TotalBenefit - result.TotalCost) / result.TotalCost * 100
	}
	if result.TotalBenefit != 0 && result.BenefitCount > 0 {
		rate := result.TotalBenefit / float64(result.BenefitCount)
		result.PaybackPeriod = result.TotalCost / rate
	}
	return result
}
