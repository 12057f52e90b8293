package monitor

import (
	"fmt"
	"sort"
	"strings"

	"divalert/internal/analysis/divergence"
	"divalert/internal/analysis/indicator"
)

// Spec 描述一个监控任务：一组 symbol、一种指标、一种背离类型。
// 构造必须经过 ParseSpec，保证字段已校验、symbol 已规范化。
type Spec struct {
	Symbols    []string
	Indicator  indicator.Kind
	SignalType divergence.Type
}

// ParseSpec 校验并规范化输入：symbol 去空白、转大写、去重、排序；
// 指标与信号类型必须属于各自的封闭集合，未知值直接报错。
func ParseSpec(symbols []string, indicatorName, signalType string) (Spec, error) {
	seen := make(map[string]struct{}, len(symbols))
	clean := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		clean = append(clean, s)
	}
	if len(clean) == 0 {
		return Spec{}, fmt.Errorf("symbols 不能为空")
	}
	sort.Strings(clean)

	kind, err := indicator.ParseKind(strings.ToLower(strings.TrimSpace(indicatorName)))
	if err != nil {
		return Spec{}, err
	}
	sigType, err := divergence.ParseType(strings.ToLower(strings.TrimSpace(signalType)))
	if err != nil {
		return Spec{}, err
	}
	return Spec{Symbols: clean, Indicator: kind, SignalType: sigType}, nil
}

// Key 是监控任务的规范化身份：同一组 symbol + 指标 + 类型
// 无论输入顺序如何都会得到同一个 key。
func (s Spec) Key() string {
	return strings.Join(s.Symbols, ",") + "|" + string(s.Indicator) + "|" + string(s.SignalType)
}
