package service

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// 裁决动作
const (
	VerdictActionBan     = "BAN"
	VerdictActionWarn    = "WARN"
	VerdictActionMonitor = "MONITOR"
	VerdictActionSkip    = "SKIP"
)

// Verdict AI 对单个用户的裁决
type Verdict struct {
	ShouldBan  bool    `json:"should_ban"`
	RiskScore  float64 `json:"risk_score"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	Action     string  `json:"action"`
}

var (
	jsonFenceRe  = regexp.MustCompile("(?s)```json\\s*(.*?)```")
	anyFenceRe   = regexp.MustCompile("(?s)```\\s*(.*?)```")
	shouldBanRe  = regexp.MustCompile(`"should_ban"`)
	errNoVerdict = fmt.Errorf("响应中找不到有效的裁决 JSON")
)

// ParseVerdict 从模型回复里抠出裁决。模型经常把 JSON 包在围栏、
// 说明文字甚至残缺结构里，按宽松到严格依次尝试五种提取方式。
func ParseVerdict(content string) (*Verdict, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errNoVerdict
	}

	for _, candidate := range extractCandidates(content) {
		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
			continue
		}
		if _, ok := raw["should_ban"]; !ok {
			continue
		}
		return buildVerdict(raw), nil
	}
	return nil, errNoVerdict
}

// extractCandidates 依次产出候选 JSON 文本：
// 整串、```json 围栏、任意围栏、首尾花括号截断、按 should_ban 定位配平。
func extractCandidates(content string) []string {
	candidates := []string{content}

	if m := jsonFenceRe.FindStringSubmatch(content); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if m := anyFenceRe.FindStringSubmatch(content); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}

	first := strings.Index(content, "{")
	last := strings.LastIndex(content, "}")
	if first >= 0 && last > first {
		candidates = append(candidates, content[first:last+1])
	}

	if loc := shouldBanRe.FindStringIndex(content); loc != nil {
		if balanced := balanceBraces(content, loc[0]); balanced != "" {
			candidates = append(candidates, balanced)
		}
	}
	return candidates
}

// balanceBraces 从 pos 向前找最近的 {，再向后配平到对应的 }
func balanceBraces(content string, pos int) string {
	start := strings.LastIndex(content[:pos], "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		ch := content[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return content[start : i+1]
				}
			}
		}
	}
	return ""
}

// buildVerdict 规整字段并映射动作
func buildVerdict(raw map[string]interface{}) *Verdict {
	v := &Verdict{
		ShouldBan:  asBool(raw["should_ban"]),
		RiskScore:  clampFloat(asFloat(raw["risk_score"]), 1, 10),
		Confidence: clampFloat(asFloat(raw["confidence"]), 0, 1),
		Reason:     asString(raw["reason"]),
	}

	switch {
	case v.ShouldBan && v.RiskScore >= 8 && v.Confidence >= 0.8:
		v.Action = VerdictActionBan
	case v.ShouldBan || v.RiskScore >= 6:
		v.Action = VerdictActionWarn
	case v.RiskScore >= 4:
		v.Action = VerdictActionMonitor
	default:
		v.Action = VerdictActionSkip
	}
	return v
}

func asBool(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true") || t == "1" || strings.EqualFold(t, "yes")
	case float64:
		return t != 0
	default:
		return false
	}
}

func asFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f
		}
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
	}
	return 0
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
