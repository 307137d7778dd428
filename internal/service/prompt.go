package service

import (
	"regexp"
	"strings"
)

// 提示词里允许出现的全部占位符。自定义模板引用了集合外的
// 占位符时整体回落默认模板，绝不把未知语法原样送进模型。
var promptPlaceholders = []string{
	"user_id",
	"username",
	"user_group",
	"total_requests",
	"unique_models",
	"unique_tokens",
	"unique_ips",
	"switch_count",
	"real_switch_count",
	"dual_stack_switches",
	"rapid_switch_count",
	"avg_ip_duration",
	"min_switch_interval",
	"risk_flags",
	"avg_requests_per_token",
	"token_rotation_risk",
	"whitelist_ips",
	"blacklist_ips",
	"user_whitelisted_ips",
	"user_blacklisted_ips",
	"user_ips",
}

var placeholderRe = regexp.MustCompile(`\{([a-z_][a-z0-9_]*)\}`)

// defaultSystemPrompt 系统消息，固定不可配
const defaultSystemPrompt = `你是 API 网关的风控审查助手。根据给出的用户行为数据判断该账号是否在滥用平台（账号共享、令牌倒卖、脚本刷量等）。只输出一个 JSON 对象，不要输出任何其他文字。JSON 字段：should_ban(布尔)、risk_score(1-10 整数)、confidence(0-1 小数)、reason(一句中文说明)。拿不准时给低分，宁可放过不可错杀。`

// defaultPromptTemplate 默认用户消息模板，覆盖全部占位符
const defaultPromptTemplate = `请评估以下用户是否存在滥用行为。

【账号】
用户 ID: {user_id}
用户名: {username}
分组: {user_group}

【窗口用量】
总请求数: {total_requests}
使用模型数: {unique_models}
使用令牌数: {unique_tokens}
来源 IP 数: {unique_ips}

【IP 切换分析】
切换总次数: {switch_count}
真实切换次数: {real_switch_count}
双栈切换次数: {dual_stack_switches}
快速切换次数: {rapid_switch_count}
平均单 IP 驻留: {avg_ip_duration} 秒
最短切换间隔: {min_switch_interval} 秒
风险标记: {risk_flags}

【令牌使用】
平均每令牌请求数: {avg_requests_per_token}
令牌轮换风险: {token_rotation_risk}

【IP 名单】
全局白名单: {whitelist_ips}
全局黑名单: {blacklist_ips}
该用户命中的白名单 IP: {user_whitelisted_ips}
该用户命中的黑名单 IP: {user_blacklisted_ips}
该用户的来源 IP: {user_ips}

结合以上数据输出裁决 JSON。命中白名单 IP 的流量应视为正常；命中黑名单 IP 则显著提高风险评分。`

// validPromptTemplate 模板里出现的占位符必须全部落在闭集内
func validPromptTemplate(tmpl string) bool {
	known := make(map[string]bool, len(promptPlaceholders))
	for _, p := range promptPlaceholders {
		known[p] = true
	}
	for _, m := range placeholderRe.FindAllStringSubmatch(tmpl, -1) {
		if !known[m[1]] {
			return false
		}
	}
	return true
}

// BuildPrompt 渲染用户消息。自定义模板为空或校验失败时用默认模板。
func BuildPrompt(custom string, values map[string]string) string {
	tmpl := defaultPromptTemplate
	if custom = strings.TrimSpace(custom); custom != "" && validPromptTemplate(custom) {
		tmpl = custom
	}

	pairs := make([]string, 0, len(promptPlaceholders)*2)
	for _, p := range promptPlaceholders {
		pairs = append(pairs, "{"+p+"}", values[p])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
