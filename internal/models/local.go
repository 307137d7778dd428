package models

// 侧车本地 SQLite 表模型。表名与列名是对外契约的一部分，
// 外部运维工具会直接读取这些表。

// ConfigEntry 可变配置项，value 为 JSON 文本
type ConfigEntry struct {
	Key         string `gorm:"column:key;primaryKey" json:"key"`
	Value       string `gorm:"column:value" json:"value"`
	Description string `gorm:"column:description" json:"description"`
	UpdatedAt   int64  `gorm:"column:updated_at" json:"updated_at"`
}

func (ConfigEntry) TableName() string {
	return "config"
}

// KVEntry 本地键值缓存（小对象、冷却标记、模型列表缓存等）
type KVEntry struct {
	Key       string `gorm:"column:key;primaryKey" json:"key"`
	Value     []byte `gorm:"column:value" json:"value"`
	ExpiresAt int64  `gorm:"column:expires_at" json:"expires_at"`
	CreatedAt int64  `gorm:"column:created_at" json:"created_at"`
}

func (KVEntry) TableName() string {
	return "cache"
}

// GenericCacheEntry 通用命名空间缓存的本地镜像
type GenericCacheEntry struct {
	Key          string `gorm:"column:key;primaryKey" json:"key"`
	Data         []byte `gorm:"column:data" json:"data"`
	SnapshotTime int64  `gorm:"column:snapshot_time" json:"snapshot_time"`
	ExpiresAt    int64  `gorm:"column:expires_at" json:"expires_at"`
}

func (GenericCacheEntry) TableName() string {
	return "generic_cache"
}

// SlotCacheEntry 槽位缓存。已封板槽位的值不可变、永不过期。
type SlotCacheEntry struct {
	Metric    string `gorm:"column:metric;primaryKey" json:"metric"`
	Window    string `gorm:"column:window;primaryKey" json:"window"`
	SlotStart int64  `gorm:"column:slot_start;primaryKey" json:"slot_start"`
	SlotEnd   int64  `gorm:"column:slot_end" json:"slot_end"`
	Data      []byte `gorm:"column:data" json:"data"`
	CreatedAt int64  `gorm:"column:created_at" json:"created_at"`
}

func (SlotCacheEntry) TableName() string {
	return "slot_cache"
}

// 安全审计动作
const (
	AuditActionBan              = "ban"
	AuditActionUnban            = "unban"
	AuditActionAIWarn           = "ai_warn"
	AuditActionMoveGroup        = "move_group"
	AuditActionRedemptionCreate = "redemption_create"
)

// SecurityAudit 安全审计，只追加
type SecurityAudit struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Action    string `gorm:"column:action" json:"action"`
	UserID    int    `gorm:"column:user_id" json:"user_id"`
	Username  string `gorm:"column:username" json:"username"`
	Operator  string `gorm:"column:operator" json:"operator"`
	Reason    string `gorm:"column:reason" json:"reason"`
	Context   string `gorm:"column:context" json:"context"`
	CreatedAt int64  `gorm:"column:created_at" json:"created_at"`
}

func (SecurityAudit) TableName() string {
	return "security_audit"
}

// AI 扫描状态
const (
	AIScanStatusSuccess = "success"
	AIScanStatusPartial = "partial"
	AIScanStatusFailed  = "failed"
	AIScanStatusEmpty   = "empty"
)

// AIAuditLog 每次 AI 扫描一条汇总记录
type AIAuditLog struct {
	ID             int64   `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ScanID         string  `gorm:"column:scan_id" json:"scan_id"`
	Status         string  `gorm:"column:status" json:"status"`
	Window         string  `gorm:"column:window" json:"window"`
	CandidateCount int     `gorm:"column:candidate_count" json:"candidate_count"`
	EvaluatedCount int     `gorm:"column:evaluated_count" json:"evaluated_count"`
	BannedCount    int     `gorm:"column:banned_count" json:"banned_count"`
	WarnedCount    int     `gorm:"column:warned_count" json:"warned_count"`
	SkippedCount   int     `gorm:"column:skipped_count" json:"skipped_count"`
	ErrorCount     int     `gorm:"column:error_count" json:"error_count"`
	DryRun         bool    `gorm:"column:dry_run" json:"dry_run"`
	ElapsedSeconds float64 `gorm:"column:elapsed_seconds" json:"elapsed_seconds"`
	Details        string  `gorm:"column:details" json:"details"`
	CreatedAt      int64   `gorm:"column:created_at" json:"created_at"`
}

func (AIAuditLog) TableName() string {
	return "ai_audit_logs"
}

// 自动分组动作
const (
	AutoGroupActionAssign = "assign"
	AutoGroupActionRevert = "revert"
)

// AutoGroupLog 分组变更记录，revert 依赖其中的前后分组
type AutoGroupLog struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID    int    `gorm:"column:user_id" json:"user_id"`
	Username  string `gorm:"column:username" json:"username"`
	OldGroup  string `gorm:"column:old_group" json:"old_group"`
	NewGroup  string `gorm:"column:new_group" json:"new_group"`
	Action    string `gorm:"column:action" json:"action"`
	Source    string `gorm:"column:source" json:"source"`
	Operator  string `gorm:"column:operator" json:"operator"`
	CreatedAt int64  `gorm:"column:created_at" json:"created_at"`
}

func (AutoGroupLog) TableName() string {
	return "auto_group_logs"
}
