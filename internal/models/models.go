package models

// 网关数据库表模型。侧车只读这些表，仅 Writer 回写
// users.status / users.group / tokens.status / redemptions。
// 时间戳与网关一致，统一为 epoch 秒。

// 用户状态
const (
	UserStatusEnabled  = 1
	UserStatusDisabled = 2
	UserStatusBanned   = 3
)

// 用户角色
const (
	RoleCommon = 1
	RoleAdmin  = 10
	RoleRoot   = 100
)

// 令牌状态。封禁用户时其令牌统一置 3。
const (
	TokenStatusEnabled  = 1
	TokenStatusDisabled = 2
	TokenStatusBanned   = 3
)

// 渠道状态
const (
	ChannelStatusEnabled  = 1
	ChannelStatusDisabled = 2
)

// 兑换码状态
const (
	RedemptionStatusEnabled = 1
	RedemptionStatusUsed    = 3
)

// 日志类型。侧车只关心消费成功(2)与调用失败(5)，其余忽略。
const (
	LogTypeTopUp   = 1
	LogTypeConsume = 2
	LogTypeManage  = 3
	LogTypeSystem  = 4
	LogTypeFailure = 5
)

// User 网关用户表
type User struct {
	ID           int    `gorm:"column:id;primaryKey" json:"id"`
	Username     string `gorm:"column:username" json:"username"`
	DisplayName  string `gorm:"column:display_name" json:"display_name"`
	Email        string `gorm:"column:email" json:"email"`
	Role         int    `gorm:"column:role" json:"role"`
	Status       int    `gorm:"column:status" json:"status"`
	Quota        int64  `gorm:"column:quota" json:"quota"`
	UsedQuota    int64  `gorm:"column:used_quota" json:"used_quota"`
	RequestCount int    `gorm:"column:request_count" json:"request_count"`
	Group        string `gorm:"column:group" json:"group"`
	AffCode      string `gorm:"column:aff_code" json:"aff_code"`
	InviterID    int    `gorm:"column:inviter_id" json:"inviter_id"`
	// setting 为 JSON 文本，包含 record_ip_log 等开关
	Setting    string `gorm:"column:setting" json:"-"`
	GitHubID   string `gorm:"column:github_id" json:"github_id"`
	WeChatID   string `gorm:"column:wechat_id" json:"wechat_id"`
	TelegramID string `gorm:"column:telegram_id" json:"telegram_id"`
	DiscordID  string `gorm:"column:discord_id" json:"discord_id"`
	OIDCID     string `gorm:"column:oidc_id" json:"oidc_id"`
	LinuxDoID  string `gorm:"column:linux_do_id" json:"linux_do_id"`
	CreatedAt  int64  `gorm:"column:created_at" json:"created_at"`
	DeletedAt  *int64 `gorm:"column:deleted_at" json:"deleted_at,omitempty"`
}

func (User) TableName() string {
	return "users"
}

// IsAdmin 角色是否为管理员
func (u *User) IsAdmin() bool {
	return u.Role >= RoleAdmin
}

// IsBanned 是否已封禁
func (u *User) IsBanned() bool {
	return u.Status == UserStatusBanned
}

// Token 网关令牌表
type Token struct {
	ID        int    `gorm:"column:id;primaryKey" json:"id"`
	UserID    int    `gorm:"column:user_id" json:"user_id"`
	Name      string `gorm:"column:name" json:"name"`
	Status    int    `gorm:"column:status" json:"status"`
	UsedQuota int64  `gorm:"column:used_quota" json:"used_quota"`
	CreatedAt int64  `gorm:"column:created_at" json:"created_at"`
	DeletedAt *int64 `gorm:"column:deleted_at" json:"deleted_at,omitempty"`
}

func (Token) TableName() string {
	return "tokens"
}

// Log 网关调用日志表，增量只追加，id 单调递增
type Log struct {
	ID               int64  `gorm:"column:id;primaryKey" json:"id"`
	UserID           int    `gorm:"column:user_id" json:"user_id"`
	Username         string `gorm:"column:username" json:"username"`
	CreatedAt        int64  `gorm:"column:created_at" json:"created_at"`
	Type             int    `gorm:"column:type" json:"type"`
	TokenID          int    `gorm:"column:token_id" json:"token_id"`
	TokenName        string `gorm:"column:token_name" json:"token_name"`
	ModelName        string `gorm:"column:model_name" json:"model_name"`
	ChannelID        int    `gorm:"column:channel_id" json:"channel_id"`
	IP               string `gorm:"column:ip" json:"ip"`
	Quota            int64  `gorm:"column:quota" json:"quota"`
	PromptTokens     int64  `gorm:"column:prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int64  `gorm:"column:completion_tokens" json:"completion_tokens"`
	// use_time 为响应耗时（毫秒）
	UseTime int64 `gorm:"column:use_time" json:"use_time"`
}

func (Log) TableName() string {
	return "logs"
}

// Channel 网关渠道表
type Channel struct {
	ID        int    `gorm:"column:id;primaryKey" json:"id"`
	Name      string `gorm:"column:name" json:"name"`
	Type      int    `gorm:"column:type" json:"type"`
	Status    int    `gorm:"column:status" json:"status"`
	UsedQuota int64  `gorm:"column:used_quota" json:"used_quota"`
	CreatedAt int64  `gorm:"column:created_time" json:"created_time"`
}

func (Channel) TableName() string {
	return "channels"
}

// Ability 渠道可用模型表
type Ability struct {
	ID        int    `gorm:"column:id;primaryKey" json:"id"`
	Group     string `gorm:"column:group" json:"group"`
	Model     string `gorm:"column:model" json:"model"`
	ChannelID int    `gorm:"column:channel_id" json:"channel_id"`
	Enabled   bool   `gorm:"column:enabled" json:"enabled"`
}

func (Ability) TableName() string {
	return "abilities"
}

// Redemption 兑换码表
type Redemption struct {
	ID          int    `gorm:"column:id;primaryKey" json:"id"`
	UserID      int    `gorm:"column:user_id" json:"user_id"`
	Key         string `gorm:"column:key" json:"key"`
	Status      int    `gorm:"column:status" json:"status"`
	Name        string `gorm:"column:name" json:"name"`
	Quota       int64  `gorm:"column:quota" json:"quota"`
	CreatedAt   int64  `gorm:"column:created_time" json:"created_time"`
	RedeemedAt  int64  `gorm:"column:redeemed_time" json:"redeemed_time"`
	UsedUserID  int    `gorm:"column:used_user_id" json:"used_user_id"`
	DeletedAt   *int64 `gorm:"column:deleted_at" json:"deleted_at,omitempty"`
}

func (Redemption) TableName() string {
	return "redemptions"
}
