package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/ketches/gateway-sentinel/internal/cache"
)

// 模型状态页的可选项。主题只认新名字，旧值在读取时单向映射。
var (
	ModelStatusWindows        = []string{"1h", "6h", "12h", "24h"}
	AvailableThemes           = []string{"daylight", "midnight", "system"}
	AvailableRefreshIntervals = []int{0, 30, 60, 120, 300}
	AvailableSortModes        = []string{"default", "availability", "custom"}
)

// 模型状态自带窗口表，比通用窗口多一档 12h
var modelStatusSeconds = map[string]int64{
	"1h":  3600,
	"6h":  21600,
	"12h": 43200,
	"24h": 86400,
}

const (
	defaultModelStatusWindow  = "6h"
	defaultModelStatusTheme   = "system"
	defaultModelStatusRefresh = 60
	defaultModelStatusSort    = "default"

	modelStatusTTL       = time.Minute
	availableModelsTTL   = 5 * time.Minute
	availableModelsHours = 24
)

// 配置键，落在本地配置表里
const (
	cfgKeySelectedModels = "model_status.selected_models"
	cfgKeyTimeWindow     = "model_status.time_window"
	cfgKeyTheme          = "model_status.theme"
	cfgKeyRefresh        = "model_status.refresh_interval"
	cfgKeySortMode       = "model_status.sort_mode"
	cfgKeyCustomOrder    = "model_status.custom_order"
)

// ModelStatusEngine 模型可用率热力图
type ModelStatusEngine struct {
	store *LogStore
	tier  *cache.Tier
	cfg   *ConfigStore
}

// NewModelStatusEngine 创建模型状态引擎
func NewModelStatusEngine(store *LogStore, tier *cache.Tier, cfg *ConfigStore) *ModelStatusEngine {
	return &ModelStatusEngine{store: store, tier: tier, cfg: cfg}
}

// ModelStatusSlot 窗口内单个时间格
type ModelStatusSlot struct {
	Slot      int     `json:"slot"`
	StartTime int64   `json:"start_time"`
	EndTime   int64   `json:"end_time"`
	Total     int64   `json:"total"`
	Success   int64   `json:"success"`
	Rate      float64 `json:"success_rate"`
	Color     string  `json:"color"`
}

// ModelStatus 单模型在一个窗口内的可用率
type ModelStatus struct {
	ModelName     string            `json:"model_name"`
	Window        string            `json:"window"`
	WindowSeconds int64             `json:"window_seconds"`
	TotalRequests int64             `json:"total_requests"`
	SuccessCount  int64             `json:"success_count"`
	SuccessRate   float64           `json:"success_rate"`
	Color         string            `json:"color"`
	Slots         []ModelStatusSlot `json:"slots"`
	CheckedAt     int64             `json:"checked_at"`
}

// slotParams 1h 用 60 格一分钟，其余窗口固定 24 格
func slotParams(window string) (count int, slotSeconds int64) {
	seconds := modelStatusSeconds[window]
	if window == "1h" {
		return 60, 60
	}
	return 24, seconds / 24
}

func validModelStatusWindow(window string) bool {
	_, ok := modelStatusSeconds[window]
	return ok
}

// slotColor 格子配色：无流量按健康处理
func slotColor(rate float64, total int64) string {
	switch {
	case total == 0 || rate >= 95:
		return "green"
	case rate >= 80:
		return "yellow"
	default:
		return "red"
	}
}

// Status 单模型状态
func (e *ModelStatusEngine) Status(ctx context.Context, modelName, window string) (*ModelStatus, error) {
	if modelName == "" {
		return nil, fmt.Errorf("%w: 模型名为空", ErrInvalidParams)
	}
	if !validModelStatusWindow(window) {
		return nil, fmt.Errorf("%w: 不支持的时间窗口 %q", ErrInvalidParams, window)
	}

	var status ModelStatus
	key := cache.Key("model_status", "one", window, modelName)
	err := e.tier.GetOrCompute(ctx, key, modelStatusTTL, &status, func(ctx context.Context) (interface{}, error) {
		statuses, err := e.fetchStatuses(ctx, []string{modelName}, window)
		if err != nil {
			return nil, err
		}
		return &statuses[0], nil
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// BatchStatus 批量模型状态，一条 SQL 出全部格子。
// 传空模型列表时回落到已选模型。
func (e *ModelStatusEngine) BatchStatus(ctx context.Context, modelNames []string, window string) ([]ModelStatus, error) {
	if !validModelStatusWindow(window) {
		return nil, fmt.Errorf("%w: 不支持的时间窗口 %q", ErrInvalidParams, window)
	}
	if len(modelNames) == 0 {
		cfg, err := e.Config(ctx)
		if err != nil {
			return nil, err
		}
		modelNames = cfg.SelectedModels
	}
	if len(modelNames) == 0 {
		return []ModelStatus{}, nil
	}

	var statuses []ModelStatus
	key := cache.Key("model_status", "batch", window, modelSetDigest(modelNames))
	err := e.tier.GetOrCompute(ctx, key, modelStatusTTL, &statuses, func(ctx context.Context) (interface{}, error) {
		return e.fetchStatuses(ctx, modelNames, window)
	})
	if err != nil {
		return nil, err
	}
	return statuses, nil
}

func (e *ModelStatusEngine) fetchStatuses(ctx context.Context, modelNames []string, window string) ([]ModelStatus, error) {
	now := time.Now().Unix()
	seconds := modelStatusSeconds[window]
	slotCount, slotSeconds := slotParams(window)
	windowStart := now - seconds

	var rows []ModelSlotRow
	if err := retryTransient(ctx, func() error {
		var qerr error
		rows, qerr = e.store.ModelStatusSlots(ctx, modelNames, windowStart, now, slotSeconds)
		return qerr
	}); err != nil {
		return nil, err
	}

	byModel := make(map[string][]ModelSlotRow, len(modelNames))
	for _, r := range rows {
		byModel[r.ModelName] = append(byModel[r.ModelName], r)
	}

	statuses := make([]ModelStatus, 0, len(modelNames))
	for _, name := range modelNames {
		statuses = append(statuses, buildModelStatus(name, window, windowStart, now, slotCount, slotSeconds, byModel[name]))
	}
	return statuses, nil
}

// buildModelStatus 把分桶行铺进固定格子并汇总整体可用率
func buildModelStatus(name, window string, windowStart, now int64, slotCount int, slotSeconds int64, rows []ModelSlotRow) ModelStatus {
	slots := make([]ModelStatusSlot, slotCount)
	for i := range slots {
		start := windowStart + int64(i)*slotSeconds
		slots[i] = ModelStatusSlot{
			Slot:      i,
			StartTime: start,
			EndTime:   start + slotSeconds,
			Rate:      100,
			Color:     "green",
		}
	}

	var total, success int64
	for _, r := range rows {
		if r.Bucket < 0 || r.Bucket >= int64(slotCount) {
			continue
		}
		s := &slots[r.Bucket]
		s.Total += r.Total
		s.Success += r.Success
		total += r.Total
		success += r.Success
	}
	for i := range slots {
		s := &slots[i]
		if s.Total > 0 {
			s.Rate = math.Round(float64(s.Success)/float64(s.Total)*10000) / 100
		}
		s.Color = slotColor(s.Rate, s.Total)
	}

	rate := float64(100)
	if total > 0 {
		rate = math.Round(float64(success)/float64(total)*10000) / 100
	}
	return ModelStatus{
		ModelName:     name,
		Window:        window,
		WindowSeconds: modelStatusSeconds[window],
		TotalRequests: total,
		SuccessCount:  success,
		SuccessRate:   rate,
		Color:         slotColor(rate, total),
		Slots:         slots,
		CheckedAt:     now,
	}
}

// modelSetDigest 模型集合的缓存键指纹，与传入顺序无关
func modelSetDigest(names []string) string {
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)
	h := fnv.New32a()
	for _, n := range sorted {
		h.Write([]byte(n))
		h.Write([]byte{0})
	}
	return strconv.FormatUint(uint64(h.Sum32()), 16)
}

// ---------- 可用模型 ----------

// AvailableModel 近 24h 出现过的模型
type AvailableModel struct {
	ModelName    string `json:"model_name"`
	RequestCount int64  `json:"request_count_24h"`
}

// AvailableModels 近 24h 有流量的模型列表，按请求数降序
func (e *ModelStatusEngine) AvailableModels(ctx context.Context) ([]AvailableModel, error) {
	var list []AvailableModel
	key := cache.Key("model_status", "available")
	err := e.tier.GetOrCompute(ctx, key, availableModelsTTL, &list, func(ctx context.Context) (interface{}, error) {
		now := time.Now().Unix()
		start := now - int64(availableModelsHours)*3600

		var rows []ModelCountRow
		if err := retryTransient(ctx, func() error {
			var qerr error
			rows, qerr = e.store.DistinctModels(ctx, start, now)
			return qerr
		}); err != nil {
			return nil, err
		}
		out := make([]AvailableModel, 0, len(rows))
		for _, r := range rows {
			out = append(out, AvailableModel{ModelName: r.ModelName, RequestCount: r.RequestCount})
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// ---------- 配置 ----------

// ModelStatusConfig 状态页配置
type ModelStatusConfig struct {
	TimeWindow      string   `json:"time_window"`
	Theme           string   `json:"theme"`
	RefreshInterval int      `json:"refresh_interval"`
	SortMode        string   `json:"sort_mode"`
	CustomOrder     []string `json:"custom_order"`
	SelectedModels  []string `json:"selected_models"`
}

// ModelStatusConfigUpdate 配置更新，nil 字段不动
type ModelStatusConfigUpdate struct {
	TimeWindow      *string   `json:"time_window"`
	Theme           *string   `json:"theme"`
	RefreshInterval *int      `json:"refresh_interval"`
	SortMode        *string   `json:"sort_mode"`
	CustomOrder     *[]string `json:"custom_order"`
	SelectedModels  *[]string `json:"selected_models"`
}

// remapTheme 旧主题名单向换新，只在读取时做，不回写
func remapTheme(theme string) string {
	switch theme {
	case "light":
		return "daylight"
	case "dark":
		return "midnight"
	default:
		return theme
	}
}

// cfgGet 读单项配置，键不存在时落默认值
func (e *ModelStatusEngine) cfgGet(key string, dest interface{}) error {
	err := e.cfg.Get(key, dest)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// Config 读取状态页配置，缺省字段补默认值
func (e *ModelStatusEngine) Config(ctx context.Context) (*ModelStatusConfig, error) {
	cfg := &ModelStatusConfig{
		TimeWindow:      defaultModelStatusWindow,
		Theme:           defaultModelStatusTheme,
		RefreshInterval: defaultModelStatusRefresh,
		SortMode:        defaultModelStatusSort,
		CustomOrder:     []string{},
		SelectedModels:  []string{},
	}
	if err := e.cfgGet(cfgKeyTimeWindow, &cfg.TimeWindow); err != nil {
		return nil, err
	}
	if err := e.cfgGet(cfgKeyTheme, &cfg.Theme); err != nil {
		return nil, err
	}
	if err := e.cfgGet(cfgKeyRefresh, &cfg.RefreshInterval); err != nil {
		return nil, err
	}
	if err := e.cfgGet(cfgKeySortMode, &cfg.SortMode); err != nil {
		return nil, err
	}
	if err := e.cfgGet(cfgKeyCustomOrder, &cfg.CustomOrder); err != nil {
		return nil, err
	}
	if err := e.cfgGet(cfgKeySelectedModels, &cfg.SelectedModels); err != nil {
		return nil, err
	}

	cfg.Theme = remapTheme(cfg.Theme)
	if !validModelStatusWindow(cfg.TimeWindow) {
		cfg.TimeWindow = defaultModelStatusWindow
	}

	// 没选过模型时默认展示全部可用模型
	if len(cfg.SelectedModels) == 0 {
		available, err := e.AvailableModels(ctx)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(available))
		for _, m := range available {
			names = append(names, m.ModelName)
		}
		cfg.SelectedModels = names
	}
	return cfg, nil
}

// UpdateConfig 校验并落盘配置变更
func (e *ModelStatusEngine) UpdateConfig(ctx context.Context, update *ModelStatusConfigUpdate) (*ModelStatusConfig, error) {
	if update.TimeWindow != nil {
		if !validModelStatusWindow(*update.TimeWindow) {
			return nil, fmt.Errorf("%w: 不支持的时间窗口 %q", ErrInvalidParams, *update.TimeWindow)
		}
		if err := e.cfg.Set(cfgKeyTimeWindow, *update.TimeWindow, "状态页默认时间窗口"); err != nil {
			return nil, err
		}
	}
	if update.Theme != nil {
		theme := remapTheme(*update.Theme)
		if !containsString(AvailableThemes, theme) {
			return nil, fmt.Errorf("%w: 不支持的主题 %q", ErrInvalidParams, *update.Theme)
		}
		if err := e.cfg.Set(cfgKeyTheme, theme, "状态页主题"); err != nil {
			return nil, err
		}
	}
	if update.RefreshInterval != nil {
		if !containsInt(AvailableRefreshIntervals, *update.RefreshInterval) {
			return nil, fmt.Errorf("%w: 不支持的刷新间隔 %d", ErrInvalidParams, *update.RefreshInterval)
		}
		if err := e.cfg.Set(cfgKeyRefresh, *update.RefreshInterval, "状态页刷新间隔(秒)"); err != nil {
			return nil, err
		}
	}
	if update.SortMode != nil {
		if !containsString(AvailableSortModes, *update.SortMode) {
			return nil, fmt.Errorf("%w: 不支持的排序方式 %q", ErrInvalidParams, *update.SortMode)
		}
		if err := e.cfg.Set(cfgKeySortMode, *update.SortMode, "状态页排序方式"); err != nil {
			return nil, err
		}
	}
	if update.CustomOrder != nil {
		if err := e.cfg.Set(cfgKeyCustomOrder, *update.CustomOrder, "状态页自定义顺序"); err != nil {
			return nil, err
		}
	}
	if update.SelectedModels != nil {
		if err := e.cfg.Set(cfgKeySelectedModels, *update.SelectedModels, "状态页展示的模型"); err != nil {
			return nil, err
		}
	}
	return e.Config(ctx)
}

// ModelStatusEmbedConfig 嵌入页配置，带上各项可选值
type ModelStatusEmbedConfig struct {
	ModelStatusConfig
	AvailableTimeWindows      []string `json:"available_time_windows"`
	AvailableThemes           []string `json:"available_themes"`
	AvailableRefreshIntervals []int    `json:"available_refresh_intervals"`
	AvailableSortModes        []string `json:"available_sort_modes"`
}

// EmbedConfig 嵌入页用的完整配置
func (e *ModelStatusEngine) EmbedConfig(ctx context.Context) (*ModelStatusEmbedConfig, error) {
	cfg, err := e.Config(ctx)
	if err != nil {
		return nil, err
	}
	return &ModelStatusEmbedConfig{
		ModelStatusConfig:         *cfg,
		AvailableTimeWindows:      ModelStatusWindows,
		AvailableThemes:           AvailableThemes,
		AvailableRefreshIntervals: AvailableRefreshIntervals,
		AvailableSortModes:        AvailableSortModes,
	}, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, n := range list {
		if n == v {
			return true
		}
	}
	return false
}
