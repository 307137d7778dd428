package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ketches/gateway-sentinel/internal/cache"
	"github.com/ketches/gateway-sentinel/internal/logger"
	"github.com/ketches/gateway-sentinel/pkg/geoip"
)

// IP 分布支持的窗口
var ipDistWindows = map[string]bool{
	"1h":  true,
	"6h":  true,
	"24h": true,
	"7d":  true,
}

// 地理聚合的 IP 上限，窗口内超出部分按请求数截断
const ipDistMaxIPs = 3000

// 国内地区代码
var domesticCountryCodes = map[string]bool{
	"CN": true,
	"HK": true,
	"MO": true,
	"TW": true,
}

// IPDistributionResult IP 分布统计结果
type IPDistributionResult struct {
	TotalIPs           int                    `json:"total_ips"`
	TotalRequests      int64                  `json:"total_requests"`
	DomesticPercentage float64                `json:"domestic_percentage"`
	OverseasPercentage float64                `json:"overseas_percentage"`
	ByCountry          []CountryDistribution  `json:"by_country"`
	ByProvince         []ProvinceDistribution `json:"by_province"`
	TopCities          []CityDistribution     `json:"top_cities"`
	SnapshotTime       int64                  `json:"snapshot_time"`
}

// CountryDistribution 国家分布
type CountryDistribution struct {
	Country      string  `json:"country"`
	CountryCode  string  `json:"country_code"`
	IPCount      int     `json:"ip_count"`
	RequestCount int64   `json:"request_count"`
	UserCount    int64   `json:"user_count"`
	Percentage   float64 `json:"percentage"`
}

// ProvinceDistribution 省份分布（仅中国大陆）
type ProvinceDistribution struct {
	Country      string  `json:"country"`
	CountryCode  string  `json:"country_code"`
	Region       string  `json:"region"`
	IPCount      int     `json:"ip_count"`
	RequestCount int64   `json:"request_count"`
	UserCount    int64   `json:"user_count"`
	Percentage   float64 `json:"percentage"`
}

// CityDistribution 城市分布
type CityDistribution struct {
	Country      string  `json:"country"`
	CountryCode  string  `json:"country_code"`
	Region       string  `json:"region"`
	City         string  `json:"city"`
	IPCount      int     `json:"ip_count"`
	RequestCount int64   `json:"request_count"`
	UserCount    int64   `json:"user_count"`
	Percentage   float64 `json:"percentage"`
}

// IPDistributionEngine IP 地理分布统计
type IPDistributionEngine struct {
	store *LogStore
	tier  *cache.Tier
	geo   geoip.Resolver
}

func NewIPDistributionEngine(store *LogStore, tier *cache.Tier, geo geoip.Resolver) *IPDistributionEngine {
	return &IPDistributionEngine{store: store, tier: tier, geo: geo}
}

// GetDistribution 获取窗口内的 IP 地理分布
func (e *IPDistributionEngine) GetDistribution(ctx context.Context, window string) (*IPDistributionResult, error) {
	if !ipDistWindows[window] {
		return nil, fmt.Errorf("%w: 不支持的时间窗口 %q", ErrInvalidParams, window)
	}

	var result IPDistributionResult
	key := cache.Key("ip_dist", window)
	err := e.tier.GetOrCompute(ctx, key, e.tier.TTL(window), &result, func(ctx context.Context) (interface{}, error) {
		return e.fetchDistribution(ctx, window)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (e *IPDistributionEngine) fetchDistribution(ctx context.Context, window string) (*IPDistributionResult, error) {
	now := time.Now().Unix()
	start := now - WindowDuration(window)

	var rows []IPCountRow
	err := retryTransient(ctx, func() error {
		var qerr error
		rows, qerr = e.store.IPCounts(ctx, start, now, ipDistMaxIPs)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return emptyDistribution(), nil
	}

	ips := make([]string, 0, len(rows))
	for _, r := range rows {
		ips = append(ips, r.IP)
	}
	geoResults := geoip.BatchLookup(e.geo, ips)

	result := e.aggregate(rows, geoResults)
	result.SnapshotTime = time.Now().Unix()

	logger.Info("IP 分布统计完成",
		zap.String("window", window),
		zap.Int("total_ips", result.TotalIPs),
		zap.Int64("total_requests", result.TotalRequests),
		zap.Int("countries", len(result.ByCountry)),
	)
	return result, nil
}

func (e *IPDistributionEngine) aggregate(rows []IPCountRow, geoResults map[string]*geoip.Info) *IPDistributionResult {
	byCountry := make(map[string]*CountryDistribution)
	byProvince := make(map[string]*ProvinceDistribution)
	byCity := make(map[string]*CityDistribution)

	var totalRequests, domesticRequests, overseasRequests int64
	for _, r := range rows {
		totalRequests += r.RequestCount
	}

	for _, r := range rows {
		geo := geoResults[r.IP]

		var country, countryCode, region, city string
		if geo == nil || !geo.IsValid {
			country = "未知"
			countryCode = "XX"
		} else {
			country = geo.Country
			if country == "" {
				country = "未知"
			}
			countryCode = geo.CountryCode
			if countryCode == "" {
				countryCode = "XX"
			}
			region = geo.Region
			city = geo.City
		}

		if domesticCountryCodes[countryCode] {
			domesticRequests += r.RequestCount
		} else {
			overseasRequests += r.RequestCount
		}

		if _, ok := byCountry[country]; !ok {
			byCountry[country] = &CountryDistribution{Country: country, CountryCode: countryCode}
		}
		byCountry[country].IPCount++
		byCountry[country].RequestCount += r.RequestCount
		byCountry[country].UserCount += r.UserCount

		if countryCode == "CN" && region != "" {
			if _, ok := byProvince[region]; !ok {
				byProvince[region] = &ProvinceDistribution{Country: country, CountryCode: countryCode, Region: region}
			}
			byProvince[region].IPCount++
			byProvince[region].RequestCount += r.RequestCount
			byProvince[region].UserCount += r.UserCount
		}

		if city != "" {
			cityKey := fmt.Sprintf("%s:%s:%s", country, region, city)
			if _, ok := byCity[cityKey]; !ok {
				byCity[cityKey] = &CityDistribution{Country: country, CountryCode: countryCode, Region: region, City: city}
			}
			byCity[cityKey].IPCount++
			byCity[cityKey].RequestCount += r.RequestCount
			byCity[cityKey].UserCount += r.UserCount
		}
	}

	countryList := make([]CountryDistribution, 0, len(byCountry))
	for _, c := range byCountry {
		if totalRequests > 0 {
			c.Percentage = math.Round(float64(c.RequestCount)/float64(totalRequests)*10000) / 100
		}
		countryList = append(countryList, *c)
	}
	sort.Slice(countryList, func(i, j int) bool {
		return countryList[i].RequestCount > countryList[j].RequestCount
	})
	if len(countryList) > 50 {
		countryList = countryList[:50]
	}

	provinceList := make([]ProvinceDistribution, 0, len(byProvince))
	for _, p := range byProvince {
		if totalRequests > 0 {
			p.Percentage = math.Round(float64(p.RequestCount)/float64(totalRequests)*10000) / 100
		}
		provinceList = append(provinceList, *p)
	}
	sort.Slice(provinceList, func(i, j int) bool {
		return provinceList[i].RequestCount > provinceList[j].RequestCount
	})
	if len(provinceList) > 30 {
		provinceList = provinceList[:30]
	}

	cityList := make([]CityDistribution, 0, len(byCity))
	for _, c := range byCity {
		if totalRequests > 0 {
			c.Percentage = math.Round(float64(c.RequestCount)/float64(totalRequests)*10000) / 100
		}
		cityList = append(cityList, *c)
	}
	sort.Slice(cityList, func(i, j int) bool {
		return cityList[i].RequestCount > cityList[j].RequestCount
	})
	if len(cityList) > 50 {
		cityList = cityList[:50]
	}

	var domesticPct, overseasPct float64
	if totalRequests > 0 {
		domesticPct = math.Round(float64(domesticRequests)/float64(totalRequests)*10000) / 100
		overseasPct = math.Round(float64(overseasRequests)/float64(totalRequests)*10000) / 100
	}

	return &IPDistributionResult{
		TotalIPs:           len(rows),
		TotalRequests:      totalRequests,
		DomesticPercentage: domesticPct,
		OverseasPercentage: overseasPct,
		ByCountry:          countryList,
		ByProvince:         provinceList,
		TopCities:          cityList,
	}
}

func emptyDistribution() *IPDistributionResult {
	return &IPDistributionResult{
		ByCountry:    []CountryDistribution{},
		ByProvince:   []ProvinceDistribution{},
		TopCities:    []CityDistribution{},
		SnapshotTime: time.Now().Unix(),
	}
}
