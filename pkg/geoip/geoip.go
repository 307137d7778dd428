package geoip

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"
)

// Info IP 地理信息
type Info struct {
	IP          string `json:"ip"`
	Country     string `json:"country"`
	CountryCode string `json:"country_code"`
	Region      string `json:"region"`
	City        string `json:"city"`
	ASN         uint   `json:"asn"`
	ISP         string `json:"isp"`
	IsValid     bool   `json:"is_valid"`
}

// LocationKey 返回 "ASN:城市:国家代码" 形式的位置键，
// 用于判断两个 IP 是否来自同一网络位置。信息不足时返回空串。
func (i *Info) LocationKey() string {
	if i == nil || !i.IsValid {
		return ""
	}
	if i.ASN == 0 && i.City == "" && i.CountryCode == "" {
		return ""
	}
	return fmt.Sprintf("%d:%s:%s", i.ASN, i.City, i.CountryCode)
}

// Resolver IP 地理查询接口，便于测试替换
type Resolver interface {
	Lookup(ip string) *Info
}

const (
	negativeTTL   = time.Hour
	positiveTTL   = 24 * time.Hour
	maxCacheEntry = 65536
)

type cachedInfo struct {
	info      *Info
	expiresAt time.Time
}

// Service 基于 MaxMind mmdb 的地理查询，带内存缓存。
// City 与 ASN 库相互独立，缺失任何一个都只是降级。
type Service struct {
	city *geoip2.Reader
	asn  *geoip2.Reader

	mu    sync.RWMutex
	cache map[string]cachedInfo
}

// Open 打开 GeoIP 数据库。两个库都打不开时返回错误，
// 但仍返回可用的空服务（所有查询 IsValid=false）。
func Open(cityPath, asnPath string) (*Service, error) {
	s := &Service{cache: make(map[string]cachedInfo)}

	var cityErr, asnErr error
	if cityPath != "" {
		s.city, cityErr = geoip2.Open(cityPath)
	}
	if asnPath != "" {
		s.asn, asnErr = geoip2.Open(asnPath)
	}

	if s.city == nil && s.asn == nil {
		return s, fmt.Errorf("GeoIP 数据库不可用: city=%v asn=%v", cityErr, asnErr)
	}
	return s, nil
}

// Close 关闭 GeoIP 数据库
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.city != nil {
		s.city.Close()
		s.city = nil
	}
	if s.asn != nil {
		s.asn.Close()
		s.asn = nil
	}
}

// IsAvailable 检查是否有任一数据库可用
func (s *Service) IsAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.city != nil || s.asn != nil
}

// Lookup 查询单个 IP。查不到的 IP 空结果至少缓存 1 小时，
// 避免对无法命中的地址反复查库。
func (s *Service) Lookup(ipStr string) *Info {
	now := time.Now()

	s.mu.RLock()
	if entry, ok := s.cache[ipStr]; ok && now.Before(entry.expiresAt) {
		s.mu.RUnlock()
		return entry.info
	}
	s.mu.RUnlock()

	info := s.resolve(ipStr)

	ttl := positiveTTL
	if !info.IsValid {
		ttl = negativeTTL
	}

	s.mu.Lock()
	if len(s.cache) >= maxCacheEntry {
		s.evictLocked(now)
	}
	s.cache[ipStr] = cachedInfo{info: info, expiresAt: now.Add(ttl)}
	s.mu.Unlock()

	return info
}

// BatchLookup 批量查询 IP 地理信息
func BatchLookup(r Resolver, ips []string) map[string]*Info {
	results := make(map[string]*Info, len(ips))
	for _, ip := range ips {
		results[ip] = r.Lookup(ip)
	}
	return results
}

func (s *Service) resolve(ipStr string) *Info {
	info := &Info{IP: ipStr}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return info
	}

	// 内网 IP 不查库
	if isPrivateIP(ip) {
		info.Country = "本地网络"
		info.CountryCode = "LAN"
		info.IsValid = true
		return info
	}

	s.mu.RLock()
	city, asn := s.city, s.asn
	s.mu.RUnlock()

	if city != nil {
		if record, err := city.City(ip); err == nil {
			info.Country = record.Country.Names["zh-CN"]
			if info.Country == "" {
				info.Country = record.Country.Names["en"]
			}
			info.CountryCode = record.Country.IsoCode
			if len(record.Subdivisions) > 0 {
				info.Region = record.Subdivisions[0].Names["zh-CN"]
				if info.Region == "" {
					info.Region = record.Subdivisions[0].Names["en"]
				}
			}
			info.City = record.City.Names["zh-CN"]
			if info.City == "" {
				info.City = record.City.Names["en"]
			}
			info.IsValid = true
		}
	}

	if asn != nil {
		if record, err := asn.ASN(ip); err == nil {
			info.ASN = record.AutonomousSystemNumber
			info.ISP = record.AutonomousSystemOrganization
			if info.ASN > 0 {
				info.IsValid = true
			}
		}
	}

	return info
}

// evictLocked 先清过期项，仍超限则随机淘汰四分之一
func (s *Service) evictLocked(now time.Time) {
	for k, v := range s.cache {
		if now.After(v.expiresAt) {
			delete(s.cache, k)
		}
	}
	if len(s.cache) < maxCacheEntry {
		return
	}
	n := maxCacheEntry / 4
	for k := range s.cache {
		delete(s.cache, k)
		n--
		if n <= 0 {
			break
		}
	}
}

// IPVersion 返回 IP 版本：4 或 6，无法解析时为 0
func IPVersion(ipStr string) int {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return 0
	}
	if ip.To4() != nil {
		return 4
	}
	return 6
}

// IsDualStackPair 判断两个 IP 是否为同一位置的 IPv4/IPv6 双栈对：
// 一个 v4、一个 v6，且位置键相同且非空。
func IsDualStackPair(r Resolver, ip1, ip2 string) bool {
	v1, v2 := IPVersion(ip1), IPVersion(ip2)
	if v1 == 0 || v2 == 0 || v1 == v2 {
		return false
	}
	key1 := r.Lookup(ip1).LocationKey()
	if key1 == "" {
		return false
	}
	return key1 == r.Lookup(ip2).LocationKey()
}

var privateBlocks []*net.IPNet

func init() {
	for _, block := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"fc00::/7",
		"fe80::/10",
	} {
		if _, cidr, err := net.ParseCIDR(block); err == nil {
			privateBlocks = append(privateBlocks, cidr)
		}
	}
}

// isPrivateIP 判断是否为内网 IP
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, cidr := range privateBlocks {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}
