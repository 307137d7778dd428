package cache

import (
	"strings"
	"sync"
	"time"
)

const memoryMaxEntries = 4096

type memoryEntry struct {
	blob      []byte
	expiresAt int64
}

// memoryCache 进程内热缓存，只服务通用命名空间。
// 容量超限时先剔除过期项，仍超限则随机淘汰四分之一。
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]memoryEntry)}
}

func (m *memoryCache) get(key string) ([]byte, bool) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().Unix() >= entry.expiresAt {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, false
	}
	return entry.blob, true
}

func (m *memoryCache) set(key string, blob []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := time.Now().Unix()

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) >= memoryMaxEntries {
		for k, v := range m.entries {
			if now >= v.expiresAt {
				delete(m.entries, k)
			}
		}
		if len(m.entries) >= memoryMaxEntries {
			n := memoryMaxEntries / 4
			for k := range m.entries {
				delete(m.entries, k)
				n--
				if n <= 0 {
					break
				}
			}
		}
	}

	m.entries[key] = memoryEntry{blob: blob, expiresAt: now + int64(ttl.Seconds())}
}

func (m *memoryCache) delete(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

func (m *memoryCache) clearPrefix(prefix string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
			count++
		}
	}
	return count
}

func (m *memoryCache) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
