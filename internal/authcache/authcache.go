// Package authcache holds the two local authorization sources of the charge
// point: the CSMS-managed local authorization list (SendLocalList) and the
// volatile authorization cache filled from past Authorize results.
package authcache

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charging-platform/charge-point-client/internal/domain/ocpp16"
	"github.com/charging-platform/charge-point-client/internal/filestore"
	"github.com/charging-platform/charge-point-client/internal/logger"
)

// LocalListFile 本地授权列表文件名
const LocalListFile = "localauth.jsn"

// LocalList CSMS下发的本地授权列表
type LocalList struct {
	fs  filestore.Store
	log *logger.Logger

	version int
	entries map[string]ocpp16.IdTagInfo
}

// persistedList 磁盘格式
type persistedList struct {
	Version int                           `json:"version"`
	Entries map[string]ocpp16.IdTagInfo `json:"entries"`
}

// NewLocalList 创建并从磁盘加载本地授权列表
func NewLocalList(fs filestore.Store, log *logger.Logger) *LocalList {
	if log == nil {
		log = logger.Default()
	}
	l := &LocalList{
		fs:      fs,
		log:     log.Component("localauth"),
		entries: make(map[string]ocpp16.IdTagInfo),
	}

	data, err := fs.Read(LocalListFile)
	if err != nil {
		if !os.IsNotExist(err) {
			l.log.Warnf("Failed to read local auth list: %v", err)
		}
		return l
	}
	var raw persistedList
	if err := json.Unmarshal(data, &raw); err != nil {
		l.log.Warnf("Discarding corrupt local auth list: %v", err)
		return l
	}
	l.version = raw.Version
	if raw.Entries != nil {
		l.entries = raw.Entries
	}
	return l
}

// Version 列表版本，空列表为0
func (l *LocalList) Version() int {
	if len(l.entries) == 0 {
		return 0
	}
	return l.version
}

// Get 查询idTag，比较不区分大小写
func (l *LocalList) Get(idTag string) (ocpp16.IdTagInfo, bool) {
	info, ok := l.entries[strings.ToLower(idTag)]
	return info, ok
}

// ApplyFull 全量替换列表
func (l *LocalList) ApplyFull(list []ocpp16.AuthorizationData, version int) error {
	entries := make(map[string]ocpp16.IdTagInfo, len(list))
	for _, ad := range list {
		if ad.IdTagInfo == nil {
			return fmt.Errorf("full update entry %s missing idTagInfo", ad.IdTag)
		}
		entries[strings.ToLower(ad.IdTag)] = *ad.IdTagInfo
	}
	l.entries = entries
	l.version = version
	return l.save()
}

// ApplyDifferential 差量更新，无idTagInfo的条目表示删除
func (l *LocalList) ApplyDifferential(list []ocpp16.AuthorizationData, version int) error {
	if version <= l.version {
		return fmt.Errorf("version %d not newer than %d", version, l.version)
	}
	for _, ad := range list {
		key := strings.ToLower(ad.IdTag)
		if ad.IdTagInfo == nil {
			delete(l.entries, key)
		} else {
			l.entries[key] = *ad.IdTagInfo
		}
	}
	l.version = version
	return l.save()
}

// save 持久化列表
func (l *LocalList) save() error {
	data, err := json.Marshal(persistedList{Version: l.version, Entries: l.entries})
	if err != nil {
		return fmt.Errorf("failed to marshal local auth list: %w", err)
	}
	if err := l.fs.Write(LocalListFile, data); err != nil {
		return fmt.Errorf("failed to write local auth list: %w", err)
	}
	return nil
}

// Cache 最近授权结果的易失缓存
//
// 容量满时淘汰最久未使用的条目。
type Cache struct {
	capacity int
	entries  map[string]cacheEntry
	order    []string
}

// cacheEntry 缓存条目
type cacheEntry struct {
	info     ocpp16.IdTagInfo
	cachedAt time.Time
}

// NewCache 创建授权缓存
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 8
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[string]cacheEntry),
	}
}

// Get 查询缓存的授权结果
func (c *Cache) Get(idTag string) (ocpp16.IdTagInfo, bool) {
	key := strings.ToLower(idTag)
	e, ok := c.entries[key]
	if !ok {
		return ocpp16.IdTagInfo{}, false
	}
	c.touch(key)
	return e.info, true
}

// Put 记录授权结果
func (c *Cache) Put(idTag string, info ocpp16.IdTagInfo, now time.Time) {
	key := strings.ToLower(idTag)
	if _, ok := c.entries[key]; !ok {
		if len(c.entries) >= c.capacity {
			c.evict()
		}
		c.order = append(c.order, key)
	} else {
		c.touch(key)
	}
	c.entries[key] = cacheEntry{info: info, cachedAt: now}
}

// Clear 清空缓存
func (c *Cache) Clear() {
	c.entries = make(map[string]cacheEntry)
	c.order = nil
}

// Len 当前条目数
func (c *Cache) Len() int {
	return len(c.entries)
}

// touch 标记为最近使用
func (c *Cache) touch(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			c.order = append(c.order, key)
			return
		}
	}
}

// evict 淘汰最久未使用的条目
func (c *Cache) evict() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.entries, oldest)
}
