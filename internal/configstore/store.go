// Package configstore implements the typed OCPP configuration store: named
// containers of key/value entries with change revisions, declared defaults
// and file persistence. It backs GetConfiguration / ChangeConfiguration and
// the library's own tuning knobs.
package configstore

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/charging-platform/charge-point-client/internal/filestore"
	"github.com/charging-platform/charge-point-client/internal/logger"
)

// DefaultContainer 标准配置容器文件名
const DefaultContainer = "ocpp-config.cnf"

// StateContainer 内部状态容器文件名
const StateContainer = "client-state.cnf"

// 配置项类型名
const (
	KindBool   = "bool"
	KindInt    = "int"
	KindUInt   = "uint"
	KindFloat  = "float"
	KindString = "string"
)

// Scalar 可声明的配置值类型
type Scalar interface {
	bool | int | uint | float64 | string
}

// entry 单个配置项
type entry struct {
	key            string
	kind           string
	value          interface{}
	readonly       bool
	rebootRequired bool
	revision       uint32
	declared       bool
}

// Container 一个配置容器，对应一个持久化文件
type Container struct {
	filename string
	entries  map[string]*entry
	order    []string
	dirty    bool
}

// Store 配置存储
type Store struct {
	fs         filestore.Store
	log        *logger.Logger
	containers map[string]*Container
	order      []string
}

// New 创建配置存储
func New(fs filestore.Store, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Default()
	}
	s := &Store{
		fs:         fs,
		log:        log.Component("configstore"),
		containers: make(map[string]*Container),
	}
	s.container(DefaultContainer)
	return s
}

// persistedEntry 磁盘上的条目格式
type persistedEntry struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// container 获取容器，首次访问时从磁盘加载
func (s *Store) container(filename string) *Container {
	if c, ok := s.containers[filename]; ok {
		return c
	}
	c := &Container{
		filename: filename,
		entries:  make(map[string]*entry),
	}
	s.containers[filename] = c
	s.order = append(s.order, filename)

	data, err := s.fs.Read(filename)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warnf("Failed to read config container %s: %v", filename, err)
		}
		return c
	}

	var raw map[string]persistedEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		s.log.Warnf("Discarding corrupt config container %s: %v", filename, err)
		return c
	}

	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		pe := raw[key]
		value, err := decodeValue(pe.Type, pe.Value)
		if err != nil {
			s.log.Warnf("Skipping config entry %s: %v", key, err)
			continue
		}
		c.entries[key] = &entry{key: key, kind: pe.Type, value: value}
		c.order = append(c.order, key)
	}
	return c
}

// decodeValue 按类型名解析JSON值
func decodeValue(kind string, raw json.RawMessage) (interface{}, error) {
	switch kind {
	case KindBool:
		var v bool
		err := json.Unmarshal(raw, &v)
		return v, err
	case KindInt:
		var v int
		err := json.Unmarshal(raw, &v)
		return v, err
	case KindUInt:
		var v uint
		err := json.Unmarshal(raw, &v)
		return v, err
	case KindFloat:
		var v float64
		err := json.Unmarshal(raw, &v)
		return v, err
	case KindString:
		var v string
		err := json.Unmarshal(raw, &v)
		return v, err
	default:
		return nil, fmt.Errorf("unknown config type %q", kind)
	}
}

// Save 重写所有脏容器
func (s *Store) Save() error {
	for _, filename := range s.order {
		c := s.containers[filename]
		if !c.dirty {
			continue
		}
		raw := make(map[string]persistedEntry, len(c.entries))
		for key, e := range c.entries {
			value, err := json.Marshal(e.value)
			if err != nil {
				return fmt.Errorf("failed to marshal config %s: %w", key, err)
			}
			raw[key] = persistedEntry{Type: e.kind, Value: value}
		}
		data, err := json.Marshal(raw)
		if err != nil {
			return fmt.Errorf("failed to marshal container %s: %w", filename, err)
		}
		if err := s.fs.Write(filename, data); err != nil {
			return fmt.Errorf("failed to save container %s: %w", filename, err)
		}
		c.dirty = false
	}
	return nil
}

// CleanUnused 删除本次启动未声明的条目
func (s *Store) CleanUnused() {
	for _, filename := range s.order {
		c := s.containers[filename]
		kept := c.order[:0]
		for _, key := range c.order {
			if e := c.entries[key]; e != nil && !e.declared {
				delete(c.entries, key)
				c.dirty = true
				continue
			}
			kept = append(kept, key)
		}
		c.order = kept
	}
}

// KeyInfo GetConfiguration视图中的一项
type KeyInfo struct {
	Key      string
	Readonly bool
	Value    string
}

// GetAll 全部配置项，按键排序
func (s *Store) GetAll() []KeyInfo {
	var infos []KeyInfo
	for _, filename := range s.order {
		c := s.containers[filename]
		for _, key := range c.order {
			if e := c.entries[key]; e != nil {
				infos = append(infos, KeyInfo{Key: key, Readonly: e.readonly, Value: formatValue(e.value)})
			}
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

// Get 按键查找配置项
func (s *Store) Get(key string) (KeyInfo, bool) {
	if e := s.lookup(key); e != nil {
		return KeyInfo{Key: key, Readonly: e.readonly, Value: formatValue(e.value)}, true
	}
	return KeyInfo{}, false
}

// SetResult ChangeConfiguration写入结果
type SetResult int

const (
	SetOK SetResult = iota
	SetRebootRequired
	SetUnknownKey
	SetReadonly
	SetInvalid
)

// SetFromString 以字符串形式写入配置项
func (s *Store) SetFromString(key, value string) SetResult {
	e := s.lookup(key)
	if e == nil {
		return SetUnknownKey
	}
	if e.readonly {
		return SetReadonly
	}

	parsed, err := parseValue(e.kind, value)
	if err != nil {
		return SetInvalid
	}
	if parsed != e.value {
		e.value = parsed
		e.revision++
		s.containerOf(e).dirty = true
	}
	if e.rebootRequired {
		return SetRebootRequired
	}
	return SetOK
}

// lookup 跨容器按键查找
func (s *Store) lookup(key string) *entry {
	for _, filename := range s.order {
		if e, ok := s.containers[filename].entries[key]; ok {
			return e
		}
	}
	return nil
}

// containerOf 条目所属容器
func (s *Store) containerOf(e *entry) *Container {
	for _, filename := range s.order {
		if got, ok := s.containers[filename].entries[e.key]; ok && got == e {
			return s.containers[filename]
		}
	}
	return nil
}

// parseValue 按类型名解析字符串值
func parseValue(kind, value string) (interface{}, error) {
	switch kind {
	case KindBool:
		return strconv.ParseBool(value)
	case KindInt:
		v, err := strconv.Atoi(value)
		return v, err
	case KindUInt:
		v, err := strconv.ParseUint(value, 10, 64)
		return uint(v), err
	case KindFloat:
		return strconv.ParseFloat(value, 64)
	case KindString:
		return value, nil
	default:
		return nil, fmt.Errorf("unknown config type %q", kind)
	}
}

// formatValue 配置值的字符串形式
func formatValue(value interface{}) string {
	switch v := value.(type) {
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
