package configstore

import (
	"fmt"
)

// Config 一个已声明配置项的类型化句柄
type Config[T Scalar] struct {
	e *entry
	c *Container
}

// Get 当前值
func (h *Config[T]) Get() T {
	return h.e.value.(T)
}

// Set 写入新值，值变化时提升修订号
func (h *Config[T]) Set(v T) {
	if h.e.value.(T) == v {
		return
	}
	h.e.value = v
	h.e.revision++
	h.c.dirty = true
}

// Key 配置键
func (h *Config[T]) Key() string {
	return h.e.key
}

// Revision 修订号，观察者据此检测变化
func (h *Config[T]) Revision() uint32 {
	return h.e.revision
}

// DeclareOption 声明选项
type DeclareOption func(*declareOpts)

type declareOpts struct {
	container      string
	readonly       bool
	rebootRequired bool
}

// InContainer 指定容器文件
func InContainer(filename string) DeclareOption {
	return func(o *declareOpts) { o.container = filename }
}

// Readonly 声明为只读
func Readonly() DeclareOption {
	return func(o *declareOpts) { o.readonly = true }
}

// RebootRequired 声明写入后需重启生效
func RebootRequired() DeclareOption {
	return func(o *declareOpts) { o.rebootRequired = true }
}

// Declare 声明一个配置项并返回类型化句柄
//
// 同键同类型的重复声明返回同一条目，幂等。键已存在但类型
// 不同时报错。
func Declare[T Scalar](s *Store, key string, def T, options ...DeclareOption) (*Config[T], error) {
	opts := declareOpts{container: DefaultContainer}
	for _, opt := range options {
		opt(&opts)
	}

	kind := kindOf(def)
	c := s.container(opts.container)

	if e, ok := c.entries[key]; ok {
		if e.kind != kind {
			return nil, fmt.Errorf("config %s already declared as %s, requested %s", key, e.kind, kind)
		}
		e.declared = true
		e.readonly = opts.readonly
		e.rebootRequired = opts.rebootRequired
		return &Config[T]{e: e, c: c}, nil
	}

	e := &entry{
		key:            key,
		kind:           kind,
		value:          def,
		readonly:       opts.readonly,
		rebootRequired: opts.rebootRequired,
		declared:       true,
	}
	c.entries[key] = e
	c.order = append(c.order, key)
	c.dirty = true
	return &Config[T]{e: e, c: c}, nil
}

// kindOf 值类型对应的类型名
func kindOf(v interface{}) string {
	switch v.(type) {
	case bool:
		return KindBool
	case int:
		return KindInt
	case uint:
		return KindUInt
	case float64:
		return KindFloat
	case string:
		return KindString
	default:
		return ""
	}
}
