package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Descriptor 记录一个策略的静态信息，供 /-/policies 诊断端使用。
type Descriptor struct {
	Policy      Policy    `json:"policy"`
	Description string    `json:"description"`
	Store       StoreRole `json:"store"`
	// Fabricates 为 true 表示该策略在未命中时可以合成响应。
	Fabricates bool `json:"fabricates"`
}

var globalRegistry = newRegistry()

func init() {
	globalRegistry.mustRegister(Descriptor{
		Policy:      NetworkFirst,
		Description: "network first, falls back to the API store when the network fails",
		Store:       StoreRoleAPI,
	})
	globalRegistry.mustRegister(Descriptor{
		Policy:      CacheFirst,
		Description: "shell store first, populates the store from same-origin network responses",
		Store:       StoreRoleShell,
	})
	globalRegistry.mustRegister(Descriptor{
		Policy:      CacheOnlyPlaceholder,
		Description: "content store only, answers a JSON placeholder on miss",
		Store:       StoreRoleContent,
		Fabricates:  true,
	})
}

type registry struct {
	mu          sync.RWMutex
	descriptors map[Policy]Descriptor
}

func newRegistry() *registry {
	return &registry{descriptors: make(map[Policy]Descriptor)}
}

// Register 将策略描述加入全局注册表，重复键会返回错误。
func Register(desc Descriptor) error {
	return globalRegistry.register(desc)
}

// Resolve 返回指定策略的描述。
func Resolve(p Policy) (Descriptor, bool) {
	return globalRegistry.resolve(p)
}

// List 返回按策略名排序的描述列表。
func List() []Descriptor {
	return globalRegistry.list()
}

func normalizeKey(p Policy) Policy {
	return Policy(strings.ToLower(strings.TrimSpace(string(p))))
}

func (r *registry) register(desc Descriptor) error {
	key := normalizeKey(desc.Policy)
	if key == "" {
		return fmt.Errorf("policy key is required")
	}
	desc.Policy = key

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.descriptors[key]; exists {
		return fmt.Errorf("policy %s already registered", key)
	}
	r.descriptors[key] = desc
	return nil
}

func (r *registry) mustRegister(desc Descriptor) {
	if err := r.register(desc); err != nil {
		panic(err)
	}
}

func (r *registry) resolve(p Policy) (Descriptor, bool) {
	if p == "" {
		return Descriptor{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.descriptors[normalizeKey(p)]
	return desc, ok
}

func (r *registry) list() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.descriptors) == 0 {
		return nil
	}
	keys := make([]string, 0, len(r.descriptors))
	for key := range r.descriptors {
		keys = append(keys, string(key))
	}
	sort.Strings(keys)

	result := make([]Descriptor, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.descriptors[Policy(key)])
	}
	return result
}
