package action

import (
	"encoding/json"
	"reflect"
	"runtime"
	"strings"
	"sync"
)

// Info describes one registry entry.
type Info struct {
	Name        string
	Description string
	Usage       Usage
	ReturnValue string
	Handler     Handler
	// HandlerName is how the handler is rendered in trace dumps.
	// Derived from the function when empty.
	HandlerName string
	LowLevel    bool
}

// MarshalJSON renders the handler by name.
func (i Info) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Usage       Usage  `json:"usage"`
		ReturnValue string `json:"return_value"`
		Function    string `json:"function"`
		IsLowLevel  bool   `json:"is_low_level"`
	}{
		Name:        i.Name,
		Description: i.Description,
		Usage:       i.Usage,
		ReturnValue: i.ReturnValue,
		Function:    i.HandlerName,
		IsLowLevel:  i.LowLevel,
	})
}

// InvalidInputMessage is the observation returned when the action input does
// not match the usage schema.
func (i Info) InvalidInputMessage() string {
	return "The action input for " + i.Name + " needs to be a valid json with proper entries. " +
		"You may have missed the comma between entries. Please use the correct format and try again:\n" +
		i.Usage.Block()
}

// Schema is the part of an entry exposed to prompt builders and response
// parsers. Field names are part of that contract.
type Schema struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Usage       Usage  `json:"usage"`
	ReturnValue string `json:"return_value"`
}

// Registry is the static capability table. It is populated at startup and
// frozen before the first dispatch.
type Registry struct {
	mu     sync.RWMutex
	infos  map[string]Info
	order  []string
	frozen bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{infos: make(map[string]Info)}
}

// Register adds an entry. Duplicate names, empty names, nil handlers and
// registration after Freeze are configuration errors and panic.
func (r *Registry) Register(info Info) {
	if info.Name == "" {
		panic("action registration without a name")
	}
	if info.Handler == nil {
		panic("action registration without a handler: " + info.Name)
	}
	if info.HandlerName == "" {
		info.HandlerName = funcName(info.Handler)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic("action registration after freeze: " + info.Name)
	}
	if _, exists := r.infos[info.Name]; exists {
		panic("duplicate action registration: " + info.Name)
	}
	r.infos[info.Name] = info
	r.order = append(r.order, info.Name)
}

// Freeze forbids further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the entry for name.
func (r *Registry) Lookup(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.infos[name]
	return info, ok
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Names returns all action names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// All returns every entry in registration order.
func (r *Registry) All() []Info {
	return r.filter(func(Info) bool { return true })
}

// LowLevel returns the direct file/process primitives.
func (r *Registry) LowLevel() []Info {
	return r.filter(func(i Info) bool { return i.LowLevel })
}

// HighLevel returns the composite actions.
func (r *Registry) HighLevel() []Info {
	return r.filter(func(i Info) bool { return !i.LowLevel })
}

// Schema returns the prompt-facing description of every entry.
func (r *Registry) Schema() []Schema {
	return SchemaOf(r.All())
}

// SchemaOf converts entries to their prompt-facing description.
func SchemaOf(infos []Info) []Schema {
	out := make([]Schema, len(infos))
	for i, info := range infos {
		out[i] = Schema{
			Name:        info.Name,
			Description: info.Description,
			Usage:       info.Usage,
			ReturnValue: info.ReturnValue,
		}
	}
	return out
}

func (r *Registry) filter(keep func(Info) bool) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.order))
	for _, name := range r.order {
		if info := r.infos[name]; keep(info) {
			out = append(out, info)
		}
	}
	return out
}

func funcName(h Handler) string {
	fn := runtime.FuncForPC(reflect.ValueOf(h).Pointer())
	if fn == nil {
		return "handler"
	}
	name := fn.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}
