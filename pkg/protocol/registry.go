package protocol

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds an unconfigured handler for one protocol.
type Factory func() Handler

// ErrUnknownProtocol is returned by Create for an unregistered name.
var ErrUnknownProtocol = fmt.Errorf("unknown protocol")

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Well-known protocol names registered by this package.
const (
	HTTPProtocolName = "http/1.1"
	FMPProtocolName  = "fmp/1.0"
)

func init() {
	Register(HTTPProtocolName, func() Handler { return NewHTTPHandler() })
	Register(FMPProtocolName, func() Handler { return NewFMPHandler() })
}

// Register binds a protocol name to a handler factory, replacing any
// previous binding. It is the escape hatch for protocols defined outside
// this package.
func Register(name string, factory Factory) {
	if name == "" || factory == nil {
		panic("protocol: Register requires a name and a factory")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Create instantiates a handler for the named protocol.
func Create(name string) (Handler, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownProtocol, name, Registered())
	}
	return factory(), nil
}

// Registered returns the registered protocol names, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
