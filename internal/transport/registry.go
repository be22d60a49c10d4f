package transport

import (
	"fmt"
	"sort"
	"sync"
)

var (
	dialersMu sync.RWMutex
	dialers   = map[string]Dialer{}
)

// RegisterDialer makes a network client implementation available under a
// name, typically from an implementation package's init. Registering the
// same name twice panics, like database/sql drivers.
func RegisterDialer(name string, d Dialer) {
	dialersMu.Lock()
	defer dialersMu.Unlock()
	if d == nil {
		panic("transport: RegisterDialer with nil dialer")
	}
	if _, dup := dialers[name]; dup {
		panic("transport: RegisterDialer called twice for " + name)
	}
	dialers[name] = d
}

// LookupDialer returns the named dialer. With an empty name and exactly
// one registration, that one is returned.
func LookupDialer(name string) (Dialer, error) {
	dialersMu.RLock()
	defer dialersMu.RUnlock()
	if name == "" {
		if len(dialers) == 1 {
			for _, d := range dialers {
				return d, nil
			}
		}
		return nil, fmt.Errorf("transport: %d dialers registered, name required", len(dialers))
	}
	d, ok := dialers[name]
	if !ok {
		names := make([]string, 0, len(dialers))
		for n := range dialers {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("transport: unknown dialer %q (registered: %v)", name, names)
	}
	return d, nil
}

// DialerNames lists registered dialer names, sorted.
func DialerNames() []string {
	dialersMu.RLock()
	defer dialersMu.RUnlock()
	names := make([]string, 0, len(dialers))
	for name := range dialers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
