package state

import "fmt"

// Open returns the backend named by kind: memory, pebble or badger.
func Open(kind, dir string) (Store, error) {
	switch kind {
	case "", "pebble":
		return NewPebbleStore(dir)
	case "badger":
		return NewBadgerStore(dir)
	case "memory":
		return NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", kind)
	}
}
