package cache

import "fmt"

// Options holds the knobs needed to build any supported Store.
type Options struct {
	RedisAddr string
	Prefix    string
}

// Build constructs a Store for the named adapter: "memory" (default) or
// "redis". Mirrors the teacher's BuildPersister adapter-by-name factory.
func Build(adapter string, opts Options) (Store, error) {
	switch adapter {
	case "", "memory":
		return NewMemoryStore(nil), nil
	case "redis":
		if opts.RedisAddr == "" {
			return nil, fmt.Errorf("cache: redis adapter requires RedisAddr")
		}
		prefix := opts.Prefix
		if prefix == "" {
			prefix = "politefetch"
		}
		return NewRedisStore(opts.RedisAddr, prefix), nil
	default:
		return nil, fmt.Errorf("cache: unknown adapter %q", adapter)
	}
}
