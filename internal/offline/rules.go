package offline

import (
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
)

type Strategy int

const (
	// Passthrough forwards the request untouched; nothing is cached.
	Passthrough Strategy = iota
	// NavigationNetworkFirst goes to the network, falls back to a stored
	// copy, and redirects to the offline page when neither is available.
	NavigationNetworkFirst
	// CacheFirst serves a stored response and refreshes it in the
	// background. A miss is handled as NetworkFirst.
	CacheFirst
	// NetworkFirst goes to the network, storing OK responses, and falls back
	// to the stored response, then the offline page.
	NetworkFirst
)

func (s Strategy) String() string {
	switch s {
	case Passthrough:
		return "passthrough"
	case NavigationNetworkFirst:
		return "navigation"
	case CacheFirst:
		return "cache_first"
	case NetworkFirst:
		return "network_first"
	}
	return "unknown"
}

// Request is what a rule looks at.
type Request struct {
	Method string
	URL    *url.URL // absolute
	Header http.Header
}

type Rule struct {
	Name     string
	Match    func(Request) bool
	Strategy Strategy
}

// RouterConfig carries what the default rules match on.
type RouterConfig struct {
	Origin     *url.URL
	DevPattern *regexp.Regexp
	APIPrefix  string
	ScriptPath string
	BuildDir   string
	AllowPaths []string
	StaticExts []string
	NavHeader  string
}

// DefaultRules is the routing table, evaluated top to bottom.
func DefaultRules(cfg RouterConfig) []Rule {
	exts := make(map[string]bool, len(cfg.StaticExts))
	for _, e := range cfg.StaticExts {
		exts[strings.ToLower(e)] = true
	}
	return []Rule{
		{Name: "cross_origin", Strategy: Passthrough, Match: func(r Request) bool {
			return !sameOrigin(r.URL, cfg.Origin)
		}},
		{Name: "dev_tooling", Strategy: Passthrough, Match: func(r Request) bool {
			return cfg.DevPattern != nil && cfg.DevPattern.MatchString(r.URL.Path)
		}},
		{Name: "api", Strategy: Passthrough, Match: func(r Request) bool {
			return cfg.APIPrefix != "" && strings.HasPrefix(r.URL.Path, cfg.APIPrefix)
		}},
		{Name: "worker_script", Strategy: Passthrough, Match: func(r Request) bool {
			return cfg.ScriptPath != "" && r.URL.Path == cfg.ScriptPath
		}},
		{Name: "non_get", Strategy: Passthrough, Match: func(r Request) bool {
			return r.Method != http.MethodGet
		}},
		{Name: "not_allowed", Strategy: Passthrough, Match: func(r Request) bool {
			return !allowed(r.URL.Path, cfg.AllowPaths)
		}},
		{Name: "navigation", Strategy: NavigationNetworkFirst, Match: func(r Request) bool {
			return cfg.NavHeader != "" && r.Header.Get(cfg.NavHeader) != ""
		}},
		{Name: "static_asset", Strategy: CacheFirst, Match: func(r Request) bool {
			if cfg.BuildDir != "" && strings.HasPrefix(r.URL.Path, cfg.BuildDir) {
				return true
			}
			return exts[strings.ToLower(path.Ext(r.URL.Path))]
		}},
		{Name: "default", Strategy: NetworkFirst, Match: func(Request) bool { return true }},
	}
}

func sameOrigin(u, origin *url.URL) bool {
	return strings.EqualFold(u.Scheme, origin.Scheme) && strings.EqualFold(u.Host, origin.Host)
}

// allowed matches path against the allow-list prefixes. "/" only allows the
// root itself, not every path.
func allowed(p string, allow []string) bool {
	for _, a := range allow {
		if a == "/" {
			if p == "/" {
				return true
			}
			continue
		}
		if strings.HasPrefix(p, a) {
			return true
		}
	}
	return false
}

type Router struct {
	rules []Rule
}

func NewRouter(rules []Rule) *Router { return &Router{rules: rules} }

// Decide returns the first matching rule. With no match the request passes
// through.
func (r *Router) Decide(req Request) Rule {
	for _, rule := range r.rules {
		if rule.Match(req) {
			return rule
		}
	}
	return Rule{Name: "unmatched", Strategy: Passthrough}
}
