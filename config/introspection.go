package config

import (
	"os"
	"sort"
	"strings"
	"sync"
)

// ConfigSource represents where a configuration value came from
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/batchwatch/config.toml
	SourceUser        ConfigSource = "user"        // ~/.batchwatch/config.toml
	SourceProject     ConfigSource = "project"     // batchwatch.toml found upward
	SourceEnvironment ConfigSource = "environment" // BATCHWATCH_* env vars
)

// SettingInfo contains metadata about a configuration setting
type SettingInfo struct {
	Key        string       `json:"key"`
	Value      interface{}  `json:"value"`
	Source     ConfigSource `json:"source"`
	SourcePath string       `json:"source_path,omitempty"`
}

// SourceInfo tracks where a configuration value originated
type SourceInfo struct {
	Source ConfigSource
	Path   string
}

var (
	sourcesMu sync.Mutex
	sources   = map[string]SourceInfo{}
)

func resetSources() {
	sourcesMu.Lock()
	defer sourcesMu.Unlock()
	sources = map[string]SourceInfo{}
}

// recordSources remembers which file set each leaf key; later files win
func recordSources(settings map[string]interface{}, prefix string, info SourceInfo) {
	sourcesMu.Lock()
	defer sourcesMu.Unlock()
	walkSettings(settings, prefix, func(key string, _ interface{}) {
		sources[key] = info
	})
}

func walkSettings(settings map[string]interface{}, prefix string, fn func(key string, value interface{})) {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := settings[key].(map[string]interface{}); ok {
			walkSettings(nested, fullKey, fn)
			continue
		}
		fn(fullKey, settings[key])
	}
}

// EnvKey returns the environment variable that overrides key
func EnvKey(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Introspect returns every effective setting with the source it came from.
// Secret values are masked.
func Introspect() []SettingInfo {
	v := GetViper()

	sourcesMu.Lock()
	snapshot := make(map[string]SourceInfo, len(sources))
	for k, s := range sources {
		snapshot[k] = s
	}
	sourcesMu.Unlock()

	var out []SettingInfo
	walkSettings(v.AllSettings(), "", func(key string, value interface{}) {
		info := SourceInfo{Source: SourceDefault, Path: "built-in default"}
		if si, ok := snapshot[key]; ok {
			info = si
		}
		if envKey := EnvKey(key); os.Getenv(envKey) != "" {
			info = SourceInfo{Source: SourceEnvironment, Path: envKey}
		}
		if key == "secrets.key" {
			if os.Getenv(EnvPrefix+"_SECRET_KEY") != "" {
				info = SourceInfo{Source: SourceEnvironment, Path: EnvPrefix + "_SECRET_KEY"}
			}
			if s, _ := value.(string); s != "" {
				value = "********"
			}
		}
		out = append(out, SettingInfo{
			Key:        key,
			Value:      value,
			Source:     info.Source,
			SourcePath: info.Path,
		})
	})
	return out
}
