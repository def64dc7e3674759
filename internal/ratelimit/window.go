package ratelimit

import "time"

// Identity is the counter-store key prefix for a rate-limited caller,
// either "key:<api-key-id>" or "ip:<client-address>".
type Identity string

// KeyIdentity builds the identity for an API key.
func KeyIdentity(apiKeyID string) Identity {
	return Identity("key:" + apiKeyID)
}

// IPIdentity builds the identity for a client address.
func IPIdentity(addr string) Identity {
	return Identity("ip:" + addr)
}

// Window is a fixed counting window: a named duration with a request limit.
type Window struct {
	Name     string
	Suffix   string
	Duration time.Duration
	Limit    int
}

// KeyLimits holds the optional per-granularity limits configured for an
// API key. Zero disables the corresponding window.
type KeyLimits struct {
	PerSecond int
	PerMinute int
	PerHour   int
	PerDay    int
}

func secondWindow(limit int) Window {
	return Window{Name: "second", Suffix: "s", Duration: time.Second, Limit: limit}
}

func minuteWindow(limit int) Window {
	return Window{Name: "minute", Suffix: "m", Duration: time.Minute, Limit: limit}
}

func hourWindow(limit int) Window {
	return Window{Name: "hour", Suffix: "h", Duration: time.Hour, Limit: limit}
}

func dayWindow(limit int) Window {
	return Window{Name: "day", Suffix: "d", Duration: 24 * time.Hour, Limit: limit}
}

// KeyWindows builds the windows for an API key from its configured limits,
// ordered smallest granularity first. Granularities without a positive
// limit are omitted entirely.
func KeyWindows(limits KeyLimits) []Window {
	var windows []Window
	if limits.PerSecond > 0 {
		windows = append(windows, secondWindow(limits.PerSecond))
	}
	if limits.PerMinute > 0 {
		windows = append(windows, minuteWindow(limits.PerMinute))
	}
	if limits.PerHour > 0 {
		windows = append(windows, hourWindow(limits.PerHour))
	}
	if limits.PerDay > 0 {
		windows = append(windows, dayWindow(limits.PerDay))
	}
	return windows
}

// IPWindows builds the fixed per-IP baseline windows from global
// configuration: always second and minute, independent of key settings.
func IPWindows(perSecond, perMinute int) []Window {
	return []Window{secondWindow(perSecond), minuteWindow(perMinute)}
}
