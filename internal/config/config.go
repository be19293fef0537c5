// Package config implements the runtime configuration record (spec §4.9,
// C10): a read-mostly struct populated from boot-time key/value pairs
// (what a parsed kernel command line or YAML blob would hand the core),
// validated field-by-field with fallback to a safe default plus a warning
// for anything out of range, never a hard failure.
//
// Grounded on gravwell-gravwell/config's loadDefaults/Validate idiom:
// sentinel errors for genuinely invalid input, defaults applied silently
// (here, recorded as a Warning instead) for soft out-of-range values. The
// YAML/command-line parsing itself is out of scope (spec §1); Load accepts
// the already-parsed map a loader would have produced.
package config

import (
	"fmt"
	"strconv"
	"sync"
)

// SchedulerPolicy enumerates the scheduler implementations spec §4.9 names.
// Only SchedulerPriority is actually implemented by internal/sched; fifo
// and rr are accepted and stored without a warning, but internal/sched does
// not read this field and always schedules by priority.
type SchedulerPolicy string

const (
	SchedulerFIFO     SchedulerPolicy = "fifo"
	SchedulerRR       SchedulerPolicy = "rr"
	SchedulerPriority SchedulerPolicy = "priority"
)

// LogLevel mirrors the console filter spec §4.9 describes, reusing
// logrus's level vocabulary since that is what internal/audit and the rest
// of the core log through.
type LogLevel string

const (
	LogPanic LogLevel = "panic"
	LogFatal LogLevel = "fatal"
	LogError LogLevel = "error"
	LogWarn  LogLevel = "warn"
	LogInfo  LogLevel = "info"
	LogDebug LogLevel = "debug"
	LogTrace LogLevel = "trace"
)

func validLogLevel(l LogLevel) bool {
	switch l {
	case LogPanic, LogFatal, LogError, LogWarn, LogInfo, LogDebug, LogTrace:
		return true
	}
	return false
}

func validSchedulerPolicy(p SchedulerPolicy) bool {
	switch p {
	case SchedulerFIFO, SchedulerRR, SchedulerPriority:
		return true
	}
	return false
}

// Defaults, applied whenever a key is absent or its value fails
// validation.
const (
	DefaultLogLevel       = LogInfo
	DefaultSchedulerPolicy = SchedulerPriority
	DefaultTimeSliceMs    = uint32(10)
	DefaultMaxThreads     = uint32(256)
	DefaultMaxDomains     = uint32(64)
	DefaultMaxCapabilities = uint32(4096)
	DefaultMaxIRQs        = uint32(64)
	DefaultEnableAudit    = true
	DefaultEnableKASLR    = true
	DefaultEnableSMEP     = true
	DefaultEnableSMAP     = true
	DefaultSerialBaud     = uint32(115200)

	minTimeSliceMs = 1
	maxTimeSliceMs = 1000
	minTableSize   = 1
	maxTableSize   = 1 << 20
	minSerialBaud  = 1200
	maxSerialBaud  = 4000000
)

// Config is the validated, read-mostly boot-time configuration (spec
// §4.9).
type Config struct {
	LogLevel         LogLevel
	SchedulerPolicy  SchedulerPolicy
	TimeSliceMs      uint32
	MaxThreads       uint32
	MaxDomains       uint32
	MaxCapabilities  uint32
	MaxIRQs          uint32
	EnableAudit      bool
	EnableKASLR      bool
	EnableSMEP       bool
	EnableSMAP       bool
	SerialBaud       uint32

	mu        sync.Mutex
	callbacks map[string][]func(Config)
}

// Warning records one field that fell back to its default because the
// supplied value was out of range or malformed.
type Warning struct {
	Field   string
	Value   string
	Default string
	Reason  string
}

func (w Warning) String() string {
	return fmt.Sprintf("config: %s=%q invalid (%s), using default %s", w.Field, w.Value, w.Reason, w.Default)
}

func defaults() *Config {
	return &Config{
		LogLevel:        DefaultLogLevel,
		SchedulerPolicy: DefaultSchedulerPolicy,
		TimeSliceMs:     DefaultTimeSliceMs,
		MaxThreads:      DefaultMaxThreads,
		MaxDomains:      DefaultMaxDomains,
		MaxCapabilities: DefaultMaxCapabilities,
		MaxIRQs:         DefaultMaxIRQs,
		EnableAudit:     DefaultEnableAudit,
		EnableKASLR:     DefaultEnableKASLR,
		EnableSMEP:      DefaultEnableSMEP,
		EnableSMAP:      DefaultEnableSMAP,
		SerialBaud:      DefaultSerialBaud,
		callbacks:       make(map[string][]func(Config)),
	}
}

// Load builds a Config from pre-parsed key/value pairs, recognizing the
// spec §4.9 option set (log_level, scheduler_policy, time_slice_ms,
// max_threads, max_domains, max_capabilities, max_irqs, enable_audit,
// enable_kaslr, enable_smep, enable_smap, serial_baud). Unrecognized keys
// are ignored. Every recognized key that is present but fails validation
// falls back to its default and appends a Warning; Load never returns an
// error, since every field has a default.
func Load(raw map[string]string) (*Config, []Warning) {
	c := defaults()
	var warnings []Warning

	if v, ok := raw["log_level"]; ok {
		lvl := LogLevel(v)
		if validLogLevel(lvl) {
			c.LogLevel = lvl
		} else {
			warnings = append(warnings, Warning{"log_level", v, string(DefaultLogLevel), "unrecognized level"})
		}
	}

	if v, ok := raw["scheduler_policy"]; ok {
		pol := SchedulerPolicy(v)
		if validSchedulerPolicy(pol) {
			c.SchedulerPolicy = pol
		} else {
			warnings = append(warnings, Warning{"scheduler_policy", v, string(DefaultSchedulerPolicy), "unrecognized policy"})
		}
	}

	loadUintField(raw, "time_slice_ms", minTimeSliceMs, maxTimeSliceMs, DefaultTimeSliceMs, &c.TimeSliceMs, &warnings)
	loadUintField(raw, "max_threads", minTableSize, maxTableSize, DefaultMaxThreads, &c.MaxThreads, &warnings)
	loadUintField(raw, "max_domains", minTableSize, maxTableSize, DefaultMaxDomains, &c.MaxDomains, &warnings)
	loadUintField(raw, "max_capabilities", minTableSize, maxTableSize, DefaultMaxCapabilities, &c.MaxCapabilities, &warnings)
	loadUintField(raw, "max_irqs", minTableSize, maxTableSize, DefaultMaxIRQs, &c.MaxIRQs, &warnings)
	loadUintField(raw, "serial_baud", minSerialBaud, maxSerialBaud, DefaultSerialBaud, &c.SerialBaud, &warnings)

	loadBoolField(raw, "enable_audit", DefaultEnableAudit, &c.EnableAudit, &warnings)
	loadBoolField(raw, "enable_kaslr", DefaultEnableKASLR, &c.EnableKASLR, &warnings)
	loadBoolField(raw, "enable_smep", DefaultEnableSMEP, &c.EnableSMEP, &warnings)
	loadBoolField(raw, "enable_smap", DefaultEnableSMAP, &c.EnableSMAP, &warnings)

	return c, warnings
}

func loadUintField(raw map[string]string, key string, min, max, def uint32, dst *uint32, warnings *[]Warning) {
	v, ok := raw[key]
	if !ok {
		return
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil || uint32(n) < min || uint32(n) > max {
		*warnings = append(*warnings, Warning{key, v, strconv.FormatUint(uint64(def), 10), fmt.Sprintf("must be in [%d,%d]", min, max)})
		return
	}
	*dst = uint32(n)
}

func loadBoolField(raw map[string]string, key string, def bool, dst *bool, warnings *[]Warning) {
	v, ok := raw[key]
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*warnings = append(*warnings, Warning{key, v, strconv.FormatBool(def), "must be a boolean"})
		return
	}
	*dst = b
}

// OnChange registers fn to be invoked whenever Reconfigure applies a new
// value for field (one of the recognized key names Load accepts). Mirrors
// the getter-over-validated-field shape gravwell's config exposes, turned
// into a notification instead of a plain read, since the core's kernel
// state needs to react when e.g. time_slice_ms changes underneath it.
func (c *Config) OnChange(field string, fn func(Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callbacks == nil {
		c.callbacks = make(map[string][]func(Config))
	}
	c.callbacks[field] = append(c.callbacks[field], fn)
}

// notify invokes every callback registered for field with the current
// (already-updated) configuration snapshot.
func (c *Config) notify(field string) {
	c.mu.Lock()
	fns := append([]func(Config){}, c.callbacks[field]...)
	snapshot := Config{
		LogLevel:        c.LogLevel,
		SchedulerPolicy: c.SchedulerPolicy,
		TimeSliceMs:     c.TimeSliceMs,
		MaxThreads:      c.MaxThreads,
		MaxDomains:      c.MaxDomains,
		MaxCapabilities: c.MaxCapabilities,
		MaxIRQs:         c.MaxIRQs,
		EnableAudit:     c.EnableAudit,
		EnableKASLR:     c.EnableKASLR,
		EnableSMEP:      c.EnableSMEP,
		EnableSMAP:      c.EnableSMAP,
		SerialBaud:      c.SerialBaud,
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(snapshot)
	}
}

// Apply validates and merges a single updated key/value pair into c,
// invoking any OnChange callbacks registered for that field once the new
// value has taken effect. Used for live reconfiguration (kernel.Reconfigure)
// rather than boot-time Load.
func (c *Config) Apply(key, value string) []Warning {
	raw := map[string]string{key: value}
	next, warnings := Load(raw)

	c.mu.Lock()
	switch key {
	case "log_level":
		if _, present := raw[key]; present && len(warnings) == 0 {
			c.LogLevel = next.LogLevel
		}
	case "scheduler_policy":
		if len(warnings) == 0 {
			c.SchedulerPolicy = next.SchedulerPolicy
		}
	case "time_slice_ms":
		if len(warnings) == 0 {
			c.TimeSliceMs = next.TimeSliceMs
		}
	case "max_threads":
		if len(warnings) == 0 {
			c.MaxThreads = next.MaxThreads
		}
	case "max_domains":
		if len(warnings) == 0 {
			c.MaxDomains = next.MaxDomains
		}
	case "max_capabilities":
		if len(warnings) == 0 {
			c.MaxCapabilities = next.MaxCapabilities
		}
	case "max_irqs":
		if len(warnings) == 0 {
			c.MaxIRQs = next.MaxIRQs
		}
	case "enable_audit":
		if len(warnings) == 0 {
			c.EnableAudit = next.EnableAudit
		}
	case "enable_kaslr":
		if len(warnings) == 0 {
			c.EnableKASLR = next.EnableKASLR
		}
	case "enable_smep":
		if len(warnings) == 0 {
			c.EnableSMEP = next.EnableSMEP
		}
	case "enable_smap":
		if len(warnings) == 0 {
			c.EnableSMAP = next.EnableSMAP
		}
	case "serial_baud":
		if len(warnings) == 0 {
			c.SerialBaud = next.SerialBaud
		}
	}
	c.mu.Unlock()

	if len(warnings) == 0 {
		c.notify(key)
	}
	return warnings
}
