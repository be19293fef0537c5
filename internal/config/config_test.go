package config

import "testing"

func TestLoadAppliesRecognizedValues(t *testing.T) {
	c, warnings := Load(map[string]string{
		"log_level":         "debug",
		"scheduler_policy":  "priority",
		"time_slice_ms":     "20",
		"max_threads":       "512",
		"enable_audit":      "false",
		"serial_baud":       "9600",
	})
	if len(warnings) != 0 {
		t.Fatalf("warnings = %v, want none", warnings)
	}
	if c.LogLevel != LogDebug {
		t.Errorf("LogLevel = %v, want debug", c.LogLevel)
	}
	if c.TimeSliceMs != 20 {
		t.Errorf("TimeSliceMs = %d, want 20", c.TimeSliceMs)
	}
	if c.MaxThreads != 512 {
		t.Errorf("MaxThreads = %d, want 512", c.MaxThreads)
	}
	if c.EnableAudit {
		t.Errorf("EnableAudit = true, want false")
	}
	if c.SerialBaud != 9600 {
		t.Errorf("SerialBaud = %d, want 9600", c.SerialBaud)
	}
}

func TestLoadFallsBackToDefaultsWithWarnings(t *testing.T) {
	c, warnings := Load(map[string]string{
		"log_level":        "verbose", // not a recognized level
		"scheduler_policy": "round-robin-ish",
		"time_slice_ms":    "0", // below minTimeSliceMs
		"serial_baud":      "not-a-number",
	})
	if len(warnings) != 4 {
		t.Fatalf("warnings = %d, want 4: %v", len(warnings), warnings)
	}
	if c.LogLevel != DefaultLogLevel {
		t.Errorf("LogLevel = %v, want default %v", c.LogLevel, DefaultLogLevel)
	}
	if c.SchedulerPolicy != DefaultSchedulerPolicy {
		t.Errorf("SchedulerPolicy = %v, want default %v", c.SchedulerPolicy, DefaultSchedulerPolicy)
	}
	if c.TimeSliceMs != DefaultTimeSliceMs {
		t.Errorf("TimeSliceMs = %d, want default %d", c.TimeSliceMs, DefaultTimeSliceMs)
	}
	if c.SerialBaud != DefaultSerialBaud {
		t.Errorf("SerialBaud = %d, want default %d", c.SerialBaud, DefaultSerialBaud)
	}
}

func TestLoadWithNoKeysIsAllDefaults(t *testing.T) {
	c, warnings := Load(nil)
	if len(warnings) != 0 {
		t.Fatalf("warnings = %v, want none", warnings)
	}
	want := defaults()
	if c.LogLevel != want.LogLevel || c.SchedulerPolicy != want.SchedulerPolicy ||
		c.TimeSliceMs != want.TimeSliceMs || c.MaxThreads != want.MaxThreads ||
		c.SerialBaud != want.SerialBaud {
		t.Fatalf("Load(nil) = %+v, want all-defaults", c)
	}
}

func TestApplyInvalidValueLeavesFieldUnchangedAndWarns(t *testing.T) {
	c, _ := Load(nil)
	before := c.TimeSliceMs
	warnings := c.Apply("time_slice_ms", "99999")
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want 1", warnings)
	}
	if c.TimeSliceMs != before {
		t.Errorf("TimeSliceMs = %d, want unchanged %d", c.TimeSliceMs, before)
	}
}

func TestApplyNotifiesRegisteredCallback(t *testing.T) {
	c, _ := Load(nil)
	var got uint32
	calls := 0
	c.OnChange("time_slice_ms", func(snap Config) {
		calls++
		got = snap.TimeSliceMs
	})
	if warnings := c.Apply("time_slice_ms", "50"); len(warnings) != 0 {
		t.Fatalf("Apply warnings = %v, want none", warnings)
	}
	if calls != 1 {
		t.Fatalf("callback invocations = %d, want 1", calls)
	}
	if got != 50 {
		t.Fatalf("callback saw TimeSliceMs = %d, want 50", got)
	}
	if c.TimeSliceMs != 50 {
		t.Fatalf("c.TimeSliceMs = %d, want 50", c.TimeSliceMs)
	}
}

func TestApplyDoesNotNotifyOnRejectedValue(t *testing.T) {
	c, _ := Load(nil)
	calls := 0
	c.OnChange("max_threads", func(Config) { calls++ })
	c.Apply("max_threads", "not-a-number")
	if calls != 0 {
		t.Fatalf("callback invocations = %d, want 0 for a rejected value", calls)
	}
}
