// Command kernel boots the trusted core: parse configuration, bring up
// every subsystem, register the initial memory region, and create the
// root domain. This mirrors the staged bring-up in the teacher's
// kernelMainBody (UART, then MMU, then device tree, each stage logged as
// a breadcrumb before the next begins) — the hosted build swaps raw
// uartPuts calls for structured logrus lines and a real HAL for simhal,
// since the actual HAL (and its bootloader handoff) is out of scope here
// (spec §1).
package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/iansmith/mazarin-core/internal/config"
	"github.com/iansmith/mazarin-core/internal/domain"
	"github.com/iansmith/mazarin-core/internal/hal/simhal"
	"github.com/iansmith/mazarin-core/internal/kernel"
)

// bootMemoryBase and bootFrameCount describe the memory region a real
// bootloader handoff would have reported; hardcoded here since parsing
// that handoff structure is out of scope (spec §1).
const (
	bootMemoryBase  = uintptr(0x40000000)
	bootFrameCount  = uint64(16384) // 64 MiB at the 4 KiB frame size
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, warnings := config.Load(bootOptions())
	for _, w := range warnings {
		logger.Warn(w.String())
	}

	logger.Info("stage 0: HAL attach")
	hw := simhal.New()

	logger.Info("stage 1: subsystem wiring")
	k := kernel.New(hw, cfg, logger)

	logger.Info("stage 2: physical memory bring-up")
	if err := k.Boot(bootMemoryBase, bootFrameCount); err != nil {
		logger.WithError(err).Fatal("boot: failed to register initial memory region")
	}

	logger.Info("stage 3: root domain creation")
	var rootDomain uint32
	var err error
	k.Critical(func() {
		rootDomain, err = k.Domains.Create(0, domain.Quota{
			MaxThreads:      cfg.MaxThreads,
			MaxCapabilities: cfg.MaxCapabilities,
			MaxFrames:       uint32(bootFrameCount),
			MaxIRQs:         cfg.MaxIRQs,
		})
	})
	if err != nil {
		logger.WithError(err).Fatal("boot: failed to create root domain")
	}
	if err := k.Domains.Activate(rootDomain); err != nil {
		logger.WithError(err).Fatal("boot: failed to activate root domain")
	}

	logger.WithField("domain", rootDomain).Info("boot complete, root domain running")
}

// bootOptions stands in for the kernel-command-line/YAML parse spec §4.9
// describes as out of scope; it reads the handful of options as
// environment variables so the binary is exercisable without a real
// bootloader-supplied blob.
func bootOptions() map[string]string {
	opts := make(map[string]string)
	for _, key := range []string{
		"log_level", "scheduler_policy", "time_slice_ms",
		"max_threads", "max_domains", "max_capabilities", "max_irqs",
		"enable_audit", "enable_kaslr", "enable_smep", "enable_smap",
		"serial_baud",
	} {
		if v, ok := os.LookupEnv("MAZARIN_" + key); ok {
			opts[key] = v
		}
	}
	return opts
}
