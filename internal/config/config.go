// Package config holds the fixed parameters of the diagnostic and the
// few environment overrides it accepts.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
)

const (
	// ElementCount is both the number of buffer slots and the number of
	// vertex invocations. Every size and count in the test derives from it.
	ElementCount = 8

	// Sentinel is the initial value of every slot. It is never a valid
	// invocation index.
	Sentinel int32 = -1

	WindowTitle  = "unpack"
	WindowX      = 0
	WindowY      = 0
	WindowWidth  = 800
	WindowHeight = 400

	ApplicationName = "unpack"
	ValidationLayer = "VK_LAYER_KHRONOS_validation"
)

type DiagnosticsMode string

const (
	DiagnosticsAuto     DiagnosticsMode = "auto"
	DiagnosticsCallback DiagnosticsMode = "callback"
	DiagnosticsPoll     DiagnosticsMode = "poll"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
	SeverityVerbose Severity = "verbose"
)

const (
	EnvLogLevel      = "UNPACK_LOG_LEVEL"
	EnvDiagnostics   = "UNPACK_DIAGNOSTICS"
	EnvDevice        = "UNPACK_DEVICE"
	EnvReport        = "UNPACK_REPORT"
	EnvDebugSeverity = "UNPACK_DEBUG_SEVERITY"
	EnvClearColor    = "UNPACK_CLEAR_COLOR"
)

type Config struct {
	LogLevel    string
	Diagnostics DiagnosticsMode
	// DeviceIndex selects a physical device by enumeration order; -1 picks
	// the first suitable one.
	DeviceIndex   int
	Report        bool
	DebugSeverity Severity
	// ClearColor fills the idle window, as r,g,b,a in [0, 1].
	ClearColor mgl32.Vec4
}

func Default() Config {
	return Config{
		LogLevel:      "warn",
		Diagnostics:   DiagnosticsAuto,
		DeviceIndex:   -1,
		DebugSeverity: SeverityWarning,
		ClearColor:    mgl32.Vec4{0, 0, 0, 1},
	}
}

// FromEnv returns the default configuration with overrides read from the
// process environment.
func FromEnv() (Config, error) {
	return Load(os.LookupEnv)
}

func Load(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if v, ok := lookup(EnvDiagnostics); ok && v != "" {
		mode := DiagnosticsMode(strings.ToLower(v))
		switch mode {
		case DiagnosticsAuto, DiagnosticsCallback, DiagnosticsPoll:
			cfg.Diagnostics = mode
		default:
			return cfg, errors.Newf("%s: unknown diagnostics mode %q", EnvDiagnostics, v)
		}
	}

	if v, ok := lookup(EnvDevice); ok && v != "" {
		index, err := strconv.Atoi(v)
		if err != nil {
			return cfg, errors.Wrapf(err, "%s", EnvDevice)
		}
		if index < 0 {
			return cfg, errors.Newf("%s: device index must not be negative, got %d", EnvDevice, index)
		}
		cfg.DeviceIndex = index
	}

	if v, ok := lookup(EnvReport); ok && v != "" {
		report, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, errors.Wrapf(err, "%s", EnvReport)
		}
		cfg.Report = report
	}

	if v, ok := lookup(EnvDebugSeverity); ok && v != "" {
		severity := Severity(strings.ToLower(v))
		switch severity {
		case SeverityError, SeverityWarning, SeverityInfo, SeverityVerbose:
			cfg.DebugSeverity = severity
		default:
			return cfg, errors.Newf("%s: unknown severity %q", EnvDebugSeverity, v)
		}
	}

	if v, ok := lookup(EnvClearColor); ok && v != "" {
		color, err := parseColor(v)
		if err != nil {
			return cfg, errors.Wrapf(err, "%s", EnvClearColor)
		}
		cfg.ClearColor = color
	}

	return cfg, nil
}

// parseColor reads "r,g,b" or "r,g,b,a". Alpha defaults to 1.
func parseColor(v string) (mgl32.Vec4, error) {
	color := mgl32.Vec4{0, 0, 0, 1}

	parts := strings.Split(v, ",")
	if len(parts) != 3 && len(parts) != 4 {
		return color, errors.Newf("want 3 or 4 comma separated components, got %d", len(parts))
	}

	for i, part := range parts {
		c, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return color, errors.Wrapf(err, "component %d", i)
		}
		if c < 0 || c > 1 {
			return color, errors.Newf("component %d out of range [0, 1]: %v", i, c)
		}
		color[i] = float32(c)
	}
	return color, nil
}
