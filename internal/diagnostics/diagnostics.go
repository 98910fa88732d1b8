// Package diagnostics reports what the driver says about the calls the
// runner makes. Callback mode forwards validation messages as they are
// emitted; poll mode inspects the result code after each checked call.
package diagnostics

import (
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/ext_debug_utils"
	"go.uber.org/zap"

	"github.com/vkngwrapper/unpack/internal/config"
)

type Mode string

const (
	Callback Mode = "callback"
	Poll     Mode = "poll"
)

type Diagnostics interface {
	Mode() Mode
	// ConfigureInstance adds the layers, extensions and chained structures
	// the mode needs before the instance is created.
	ConfigureInstance(options *core1_0.InstanceCreateInfo)
	// Attach runs once the instance exists.
	Attach(instance core1_0.CoreInstanceDriver) error
	// Check reports res if the mode reports result codes.
	Check(op string, res common.VkResult)
	Close()
}

// Available describes what the loader offers for callback mode.
type Available struct {
	ValidationLayer bool
	DebugUtils      bool
}

// Select resolves the configured mode against what the platform offers.
// A callback request that cannot be honoured falls back to polling.
func Select(requested config.DiagnosticsMode, available Available) (Mode, error) {
	supported := available.ValidationLayer && available.DebugUtils

	switch requested {
	case config.DiagnosticsAuto, "":
		if supported {
			return Callback, nil
		}
		return Poll, nil
	case config.DiagnosticsCallback:
		if supported {
			return Callback, nil
		}
		return Poll, errors.Newf("callback diagnostics unavailable (validation layer: %t, %s: %t)",
			available.ValidationLayer, ext_debug_utils.ExtensionName, available.DebugUtils)
	case config.DiagnosticsPoll:
		return Poll, nil
	default:
		return Poll, errors.Newf("unknown diagnostics mode %q", requested)
	}
}

func New(mode Mode, out io.Writer, severity config.Severity, log *zap.Logger) Diagnostics {
	if mode == Callback {
		return &callbackDiagnostics{out: out, severity: severity, log: log}
	}
	return &pollDiagnostics{out: out, log: log}
}

type callbackDiagnostics struct {
	out      io.Writer
	severity config.Severity
	log      *zap.Logger

	driver    ext_debug_utils.ExtensionDriver
	messenger ext_debug_utils.DebugUtilsMessenger
}

func (d *callbackDiagnostics) Mode() Mode { return Callback }

func (d *callbackDiagnostics) messengerOptions() ext_debug_utils.DebugUtilsMessengerCreateInfo {
	return ext_debug_utils.DebugUtilsMessengerCreateInfo{
		MessageSeverity: severityFlags(d.severity),
		MessageType:     ext_debug_utils.TypeGeneral | ext_debug_utils.TypeValidation | ext_debug_utils.TypePerformance,
		UserCallback:    d.forward,
	}
}

func (d *callbackDiagnostics) ConfigureInstance(options *core1_0.InstanceCreateInfo) {
	options.EnabledLayerNames = append(options.EnabledLayerNames, config.ValidationLayer)
	options.EnabledExtensionNames = append(options.EnabledExtensionNames, ext_debug_utils.ExtensionName)

	// Chained so that instance creation and destruction are covered too.
	options.Next = d.messengerOptions()
}

func (d *callbackDiagnostics) Attach(instance core1_0.CoreInstanceDriver) error {
	d.driver = ext_debug_utils.CreateExtensionDriverFromCoreDriver(instance)
	if d.driver == nil {
		return errors.Newf("%s is not active on the instance", ext_debug_utils.ExtensionName)
	}

	var err error
	d.messenger, _, err = d.driver.CreateDebugUtilsMessenger(nil, d.messengerOptions())
	if err != nil {
		return errors.Wrap(err, "create debug messenger")
	}
	return nil
}

func (d *callbackDiagnostics) forward(msgType ext_debug_utils.DebugUtilsMessageTypeFlags, severity ext_debug_utils.DebugUtilsMessageSeverityFlags, data *ext_debug_utils.DebugUtilsMessengerCallbackData) bool {
	writeDebugOutput(d.out, data.Message)

	if (severity & ext_debug_utils.SeverityError) != 0 {
		d.log.Debug("validation error reported", zap.Any("type", msgType))
	}

	return false
}

func writeDebugOutput(out io.Writer, message string) {
	fmt.Fprintf(out, "[DEBUG_OUTPUT] %s\n", message)
}

// Check is silent in callback mode: errors reach the messenger and the
// caller's error value.
func (d *callbackDiagnostics) Check(op string, res common.VkResult) {}

func (d *callbackDiagnostics) Close() {
	if d.messenger.Initialized() {
		d.driver.DestroyDebugUtilsMessenger(d.messenger, nil)
		d.messenger = ext_debug_utils.DebugUtilsMessenger{}
	}
}

func severityFlags(severity config.Severity) ext_debug_utils.DebugUtilsMessageSeverityFlags {
	flags := ext_debug_utils.SeverityError
	switch severity {
	case config.SeverityVerbose:
		flags |= ext_debug_utils.SeverityVerbose
		fallthrough
	case config.SeverityInfo:
		flags |= ext_debug_utils.SeverityInfo
		fallthrough
	case config.SeverityWarning, "":
		flags |= ext_debug_utils.SeverityWarning
	}
	return flags
}

type pollDiagnostics struct {
	out io.Writer
	log *zap.Logger
}

func (d *pollDiagnostics) Mode() Mode { return Poll }

func (d *pollDiagnostics) ConfigureInstance(options *core1_0.InstanceCreateInfo) {}

func (d *pollDiagnostics) Attach(instance core1_0.CoreInstanceDriver) error { return nil }

func (d *pollDiagnostics) Check(op string, res common.VkResult) {
	// Positive codes (timeouts, suboptimal, incomplete) are statuses the
	// caller handles, not errors.
	if res >= core1_0.VKSuccess {
		return
	}

	fmt.Fprintf(d.out, "caught %s\n", resultName(res))
	d.log.Debug("call returned", zap.String("op", op), zap.Int("code", int(res)))
}

func (d *pollDiagnostics) Close() {}
