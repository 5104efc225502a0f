package helper

import "fmt"

// Verbosity controls how much of the helper's own narration is emitted. It
// only affects output volume, never control flow.
type Verbosity int

const (
	// VerbosityUnspecified leaves the current level unchanged when used as a
	// mount override. Not a valid level to set directly.
	VerbosityUnspecified Verbosity = iota

	// VerbositySilent emits failures only.
	VerbositySilent

	// VerbosityDiags emits basic diagnostics. This is the default.
	VerbosityDiags

	// VerbosityDebug emits full debug output.
	VerbosityDebug
)

func (v Verbosity) String() string {
	switch v {
	case VerbositySilent:
		return "silent"
	case VerbosityDiags:
		return "diags"
	case VerbosityDebug:
		return "debug"
	default:
		return "unspecified"
	}
}

// ParseVerbosity maps the flag spelling to a level.
func ParseVerbosity(s string) (Verbosity, error) {
	switch s {
	case "silent":
		return VerbositySilent, nil
	case "diags":
		return VerbosityDiags, nil
	case "debug":
		return VerbosityDebug, nil
	default:
		return VerbosityUnspecified, fmt.Errorf("invalid verbosity level %q: use silent, diags, or debug", s)
	}
}
