package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/srg/humlink/internal/peripheral"
)

// State is the connection manager's lifecycle state.
type State int

const (
	// Disabled means the radio is off or the manager is not running.
	Disabled State = iota
	// Searching means discovery or a connect attempt is in progress.
	Searching
	// Connected means exactly one session to the target is open and published.
	Connected
	// Recovering means the last discovery or connect attempt failed and a
	// retry is scheduled.
	Recovering
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Searching:
		return "searching"
	case Connected:
		return "connected"
	case Recovering:
		return "recovering"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Handle is a live session to the target peripheral. It exists only while
// the session is open and is never mutated after publication.
type Handle struct {
	Descriptor  peripheral.Descriptor
	Session     peripheral.Session
	ConnectedAt time.Time
}

// Options configures a Manager.
type Options struct {
	// Target is the exact peripheral name to connect to.
	Target string
	// RetryDelay is the fixed delay before retrying a failed discovery or
	// connect attempt.
	RetryDelay time.Duration
	// RetryOnNotFound schedules a retry when the target is not paired.
	// When false a missing target waits for the next transport event.
	RetryOnNotFound bool
	// EnabledPollInterval re-checks a disabled radio on this interval; zero
	// waits for an Enabled event or an explicit Refresh.
	EnabledPollInterval time.Duration
	// Charset is applied with SetEncoding before every connect.
	Charset peripheral.Charset
}

const (
	DefaultTarget              = "HC-05"
	DefaultRetryDelay          = time.Second
	DefaultEnabledPollInterval = 5 * time.Second
)

// DefaultOptions returns the stock options for target. An empty target
// selects DefaultTarget.
func DefaultOptions(target string) Options {
	if target == "" {
		target = DefaultTarget
	}
	return Options{
		Target:              target,
		RetryDelay:          DefaultRetryDelay,
		RetryOnNotFound:     true,
		EnabledPollInterval: DefaultEnabledPollInterval,
		Charset:             peripheral.CharsetASCII,
	}
}

// FailureKind classifies what went wrong on the way to, or during, a session.
type FailureKind int

const (
	// RadioDisabled is the expected quiescent state, surfaced as a notification.
	RadioDisabled FailureKind = iota
	// DiscoveryFailure is a failed radio check or listing; retried after RetryDelay.
	DiscoveryFailure
	// ConnectFailure is a failed SetEncoding or Connect; retried after RetryDelay.
	ConnectFailure
	// SessionLost is a transport-signalled disconnect; rediscovery is immediate.
	SessionLost
	// DecodeFailure is a malformed frame; it only affects the displayed reading.
	DecodeFailure
)

func (k FailureKind) String() string {
	switch k {
	case RadioDisabled:
		return "radio_disabled"
	case DiscoveryFailure:
		return "discovery_failure"
	case ConnectFailure:
		return "connect_failure"
	case SessionLost:
		return "session_lost"
	case DecodeFailure:
		return "decode_failure"
	default:
		return fmt.Sprintf("FailureKind(%d)", int(k))
	}
}

// Failure is reported to the failure hook; it never escapes the manager as a
// returned error.
type Failure struct {
	Kind   FailureKind
	Device peripheral.Descriptor
	Err    error
}

func (f *Failure) Error() string {
	var msg string
	switch {
	case f.Device.ID != "" && f.Err != nil:
		msg = fmt.Sprintf("%s: %s: %v", f.Kind, f.Device, f.Err)
	case f.Err != nil:
		msg = fmt.Sprintf("%s: %v", f.Kind, f.Err)
	case f.Device.ID != "":
		msg = fmt.Sprintf("%s: %s", f.Kind, f.Device)
	default:
		msg = f.Kind.String()
	}
	return msg
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Retried reports whether the manager schedules a delayed retry for this kind.
func (f *Failure) Retried() bool {
	return f.Kind == DiscoveryFailure || f.Kind == ConnectFailure
}

// ErrTargetNotFound is the failure cause when no paired peripheral carries
// the target name.
var ErrTargetNotFound = errors.New("target peripheral is not paired")
