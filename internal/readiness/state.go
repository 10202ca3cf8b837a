package readiness

import "time"

type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseInitializing  Phase = "initializing"
	PhaseReady         Phase = "ready"
	PhaseDegradedReady Phase = "degraded_ready"
)

// Usable reports whether callers may proceed in this phase. DegradedReady
// counts: the gate fails open once it runs out of attempts.
func (p Phase) Usable() bool {
	return p == PhaseReady || p == PhaseDegradedReady
}

type State struct {
	Phase       Phase     `json:"phase"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	Verified    bool      `json:"verified"`
	Embedded    bool      `json:"embedded"`
	Platform    string    `json:"platform,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	SettledAt   time.Time `json:"settledAt,omitempty"`
}

func (s State) Ready() bool {
	return s.Phase.Usable()
}

// Observer receives gate lifecycle events. Implementations must not block.
type Observer interface {
	AttemptFinished(attempt int, verified bool, elapsed time.Duration)
	PhaseChanged(phase Phase)
}

type noopObserver struct{}

func (noopObserver) AttemptFinished(int, bool, time.Duration) {}
func (noopObserver) PhaseChanged(Phase)                       {}
