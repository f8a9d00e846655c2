// Package states implements the lifecycle of a pod backed by systemd units.
//
// A pod moves through a closed set of states:
//
//	Installing -> Running -> Running ... -> Failed
//	         \-> Failed
//
// Each state decides its successor in Next and renders the status the
// control plane should see in Status. Driving the machine (calling Next
// repeatedly, pushing statuses, cancelling on deletion) is up to the caller.
package states

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/raycarroll/vk-systemd-provider/pkg/metrics"
	"github.com/raycarroll/vk-systemd-provider/pkg/models"
)

// DefaultPollInterval is how long Running waits between liveness passes.
const DefaultPollInterval = 10 * time.Second

// StateName names one of the lifecycle states.
type StateName string

const (
	StateInstalling StateName = "Installing"
	StateRunning    StateName = "Running"
	StateFailed     StateName = "Failed"
)

// allowedTransitions lists every edge a state may produce. Failed has none:
// it only completes.
var allowedTransitions = map[StateName][]StateName{
	StateInstalling: {StateRunning, StateFailed},
	StateRunning:    {StateRunning, StateFailed},
	StateFailed:     {},
}

// CanTransition reports whether from -> to is a declared edge.
func CanTransition(from, to StateName) bool {
	for _, n := range allowedTransitions[from] {
		if n == to {
			return true
		}
	}
	return false
}

var (
	// ErrHandlesNotFound means the registry has no units for a pod that
	// should have them.
	ErrHandlesNotFound = errors.New("no systemd units registered")

	// ErrInvalidTransition means a state tried to move along an undeclared edge.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// LivenessError is returned when systemd could not be asked whether a unit
// runs. It is distinct from a unit that is known not to run.
type LivenessError struct {
	Service string
	Unit    string
	Err     error
}

func (e *LivenessError) Error() string {
	return fmt.Sprintf("querying ActiveState for unit [%s] of service [%s]: %v", e.Unit, e.Service, e.Err)
}

func (e *LivenessError) Unwrap() error {
	return e.Err
}

// ServiceManager is the part of the systemd client the states need.
type ServiceManager interface {
	IsRunning(ctx context.Context, unit string) (bool, error)
	StartUnit(ctx context.Context, unit string) error
}

// HandleStore maps pods to their unit handles.
type HandleStore interface {
	Get(key models.PodKey) (models.PodHandle, bool)
	Put(key models.PodKey, h models.PodHandle)
}

// SharedState is what every pod's machine shares with the provider.
type SharedState struct {
	mu      sync.RWMutex
	manager ServiceManager

	Handles      HandleStore
	PollInterval time.Duration
	UnitPrefix   string
	Metrics      *metrics.Metrics
}

// NewSharedState creates shared state with the default poll interval.
func NewSharedState(manager ServiceManager, handles HandleStore) *SharedState {
	return &SharedState{
		manager:      manager,
		Handles:      handles,
		PollInterval: DefaultPollInterval,
	}
}

// Manager returns the current service manager client.
func (s *SharedState) Manager() ServiceManager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manager
}

// SetManager swaps the service manager client, e.g. after a reconnect.
func (s *SharedState) SetManager(m ServiceManager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manager = m
}

// snapshot copies the manager and the pod's handles. Each lock is released
// before the next one is taken and before anything talks to systemd.
func (s *SharedState) snapshot(key models.PodKey) (ServiceManager, models.PodHandle, bool) {
	manager := s.Manager()
	h, ok := s.Handles.Get(key)
	return manager, h, ok
}

// PodState is per-pod data that lives as long as the pod's machine.
type PodState struct {
	Key         models.PodKey
	ServiceName string
}

// NewPodState derives the pod state for pod.
func NewPodState(pod *corev1.Pod) *PodState {
	return &PodState{
		Key:         models.NewPodKey(pod),
		ServiceName: pod.Namespace + "-" + pod.Name,
	}
}

// State is one node of the lifecycle machine.
type State interface {
	Name() StateName
	// Next blocks until the state has decided what comes next.
	Next(ctx context.Context, shared *SharedState, ps *PodState, pod *corev1.Pod) Transition
	// Status renders the pod status for this state. It must not block.
	Status(ps *PodState, pod *corev1.Pod) (*corev1.PodStatus, error)
}

// Transition is the result of State.Next: either a successor state or
// completion of the machine, possibly with an error.
type Transition struct {
	next     State
	err      error
	complete bool
}

// Next moves from one state to another. An undeclared edge completes the
// machine with ErrInvalidTransition instead.
func Next(from, to State) Transition {
	if !CanTransition(from.Name(), to.Name()) {
		return Complete(fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from.Name(), to.Name()))
	}
	return Transition{next: to}
}

// Complete ends the machine. A nil error is a clean end.
func Complete(err error) Transition {
	return Transition{err: err, complete: true}
}

// IsComplete reports whether the machine ends here.
func (t Transition) IsComplete() bool {
	return t.complete
}

// State returns the successor, nil if the machine completed.
func (t Transition) State() State {
	return t.next
}

// Err returns the completion error.
func (t Transition) Err() error {
	return t.err
}
