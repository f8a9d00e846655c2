// Package engine drives a pod's lifecycle machine and publishes its status.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/virtual-kubelet/virtual-kubelet/log"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/raycarroll/vk-systemd-provider/pkg/models"
	"github.com/raycarroll/vk-systemd-provider/pkg/states"
)

// StatusSink receives every status the machine produces.
type StatusSink interface {
	UpdateStatus(ctx context.Context, pod *corev1.Pod, status *corev1.PodStatus)
}

// StatusSinkFunc adapts a function to StatusSink.
type StatusSinkFunc func(ctx context.Context, pod *corev1.Pod, status *corev1.PodStatus)

func (f StatusSinkFunc) UpdateStatus(ctx context.Context, pod *corev1.Pod, status *corev1.PodStatus) {
	f(ctx, pod, status)
}

// Runner runs lifecycle machines. Callers must not run two machines for the
// same pod at once.
type Runner struct {
	shared *states.SharedState
	sink   StatusSink
}

// NewRunner creates a runner publishing to sink.
func NewRunner(shared *states.SharedState, sink StatusSink) *Runner {
	return &Runner{shared: shared, sink: sink}
}

// Run drives the machine for pod from initial until it completes or ctx is
// cancelled. The status of every entered state is published. When the
// machine ends with an error, a status describing the error is published
// before Run returns it. Cancellation returns ctx.Err() and publishes nothing
// further.
func (r *Runner) Run(ctx context.Context, pod *corev1.Pod, initial states.State) error {
	ps := states.NewPodState(pod)
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("pod", ps.Key.String()))

	state := initial
	r.publish(ctx, ps, pod, state)

	for {
		t := state.Next(ctx, r.shared, ps, pod)

		rec := models.TransitionRecord{
			Timestamp: time.Now(),
			PodKey:    ps.Key.String(),
			From:      string(state.Name()),
		}

		switch {
		case ctx.Err() != nil:
			rec.Result = models.ResultCancelled
			r.record(ctx, rec)
			return ctx.Err()

		case t.IsComplete() && t.Err() != nil:
			rec.Result = models.ResultErrored
			rec.Error = t.Err().Error()
			r.record(ctx, rec)
			r.sink.UpdateStatus(ctx, pod, states.TerminatedStatus(pod, t.Err(), metav1.Now()))
			return t.Err()

		case t.IsComplete():
			rec.Result = models.ResultCompleted
			r.record(ctx, rec)
			return nil
		}

		next := t.State()
		if next == nil {
			return errors.New("state machine produced neither a state nor a completion")
		}
		rec.To = string(next.Name())
		rec.Result = models.ResultNext
		r.record(ctx, rec)

		state = next
		r.publish(ctx, ps, pod, state)
	}
}

func (r *Runner) publish(ctx context.Context, ps *states.PodState, pod *corev1.Pod, state states.State) {
	status, err := state.Status(ps, pod)
	if err != nil {
		log.G(ctx).WithError(err).Errorf("Rendering status for state %s", state.Name())
		return
	}
	r.sink.UpdateStatus(ctx, pod, status)
}

func (r *Runner) record(ctx context.Context, rec models.TransitionRecord) {
	logger := log.G(ctx).WithFields(log.Fields{"from": rec.From, "result": string(rec.Result)})

	if !rec.Terminal() {
		r.shared.Metrics.Transition(rec.From, rec.To)
		if rec.From == rec.To {
			logger.Debugf("Staying in %s", rec.To)
		} else {
			logger.Infof("Transitioning %s -> %s", rec.From, rec.To)
		}
		return
	}

	r.shared.Metrics.Outcome(string(rec.Result))
	if rec.Result == models.ResultErrored {
		logger.Errorf("State machine ended with error: %s", rec.Error)
		return
	}
	logger.Infof("State machine ended in %s", rec.From)
}
