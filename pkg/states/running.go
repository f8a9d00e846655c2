package states

import (
	"context"
	"fmt"
	"time"

	"github.com/virtual-kubelet/virtual-kubelet/log"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/raycarroll/vk-systemd-provider/pkg/metrics"
)

// Running supervises a pod whose units have all been started. Every
// PollInterval it asks systemd whether each unit is still active.
type Running struct {
	TransitionTime metav1.Time
}

// NewRunning enters Running now.
func NewRunning() *Running {
	return &Running{TransitionTime: metav1.Now()}
}

func (r *Running) Name() StateName { return StateRunning }

// Next waits one poll interval, then checks every unit of the pod in order.
// All running: stay in Running. One unit not running: Failed, without
// checking the rest. Missing handles or a failed query end the machine
// with an error.
func (r *Running) Next(ctx context.Context, shared *SharedState, ps *PodState, pod *corev1.Pod) Transition {
	interval := shared.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Complete(ctx.Err())
	case <-timer.C:
	}

	logger := log.G(ctx).WithField("service", ps.ServiceName)
	logger.Debugf("Checking if service %s is still running", ps.ServiceName)

	manager, handle, ok := shared.snapshot(ps.Key)
	if !ok {
		return Complete(fmt.Errorf("%w for service [%s], this should not happen", ErrHandlesNotFound, ps.ServiceName))
	}

	for _, c := range handle.Containers {
		running, err := manager.IsRunning(ctx, c.ServiceUnit)
		if err != nil {
			if ctx.Err() != nil {
				return Complete(ctx.Err())
			}
			shared.Metrics.LivenessCheck(metrics.LivenessError)
			logger.WithError(err).Infof("Error querying ActiveState for unit [%s]", c.ServiceUnit)
			return Complete(&LivenessError{Service: ps.ServiceName, Unit: c.ServiceUnit, Err: err})
		}
		if !running {
			shared.Metrics.LivenessCheck(metrics.LivenessNotRunning)
			logger.Infof("Unit [%s] failed unexpectedly, transitioning to failed state", c.ServiceUnit)
			return Next(r, NewFailed(fmt.Sprintf("Unit %s of container %s is not running", c.ServiceUnit, c.ContainerName)))
		}
		shared.Metrics.LivenessCheck(metrics.LivenessRunning)
		logger.Debugf("Unit [%s] still running", c.ServiceUnit)
	}

	return Next(r, r)
}

func (r *Running) Status(ps *PodState, pod *corev1.Pod) (*corev1.PodStatus, error) {
	containers := firstContainerStatus(pod, true, false, corev1.ContainerState{
		Running: &corev1.ContainerStateRunning{},
	})
	condition := readyCondition(corev1.ConditionTrue, ReasonRunning, "Service is running", r.TransitionTime)

	return makeStatusWithContainersAndCondition(
		corev1.PodRunning,
		ReasonRunning,
		"Service is running",
		containers,
		nil,
		[]corev1.PodCondition{condition},
	), nil
}
