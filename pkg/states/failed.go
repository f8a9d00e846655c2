package states

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Failed is terminal. Recovering requires a fresh machine starting in
// Installing, e.g. after the pod spec changes.
type Failed struct {
	Message        string
	TransitionTime metav1.Time
}

// NewFailed enters Failed now.
func NewFailed(message string) *Failed {
	return &Failed{Message: message, TransitionTime: metav1.Now()}
}

func (f *Failed) Name() StateName { return StateFailed }

func (f *Failed) Next(ctx context.Context, shared *SharedState, ps *PodState, pod *corev1.Pod) Transition {
	return Complete(nil)
}

func (f *Failed) Status(ps *PodState, pod *corev1.Pod) (*corev1.PodStatus, error) {
	containers := firstContainerStatus(pod, false, false, corev1.ContainerState{
		Terminated: &corev1.ContainerStateTerminated{
			ExitCode:   1,
			Reason:     "Error",
			Message:    f.Message,
			FinishedAt: f.TransitionTime,
		},
	})

	return makeStatusWithContainersAndCondition(
		corev1.PodFailed,
		ReasonFailed,
		f.Message,
		containers,
		nil,
		[]corev1.PodCondition{readyCondition(corev1.ConditionFalse, ReasonFailed, f.Message, f.TransitionTime)},
	), nil
}
