package states

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Reasons reported in pod and container statuses.
const (
	ReasonInstalling        = "Installing"
	ReasonRunning           = "Running"
	ReasonFailed            = "Failed"
	ReasonSupervisionError  = "SupervisionError"
	ReasonTerminated        = "Terminated"
	ReasonContainerCreating = "ContainerCreating"
)

// makeStatusWithContainersAndCondition assembles a pod status from values the
// calling state has already worked out. The result shares no slices with
// the arguments.
func makeStatusWithContainersAndCondition(
	phase corev1.PodPhase,
	reason string,
	message string,
	containers []corev1.ContainerStatus,
	initContainers []corev1.ContainerStatus,
	conditions []corev1.PodCondition,
) *corev1.PodStatus {
	status := &corev1.PodStatus{
		Phase:   phase,
		Reason:  reason,
		Message: message,
	}
	if len(containers) > 0 {
		status.ContainerStatuses = make([]corev1.ContainerStatus, len(containers))
		for i := range containers {
			containers[i].DeepCopyInto(&status.ContainerStatuses[i])
		}
	}
	if len(initContainers) > 0 {
		status.InitContainerStatuses = make([]corev1.ContainerStatus, len(initContainers))
		for i := range initContainers {
			initContainers[i].DeepCopyInto(&status.InitContainerStatuses[i])
		}
	}
	if len(conditions) > 0 {
		status.Conditions = make([]corev1.PodCondition, len(conditions))
		for i := range conditions {
			conditions[i].DeepCopyInto(&status.Conditions[i])
		}
	}
	return status
}

// firstContainerStatus reports only the first container of the pod.
// TODO: report every container once unit handles carry per-container state.
func firstContainerStatus(pod *corev1.Pod, ready bool, started bool, state corev1.ContainerState) []corev1.ContainerStatus {
	if len(pod.Spec.Containers) == 0 {
		return nil
	}
	c := pod.Spec.Containers[0]
	return []corev1.ContainerStatus{{
		Name:    c.Name,
		Image:   c.Image,
		Ready:   ready,
		Started: &started,
		State:   state,
	}}
}

func readyCondition(status corev1.ConditionStatus, reason, message string, at metav1.Time) corev1.PodCondition {
	return corev1.PodCondition{
		Type:               corev1.PodReady,
		Status:             status,
		LastTransitionTime: at,
		Reason:             reason,
		Message:            message,
	}
}

// TerminatedStatus renders the status of a machine that has stopped. A nil
// err means the pod was removed cleanly; otherwise supervision gave up and
// err says why.
func TerminatedStatus(pod *corev1.Pod, err error, at metav1.Time) *corev1.PodStatus {
	if err == nil {
		containers := firstContainerStatus(pod, false, false, corev1.ContainerState{
			Terminated: &corev1.ContainerStateTerminated{
				Reason:     "Completed",
				Message:    "Service was stopped",
				FinishedAt: at,
			},
		})
		return makeStatusWithContainersAndCondition(
			corev1.PodSucceeded,
			ReasonTerminated,
			"Service was stopped",
			containers,
			nil,
			[]corev1.PodCondition{readyCondition(corev1.ConditionFalse, ReasonTerminated, "Service was stopped", at)},
		)
	}

	containers := firstContainerStatus(pod, false, false, corev1.ContainerState{
		Terminated: &corev1.ContainerStateTerminated{
			ExitCode:   1,
			Reason:     ReasonSupervisionError,
			Message:    err.Error(),
			FinishedAt: at,
		},
	})
	return makeStatusWithContainersAndCondition(
		corev1.PodFailed,
		ReasonSupervisionError,
		err.Error(),
		containers,
		nil,
		[]corev1.PodCondition{readyCondition(corev1.ConditionFalse, ReasonSupervisionError, err.Error(), at)},
	)
}
