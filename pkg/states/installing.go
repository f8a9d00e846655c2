package states

import (
	"context"
	"fmt"

	"github.com/virtual-kubelet/virtual-kubelet/log"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/raycarroll/vk-systemd-provider/pkg/models"
)

// Installing starts the unit behind every container and registers the
// handles. It hands over to Running only once every unit reports active.
type Installing struct {
	TransitionTime metav1.Time
}

// NewInstalling enters Installing now.
func NewInstalling() *Installing {
	return &Installing{TransitionTime: metav1.Now()}
}

func (i *Installing) Name() StateName { return StateInstalling }

func (i *Installing) Next(ctx context.Context, shared *SharedState, ps *PodState, pod *corev1.Pod) Transition {
	logger := log.G(ctx).WithField("service", ps.ServiceName)

	if len(pod.Spec.Containers) == 0 {
		return Next(i, NewFailed("Pod has no containers"))
	}

	manager := shared.Manager()
	started := make([]models.ContainerHandle, 0, len(pod.Spec.Containers))

	// Units started so far are registered even on failure so that deleting
	// the pod stops them.
	register := func() {
		if len(started) > 0 {
			shared.Handles.Put(ps.Key, models.NewPodHandle(pod.UID, started))
		}
	}

	for _, c := range pod.Spec.Containers {
		unit := UnitName(pod, c.Name, shared.UnitPrefix)
		logger.Infof("Starting unit [%s] for container [%s]", unit, c.Name)

		if err := manager.StartUnit(ctx, unit); err != nil {
			register()
			if ctx.Err() != nil {
				return Complete(ctx.Err())
			}
			return Next(i, NewFailed(fmt.Sprintf("Starting unit %s for container %s: %v", unit, c.Name, err)))
		}
		started = append(started, models.ContainerHandle{ContainerName: c.Name, ServiceUnit: unit})
	}
	register()

	for _, h := range started {
		running, err := manager.IsRunning(ctx, h.ServiceUnit)
		if ctx.Err() != nil {
			return Complete(ctx.Err())
		}
		if err != nil {
			return Next(i, NewFailed(fmt.Sprintf("Checking unit %s for container %s: %v", h.ServiceUnit, h.ContainerName, err)))
		}
		if !running {
			return Next(i, NewFailed(fmt.Sprintf("Unit %s of container %s is not running after start", h.ServiceUnit, h.ContainerName)))
		}
	}

	logger.Infof("All %d units of service %s are running", len(started), ps.ServiceName)
	return Next(i, NewRunning())
}

func (i *Installing) Status(ps *PodState, pod *corev1.Pod) (*corev1.PodStatus, error) {
	containers := firstContainerStatus(pod, false, false, corev1.ContainerState{
		Waiting: &corev1.ContainerStateWaiting{Reason: ReasonContainerCreating},
	})

	return makeStatusWithContainersAndCondition(
		corev1.PodPending,
		ReasonInstalling,
		"Starting service units",
		containers,
		nil,
		[]corev1.PodCondition{readyCondition(corev1.ConditionFalse, ReasonInstalling, "Starting service units", i.TransitionTime)},
	), nil
}
