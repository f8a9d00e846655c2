package models

import (
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
)

// PodKey identifies a pod scheduled onto this node.
type PodKey struct {
	Namespace string
	Name      string
}

// NewPodKey returns the key of the given pod.
func NewPodKey(pod *corev1.Pod) PodKey {
	return PodKey{Namespace: pod.Namespace, Name: pod.Name}
}

// String returns the key in namespace/name form.
func (k PodKey) String() string {
	return k.Namespace + "/" + k.Name
}

// ContainerHandle ties one container of a pod to the systemd unit backing it.
type ContainerHandle struct {
	ContainerName string
	ServiceUnit   string
}

// PodHandle is the set of units backing a pod, in pod spec order.
type PodHandle struct {
	PodUID     types.UID
	Containers []ContainerHandle
	StartedAt  time.Time
}

// NewPodHandle creates a handle for the given pod and container units.
func NewPodHandle(uid types.UID, containers []ContainerHandle) PodHandle {
	return PodHandle{
		PodUID:     uid,
		Containers: containers,
		StartedAt:  time.Now(),
	}
}

// Clone returns a copy that shares no memory with h.
func (h PodHandle) Clone() PodHandle {
	out := h
	out.Containers = append([]ContainerHandle(nil), h.Containers...)
	return out
}

// Units returns the unit names in container order.
func (h PodHandle) Units() []string {
	units := make([]string, 0, len(h.Containers))
	for _, c := range h.Containers {
		units = append(units, c.ServiceUnit)
	}
	return units
}
