package states

import (
	"strings"

	corev1 "k8s.io/api/core/v1"
)

// UnitAnnotationPrefix followed by a container name names the unit that backs
// that container, e.g. systemd.virtual-kubelet.io/unit.nginx: nginx.service
const UnitAnnotationPrefix = "systemd.virtual-kubelet.io/unit."

// UnitName returns the systemd unit backing container of pod.
func UnitName(pod *corev1.Pod, container string, prefix string) string {
	if name := pod.Annotations[UnitAnnotationPrefix+container]; name != "" {
		if !strings.Contains(name, ".") {
			name += ".service"
		}
		return name
	}
	return prefix + pod.Namespace + "-" + pod.Name + "-" + container + ".service"
}
