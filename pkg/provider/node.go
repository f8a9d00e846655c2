package provider

import (
	"context"
	"fmt"
	"runtime"

	"github.com/virtual-kubelet/virtual-kubelet/log"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ProviderTaintKey keeps pods without a matching toleration off the node.
const ProviderTaintKey = "virtual-kubelet.io/provider"

// DefaultCapacity is advertised when Config.Capacity is empty.
func DefaultCapacity() corev1.ResourceList {
	return corev1.ResourceList{
		corev1.ResourceCPU:    resource.MustParse("4"),
		corev1.ResourceMemory: resource.MustParse("8Gi"),
		corev1.ResourcePods:   resource.MustParse("100"),
	}
}

// NodeProvider interface implementation

// Ping checks that systemd answers. A change in the answer is pushed to the
// node status callback.
func (p *Provider) Ping(ctx context.Context) error {
	err := p.manager.Ping(ctx)

	p.nodeMu.Lock()
	changed := (err == nil) != (p.nodeHealth == nil)
	p.nodeHealth = err
	cb := p.nodeCb
	p.nodeMu.Unlock()

	if changed && cb != nil {
		if err != nil {
			log.G(ctx).WithError(err).Warn("systemd is unreachable, marking node not ready")
		}
		node, _ := p.GetNode(ctx)
		cb(node)
	}

	if err != nil {
		return fmt.Errorf("pinging systemd: %w", err)
	}
	return nil
}

// NotifyNodeStatus registers a node status callback and sends the current
// node once.
func (p *Provider) NotifyNodeStatus(ctx context.Context, cb func(*corev1.Node)) {
	p.nodeMu.Lock()
	p.nodeCb = cb
	p.nodeMu.Unlock()

	node, _ := p.GetNode(ctx)
	cb(node)
}

// GetNode returns the virtual node backed by this host's systemd.
func (p *Provider) GetNode(ctx context.Context) (*corev1.Node, error) {
	capacity := p.capacity
	if len(capacity) == 0 {
		capacity = DefaultCapacity()
	}

	p.nodeMu.Lock()
	health := p.nodeHealth
	p.nodeMu.Unlock()

	ready := corev1.NodeCondition{
		Type:    corev1.NodeReady,
		Status:  corev1.ConditionTrue,
		Reason:  "KubeletReady",
		Message: "systemd is reachable",
	}
	if health != nil {
		ready.Status = corev1.ConditionFalse
		ready.Reason = "SystemdUnreachable"
		ready.Message = health.Error()
	}

	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name: p.nodeName,
			Labels: map[string]string{
				"type":                   "virtual-kubelet",
				"kubernetes.io/role":     "agent",
				"kubernetes.io/hostname": p.nodeName,
				"kubernetes.io/os":       runtime.GOOS,
				"kubernetes.io/arch":     runtime.GOARCH,
				"node.kubernetes.io/vk":  "systemd",
			},
		},
		Spec: corev1.NodeSpec{
			Taints: []corev1.Taint{{
				Key:    ProviderTaintKey,
				Value:  "systemd",
				Effect: corev1.TaintEffectNoSchedule,
			}},
		},
		Status: corev1.NodeStatus{
			Phase:       corev1.NodeRunning,
			Conditions:  []corev1.NodeCondition{ready},
			Capacity:    capacity.DeepCopy(),
			Allocatable: capacity.DeepCopy(),
			NodeInfo: corev1.NodeSystemInfo{
				KubeletVersion:  "vk-systemd-v1.0.0",
				Architecture:    runtime.GOARCH,
				OperatingSystem: runtime.GOOS,
			},
		},
	}

	return node, nil
}
