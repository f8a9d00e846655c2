package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/virtual-kubelet/virtual-kubelet/errdefs"
	"github.com/virtual-kubelet/virtual-kubelet/node/api"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/raycarroll/vk-systemd-provider/pkg/metrics"
)

type fakeManager struct {
	mu       sync.Mutex
	inactive map[string]bool
	started  []string
	stopped  []string
	stopErr  error
	pingErr  error
}

func newFakeManager() *fakeManager {
	return &fakeManager{inactive: make(map[string]bool)}
}

func (f *fakeManager) IsRunning(ctx context.Context, unit string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.inactive[unit], nil
}

func (f *fakeManager) StartUnit(ctx context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, unit)
	return nil
}

func (f *fakeManager) StopUnit(ctx context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, unit)
	return f.stopErr
}

func (f *fakeManager) failStops(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopErr = err
}

func (f *fakeManager) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeManager) setInactive(unit string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inactive[unit] = true
}

func (f *fakeManager) counts() (started, stopped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started), len(f.stopped)
}

type podRecorder struct {
	mu   sync.Mutex
	pods []*corev1.Pod
}

func (r *podRecorder) notify(pod *corev1.Pod) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pods = append(r.pods, pod)
}

func (r *podRecorder) sawPhase(phase corev1.PodPhase) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pods {
		if p.Status.Phase == phase {
			return true
		}
	}
	return false
}

func newTestProvider(t *testing.T, m *fakeManager) *Provider {
	t.Helper()
	p, err := NewProvider(Config{
		NodeName:     "test-node",
		PollInterval: 5 * time.Millisecond,
		Metrics:      metrics.New(),
	}, m)
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p
}

func testPod() *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "test-pod",
			Namespace: "default",
			UID:       "uid-1",
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{
				{
					Name:  "nginx",
					Image: "nginx:latest",
				},
			},
		},
	}
}

func waitForPhase(t *testing.T, p *Provider, phase corev1.PodPhase) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		status, err := p.GetPodStatus(context.Background(), "default", "test-pod")
		if err == nil && status.Phase == phase {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("Timed out waiting for phase %s, last status %+v (err %v)", phase, status, err)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", what)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestNewProvider_Validation(t *testing.T) {
	if _, err := NewProvider(Config{}, newFakeManager()); err == nil {
		t.Error("Expected error without node name")
	}
	if _, err := NewProvider(Config{NodeName: "n"}, nil); err == nil {
		t.Error("Expected error without service manager")
	}
}

func TestPodLifecycleHandler_CreatePod(t *testing.T) {
	m := newFakeManager()
	p := newTestProvider(t, m)
	rec := &podRecorder{}
	p.NotifyPods(context.Background(), rec.notify)

	if err := p.CreatePod(context.Background(), testPod()); err != nil {
		t.Fatalf("CreatePod failed: %v", err)
	}

	waitForPhase(t, p, corev1.PodRunning)

	if !rec.sawPhase(corev1.PodPending) || !rec.sawPhase(corev1.PodRunning) {
		t.Error("Expected Pending and Running to be notified")
	}
	if started, _ := m.counts(); started != 1 {
		t.Errorf("Expected one unit started, got %d", started)
	}

	pod, err := p.GetPod(context.Background(), "default", "test-pod")
	if err != nil {
		t.Fatalf("GetPod failed: %v", err)
	}
	if pod.Status.StartTime == nil {
		t.Error("Expected StartTime to be set")
	}

	// Creating again must not start a second machine.
	if err := p.CreatePod(context.Background(), testPod()); err != nil {
		t.Fatalf("second CreatePod failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if started, _ := m.counts(); started != 1 {
		t.Errorf("Expected still one unit started, got %d", started)
	}
}

func TestPodLifecycleHandler_UnitFailure(t *testing.T) {
	m := newFakeManager()
	p := newTestProvider(t, m)

	if err := p.CreatePod(context.Background(), testPod()); err != nil {
		t.Fatalf("CreatePod failed: %v", err)
	}
	waitForPhase(t, p, corev1.PodRunning)

	m.setInactive("default-test-pod-nginx.service")
	waitForPhase(t, p, corev1.PodFailed)

	status, _ := p.GetPodStatus(context.Background(), "default", "test-pod")
	if status.Reason != "Failed" || status.Message == "" {
		t.Errorf("Expected failure reason and message, got %s / %q", status.Reason, status.Message)
	}
}

func TestPodLifecycleHandler_UpdatePod(t *testing.T) {
	m := newFakeManager()
	p := newTestProvider(t, m)

	if err := p.UpdatePod(context.Background(), testPod()); !errdefs.IsNotFound(err) {
		t.Errorf("Expected NotFound for unknown pod, got %v", err)
	}

	if err := p.CreatePod(context.Background(), testPod()); err != nil {
		t.Fatalf("CreatePod failed: %v", err)
	}
	waitForPhase(t, p, corev1.PodRunning)

	// Label changes do not touch the units.
	relabelled := testPod()
	relabelled.Labels = map[string]string{"tier": "web"}
	if err := p.UpdatePod(context.Background(), relabelled); err != nil {
		t.Fatalf("UpdatePod failed: %v", err)
	}
	if _, stopped := m.counts(); stopped != 0 {
		t.Errorf("Expected no unit stopped for a label change, got %d", stopped)
	}

	updated := testPod()
	updated.Spec.Containers[0].Image = "nginx:1.25"
	if err := p.UpdatePod(context.Background(), updated); err != nil {
		t.Fatalf("UpdatePod failed: %v", err)
	}
	waitFor(t, "the unit to be restarted", func() bool {
		started, _ := m.counts()
		return started == 2
	})

	if _, stopped := m.counts(); stopped != 1 {
		t.Errorf("Expected the old unit to be stopped once, got %d stops", stopped)
	}
	pod, _ := p.GetPod(context.Background(), "default", "test-pod")
	if pod.Spec.Containers[0].Image != "nginx:1.25" {
		t.Errorf("Expected updated spec to be stored, got image %s", pod.Spec.Containers[0].Image)
	}
}

func TestPodLifecycleHandler_UpdatePodStopFailureKeepsSupervising(t *testing.T) {
	m := newFakeManager()
	p := newTestProvider(t, m)

	if err := p.CreatePod(context.Background(), testPod()); err != nil {
		t.Fatalf("CreatePod failed: %v", err)
	}
	waitForPhase(t, p, corev1.PodRunning)

	stopErr := errors.New("dbus: stop failed")
	m.failStops(stopErr)

	updated := testPod()
	updated.Spec.Containers[0].Image = "nginx:1.25"
	if err := p.UpdatePod(context.Background(), updated); !errors.Is(err, stopErr) {
		t.Fatalf("Expected UpdatePod to return the stop error, got %v", err)
	}

	pod, _ := p.GetPod(context.Background(), "default", "test-pod")
	if pod.Spec.Containers[0].Image != "nginx:latest" {
		t.Errorf("Expected the old spec to be kept after a failed update, got image %s", pod.Spec.Containers[0].Image)
	}

	// The unit dies after the failed update; the pod must not stay Running.
	m.setInactive("default-test-pod-nginx.service")
	waitForPhase(t, p, corev1.PodFailed)
}

func TestPodLifecycleHandler_DeletePodStopFailureKeepsSupervising(t *testing.T) {
	m := newFakeManager()
	p := newTestProvider(t, m)

	if err := p.CreatePod(context.Background(), testPod()); err != nil {
		t.Fatalf("CreatePod failed: %v", err)
	}
	waitForPhase(t, p, corev1.PodRunning)

	stopErr := errors.New("dbus: stop failed")
	m.failStops(stopErr)

	if err := p.DeletePod(context.Background(), testPod()); !errors.Is(err, stopErr) {
		t.Fatalf("Expected DeletePod to return the stop error, got %v", err)
	}
	if _, err := p.GetPod(context.Background(), "default", "test-pod"); err != nil {
		t.Fatalf("Expected pod to stay tracked after a failed delete, got %v", err)
	}

	m.setInactive("default-test-pod-nginx.service")
	waitForPhase(t, p, corev1.PodFailed)

	// A retry once systemd cooperates removes the pod.
	m.failStops(nil)
	if err := p.DeletePod(context.Background(), testPod()); err != nil {
		t.Fatalf("DeletePod retry failed: %v", err)
	}
	if _, err := p.GetPod(context.Background(), "default", "test-pod"); !errdefs.IsNotFound(err) {
		t.Errorf("Expected NotFound after delete, got %v", err)
	}
}

func TestPodLifecycleHandler_DeletePod(t *testing.T) {
	m := newFakeManager()
	p := newTestProvider(t, m)
	rec := &podRecorder{}
	p.NotifyPods(context.Background(), rec.notify)

	if err := p.CreatePod(context.Background(), testPod()); err != nil {
		t.Fatalf("CreatePod failed: %v", err)
	}
	waitForPhase(t, p, corev1.PodRunning)

	if err := p.DeletePod(context.Background(), testPod()); err != nil {
		t.Fatalf("DeletePod failed: %v", err)
	}

	if _, stopped := m.counts(); stopped != 1 {
		t.Errorf("Expected one unit stopped, got %d", stopped)
	}
	if !rec.sawPhase(corev1.PodSucceeded) {
		t.Error("Expected a terminal Succeeded status to be notified")
	}
	if _, err := p.GetPod(context.Background(), "default", "test-pod"); !errdefs.IsNotFound(err) {
		t.Errorf("Expected NotFound after delete, got %v", err)
	}

	// Idempotent
	if err := p.DeletePod(context.Background(), testPod()); err != nil {
		t.Errorf("Expected second delete to succeed, got %v", err)
	}
}

func TestPodLifecycleHandler_GetPod(t *testing.T) {
	p := newTestProvider(t, newFakeManager())

	pod, err := p.GetPod(context.Background(), "default", "test-pod")
	if pod != nil || !errdefs.IsNotFound(err) {
		t.Errorf("Expected nil pod and NotFound, got %v, %v", pod, err)
	}

	status, err := p.GetPodStatus(context.Background(), "default", "test-pod")
	if status != nil || !errdefs.IsNotFound(err) {
		t.Errorf("Expected nil status and NotFound, got %v, %v", status, err)
	}
}

func TestPodLifecycleHandler_GetPods(t *testing.T) {
	p := newTestProvider(t, newFakeManager())

	for _, name := range []string{"b", "a"} {
		pod := testPod()
		pod.Name = name
		if err := p.CreatePod(context.Background(), pod); err != nil {
			t.Fatalf("CreatePod failed: %v", err)
		}
	}

	pods, err := p.GetPods(context.Background())
	if err != nil {
		t.Fatalf("GetPods failed: %v", err)
	}
	if len(pods) != 2 || pods[0].Name != "a" || pods[1].Name != "b" {
		t.Errorf("Expected pods [a b], got %d pods", len(pods))
	}
}

func TestNodeProvider(t *testing.T) {
	m := newFakeManager()
	p := newTestProvider(t, m)

	var mu sync.Mutex
	var nodes []*corev1.Node
	p.NotifyNodeStatus(context.Background(), func(n *corev1.Node) {
		mu.Lock()
		defer mu.Unlock()
		nodes = append(nodes, n)
	})

	if err := p.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	m.mu.Lock()
	m.pingErr = errors.New("bus closed")
	m.mu.Unlock()
	if err := p.Ping(context.Background()); err == nil {
		t.Error("Expected Ping to fail")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(nodes) != 2 {
		t.Fatalf("Expected initial node and one health change, got %d", len(nodes))
	}
	if nodes[0].Status.Conditions[0].Status != corev1.ConditionTrue {
		t.Error("Expected node to start Ready")
	}
	if nodes[1].Status.Conditions[0].Status != corev1.ConditionFalse {
		t.Error("Expected node to become NotReady when systemd is unreachable")
	}
	if len(nodes[0].Spec.Taints) != 1 || nodes[0].Spec.Taints[0].Key != ProviderTaintKey {
		t.Errorf("Expected provider taint, got %v", nodes[0].Spec.Taints)
	}
	if nodes[0].Status.Capacity.Pods().String() != "100" {
		t.Errorf("Expected default pod capacity, got %s", nodes[0].Status.Capacity.Pods().String())
	}
}

func TestUnsupportedOperations(t *testing.T) {
	p := newTestProvider(t, newFakeManager())
	ctx := context.Background()

	if _, err := p.GetContainerLogs(ctx, "default", "test-pod", "nginx", api.ContainerLogOpts{}); !errdefs.IsInvalidInput(err) {
		t.Errorf("Expected InvalidInput for logs, got %v", err)
	}
	if err := p.RunInContainer(ctx, "default", "test-pod", "nginx", []string{"sh"}, nil); !errdefs.IsInvalidInput(err) {
		t.Errorf("Expected InvalidInput for exec, got %v", err)
	}
	if err := p.AttachToContainer(ctx, "default", "test-pod", "nginx", nil); !errdefs.IsInvalidInput(err) {
		t.Errorf("Expected InvalidInput for attach, got %v", err)
	}
	if err := p.PortForward(ctx, "default", "test-pod", 80, nil); !errdefs.IsInvalidInput(err) {
		t.Errorf("Expected InvalidInput for port forward, got %v", err)
	}

	summary, err := p.GetStatsSummary(ctx)
	if err != nil || summary.Node.NodeName != "test-node" {
		t.Errorf("Unexpected stats summary %+v, %v", summary, err)
	}

	families, err := p.GetMetricsResource(ctx)
	if err != nil || len(families) == 0 {
		t.Errorf("Expected metric families, got %d, %v", len(families), err)
	}
}
