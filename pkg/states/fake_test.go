package states

import (
	"context"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/raycarroll/vk-systemd-provider/pkg/handles"
	"github.com/raycarroll/vk-systemd-provider/pkg/models"
)

type liveness struct {
	running bool
	err     error
}

// fakeManager answers IsRunning from a script consumed in call order. Once
// the script runs out every unit reports running.
type fakeManager struct {
	mu        sync.Mutex
	responses []liveness
	calls     []string
	startErr  map[string]error
	started   []string
}

func (f *fakeManager) IsRunning(ctx context.Context, unit string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, unit)
	if len(f.responses) == 0 {
		return true, nil
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r.running, r.err
}

func (f *fakeManager) StartUnit(ctx context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.startErr[unit]; err != nil {
		return err
	}
	f.started = append(f.started, unit)
	return nil
}

func (f *fakeManager) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func testPod(containers ...string) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "web",
			Namespace: "default",
			UID:       "uid-web",
		},
	}
	for _, c := range containers {
		pod.Spec.Containers = append(pod.Spec.Containers, corev1.Container{Name: c, Image: c + ":latest"})
	}
	return pod
}

// newTestShared registers one handle per container of pod unless register is false.
func newTestShared(m ServiceManager, pod *corev1.Pod, register bool) *SharedState {
	reg := handles.NewRegistry()
	if register {
		var hs []models.ContainerHandle
		for _, c := range pod.Spec.Containers {
			hs = append(hs, models.ContainerHandle{ContainerName: c.Name, ServiceUnit: UnitName(pod, c.Name, "")})
		}
		reg.Put(models.NewPodKey(pod), models.NewPodHandle(pod.UID, hs))
	}

	shared := NewSharedState(m, reg)
	shared.PollInterval = time.Millisecond
	return shared
}
