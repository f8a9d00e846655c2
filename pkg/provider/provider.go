package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/virtual-kubelet/virtual-kubelet/errdefs"
	"github.com/virtual-kubelet/virtual-kubelet/log"
	"github.com/virtual-kubelet/virtual-kubelet/node"
	"github.com/virtual-kubelet/virtual-kubelet/node/nodeutil"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/raycarroll/vk-systemd-provider/pkg/engine"
	"github.com/raycarroll/vk-systemd-provider/pkg/handles"
	"github.com/raycarroll/vk-systemd-provider/pkg/metrics"
	"github.com/raycarroll/vk-systemd-provider/pkg/models"
	"github.com/raycarroll/vk-systemd-provider/pkg/states"
)

var (
	_ nodeutil.Provider = (*Provider)(nil)
	_ node.PodNotifier  = (*Provider)(nil)
	_ node.NodeProvider = (*Provider)(nil)
)

// ServiceManager is the systemd client used by the provider.
type ServiceManager interface {
	states.ServiceManager
	StopUnit(ctx context.Context, unit string) error
	Ping(ctx context.Context) error
}

// Provider implements the Virtual Kubelet provider interface on top of
// systemd units.
type Provider struct {
	nodeName  string
	capacity  corev1.ResourceList
	manager   ServiceManager
	handles   *handles.Registry
	shared    *states.SharedState
	metrics   *metrics.Metrics
	startTime time.Time

	// Pod tracking
	mu       sync.RWMutex
	pods     map[models.PodKey]*podEntry
	notifier func(*corev1.Pod)
	gen      uint64

	nodeMu     sync.Mutex
	nodeCb     func(*corev1.Node)
	nodeHealth error
}

// podEntry is one pod and the machine supervising it.
type podEntry struct {
	pod       *corev1.Pod // last status applied
	startTime metav1.Time
	gen       uint64
	cancel    context.CancelFunc
	done      chan struct{}
}

// Config holds provider configuration.
type Config struct {
	NodeName     string
	PollInterval time.Duration
	UnitPrefix   string
	Capacity     corev1.ResourceList
	Metrics      *metrics.Metrics
}

// NewProvider creates a new Virtual Kubelet provider.
func NewProvider(cfg Config, manager ServiceManager) (*Provider, error) {
	if cfg.NodeName == "" {
		return nil, fmt.Errorf("node name is required")
	}
	if manager == nil {
		return nil, fmt.Errorf("service manager is required")
	}

	reg := handles.NewRegistry()
	shared := states.NewSharedState(manager, reg)
	if cfg.PollInterval > 0 {
		shared.PollInterval = cfg.PollInterval
	}
	shared.UnitPrefix = cfg.UnitPrefix
	shared.Metrics = cfg.Metrics

	return &Provider{
		nodeName:  cfg.NodeName,
		capacity:  cfg.Capacity,
		manager:   manager,
		handles:   reg,
		shared:    shared,
		metrics:   cfg.Metrics,
		startTime: time.Now(),
		pods:      make(map[models.PodKey]*podEntry),
	}, nil
}

// PodLifecycleHandler interface implementation

// CreatePod starts supervising pod. Creating a pod that is already tracked
// only refreshes the stored spec.
func (p *Provider) CreatePod(ctx context.Context, pod *corev1.Pod) error {
	key := models.NewPodKey(pod)

	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.pods[key]; ok {
		refreshed := pod.DeepCopy()
		refreshed.Status = entry.pod.Status
		entry.pod = refreshed
		return nil
	}

	entry := &podEntry{
		pod:       pod.DeepCopy(),
		startTime: metav1.Now(),
	}
	p.pods[key] = entry
	p.metrics.SetPodsSupervised(len(p.pods))
	p.startLocked(ctx, key, entry)

	log.G(ctx).WithField("pod", key.String()).Info("Pod accepted")
	return nil
}

// startLocked launches a fresh machine for entry. The machine outlives the
// request, so it gets its own context. Callers hold p.mu.
func (p *Provider) startLocked(ctx context.Context, key models.PodKey, entry *podEntry) {
	p.gen++
	gen := p.gen

	runCtx, cancel := context.WithCancel(log.WithLogger(context.Background(), log.G(ctx)))
	done := make(chan struct{})
	entry.gen = gen
	entry.cancel = cancel
	entry.done = done

	sink := engine.StatusSinkFunc(func(ctx context.Context, pod *corev1.Pod, status *corev1.PodStatus) {
		p.applyStatus(key, gen, status)
	})
	runner := engine.NewRunner(p.shared, sink)
	pod := entry.pod.DeepCopy()

	go func() {
		defer close(done)
		if err := runner.Run(runCtx, pod, states.NewInstalling()); err != nil && !errors.Is(err, context.Canceled) {
			log.G(runCtx).WithError(err).Errorf("Supervision of pod %s stopped", key)
		}
	}()
}

// applyStatus stores status for the pod if it was produced by the pod's
// current machine, then notifies Virtual Kubelet.
func (p *Provider) applyStatus(key models.PodKey, gen uint64, status *corev1.PodStatus) {
	p.mu.Lock()
	entry, ok := p.pods[key]
	if !ok || entry.gen != gen {
		p.mu.Unlock()
		return
	}

	updated := entry.pod.DeepCopy()
	updated.Status = *status.DeepCopy()
	updated.Status.StartTime = &entry.startTime
	entry.pod = updated
	notifier := p.notifier
	p.mu.Unlock()

	if notifier != nil {
		notifier(updated.DeepCopy())
	}
}

// stopMachine cancels the pod's machine and waits for it to return.
func (p *Provider) stopMachine(ctx context.Context, key models.PodKey) error {
	p.mu.RLock()
	entry, ok := p.pods[key]
	var cancel context.CancelFunc
	var done chan struct{}
	if ok {
		cancel, done = entry.cancel, entry.done
	}
	p.mu.RUnlock()

	if !ok || cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for pod %s to stop: %w", key, ctx.Err())
	}
}

// stopUnits stops every unit of the pod and forgets its handles. Units that
// fail to stop stay registered so that a retry can try again.
func (p *Provider) stopUnits(ctx context.Context, key models.PodKey) error {
	h, ok := p.handles.Delete(key)
	if !ok {
		return nil
	}

	var errs []error
	var remaining []models.ContainerHandle
	for _, c := range h.Containers {
		if err := p.manager.StopUnit(ctx, c.ServiceUnit); err != nil {
			errs = append(errs, err)
			remaining = append(remaining, c)
		}
	}

	if len(remaining) > 0 {
		h.Containers = remaining
		p.handles.Put(key, h)
	}
	return errors.Join(errs...)
}

// resume restarts supervision of the pod's stored spec from Installing after
// an update or delete stopped its machine but could not finish. The status
// published last would otherwise stay in place with nothing checking it.
func (p *Provider) resume(ctx context.Context, key models.PodKey, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.pods[key]
	if !ok {
		return
	}
	log.G(ctx).WithField("pod", key.String()).WithError(cause).Warn("Resuming supervision of pod")
	p.startLocked(ctx, key, entry)
}

// UpdatePod restarts the pod from Installing when the units backing its
// containers changed. Other changes only refresh the stored spec.
func (p *Provider) UpdatePod(ctx context.Context, pod *corev1.Pod) error {
	key := models.NewPodKey(pod)

	p.mu.Lock()
	entry, ok := p.pods[key]
	if !ok {
		p.mu.Unlock()
		return errdefs.NotFoundf("pod %s not found", key)
	}
	changed := p.unitsChanged(entry.pod, pod)
	if !changed {
		refreshed := pod.DeepCopy()
		refreshed.Status = entry.pod.Status
		entry.pod = refreshed
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	log.G(ctx).WithField("pod", key.String()).Info("Units changed, reinstalling pod")

	if err := p.stopMachine(ctx, key); err != nil {
		p.resume(ctx, key, err)
		return err
	}
	if err := p.stopUnits(ctx, key); err != nil {
		err = fmt.Errorf("stopping units of pod %s: %w", key, err)
		p.resume(ctx, key, err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok = p.pods[key]
	if !ok {
		return errdefs.NotFoundf("pod %s was deleted during update", key)
	}
	refreshed := pod.DeepCopy()
	refreshed.Status = entry.pod.Status
	entry.pod = refreshed
	p.startLocked(ctx, key, entry)
	return nil
}

func (p *Provider) unitsChanged(old, updated *corev1.Pod) bool {
	if len(old.Spec.Containers) != len(updated.Spec.Containers) {
		return true
	}
	for i := range old.Spec.Containers {
		o, u := old.Spec.Containers[i], updated.Spec.Containers[i]
		if o.Name != u.Name || o.Image != u.Image {
			return true
		}
		if states.UnitName(old, o.Name, p.shared.UnitPrefix) != states.UnitName(updated, u.Name, p.shared.UnitPrefix) {
			return true
		}
	}
	return false
}

// DeletePod stops supervision and the pod's units, then reports the pod as
// terminated. Deleting an unknown pod is not an error.
func (p *Provider) DeletePod(ctx context.Context, pod *corev1.Pod) error {
	key := models.NewPodKey(pod)

	p.mu.RLock()
	_, ok := p.pods[key]
	p.mu.RUnlock()
	if !ok {
		// Already deleted (idempotent)
		return nil
	}

	if err := p.stopMachine(ctx, key); err != nil {
		p.resume(ctx, key, err)
		return err
	}
	if err := p.stopUnits(ctx, key); err != nil {
		err = fmt.Errorf("stopping units of pod %s: %w", key, err)
		p.resume(ctx, key, err)
		return err
	}

	p.mu.Lock()
	entry, ok := p.pods[key]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.pods, key)
	p.metrics.SetPodsSupervised(len(p.pods))

	terminated := entry.pod.DeepCopy()
	terminated.Status = *states.TerminatedStatus(terminated, nil, metav1.Now())
	terminated.Status.StartTime = &entry.startTime
	notifier := p.notifier
	p.mu.Unlock()

	log.G(ctx).WithField("pod", key.String()).Info("Pod deleted")

	if notifier != nil {
		notifier(terminated)
	}
	return nil
}

// GetPod retrieves a pod with its last reported status.
func (p *Provider) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	key := models.PodKey{Namespace: namespace, Name: name}

	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, ok := p.pods[key]
	if !ok {
		return nil, errdefs.NotFoundf("pod %s not found", key)
	}
	return entry.pod.DeepCopy(), nil
}

// GetPodStatus retrieves just the status of a pod.
func (p *Provider) GetPodStatus(ctx context.Context, namespace, name string) (*corev1.PodStatus, error) {
	pod, err := p.GetPod(ctx, namespace, name)
	if err != nil {
		return nil, err
	}
	return &pod.Status, nil
}

// GetPods retrieves all pods managed by this provider.
func (p *Provider) GetPods(ctx context.Context) ([]*corev1.Pod, error) {
	p.mu.RLock()
	pods := make([]*corev1.Pod, 0, len(p.pods))
	for _, entry := range p.pods {
		pods = append(pods, entry.pod.DeepCopy())
	}
	p.mu.RUnlock()

	sort.Slice(pods, func(i, j int) bool {
		return models.NewPodKey(pods[i]).String() < models.NewPodKey(pods[j]).String()
	})
	return pods, nil
}

// NotifyPods registers the callback Virtual Kubelet uses to learn about
// status changes.
func (p *Provider) NotifyPods(ctx context.Context, cb func(*corev1.Pod)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifier = cb
}

// Shutdown stops every machine without touching the units, which keep
// running for the next start of the provider to pick up.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.RLock()
	keys := make([]models.PodKey, 0, len(p.pods))
	for k := range p.pods {
		keys = append(keys, k)
	}
	p.mu.RUnlock()

	var errs []error
	for _, k := range keys {
		if err := p.stopMachine(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
