package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/agent-provisioner/internal/model"
)

type fakeContainer struct {
	info  ResourceInfo
	state ResourceState
	// script overrides Running for successive Inspect calls.
	script []bool
}

type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	nextID     int
	removed    []string

	createErr  error
	startErr   error
	listErr    error
	findErr    error
	removeErr  error
	inspectErr map[string]error
	// neverRuns makes started containers report not running.
	neverRuns bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: make(map[string]*fakeContainer),
		inspectErr: make(map[string]error),
	}
}

func (f *fakeRuntime) Create(ctx context.Context, spec ResourceSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	for _, c := range f.containers {
		if c.info.Name == spec.Name {
			return "", fmt.Errorf("conflict: name %s in use", spec.Name)
		}
	}
	f.nextID++
	id := fmt.Sprintf("c%d", f.nextID)
	labels := make(map[string]string, len(spec.Labels))
	for k, v := range spec.Labels {
		labels[k] = v
	}
	f.containers[id] = &fakeContainer{
		info: ResourceInfo{ID: id, Name: spec.Name, Labels: labels, State: "created", CreatedAt: time.Now()},
	}
	return id, nil
}

func (f *fakeRuntime) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	c, ok := f.containers[id]
	if !ok {
		return errors.New("no such container")
	}
	c.state.Running = !f.neverRuns
	c.state.StartedAt = time.Now()
	return nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, id string) (*ResourceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.inspectErr[id]; err != nil {
		return nil, err
	}
	c, ok := f.containers[id]
	if !ok {
		return nil, errors.New("no such container")
	}
	if len(c.script) > 0 {
		c.state.Running = c.script[0]
		c.script = c.script[1:]
	}
	state := c.state
	return &state, nil
}

func (f *fakeRuntime) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	if _, ok := f.containers[id]; !ok {
		return nil
	}
	delete(f.containers, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) ListByLabel(ctx context.Context, key, value string) ([]ResourceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []ResourceInfo
	for _, c := range f.containers {
		if c.info.Labels[key] == value {
			out = append(out, c.info)
		}
	}
	return out, nil
}

func (f *fakeRuntime) FindByName(ctx context.Context, name string) (*ResourceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	for _, c := range f.containers {
		if c.info.Name == name {
			info := c.info
			return &info, nil
		}
	}
	return nil, nil
}

// add registers a container created outside the engine.
func (f *fakeRuntime) add(id, name string, labels map[string]string, state ResourceState, createdAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = &fakeContainer{
		info:  ResourceInfo{ID: id, Name: name, Labels: labels, CreatedAt: createdAt},
		state: state,
	}
}

func (f *fakeRuntime) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[id]
	return ok
}

func (f *fakeRuntime) byName(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, c := range f.containers {
		if c.info.Name == name {
			ids = append(ids, id)
		}
	}
	return ids
}

func (f *fakeRuntime) setState(id string, state ResourceState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id].state = state
}

type mockInstanceRepo struct {
	mu        sync.Mutex
	instances map[string]*model.RuntimeInstance
	updates   int
	listErr   error
}

func newMockInstanceRepo() *mockInstanceRepo {
	return &mockInstanceRepo{instances: make(map[string]*model.RuntimeInstance)}
}

func (m *mockInstanceRepo) FindByUserID(ctx context.Context, userID string) (*model.RuntimeInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[userID]; ok {
		copied := *inst
		return &copied, nil
	}
	return nil, nil
}

func (m *mockInstanceRepo) CreateOrReplaceForUser(ctx context.Context, userID, workDir string, extra model.InstanceExtra) (*model.RuntimeInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[userID]
	if !ok {
		inst = &model.RuntimeInstance{ID: uuid.NewString(), UserID: userID, CreatedAt: time.Now()}
		m.instances[userID] = inst
	}
	inst.ContainerID = nil
	inst.ContainerName = extra.ContainerName
	inst.Status = model.InstanceStatusProvisioning
	inst.WorkDir = workDir
	inst.AccessToken = extra.AccessToken
	inst.ConfigVersion = extra.ConfigVersion
	inst.PluginVersion = extra.PluginVersion
	inst.PolicyVersion = extra.PolicyVersion
	inst.ConfigDigest = extra.ConfigDigest
	inst.ImageRef = extra.ImageRef
	inst.UpdatedAt = time.Now()
	copied := *inst
	return &copied, nil
}

func (m *mockInstanceRepo) UpdateStatus(ctx context.Context, id string, status model.InstanceStatus, containerID *string) (*model.RuntimeInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.ID != id {
			continue
		}
		m.updates++
		inst.Status = status
		if status == model.InstanceStatusStopped {
			inst.ContainerID = nil
		} else if containerID != nil {
			cid := *containerID
			inst.ContainerID = &cid
		}
		now := time.Now()
		inst.ReconciledAt = &now
		copied := *inst
		return &copied, nil
	}
	return nil, nil
}

func (m *mockInstanceRepo) List(ctx context.Context) ([]model.RuntimeInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]model.RuntimeInstance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, *inst)
	}
	return out, nil
}

func (m *mockInstanceRepo) put(inst model.RuntimeInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	m.instances[inst.UserID] = &inst
}

func (m *mockInstanceRepo) get(userID string) model.RuntimeInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.instances[userID]
}

func (m *mockInstanceRepo) updateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates
}

type countingOwner struct {
	mu    sync.Mutex
	calls int
}

func (o *countingOwner) Chown(path string, uid, gid int) error {
	o.mu.Lock()
	o.calls++
	o.mu.Unlock()
	return nil
}

func strPtr(s string) *string { return &s }
