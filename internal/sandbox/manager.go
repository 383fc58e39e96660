package sandbox

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"decloud/internal/metrics"
	"decloud/internal/model"
	"decloud/internal/store"
)

// DefaultRAM is applied when a deploy request names no memory limit.
const DefaultRAM uint64 = 8 << 30

// Grant is returned to whoever deployed a sandbox.
type Grant struct {
	ContainerID string `json:"containerId"`
	SecretKey   string `json:"secretKey"`
}

// Info is the public view of a session. Secrets are never exposed.
type Info struct {
	ID        string                 `json:"id"`
	Owner     string                 `json:"owner,omitempty"`
	Resources model.SandboxResources `json:"resources"`
	HasSecret bool                   `json:"hasSecret"`
	Status    string                 `json:"status"`
	CreatedAt time.Time              `json:"createdAt"`
}

type session struct {
	id        string
	owner     string
	resources model.SandboxResources
	secret    string
	handle    Handle
	createdAt time.Time
}

// record is what gets replicated; it carries no secret.
type record struct {
	Owner     string                 `json:"owner,omitempty"`
	Resources model.SandboxResources `json:"resources"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Manager owns the session table of the local peer.
type Manager struct {
	exec Executor
	st   store.Store
	self string
	log  *zap.Logger
	now  func() time.Time

	defaultRAM uint64

	mu       sync.Mutex
	sessions map[string]*session
}

func NewManager(exec Executor, st store.Store, self string, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		exec:     exec,
		st:       st,
		self:     self,
		log:      log,
		now:      time.Now,
		sessions: make(map[string]*session),

		defaultRAM: DefaultRAM,
	}
}

// SetSelf changes the peer name used for replicated session paths.
func (m *Manager) SetSelf(name string) {
	m.mu.Lock()
	m.self = name
	m.mu.Unlock()
}

// SetDefaultRAM changes the memory limit used when a request names none.
func (m *Manager) SetDefaultRAM(n uint64) {
	if n == 0 {
		return
	}
	m.mu.Lock()
	m.defaultRAM = n
	m.mu.Unlock()
}

// Deploy starts a sandbox for owner. An empty owner means a local deploy.
func (m *Manager) Deploy(ctx context.Context, owner string, res model.SandboxResources) (Grant, error) {
	if res.RAM == 0 {
		m.mu.Lock()
		res.RAM = m.defaultRAM
		m.mu.Unlock()
	}
	h, err := m.exec.Create(ctx, Spec{Resources: res})
	if err != nil {
		return Grant{}, err
	}
	secret, err := newSecret()
	if err != nil {
		m.destroy(context.WithoutCancel(ctx), "", h)
		return Grant{}, err
	}

	s := &session{
		id:        uuid.New().String(),
		owner:     owner,
		resources: res,
		secret:    secret,
		handle:    h,
		createdAt: m.now().UTC(),
	}
	m.mu.Lock()
	m.sessions[s.id] = s
	self := m.self
	m.mu.Unlock()
	metrics.SandboxSessions.Inc()

	if self != "" && m.st != nil {
		rec := record{Owner: owner, Resources: res, CreatedAt: s.createdAt}
		if err := m.st.Put(containerPath(self, s.id), rec); err != nil {
			m.log.Warn("persist session failed", zap.String("container", s.id), zap.Error(err))
		}
	}
	m.log.Info("sandbox deployed", zap.String("container", s.id), zap.String("owner", owner))
	return Grant{ContainerID: s.id, SecretKey: secret}, nil
}

// Exec runs cmd in session id. The key is checked before the executor is used.
func (m *Manager) Exec(ctx context.Context, id, secretKey, cmd string) (string, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("container %s: %w", id, model.ErrNotFound)
	}
	if !keyMatches(s.secret, secretKey) {
		return "", fmt.Errorf("container %s: invalid secret key: %w", id, model.ErrUnauthorized)
	}
	return m.exec.Exec(ctx, s.handle, cmd)
}

// Close destroys session id without checking its key.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	self := m.self
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("container %s: %w", id, model.ErrNotFound)
	}
	m.finish(ctx, self, s)
	return nil
}

// CloseWithKey destroys session id if secretKey matches.
func (m *Manager) CloseWithKey(ctx context.Context, id, secretKey string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok && keyMatches(s.secret, secretKey) {
		delete(m.sessions, id)
	}
	self := m.self
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("container %s: %w", id, model.ErrNotFound)
	}
	if !keyMatches(s.secret, secretKey) {
		return fmt.Errorf("container %s: invalid secret key: %w", id, model.ErrUnauthorized)
	}
	m.finish(ctx, self, s)
	return nil
}

// CloseOwnedBy destroys every session deployed on behalf of owner.
func (m *Manager) CloseOwnedBy(ctx context.Context, owner string) int {
	if owner == "" {
		return 0
	}
	return m.closeWhere(ctx, func(s *session) bool { return s.owner == owner })
}

// CloseAll destroys every session.
func (m *Manager) CloseAll(ctx context.Context) int {
	return m.closeWhere(ctx, func(*session) bool { return true })
}

func (m *Manager) closeWhere(ctx context.Context, match func(*session) bool) int {
	m.mu.Lock()
	var victims []*session
	for id, s := range m.sessions {
		if match(s) {
			victims = append(victims, s)
			delete(m.sessions, id)
		}
	}
	self := m.self
	m.mu.Unlock()

	for _, s := range victims {
		m.finish(ctx, self, s)
	}
	return len(victims)
}

func (m *Manager) finish(ctx context.Context, self string, s *session) {
	m.destroy(ctx, s.id, s.handle)
	metrics.SandboxSessions.Dec()
	if self != "" && m.st != nil {
		if err := m.st.Delete(containerPath(self, s.id)); err != nil {
			m.log.Warn("unpersist session failed", zap.String("container", s.id), zap.Error(err))
		}
	}
	m.log.Info("sandbox closed", zap.String("container", s.id), zap.String("owner", s.owner))
}

// destroy stops then removes; an auto-removed container makes rm fail, which is fine.
func (m *Manager) destroy(ctx context.Context, id string, h Handle) {
	stopErr := m.exec.Stop(ctx, h)
	rmErr := m.exec.Remove(ctx, h)
	if stopErr != nil && rmErr != nil {
		m.log.Warn("sandbox teardown failed",
			zap.String("container", id),
			zap.NamedError("stop", stopErr),
			zap.NamedError("remove", rmErr),
		)
	}
}

// List returns all sessions, oldest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) Get(id string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Info{}, fmt.Errorf("container %s: %w", id, model.ErrNotFound)
	}
	return s.info(), nil
}

// Pinned returns the resources held by live sessions.
func (m *Manager) Pinned() []model.SandboxResources {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.SandboxResources, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.resources)
	}
	return out
}

func (s *session) info() Info {
	return Info{
		ID:        s.id,
		Owner:     s.owner,
		Resources: s.resources,
		HasSecret: s.secret != "",
		Status:    "running",
		CreatedAt: s.createdAt,
	}
}

func containerPath(self, id string) string {
	return store.Join("peer", self, "containers", id)
}

func keyMatches(want, got string) bool {
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
