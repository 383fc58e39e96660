package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"decloud/internal/model"
	"decloud/internal/store"
)

// DefaultWindow is how long a record stays live without a refresh.
const DefaultWindow = 120 * time.Second

const (
	peersPath  = "superpeer/peers"
	ownersPath = "superpeer/owners"
)

// ErrInvalidName is returned for empty names or names containing '/'.
var ErrInvalidName = errors.New("invalid peer name")

// Registry is the shared peer table kept in the store.
type Registry struct {
	st     store.Store
	window time.Duration
	now    func() time.Time

	claimMu sync.Mutex
}

// owner binds a peer name to the hash of the token that first claimed it.
type owner struct {
	TokenHash string    `json:"tokenHash"`
	Since     time.Time `json:"since"`
}

type Option func(*Registry)

func WithWindow(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.window = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func New(st store.Store, opts ...Option) *Registry {
	r := &Registry{st: st, window: DefaultWindow, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Window returns the liveness window.
func (r *Registry) Window() time.Duration {
	return r.window
}

// Upsert replaces the record for rec.Name and stamps it with the current time.
// Fields absent from rec are not merged from the previous record.
func (r *Registry) Upsert(ctx context.Context, rec model.PeerRecord) (model.PeerRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.PeerRecord{}, err
	}
	name := strings.TrimSpace(rec.Name)
	if name == "" {
		return model.PeerRecord{}, fmt.Errorf("peer name is required: %w", ErrInvalidName)
	}
	if strings.Contains(name, "/") {
		return model.PeerRecord{}, fmt.Errorf("%w %q", ErrInvalidName, name)
	}
	rec.Name = name
	rec.Normalize()
	rec.LastSeen = r.now().UTC()
	if err := r.st.Put(store.Join(peersPath, name), rec); err != nil {
		return model.PeerRecord{}, fmt.Errorf("upsert %s: %w", name, err)
	}
	return rec, nil
}

// Deregister removes the record for name. A missing record is not an error.
func (r *Registry) Deregister(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("%w %q", ErrInvalidName, name)
	}
	if err := r.st.Delete(store.Join(peersPath, name)); err != nil {
		return fmt.Errorf("deregister %s: %w", name, err)
	}
	if err := r.st.Delete(store.Join(ownersPath, name)); err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	return nil
}

// Get returns the record for name regardless of liveness.
func (r *Registry) Get(ctx context.Context, name string) (model.PeerRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.PeerRecord{}, err
	}
	var rec model.PeerRecord
	if err := r.st.Get(store.Join(peersPath, name), &rec); err != nil {
		return model.PeerRecord{}, err
	}
	return rec, nil
}

// ListLive returns every record refreshed within the window. Order is unspecified.
func (r *Registry) ListLive(ctx context.Context) ([]model.PeerRecord, error) {
	all, err := r.list(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	out := make([]model.PeerRecord, 0, len(all))
	for _, rec := range all {
		if rec.Live(now, r.window) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Prune deletes records whose last refresh is older than olderThan.
func (r *Registry) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	all, err := r.list(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := r.now().Add(-olderThan)
	removed := 0
	for _, rec := range all {
		if rec.LastSeen.After(cutoff) {
			continue
		}
		if err := r.Deregister(ctx, rec.Name); err != nil {
			return removed, fmt.Errorf("prune: %w", err)
		}
		removed++
	}
	return removed, nil
}

func (r *Registry) list(ctx context.Context) ([]model.PeerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names, err := r.st.Children(peersPath)
	if err != nil {
		return nil, err
	}
	out := make([]model.PeerRecord, 0, len(names))
	for _, name := range names {
		var rec model.PeerRecord
		if err := r.st.Get(store.Join(peersPath, name), &rec); err != nil {
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// OwnedWriter can only write the record of the peer it was claimed for.
type OwnedWriter struct {
	reg   *Registry
	owner string
}

// Claim authorizes writes to name. The first claim binds the name to token,
// issuing a fresh one when token is empty; issued is only set in that case.
// Later claims must present the same token until the name is deregistered
// or pruned.
func (r *Registry) Claim(ctx context.Context, name, token string) (OwnedWriter, string, error) {
	if err := ctx.Err(); err != nil {
		return OwnedWriter{}, "", err
	}
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, "/") {
		return OwnedWriter{}, "", fmt.Errorf("%w %q", ErrInvalidName, name)
	}

	r.claimMu.Lock()
	defer r.claimMu.Unlock()

	path := store.Join(ownersPath, name)
	var cur owner
	err := r.st.Get(path, &cur)
	switch {
	case err == nil:
		if token == "" || subtle.ConstantTimeCompare([]byte(cur.TokenHash), []byte(hashToken(token))) != 1 {
			return OwnedWriter{}, "", fmt.Errorf("peer %q is owned by another client: %w", name, model.ErrUnauthorized)
		}
		return OwnedWriter{reg: r, owner: name}, "", nil
	case !errors.Is(err, model.ErrNotFound):
		return OwnedWriter{}, "", fmt.Errorf("load owner %s: %w", name, err)
	}

	issued := ""
	if token == "" {
		if token, err = NewToken(); err != nil {
			return OwnedWriter{}, "", err
		}
		issued = token
	}
	if err := r.st.Put(path, owner{TokenHash: hashToken(token), Since: r.now().UTC()}); err != nil {
		return OwnedWriter{}, "", fmt.Errorf("claim %s: %w", name, err)
	}
	return OwnedWriter{reg: r, owner: name}, issued, nil
}

// Name returns the peer the writer is bound to.
func (w OwnedWriter) Name() string { return w.owner }

func (w OwnedWriter) Upsert(ctx context.Context, rec model.PeerRecord) (model.PeerRecord, error) {
	if w.reg == nil || strings.TrimSpace(rec.Name) != w.owner {
		return model.PeerRecord{}, fmt.Errorf("write %q as %q: %w", rec.Name, w.owner, model.ErrUnauthorized)
	}
	return w.reg.Upsert(ctx, rec)
}

func (w OwnedWriter) Deregister(ctx context.Context) error {
	if w.reg == nil {
		return fmt.Errorf("deregister without a claim: %w", model.ErrUnauthorized)
	}
	return w.reg.Deregister(ctx, w.owner)
}

// NewToken returns a random hex ownership token.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
