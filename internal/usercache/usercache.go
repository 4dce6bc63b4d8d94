// Package usercache puts read-through cache regions in front of a user.Store.
// Loads of one user are serialized through a per-key lock so concurrent
// misses hit the database once. Writes go to the delegate first and then
// invalidate or refresh the cached record under the same lock, so a load that
// read the row before the write cannot put it back afterwards.
package usercache

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"userdir.org/internal/cache"
	"userdir.org/internal/keylock"
	"userdir.org/internal/obs"
	"userdir.org/internal/user"
)

// Region names used by the directory.
const (
	RegionUser      = "User"
	RegionUserLogin = "UserLogin"
	RegionUserIMAP  = "UserIMAPLogin"
)

var lookups = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "userdir_cache_lookups_total",
	Help: "Cache region lookups by result.",
}, []string{"region", "result"})

// Collectors returns the metrics of this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{lookups}
}

// LockKey identifies the user whose load is serialized.
type LockKey struct {
	ContextID int
	UserID    int
}

// CachingStore decorates a user.Store with cache regions.
type CachingStore struct {
	delegate user.Store
	users    cache.Region[*user.User]
	logins   cache.Region[int]
	imap     cache.Region[[]int]
	locks    keylock.Locker[LockKey]
	flight   singleflight.Group
	log      *slog.Logger

	// epoch moves on every invalidation. Loads that do not hold the per-key
	// lock while reading compare it before caching what they read.
	epoch atomic.Uint64
}

var _ user.Store = (*CachingStore)(nil)

// Option configures a CachingStore.
type Option func(*CachingStore)

// WithUserRegion sets the region holding full user records. Without it every
// call passes through to the delegate.
func WithUserRegion(r cache.Region[*user.User]) Option {
	return func(s *CachingStore) { s.users = r }
}

// WithLoginRegion sets the login name to user id region.
func WithLoginRegion(r cache.Region[int]) Option {
	return func(s *CachingStore) { s.logins = r }
}

// WithIMAPRegion sets the IMAP login to user ids region.
func WithIMAPRegion(r cache.Region[[]int]) Option {
	return func(s *CachingStore) { s.imap = r }
}

// WithLocks overrides the lock registry. A nil locker disables per-key
// locking, and with it the ordering of loads against invalidations.
func WithLocks(l keylock.Locker[LockKey]) Option {
	return func(s *CachingStore) {
		if l == nil {
			s.log.Warn("no lock registry configured, concurrent cache loads are not serialized")
			l = keylock.Nop[LockKey]{}
		}
		s.locks = l
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *CachingStore) {
		if l != nil {
			s.log = l
		}
	}
}

// New wraps delegate.
func New(delegate user.Store, opts ...Option) *CachingStore {
	s := &CachingStore{
		delegate: delegate,
		locks:    keylock.New[LockKey](),
		log:      obs.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func regionName[V any](r cache.Region[V]) string {
	if r == nil {
		return "none"
	}
	return r.Name()
}

// probe reads a region and treats failures as misses.
func probe[V any](ctx context.Context, log *slog.Logger, r cache.Region[V], key cache.Key) (V, bool) {
	var zero V
	res, err := r.Get(ctx, key)
	if err != nil {
		lookups.WithLabelValues(r.Name(), "error").Inc()
		log.WarnContext(ctx, "cache read failed", "region", r.Name(), "key", key.String(), "error", err)
		return zero, false
	}
	v, ok := res.Get()
	if ok {
		lookups.WithLabelValues(r.Name(), "hit").Inc()
	} else {
		lookups.WithLabelValues(r.Name(), "miss").Inc()
	}
	return v, ok
}

func (s *CachingStore) cached(ctx context.Context, contextID, userID int) (*user.User, bool) {
	u, ok := probe(ctx, s.log, s.users, cache.IDKey(contextID, userID))
	if !ok || u == nil {
		return nil, false
	}
	return u.Clone(), true
}

// store caches u. The caller holds the lock of u.
func (s *CachingStore) store(ctx context.Context, u *user.User) {
	if err := s.users.Put(ctx, cache.IDKey(u.ContextID, u.ID), u.Clone()); err != nil {
		s.log.WarnContext(ctx, "cache write failed", "region", s.users.Name(),
			"context_id", u.ContextID, "user_id", u.ID, "error", err)
	}
}

// storeLoaded caches users read without holding their locks. since is the
// epoch observed before the read; once it moved, a write may have committed
// after the read and the records are not cached.
func (s *CachingStore) storeLoaded(ctx context.Context, since uint64, users []*user.User) {
	for _, u := range users {
		release, err := s.locks.Lock(ctx, LockKey{ContextID: u.ContextID, UserID: u.ID})
		if err != nil {
			return
		}
		current := s.epoch.Load() == since
		if current {
			s.store(ctx, u)
		}
		release()
		if !current {
			s.log.DebugContext(ctx, "skipping cache fill after concurrent write",
				"context_id", u.ContextID, "user_id", u.ID)
			return
		}
	}
}

// User returns the user, loading it at most once per concurrent miss.
func (s *CachingStore) User(ctx context.Context, contextID, userID int) (*user.User, error) {
	if s.users == nil {
		return s.delegate.User(ctx, contextID, userID)
	}
	if u, ok := s.cached(ctx, contextID, userID); ok {
		return u, nil
	}

	start := time.Now()
	release, err := s.locks.Lock(ctx, LockKey{ContextID: contextID, UserID: userID})
	if err != nil {
		return nil, err
	}
	defer release()

	if u, ok := s.cached(ctx, contextID, userID); ok {
		return u, nil
	}
	u, err := s.delegate.User(ctx, contextID, userID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			s.evictResolvedLogin(ctx, contextID)
		}
		return nil, err
	}
	s.store(ctx, u)
	s.log.DebugContext(ctx, "user loaded", "context_id", contextID, "user_id", userID,
		"took", time.Since(start))
	return u.Clone(), nil
}

// evictResolvedLogin drops the login mapping that led to a missing user.
func (s *CachingStore) evictResolvedLogin(ctx context.Context, contextID int) {
	login, ok := user.ResolvedLoginFromContext(ctx, contextID)
	if !ok || s.logins == nil {
		return
	}
	if err := s.logins.Remove(ctx, cache.NameKey(contextID, login)); err != nil {
		s.log.WarnContext(ctx, "stale login mapping not evicted", "context_id", contextID,
			"login", login, "error", err)
	}
}

// Users returns the users in request order. Only cache misses are loaded, in
// one delegate call.
func (s *CachingStore) Users(ctx context.Context, contextID int, userIDs []int) ([]*user.User, error) {
	if s.users == nil || len(userIDs) == 0 {
		return s.delegate.Users(ctx, contextID, userIDs)
	}
	found := make(map[int]*user.User, len(userIDs))
	var misses []int
	for _, id := range userIDs {
		if _, seen := found[id]; seen {
			continue
		}
		if u, ok := s.cached(ctx, contextID, id); ok {
			found[id] = u
			continue
		}
		found[id] = nil
		misses = append(misses, id)
	}
	if len(misses) > 0 {
		since := s.epoch.Load()
		loaded, err := s.delegate.Users(ctx, contextID, misses)
		if err != nil {
			return nil, err
		}
		s.storeLoaded(ctx, since, loaded)
		for _, u := range loaded {
			found[u.ID] = u
		}
	}
	out := make([]*user.User, 0, len(userIDs))
	for _, id := range userIDs {
		u := found[id]
		if u == nil {
			return nil, user.NotFound(contextID, id)
		}
		out = append(out, u.Clone())
	}
	return out, nil
}

// AllUsers loads every user of the context and refreshes the cache with them.
func (s *CachingStore) AllUsers(ctx context.Context, contextID int, filter user.GuestFilter) ([]*user.User, error) {
	since := s.epoch.Load()
	users, err := s.delegate.AllUsers(ctx, contextID, filter)
	if err != nil {
		return nil, err
	}
	if s.users != nil {
		s.storeLoaded(ctx, since, users)
	}
	return users, nil
}

// GuestsCreatedBy loads the guests created by userID and caches them.
func (s *CachingStore) GuestsCreatedBy(ctx context.Context, contextID, userID int) ([]*user.User, error) {
	since := s.epoch.Load()
	users, err := s.delegate.GuestsCreatedBy(ctx, contextID, userID)
	if err != nil {
		return nil, err
	}
	if s.users != nil {
		s.storeLoaded(ctx, since, users)
	}
	return users, nil
}

func (s *CachingStore) ListUserIDs(ctx context.Context, contextID int, filter user.GuestFilter) ([]int, error) {
	return s.delegate.ListUserIDs(ctx, contextID, filter)
}

func (s *CachingStore) ListModified(ctx context.Context, contextID int, since time.Time) ([]int, error) {
	return s.delegate.ListModified(ctx, contextID, since)
}

// UserID resolves a login name. Concurrent misses for the same login share
// one delegate call, which runs detached from the cancellation of whichever
// caller started it.
func (s *CachingStore) UserID(ctx context.Context, contextID int, login string) (int, error) {
	if s.logins == nil {
		return s.delegate.UserID(ctx, contextID, login)
	}
	key := cache.NameKey(contextID, login)
	if id, ok := probe(ctx, s.log, s.logins, key); ok {
		return id, nil
	}
	shared := context.WithoutCancel(ctx)
	v, err, _ := s.flight.Do(key.String(), func() (any, error) {
		id, err := s.delegate.UserID(shared, contextID, login)
		if err != nil {
			return 0, err
		}
		if err := s.logins.Put(shared, key, id); err != nil {
			return 0, user.CacheProblem(err)
		}
		return id, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// ResolveLogin resolves login and returns a context remembering the mapping,
// so a NotFound on the following User call evicts it.
func (s *CachingStore) ResolveLogin(ctx context.Context, contextID int, login string) (context.Context, int, error) {
	id, err := s.UserID(ctx, contextID, login)
	if err != nil {
		return ctx, 0, err
	}
	return user.ContextWithResolvedLogin(ctx, contextID, login), id, nil
}

// ResolveIMAPLogin maps an IMAP login to the users sharing it.
func (s *CachingStore) ResolveIMAPLogin(ctx context.Context, contextID int, imapLogin string) ([]int, error) {
	if s.imap == nil {
		return s.delegate.ResolveIMAPLogin(ctx, contextID, imapLogin)
	}
	key := cache.NameKey(contextID, imapLogin)
	res, err := s.imap.Get(ctx, key)
	if err != nil {
		return nil, user.CacheProblem(err)
	}
	if ids, ok := res.Get(); ok {
		lookups.WithLabelValues(s.imap.Name(), "hit").Inc()
		return append([]int(nil), ids...), nil
	}
	lookups.WithLabelValues(s.imap.Name(), "miss").Inc()
	ids, err := s.delegate.ResolveIMAPLogin(ctx, contextID, imapLogin)
	if err != nil {
		return nil, err
	}
	if err := s.imap.Put(ctx, key, append([]int(nil), ids...)); err != nil {
		return nil, user.CacheProblem(err)
	}
	return ids, nil
}

// IsGuest loads the user through the cache.
func (s *CachingStore) IsGuest(ctx context.Context, contextID, userID int) (bool, error) {
	u, err := s.User(ctx, contextID, userID)
	if err != nil {
		return false, err
	}
	return u.IsGuest(), nil
}

// Exists answers from the cache when possible but never populates it.
func (s *CachingStore) Exists(ctx context.Context, contextID, userID int) (bool, error) {
	if s.users != nil {
		if _, ok := s.cached(ctx, contextID, userID); ok {
			return true, nil
		}
	}
	return s.delegate.Exists(ctx, contextID, userID)
}

func (s *CachingStore) SearchByName(ctx context.Context, contextID int, pattern string, types user.SearchType) ([]*user.User, error) {
	return s.delegate.SearchByName(ctx, contextID, pattern, types)
}

func (s *CachingStore) SearchByMail(ctx context.Context, contextID int, mail string, opts user.MailSearch) (*user.User, error) {
	return s.delegate.SearchByMail(ctx, contextID, mail, opts)
}

func (s *CachingStore) SearchByMailLogin(ctx context.Context, contextID int, login string) ([]*user.User, error) {
	return s.delegate.SearchByMailLogin(ctx, contextID, login)
}

func (s *CachingStore) CreateUser(ctx context.Context, contextID int, u *user.User) (int, error) {
	return s.delegate.CreateUser(ctx, contextID, u)
}

// UpdateUser skips the write when the cached snapshot already matches every
// assigned field and the attribute map.
func (s *CachingStore) UpdateUser(ctx context.Context, upd *user.Update) error {
	if upd == nil {
		return user.Unexpected("update is nil")
	}
	if s.users != nil {
		if current, ok := s.cached(ctx, upd.ContextID, upd.UserID); ok && !upd.Differs(current) {
			s.log.DebugContext(ctx, "update matches cached user, skipping write",
				"context_id", upd.ContextID, "user_id", upd.UserID)
			return nil
		}
	}
	if err := s.delegate.UpdateUser(ctx, upd); err != nil {
		return err
	}
	return s.invalidate(ctx, upd.ContextID, upd.UserID)
}

func (s *CachingStore) UpdatePassword(ctx context.Context, contextID, userID int, mech, password string, salt []byte) error {
	if err := s.delegate.UpdatePassword(ctx, contextID, userID, mech, password, salt); err != nil {
		return err
	}
	return s.invalidate(ctx, contextID, userID)
}

// DeleteUser removes the user and every cache entry known to point at it.
func (s *CachingStore) DeleteUser(ctx context.Context, contextID, userID int) error {
	var snapshot *user.User
	if s.users != nil {
		snapshot, _ = s.cached(ctx, contextID, userID)
	}
	if err := s.delegate.DeleteUser(ctx, contextID, userID); err != nil {
		return err
	}
	var result *multierror.Error
	if err := s.invalidate(ctx, contextID, userID); err != nil {
		result = multierror.Append(result, err)
	}
	if snapshot != nil {
		if s.logins != nil && snapshot.LoginInfo != "" && !snapshot.HasPlaceholderLogin() {
			if err := s.logins.Remove(ctx, cache.NameKey(contextID, snapshot.LoginInfo)); err != nil {
				result = multierror.Append(result, user.CacheProblem(err))
			}
		}
		if s.imap != nil && snapshot.IMAPLogin != "" {
			if err := s.imap.Remove(ctx, cache.NameKey(contextID, snapshot.IMAPLogin)); err != nil {
				result = multierror.Append(result, user.CacheProblem(err))
			}
		}
	}
	return result.ErrorOrNil()
}

// Attribute reads an attribute from the cached record.
func (s *CachingStore) Attribute(ctx context.Context, contextID, userID int, name string) (string, bool, error) {
	if s.users == nil {
		return s.delegate.Attribute(ctx, contextID, userID, name)
	}
	u, err := s.User(ctx, contextID, userID)
	if err != nil {
		return "", false, err
	}
	v, ok := u.Attribute(name)
	return v, ok, nil
}

func (s *CachingStore) SetAttribute(ctx context.Context, contextID, userID int, name, value string) error {
	if err := s.delegate.SetAttribute(ctx, contextID, userID, name, value); err != nil {
		return err
	}
	return s.invalidate(ctx, contextID, userID)
}

func (s *CachingStore) RemoveAttribute(ctx context.Context, contextID, userID int, name string) error {
	if err := s.delegate.RemoveAttribute(ctx, contextID, userID, name); err != nil {
		return err
	}
	return s.invalidate(ctx, contextID, userID)
}

// SetAttributeAndReload writes the attribute and replaces the cached record
// with the reloaded one.
func (s *CachingStore) SetAttributeAndReload(ctx context.Context, contextID, userID int, name, value string) (*user.User, error) {
	u, err := s.delegate.SetAttributeAndReload(ctx, contextID, userID, name, value)
	if err != nil {
		return nil, err
	}
	if s.users == nil {
		return u, nil
	}
	release, err := s.lockForWrite(ctx, contextID, userID)
	if err != nil {
		return nil, err
	}
	defer release()
	s.epoch.Add(1)
	key := cache.IDKey(contextID, userID)
	if err := s.users.Put(ctx, key, u.Clone()); err != nil {
		s.log.WarnContext(ctx, "cache refresh failed, invalidating", "context_id", contextID,
			"user_id", userID, "error", err)
		if err := s.users.Remove(ctx, key); err != nil {
			return nil, user.CacheProblem(err)
		}
	}
	return u.Clone(), nil
}

// InvalidateUser drops the cached record.
func (s *CachingStore) InvalidateUser(ctx context.Context, contextID, userID int) error {
	if err := s.delegate.InvalidateUser(ctx, contextID, userID); err != nil {
		return err
	}
	return s.invalidate(ctx, contextID, userID)
}

// lockForWrite takes the per-key lock after a committed write. The write
// already happened, so the caller's cancellation must not skip the cache
// update.
func (s *CachingStore) lockForWrite(ctx context.Context, contextID, userID int) (func(), error) {
	release, err := s.locks.Lock(context.WithoutCancel(ctx), LockKey{ContextID: contextID, UserID: userID})
	if err != nil {
		return nil, user.CacheProblem(err)
	}
	return release, nil
}

// invalidate drops the cached record once any load of it still in flight
// has finished.
func (s *CachingStore) invalidate(ctx context.Context, contextID, userID int) error {
	if s.users == nil {
		return nil
	}
	release, err := s.lockForWrite(ctx, contextID, userID)
	if err != nil {
		return err
	}
	defer release()
	s.epoch.Add(1)
	if err := s.users.Remove(ctx, cache.IDKey(contextID, userID)); err != nil {
		return user.CacheProblem(err)
	}
	return nil
}

// Probe checks that the user region answers. It is used by readiness checks.
func (s *CachingStore) Probe(ctx context.Context) error {
	if s.users == nil {
		return nil
	}
	_, err := s.users.Get(ctx, cache.IDKey(0, 0))
	if err != nil {
		return user.CacheProblem(err)
	}
	return nil
}

// Regions lists the configured region names.
func (s *CachingStore) Regions() []string {
	return []string{regionName(s.users), regionName(s.logins), regionName(s.imap)}
}
