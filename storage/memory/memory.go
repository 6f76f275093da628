// Package memory provides an in-memory storage implementation suitable for
// development, tests, and single-instance deployments. All state is lost on
// restart. A background janitor physically removes expired records; protocol
// correctness never depends on it because expiry is also checked at access
// time.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/authforge/authforge/storage"
)

// Store implements every storage interface with mutex-guarded maps.
type Store struct {
	mu sync.RWMutex

	clients  map[string]*storage.Client
	pending  map[string]*storage.PendingAuthorization
	grants   map[string]*storage.AuthorizationGrant
	consents map[consentKey]*storage.Consent
	tokens   map[string]*storage.AccessTokenRecord // keyed by access token
	devices  map[string]*storage.DeviceAuthorization

	// Secondary indexes
	byRefreshToken map[string][]string // refresh token -> access token keys
	byUserCode     map[string]string   // user code -> device code

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

type consentKey struct {
	clientID string
	userID   string
}

// NewStore creates an in-memory store with a 5 minute cleanup interval.
func NewStore() *Store {
	return NewStoreWithCleanupInterval(5 * time.Minute)
}

// NewStoreWithCleanupInterval creates an in-memory store with a custom
// janitor interval. A non-positive interval disables the janitor.
func NewStoreWithCleanupInterval(interval time.Duration) *Store {
	s := &Store{
		clients:         make(map[string]*storage.Client),
		pending:         make(map[string]*storage.PendingAuthorization),
		grants:          make(map[string]*storage.AuthorizationGrant),
		consents:        make(map[consentKey]*storage.Consent),
		tokens:          make(map[string]*storage.AccessTokenRecord),
		devices:         make(map[string]*storage.DeviceAuthorization),
		byRefreshToken:  make(map[string][]string),
		byUserCode:      make(map[string]string),
		cleanupInterval: interval,
		stopCleanup:     make(chan struct{}),
	}
	if interval > 0 {
		go s.cleanupLoop()
	}
	return s
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			_, _ = s.DeleteExpiredGrants(ctx)
			_, _ = s.DeleteExpiredTokens(ctx)
			_, _ = s.DeleteExpiredDeviceAuthorizations(ctx)
			s.deleteExpiredPending()
		case <-s.stopCleanup:
			return
		}
	}
}

// --- ClientStore ---

func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ClientID] = cloneClient(client)
	return nil
}

func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	return cloneClient(client), nil
}

func (s *Store) ValidateClientSecret(_ context.Context, clientID, clientSecret string) error {
	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return storage.ErrClientNotFound
	}
	return bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret))
}

func (s *Store) ListClients(_ context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, cloneClient(c))
	}
	return out, nil
}

// --- FlowStore ---

func (s *Store) SavePendingAuthorization(_ context.Context, pending *storage.PendingAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := *pending
	p.Scopes = slices.Clone(pending.Scopes)
	s.pending[pending.TraceID] = &p
	return nil
}

func (s *Store) GetPendingAuthorization(_ context.Context, traceID string) (*storage.PendingAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pending[traceID]
	if !ok {
		return nil, storage.ErrPendingAuthNotFound
	}
	out := *p
	out.Scopes = slices.Clone(p.Scopes)
	return &out, nil
}

func (s *Store) DeletePendingAuthorization(_ context.Context, traceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, traceID)
	return nil
}

func (s *Store) SaveAuthorizationGrant(_ context.Context, grant *storage.AuthorizationGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := *grant
	g.Scopes = slices.Clone(grant.Scopes)
	s.grants[grant.Code] = &g
	return nil
}

func (s *Store) GetAuthorizationGrant(_ context.Context, code string) (*storage.AuthorizationGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[code]
	if !ok {
		return nil, storage.ErrGrantNotFound
	}
	out := *g
	out.Scopes = slices.Clone(g.Scopes)
	return &out, nil
}

// AtomicRedeemAuthorizationGrant performs check-and-invalidate under the
// write lock so exactly one concurrent redemption of a code can succeed.
func (s *Store) AtomicRedeemAuthorizationGrant(_ context.Context, code string) (*storage.AuthorizationGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[code]
	if !ok {
		return nil, storage.ErrGrantNotFound
	}
	if g.Status != storage.StatusActive {
		return nil, storage.ErrGrantAlreadyRedeemed
	}
	if time.Now().After(g.ExpiresAt) {
		return nil, storage.ErrExpired
	}

	g.Status = storage.StatusInvalidated
	out := *g
	out.Scopes = slices.Clone(g.Scopes)
	return &out, nil
}

func (s *Store) DeleteExpiredGrants(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	removed := 0
	for code, g := range s.grants {
		if now.After(g.ExpiresAt) {
			delete(s.grants, code)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) deleteExpiredPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for traceID, p := range s.pending {
		if now.After(p.ExpiresAt) {
			delete(s.pending, traceID)
		}
	}
}

// --- ConsentStore ---

func (s *Store) GetConsent(_ context.Context, clientID, userID string) (*storage.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.consents[consentKey{clientID, userID}]
	if !ok {
		return nil, storage.ErrConsentNotFound
	}
	out := *c
	out.Scopes = slices.Clone(c.Scopes)
	return &out, nil
}

func (s *Store) SaveConsent(_ context.Context, consent *storage.Consent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *consent
	c.Scopes = slices.Clone(consent.Scopes)
	s.consents[consentKey{consent.ClientID, consent.UserID}] = &c
	return nil
}

// --- TokenStore ---

func (s *Store) SaveAccessTokenRecord(_ context.Context, record *storage.AccessTokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *record
	r.Scopes = slices.Clone(record.Scopes)
	s.tokens[record.AccessToken] = &r
	if record.RefreshToken != "" {
		s.byRefreshToken[record.RefreshToken] = append(s.byRefreshToken[record.RefreshToken], record.AccessToken)
	}
	return nil
}

func (s *Store) GetByAccessToken(_ context.Context, accessToken string) (*storage.AccessTokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupAccessToken(accessToken)
}

func (s *Store) GetByRefreshToken(_ context.Context, refreshToken string) (*storage.AccessTokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupRefreshToken(refreshToken)
}

func (s *Store) GetByAccessTokenAndClient(_ context.Context, accessToken, clientID string) (*storage.AccessTokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.lookupAccessToken(accessToken)
	if err != nil {
		return nil, err
	}
	if r.ClientID != clientID {
		return nil, storage.ErrTokenNotFound
	}
	return r, nil
}

func (s *Store) GetByRefreshTokenAndClient(_ context.Context, refreshToken, clientID string) (*storage.AccessTokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.lookupRefreshToken(refreshToken)
	if err != nil {
		return nil, err
	}
	if r.ClientID != clientID {
		return nil, storage.ErrTokenNotFound
	}
	return r, nil
}

func (s *Store) ListByRefreshToken(_ context.Context, refreshToken string) ([]*storage.AccessTokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.byRefreshToken[refreshToken]
	out := make([]*storage.AccessTokenRecord, 0, len(keys))
	for _, key := range keys {
		if r, ok := s.tokens[key]; ok {
			c := *r
			c.Scopes = slices.Clone(r.Scopes)
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) InvalidateAccessTokenRecord(_ context.Context, accessToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.tokens[accessToken]
	if !ok {
		return storage.ErrTokenNotFound
	}
	r.Status = storage.StatusInvalidated
	return nil
}

func (s *Store) AtomicInvalidateActiveToken(_ context.Context, accessToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.tokens[accessToken]
	if !ok {
		return storage.ErrTokenNotFound
	}
	if r.Status != storage.StatusActive {
		return storage.ErrTokenNotActive
	}
	r.Status = storage.StatusInvalidated
	return nil
}

func (s *Store) DeleteExpiredTokens(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	removed := 0
	for key, r := range s.tokens {
		accessExpired := now.After(r.AccessTokenExpiresAt)
		refreshExpired := r.RefreshToken == "" || now.After(r.RefreshTokenExpiresAt)
		if accessExpired && refreshExpired {
			delete(s.tokens, key)
			s.dropRefreshIndex(r.RefreshToken, key)
			removed++
		}
	}
	return removed, nil
}

// lookupAccessToken returns a copy. Caller holds at least the read lock.
func (s *Store) lookupAccessToken(accessToken string) (*storage.AccessTokenRecord, error) {
	r, ok := s.tokens[accessToken]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	out := *r
	out.Scopes = slices.Clone(r.Scopes)
	return &out, nil
}

// lookupRefreshToken resolves the most recent record chained to the refresh
// token, preferring an active one. Caller holds at least the read lock.
func (s *Store) lookupRefreshToken(refreshToken string) (*storage.AccessTokenRecord, error) {
	keys := s.byRefreshToken[refreshToken]
	var latest *storage.AccessTokenRecord
	for i := len(keys) - 1; i >= 0; i-- {
		r, ok := s.tokens[keys[i]]
		if !ok {
			continue
		}
		if latest == nil {
			latest = r
		}
		if r.Status == storage.StatusActive {
			latest = r
			break
		}
	}
	if latest == nil {
		return nil, storage.ErrTokenNotFound
	}
	out := *latest
	out.Scopes = slices.Clone(latest.Scopes)
	return &out, nil
}

func (s *Store) dropRefreshIndex(refreshToken, accessToken string) {
	if refreshToken == "" {
		return
	}
	keys := s.byRefreshToken[refreshToken]
	keys = slices.DeleteFunc(keys, func(k string) bool { return k == accessToken })
	if len(keys) == 0 {
		delete(s.byRefreshToken, refreshToken)
		return
	}
	s.byRefreshToken[refreshToken] = keys
}

// --- DeviceStore ---

func (s *Store) SaveDeviceAuthorization(_ context.Context, auth *storage.DeviceAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := *auth
	a.Scopes = slices.Clone(auth.Scopes)
	s.devices[auth.DeviceCode] = &a
	s.byUserCode[auth.UserCode] = auth.DeviceCode
	return nil
}

func (s *Store) GetByDeviceCode(_ context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.devices[deviceCode]
	if !ok {
		return nil, storage.ErrDeviceAuthNotFound
	}
	out := *a
	out.Scopes = slices.Clone(a.Scopes)
	return &out, nil
}

func (s *Store) GetByUserCode(_ context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	deviceCode, ok := s.byUserCode[userCode]
	if !ok {
		return nil, storage.ErrDeviceAuthNotFound
	}
	a, ok := s.devices[deviceCode]
	if !ok {
		return nil, storage.ErrDeviceAuthNotFound
	}
	out := *a
	out.Scopes = slices.Clone(a.Scopes)
	return &out, nil
}

func (s *Store) UpdateDeviceAuthorization(_ context.Context, auth *storage.DeviceAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[auth.DeviceCode]; !ok {
		return storage.ErrDeviceAuthNotFound
	}
	a := *auth
	a.Scopes = slices.Clone(auth.Scopes)
	s.devices[auth.DeviceCode] = &a
	return nil
}

// AtomicCompleteDeviceAuthorization performs the APPROVED to COMPLETED
// transition under the write lock so only one poller can redeem a device code.
func (s *Store) AtomicCompleteDeviceAuthorization(_ context.Context, deviceCode, accessToken string, accessTokenExpiresAt time.Time) (*storage.DeviceAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.devices[deviceCode]
	if !ok {
		return nil, storage.ErrDeviceAuthNotFound
	}
	if a.Status != storage.DeviceStatusApproved {
		return nil, storage.ErrDeviceAuthNotApproved
	}
	if time.Now().After(a.ExpiresAt) {
		return nil, storage.ErrExpired
	}

	a.Status = storage.DeviceStatusCompleted
	a.AccessToken = accessToken
	a.AccessTokenExpiresAt = accessTokenExpiresAt
	a.LastPolledAt = time.Now()

	out := *a
	out.Scopes = slices.Clone(a.Scopes)
	return &out, nil
}

func (s *Store) DeleteExpiredDeviceAuthorizations(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	removed := 0
	for deviceCode, a := range s.devices {
		if now.After(a.ExpiresAt) {
			delete(s.byUserCode, a.UserCode)
			delete(s.devices, deviceCode)
			removed++
		}
	}
	return removed, nil
}

func cloneClient(c *storage.Client) *storage.Client {
	out := *c
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.GrantTypes = slices.Clone(c.GrantTypes)
	out.ResponseTypes = slices.Clone(c.ResponseTypes)
	out.Scopes = slices.Clone(c.Scopes)
	return &out
}

// Compile-time interface checks
var (
	_ storage.ClientStore  = (*Store)(nil)
	_ storage.FlowStore    = (*Store)(nil)
	_ storage.ConsentStore = (*Store)(nil)
	_ storage.TokenStore   = (*Store)(nil)
	_ storage.DeviceStore  = (*Store)(nil)
)
