package credential

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AgenciaKoraflow/project-dea-naturals/internal/adapter/meli"
	"github.com/AgenciaKoraflow/project-dea-naturals/internal/config"
	"github.com/AgenciaKoraflow/project-dea-naturals/internal/domain"
	"github.com/AgenciaKoraflow/project-dea-naturals/internal/repository"
)

func TestValidAccessTokenReturnsCachedBeforeExpiry(t *testing.T) {
	h := newTestHarness(t)
	id := h.seedActiveCredential(t, "APP_USR-cached", "TG-refresh", 21600)

	expiry := *h.repo.mustGet(id).TokenExpiresAt
	h.setNow(expiry.Add(-time.Second))

	token, err := h.manager.ValidAccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "APP_USR-cached", token)
	require.Zero(t, h.client.refreshCalls())
}

func TestValidAccessTokenRefreshesAfterExpiry(t *testing.T) {
	h := newTestHarness(t)
	id := h.seedActiveCredential(t, "APP_USR-old", "TG-refresh", 21600)

	expiry := *h.repo.mustGet(id).TokenExpiresAt
	h.setNow(expiry.Add(time.Second))
	h.client.refreshGrant = &meli.TokenGrant{AccessToken: "APP_USR-new", RefreshToken: "TG-rotated", ExpiresIn: 21600}

	token, err := h.manager.ValidAccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "APP_USR-new", token)
	require.Equal(t, 1, h.client.refreshCalls())

	stored := h.repo.mustGet(id)
	require.Equal(t, "APP_USR-new", stored.AccessToken)
	require.Equal(t, "TG-rotated", stored.RefreshToken)
}

func TestRefreshFailureDeactivatesCredential(t *testing.T) {
	h := newTestHarness(t)
	id := h.seedActiveCredential(t, "APP_USR-old", "TG-broken", 21600)

	expiry := *h.repo.mustGet(id).TokenExpiresAt
	h.setNow(expiry.Add(time.Second))
	h.client.refreshErr = &domain.ExchangeError{Status: http.StatusBadRequest, Body: `{"error":"invalid_grant"}`}

	_, err := h.manager.ValidAccessToken(context.Background())
	require.ErrorIs(t, err, domain.ErrRefreshFailed)
	require.False(t, h.repo.mustGet(id).IsActive)

	// No active row anymore: the credential set stops being offered.
	_, err = h.manager.ValidAccessToken(context.Background())
	require.ErrorIs(t, err, domain.ErrNotConfigured)
}

func TestRefreshTokenRetainedWhenProviderOmitsIt(t *testing.T) {
	h := newTestHarness(t)
	id := h.seedActiveCredential(t, "APP_USR-old", "TG-keep-me", 21600)

	expiry := *h.repo.mustGet(id).TokenExpiresAt
	h.setNow(expiry.Add(time.Second))
	h.client.refreshGrant = &meli.TokenGrant{AccessToken: "APP_USR-new", ExpiresIn: 21600}

	_, err := h.manager.ValidAccessToken(context.Background())
	require.NoError(t, err)

	stored := h.repo.mustGet(id)
	require.Equal(t, "APP_USR-new", stored.AccessToken)
	require.Equal(t, "TG-keep-me", stored.RefreshToken)
}

func TestConcurrentRefreshCollapsesToOneCall(t *testing.T) {
	h := newTestHarness(t)
	id := h.seedActiveCredential(t, "APP_USR-old", "TG-refresh", 21600)

	expiry := *h.repo.mustGet(id).TokenExpiresAt
	h.setNow(expiry.Add(time.Second))
	h.client.refreshGrant = &meli.TokenGrant{AccessToken: "APP_USR-new", RefreshToken: "TG-new", ExpiresIn: 21600}

	const callers = 8
	var wg sync.WaitGroup
	tokens := make(chan string, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := h.manager.ValidAccessToken(context.Background())
			tokens <- token
			errs <- err
		}()
	}
	wg.Wait()
	close(tokens)
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	for token := range tokens {
		require.Equal(t, "APP_USR-new", token)
	}

	require.Equal(t, 1, h.client.refreshCalls())
}

func TestValidAccessTokenNotConfigured(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.manager.ValidAccessToken(context.Background())
	require.ErrorIs(t, err, domain.ErrNotConfigured)
}

func TestCompleteAuthorizationActivatesAfterVerification(t *testing.T) {
	h := newTestHarness(t)
	id, err := h.repo.Create(context.Background(), "X", "Y", "https://a/cb")
	require.NoError(t, err)

	h.client.exchangeGrant = &meli.TokenGrant{AccessToken: "APP_USR-1", RefreshToken: "TG-1", ExpiresIn: 21600, UserID: 42}
	h.client.user = &meli.User{ID: 42, Nickname: "DEANATURALS"}

	user, err := h.manager.CompleteAuthorization(context.Background(), "CODE-1", "")
	require.NoError(t, err)
	require.Equal(t, int64(42), user.ID)

	stored := h.repo.mustGet(id)
	require.True(t, stored.OAuthCompleted)
	require.True(t, stored.IsActive)
	require.Equal(t, "APP_USR-1", stored.AccessToken)
	require.Equal(t, "TG-1", stored.RefreshToken)
}

func TestCompleteAuthorizationVerificationFailureStaysInactive(t *testing.T) {
	h := newTestHarness(t)
	id, err := h.repo.Create(context.Background(), "X", "Y", "https://a/cb")
	require.NoError(t, err)

	h.client.exchangeGrant = &meli.TokenGrant{AccessToken: "APP_USR-1", RefreshToken: "TG-1", ExpiresIn: 21600}
	h.client.userErr = &domain.APIError{Status: http.StatusForbidden}

	_, err = h.manager.CompleteAuthorization(context.Background(), "CODE-1", "")
	require.ErrorIs(t, err, domain.ErrVerificationFailed)

	// Tokens were saved before verification; activation is the only gated step.
	stored := h.repo.mustGet(id)
	require.True(t, stored.OAuthCompleted)
	require.False(t, stored.IsActive)
	require.Equal(t, "APP_USR-1", stored.AccessToken)
}

func TestCompleteAuthorizationRequiresInput(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.repo.Create(context.Background(), "X", "Y", "https://a/cb")
	require.NoError(t, err)

	_, err = h.manager.CompleteAuthorization(context.Background(), "", "")
	require.ErrorIs(t, err, domain.ErrMissingInput)
	require.Zero(t, h.client.exchangeCallCount())
}

func TestCompleteAuthorizationNoCredential(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.manager.CompleteAuthorization(context.Background(), "CODE-1", "")
	require.ErrorIs(t, err, domain.ErrNotConfigured)
}

func TestCompleteAuthorizationRejectsUnknownState(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.repo.Create(context.Background(), "X", "Y", "https://a/cb")
	require.NoError(t, err)

	_, err = h.manager.CompleteAuthorization(context.Background(), "CODE-1", "state-nobody-issued")
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestAuthorizationURLPersistsState(t *testing.T) {
	h := newTestHarness(t)
	id, err := h.repo.Create(context.Background(), "client-1", "secret", "https://a/cb")
	require.NoError(t, err)

	prompt, err := h.manager.AuthorizationURL(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, prompt.State)
	require.Contains(t, prompt.AuthorizationURL, "response_type=code")
	require.Contains(t, prompt.AuthorizationURL, "client_id=client-1")
	require.Contains(t, prompt.AuthorizationURL, "state="+prompt.State)

	stored, err := h.stateStore.GetState(context.Background(), statePrefix+prompt.State)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, id, stored.CredentialID)

	// The issued state is accepted once during completion.
	h.client.exchangeGrant = &meli.TokenGrant{AccessToken: "APP_USR-1", RefreshToken: "TG-1", ExpiresIn: 21600}
	h.client.user = &meli.User{ID: 7}
	_, err = h.manager.CompleteAuthorization(context.Background(), "CODE-1", prompt.State)
	require.NoError(t, err)

	_, err = h.manager.CompleteAuthorization(context.Background(), "CODE-2", prompt.State)
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestSingleActiveInvariant(t *testing.T) {
	repo := newMemoryCredentialRepo()
	ctx := context.Background()

	first, err := repo.Create(ctx, "a", "sa", "https://a")
	require.NoError(t, err)
	require.Zero(t, repo.activeCount())

	require.NoError(t, repo.Activate(ctx, first))
	require.Equal(t, 1, repo.activeCount())

	second, err := repo.Create(ctx, "b", "sb", "https://b")
	require.NoError(t, err)
	require.Zero(t, repo.activeCount())

	require.NoError(t, repo.Activate(ctx, second))
	require.Equal(t, 1, repo.activeCount())

	require.NoError(t, repo.SetActive(ctx, false))
	require.Zero(t, repo.activeCount())
	require.NoError(t, repo.SetActive(ctx, true))
	require.Equal(t, 1, repo.activeCount())

	require.NoError(t, repo.Deactivate(ctx, second))
	require.Zero(t, repo.activeCount())
	// Deactivation is idempotent.
	require.NoError(t, repo.Deactivate(ctx, second))
	require.Zero(t, repo.activeCount())
}

func TestSetActiveTargetsOnlyNewestRow(t *testing.T) {
	repo := newMemoryCredentialRepo()
	ctx := context.Background()

	first, err := repo.Create(ctx, "a", "sa", "https://a")
	require.NoError(t, err)
	require.NoError(t, repo.Activate(ctx, first))
	require.NoError(t, repo.SetActive(ctx, false))

	second, err := repo.Create(ctx, "b", "sb", "https://b")
	require.NoError(t, err)

	// Both rows are inactive here. Re-enabling must activate only the
	// newest one, never every row in the opposite state.
	require.NoError(t, repo.SetActive(ctx, true))
	require.Equal(t, 1, repo.activeCount())
	require.False(t, repo.mustGet(first).IsActive)
	require.True(t, repo.mustGet(second).IsActive)
}

// ---- Test harness and fakes ----

type testHarness struct {
	manager    *Manager
	repo       *memoryCredentialRepo
	stateStore *memoryStateStore
	client     *fakeMeliClient
	clock      *fakeClock
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	repo := newMemoryCredentialRepo()
	repo.now = clock.Now
	stateStore := newMemoryStateStore()
	client := &fakeMeliClient{}
	cfg := config.Config{
		MeliAuthURL: "https://auth.mercadolibre.com/authorization",
		MeliAPIURL:  "https://api.mercadolibre.com",
	}
	manager := NewManager(repo, stateStore, client, cfg, zap.NewNop())
	manager.now = clock.Now
	return &testHarness{manager: manager, repo: repo, stateStore: stateStore, client: client, clock: clock}
}

func (h *testHarness) setNow(t time.Time) {
	h.clock.Set(t)
}

// seedActiveCredential creates an active row holding issued tokens.
func (h *testHarness) seedActiveCredential(t *testing.T, accessToken, refreshToken string, expiresIn int64) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := h.repo.Create(ctx, "client-id", "client-secret", "https://a/cb")
	require.NoError(t, err)
	require.NoError(t, h.repo.UpdateTokens(ctx, id, accessToken, refreshToken, expiresIn))
	require.NoError(t, h.repo.Activate(ctx, id))
	return id
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type memoryCredentialRepo struct {
	mu     sync.Mutex
	rows   map[int64]*domain.CredentialSet
	order  []int64
	nextID int64
	now    func() time.Time
}

var _ repository.CredentialRepository = (*memoryCredentialRepo)(nil)

func newMemoryCredentialRepo() *memoryCredentialRepo {
	return &memoryCredentialRepo{rows: map[int64]*domain.CredentialSet{}, nextID: 1, now: time.Now}
}

func (r *memoryCredentialRepo) GetActive(context.Context) (*domain.CredentialSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		if row := r.rows[r.order[i]]; row.IsActive {
			copied := *row
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *memoryCredentialRepo) GetMostRecent(context.Context) (*domain.CredentialSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return nil, nil
	}
	copied := *r.rows[r.order[len(r.order)-1]]
	return &copied, nil
}

func (r *memoryCredentialRepo) Create(_ context.Context, clientID, clientSecret, redirectURI string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		row.IsActive = false
	}
	id := r.nextID
	r.nextID++
	now := r.now()
	r.rows[id] = &domain.CredentialSet{
		ID:           id,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURI:  redirectURI,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.order = append(r.order, id)
	return id, nil
}

func (r *memoryCredentialRepo) UpdateTokens(_ context.Context, id int64, accessToken, refreshToken string, expiresIn int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return &domain.StorageError{Op: "update_tokens", Err: fmt.Errorf("row %d not found", id)}
	}
	expiry := repository.TokenExpiry(r.now(), expiresIn)
	row.AccessToken = accessToken
	if refreshToken != "" {
		row.RefreshToken = refreshToken
	}
	row.TokenExpiresAt = &expiry
	row.OAuthCompleted = true
	row.UpdatedAt = r.now()
	return nil
}

func (r *memoryCredentialRepo) Activate(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for rowID, row := range r.rows {
		row.IsActive = rowID == id
	}
	return nil
}

// SetActive mirrors the store's single-row targeting: only the newest row
// in the opposite state is flipped.
func (r *memoryCredentialRepo) SetActive(_ context.Context, isActive bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		if row := r.rows[r.order[i]]; row.IsActive != isActive {
			row.IsActive = isActive
			row.UpdatedAt = r.now()
			return nil
		}
	}
	return &domain.StorageError{Op: "set_active", Err: fmt.Errorf("no row to toggle")}
}

func (r *memoryCredentialRepo) Deactivate(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[id]; ok {
		row.IsActive = false
		row.UpdatedAt = r.now()
	}
	return nil
}

func (r *memoryCredentialRepo) mustGet(id int64) domain.CredentialSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.rows[id]
}

func (r *memoryCredentialRepo) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, row := range r.rows {
		if row.IsActive {
			count++
		}
	}
	return count
}

type memoryStateStore struct {
	mu   sync.RWMutex
	data map[string]domain.AuthState
}

var _ repository.StateStore = (*memoryStateStore)(nil)

func newMemoryStateStore() *memoryStateStore {
	return &memoryStateStore{data: map[string]domain.AuthState{}}
}

func (m *memoryStateStore) SaveState(_ context.Context, key string, data domain.AuthState, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
	return nil
}

func (m *memoryStateStore) GetState(_ context.Context, key string) (*domain.AuthState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state, ok := m.data[key]; ok {
		copied := state
		return &copied, nil
	}
	return nil, nil
}

func (m *memoryStateStore) DeleteState(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type fakeMeliClient struct {
	mu sync.Mutex

	exchangeGrant *meli.TokenGrant
	exchangeErr   error
	exchanges     int

	refreshGrant *meli.TokenGrant
	refreshErr   error
	refreshes    int

	user    *meli.User
	userErr error

	getResponses []*meli.APIResponse
	getErr       error
	gets         int
}

var _ meli.Client = (*fakeMeliClient)(nil)

func (f *fakeMeliClient) ExchangeAuthorizationCode(_ context.Context, clientID, clientSecret, redirectURI, code string) (*meli.TokenGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges++
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	if f.exchangeGrant == nil {
		return nil, fmt.Errorf("exchange grant not configured")
	}
	grant := *f.exchangeGrant
	return &grant, nil
}

func (f *fakeMeliClient) RefreshAccessToken(_ context.Context, clientID, clientSecret, refreshToken string) (*meli.TokenGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	if f.refreshGrant == nil {
		return nil, fmt.Errorf("refresh grant not configured")
	}
	grant := *f.refreshGrant
	return &grant, nil
}

func (f *fakeMeliClient) FetchUser(context.Context, string) (*meli.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.userErr != nil {
		return nil, f.userErr
	}
	if f.user == nil {
		return nil, fmt.Errorf("user not configured")
	}
	user := *f.user
	return &user, nil
}

func (f *fakeMeliClient) Get(context.Context, string, string) (*meli.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	if len(f.getResponses) == 0 {
		return &meli.APIResponse{Status: http.StatusOK, Body: []byte(`{}`)}, nil
	}
	resp := f.getResponses[0]
	if len(f.getResponses) > 1 {
		f.getResponses = f.getResponses[1:]
	}
	return resp, nil
}

func (f *fakeMeliClient) refreshCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func (f *fakeMeliClient) exchangeCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exchanges
}

func (f *fakeMeliClient) getCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}
