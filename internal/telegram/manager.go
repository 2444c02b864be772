// Package telegram connects a user account over MTProto and turns its
// updates and history into chat events.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/blockedby/chatlog/internal/logger"
)

// Status represents the Telegram client status.
type Status string

// Status constants define the possible states of the Telegram client.
const (
	StatusInitializing Status = "INITIALIZING"
	StatusReady        Status = "READY"
	StatusUnauthorized Status = "UNAUTHORIZED"
	StatusError        Status = "ERROR"
)

// errors
var (
	ErrNotReady      = errors.New("telegram client not ready")
	ErrNotConnected  = errors.New("telegram client not connected")
	ErrAlreadyLogged = errors.New("already logged in")
	ErrQRInProgress  = errors.New("QR login already in progress")
)

// Manager owns the MTProto connection and its authorization state. Updates
// are delivered to the dispatcher returned by Dispatcher, which must be
// populated before Run.
type Manager struct {
	apiID   int
	apiHash string
	storage *SessionStorage
	log     *logger.Logger

	dispatcher tg.UpdateDispatcher
	loggedIn   <-chan struct{}

	mu     sync.RWMutex
	status Status
	client *telegram.Client
	self   *tg.User
	ready  chan struct{}

	qrMu sync.Mutex
}

// NewManager creates a manager authorizing with the session in storage.
func NewManager(apiID int, apiHash string, storage *SessionStorage, log *logger.Logger) *Manager {
	m := &Manager{
		apiID:      apiID,
		apiHash:    apiHash,
		storage:    storage,
		log:        log,
		dispatcher: tg.NewUpdateDispatcher(),
		status:     StatusInitializing,
		ready:      make(chan struct{}),
	}
	m.loggedIn = qrlogin.OnLoginToken(&m.dispatcher)
	return m
}

// Dispatcher returns the update dispatcher handlers register on.
func (m *Manager) Dispatcher() *tg.UpdateDispatcher {
	return &m.dispatcher
}

// GetStatus returns the current Telegram client status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// SelfID returns the logged-in user id, or 0 before authorization.
func (m *Manager) SelfID() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.self == nil {
		return 0
	}
	return m.self.ID
}

// API returns the raw API client once the account is authorized.
func (m *Manager) API() (*tg.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, ErrNotConnected
	}
	if m.status != StatusReady {
		return nil, ErrNotReady
	}
	return m.client.API(), nil
}

// RPC returns the API client as the narrow RPC interface.
func (m *Manager) RPC() (RPC, error) {
	api, err := m.API()
	if err != nil {
		return nil, err
	}
	return api, nil
}

// WaitReady blocks until the account is authorized or ctx is done.
func (m *Manager) WaitReady(ctx context.Context) error {
	m.mu.RLock()
	ready := m.ready
	m.mu.RUnlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects and blocks until ctx is done. Without a stored session the
// connection stays up in the UNAUTHORIZED state so LoginQR or Login can
// authorize it.
func (m *Manager) Run(ctx context.Context) error {
	client := telegram.NewClient(m.apiID, m.apiHash, telegram.Options{
		SessionStorage: m.storage,
		UpdateHandler:  &m.dispatcher,
	})

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()

	err := client.Run(ctx, func(ctx context.Context) error {
		st, err := client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if st.Authorized {
			if err := m.authorized(ctx); err != nil {
				return err
			}
		} else {
			m.log.Info().Msg("telegram: no authorized session, waiting for login")
			m.setStatus(StatusUnauthorized)
		}

		<-ctx.Done()
		return ctx.Err()
	})

	m.mu.Lock()
	m.client = nil
	m.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		m.setStatus(StatusError)
		return fmt.Errorf("telegram client: %w", err)
	}
	return nil
}

// authorized fetches the account and marks the manager ready.
func (m *Manager) authorized(ctx context.Context) error {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()

	self, err := client.Self(ctx)
	if err != nil {
		return fmt.Errorf("get self: %w", err)
	}

	m.mu.Lock()
	m.self = self
	m.status = StatusReady
	select {
	case <-m.ready:
	default:
		close(m.ready)
	}
	m.mu.Unlock()

	m.log.Info().Int64("user_id", self.ID).Str("username", self.Username).Msg("telegram: client is ready")
	return nil
}

// LoginQR runs the QR login flow on the running connection. show receives
// each token URL to display. password answers a two-factor prompt and may
// be empty when none is set.
func (m *Manager) LoginQR(ctx context.Context, show func(url string), password string) error {
	client, err := m.loginClient()
	if err != nil {
		return err
	}

	if !m.qrMu.TryLock() {
		return ErrQRInProgress
	}
	defer m.qrMu.Unlock()

	_, err = client.QR().Auth(ctx, m.loggedIn, func(_ context.Context, token qrlogin.Token) error {
		m.log.Info().Msg("telegram: QR token generated")
		show(token.URL())
		return nil
	})
	if tgerr.Is(err, "SESSION_PASSWORD_NEEDED") {
		if password == "" {
			return errors.New("account has two-factor authentication: password required")
		}
		_, err = client.Auth().Password(ctx, password)
	}
	if err != nil {
		return fmt.Errorf("QR auth: %w", err)
	}
	return m.authorized(ctx)
}

// Login runs a phone code flow on the running connection.
func (m *Manager) Login(ctx context.Context, flow auth.Flow) error {
	client, err := m.loginClient()
	if err != nil {
		return err
	}
	if err := client.Auth().IfNecessary(ctx, flow); err != nil {
		return fmt.Errorf("phone auth: %w", err)
	}
	return m.authorized(ctx)
}

func (m *Manager) loginClient() (*telegram.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, ErrNotConnected
	}
	if m.status == StatusReady {
		return nil, ErrAlreadyLogged
	}
	return m.client, nil
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s
}
