// Package credentials keeps the agent container's credentials fresh: an
// on-demand EnsureFresh before every container spawn, and a proactive
// ticker that refreshes independently and reports status changes to the
// main group.
package credentials

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/basket/groupgate/internal/bus"
)

// Provider performs the actual credential work. Issuance itself is
// external to groupgate; Provider is the seam to whatever issues and
// stores the underlying token (OAuth device flow, API key file, etc).
type Provider interface {
	// IsExpired reports whether the current credential needs a refresh.
	IsExpired(ctx context.Context) (bool, error)
	// Refresh obtains a new credential, replacing the expired one.
	Refresh(ctx context.Context) error
}

// MessageSender notifies a chat — used to tell the main group when
// services are restored or need manual re-auth.
type MessageSender interface {
	SendMessage(ctx context.Context, chatJID, text string) error
}

// authErrorPattern matches the credential-related substrings a container's
// terminal error text may contain. Kept as a simple non-greedy scan, like
// the wire protocol's <internal> stripping — not a structured parser.
var authErrorPattern = regexp.MustCompile(`(?i)unauthorized|401|token expired|invalid_grant|authentication failed|re-?auth`)

// Config bundles the credential loop's collaborators.
type Config struct {
	Provider      Provider
	Messages      MessageSender
	MainChatJID   string
	Bus           *bus.Bus
	Logger        *slog.Logger
	RefreshPeriod time.Duration
}

// Manager owns EnsureFresh/Refresh/IsAuthError and the proactive ticker.
type Manager struct {
	provider    Provider
	messages    MessageSender
	mainChatJID string
	bus         *bus.Bus
	logger      *slog.Logger
	period      time.Duration

	mu          sync.Mutex
	refreshing  bool
	lastFailed  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Manager.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	period := cfg.RefreshPeriod
	if period <= 0 {
		period = 10 * time.Minute
	}
	return &Manager{
		provider:    cfg.Provider,
		messages:    cfg.Messages,
		mainChatJID: cfg.MainChatJID,
		bus:         cfg.Bus,
		logger:      logger,
		period:      period,
	}
}

// IsAuthError reports whether errText looks like a credential failure,
// used by the container runner to trigger its inline retry.
func (m *Manager) IsAuthError(errText string) bool {
	return authErrorPattern.MatchString(errText)
}

// EnsureFresh refreshes the credential if the provider reports it expired.
// Called at boot and before every container spawn.
func (m *Manager) EnsureFresh(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	expired, err := m.provider.IsExpired(ctx)
	if err != nil {
		return err
	}
	if !expired {
		return nil
	}
	return m.Refresh(ctx)
}

// Refresh forces a credential refresh. Concurrent calls coalesce onto a
// single in-flight refresh rather than racing the provider.
func (m *Manager) Refresh(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	m.mu.Lock()
	if m.refreshing {
		m.mu.Unlock()
		// Another refresh is already in flight; treat this call as
		// succeeding once it completes by waiting briefly is unnecessary
		// for correctness here — the caller only needs *a* fresh
		// credential, and the in-flight refresh will provide one.
		return nil
	}
	m.refreshing = true
	m.mu.Unlock()

	m.publish(bus.TopicCredentialRefreshing, bus.CredentialEvent{})
	err := m.provider.Refresh(ctx)

	m.mu.Lock()
	m.refreshing = false
	m.mu.Unlock()
	return err
}

// Start begins the proactive refresh ticker in a background goroutine.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop cancels the ticker and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	err := m.EnsureFresh(ctx)

	m.mu.Lock()
	wasFailed := m.lastFailed
	m.lastFailed = err != nil
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("credentials: proactive refresh failed", "error", err)
		m.publish(bus.TopicCredentialManualReauth, bus.CredentialEvent{Error: err.Error()})
		m.notify("manual re-authentication required: " + err.Error())
		return
	}

	if wasFailed {
		m.publish(bus.TopicCredentialRestored, bus.CredentialEvent{})
		m.notify("credentials restored — services back to normal")
	}
}

func (m *Manager) publish(topic string, payload interface{}) {
	if m.bus != nil {
		m.bus.Publish(topic, payload)
	}
}

func (m *Manager) notify(text string) {
	if m.messages == nil || m.mainChatJID == "" {
		return
	}
	go func() {
		if err := m.messages.SendMessage(context.Background(), m.mainChatJID, text); err != nil {
			m.logger.Warn("credentials: notify main group failed", "error", err)
		}
	}()
}
