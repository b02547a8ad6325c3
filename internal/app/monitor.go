package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/shelfauth/pkg/authsdk"
)

// SessionMonitor periodically re-checks the session. Refresh timers are
// armed against the process clock, so after a suspend they can fire late;
// the monitor refreshes any token found inside the margin.
type SessionMonitor struct {
	Session     *authsdk.SessionStore
	Coordinator *authsdk.Coordinator
	Logger      *slog.Logger
	Interval    time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSessionMonitor creates a monitor. If interval is 0 or negative it
// defaults to one minute.
func NewSessionMonitor(
	session *authsdk.SessionStore,
	coordinator *authsdk.Coordinator,
	logger *slog.Logger,
	interval time.Duration,
) *SessionMonitor {
	if interval <= 0 {
		interval = time.Minute
	}

	return &SessionMonitor{
		Session:     session,
		Coordinator: coordinator,
		Logger:      logger,
		Interval:    interval,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start runs the check loop in the background. Call Stop to end it.
func (m *SessionMonitor) Start() {
	go m.run()
	m.Logger.Debug("session monitor started", "interval", m.Interval)
}

// Stop ends the loop and waits for an in-progress check to finish.
func (m *SessionMonitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
	m.Logger.Debug("session monitor stopped")
}

func (m *SessionMonitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.check()
		case <-m.stopCh:
			return
		}
	}
}

func (m *SessionMonitor) check() {
	if m.Session.Token() == nil {
		return
	}

	exp, err := m.Session.ExpiresAt()
	if err == nil {
		m.Logger.Debug("session check",
			"expires_in", time.Until(exp).Round(time.Second),
			"state", m.Coordinator.State().String(),
		)
	}

	if !m.Session.IsTokenExpiringSoon(m.Coordinator.Margin()) {
		return
	}

	m.Logger.Info("token inside refresh margin at check; refreshing")

	ctx, cancel := context.WithTimeout(context.Background(), m.Interval)
	defer cancel()
	if err := m.Coordinator.RefreshIfNeeded(ctx); err != nil {
		m.Logger.Warn("refresh from session check failed", "error", err)
	}
}
