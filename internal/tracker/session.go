package tracker

import (
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	sessionKey  = "sessionId"
	referrerKey = "referrer"
)

// SessionManager issues the per-tab session identifier and remembers the
// tab's first-touch referrer.
type SessionManager struct {
	mu      sync.Mutex
	storage Storage
	log     zerolog.Logger
	newID   func() (string, error)

	// id and referrer outlive a storage that refuses writes.
	id          string
	referrer    *string
	referrerSet bool
}

func NewSessionManager(tab Storage, logger zerolog.Logger) *SessionManager {
	return &SessionManager{
		storage: tab,
		log:     logger,
		newID: func() (string, error) {
			id, err := uuid.NewRandom()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		},
	}
}

// ID returns the tab's session id, generating and persisting one on first
// use. It never fails: if the random generator errors a timestamp-based id
// is used instead, and a storage failure only costs persistence. The id is
// stable for the manager's lifetime either way.
func (m *SessionManager) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.id != "" {
		return m.id
	}
	if id, ok := m.storage.Get(sessionKey); ok && id != "" {
		m.id = id
		return id
	}

	id, err := m.newID()
	if err != nil || id == "" {
		id = fallbackID(time.Now())
	}
	if err := m.storage.Set(sessionKey, id); err != nil {
		m.log.Warn().Err(err).Msg("Failed to persist session id")
	}
	m.id = id
	return id
}

// FirstTouchReferrer returns the referrer recorded for this tab, recording
// candidate if none has been recorded yet. A recorded nil is kept as nil.
func (m *SessionManager) FirstTouchReferrer(candidate *string) *string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.referrerSet {
		return m.referrer
	}
	if stored, ok := m.storage.Get(referrerKey); ok {
		m.referrerSet = true
		if stored != "" {
			m.referrer = &stored
		}
		return m.referrer
	}

	value := ""
	if candidate != nil {
		value = *candidate
	}
	if err := m.storage.Set(referrerKey, value); err != nil {
		m.log.Warn().Err(err).Msg("Failed to persist referrer")
	}
	m.referrerSet = true
	if value != "" {
		m.referrer = &value
	}
	return m.referrer
}

func fallbackID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), strconv.FormatInt(rand.Int63(), 36))
}
