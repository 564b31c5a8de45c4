package sessionstore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mastra-agents/chatgateway/internal/model"
)

// PairingCodes tracks the at-most-one-pending-per-user transient codes a
// Telegram user presents via /start to bind their chat. Purely in-memory:
// pairing codes are short-lived enough that a process restart simply
// requires the user to re-issue POST /pair.
type PairingCodes struct {
	mu     sync.Mutex
	byCode map[string]*model.PairingCode
}

// NewPairingCodes constructs an empty tracker.
func NewPairingCodes() *PairingCodes {
	return &PairingCodes{byCode: make(map[string]*model.PairingCode)}
}

// Issue creates a new 6-char base16 code for userID, evicting any prior
// pending code for that user.
func (p *PairingCodes) Issue(userID, authToken, agentID string, now time.Time) (*model.PairingCode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for code, existing := range p.byCode {
		if existing.UserID == userID {
			delete(p.byCode, code)
		}
	}

	code, err := randomHexCode(3) // 3 bytes -> 6 uppercase hex chars
	if err != nil {
		return nil, fmt.Errorf("sessionstore: generate pairing code: %w", err)
	}

	pc := &model.PairingCode{
		Code:      code,
		UserID:    userID,
		AuthToken: authToken,
		AgentID:   agentID,
		CreatedAt: now,
	}
	p.byCode[code] = pc
	return pc, nil
}

// Consume looks up a pending code, returning (code, true) if found and not
// expired at now. Found-but-expired codes are removed and treated as
// absent.
func (p *PairingCodes) Consume(code string, now time.Time) (*model.PairingCode, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pc, ok := p.byCode[code]
	if !ok {
		return nil, false
	}
	delete(p.byCode, code)
	if pc.Expired(now) {
		return nil, false
	}
	return pc, true
}

// RemoveByUserID evicts any pending code for userID, e.g. when a new one is
// explicitly regenerated elsewhere.
func (p *PairingCodes) RemoveByUserID(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for code, existing := range p.byCode {
		if existing.UserID == userID {
			delete(p.byCode, code)
		}
	}
}

// Sweep removes every expired code; called from a periodic cleanup timer.
func (p *PairingCodes) Sweep(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for code, pc := range p.byCode {
		if pc.Expired(now) {
			delete(p.byCode, code)
			removed++
		}
	}
	return removed
}

// randomHexCode returns n random bytes as uppercase hex, matching the
// case /start normalizes incoming codes to.
func randomHexCode(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(buf)), nil
}
