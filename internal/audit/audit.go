package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/zach-source/vaultagent/internal/security"
)

// Event names written to the audit log.
const (
	EventAccessDecision = "ACCESS_DECISION"
	EventSignDecision   = "SIGN_DECISION"
	EventSessionRequest = "SESSION_REQUEST"
	EventUnlock         = "UNLOCK"
	EventCacheClear     = "CACHE_CLEAR"
)

// Decisions recorded alongside events.
const (
	DecisionAllow   = "ALLOW"
	DecisionDeny    = "DENY"
	DecisionSuccess = "SUCCESS"
	DecisionFailure = "FAILURE"
)

// AuditEvent represents a security audit event
type AuditEvent struct {
	Timestamp  time.Time         `json:"timestamp"`
	Event      string            `json:"event"`
	PeerInfo   security.PeerInfo `json:"peer_info"`
	ConnID     string            `json:"conn_id,omitempty"`
	Action     string            `json:"action,omitempty"`
	Decision   string            `json:"decision"`
	PolicyPath string            `json:"policy_path,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// Logger appends audit events to date-rotated files and mirrors them to a
// structured logger. A nil *Logger discards everything.
type Logger struct {
	roller *Roller
	clock  clock.PassiveClock
	logger *slog.Logger
}

// NewLogger creates an audit logger writing into dir.
func NewLogger(dir string, config RollerConfig, logger *slog.Logger, clk clock.Clock) (*Logger, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	roller, err := NewRoller(dir, config, clk)
	if err != nil {
		return nil, fmt.Errorf("audit roller: %w", err)
	}
	return &Logger{
		roller: roller,
		clock:  clk,
		logger: logger.With("component", "audit"),
	}, nil
}

// LogEvent records an audit event
func (l *Logger) LogEvent(event AuditEvent) {
	if l == nil {
		return
	}
	event.Timestamp = l.clock.Now()

	data, err := json.Marshal(event)
	if err != nil {
		l.logger.Error("marshal audit event", "error", err)
		return
	}
	if err := l.roller.Write(append(data, '\n')); err != nil {
		l.logger.Error("write audit event", "error", err)
	}

	l.logger.Info(event.Event,
		"decision", event.Decision,
		"peer", event.PeerInfo,
		"action", event.Action,
		"conn", event.ConnID,
	)
}

// LogAccessDecision records a policy access decision
func (l *Logger) LogAccessDecision(peer security.PeerInfo, connID, action string, allowed bool, policyPath string) {
	l.LogEvent(AuditEvent{
		Event:      EventAccessDecision,
		PeerInfo:   peer,
		ConnID:     connID,
		Action:     action,
		Decision:   decision(allowed, DecisionAllow, DecisionDeny),
		PolicyPath: policyPath,
	})
}

// LogSignDecision records the user's answer to a signing prompt.
func (l *Logger) LogSignDecision(peer security.PeerInfo, connID, keyName string, approved bool) {
	l.LogEvent(AuditEvent{
		Event:    EventSignDecision,
		PeerInfo: peer,
		ConnID:   connID,
		Action:   "sign:" + keyName,
		Decision: decision(approved, DecisionAllow, DecisionDeny),
	})
}

// LogSessionRequest records whether a session token was handed out.
func (l *Logger) LogSessionRequest(peer security.PeerInfo, connID, reason string, granted bool) {
	l.LogEvent(AuditEvent{
		Event:    EventSessionRequest,
		PeerInfo: peer,
		ConnID:   connID,
		Decision: decision(granted, DecisionAllow, DecisionDeny),
		Details:  map[string]string{"reason": reason},
	})
}

func (l *Logger) LogCacheClear(peer security.PeerInfo, connID string) {
	l.LogEvent(AuditEvent{
		Event:    EventCacheClear,
		PeerInfo: peer,
		ConnID:   connID,
		Decision: DecisionSuccess,
	})
}

// LogUnlock records a vault unlock attempt.
func (l *Logger) LogUnlock(success bool) {
	l.LogEvent(AuditEvent{
		Event:    EventUnlock,
		Decision: decision(success, DecisionSuccess, DecisionFailure),
	})
}

// Close closes the audit logger
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	return l.roller.Close()
}

func decision(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
