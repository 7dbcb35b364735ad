package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/finitefield/order-engine/internal/domain"
	"github.com/finitefield/order-engine/internal/platform/textutil"
	"github.com/finitefield/order-engine/internal/repositories"
)

// redactedPrefix marks metadata values replaced by their keyed digest.
const redactedPrefix = "hmac-sha256:"

const (
	maxActorLen    = 160
	maxActionLen   = 120
	maxTargetLen   = 200
	maxMetaKeyLen  = 80
	maxMetaTextLen = 512
)

// AuditLogServiceDeps bundles constructor inputs for the audit writer service.
type AuditLogServiceDeps struct {
	Repository  repositories.AuditLogRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
	// HashSalt keys the digest of sensitive metadata. An empty salt still hides the raw value.
	HashSalt string
}

type auditLogService struct {
	repo   repositories.AuditLogRepository
	now    func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
	key    []byte
}

// NewAuditLogService returns an AuditSink that writes sanitised entries to the repository. Personal
// data named in SensitiveMetadataKeys never leaves the process in clear text.
func NewAuditLogService(deps AuditLogServiceDeps) (AuditSink, error) {
	if deps.Repository == nil {
		return nil, fmt.Errorf("audit log service: repository is required")
	}
	svc := &auditLogService{
		repo:   deps.Repository,
		now:    time.Now,
		newID:  func() string { return ulid.Make().String() },
		logger: func(context.Context, string, map[string]any) {},
		key:    []byte(deps.HashSalt),
	}
	if deps.Clock != nil {
		svc.now = deps.Clock
	}
	if deps.IDGenerator != nil {
		svc.newID = deps.IDGenerator
	}
	if deps.Logger != nil {
		svc.logger = deps.Logger
	}
	return svc, nil
}

// Record never fails the caller: the order change has already committed, so an append failure is
// only logged.
func (s *auditLogService) Record(ctx context.Context, record AuditLogRecord) {
	entry := s.entryFor(record)
	if err := s.repo.Append(ctx, entry); err != nil {
		s.logger(ctx, "audit.append.failed", map[string]any{
			"action": entry.Action,
			"target": entry.TargetRef,
			"error":  err.Error(),
		})
	}
}

func (s *auditLogService) entryFor(record AuditLogRecord) domain.AuditLogEntry {
	at := record.OccurredAt
	if at.IsZero() {
		at = s.now()
	}
	return domain.AuditLogEntry{
		ID:        s.newID(),
		Actor:     textutil.CleanLine(record.Actor, maxActorLen),
		ActorType: normalizeActorType(record.ActorType, record.Actor),
		Action:    textutil.CleanLine(record.Action, maxActionLen),
		TargetRef: textutil.CleanLine(record.TargetRef, maxTargetLen),
		Metadata:  s.metadata(record.Metadata, record.SensitiveMetadataKeys),
		Severity:  normalizeSeverity(record.Severity),
		CreatedAt: at.UTC(),
	}
}

func (s *auditLogService) metadata(in map[string]any, sensitiveKeys []string) map[string]any {
	if len(in) == 0 {
		return nil
	}
	sensitive := make(map[string]bool, len(sensitiveKeys))
	for _, key := range sensitiveKeys {
		sensitive[strings.ToLower(strings.TrimSpace(key))] = true
	}

	out := make(map[string]any, len(in))
	for rawKey, value := range in {
		key := textutil.CleanLine(rawKey, maxMetaKeyLen)
		switch {
		case key == "":
		case sensitive[strings.ToLower(key)]:
			if text := auditText(value); text != "" {
				out[key] = redactedPrefix + s.digest(text)
			}
		default:
			out[key] = auditValue(value)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (s *auditLogService) digest(text string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(text))
	return hex.EncodeToString(mac.Sum(nil))
}

// auditValue keeps numbers and booleans as they are and strips markup from text.
func auditValue(value any) any {
	switch v := value.(type) {
	case string:
		return textutil.CleanText(v, maxMetaTextLen)
	case fmt.Stringer:
		return textutil.CleanText(v.String(), maxMetaTextLen)
	default:
		return v
	}
}

// auditText is the canonical text a sensitive value is digested from. Blank values yield "".
func auditText(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	}
	if b, err := json.Marshal(value); err == nil {
		return string(b)
	}
	return fmt.Sprint(value)
}

// normalizeActorType prefers an explicit known type and otherwise infers it from the actor prefix.
func normalizeActorType(actorType, actor string) string {
	switch t := strings.ToLower(strings.TrimSpace(actorType)); t {
	case "user", "staff", "system", "service":
		return t
	}
	actor = strings.ToLower(strings.TrimSpace(actor))
	prefix, _, _ := strings.Cut(actor, ":")
	switch {
	case actor == "":
		return "unknown"
	case prefix == "system" || prefix == "staff":
		return prefix
	default:
		return "user"
	}
}

func normalizeSeverity(severity string) string {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	default:
		return "info"
	}
}
