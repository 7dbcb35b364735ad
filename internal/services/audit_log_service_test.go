package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/finitefield/order-engine/internal/domain"
)

type stubAuditRepo struct {
	entries []domain.AuditLogEntry
	err     error
}

func (s *stubAuditRepo) Append(_ context.Context, entry domain.AuditLogEntry) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entry)
	return nil
}

func TestAuditLogServiceSanitisesAndHashes(t *testing.T) {
	repo := &stubAuditRepo{}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, err := NewAuditLogService(AuditLogServiceDeps{
		Repository:  repo,
		Clock:       func() time.Time { return now },
		IDGenerator: func() string { return "aud_1" },
		HashSalt:    "pepper",
	})
	if err != nil {
		t.Fatalf("NewAuditLogService: %v", err)
	}

	svc.Record(context.Background(), AuditLogRecord{
		Actor:     "  system:expiration-sweeper ",
		Action:    "order.cancel",
		TargetRef: "/orders/ord_1",
		Metadata: map[string]any{
			"reason":  "<i>expired</i>",
			"phone":   "+81-90-0000-0000",
			"empty":   "",
			"attempt": 2,
		},
		SensitiveMetadataKeys: []string{"Phone", "empty"},
	})

	if len(repo.entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(repo.entries))
	}
	entry := repo.entries[0]
	if entry.ID != "aud_1" || entry.Actor != "system:expiration-sweeper" || entry.ActorType != "system" {
		t.Fatalf("unexpected actor fields: %+v", entry)
	}
	if entry.Severity != "info" || !entry.CreatedAt.Equal(now) {
		t.Fatalf("unexpected severity or timestamp: %+v", entry)
	}
	if entry.Metadata["reason"] != "expired" || entry.Metadata["attempt"] != 2 {
		t.Fatalf("unexpected metadata: %#v", entry.Metadata)
	}
	phone, _ := entry.Metadata["phone"].(string)
	if !strings.HasPrefix(phone, redactedPrefix) || strings.Contains(phone, "0000") {
		t.Fatalf("expected hashed phone, got %q", phone)
	}
	if _, ok := entry.Metadata["empty"]; ok {
		t.Fatal("expected empty sensitive value to be dropped")
	}
}

func TestAuditLogServiceSwallowsRepositoryErrors(t *testing.T) {
	var logged []string
	svc, _ := NewAuditLogService(AuditLogServiceDeps{
		Repository: &stubAuditRepo{err: errors.New("firestore unavailable")},
		Logger: func(_ context.Context, event string, _ map[string]any) {
			logged = append(logged, event)
		},
	})

	svc.Record(context.Background(), AuditLogRecord{Actor: "user-1", Action: "order.create"})

	if len(logged) != 1 || logged[0] != "audit.append.failed" {
		t.Fatalf("expected append failure to be logged, got %v", logged)
	}
}

func TestNormalizeActorType(t *testing.T) {
	cases := map[string]string{
		"system":                    "system",
		"system:expiration-sweeper": "system",
		"staff:ops":                 "staff",
		"uid-123":                   "user",
		"":                          "unknown",
	}
	for actor, want := range cases {
		if got := normalizeActorType("", actor); got != want {
			t.Fatalf("normalizeActorType(%q) = %q, want %q", actor, got, want)
		}
	}
	if got := normalizeActorType("Service", "anything"); got != "service" {
		t.Fatalf("expected explicit actor type to win, got %q", got)
	}
}

func TestAuditLogServiceDigestDependsOnSalt(t *testing.T) {
	record := AuditLogRecord{
		Action:                "order.address.update",
		Metadata:              map[string]any{"phone": "+81-90-0000-0000"},
		SensitiveMetadataKeys: []string{"phone"},
	}
	digest := func(salt string) any {
		repo := &stubAuditRepo{}
		svc, _ := NewAuditLogService(AuditLogServiceDeps{Repository: repo, HashSalt: salt})
		svc.Record(context.Background(), record)
		return repo.entries[0].Metadata["phone"]
	}
	if digest("a") == digest("b") {
		t.Fatal("expected salt to change the digest")
	}
	if digest("a") != digest("a") {
		t.Fatal("expected digest to be stable for a salt")
	}
}
