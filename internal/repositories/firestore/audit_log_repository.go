package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/finitefield/order-engine/internal/domain"
	pfirestore "github.com/finitefield/order-engine/internal/platform/firestore"
	"github.com/finitefield/order-engine/internal/repositories"
)

const defaultAuditCollection = "auditLogs"

// AuditLogRepository appends sanitised audit entries to a Firestore collection.
type AuditLogRepository struct {
	provider   *pfirestore.Provider
	collection string
}

var _ repositories.AuditLogRepository = (*AuditLogRepository)(nil)

// NewAuditLogRepository constructs the audit sink. An empty collection falls back to "auditLogs".
func NewAuditLogRepository(provider *pfirestore.Provider, collection string) (*AuditLogRepository, error) {
	if provider == nil {
		return nil, errors.New("audit log repository requires firestore provider")
	}
	collection = strings.TrimSpace(collection)
	if collection == "" {
		collection = defaultAuditCollection
	}
	return &AuditLogRepository{provider: provider, collection: collection}, nil
}

// Append creates the entry document. Entries are immutable; a retried append with the same id is a no-op.
func (r *AuditLogRepository) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}

	coll := client.Collection(r.collection)
	var doc *firestore.DocumentRef
	if id := strings.TrimSpace(entry.ID); id != "" {
		doc = coll.Doc(id)
	} else {
		doc = coll.NewDoc()
	}

	if _, err := doc.Create(ctx, encodeAuditEntry(entry)); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return nil
		}
		return pfirestore.WrapError("audit.append", err)
	}
	return nil
}

// Ping is used by readiness checks.
func (r *AuditLogRepository) Ping(ctx context.Context) error {
	return r.provider.Ping(ctx, r.collection)
}

type auditLogDocument struct {
	Actor     string         `firestore:"actor"`
	ActorType string         `firestore:"actorType"`
	Action    string         `firestore:"action"`
	TargetRef string         `firestore:"targetRef"`
	Severity  string         `firestore:"severity"`
	Metadata  map[string]any `firestore:"metadata,omitempty"`
	CreatedAt time.Time      `firestore:"createdAt"`
}

func encodeAuditEntry(entry domain.AuditLogEntry) auditLogDocument {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return auditLogDocument{
		Actor:     entry.Actor,
		ActorType: entry.ActorType,
		Action:    entry.Action,
		TargetRef: entry.TargetRef,
		Severity:  entry.Severity,
		Metadata:  entry.Metadata,
		CreatedAt: createdAt.UTC(),
	}
}

func decodeAuditEntry(snap *firestore.DocumentSnapshot) (domain.AuditLogEntry, error) {
	var doc auditLogDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.AuditLogEntry{}, pfirestore.WrapError("audit.decode", err)
	}
	return domain.AuditLogEntry{
		ID:        snap.Ref.ID,
		Actor:     doc.Actor,
		ActorType: doc.ActorType,
		Action:    doc.Action,
		TargetRef: doc.TargetRef,
		Severity:  doc.Severity,
		Metadata:  doc.Metadata,
		CreatedAt: doc.CreatedAt.UTC(),
	}, nil
}
