//go:build integration

package firestore

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	domain "github.com/finitefield/order-engine/internal/domain"
	pconfig "github.com/finitefield/order-engine/internal/platform/config"
	pfirestore "github.com/finitefield/order-engine/internal/platform/firestore"
)

func TestAuditLogRepositoryIntegration(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })

	waitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "audit-test",
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	repo, err := NewAuditLogRepository(provider, "")
	if err != nil {
		t.Fatalf("new audit log repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := repo.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	createdAt := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	entry := domain.AuditLogEntry{
		ID:        "01JNZ3ZKX6A1B2C3D4E5F6G7H8",
		Actor:     "system:expiration-sweeper",
		ActorType: "system",
		Action:    "order.cancelled",
		TargetRef: "/orders/ord_1",
		Severity:  "info",
		Metadata:  map[string]any{"reason": "expired"},
		CreatedAt: createdAt,
	}
	if err := repo.Append(ctx, entry); err != nil {
		t.Fatalf("append: %v", err)
	}
	// A retried append with the same id is absorbed.
	if err := repo.Append(ctx, entry); err != nil {
		t.Fatalf("append retry: %v", err)
	}

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	snap, err := client.Collection(defaultAuditCollection).Doc(entry.ID).Get(ctx)
	if err != nil {
		t.Fatalf("get audit doc: %v", err)
	}
	stored, err := decodeAuditEntry(snap)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stored.Action != "order.cancelled" || stored.ActorType != "system" || !stored.CreatedAt.Equal(createdAt) {
		t.Fatalf("unexpected stored entry %+v", stored)
	}
	if stored.Metadata["reason"] != "expired" {
		t.Fatalf("unexpected metadata %#v", stored.Metadata)
	}

	if err := repo.Append(ctx, domain.AuditLogEntry{Actor: "staff:u1", Action: "order.shipped", TargetRef: "/orders/ord_2"}); err != nil {
		t.Fatalf("append without id: %v", err)
	}
	docs, err := client.Collection(defaultAuditCollection).Documents(ctx).GetAll()
	if err != nil {
		t.Fatalf("list audit docs: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 audit documents, got %d", len(docs))
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Fatalf("docker daemon not available: %v", err)
	}
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
