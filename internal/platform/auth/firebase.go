package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/finitefield/order-engine/internal/platform/config"
)

// FirebaseVerifier wraps the Admin SDK auth client. It verifies ID tokens for the HTTP middleware and
// answers customer existence checks for checkout.
type FirebaseVerifier struct {
	client  userClient
	timeout time.Duration
}

type userClient interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
	GetUser(ctx context.Context, uid string) (*firebaseauth.UserRecord, error)
}

// FirebaseOption customises FirebaseVerifier instances.
type FirebaseOption func(*FirebaseVerifier)

// WithFirebaseTimeout overrides the timeout used for Admin SDK calls.
func WithFirebaseTimeout(d time.Duration) FirebaseOption {
	return func(v *FirebaseVerifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// NewFirebaseVerifier constructs a FirebaseVerifier backed by the Admin SDK.
func NewFirebaseVerifier(ctx context.Context, cfg config.FirebaseConfig, opts ...FirebaseOption) (*FirebaseVerifier, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firebase project id is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	authClient, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase auth client: %w", err)
	}
	return newFirebaseVerifier(authClient, opts...), nil
}

func newFirebaseVerifier(client userClient, opts ...FirebaseOption) *FirebaseVerifier {
	verifier := &FirebaseVerifier{client: client, timeout: defaultVerifyTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(verifier)
		}
	}
	return verifier
}

// VerifyIDToken forwards verification to the underlying Firebase client using a bounded context.
func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	if v == nil || v.client == nil {
		return nil, errors.New("firebase verifier not initialised")
	}
	ctx, cancel := v.contextWithTimeout(ctx)
	defer cancel()
	return v.client.VerifyIDToken(ctx, idToken)
}

// UserExists reports whether a Firebase account exists for uid. Lookup failures other than
// "user not found" are returned so checkout can report the directory as unavailable.
func (v *FirebaseVerifier) UserExists(ctx context.Context, uid string) (bool, error) {
	if v == nil || v.client == nil {
		return false, errors.New("firebase verifier not initialised")
	}
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return false, nil
	}
	ctx, cancel := v.contextWithTimeout(ctx)
	defer cancel()

	record, err := v.client.GetUser(ctx, uid)
	switch {
	case firebaseauth.IsUserNotFound(err):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("firebase get user: %w", err)
	}
	return record != nil && !record.Disabled, nil
}

func (v *FirebaseVerifier) contextWithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if v.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, v.timeout)
}
