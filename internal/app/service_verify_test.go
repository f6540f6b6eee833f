package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/ajopool/membership-service/internal/domain"
	"github.com/ajopool/membership-service/internal/store"
	"github.com/ajopool/membership-service/pkg/paystackclient"
)

// verifyRepoStub layers payment intent state on top of the activation stub.
type verifyRepoStub struct {
	*activationRepoStub

	intent *domain.PaymentIntent

	verificationUpdates []string // statuses persisted via UpdatePaymentIntentVerification
	persistedResponse   json.RawMessage
}

func (s *verifyRepoStub) FindPaymentIntentByReference(ctx context.Context, reference string) (*domain.PaymentIntent, error) {
	if s.intent == nil || s.intent.Reference != reference {
		return nil, store.ErrPaymentIntentNotFound
	}
	copied := *s.intent
	return &copied, nil
}

func (s *verifyRepoStub) UpdatePaymentIntentVerification(ctx context.Context, reference, status string, verified bool, gatewayResponse json.RawMessage) error {
	s.verificationUpdates = append(s.verificationUpdates, status)
	s.persistedResponse = gatewayResponse
	s.intent.Status = status
	s.intent.Verified = verified
	return nil
}

func newVerifyFixture(t *testing.T) (*verifyRepoStub, *domain.Group, uuid.UUID) {
	t.Helper()
	creatorID := uuid.New()
	group := newTestGroup(creatorID)
	repo := &verifyRepoStub{activationRepoStub: newActivationRepoStub(group)}
	repo.intent = &domain.PaymentIntent{
		Reference: "ajo_ref_verify",
		UserID:    creatorID,
		GroupID:   group.ID,
		Amount:    600000,
		Purpose:   domain.PurposeGroupCreation,
		Status:    domain.PaymentStatusPending,
	}
	return repo, group, creatorID
}

func verifyResponseBody(status string, amount int64) string {
	return fmt.Sprintf(`{"status":true,"message":"Verification successful","data":{"reference":"ajo_ref_verify","amount":%d,"status":"%s","channel":"card","paid_at":"2026-08-30T10:00:00Z","gateway_response":"Approved"}}`, amount, status)
}

func TestVerifyPayment_SuccessActivatesMembership(t *testing.T) {
	repo, _, creatorID := newVerifyFixture(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/transaction/verify/ajo_ref_verify" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("expected bearer auth with secret key, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, verifyResponseBody("success", 600000))
	}))
	defer server.Close()

	svc := &Service{repo: repo, gateway: paystackclient.NewClient(server.URL, "test-key")}

	result, err := svc.VerifyPayment(context.Background(), creatorID, "ajo_ref_verify")
	if err != nil {
		t.Fatalf("VerifyPayment returned error: %v", err)
	}
	if !result.Success || !result.Verified {
		t.Fatalf("expected successful verified result, got %+v", result)
	}
	if result.PaymentStatus != domain.PaymentStatusSuccess {
		t.Fatalf("expected success payment status, got %q", result.PaymentStatus)
	}
	if result.Activation == nil || !result.Activation.Admitted {
		t.Fatalf("expected admission, got %+v", result.Activation)
	}
	if len(repo.verificationUpdates) != 1 || repo.verificationUpdates[0] != domain.PaymentStatusSuccess {
		t.Fatalf("expected one success verification update, got %v", repo.verificationUpdates)
	}
	if !strings.Contains(string(repo.persistedResponse), `"reference":"ajo_ref_verify"`) {
		t.Fatal("expected raw gateway response to be persisted for audit")
	}
	if got := repo.contributionCount(); got != 1 {
		t.Fatalf("expected one contribution row, got %d", got)
	}
}

func TestVerifyPayment_NonSuccessStatusPersistsWithoutActivation(t *testing.T) {
	repo, _, creatorID := newVerifyFixture(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, verifyResponseBody("abandoned", 600000))
	}))
	defer server.Close()

	svc := &Service{repo: repo, gateway: paystackclient.NewClient(server.URL, "test-key")}

	result, err := svc.VerifyPayment(context.Background(), creatorID, "ajo_ref_verify")
	if err != nil {
		t.Fatalf("VerifyPayment returned error: %v", err)
	}
	if result.Success {
		t.Fatal("expected unsuccessful result for abandoned charge")
	}
	if result.PaymentStatus != domain.PaymentStatusFailed {
		t.Fatalf("expected failed payment status, got %q", result.PaymentStatus)
	}
	if result.Activation != nil {
		t.Fatal("did not expect activation for an abandoned charge")
	}
	if len(repo.verificationUpdates) != 1 || repo.verificationUpdates[0] != domain.PaymentStatusFailed {
		t.Fatalf("expected one failed verification update, got %v", repo.verificationUpdates)
	}
	if len(repo.memberships) != 0 {
		t.Fatal("expected zero membership writes for an abandoned charge")
	}
}

func TestVerifyPayment_GatewayAPIErrorIsRecordedAsFailedAttempt(t *testing.T) {
	repo, _, creatorID := newVerifyFixture(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"status":false,"message":"Transaction reference not found"}`)
	}))
	defer server.Close()

	svc := &Service{repo: repo, gateway: paystackclient.NewClient(server.URL, "test-key")}

	result, err := svc.VerifyPayment(context.Background(), creatorID, "ajo_ref_verify")
	if err != nil {
		t.Fatalf("VerifyPayment returned error: %v", err)
	}
	if result.Success {
		t.Fatal("expected unsuccessful result for gateway api error")
	}
	if result.Message != "Transaction reference not found" {
		t.Fatalf("expected gateway message to surface, got %q", result.Message)
	}
	if len(repo.verificationUpdates) != 1 || repo.verificationUpdates[0] != domain.PaymentStatusFailed {
		t.Fatalf("expected failed verification attempt to be persisted, got %v", repo.verificationUpdates)
	}
}

func TestVerifyPayment_TransportFailureSurfacesGatewayUnreachable(t *testing.T) {
	repo, _, creatorID := newVerifyFixture(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused from here on

	svc := &Service{repo: repo, gateway: paystackclient.NewClient(server.URL, "test-key")}

	_, err := svc.VerifyPayment(context.Background(), creatorID, "ajo_ref_verify")
	if !errors.Is(err, ErrGatewayUnreachable) {
		t.Fatalf("expected ErrGatewayUnreachable, got %v", err)
	}
	if len(repo.verificationUpdates) != 0 {
		t.Fatalf("expected no verification update on transport failure, got %v", repo.verificationUpdates)
	}
}

func TestVerifyPayment_RejectsNonOwner(t *testing.T) {
	repo, _, _ := newVerifyFixture(t)
	svc := &Service{repo: repo}

	_, err := svc.VerifyPayment(context.Background(), uuid.New(), "ajo_ref_verify")
	if !errors.Is(err, ErrNotIntentOwner) {
		t.Fatalf("expected ErrNotIntentOwner, got %v", err)
	}
}

func TestVerifyPayment_ShortCircuitsWhenWebhookAlreadyWon(t *testing.T) {
	repo, group, creatorID := newVerifyFixture(t)
	repo.intent.Status = domain.PaymentStatusSuccess
	repo.intent.Verified = true
	repo.memberships[creatorID] = &domain.GroupMembership{
		GroupID:     group.ID,
		UserID:      creatorID,
		Position:    1,
		DepositPaid: true,
		Status:      domain.MembershipStatusActive,
	}

	// No gateway client wired: a gateway call would panic the test.
	svc := &Service{repo: repo}

	result, err := svc.VerifyPayment(context.Background(), creatorID, "ajo_ref_verify")
	if err != nil {
		t.Fatalf("VerifyPayment returned error: %v", err)
	}
	if result.Activation == nil || !result.Activation.IdempotentDuplicate {
		t.Fatalf("expected idempotent duplicate short-circuit, got %+v", result.Activation)
	}
	if result.Activation.Position != 1 {
		t.Fatalf("expected stable position 1, got %d", result.Activation.Position)
	}
}

func TestCreatePaymentIntent_ValidationAndRetry(t *testing.T) {
	creatorID := uuid.New()
	group := newTestGroup(creatorID)

	t.Run("rejects unknown purpose", func(t *testing.T) {
		repo := &verifyRepoStub{activationRepoStub: newActivationRepoStub(group)}
		svc := &Service{repo: repo}
		_, err := svc.CreatePaymentIntent(context.Background(), creatorID, domain.CreatePaymentIntentRequest{
			GroupID: group.ID,
			Amount:  600000,
			Purpose: "group_takeover",
		})
		if !errors.Is(err, ErrInvalidPurpose) {
			t.Fatalf("expected ErrInvalidPurpose, got %v", err)
		}
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		repo := &verifyRepoStub{activationRepoStub: newActivationRepoStub(group)}
		svc := &Service{repo: repo}
		_, err := svc.CreatePaymentIntent(context.Background(), creatorID, domain.CreatePaymentIntentRequest{
			GroupID: group.ID,
			Amount:  0,
			Purpose: domain.PurposeGroupCreation,
		})
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("expected ErrInvalidAmount, got %v", err)
		}
	})

	t.Run("rejects unknown group", func(t *testing.T) {
		repo := &verifyRepoStub{activationRepoStub: newActivationRepoStub(group)}
		svc := &Service{repo: repo}
		_, err := svc.CreatePaymentIntent(context.Background(), creatorID, domain.CreatePaymentIntentRequest{
			GroupID: uuid.New(),
			Amount:  600000,
			Purpose: domain.PurposeGroupCreation,
		})
		if !errors.Is(err, store.ErrGroupNotFound) {
			t.Fatalf("expected ErrGroupNotFound, got %v", err)
		}
	})

	t.Run("regenerates reference on collision", func(t *testing.T) {
		repo := &intentCollisionRepoStub{
			verifyRepoStub: &verifyRepoStub{activationRepoStub: newActivationRepoStub(group)},
			collisions:     1,
		}
		svc := &Service{repo: repo}
		intent, err := svc.CreatePaymentIntent(context.Background(), creatorID, domain.CreatePaymentIntentRequest{
			GroupID: group.ID,
			Amount:  600000,
			Purpose: domain.PurposeGroupCreation,
		})
		if err != nil {
			t.Fatalf("CreatePaymentIntent returned error: %v", err)
		}
		if repo.createCalls != 2 {
			t.Fatalf("expected two create attempts, got %d", repo.createCalls)
		}
		if !strings.HasPrefix(intent.Reference, "ajo_") {
			t.Fatalf("expected service-generated reference, got %q", intent.Reference)
		}
		if intent.Status != domain.PaymentStatusPending {
			t.Fatalf("expected pending intent, got %q", intent.Status)
		}
	})
}

type intentCollisionRepoStub struct {
	*verifyRepoStub

	collisions  int
	createCalls int
}

func (s *intentCollisionRepoStub) CreatePaymentIntent(ctx context.Context, intent *domain.PaymentIntent) error {
	s.createCalls++
	if s.collisions > 0 {
		s.collisions--
		return store.ErrDuplicateReference
	}
	return nil
}
