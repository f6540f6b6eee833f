package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/ajopool/membership-service/internal/domain"
)

type webhookRepoStub struct {
	*activationRepoStub

	upsertedIntents []*domain.PaymentIntent
	upsertErr       error
}

func (s *webhookRepoStub) UpsertPaymentIntentFromWebhook(ctx context.Context, intent *domain.PaymentIntent) error {
	copied := *intent
	s.upsertedIntents = append(s.upsertedIntents, &copied)
	return s.upsertErr
}

func TestHandleChargeEvent_SuccessActivatesThroughSamePath(t *testing.T) {
	creatorID := uuid.New()
	group := newTestGroup(creatorID)
	repo := &webhookRepoStub{activationRepoStub: newActivationRepoStub(group)}
	svc := &Service{repo: repo}

	raw := []byte(`{"event":"charge.success","data":{"reference":"ajo_ref_hook"}}`)
	event := domain.PaystackWebhookEvent{
		Event: domain.WebhookEventChargeSuccess,
		Data: domain.PaystackChargeData{
			Reference: "ajo_ref_hook",
			Amount:    600000,
			Status:    "success",
			Channel:   "bank_transfer",
			PaidAt:    "2026-08-30T10:00:00Z",
			Metadata: domain.ChargeMetadata{
				UserID:            creatorID,
				GroupID:           group.ID,
				Purpose:           domain.PurposeGroupCreation,
				PreferredPosition: 3,
			},
		},
	}

	result, err := svc.HandleChargeEvent(context.Background(), event, raw)
	if err != nil {
		t.Fatalf("HandleChargeEvent returned error: %v", err)
	}
	if result == nil || !result.Admitted {
		t.Fatalf("expected admission, got %+v", result)
	}
	if result.Position != 3 {
		t.Fatalf("expected preferred position 3, got %d", result.Position)
	}

	if len(repo.upsertedIntents) != 1 {
		t.Fatalf("expected one intent upsert, got %d", len(repo.upsertedIntents))
	}
	recorded := repo.upsertedIntents[0]
	if recorded.Status != domain.PaymentStatusSuccess || !recorded.Verified {
		t.Fatalf("expected verified success intent, got %+v", recorded)
	}
	if string(recorded.GatewayResponse) != string(raw) {
		t.Fatal("expected raw webhook payload persisted verbatim")
	}
	if recorded.PaidAt == nil {
		t.Fatal("expected paid_at to be parsed from the event")
	}
	if recorded.Channel == nil || *recorded.Channel != "bank_transfer" {
		t.Fatalf("expected channel to be recorded, got %v", recorded.Channel)
	}
}

func TestHandleChargeEvent_FailureIsRecordedWithoutActivation(t *testing.T) {
	creatorID := uuid.New()
	group := newTestGroup(creatorID)
	repo := &webhookRepoStub{activationRepoStub: newActivationRepoStub(group)}
	svc := &Service{repo: repo}

	raw := json.RawMessage(`{"event":"charge.failed"}`)
	result, err := svc.HandleChargeEvent(context.Background(), domain.PaystackWebhookEvent{
		Event: domain.WebhookEventChargeFailed,
		Data: domain.PaystackChargeData{
			Reference: "ajo_ref_declined",
			Amount:    600000,
			Status:    "failed",
			Metadata: domain.ChargeMetadata{
				UserID:  creatorID,
				GroupID: group.ID,
				Purpose: domain.PurposeGroupCreation,
			},
		},
	}, raw)
	if err != nil {
		t.Fatalf("HandleChargeEvent returned error: %v", err)
	}
	if result != nil {
		t.Fatalf("did not expect activation result for a failed charge, got %+v", result)
	}
	if len(repo.upsertedIntents) != 1 {
		t.Fatalf("expected failed charge to be recorded, got %d upserts", len(repo.upsertedIntents))
	}
	if repo.upsertedIntents[0].Status != domain.PaymentStatusFailed {
		t.Fatalf("expected failed status recorded, got %q", repo.upsertedIntents[0].Status)
	}
	if len(repo.memberships) != 0 {
		t.Fatal("expected no membership writes for a failed charge")
	}
}

func TestHandleChargeEvent_MalformedMetadataStillLeavesAuditTrace(t *testing.T) {
	group := newTestGroup(uuid.New())
	repo := &webhookRepoStub{activationRepoStub: newActivationRepoStub(group)}
	svc := &Service{repo: repo}

	_, err := svc.HandleChargeEvent(context.Background(), domain.PaystackWebhookEvent{
		Event: domain.WebhookEventChargeSuccess,
		Data: domain.PaystackChargeData{
			Reference: "ajo_ref_nometa",
			Amount:    600000,
			Status:    "success",
		},
	}, []byte(`{}`))
	if !errors.Is(err, ErrMalformedChargeMetadata) {
		t.Fatalf("expected ErrMalformedChargeMetadata, got %v", err)
	}
	if len(repo.upsertedIntents) != 1 {
		t.Fatalf("expected the delivery to be recorded before rejection, got %d upserts", len(repo.upsertedIntents))
	}
	if len(repo.memberships) != 0 {
		t.Fatal("expected no membership writes for malformed metadata")
	}
}

func TestHandleChargeEvent_RecordFailureAborts(t *testing.T) {
	group := newTestGroup(uuid.New())
	repo := &webhookRepoStub{
		activationRepoStub: newActivationRepoStub(group),
		upsertErr:          errors.New("db unavailable"),
	}
	svc := &Service{repo: repo}

	_, err := svc.HandleChargeEvent(context.Background(), domain.PaystackWebhookEvent{
		Event: domain.WebhookEventChargeSuccess,
		Data:  domain.PaystackChargeData{Reference: "ajo_ref_dbdown", Amount: 600000},
	}, []byte(`{}`))
	if err == nil {
		t.Fatal("expected error when the event cannot be recorded")
	}
	if len(repo.memberships) != 0 {
		t.Fatal("expected no activation when recording failed")
	}
}
