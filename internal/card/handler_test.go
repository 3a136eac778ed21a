package card

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/custody/internal/cardprocessor"
	"github.com/congo-pay/custody/internal/ledger"
	"github.com/congo-pay/custody/internal/logging"
	"github.com/congo-pay/custody/internal/middleware"
)

const testSecret = "whsec_test"

func newTestApp(f *fixture) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler(logging.Discard())})
	cards := NewHandler(f.svc)
	hooks := NewWebhookHandler(f.svc, testSecret)

	app.Post("/webhooks/processor/authorizations", hooks.Authorization)
	app.Post("/webhooks/processor/transactions", hooks.Transaction)

	owned := app.Group("/cards", middleware.Owner())
	owned.Post("/", cards.Issue)
	owned.Get("/", cards.List)
	owned.Get("/:cardId", cards.Get)
	owned.Post("/:cardId/cancel", cards.Cancel)
	return app
}

func do(t *testing.T, app *fiber.App, method, path string, headers map[string]string, body string) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, payload
}

func signed(payload string) map[string]string {
	return map[string]string{
		cardprocessor.SignatureHeader: cardprocessor.SignPayload([]byte(payload), testSecret, time.Now()),
	}
}

func authorizationPayload(authID, cardID string, cents int) string {
	return fmt.Sprintf(`{"id":"evt_%s","type":"issuing_authorization.request","data":{"object":{
		"id":%q,"card":{"id":%q},"amount":0,"currency":"usd",
		"pending_request":{"amount":%d,"currency":"usd"},
		"merchant_data":{"name":"Book Store","category":"book_stores"}}}}`, authID, authID, cardID, cents)
}

func TestAuthorizationWebhook(t *testing.T) {
	f := newFixture(t)
	app := newTestApp(f)
	card := f.issue(t, uuid.NewString(), "")
	payload := authorizationPayload("iauth_1", card.ProcessorCardID, 2599)

	status, body := do(t, app, fiber.MethodPost, "/webhooks/processor/authorizations", signed(payload), payload)
	require.Equal(t, fiber.StatusOK, status, string(body))

	var resp AuthorizationResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.True(t, resp.Approved)
	assert.Equal(t, "iauth_1", resp.AuthorizationID)

	status, body = do(t, app, fiber.MethodPost, "/webhooks/processor/authorizations", signed(payload), payload)
	require.Equal(t, fiber.StatusOK, status, "redelivery answers with the stored decision")
	var again AuthorizationResponse
	require.NoError(t, json.Unmarshal(body, &again))
	assert.Equal(t, resp, again)

	stored, err := f.store.AuthorizationByProcessorID(context.Background(), "iauth_1")
	require.NoError(t, err)
	assert.Equal(t, "25.99", stored.Amount.String())
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	app := newTestApp(f)
	card := f.issue(t, uuid.NewString(), "")
	payload := authorizationPayload("iauth_forged", card.ProcessorCardID, 100)

	cases := map[string]map[string]string{
		"missing":  nil,
		"tampered": signed(strings.Replace(payload, "100", "1", 1)),
		"stale": {
			cardprocessor.SignatureHeader: cardprocessor.SignPayload([]byte(payload), testSecret, time.Now().Add(-time.Hour)),
		},
		"wrong secret": {
			cardprocessor.SignatureHeader: cardprocessor.SignPayload([]byte(payload), "whsec_other", time.Now()),
		},
	}
	for name, headers := range cases {
		status, _ := do(t, app, fiber.MethodPost, "/webhooks/processor/authorizations", headers, payload)
		assert.Equal(t, fiber.StatusUnauthorized, status, name)
	}

	_, err := f.store.AuthorizationByProcessorID(context.Background(), "iauth_forged")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestTransactionWebhookRecordsRefundOnce(t *testing.T) {
	f := newFixture(t)
	app := newTestApp(f)
	card := f.issue(t, uuid.NewString(), "")
	payload := fmt.Sprintf(`{"id":"evt_r","type":"issuing_transaction.created","data":{"object":{
		"id":"ipi_r1","card":%q,"type":"refund","amount":1000,"currency":"usd"}}}`, card.ProcessorCardID)

	status, body := do(t, app, fiber.MethodPost, "/webhooks/processor/transactions", signed(payload), payload)
	require.Equal(t, fiber.StatusCreated, status, string(body))

	status, _ = do(t, app, fiber.MethodPost, "/webhooks/processor/transactions", signed(payload), payload)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, 1, ledger.CountTransactions(f.store))

	ignored := `{"id":"evt_x","type":"issuing_transaction.created","data":{"object":{"id":"ipi_x","type":"dispute"}}}`
	status, _ = do(t, app, fiber.MethodPost, "/webhooks/processor/transactions", signed(ignored), ignored)
	assert.Equal(t, fiber.StatusOK, status)
}

func TestCardRoutes(t *testing.T) {
	f := newFixture(t)
	app := newTestApp(f)
	owner := uuid.NewString()
	headers := map[string]string{middleware.OwnerHeader: owner}

	status, body := do(t, app, fiber.MethodPost, "/cards", headers, `{"type":"virtual","cardholder_name":"Ada","spending_limit":"250"}`)
	require.Equal(t, fiber.StatusCreated, status, string(body))
	var issued CardResponse
	require.NoError(t, json.Unmarshal(body, &issued))
	require.NotNil(t, issued.SpendingLimit)
	assert.Equal(t, "250.00", *issued.SpendingLimit)
	assert.Equal(t, "active", issued.Status)

	status, _ = do(t, app, fiber.MethodPost, "/cards", headers, `{"type":"plastic","cardholder_name":"Ada"}`)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = do(t, app, fiber.MethodGet, "/cards/"+issued.ID, map[string]string{middleware.OwnerHeader: uuid.NewString()}, "")
	assert.Equal(t, fiber.StatusNotFound, status)

	status, body = do(t, app, fiber.MethodPost, "/cards/"+issued.ID+"/cancel", headers, "")
	require.Equal(t, fiber.StatusOK, status, string(body))
	var canceled CardResponse
	require.NoError(t, json.Unmarshal(body, &canceled))
	assert.Equal(t, "canceled", canceled.Status)

	status, body = do(t, app, fiber.MethodGet, "/cards", headers, "")
	require.Equal(t, fiber.StatusOK, status)
	var list struct {
		Cards []CardResponse `json:"cards"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list.Cards, 1)

	f.proc.Fail(cardprocessor.ErrUnavailable)
	status, _ = do(t, app, fiber.MethodPost, "/cards", headers, `{"type":"physical","cardholder_name":"Ada"}`)
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
}
