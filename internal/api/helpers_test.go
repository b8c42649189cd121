package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/accord-chat/accord-server/internal/bus"
	"github.com/accord-chat/accord-server/internal/snowflake"
)

// testTimeout extends the default app.Test() deadline so that argon2 hashing
// under the race detector does not trigger a spurious i/o timeout.
var testTimeout = fiber.TestConfig{Timeout: 30 * time.Second}

// fakeAuth injects the locals the auth middleware would set.
func fakeAuth(userID snowflake.ID, sessionID uuid.UUID) fiber.Handler {
	return func(c fiber.Ctx) error {
		c.Locals("userID", userID)
		c.Locals("sessionID", sessionID)
		return c.Next()
	}
}

// fakePublisher records published events and never fails.
type fakePublisher struct {
	events []publishedEvent
}

type publishedEvent struct {
	Type     bus.Type
	EntityID snowflake.ID
	Payload  any
}

func (p *fakePublisher) Publish(_ context.Context, t bus.Type, entityID snowflake.ID, payload any) error {
	p.events = append(p.events, publishedEvent{Type: t, EntityID: entityID, Payload: payload})
	return nil
}

// lastEvent returns the most recently published event, failing the test when
// none was published.
func (p *fakePublisher) lastEvent(t *testing.T) publishedEvent {
	t.Helper()
	if len(p.events) == 0 {
		t.Fatal("no event published")
	}
	return p.events[len(p.events)-1]
}

// --- response parsing helpers ---

type successEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return b
}

func parseError(t *testing.T, body []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal error response %q: %v", string(body), err)
	}
	return env
}

func parseSuccess(t *testing.T, body []byte) successEnvelope {
	t.Helper()
	var env successEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal success response %q: %v", string(body), err)
	}
	return env
}

func jsonReq(method, url, body string) *http.Request {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// doReq sends a request through app.Test with the extended test timeout.
func doReq(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	return resp
}

// mustID parses a snowflake from its decimal form.
func mustID(t *testing.T, s string) snowflake.ID {
	t.Helper()
	id, err := snowflake.Parse(s)
	if err != nil {
		t.Fatalf("parse snowflake %q: %v", s, err)
	}
	return id
}
