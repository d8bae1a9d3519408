package auth

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"arc-sync/internal/engine"
	"arc-sync/internal/metadata"
)

const testSecret = "test-secret"

func TestGenerateAndParse(t *testing.T) {
	tok, err := GenerateAccessToken("svc-webhook", []string{"admin"}, testSecret, time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := ParseAccessToken(tok, testSecret)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "svc-webhook" {
		t.Fatalf("expected subject svc-webhook, got %q", claims.Subject)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "admin" {
		t.Fatalf("unexpected roles %v", claims.Roles)
	}
}

func TestParse_WrongSecret(t *testing.T) {
	tok, _ := GenerateAccessToken("u1", nil, testSecret, time.Minute)
	if _, err := ParseAccessToken(tok, "other"); err == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func TestGenerate_DefaultTTL(t *testing.T) {
	tok, _ := GenerateAccessToken("u1", nil, testSecret, 0)
	claims, err := ParseAccessToken(tok, testSecret)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ttl := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	if ttl != DefaultTokenTTL {
		t.Fatalf("expected default ttl, got %v", ttl)
	}
}

func TestParse_Expired(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "u1",
		IssuedAt:  jwt.NewNumericDate(past),
		ExpiresAt: jwt.NewNumericDate(past.Add(time.Minute)),
	}}
	tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if _, err := ParseAccessToken(tok, testSecret); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestGenerate_EmptySecret(t *testing.T) {
	if _, err := GenerateAccessToken("u1", nil, "", time.Minute); err != ErrEmptySecret {
		t.Fatalf("expected ErrEmptySecret, got %v", err)
	}
}

func newApp() *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: engine.NewErrorHandler(nil)})
	app.Get("/me", AuthMiddleware(testSecret), func(c *fiber.Ctx) error {
		return c.JSON(GetUser(c))
	})
	app.Get("/actor", AuthMiddleware(testSecret), func(c *fiber.Ctx) error {
		return c.SendString(metadata.Actor(c.UserContext()))
	})
	app.Post("/relations", AuthMiddleware(testSecret), RequirePermission(metadata.PermManageRelations), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	app.Get("/traces", AuthMiddleware(testSecret), RequirePermission(metadata.PermReadTraces), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	return app
}

func errorCode(t *testing.T, body io.Reader) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error.Code
}

func TestAuthMiddleware(t *testing.T) {
	app := newApp()
	userTok, _ := GenerateAccessToken("u1", []string{"editor"}, testSecret, time.Minute)
	adminTok, _ := GenerateAccessToken("a1", []string{"admin"}, testSecret, time.Minute)
	managerTok, _ := GenerateAccessToken("m1", []string{"relation_manager"}, testSecret, time.Minute)
	auditorTok, _ := GenerateAccessToken("au1", []string{"auditor"}, testSecret, time.Minute)

	tests := []struct {
		name   string
		method string
		path   string
		header string
		status int
		code   string
	}{
		{"missing header", "GET", "/me", "", 401, "UNAUTHORIZED"},
		{"bad scheme", "GET", "/me", "Basic abc", 401, "UNAUTHORIZED"},
		{"empty bearer", "GET", "/me", "Bearer ", 401, "UNAUTHORIZED"},
		{"garbage token", "GET", "/me", "Bearer abc", 401, "UNAUTHORIZED"},
		{"valid user", "GET", "/me", "Bearer " + userTok, 200, ""},
		{"editor cannot manage relations", "POST", "/relations", "Bearer " + userTok, 403, "FORBIDDEN"},
		{"auditor cannot manage relations", "POST", "/relations", "Bearer " + auditorTok, 403, "FORBIDDEN"},
		{"manager manages relations", "POST", "/relations", "Bearer " + managerTok, 204, ""},
		{"admin manages relations", "POST", "/relations", "Bearer " + adminTok, 204, ""},
		{"manager cannot read traces", "GET", "/traces", "Bearer " + managerTok, 403, "FORBIDDEN"},
		{"auditor reads traces", "GET", "/traces", "Bearer " + auditorTok, 204, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, resp.StatusCode)
			}
			if tt.code != "" {
				if got := errorCode(t, resp.Body); got != tt.code {
					t.Fatalf("expected code %s, got %s", tt.code, got)
				}
			}
		})
	}
}

func TestAuthMiddleware_CallerInRequestContext(t *testing.T) {
	app := newApp()
	tok, _ := GenerateAccessToken("m1", []string{"relation_manager"}, testSecret, time.Minute)

	req := httptest.NewRequest("GET", "/actor", nil)
	req.Header.Set("Authorization", "bearer "+tok)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || string(body) != "m1" {
		t.Fatalf("expected actor m1, got %d %q", resp.StatusCode, body)
	}
}
