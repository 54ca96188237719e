package e2e

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/makeasinger/songgen/internal/auth"
	"github.com/makeasinger/songgen/internal/cache"
	"github.com/makeasinger/songgen/internal/client"
	"github.com/makeasinger/songgen/internal/generation"
	"github.com/makeasinger/songgen/internal/handler"
	"github.com/makeasinger/songgen/internal/ledger"
	"github.com/makeasinger/songgen/internal/middleware"
	"github.com/makeasinger/songgen/internal/schedule"
	"github.com/makeasinger/songgen/internal/store/memory"
	ws "github.com/makeasinger/songgen/internal/websocket"
)

const (
	testJWTSecret  = "test-secret-for-e2e"
	testUserID     = "test-user-123"
	testCost       = 5
	testBalance    = 50
	testPollEvery  = 5 * time.Second
	testReadyAfter = 2
)

// testApp holds all components needed for testing
type testApp struct {
	app     *fiber.App
	clock   *schedule.Manual
	store   *memory.Store
	manager *generation.Manager
}

// setupApp creates a Fiber app wired like main.go, with the in-memory store,
// the mock job service and a manual clock driving the pollers.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	log := zerolog.Nop()
	validate := validator.New()
	clock := schedule.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	persistence := memory.New(testBalance)

	artifactCache, err := cache.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}

	hub := ws.NewHub(log)
	go hub.Run()

	manager := generation.NewManager(generation.Deps{
		Jobs:      client.NewMockMusicClient(testReadyAfter),
		Store:     persistence,
		Cache:     artifactCache,
		Ledger:    ledger.New(persistence, log),
		Scheduler: clock,
		Validate:  validate,
		Log:       log,
	}, generation.Config{
		Cost: testCost,
		Poll: generation.PollerConfig{
			Interval:       testPollEvery,
			MaxAttempts:    60,
			MaxWindow:      5 * time.Minute,
			RequestTimeout: time.Second,
		},
		Recheck: generation.RecheckConfig{
			Interval:       30 * time.Second,
			Cooldown:       2 * time.Minute,
			MaxRetries:     10,
			RequestTimeout: time.Second,
		},
		RequestTimeout: time.Second,
	}, hub)

	t.Cleanup(func() {
		manager.Close()
		hub.Stop()
		artifactCache.Close()
	})

	verifier := auth.NewChain(nil, testJWTSecret)
	generationHandler := handler.NewGenerationHandler(manager, validate, testCost, log)
	authHandler := handler.NewAuthHandler(verifier)

	authMiddleware := middleware.NewAuthMiddleware(verifier)
	// no redis: the limiter lets everything through
	rateLimiter := middleware.NewRateLimiter(nil, log)

	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024,
	})

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"service": "songgen", "timestamp": time.Now().Unix()})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"suno":     false,
				"database": persistence.Ping(c.UserContext()) == nil,
				"redis":    false,
				"r2":       false,
				"auth":     true,
			},
		})
	})
	app.Get("/auth/verify", authHandler.Verify)

	api := app.Group("/api", authMiddleware.Authenticate())

	generations := api.Group("/generations")
	generations.Post("/", rateLimiter.GenerateLimit(10000), generationHandler.Submit)
	generations.Get("/state", generationHandler.State)

	api.Get("/credits", generationHandler.Credits)

	artifacts := api.Group("/artifacts")
	artifacts.Get("/", generationHandler.Artifacts)
	artifacts.Delete("/:id", generationHandler.DeleteArtifact)

	return &testApp{
		app:     app,
		clock:   clock,
		store:   persistence,
		manager: manager,
	}
}

// advancePolls moves the clock forward by n poll intervals.
func (ta *testApp) advancePolls(n int) {
	for i := 0; i < n; i++ {
		ta.clock.Advance(testPollEvery)
	}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	signed, err := auth.IssueLegacyToken(testJWTSecret, testUserID, "test@example.com", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// errorCode extracts error.code from an error envelope.
func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	body := parseJSON(t, resp)
	errObj, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error envelope, got %v", body)
	}
	code, _ := errObj["code"].(string)
	return code
}
