package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/clipforge/api/internal/auth"
	"github.com/clipforge/api/internal/dispatch"
	"github.com/clipforge/api/internal/handler"
	"github.com/clipforge/api/internal/media"
	"github.com/clipforge/api/internal/middleware"
	"github.com/clipforge/api/internal/orchestrator"
	"github.com/clipforge/api/internal/retry"
	"github.com/clipforge/api/internal/service"
	"github.com/clipforge/api/internal/stage"
	"github.com/clipforge/api/internal/store"
	"github.com/clipforge/api/internal/worker"
)

const testJWTSecret = "test-secret-for-e2e"

// testApp holds all components needed for testing
type testApp struct {
	app        *fiber.App
	auth       *auth.Authenticator
	enqueuer   *inlineEnqueuer
	executions *store.ExecutionStore
}

// inlineEnqueuer hands pipeline tasks straight to the worker, so a request
// returns after the pipeline has run. When hold is set, tasks are only
// recorded.
type inlineEnqueuer struct {
	worker *worker.PipelineWorker
	hold   bool
	tasks  []*asynq.Task
}

func (e *inlineEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	e.tasks = append(e.tasks, task)
	if !e.hold {
		var err error
		switch task.Type() {
		case service.TaskTypePipelineRun:
			err = e.worker.ProcessRun(context.WithoutCancel(ctx), task)
		case service.TaskTypePipelineStage:
			err = e.worker.ProcessStage(context.WithoutCancel(ctx), task)
		}
		if err != nil {
			return nil, err
		}
	}
	return &asynq.TaskInfo{Type: task.Type(), State: asynq.TaskStateCompleted}, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

// setupApp creates a Fiber app with the same routes as main.go. Every
// external client is unconfigured, so stages produce mock output.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	validate := validator.New()

	contexts := store.NewRedisContextStore(redisClient, store.MustNewValidator())
	executions := store.NewExecutionStore(redisClient)

	engine := media.NewEngine(nil, media.WithThrottle(media.NewThrottle(0)))
	registry := stage.NewRegistry(
		stage.NewTopicStage(contexts, executions, nil, nil),
		stage.NewScriptStage(contexts, nil, nil),
		stage.NewMediaStage(contexts, engine, nil),
		stage.NewAudioStage(contexts, nil, nil, "narrator", 0, nil),
		stage.NewAssemblyStage(contexts, nil, nil),
		stage.NewPublishStage(contexts, nil, "youtube-shorts", 0, nil),
	)
	dispatcher := dispatch.NewDispatcher(registry.Run, nil, dispatch.WithSleeper(noSleep))

	policy := retry.DefaultPolicy()
	policy.Jitter = func() float64 { return 0 }
	orch := orchestrator.New(contexts, executions, registry, dispatcher,
		orchestrator.WithPolicy(policy),
		orchestrator.WithSleeper(noSleep),
	)

	enqueuer := &inlineEnqueuer{worker: worker.NewPipelineWorker(orch, nil, nil)}
	pipelineService := service.NewPipelineService(executions, contexts, enqueuer, "pipelines")
	pipelineHandler := handler.NewPipelineHandler(pipelineService, orch, validate)

	authenticator := auth.NewAuthenticator(nil, testJWTSecret)
	authHandler := handler.NewAuthHandler(authenticator)
	authMiddleware := middleware.NewAuthMiddleware(authenticator, nil)
	rateLimiter := middleware.NewRateLimiter(redisClient, nil)

	app := fiber.New()

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"groq": false,
				"tts":  false,
				"r2":   false,
				"auth": true,
			},
		})
	})
	app.Get("/auth/verify", authHandler.Verify)

	api := app.Group("/api", authMiddleware.Authenticate())

	// Use very high rate limits so tests don't get blocked
	pipelines := api.Group("/pipelines")
	pipelines.Post("/", rateLimiter.PipelineLimit(10000), pipelineHandler.Start)
	pipelines.Get("/", pipelineHandler.List)
	pipelines.Get("/:projectId", pipelineHandler.Get)
	pipelines.Post("/:projectId/cancel", pipelineHandler.Cancel)
	pipelines.Post("/:projectId/stages/:stage", rateLimiter.StageLimit(10000), pipelineHandler.InvokeStage)
	pipelines.Get("/:projectId/contexts/:context", pipelineHandler.GetContext)

	return &testApp{app: app, auth: authenticator, enqueuer: enqueuer, executions: executions}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T, ta *testApp) string {
	t.Helper()
	signed, err := ta.auth.IssueLegacyToken("test-user-123", "test@example.com")
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
func doAuthRequest(t *testing.T, ta *testApp, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t, ta)
	return doRequest(ta.app, method, path, body, map[string]string{
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
