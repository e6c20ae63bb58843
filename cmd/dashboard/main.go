package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const serviceName = "alice-dashboard"
const defaultTimeoutSeconds = 2
const defaultPort = 8091

// config is the dashboard's own tiny env-driven config, following the
// teacher BFF's loadConfig pattern rather than the orchestrator's richer
// hot-reloadable Config: this binary has nothing to hot-reload.
type config struct {
	OrchestratorURL string
	Timeout         time.Duration
	Port            int
}

func loadConfig() config {
	timeoutSeconds, _ := strconv.Atoi(os.Getenv("REQUEST_TIMEOUT_SECONDS"))
	if timeoutSeconds == 0 {
		timeoutSeconds = defaultTimeoutSeconds
	}
	port, _ := strconv.Atoi(os.Getenv("DASHBOARD_PORT"))
	if port == 0 {
		port = defaultPort
	}
	orchestratorURL := os.Getenv("ORCHESTRATOR_URL")
	if orchestratorURL == "" {
		orchestratorURL = "http://localhost:8080"
	}
	return config{OrchestratorURL: orchestratorURL, Timeout: time.Duration(timeoutSeconds) * time.Second, Port: port}
}

func logJSON(level, message string, fields map[string]any) {
	entry := map[string]any{
		"timestamp": time.Now().Format(time.RFC3339Nano),
		"level":     level,
		"service":   serviceName,
		"message":   message,
	}
	for k, v := range fields {
		entry[k] = v
	}
	data, _ := json.Marshal(entry)
	fmt.Println(string(data))
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"service": serviceName, "status": "ok"})
}

type fetchResult struct {
	name string
	data any
	err  error
}

func concurrentFetch(ctx context.Context, client *http.Client, url, name, requestID string, ch chan<- fetchResult) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		ch <- fetchResult{name: name, err: fmt.Errorf("request creation failed: %w", err)}
		return
	}
	req.Header.Set("X-Request-Id", requestID)

	resp, err := client.Do(req)
	if err != nil {
		ch <- fetchResult{name: name, err: fmt.Errorf("network error: %w", err)}
		return
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		ch <- fetchResult{name: name, err: fmt.Errorf("failed to read response body: %w", err)}
		return
	}
	if resp.StatusCode != http.StatusOK {
		ch <- fetchResult{name: name, err: fmt.Errorf("status code %d: %s", resp.StatusCode, string(bodyBytes))}
		return
	}

	var data any
	if err := json.Unmarshal(bodyBytes, &data); err != nil {
		ch <- fetchResult{name: name, data: string(bodyBytes)}
		return
	}
	ch <- fetchResult{name: name, data: data}
}

// dashboardHandler fans out, concurrently, to the orchestrator's three
// GET /api/status/* endpoints (spec.md §6) and merges the results into one
// payload, the same aggregation shape the teacher's BFF uses for its
// downstream services.
func dashboardHandler(cfg config) gin.HandlerFunc {
	endpoints := map[string]string{
		"simple":   cfg.OrchestratorURL + "/api/status/simple",
		"routes":   cfg.OrchestratorURL + "/api/status/routes",
		"guardian": cfg.OrchestratorURL + "/api/status/guardian",
	}

	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader("X-Request-Id")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.Timeout)
		defer cancel()

		client := &http.Client{Timeout: cfg.Timeout}
		ch := make(chan fetchResult, len(endpoints))
		for name, url := range endpoints {
			go concurrentFetch(ctx, client, url, name, requestID, ch)
		}

		results := make(map[string]any, len(endpoints))
		for i := 0; i < len(endpoints); i++ {
			r := <-ch
			if r.err != nil {
				results[r.name] = map[string]any{"error": r.err.Error(), "status": "failed"}
				continue
			}
			results[r.name] = r.data
		}

		logJSON("info", "dashboard aggregation complete", map[string]any{
			"request_id": requestID,
			"latency_ms": time.Since(start).Milliseconds(),
		})

		c.JSON(http.StatusOK, gin.H{
			"service":    serviceName,
			"status":     "ok",
			"request_id": requestID,
			"data":       results,
		})
	}
}

func main() {
	cfg := loadConfig()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		requestID := c.GetHeader("X-Request-Id")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		logJSON("info", "request processed", map[string]any{
			"request_id": requestID,
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
		})
	})

	router.GET("/health", healthCheck)
	router.GET("/dashboard", dashboardHandler(cfg))

	logJSON("info", "starting dashboard server", map[string]any{"port": cfg.Port})
	if err := router.Run(fmt.Sprintf(":%d", cfg.Port)); err != nil {
		logJSON("fatal", "failed to run dashboard server", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}
