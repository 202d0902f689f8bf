package main

import (
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}
	flaky := 2
	if v, err := strconv.Atoi(os.Getenv("FLAKY_FAILURES")); err == nil {
		flaky = v
	}
	slow := 3 * time.Second
	if d, err := time.ParseDuration(os.Getenv("SLOW_DELAY")); err == nil {
		slow = d
	}

	rc := newReceiver(os.Getenv("SECRET"), flaky, slow, logger)

	logger.Info("mock endpoint server starting",
		"port", port,
		"verify_signatures", rc.secret != "",
		"flaky_failures", flaky,
		"slow_delay", slow,
	)
	// POST /webhook/success  -> 200
	// POST /webhook/fail     -> 500
	// POST /webhook/reject   -> 404
	// POST /webhook/flaky    -> 500 for the first FLAKY_FAILURES calls per event, then 200
	// POST /webhook/slow     -> 200 after SLOW_DELAY
	// GET  /stats            -> request, duplicate and bad signature counts
	if err := http.ListenAndServe(":"+port, rc.routes()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
