package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"
)

var (
	requestCount atomic.Int64
	flakyCount   atomic.Int64
)

func main() {
	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}
	signingKey := os.Getenv("MOCK_SIGNING_KEY")

	// Healthy partner — always accepts
	http.HandleFunc("/partner/ok", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)
		logRequest(r, count, 200)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "received"})
	})

	// Slow partner — delays 3 seconds before responding
	http.HandleFunc("/partner/slow", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)
		time.Sleep(3 * time.Second)
		logRequest(r, count, 200)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "received (slow)"})
	})

	// Broken partner — always returns 500
	http.HandleFunc("/partner/fail", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)
		logRequest(r, count, 500)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
	})

	// Flaky partner — fails twice, then accepts the third attempt
	http.HandleFunc("/partner/flaky", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)
		status := http.StatusServiceUnavailable
		if flakyCount.Add(1)%3 == 0 {
			status = http.StatusOK
		}
		logRequest(r, count, status)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			json.NewEncoder(w).Encode(map[string]string{"status": "received (eventually)"})
		} else {
			json.NewEncoder(w).Encode(map[string]string{"error": "service unavailable"})
		}
	})

	// Strict partner — rejects payloads whose signature does not match
	// MOCK_SIGNING_KEY. Accepts everything when the key is unset.
	http.HandleFunc("/partner/verify", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			logRequest(r, count, 400)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if signingKey != "" {
			mac := hmac.New(sha256.New, []byte(signingKey))
			mac.Write(body)
			want := hex.EncodeToString(mac.Sum(nil))
			got := r.Header.Get("X-Webhook-Signature")
			if !hmac.Equal([]byte(want), []byte(got)) {
				logRequest(r, count, 401)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "signature mismatch"})
				return
			}
		}

		logRequest(r, count, 200)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "received (verified)"})
	})

	// Stats endpoint — shows request count
	http.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{"total_requests": requestCount.Load()})
	})

	log.Printf("Mock partner server starting on :%s", port)
	log.Printf("  POST /partner/ok      -> 200 OK")
	log.Printf("  POST /partner/slow    -> 200 OK (3s delay)")
	log.Printf("  POST /partner/fail    -> 500 Error")
	log.Printf("  POST /partner/flaky   -> 503, 503, then 200")
	log.Printf("  POST /partner/verify  -> 200 if signed with MOCK_SIGNING_KEY, else 401")
	log.Printf("  GET  /stats           -> request count")

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func logRequest(r *http.Request, count int64, status int) {
	fmt.Printf("[#%d] %s %s -> %d | sig=%s event=%s id=%s attempt=%s\n",
		count,
		r.Method,
		r.URL.Path,
		status,
		truncate(r.Header.Get("X-Webhook-Signature"), 16),
		r.Header.Get("X-Webhook-Event"),
		truncate(r.Header.Get("X-Webhook-ID"), 8),
		r.Header.Get("X-Webhook-Attempt"),
	)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
