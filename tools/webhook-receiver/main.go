// Command webhook-receiver is a local target for easyjobs webhook actions.
// It records deliveries, checks X-EasyJobs-Signature when WEBHOOK_SECRET is
// set, and can answer with a fixed status to exercise the circuit breaker.
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
	"strconv"
	"sync"
	"time"
)

const (
	headerSignature  = "X-EasyJobs-Signature"
	headerDeliveryID = "X-EasyJobs-Delivery-ID"
	headerJobID      = "X-EasyJobs-Job-ID"
)

type delivery struct {
	Timestamp  string `json:"timestamp"`
	DeliveryID string `json:"deliveryId"`
	JobID      string `json:"jobId"`
	Verified   *bool  `json:"verified,omitempty"`
	Status     int    `json:"status"`
	Body       string `json:"body"`
}

type stats struct {
	Count          int64      `json:"count"`
	Rejected       int64      `json:"rejected"`
	LastDeliveries []delivery `json:"lastDeliveries"`
	Since          string     `json:"since"`
}

type receiver struct {
	secret  string
	status  int
	maxKept int

	mu       sync.Mutex
	count    int64
	rejected int64
	last     []delivery
	since    time.Time
}

func main() {
	addr := ":9000"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	rcv := &receiver{
		secret:  os.Getenv("WEBHOOK_SECRET"),
		status:  http.StatusOK,
		maxKept: 50,
		since:   time.Now().UTC(),
	}
	if v := os.Getenv("RESPOND_STATUS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 100 || n > 599 {
			log.Fatalf("webhook-receiver: invalid RESPOND_STATUS %q", v)
		}
		rcv.status = n
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /hook", rcv.hook)
	mux.HandleFunc("GET /stats", rcv.stats)
	mux.HandleFunc("POST /reset", rcv.reset)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	log.Printf("webhook-receiver listening on %s (signature check: %t, status: %d)", addr, rcv.secret != "", rcv.status)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func (rc *receiver) hook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	d := delivery{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		DeliveryID: r.Header.Get(headerDeliveryID),
		JobID:      r.Header.Get(headerJobID),
		Status:     rc.status,
		Body:       string(body),
	}
	if rc.secret != "" {
		ok := verify(rc.secret, body, r.Header.Get(headerSignature))
		d.Verified = &ok
		if !ok {
			d.Status = http.StatusUnauthorized
		}
	}

	rc.mu.Lock()
	if d.Status == http.StatusUnauthorized {
		rc.rejected++
	} else {
		rc.count++
	}
	rc.last = append(rc.last, d)
	if len(rc.last) > rc.maxKept {
		rc.last = rc.last[len(rc.last)-rc.maxKept:]
	}
	n := rc.count
	rc.mu.Unlock()

	log.Printf("delivery %s job=%s status=%d", d.DeliveryID, d.JobID, d.Status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(d.Status)
	fmt.Fprintf(w, `{"received":%d}`, n)
}

func (rc *receiver) stats(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	s := stats{
		Count:          rc.count,
		Rejected:       rc.rejected,
		LastDeliveries: append([]delivery(nil), rc.last...),
		Since:          rc.since.Format(time.RFC3339),
	}
	rc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s)
}

func (rc *receiver) reset(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	rc.count, rc.rejected, rc.last = 0, 0, nil
	rc.since = time.Now().UTC()
	rc.mu.Unlock()
	fmt.Fprintln(w, "reset")
}

// verify matches the HMAC-SHA256 hex signature easyjobs sends.
func verify(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
