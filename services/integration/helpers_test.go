package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/promptmarket/economy/libs/kafka"
	"github.com/promptmarket/economy/services/testutil"
)

type userRegisteredEvent struct {
	kafka.Envelope
	UserID     string `json:"user_id"`
	IP         string `json:"ip"`
	UserAgent  string `json:"user_agent"`
	ReferrerID string `json:"referrer_id,omitempty"`
}

type balanceResponse struct {
	UserID  uuid.UUID `json:"user_id"`
	Balance int64     `json:"balance"`
}

func getEconomyURL() string {
	if url := os.Getenv("ECONOMY_URL"); url != "" {
		return strings.TrimRight(url, "/")
	}
	return "http://localhost:8080"
}

func getJWTSecret() []byte {
	if v := os.Getenv("ECON_JWT_SECRET"); v != "" {
		return []byte(v)
	}
	return []byte("dev-secret")
}

func getKafkaBrokers() []string {
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := normalizeBroker(strings.TrimSpace(part))
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return []string{"localhost:9092"}
}

func normalizeBroker(value string) string {
	if value == "" {
		return value
	}
	if strings.Contains(value, "://") {
		parts := strings.SplitN(value, "://", 2)
		value = parts[1]
	}
	return strings.TrimSpace(value)
}

func getTopic(env, def string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func randomIP() string {
	return fmt.Sprintf("10.%d.%d.%d", rand.Intn(255), rand.Intn(255), rand.Intn(254)+1)
}

func requireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION") == "" {
		t.Skip("set RUN_INTEGRATION=1 to run")
	}
}

func tokenFor(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	token, err := testutil.GenerateJWT(userID, getJWTSecret(), time.Hour, time.Now())
	if err != nil {
		t.Fatalf("generate jwt: %v", err)
	}
	return token
}

func makeRequest(method, path string, body any, headers map[string]string) (*http.Response, error) {
	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequest(method, getEconomyURL()+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	return client.Do(req)
}

func authHeaders(token string, extra ...string) map[string]string {
	headers := map[string]string{"Authorization": "Bearer " + token}
	for i := 0; i+1 < len(extra); i += 2 {
		headers[extra[i]] = extra[i+1]
	}
	return headers
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func waitForRoutes(t *testing.T) {
	t.Helper()

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := makeRequest(http.MethodGet, "/readyz", nil, nil)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(500 * time.Millisecond)
	}

	t.Fatal("economy routes not ready within timeout")
}

// publishRegistration emits users.registered the way the user service does.
func publishRegistration(t *testing.T, userID uuid.UUID, ip string, referrer *uuid.UUID) {
	t.Helper()

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll

	producer, err := sarama.NewSyncProducer(getKafkaBrokers(), cfg)
	if err != nil {
		t.Fatalf("kafka producer: %v", err)
	}
	defer producer.Close()

	env, err := kafka.NewEnvelope("users.registered", 1, uuid.NewString())
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	event := userRegisteredEvent{
		Envelope:  env,
		UserID:    userID.String(),
		IP:        ip,
		UserAgent: "integration-test/" + userID.String()[:8],
	}
	if referrer != nil {
		event.ReferrerID = referrer.String()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	_, _, err = producer.SendMessage(&sarama.ProducerMessage{
		Topic: getTopic("KAFKA_USERS_REGISTERED_TOPIC", "users.registered"),
		Key:   sarama.StringEncoder(userID.String()),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		t.Fatalf("publish registration: %v", err)
	}
}

func waitForBalance(t *testing.T, userID uuid.UUID, expected int64) {
	t.Helper()
	token := tokenFor(t, userID)

	deadline := time.Now().Add(30 * time.Second)
	var last int64 = -1
	for time.Now().Before(deadline) {
		resp, err := makeRequest(http.MethodGet, "/credits/balance", nil, authHeaders(token))
		if err == nil {
			if resp.StatusCode == http.StatusOK {
				last = decodeBody[balanceResponse](t, resp).Balance
				if last == expected {
					return
				}
			} else {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("balance for %s did not reach %d (last %d)", userID, expected, last)
}
