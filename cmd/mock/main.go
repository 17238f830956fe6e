package main

import (
	crand "crypto/rand"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

// 简易上游模拟：token 会过期（验证 401 自动重登），训练接口会进入
// “操作进行中”窗口（验证 busy 延迟重试），领奖要求先训练成功。

type session struct {
	username string
	expireAt time.Time
}

type mockState struct {
	mu       sync.Mutex
	tokens   map[string]session   // token -> session
	busy     map[string]time.Time // username -> 训练结束时间
	trained  map[string]bool
	tokenTTL time.Duration
	busyDur  time.Duration
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	tokenTTL := flag.Duration("token-ttl", 60*time.Second, "token 有效期")
	busyDur := flag.Duration("busy", 20*time.Second, "训练占用窗口")
	flag.Parse()

	st := &mockState{
		tokens:   make(map[string]session),
		busy:     make(map[string]time.Time),
		trained:  make(map[string]bool),
		tokenTTL: *tokenTTL,
		busyDur:  *busyDur,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/mock/health", func(w http.ResponseWriter, _ *http.Request) {
		writeOK(w, map[string]any{"ok": true})
	})

	mux.HandleFunc("/mock/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if strings.TrimSpace(body.Username) == "" || body.Password == "" {
			writeEnvelope(w, false, "", "用户名或密码错误", "AUTH_BAD", nil)
			return
		}
		token := "mock_token_" + randString(12)
		st.mu.Lock()
		st.tokens[token] = session{username: body.Username, expireAt: time.Now().Add(st.tokenTTL)}
		st.mu.Unlock()
		writeEnvelope(w, true, "", "", "", map[string]any{
			"token":  token,
			"userId": "u_" + body.Username,
		})
	})

	mux.HandleFunc("/mock/api/ticket/list", st.withAuth(func(w http.ResponseWriter, r *http.Request, user string) {
		n := rand.Intn(4)
		tickets := make([]map[string]any, 0, n)
		for i := 0; i < n; i++ {
			tickets = append(tickets, map[string]any{
				"id":        randString(8),
				"title":     "工单-" + randString(4),
				"status":    []string{"open", "closed"}[rand.Intn(2)],
				"createdMs": time.Now().Add(-time.Duration(rand.Intn(86400)) * time.Second).UnixMilli(),
			})
		}
		writeEnvelope(w, true, "", "", "", map[string]any{
			"tickets": tickets,
			"traceId": randString(10),
		})
	}))

	mux.HandleFunc("/mock/api/decision/submit", st.withAuth(func(w http.ResponseWriter, r *http.Request, user string) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["token"] == nil {
			writeEnvelope(w, false, "body 缺少 token", "", "NO_TOKEN", nil)
			return
		}
		writeEnvelope(w, true, "", "", "", map[string]any{
			"accepted": true,
			"traceId":  randString(10),
		})
	}))

	mux.HandleFunc("/mock/api/training/start", st.withAuth(func(w http.ResponseWriter, r *http.Request, user string) {
		st.mu.Lock()
		until, busy := st.busy[user]
		now := time.Now()
		if busy && now.Before(until) {
			st.mu.Unlock()
			writeEnvelope(w, false, "", "已有训练进行中，请稍后再试", "OP_PENDING", nil)
			return
		}
		if busy && !now.Before(until) {
			// 上一轮训练已结束
			delete(st.busy, user)
			st.trained[user] = true
		}
		st.busy[user] = now.Add(st.busyDur)
		st.mu.Unlock()
		writeEnvelope(w, true, "", "", "", map[string]any{
			"sessionId": "tr_" + randString(8),
			"finishMs":  now.Add(st.busyDur).UnixMilli(),
			"traceId":   randString(10),
		})
	}))

	mux.HandleFunc("/mock/api/reward/claim", st.withAuth(func(w http.ResponseWriter, r *http.Request, user string) {
		st.mu.Lock()
		if until, busy := st.busy[user]; busy && !time.Now().Before(until) {
			delete(st.busy, user)
			st.trained[user] = true
		}
		trained := st.trained[user]
		if trained {
			st.trained[user] = false
		}
		st.mu.Unlock()
		if !trained {
			writeEnvelope(w, false, "", "今日尚未完成训练", "NOT_ELIGIBLE", nil)
			return
		}
		writeEnvelope(w, true, "", "", "", map[string]any{
			"amount":  int64(rand.Intn(400) + 100),
			"kind":    "coin",
			"traceId": randString(10),
		})
	}))

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("mock listening on %s (tokenTTL=%s busy=%s)", *addr, *tokenTTL, *busyDur)
	log.Fatal(srv.ListenAndServe())
}

func (st *mockState) withAuth(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := strings.TrimSpace(r.Header.Get("Authorization"))
		token := ""
		if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			token = strings.TrimSpace(auth[7:])
		}
		st.mu.Lock()
		sess, ok := st.tokens[token]
		if ok && time.Now().After(sess.expireAt) {
			delete(st.tokens, token)
			ok = false
		}
		st.mu.Unlock()
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "token 无效或已过期"})
			return
		}
		next(w, r, sess.username)
	}
}

func writeOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeEnvelope(w http.ResponseWriter, success bool, errMsg, message, code string, data any) {
	out := map[string]any{"success": success}
	if errMsg != "" {
		out["error"] = errMsg
	}
	if message != "" {
		out["message"] = message
	}
	if code != "" {
		out["code"] = code
	}
	if data != nil {
		out["data"] = data
	}
	writeOK(w, out)
}

func randString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	if n <= 0 {
		return ""
	}
	raw := make([]byte, n)
	_, _ = crand.Read(raw)
	out := make([]byte, n)
	for i := range out {
		out[i] = letters[int(raw[i])%len(letters)]
	}
	return string(out)
}
