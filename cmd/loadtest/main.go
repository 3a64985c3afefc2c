package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/qmarkhow-spec/rubypets-sub000/internal/auth"
	"github.com/qmarkhow-spec/rubypets-sub000/internal/config"
	"github.com/qmarkhow-spec/rubypets-sub000/internal/logging"
	"github.com/qmarkhow-spec/rubypets-sub000/internal/models"
)

type OperationType int

const (
	WriteOperation OperationType = iota
	ReadOperation
)

type Stats struct {
	sync.Mutex
	totalRequests   int64
	successRequests int64
	failedRequests  int64
	totalLatency    time.Duration
	maxLatency      time.Duration
	minLatency      time.Duration
	writeLatencies  []time.Duration
	readLatencies   []time.Duration
}

func (s *Stats) recordSuccess(latency time.Duration, opType OperationType) {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.successRequests++
	s.totalLatency += latency
	if latency > s.maxLatency {
		s.maxLatency = latency
	}
	if s.minLatency == 0 || latency < s.minLatency {
		s.minLatency = latency
	}

	switch opType {
	case WriteOperation:
		s.writeLatencies = append(s.writeLatencies, latency)
	case ReadOperation:
		s.readLatencies = append(s.readLatencies, latency)
	}
}

func (s *Stats) recordError() {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.failedRequests++
}

func percentile(latencies []time.Duration, p float64) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	i := int(float64(len(sorted)) * p)
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}

type runner struct {
	baseURL  string
	auth     *auth.Authenticator
	client   *http.Client
	stats    *Stats
	logger   zerolog.Logger
	rate     int
	duration time.Duration
}

type account struct {
	id    string
	token string
}

func (r *runner) newAccount(i int) (account, error) {
	id := fmt.Sprintf("loadtest_%d", i)
	token, err := r.auth.IssueAccountToken(id, r.duration+time.Hour)
	return account{id: id, token: token}, err
}

func (r *runner) do(method, path, token string, body interface{}, out interface{}) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequest(method, r.baseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// openThread creates the pair's thread and accepts the request when the two
// accounts are strangers.
func (r *runner) openThread(a, b account) (string, error) {
	var summary models.ThreadSummary
	status, err := r.do(http.MethodPost, "/api/threads", a.token,
		models.CreateThreadRequest{OtherAccountID: b.id, FirstMessageText: "hello from the load test"}, &summary)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", fmt.Errorf("thread creation failed with status: %d", status)
	}

	if summary.RequestState == models.RequestPending {
		status, err := r.do(http.MethodPost, "/api/threads/"+summary.ID+"/request/accept", b.token, nil, nil)
		if err != nil {
			return "", err
		}
		if status != http.StatusOK {
			return "", fmt.Errorf("accept failed with status: %d", status)
		}
	}
	return summary.ID, nil
}

// simulate keeps one live connection open and alternates websocket sends
// with REST page reads. Write latency is measured from send to the echoed
// message_new frame.
func (r *runner) simulate(acc account, threadID string, wg *sync.WaitGroup) {
	defer wg.Done()

	wsURL := "ws" + strings.TrimPrefix(r.baseURL, "http") + "/api/threads/" + threadID + "/ws?token=" + acc.token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		r.stats.recordError()
		r.logger.Warn().Err(err).Str("account_id", acc.id).Msg("failed to connect")
		return
	}
	defer conn.Close()

	go r.readFrames(acc, conn)

	ticker := time.NewTicker(time.Second / time.Duration(r.rate))
	defer ticker.Stop()
	end := time.Now().Add(r.duration)

	for time.Now().Before(end) {
		<-ticker.C

		if rand.Float32() < 0.5 {
			body := fmt.Sprintf("lt %s %d", acc.id, time.Now().UnixNano())
			if err := conn.WriteJSON(models.ClientFrame{Type: models.FrameSend, BodyText: body}); err != nil {
				r.stats.recordError()
				r.logger.Warn().Err(err).Msg("failed to send frame")
				return
			}
			continue
		}

		start := time.Now()
		status, err := r.do(http.MethodGet, "/api/threads/"+threadID+"/messages?limit=20", acc.token, nil, nil)
		if err != nil || status != http.StatusOK {
			r.stats.recordError()
			r.logger.Warn().Err(err).Int("status", status).Msg("failed to read messages")
			continue
		}
		r.stats.recordSuccess(time.Since(start), ReadOperation)
	}
}

func (r *runner) readFrames(acc account, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame models.MessageNewFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case models.FrameMessageNew:
			if frame.Message == nil || frame.Message.SenderID != acc.id {
				continue
			}
			fields := strings.Fields(frame.Message.BodyText)
			if len(fields) != 3 {
				continue
			}
			sent, err := strconv.ParseInt(fields[2], 10, 64)
			if err != nil {
				continue
			}
			r.stats.recordSuccess(time.Since(time.Unix(0, sent)), WriteOperation)
		case models.FrameError:
			r.stats.recordError()
		}
	}
}

func run(c *cli.Context) error {
	logger, err := logging.New("info", "console", os.Stdout)
	if err != nil {
		return err
	}
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	authenticator, err := auth.New(cfg.Auth.Secret, cfg.Auth.InternalTTL)
	if err != nil {
		return err
	}

	r := &runner{
		baseURL:  strings.TrimRight(c.String("url"), "/"),
		auth:     authenticator,
		client:   &http.Client{Timeout: 5 * time.Second},
		stats:    &Stats{},
		logger:   logger,
		rate:     c.Int("rate"),
		duration: c.Duration("duration"),
	}
	pairs := c.Int("pairs")

	logger.Info().
		Int("pairs", pairs).
		Int("rate", r.rate).
		Dur("duration", r.duration).
		Msg("starting load test, run the server with: server serve --loadtest")

	var wg sync.WaitGroup
	opened := 0
	for i := 0; i < pairs; i++ {
		a, err := r.newAccount(2 * i)
		if err != nil {
			return err
		}
		b, err := r.newAccount(2*i + 1)
		if err != nil {
			return err
		}
		threadID, err := r.openThread(a, b)
		if err != nil {
			if opened < 10 {
				logger.Warn().Err(err).Int("pair", i).Msg("failed to open thread")
			}
			continue
		}
		opened++
		wg.Add(2)
		go r.simulate(a, threadID, &wg)
		go r.simulate(b, threadID, &wg)
	}
	if opened < pairs/2 {
		return fmt.Errorf("only %d/%d threads opened, aborting load test", opened, pairs)
	}

	start := time.Now()
	wg.Wait()
	// let in-flight echoes land
	time.Sleep(time.Second)
	elapsed := time.Since(start)

	s := r.stats
	s.Lock()
	defer s.Unlock()
	var avg time.Duration
	if s.successRequests > 0 {
		avg = s.totalLatency / time.Duration(s.successRequests)
	}
	logger.Info().
		Int64("total", s.totalRequests).
		Int64("succeeded", s.successRequests).
		Int64("failed", s.failedRequests).
		Dur("avg_latency", avg).
		Dur("min_latency", s.minLatency).
		Dur("max_latency", s.maxLatency).
		Dur("p50_write", percentile(s.writeLatencies, 0.50)).
		Dur("p99_write", percentile(s.writeLatencies, 0.99)).
		Dur("p50_read", percentile(s.readLatencies, 0.50)).
		Dur("p99_read", percentile(s.readLatencies, 0.99)).
		Float64("requests_per_second", float64(s.totalRequests)/elapsed.Seconds()).
		Dur("elapsed", elapsed).
		Msg("load test results")
	return nil
}

func main() {
	app := &cli.App{
		Name:  "loadtest",
		Usage: "Drive live conversations against a running server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Load configuration from `FILE`"},
			&cli.StringFlag{Name: "url", Value: "http://localhost:8080", Usage: "Server base URL"},
			&cli.IntFlag{Name: "pairs", Value: 100, Usage: "Number of two-party threads"},
			&cli.IntFlag{Name: "rate", Value: 1, Usage: "Operations per second per account"},
			&cli.DurationFlag{Name: "duration", Value: time.Minute, Usage: "How long to run"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
