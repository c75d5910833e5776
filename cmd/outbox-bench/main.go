// Command outbox-bench measures end-to-end delivery throughput: it seeds the configured store,
// drains it through the dispatcher and HTTP sender against a loopback endpoint and reports
// throughput, latency percentiles and resource usage.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/velmie/edgeagent/httpsender"
	"github.com/velmie/edgeagent/internal/config"
	"github.com/velmie/edgeagent/internal/logging"
	"github.com/velmie/edgeagent/internal/storage"
	"github.com/velmie/edgeagent/outbox"
)

const (
	defaultRecords          = 10000
	defaultPayloadBytes     = 512
	defaultBatchSize        = 50
	defaultProgressInterval = 5 * time.Second
	percentileP50           = 0.50
	percentileP95           = 0.95
	percentileP99           = 0.99
	microsecondsPerSecond   = 1e6
	msPerSecond             = 1e3
)

var (
	errRecordsInvalid  = errors.New("outbox-bench: records must be positive")
	errBatchInvalid    = errors.New("outbox-bench: batch-size must be positive")
	errFailRateInvalid = errors.New("outbox-bench: fail-rate must be within [0, 1]")
)

type benchConfig struct {
	database         config.Database
	records          int
	payloadBytes     int
	batchSize        int
	remoteLatency    time.Duration
	failRate         float64
	seed             int64
	progressInterval time.Duration
}

func (c benchConfig) validate() error {
	if c.records <= 0 {
		return errRecordsInvalid
	}
	if c.batchSize <= 0 {
		return errBatchInvalid
	}
	if c.failRate < 0 || c.failRate > 1 {
		return errFailRateInvalid
	}

	return nil
}

type result struct {
	Driver           string        `json:"driver"`
	Records          int           `json:"records"`
	Sent             int64         `json:"sent"`
	Failed           int64         `json:"failed"`
	Batches          int           `json:"batches"`
	SeedDuration     time.Duration `json:"seed_duration"`
	RunDuration      time.Duration `json:"run_duration"`
	Throughput       float64       `json:"throughput_msg_per_sec"`
	BatchSize        int           `json:"batch_size"`
	PayloadBytes     int           `json:"payload_bytes"`
	RemoteLatency    time.Duration `json:"remote_latency"`
	FailRate         float64       `json:"fail_rate"`
	SendP50Ms        float64       `json:"send_p50_ms"`
	SendP95Ms        float64       `json:"send_p95_ms"`
	SendP99Ms        float64       `json:"send_p99_ms"`
	SendMaxMs        float64       `json:"send_max_ms"`
	BatchP50Ms       float64       `json:"batch_p50_ms"`
	BatchP95Ms       float64       `json:"batch_p95_ms"`
	BatchMaxMs       float64       `json:"batch_max_ms"`
	LagP50Ms         float64       `json:"lag_p50_ms"`
	LagMaxMs         float64       `json:"lag_max_ms"`
	ProcessUserCPU   float64       `json:"process_user_cpu_seconds"`
	ProcessSystemCPU float64       `json:"process_system_cpu_seconds"`
	ProcessMaxRSSKB  int64         `json:"process_max_rss_kb"`
	GoTotalAlloc     uint64        `json:"go_total_alloc_bytes"`
	GoNumGC          uint32        `json:"go_num_gc"`
}

func main() {
	var (
		cfg     benchConfig
		jsonOut bool
		verbose bool
	)

	flag.StringVar(&cfg.database.Driver, "driver", config.DriverMemory, "Store driver: memory, mysql or postgres")
	flag.StringVar(&cfg.database.DSN, "dsn", "", "Database DSN (mysql or postgres)")
	flag.StringVar(&cfg.database.Table, "table", "", "Outbox table name (driver default when empty)")
	flag.IntVar(&cfg.records, "records", defaultRecords, "Number of messages to seed and deliver")
	flag.IntVar(&cfg.payloadBytes, "payload-bytes", defaultPayloadBytes, "Approximate JSON payload size")
	flag.IntVar(&cfg.batchSize, "batch-size", defaultBatchSize, "Dispatcher batch size")
	flag.DurationVar(&cfg.remoteLatency, "remote-latency", 0, "Simulated remote processing time per request")
	flag.Float64Var(&cfg.failRate, "fail-rate", 0, "Share of requests the remote rejects with 503")
	flag.Int64Var(&cfg.seed, "seed", 1, "Random seed for the simulated failures")
	flag.DurationVar(&cfg.progressInterval, "progress-interval", defaultProgressInterval, "Progress log interval (0 disables)")
	flag.BoolVar(&jsonOut, "json", false, "Print JSON result")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	flag.Parse()
	cfg.database.Migrate = true

	if err := cfg.validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level := "info"
	if verbose {
		level = "debug"
	}
	logger, err := logging.New(level, "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	res, err := run(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("benchmark failed", zap.Error(err))
		os.Exit(1)
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)

		return
	}
	printResult(res)
}

func run(ctx context.Context, cfg benchConfig, logger *zap.Logger) (result, error) {
	stores, err := storage.Open(ctx, cfg.database, logger)
	if err != nil {
		return result{}, err
	}
	defer stores.Close()

	remote, err := startRemote(cfg)
	if err != nil {
		return result{}, err
	}
	defer remote.close()

	metrics := &benchMetrics{}
	outboxLogger := logging.Outbox(logging.Component(logger, "outbox"))
	queue := outbox.NewQueue(stores.Outbox, outbox.WithMetrics(metrics), outbox.WithLogger(outboxLogger))

	sender, err := httpsender.New(remote.url)
	if err != nil {
		return result{}, err
	}
	dispatcher := outbox.NewDispatcher(queue, sender,
		outbox.WithBatchLimit(cfg.batchSize),
		outbox.WithDispatcherMetrics(metrics),
		outbox.WithDispatcherLogger(outboxLogger),
	)

	seedStart := time.Now()
	if err := seedMessages(ctx, queue, cfg.records, buildPayload(cfg.payloadBytes)); err != nil {
		return result{}, err
	}
	seedDuration := time.Since(seedStart)
	logger.Info("seeded", zap.Int("records", cfg.records), zap.Duration("duration", seedDuration))

	usageStart := readResourceUsage()
	runStart := time.Now()
	lastProgress := runStart
	batches := 0
	for {
		report, err := dispatcher.ProcessOnce(ctx)
		if err != nil {
			return result{}, fmt.Errorf("process batch: %w", err)
		}
		if report.Claimed == 0 {
			break
		}
		batches++

		if cfg.progressInterval > 0 && time.Since(lastProgress) >= cfg.progressInterval {
			lastProgress = time.Now()
			logger.Info("progress",
				zap.Int64("sent", metrics.sentCount()),
				zap.Int64("failed", metrics.failedCount()),
				zap.Int("batches", batches))
		}
	}
	runDuration := time.Since(runStart)
	usage := deltaUsage(usageStart, readResourceUsage())

	res := result{
		Driver:           stores.Driver,
		Records:          cfg.records,
		Sent:             metrics.sentCount(),
		Failed:           metrics.failedCount(),
		Batches:          batches,
		SeedDuration:     seedDuration,
		RunDuration:      runDuration,
		BatchSize:        cfg.batchSize,
		PayloadBytes:     cfg.payloadBytes,
		RemoteLatency:    cfg.remoteLatency,
		FailRate:         cfg.failRate,
		ProcessUserCPU:   usage.UserCPUSeconds,
		ProcessSystemCPU: usage.SystemCPUSeconds,
		ProcessMaxRSSKB:  usage.MaxRSSKB,
		GoTotalAlloc:     usage.GoTotalAllocBytes,
		GoNumGC:          usage.GoNumGC,
	}
	if runDuration > 0 {
		res.Throughput = float64(res.Sent+res.Failed) / runDuration.Seconds()
	}

	send := metrics.send.snapshot()
	res.SendP50Ms, res.SendP95Ms, res.SendP99Ms, res.SendMaxMs = ms(send.P50), ms(send.P95), ms(send.P99), ms(send.Max)
	batch := metrics.batch.snapshot()
	res.BatchP50Ms, res.BatchP95Ms, res.BatchMaxMs = ms(batch.P50), ms(batch.P95), ms(batch.Max)
	lag := metrics.lag.snapshot()
	res.LagP50Ms, res.LagMaxMs = ms(lag.P50), ms(lag.Max)

	return res, nil
}

func seedMessages(ctx context.Context, queue *outbox.Queue, records int, payload json.RawMessage) error {
	for i := 0; i < records; i++ {
		_, err := queue.Enqueue(ctx, outbox.EnqueueRequest{
			EntityType: "Sale",
			Operation:  "Create",
			EntityID:   fmt.Sprint(i),
			Payload:    payload,
			Endpoint:   "/api/vendas",
		})
		if err != nil {
			return fmt.Errorf("seed message %d: %w", i, err)
		}
	}

	return nil
}

func buildPayload(size int) json.RawMessage {
	const overhead = len(`{"data":""}`)
	fill := size - overhead
	if fill < 0 {
		fill = 0
	}
	buf := make([]byte, 0, fill+overhead)
	buf = append(buf, `{"data":"`...)
	for i := 0; i < fill; i++ {
		buf = append(buf, 'a'+byte(i%26))
	}
	buf = append(buf, `"}`...)

	return buf
}

type remoteServer struct {
	url    string
	server *http.Server
}

func (r *remoteServer) close() {
	_ = r.server.Close()
}

func startRemote(cfg benchConfig) (*remoteServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen remote: %w", err)
	}

	var mu sync.Mutex
	rng := rand.New(rand.NewSource(cfg.seed))
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if cfg.remoteLatency > 0 {
			time.Sleep(cfg.remoteLatency)
		}
		mu.Lock()
		fail := cfg.failRate > 0 && rng.Float64() < cfg.failRate
		mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()

	return &remoteServer{url: "http://" + ln.Addr().String(), server: srv}, nil
}

type benchMetrics struct {
	outbox.NopMetrics

	sent   int64
	failed int64
	send   durationStats
	batch  durationStats
	lag    durationStats
}

func (m *benchMetrics) ObserveBatchDuration(d time.Duration) { m.batch.add(d) }
func (m *benchMetrics) ObserveSendDuration(d time.Duration)  { m.send.add(d) }
func (m *benchMetrics) ObserveDeliveryLag(d time.Duration)   { m.lag.add(d) }
func (m *benchMetrics) AddSent(n int)                        { atomic.AddInt64(&m.sent, int64(n)) }
func (m *benchMetrics) AddRetries(n int)                     { atomic.AddInt64(&m.failed, int64(n)) }
func (m *benchMetrics) AddDead(n int)                        { atomic.AddInt64(&m.failed, int64(n)) }

func (m *benchMetrics) sentCount() int64   { return atomic.LoadInt64(&m.sent) }
func (m *benchMetrics) failedCount() int64 { return atomic.LoadInt64(&m.failed) }

type durationStats struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (s *durationStats) add(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.samples = append(s.samples, d)
	s.mu.Unlock()
}

func (s *durationStats) snapshot() durationSnapshot {
	s.mu.Lock()
	samples := slices.Clone(s.samples)
	s.mu.Unlock()
	if len(samples) == 0 {
		return durationSnapshot{}
	}
	slices.Sort(samples)

	return durationSnapshot{
		P50:   percentile(samples, percentileP50),
		P95:   percentile(samples, percentileP95),
		P99:   percentile(samples, percentileP99),
		Max:   samples[len(samples)-1],
		Mean:  meanDuration(samples),
		Count: len(samples),
	}
}

type durationSnapshot struct {
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
	Mean  time.Duration
	Count int
}

// percentile expects sorted samples.
func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(samples)))) - 1
	idx = max(0, min(idx, len(samples)-1))

	return samples[idx]
}

func meanDuration(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}

	return sum / time.Duration(len(samples))
}

func ms(d time.Duration) float64 {
	return d.Seconds() * msPerSecond
}

type resourceUsage struct {
	UserCPUSeconds    float64
	SystemCPUSeconds  float64
	MaxRSSKB          int64
	GoTotalAllocBytes uint64
	GoNumGC           uint32
}

func readResourceUsage() resourceUsage {
	var usage resourceUsage

	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err == nil {
		usage.UserCPUSeconds = float64(ru.Utime.Sec) + float64(ru.Utime.Usec)/microsecondsPerSecond
		usage.SystemCPUSeconds = float64(ru.Stime.Sec) + float64(ru.Stime.Usec)/microsecondsPerSecond
		usage.MaxRSSKB = ru.Maxrss
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	usage.GoTotalAllocBytes = mem.TotalAlloc
	usage.GoNumGC = mem.NumGC

	return usage
}

func deltaUsage(start, end resourceUsage) resourceUsage {
	return resourceUsage{
		UserCPUSeconds:    end.UserCPUSeconds - start.UserCPUSeconds,
		SystemCPUSeconds:  end.SystemCPUSeconds - start.SystemCPUSeconds,
		MaxRSSKB:          end.MaxRSSKB,
		GoTotalAllocBytes: end.GoTotalAllocBytes - start.GoTotalAllocBytes,
		GoNumGC:           end.GoNumGC - start.GoNumGC,
	}
}

func printResult(res result) {
	fmt.Printf("driver=%s records=%d sent=%d failed=%d batches=%d\n",
		res.Driver, res.Records, res.Sent, res.Failed, res.Batches)
	fmt.Printf("seed=%s run=%s throughput=%.1f msg/s\n", res.SeedDuration, res.RunDuration, res.Throughput)
	fmt.Printf("send p50=%.2fms p95=%.2fms p99=%.2fms max=%.2fms\n",
		res.SendP50Ms, res.SendP95Ms, res.SendP99Ms, res.SendMaxMs)
	fmt.Printf("batch p50=%.2fms p95=%.2fms max=%.2fms\n", res.BatchP50Ms, res.BatchP95Ms, res.BatchMaxMs)
	fmt.Printf("lag p50=%.2fms max=%.2fms\n", res.LagP50Ms, res.LagMaxMs)
	fmt.Printf("cpu user=%.2fs sys=%.2fs max_rss=%dKB alloc=%dB gc=%d\n",
		res.ProcessUserCPU, res.ProcessSystemCPU, res.ProcessMaxRSSKB, res.GoTotalAlloc, res.GoNumGC)
}
