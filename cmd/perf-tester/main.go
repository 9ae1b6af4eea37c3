package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

type options struct {
	proxyAddr     string
	hostsPath     string
	hosts         string
	port          int
	path          string
	requests      int
	concurrency   int
	timeout       time.Duration
	shuffle       bool
	seed          int64
	warmup        int
	flushCache    bool
	redisAddr     string
	redisDB       int
	redisPassword string
	redisKey      string
}

type runStats struct {
	total     int64
	errors    int64
	latencies []int64
	statuses  map[int]int64
	mu        sync.Mutex
	index     uint64
}

func main() {
	opts := parseFlags()
	logger := log.New(os.Stdout, "perf-tester ", log.LstdFlags)

	if opts.flushCache {
		if err := flushCache(opts, logger); err != nil {
			logger.Fatalf("failed to flush cache snapshot: %v", err)
		}
	}

	hosts, err := loadHosts(opts)
	if err != nil {
		logger.Fatalf("failed to load hosts: %v", err)
	}
	if len(hosts) == 0 {
		logger.Fatalf("no target hosts given; use -hosts or -hosts-file")
	}
	if opts.shuffle {
		shuffle(hosts, opts.seed)
	}

	client := newClient(opts)
	if opts.warmup > 0 {
		logger.Printf("warmup: %d requests", opts.warmup)
		runBenchmark(client, hosts, opts, opts.warmup, false, logger)
	}

	logger.Printf("starting benchmark: %d requests via %s, %d concurrency", opts.requests, opts.proxyAddr, opts.concurrency)
	start := time.Now()
	stats := runBenchmark(client, hosts, opts, opts.requests, true, logger)
	printSummary(&stats, time.Since(start), logger)
}

func parseFlags() options {
	opts := options{}
	flag.StringVar(&opts.proxyAddr, "proxy", "127.0.0.1:443", "Proxy listen address host:port")
	flag.StringVar(&opts.hosts, "hosts", "", "Comma-separated target hostnames")
	flag.StringVar(&opts.hostsPath, "hosts-file", "", "Path to newline-delimited target hostnames")
	flag.IntVar(&opts.port, "port", 443, "Backend port placed in the Host header")
	flag.StringVar(&opts.path, "path", "/", "Request path")
	flag.IntVar(&opts.requests, "requests", 1000, "Number of requests to send")
	flag.IntVar(&opts.concurrency, "concurrency", 20, "Number of concurrent workers")
	flag.DurationVar(&opts.timeout, "timeout", 10*time.Second, "Per-request timeout")
	flag.BoolVar(&opts.shuffle, "shuffle", true, "Shuffle hosts before running")
	flag.Int64Var(&opts.seed, "seed", time.Now().UnixNano(), "Random seed for shuffling")
	flag.IntVar(&opts.warmup, "warmup", 0, "Warmup requests (not recorded)")
	flag.BoolVar(&opts.flushCache, "flush-cache", false, "Delete the shared cache snapshot in redis before running")
	flag.StringVar(&opts.redisAddr, "redis-addr", "localhost:6379", "Redis address host:port")
	flag.IntVar(&opts.redisDB, "redis-db", 0, "Redis DB number")
	flag.StringVar(&opts.redisPassword, "redis-password", "", "Redis password")
	flag.StringVar(&opts.redisKey, "redis-key", "doh-sni-proxy:cache", "Redis key holding the cache snapshot")
	flag.Parse()

	if opts.concurrency <= 0 {
		opts.concurrency = 1
	}
	if opts.requests <= 0 {
		opts.requests = 1
	}
	if !strings.HasPrefix(opts.path, "/") {
		opts.path = "/" + opts.path
	}
	return opts
}

func loadHosts(opts options) ([]string, error) {
	var hosts []string
	for _, h := range strings.Split(opts.hosts, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	if opts.hostsPath != "" {
		fromFile, err := readHostsFile(opts.hostsPath)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, fromFile...)
	}
	return hosts, nil
}

func readHostsFile(path string) ([]string, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var hosts []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hosts = append(hosts, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return hosts, nil
}

func shuffle(hosts []string, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(hosts), func(i, j int) {
		hosts[i], hosts[j] = hosts[j], hosts[i]
	})
}

// newClient sends every request to the proxy address regardless of the
// URL host, so the Host header and SNI carry the target hostname.
func newClient(opts options) *http.Client {
	dialer := &net.Dialer{Timeout: opts.timeout}
	return &http.Client{
		Timeout: opts.timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, opts.proxyAddr)
			},
			// The proxy presents a certificate from its local root.
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
			ForceAttemptHTTP2:   true,
			MaxIdleConnsPerHost: opts.concurrency,
		},
	}
}

func targetURL(host string, opts options) string {
	if opts.port == 443 {
		return "https://" + host + opts.path
	}
	return fmt.Sprintf("https://%s%s", net.JoinHostPort(host, fmt.Sprint(opts.port)), opts.path)
}

func runBenchmark(client *http.Client, hosts []string, opts options, total int, record bool, logger *log.Logger) runStats {
	stats := runStats{
		total:     int64(total),
		latencies: make([]int64, total),
		statuses:  make(map[int]int64),
	}

	jobs := make(chan string, opts.concurrency)
	var wg sync.WaitGroup
	for i := 0; i < opts.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for url := range jobs {
				start := time.Now()
				status, err := fetch(client, url)
				duration := time.Since(start)

				if record {
					index := atomic.AddUint64(&stats.index, 1) - 1
					if int(index) < len(stats.latencies) {
						stats.latencies[index] = duration.Microseconds()
					}
				}
				if err != nil {
					atomic.AddInt64(&stats.errors, 1)
					continue
				}
				if record {
					stats.mu.Lock()
					stats.statuses[status]++
					stats.mu.Unlock()
				}
			}
		}()
	}

	for i := 0; i < total; i++ {
		jobs <- targetURL(hosts[i%len(hosts)], opts)
	}
	close(jobs)
	wg.Wait()

	if record {
		logger.Printf("completed %d requests with %d errors", total, stats.errors)
	}
	return stats
}

func fetch(client *http.Client, url string) (int, error) {
	resp, err := client.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return resp.StatusCode, err
	}
	return resp.StatusCode, nil
}

func printSummary(stats *runStats, elapsed time.Duration, logger *log.Logger) {
	latencies := stats.latencies[:stats.index]
	if len(latencies) == 0 {
		logger.Printf("no latency samples recorded")
		return
	}
	sorted := make([]int64, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	logger.Printf("elapsed: %s", elapsed.Round(time.Millisecond))
	logger.Printf("rps: %.2f", float64(stats.total)/elapsed.Seconds())
	logger.Printf("latency (ms): avg=%.3f p50=%.3f p95=%.3f p99=%.3f min=%.3f max=%.3f",
		toMillis(average(sorted)), toMillis(percentile(sorted, 50)), toMillis(percentile(sorted, 95)),
		toMillis(percentile(sorted, 99)), toMillis(sorted[0]), toMillis(sorted[len(sorted)-1]))

	stats.mu.Lock()
	if len(stats.statuses) > 0 {
		logger.Printf("status counts:")
		for _, code := range sortedKeys(stats.statuses) {
			logger.Printf("  %d %s: %d", code, http.StatusText(code), stats.statuses[code])
		}
	}
	stats.mu.Unlock()
	logger.Printf("errors: %d", stats.errors)
}

func average(values []int64) int64 {
	if len(values) == 0 {
		return 0
	}
	var sum int64
	for _, v := range values {
		sum += v
	}
	return sum / int64(len(values))
}

// percentile expects sorted values and uses nearest-rank rounding.
func percentile(values []int64, p int) int64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 100 {
		return values[len(values)-1]
	}
	index := int((float64(p)/100)*float64(len(values)-1) + 0.5)
	return values[min(index, len(values)-1)]
}

func toMillis(value int64) float64 {
	return float64(value) / 1000
}

func sortedKeys(counts map[int]int64) []int {
	keys := make([]int, 0, len(counts))
	for code := range counts {
		keys = append(keys, code)
	}
	sort.Ints(keys)
	return keys
}

// flushCache deletes the shared snapshot so the proxy resolves from cold on restart.
func flushCache(opts options, logger *log.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := redis.NewClient(&redis.Options{
		Addr:     opts.redisAddr,
		DB:       opts.redisDB,
		Password: opts.redisPassword,
	})
	defer func() {
		_ = client.Close()
	}()
	if err := client.Ping(ctx).Err(); err != nil {
		return err
	}
	logger.Printf("deleting cache snapshot %s from redis %s db=%d", opts.redisKey, opts.redisAddr, opts.redisDB)
	return client.Del(ctx, opts.redisKey).Err()
}
