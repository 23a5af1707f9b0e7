package config

import (
	"bufio"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Worker identity
	WorkerType string
	ModelName  string

	// HTTP Configuration
	HTTPAddr string

	// Upstream model server
	ModelServerURL  string
	ModelHealthPath string

	// Log monitoring
	ModelLogPath string
	LoadTriggers []string
	ErrorTrigger []string
	InfoTriggers []string

	// Dispatch policy
	AllowParallel    bool
	AllowParallelSet bool // distinguishes an explicit setting from the profile default
	MaxQueueWait     time.Duration

	// Benchmarking
	BenchmarkRuns        int
	BenchmarkConcurrency int
	BenchmarkWords       int

	// NATS job transport (optional; disabled when NatsURL is empty)
	NatsURL         string
	Stream          string
	Subject         string
	Durable         string
	MaxMsgs         int
	MaxAge          time.Duration
	Concurrency     int
	MonitoringTopic string

	// Database Configuration
	DBPath string
}

func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := loadDotEnv(envFile); err != nil {
			slog.Warn("Could not load env file", "file", envFile, "error", err)
		} else {
			slog.Info("Environment loaded", "file", envFile)
		}
	}

	_, parallelSet := os.LookupEnv("ALLOW_PARALLEL")

	return &Config{
		WorkerType:           getEnv("WORKER_TYPE", "vllm"),
		ModelName:            getEnv("MODEL_NAME", ""),
		HTTPAddr:             getEnv("HTTP_ADDR", ":8081"),
		ModelServerURL:       getEnv("MODEL_SERVER_URL", "http://127.0.0.1:18000"),
		ModelHealthPath:      getEnv("MODEL_HEALTH_PATH", ""),
		ModelLogPath:         getEnv("MODEL_LOG", "/var/log/model/server.log"),
		LoadTriggers:         getEnvList("LOG_LOAD_TRIGGERS"),
		ErrorTrigger:         getEnvList("LOG_ERROR_TRIGGERS"),
		InfoTriggers:         getEnvList("LOG_INFO_TRIGGERS"),
		AllowParallel:        getEnvBool("ALLOW_PARALLEL", true),
		AllowParallelSet:     parallelSet,
		MaxQueueWait:         getEnvDuration("MAX_QUEUE_WAIT", "120s"),
		BenchmarkRuns:        getEnvInt("BENCHMARK_RUNS", 3),
		BenchmarkConcurrency: getEnvInt("BENCHMARK_CONCURRENCY", 1),
		BenchmarkWords:       getEnvInt("BENCHMARK_WORDS", 250),
		NatsURL:              getEnv("NATS_URL", ""),
		Stream:               getEnv("STREAM_NAME", "JOBS"),
		Subject:              getEnv("SUBJECT", "jobs.request.default"),
		Durable:              getEnv("QUEUE_DURABLE", "jobs-wq"),
		MaxMsgs:              getEnvInt("QUEUE_MAX_MSGS", 2000),
		MaxAge:               getEnvDuration("QUEUE_MAX_AGE", "30s"),
		Concurrency:          getEnvInt("WORKER_CONCURRENCY", 2),
		MonitoringTopic:      getEnv("MONITORING_TOPIC", "worker.status"),
		DBPath:               getEnv("DB_PATH", "data/worker.sqlite"),
	}, nil
}

func loadDotEnv(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal string) time.Duration {
	val := getEnv(key, defaultVal)
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	d, _ := time.ParseDuration(defaultVal)
	return d
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
