package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerType != "vllm" {
		t.Errorf("WorkerType = %s", cfg.WorkerType)
	}
	if cfg.ModelServerURL != "http://127.0.0.1:18000" {
		t.Errorf("ModelServerURL = %s", cfg.ModelServerURL)
	}
	if cfg.MaxQueueWait != 120*time.Second {
		t.Errorf("MaxQueueWait = %s", cfg.MaxQueueWait)
	}
	if cfg.AllowParallelSet {
		t.Error("AllowParallelSet should be false when ALLOW_PARALLEL is absent")
	}
	if cfg.NatsURL != "" {
		t.Errorf("NatsURL = %s, want empty (queue transport optional)", cfg.NatsURL)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("WORKER_TYPE", "comfyui")
	t.Setenv("LOG_ERROR_TRIGGERS", "MetadataIncompleteBuffer, Value not in list: ")
	t.Setenv("ALLOW_PARALLEL", "false")
	t.Setenv("MAX_QUEUE_WAIT", "600s")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WorkerType != "comfyui" {
		t.Errorf("WorkerType = %s", cfg.WorkerType)
	}
	if len(cfg.ErrorTrigger) != 2 || cfg.ErrorTrigger[0] != "MetadataIncompleteBuffer" {
		t.Errorf("ErrorTrigger = %v", cfg.ErrorTrigger)
	}
	if cfg.AllowParallel || !cfg.AllowParallelSet {
		t.Errorf("parallel = %v set = %v", cfg.AllowParallel, cfg.AllowParallelSet)
	}
	if cfg.MaxQueueWait != 600*time.Second {
		t.Errorf("MaxQueueWait = %s", cfg.MaxQueueWait)
	}
}

func TestLoadDotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.env")
	content := "# comment\nMODEL_NAME=mistral-7b\n\nHTTP_ADDR=:9090\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MODEL_NAME", "") // ensure the file value is visible
	t.Setenv("HTTP_ADDR", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ModelName != "mistral-7b" {
		t.Errorf("ModelName = %s", cfg.ModelName)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %s", cfg.HTTPAddr)
	}
}
