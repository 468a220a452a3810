package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"idscan/worker"
)

const (
	minOracleConnectTimeout = 2 * time.Second
	maxOracleConnectTimeout = 10 * time.Second
)

type fileConfig struct {
	CoordinatorURL              string `json:"coordinatorUrl"`
	OracleURL                   string `json:"oracleUrl"`
	OracleConnectTimeoutSeconds int    `json:"oracleConnectTimeoutSeconds"`
	Concurrency                 int    `json:"concurrency"`
	HeartbeatIntervalSeconds    int    `json:"heartbeatIntervalSeconds"`
	RetryBackoffSeconds         int    `json:"retryBackoffSeconds"`
	RequestTimeoutSeconds       int    `json:"requestTimeoutSeconds"`
}

func loadConfig(path string) (fileConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return fileConfig{}, err
	}
	defer file.Close()

	var filtered bytes.Buffer
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		filtered.WriteString(line)
		filtered.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return fileConfig{}, err
	}

	dec := json.NewDecoder(&filtered)
	dec.DisallowUnknownFields()
	var cfg fileConfig
	if err := dec.Decode(&cfg); err != nil {
		return fileConfig{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fileConfig{}, errors.New("config has trailing data")
	}

	if strings.TrimSpace(cfg.CoordinatorURL) == "" {
		return fileConfig{}, errors.New("coordinatorUrl is required")
	}
	if strings.TrimSpace(cfg.OracleURL) == "" {
		return fileConfig{}, errors.New("oracleUrl is required")
	}
	if cfg.OracleConnectTimeoutSeconds == 0 {
		cfg.OracleConnectTimeoutSeconds = int(minOracleConnectTimeout / time.Second)
	}
	connectTimeout := time.Duration(cfg.OracleConnectTimeoutSeconds) * time.Second
	if connectTimeout < minOracleConnectTimeout || connectTimeout > maxOracleConnectTimeout {
		return fileConfig{}, errors.New("oracleConnectTimeoutSeconds must be between 2 and 10")
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = worker.DefaultConcurrency
	}
	if cfg.Concurrency < 1 || cfg.Concurrency > 1000 {
		return fileConfig{}, errors.New("concurrency must be between 1 and 1000")
	}
	if cfg.HeartbeatIntervalSeconds == 0 {
		cfg.HeartbeatIntervalSeconds = int(worker.DefaultHeartbeatInterval / time.Second)
	}
	if cfg.HeartbeatIntervalSeconds < 1 || cfg.HeartbeatIntervalSeconds > 60 {
		return fileConfig{}, errors.New("heartbeatIntervalSeconds must be between 1 and 60")
	}
	if cfg.RetryBackoffSeconds == 0 {
		cfg.RetryBackoffSeconds = int(worker.DefaultRetryBackoff / time.Second)
	}
	if cfg.RetryBackoffSeconds < 1 || cfg.RetryBackoffSeconds > 300 {
		return fileConfig{}, errors.New("retryBackoffSeconds must be between 1 and 300")
	}
	if cfg.RequestTimeoutSeconds == 0 {
		cfg.RequestTimeoutSeconds = int(worker.DefaultRequestTimeout / time.Second)
	}
	if cfg.RequestTimeoutSeconds < 1 || cfg.RequestTimeoutSeconds > 60 {
		return fileConfig{}, errors.New("requestTimeoutSeconds must be between 1 and 60")
	}

	return cfg, nil
}

func (cfg fileConfig) workerConfig() worker.Config {
	return worker.Config{
		Concurrency:       cfg.Concurrency,
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second,
		RetryBackoff:      time.Duration(cfg.RetryBackoffSeconds) * time.Second,
		RequestTimeout:    time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
	}
}
