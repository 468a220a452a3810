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

	"idscan/coordinator"
)

const (
	storeMSSQL  = "mssql"
	storeMemory = "memory"
)

type fileConfig struct {
	Store                   string `json:"store"`
	SQLServerDSN            string `json:"sqlServerDsn"`
	LeaseTimeoutSeconds     int    `json:"leaseTimeoutSeconds"`
	TargetScanWindowSeconds int    `json:"targetScanWindowSeconds"`
	MinBatch                int64  `json:"minBatch"`
	MaxBatch                int64  `json:"maxBatch"`
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

	cfg.Store = strings.TrimSpace(cfg.Store)
	if cfg.Store == "" {
		cfg.Store = storeMSSQL
	}
	switch cfg.Store {
	case storeMSSQL, storeMemory:
	default:
		return fileConfig{}, errors.New("store must be one of: mssql, memory")
	}
	if cfg.Store == storeMSSQL && strings.TrimSpace(cfg.SQLServerDSN) == "" {
		return fileConfig{}, errors.New("sqlServerDsn is required for the mssql store")
	}
	if cfg.LeaseTimeoutSeconds == 0 {
		cfg.LeaseTimeoutSeconds = int(coordinator.DefaultLeaseTimeout / time.Second)
	}
	if cfg.LeaseTimeoutSeconds < 10 || cfg.LeaseTimeoutSeconds > 600 {
		return fileConfig{}, errors.New("leaseTimeoutSeconds must be between 10 and 600")
	}
	if cfg.TargetScanWindowSeconds == 0 {
		cfg.TargetScanWindowSeconds = int(coordinator.DefaultTargetScanWindow / time.Second)
	}
	if cfg.TargetScanWindowSeconds < 5 || cfg.TargetScanWindowSeconds > 300 {
		return fileConfig{}, errors.New("targetScanWindowSeconds must be between 5 and 300")
	}
	if cfg.TargetScanWindowSeconds*2 > cfg.LeaseTimeoutSeconds {
		return fileConfig{}, errors.New("leaseTimeoutSeconds must be at least twice targetScanWindowSeconds")
	}
	if cfg.MinBatch == 0 {
		cfg.MinBatch = coordinator.DefaultMinBatch
	}
	if cfg.MaxBatch == 0 {
		cfg.MaxBatch = coordinator.DefaultMaxBatch
	}
	if cfg.MinBatch < 1 || cfg.MaxBatch < cfg.MinBatch {
		return fileConfig{}, errors.New("batch bounds must satisfy 1 <= minBatch <= maxBatch")
	}

	return cfg, nil
}

func (cfg fileConfig) allocatorConfig() coordinator.Config {
	return coordinator.Config{
		LeaseTimeout:     time.Duration(cfg.LeaseTimeoutSeconds) * time.Second,
		TargetScanWindow: time.Duration(cfg.TargetScanWindowSeconds) * time.Second,
		MinBatch:         cfg.MinBatch,
		MaxBatch:         cfg.MaxBatch,
	}
}
