package main

import (
	"bufio"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"change-sync/internal/account"
	"change-sync/internal/config"
	"change-sync/internal/conflict"
	"change-sync/internal/handlers"
	httpapi "change-sync/internal/http"
	"change-sync/internal/logging"
	"change-sync/internal/repos"
	"change-sync/internal/retention"
	"change-sync/internal/services"
	_ "modernc.org/sqlite"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel)

	db, err := sql.Open("sqlite", cfg.DatabaseURL)
	if err != nil {
		panic(err)
	}
	defer db.Close()

	if err := runMigrations(db, cfg.MigrationsDir); err != nil {
		panic(err)
	}

	policy, err := conflict.ForName(cfg.ConflictPolicy)
	if err != nil {
		panic(err)
	}

	repo := repos.NewSyncRepo(db)
	manager := account.NewManager(repo, account.Options{
		ChangeLogCap:     cfg.ChangeLogCap,
		MinRetained:      cfg.MinRetained,
		PageLimit:        cfg.PageLimit,
		ConflictWindow:   cfg.ConflictWindow,
		RetentionHorizon: cfg.RetentionHorizon,
		DeviceHorizon:    cfg.DeviceHorizon,
		SessionBuffer:    cfg.SessionBuffer,
		Policy:           policy,
	}, log)
	defer manager.Close()

	sweeper := retention.NewSweeper(manager, cfg.SweepInterval, log)
	sweeper.Start()
	defer sweeper.Stop()

	svc := services.NewSyncService(manager, log)
	h := handlers.NewSyncHandler(svc, cfg.StreamPing)
	r := httpapi.NewRouter(cfg, h, log)

	addr := ":" + cfg.Port
	fmt.Printf("change-sync listening on %s (conflict policy %s)\n", addr, policy.Name())
	if err := r.Run(addr); err != nil {
		panic(err)
	}
}

func runMigrations(db *sql.DB, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(e.Name()), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	for _, f := range files {
		path := filepath.Join(dir, f)
		if err := applySQLFile(db, path); err != nil {
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
	}
	return nil
}

func applySQLFile(db *sql.DB, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024), 1024*1024)
	var sb strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	_, err = db.Exec(sb.String())
	return err
}
