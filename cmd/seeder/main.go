// cmd/seeder/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/unclebandit/crm-messaging/internal/config"
	"github.com/unclebandit/crm-messaging/internal/db"
	"github.com/unclebandit/crm-messaging/internal/logger"
)

func main() {
	migrations := flag.String("migrations", "migrations", "directory of schema migrations")
	seeds := flag.String("seed", "seed", "directory of seed files")
	skipSeed := flag.Bool("schema-only", false, "apply migrations without seed data")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zlog, closer, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer closer.Close()

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("open database", zap.Error(err))
	}
	defer conn.Close()

	dirs := []string{*migrations}
	if !*skipSeed {
		dirs = append(dirs, *seeds)
	}
	files, err := sqlFiles(dirs...)
	if err != nil {
		zlog.Fatal("list sql files", zap.Error(err))
	}

	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			zlog.Fatal("read sql file", zap.String("file", file), zap.Error(err))
		}
		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			zlog.Fatal("execute sql file", zap.String("file", file), zap.Error(err))
		}
		zlog.Info("applied", zap.String("file", file))
	}
	fmt.Println("Database seeding completed successfully!")
}

// sqlFiles lists *.sql per directory in name order, keeping directory order.
func sqlFiles(dirs ...string) ([]string, error) {
	var out []string
	for _, dir := range dirs {
		matches, err := filepath.Glob(filepath.Join(dir, "*.sql"))
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no sql files in %s", dir)
		}
		sort.Strings(matches)
		out = append(out, matches...)
	}
	return out, nil
}
