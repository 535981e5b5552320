package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/db"
)

const defaultPostgresImage = "postgres:16-alpine"

var errNoDocker = errors.New("docker not available")

// startPostgresContainer runs a throwaway Postgres through the Docker CLI on
// a port docker picks, and returns its URL and a cleanup func.
// TEST_POSTGRES_IMAGE overrides the image.
func startPostgresContainer(ctx context.Context) (string, func(), error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return "", nil, errNoDocker
	}
	image := os.Getenv("TEST_POSTGRES_IMAGE")
	if image == "" {
		image = defaultPostgresImage
	}

	name := "cabinet-it-" + uuid.New().String()[:8]
	out, err := docker(ctx, "run", "-d", "--rm", "--name", name,
		"-p", "127.0.0.1::5432",
		"-e", "POSTGRES_USER=cabinet",
		"-e", "POSTGRES_PASSWORD=cabinet",
		"-e", "POSTGRES_DB=cabinettest",
		image,
	)
	if err != nil {
		return "", nil, err
	}
	containerID := out
	cleanup := func() {
		_, _ = docker(context.Background(), "rm", "-f", containerID)
	}

	// "127.0.0.1:49153"
	addr, err := docker(ctx, "port", containerID, "5432/tcp")
	if err != nil {
		cleanup()
		return "", nil, err
	}
	addr = strings.SplitN(addr, "\n", 2)[0]

	connStr := fmt.Sprintf("postgres://cabinet:cabinet@%s/cabinettest?sslmode=disable", addr)
	if err := waitForPostgres(ctx, connStr, 30*time.Second); err != nil {
		cleanup()
		return "", nil, err
	}
	return connStr, cleanup, nil
}

func docker(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// waitForPostgres polls until the server answers a ping or timeout passes.
func waitForPostgres(ctx context.Context, connStr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		pool, err := db.NewPool(ctx, connStr, "", 1, 0)
		if err == nil {
			pool.Close()
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres not ready after %s: %w", timeout, lastErr)
		case <-ticker.C:
		}
	}
}
