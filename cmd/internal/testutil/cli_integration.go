//go:build integration

// Package testutil runs command binaries against throwaway databases in containers.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/go-sql-driver/mysql"
)

const (
	databaseName     = "edgeagent"
	databasePassword = "secret"
	mysqlImage       = "mysql:8.0.36"
	postgresImage    = "postgres:16-alpine"
	cliImage         = "alpine:3.20"
	cliPath          = "/cli"
	cliExitTimeout   = 2 * time.Minute
	startupTimeout   = 2 * time.Minute
)

// Network is a docker network shared by a database container and the CLI container.
type Network struct {
	Name string
}

// MySQL is a running MySQL container reachable from the host and from the shared network.
type MySQL struct {
	Network Network
	DB      *sql.DB
	// DSN addresses the database from inside the shared network.
	DSN string
}

// Postgres is a running PostgreSQL container reachable from the host and from the shared network.
type Postgres struct {
	Network Network
	Pool    *pgxpool.Pool
	// DSN addresses the database from inside the shared network.
	DSN string
}

func newNetwork(t *testing.T, ctx context.Context) Network {
	t.Helper()

	net, err := network.New(ctx)
	if err != nil {
		t.Skipf("create network: %v", err)
	}
	t.Cleanup(func() {
		_ = net.Remove(context.Background())
	})

	return Network{Name: net.Name}
}

func startContainer(
	t *testing.T,
	ctx context.Context,
	net Network,
	alias string,
	req testcontainers.ContainerRequest,
	port nat.Port,
) (host string, mapped nat.Port) {
	t.Helper()

	req.ExposedPorts = []string{string(port)}
	req.Networks = []string{net.Name}
	req.NetworkAliases = map[string][]string{net.Name: {alias}}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start %s container: %v", alias, err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err = container.Host(ctx)
	if err != nil {
		t.Fatalf("resolve host: %v", err)
	}
	mapped, err = container.MappedPort(ctx, port)
	if err != nil {
		t.Fatalf("resolve port: %v", err)
	}

	return host, mapped
}

// StartMySQL starts MySQL on a fresh network.
func StartMySQL(t *testing.T, ctx context.Context) MySQL {
	t.Helper()

	dsn := func(host, port string) string {
		return fmt.Sprintf("root:%s@tcp(%s:%s)/%s?parseTime=true", databasePassword, host, port, databaseName)
	}

	net := newNetwork(t, ctx)
	port := nat.Port("3306/tcp")
	host, mapped := startContainer(t, ctx, net, "mysql", testcontainers.ContainerRequest{
		Image: mysqlImage,
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": databasePassword,
			"MYSQL_DATABASE":      databaseName,
		},
		WaitingFor: wait.ForSQL(port, "mysql", func(host string, port nat.Port) string {
			return dsn(host, port.Port())
		}).WithStartupTimeout(startupTimeout),
	}, port)

	db, err := sql.Open("mysql", dsn(host, mapped.Port()))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	return MySQL{Network: net, DB: db, DSN: dsn("mysql", "3306")}
}

// StartPostgres starts PostgreSQL on a fresh network.
func StartPostgres(t *testing.T, ctx context.Context) Postgres {
	t.Helper()

	dsn := func(host, port string) string {
		return fmt.Sprintf("postgres://postgres:%s@%s:%s/%s?sslmode=disable", databasePassword, host, port, databaseName)
	}

	net := newNetwork(t, ctx)
	port := nat.Port("5432/tcp")
	host, mapped := startContainer(t, ctx, net, "postgres", testcontainers.ContainerRequest{
		Image: postgresImage,
		Env: map[string]string{
			"POSTGRES_PASSWORD": databasePassword,
			"POSTGRES_DB":       databaseName,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(startupTimeout),
	}, port)

	pool, err := pgxpool.New(ctx, dsn(host, mapped.Port()))
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return Postgres{Network: net, Pool: pool, DSN: dsn("postgres", "5432")}
}

// BuildBinary compiles pkg for linux into a temp dir.
func BuildBinary(t *testing.T, pkg string) string {
	t.Helper()

	name := filepath.Base(pkg)
	if name == "." {
		wd, err := os.Getwd()
		if err != nil {
			t.Fatalf("resolve working dir: %v", err)
		}
		name = filepath.Base(wd)
	}
	bin := filepath.Join(t.TempDir(), name)
	cmd := exec.Command("go", "build", "-o", bin, pkg)
	cmd.Env = append(os.Environ(),
		"CGO_ENABLED=0",
		"GOOS=linux",
		"GOARCH="+runtime.GOARCH,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build %s: %v\n%s", pkg, err, string(out))
	}

	return bin
}

// RunCLI runs binaryPath with args in a container on net and returns its exit code and logs.
func RunCLI(t *testing.T, ctx context.Context, net Network, binaryPath string, args ...string) (int, string) {
	t.Helper()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:      cliImage,
			Entrypoint: []string{cliPath},
			Cmd:        args,
			Networks:   []string{net.Name},
			Files: []testcontainers.ContainerFile{
				{
					HostFilePath:      binaryPath,
					ContainerFilePath: cliPath,
					FileMode:          0o755,
				},
			},
			WaitingFor: wait.ForExit().WithExitTimeout(cliExitTimeout),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start cli container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	logsReader, err := container.Logs(ctx)
	if err != nil {
		t.Fatalf("read cli logs: %v", err)
	}
	defer logsReader.Close()

	logs, err := io.ReadAll(logsReader)
	if err != nil {
		t.Fatalf("read cli logs: %v", err)
	}

	state, err := container.State(ctx)
	if err != nil {
		t.Fatalf("read cli state: %v", err)
	}

	return state.ExitCode, string(logs)
}
