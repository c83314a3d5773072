//go:build integration

package archive

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/tally/pkg/storage/memory"
)

func setupMinIO(t *testing.T) *S3Store {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "minioadmin",
				"MINIO_ROOT_PASSWORD": "minioadmin",
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate MinIO: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	s, err := NewS3Store(ctx, S3Config{
		Endpoint:     "http://" + host + ":" + port.Port(),
		Region:       "us-east-1",
		Bucket:       "tally-usage",
		AccessKey:    "minioadmin",
		SecretKey:    "minioadmin",
		UsePathStyle: true,
		CreateBucket: true,
	})
	require.NoError(t, err)
	return s
}

func TestS3ExportIntegration(t *testing.T) {
	s := setupMinIO(t)
	ctx := context.Background()
	require.NoError(t, s.HealthCheck(ctx))

	store := memory.New()
	seed(t, store, "acct-1", day.Add(time.Hour), day.Add(2*time.Hour))
	e := NewExporter(store, s)

	res, err := e.ExportDay(ctx, day, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Events)

	exists, err := s.ObjectExists(ctx, res.Key)
	require.NoError(t, err)
	assert.True(t, exists)

	body, err := s.GetObject(ctx, res.Key)
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Len(t, lines(t, data), 2)

	again, err := e.ExportDay(ctx, day, false)
	require.NoError(t, err)
	assert.True(t, again.Skipped)

	missing, err := s.ObjectExists(ctx, "usage/1999/01/01.ndjson")
	require.NoError(t, err)
	assert.False(t, missing)
}
