//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meigma/feedpin/feed"
	"github.com/meigma/feedpin/store/oras"
)

// --- Registry Container Setup ---

var (
	registryOnce sync.Once
	registryAddr string
	registryErr  error
)

// getRegistry returns the shared registry address, starting the container
// on first use.
func getRegistry(tb testing.TB) string {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	registryOnce.Do(func() {
		registryAddr, registryErr = startRegistryContainer(context.Background())
	})
	if registryErr != nil {
		tb.Fatalf("start registry container: %v", registryErr)
	}
	return registryAddr
}

func startRegistryContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "registry:2",
		ExposedPorts: []string{"5000/tcp"},
		Env:          map[string]string{"REGISTRY_STORAGE_DELETE_ENABLED": "true"},
		WaitingFor:   wait.ForHTTP("/v2/").WithPort("5000/tcp").WithStatusCodeMatcher(isOKStatus),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start registry container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve registry host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5000/tcp")
	if err != nil {
		return "", fmt.Errorf("resolve registry port: %w", err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}

func isOKStatus(status int) bool {
	return status >= 200 && status < 300
}

// --- Store Factory ---

// newTestStore opens a store on a repository unique to the test, with its
// own local layout.
func newTestStore(tb testing.TB, addr string) *oras.Store {
	tb.Helper()
	repo := fmt.Sprintf("%s/test/%s", addr, strings.ToLower(strings.ReplaceAll(tb.Name(), "/", "-")))
	s, err := oras.New(context.Background(), repo, tb.TempDir(), oras.WithPlainHTTP(true), oras.WithAnonymous())
	require.NoError(tb, err, "open store")
	return s
}

// --- Publishing ---

// publisher builds feeds directly in the registry.
type publisher struct {
	tb      testing.TB
	store   *oras.Store
	key     string
	desc    feed.Description
	records []digest.Digest // newest first
}

func newPublisher(tb testing.TB, s *oras.Store, key string) *publisher {
	return &publisher{tb: tb, store: s, key: key, desc: feed.Description{Name: key}}
}

func (p *publisher) push(data []byte) digest.Digest {
	p.tb.Helper()
	id, err := p.store.PushObject(context.Background(), data)
	require.NoError(p.tb, err, "push object")
	return id
}

// object pushes v zstd-compressed, the way publishers on the network do.
func (p *publisher) object(v any) digest.Digest {
	p.tb.Helper()
	data, _, err := feed.EncodeCompressed(v)
	require.NoError(p.tb, err)
	return p.push(data)
}

func (p *publisher) leaf(data string) digest.Digest {
	return p.push([]byte(data))
}

func (p *publisher) post(rec feed.Record) digest.Digest {
	id := p.object(rec)
	p.records = slices.Insert(p.records, 0, id)
	return id
}

func (p *publisher) publish() digest.Digest {
	p.tb.Helper()
	root := p.object(feed.Index{
		Version:         feed.Version,
		Description:     p.object(p.desc),
		Recommendations: p.object(feed.Recommendations{}),
		Records:         p.object(feed.RecordList{Records: slices.Clone(p.records)}),
	})
	_, err := p.store.Publish(context.Background(), p.key, root)
	require.NoError(p.tb, err, "publish %s", p.key)
	return root
}
