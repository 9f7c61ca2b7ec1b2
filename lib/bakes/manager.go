// Package bakes manages the lifecycle of bake jobs: accepting a recipe and
// build context, running the fixed pipeline in the background, publishing
// the result to the image store, and serving status and logs.
package bakes

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/kilnhq/kiln/lib/archive"
	"github.com/kilnhq/kiln/lib/images"
	"github.com/kilnhq/kiln/lib/paths"
	"github.com/kilnhq/kiln/lib/pipeline"
	"github.com/kilnhq/kiln/lib/recipe"
)

// Manager interface for the bake system.
type Manager interface {
	// CreateBake accepts a new bake and starts it in the background.
	// contextData is the gzipped tar of the build context.
	CreateBake(ctx context.Context, req CreateBakeRequest, contextData io.Reader) (*Bake, error)

	// GetBake returns a bake by ID.
	GetBake(ctx context.Context, id string) (*Bake, error)

	// ListBakes returns all bakes, oldest first.
	ListBakes(ctx context.Context) ([]*Bake, error)

	// CancelBake cancels a pending or running bake.
	CancelBake(ctx context.Context, id string) error

	// GetBakeLogs returns the full log for a bake.
	GetBakeLogs(ctx context.Context, id string) ([]byte, error)

	// ReadBakeLog reads log content from the given offset, returning the
	// data and the next offset. Used by the streaming endpoint.
	ReadBakeLog(ctx context.Context, id string, offset int64) ([]byte, int64, error)

	// RecoverPendingBakes restarts bakes that were interrupted by a
	// process restart.
	RecoverPendingBakes()
}

// Config holds configuration for the bake manager.
type Config struct {
	// MaxConcurrentBakes caps how many bakes run at once; later bakes
	// queue on the semaphore.
	MaxConcurrentBakes int

	// Timeout is the per-bake deadline. Cancelling discards the bake's
	// uncommitted workspace state.
	Timeout time.Duration

	// MaxContextBytes limits the extracted size of an uploaded context.
	MaxContextBytes int64

	// ImageNamePrefix is the registry repository prefix for baked images.
	ImageNamePrefix string
}

// DefaultConfig returns the default bake manager configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentBakes: 2,
		Timeout:            10 * time.Minute,
		MaxContextBytes:    1 << 30, // 1 GiB
		ImageNamePrefix:    "bakes",
	}
}

// EnvFactory builds the bake environment for a workspace. Production wires
// the overlay/chroot environment from lib/rootfs; tests inject fakes.
type EnvFactory func(workspaceDir string, output io.Writer, logger *slog.Logger) (pipeline.Environment, error)

type manager struct {
	config       Config
	paths        *paths.Paths
	fetcher      pipeline.Fetcher
	envFactory   EnvFactory
	imageManager images.Manager
	logger       *slog.Logger
	metrics      *Metrics
	sem          *semaphore.Weighted

	createMu sync.Mutex

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// NewManager creates a new bake manager.
func NewManager(
	p *paths.Paths,
	config Config,
	fetcher pipeline.Fetcher,
	envFactory EnvFactory,
	imageManager images.Manager,
	logger *slog.Logger,
	meter metric.Meter,
) (Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxConcurrentBakes < 1 {
		config.MaxConcurrentBakes = 1
	}

	m := &manager{
		config:       config,
		paths:        p,
		fetcher:      fetcher,
		envFactory:   envFactory,
		imageManager: imageManager,
		logger:       logger,
		sem:          semaphore.NewWeighted(int64(config.MaxConcurrentBakes)),
		cancels:      make(map[string]context.CancelFunc),
	}

	if meter != nil {
		metrics, err := NewMetrics(meter)
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		m.metrics = metrics
	}

	return m, nil
}

// CreateBake accepts a new bake and starts it in the background.
func (m *manager) CreateBake(ctx context.Context, req CreateBakeRequest, contextData io.Reader) (*Bake, error) {
	rec := recipe.Default()
	if len(req.RecipeYAML) > 0 {
		loaded, err := recipe.Load(req.RecipeYAML)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecipe, err)
		}
		rec = loaded
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	id := cuid2.Generate()
	m.logger.Info("creating bake", "id", id, "base", rec.Base)

	meta := &bakeMetadata{
		ID:        id,
		Status:    StatusPending,
		Recipe:    rec,
		CreatedAt: time.Now().UTC(),
	}
	if err := writeMetadata(m.paths, meta); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}

	if contextData == nil {
		os.RemoveAll(m.paths.BakeDir(id))
		return nil, fmt.Errorf("%w: no build context supplied", pipeline.ErrSourceUnreadable)
	}
	if _, err := archive.ExtractTarGz(contextData, m.paths.BakeContext(id), m.config.MaxContextBytes); err != nil {
		os.RemoveAll(m.paths.BakeDir(id))
		return nil, fmt.Errorf("%w: %v", pipeline.ErrSourceUnreadable, err)
	}

	go m.runBake(context.Background(), id, rec)

	m.logger.Info("bake created and queued", "id", id)
	return meta.toBake(), nil
}

// runBake executes one bake end to end.
func (m *manager) runBake(ctx context.Context, id string, rec recipe.Recipe) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.logger.Error("acquire bake slot", "id", id, "error", err)
		return
	}
	defer m.sem.Release(1)

	// The bake may have been cancelled while queued.
	meta, err := readMetadata(m.paths, id)
	if err != nil {
		m.logger.Error("read metadata at bake start", "id", id, "error", err)
		return
	}
	if isTerminalStatus(meta.Status) {
		m.logger.Info("bake already terminal, skipping", "id", id, "status", meta.Status)
		return
	}

	start := time.Now()
	m.updateStatus(id, StatusBaking, nil)
	m.logger.Info("bake started", "id", id)

	bakeCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	m.registerCancel(id, cancel)
	defer func() {
		m.unregisterCancel(id)
		cancel()
	}()

	result, err := m.executeBake(bakeCtx, id, rec)

	duration := time.Since(start)
	durationMS := duration.Milliseconds()

	// Workspace state is never part of the published image; discard it
	// whatever the outcome.
	os.RemoveAll(m.paths.BakeWorkspace(id))

	if err != nil {
		status := StatusFailed
		if bakeCtx.Err() != nil && isCancelled(m.paths, id) {
			status = StatusCancelled
		}
		m.logger.Error("bake failed", "id", id, "error", err, "duration", duration)
		errMsg := err.Error()
		m.completeBake(id, status, nil, &errMsg, &durationMS)
		if m.metrics != nil {
			m.metrics.RecordBake(ctx, status, duration)
		}
		return
	}

	m.logger.Info("bake succeeded", "id", id, "image", result.ImageID, "digest", result.Digest, "duration", duration)
	m.completeBake(id, StatusReady, result, nil, &durationMS)
	if m.metrics != nil {
		m.metrics.RecordBake(ctx, StatusReady, duration)
	}
}

// bakeResult is the publish outcome of a successful bake.
type bakeResult struct {
	ImageID    string
	Digest     string
	BaseDigest string
}

// executeBake runs the pipeline and publishes the image.
func (m *manager) executeBake(ctx context.Context, id string, rec recipe.Recipe) (*bakeResult, error) {
	logFile, err := os.OpenFile(m.paths.BakeLog(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open bake log: %w", err)
	}
	defer logFile.Close()

	bakeLogger := m.logger.With("bake", id)

	env, err := m.envFactory(m.paths.BakeWorkspace(id), logFile, bakeLogger)
	if err != nil {
		return nil, fmt.Errorf("create bake environment: %w", err)
	}

	pl := pipeline.New(rec, m.paths.BakeContext(id), m.fetcher, env, bakeLogger)
	if m.metrics != nil {
		pl.OnStep = m.metrics.RecordStep
	}

	img, err := pl.Run(ctx)
	if err != nil {
		return nil, err
	}

	baseDigest := pl.BaseDigest()
	stored, err := m.imageManager.PutImage(ctx, images.PutImageRequest{
		Name:       m.config.ImageNamePrefix + "/" + id,
		BakeID:     id,
		BaseDigest: baseDigest,
		Port:       rec.Port,
		WorkingDir: rec.WorkDir,
		Command:    rec.Command,
	}, img)
	if err != nil {
		return nil, fmt.Errorf("publish image: %w", err)
	}

	return &bakeResult{
		ImageID:    stored.ID,
		Digest:     stored.Digest,
		BaseDigest: baseDigest,
	}, nil
}

// updateStatus updates the bake status, refusing to overwrite a terminal
// state (prevents a cancelled bake being flipped back to baking).
func (m *manager) updateStatus(id string, status string, err error) {
	meta, readErr := readMetadata(m.paths, id)
	if readErr != nil {
		m.logger.Error("read metadata for status update", "id", id, "error", readErr)
		return
	}
	if isTerminalStatus(meta.Status) {
		m.logger.Debug("skipping status update for terminal bake", "id", id, "current", meta.Status, "requested", status)
		return
	}

	meta.Status = status
	if status == StatusBaking && meta.StartedAt == nil {
		now := time.Now().UTC()
		meta.StartedAt = &now
	}
	if err != nil {
		errMsg := err.Error()
		meta.Error = &errMsg
	}

	if writeErr := writeMetadata(m.paths, meta); writeErr != nil {
		m.logger.Error("write metadata for status update", "id", id, "error", writeErr)
	}
}

// completeBake records the final state of a bake.
func (m *manager) completeBake(id, status string, result *bakeResult, errMsg *string, durationMS *int64) {
	meta, readErr := readMetadata(m.paths, id)
	if readErr != nil {
		m.logger.Error("read metadata for completion", "id", id, "error", readErr)
		return
	}
	if meta.Status == StatusCancelled && status != StatusCancelled {
		// Cancellation won the race; keep it.
		status = StatusCancelled
	}

	meta.Status = status
	meta.Error = errMsg
	meta.DurationMS = durationMS
	if result != nil {
		meta.ImageID = &result.ImageID
		meta.ImageDigest = &result.Digest
		meta.BaseDigest = &result.BaseDigest
	}
	now := time.Now().UTC()
	meta.CompletedAt = &now

	if writeErr := writeMetadata(m.paths, meta); writeErr != nil {
		m.logger.Error("write metadata for completion", "id", id, "error", writeErr)
	}
}

func (m *manager) GetBake(ctx context.Context, id string) (*Bake, error) {
	meta, err := readMetadata(m.paths, id)
	if err != nil {
		return nil, err
	}
	return meta.toBake(), nil
}

func (m *manager) ListBakes(ctx context.Context) ([]*Bake, error) {
	metas, err := listAllBakes(m.paths)
	if err != nil {
		return nil, err
	}
	return lo.Map(metas, func(meta *bakeMetadata, _ int) *Bake { return meta.toBake() }), nil
}

func (m *manager) CancelBake(ctx context.Context, id string) error {
	meta, err := readMetadata(m.paths, id)
	if err != nil {
		return err
	}

	switch meta.Status {
	case StatusPending, StatusBaking:
		// Mark cancelled first so the runBake goroutine cannot flip the
		// status back, then interrupt the pipeline.
		m.updateStatus(id, StatusCancelled, nil)
		m.cancelMu.Lock()
		if cancel, ok := m.cancels[id]; ok {
			cancel()
		}
		m.cancelMu.Unlock()
		return nil
	default:
		return fmt.Errorf("%w: status %s", ErrAlreadyCompleted, meta.Status)
	}
}

func (m *manager) GetBakeLogs(ctx context.Context, id string) ([]byte, error) {
	if _, err := readMetadata(m.paths, id); err != nil {
		return nil, err
	}
	return readLog(m.paths, id)
}

func (m *manager) ReadBakeLog(ctx context.Context, id string, offset int64) ([]byte, int64, error) {
	if _, err := readMetadata(m.paths, id); err != nil {
		return nil, 0, err
	}

	f, err := os.Open(m.paths.BakeLog(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, 0, fmt.Errorf("open bake log: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, 0, fmt.Errorf("seek bake log: %w", err)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, 0, fmt.Errorf("read bake log: %w", err)
	}
	return data, offset + int64(len(data)), nil
}

// RecoverPendingBakes restarts bakes interrupted by a restart. The context
// and recipe are on disk, so an interrupted bake simply runs again from
// scratch; there is no partial-success state to resume (a full rebake is
// the retry policy).
func (m *manager) RecoverPendingBakes() {
	pending, err := listPendingBakes(m.paths)
	if err != nil {
		m.logger.Error("list pending bakes for recovery", "error", err)
		return
	}

	for _, meta := range pending {
		m.logger.Info("recovering bake", "id", meta.ID, "status", meta.Status)
		// Clear any stale workspace before the rerun
		os.RemoveAll(m.paths.BakeWorkspace(meta.ID))

		bakeID := meta.ID
		rec := meta.Recipe
		go m.runBake(context.Background(), bakeID, rec)
	}

	if len(pending) > 0 {
		m.logger.Info("recovered pending bakes", "count", len(pending))
	}
}

func (m *manager) registerCancel(id string, cancel context.CancelFunc) {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	m.cancels[id] = cancel
}

func (m *manager) unregisterCancel(id string) {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	delete(m.cancels, id)
}

// isCancelled reports whether the bake record says cancelled.
func isCancelled(p *paths.Paths, id string) bool {
	meta, err := readMetadata(p, id)
	return err == nil && meta.Status == StatusCancelled
}
