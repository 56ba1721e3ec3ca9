package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/polis-vision/pkg/config"
	"github.com/polisai/polis-vision/pkg/domain"
	"github.com/polisai/polis-vision/pkg/engine"
	"github.com/polisai/polis-vision/pkg/telemetry"
)

const defaultDebounce = 100 * time.Millisecond

// FileStoreOptions configures a FileDefinitionStore.
type FileStoreOptions struct {
	// Paths lists definition files and directories. Directories are scanned recursively.
	Paths []string
	// Watch reloads the definitions whenever a file under Paths changes.
	Watch bool
	// Validation is applied to every pipeline on load.
	Validation engine.ValidateOptions
	// BaseOperations are always present; file operations with the same id replace them.
	BaseOperations []domain.OperationDef
	Metrics        *telemetry.StoreMetrics
	Logger         *slog.Logger
	// Debounce collapses bursts of file events. Defaults to 100ms.
	Debounce time.Duration
}

// FileDefinitionStore implements domain.DefinitionService over definition files on disk.
// A reload that fails leaves the previous snapshot in place.
type FileDefinitionStore struct {
	opts   FileStoreOptions
	logger *slog.Logger

	loadMu sync.Mutex

	mu          sync.RWMutex
	snapshot    domain.Snapshot
	operations  map[string]*domain.OperationDef
	pipelines   map[string]*domain.PipelineDef
	subscribers []chan domain.Snapshot
	closed      bool

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFileDefinitionStore loads the definitions under opts.Paths and, when opts.Watch is
// set, starts watching them. The initial load must succeed.
func NewFileDefinitionStore(opts FileStoreOptions) (*FileDefinitionStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}

	s := &FileDefinitionStore{
		opts:       opts,
		logger:     logger.With(slog.String("component", "definition_store")),
		operations: make(map[string]*domain.OperationDef),
		pipelines:  make(map[string]*domain.PipelineDef),
	}

	if err := s.Reload(); err != nil {
		return nil, err
	}
	if !opts.Watch {
		return s, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	dirs, err := watchDirs(opts.Paths)
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.watcher = watcher
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.watchLoop(ctx)

	return s, nil
}

// CurrentSnapshot returns the active definitions.
func (s *FileDefinitionStore) CurrentSnapshot() domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Subscribe returns a channel that receives every new snapshot. The current snapshot is
// delivered immediately. Slow consumers only ever see the latest snapshot.
func (s *FileDefinitionStore) Subscribe() <-chan domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan domain.Snapshot, 1)
	if s.closed {
		close(ch)
		return ch
	}
	s.subscribers = append(s.subscribers, ch)
	ch <- s.snapshot
	return ch
}

// Operations returns a domain.OperationStore view of the active snapshot.
func (s *FileDefinitionStore) Operations() *OperationView {
	return &OperationView{store: s}
}

// Pipelines returns a domain.PipelineStore view of the active snapshot.
func (s *FileDefinitionStore) Pipelines() *PipelineView {
	return &PipelineView{store: s}
}

// Reload re-reads every definition file. On failure the previous snapshot stays active.
func (s *FileDefinitionStore) Reload() error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	ops, pipelines, err := s.load()
	if err != nil {
		s.recordReload("error")
		s.logger.Error("definition reload failed", slog.Any("error", err))
		return err
	}

	opIndex := make(map[string]*domain.OperationDef, len(ops))
	for i := range ops {
		opIndex[ops[i].ID] = &ops[i]
	}
	pipelineIndex := make(map[string]*domain.PipelineDef, len(pipelines))
	for i := range pipelines {
		pipelineIndex[pipelines[i].ID] = &pipelines[i]
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	snapshot := domain.Snapshot{
		Generation: s.snapshot.Generation + 1,
		Pipelines:  pipelines,
		Operations: ops,
		Timestamp:  time.Now(),
	}
	s.snapshot = snapshot
	s.operations = opIndex
	s.pipelines = pipelineIndex
	subscribers := make([]chan domain.Snapshot, len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.mu.Unlock()

	for _, ch := range subscribers {
		// Replace a snapshot the consumer has not read yet.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}

	s.recordReload("success")
	if s.opts.Metrics != nil {
		s.opts.Metrics.UpdateLoaded(snapshot.Generation, len(pipelines), len(ops))
	}
	s.logger.Info("definitions loaded",
		slog.Int64("generation", snapshot.Generation),
		slog.Int("pipeline_count", len(pipelines)),
		slog.Int("operation_count", len(ops)))
	return nil
}

// Close stops the watcher, waits for any reload in progress and closes every subscriber
// channel.
func (s *FileDefinitionStore) Close() error {
	var err error
	if s.watcher != nil {
		s.cancel()
		err = s.watcher.Close()
		<-s.done
	}

	// A reload already past its closed check is still sending to subscribers.
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return err
	}
	s.closed = true
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
	return err
}

func (s *FileDefinitionStore) load() ([]domain.OperationDef, []domain.PipelineDef, error) {
	file, err := config.LoadDefinitions(s.opts.Paths)
	if err != nil {
		return nil, nil, err
	}
	fileOps, pipelines, err := file.ToDomain()
	if err != nil {
		return nil, nil, err
	}

	byID := make(map[string]domain.OperationDef, len(s.opts.BaseOperations)+len(fileOps))
	for _, op := range s.opts.BaseOperations {
		byID[op.ID] = op
	}
	for _, op := range fileOps {
		byID[op.ID] = op
	}
	ops := make([]domain.OperationDef, 0, len(byID))
	for _, op := range byID {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })

	for i := range pipelines {
		def := &pipelines[i]
		if err := engine.ValidateWith(def, s.opts.Validation); err != nil {
			return nil, nil, err
		}
		for _, node := range def.Nodes {
			if node.Type != domain.NodeOperation {
				continue
			}
			if _, ok := byID[node.OperationID]; !ok {
				s.logger.Warn("pipeline references unknown operation",
					slog.String("pipeline_id", def.ID),
					slog.String("node_id", node.ID),
					slog.String("operation_id", node.OperationID))
			}
		}
	}
	return ops, pipelines, nil
}

func (s *FileDefinitionStore) recordReload(status string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordReload(status)
	}
}

func (s *FileDefinitionStore) watchLoop(ctx context.Context) {
	defer close(s.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !config.IsDefinitionFile(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(s.opts.Debounce, func() {
				if ctx.Err() != nil {
					return
				}
				// Errors are logged and counted inside Reload.
				_ = s.Reload()
			})
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("watcher error", slog.Any("error", err))
		}
	}
}

// watchDirs returns the directories to watch for paths: every directory under a
// directory entry, and the parent of each file entry.
func watchDirs(paths []string) ([]string, error) {
	seen := make(map[string]struct{})
	var dirs []string
	add := func(dir string) {
		dir = filepath.Clean(dir)
		if _, dup := seen[dir]; !dup {
			seen[dir] = struct{}{}
			dirs = append(dirs, dir)
		}
	}

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("definitions path %s: %w", p, err)
		}
		if !info.IsDir() {
			add(filepath.Dir(abs))
			continue
		}
		err = filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan definitions directory %s: %w", p, err)
		}
	}
	return dirs, nil
}

// OperationView resolves operations against the store's active snapshot.
type OperationView struct {
	store *FileDefinitionStore
}

// Get returns the operation with the given id.
func (v *OperationView) Get(_ context.Context, id string) (*domain.OperationDef, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	op, ok := v.store.operations[id]
	if !ok {
		return nil, fmt.Errorf("operation %q: %w", id, domain.ErrOperationNotFound)
	}
	return op, nil
}

// List returns every operation ordered by id.
func (v *OperationView) List(_ context.Context) ([]domain.OperationDef, error) {
	snapshot := v.store.CurrentSnapshot()
	out := make([]domain.OperationDef, len(snapshot.Operations))
	copy(out, snapshot.Operations)
	return out, nil
}

// PipelineView resolves pipelines against the store's active snapshot.
type PipelineView struct {
	store *FileDefinitionStore
}

// Get returns the pipeline with the given id.
func (v *PipelineView) Get(_ context.Context, id string) (*domain.PipelineDef, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	def, ok := v.store.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("pipeline %q: %w", id, domain.ErrPipelineNotFound)
	}
	return def, nil
}

// List returns every pipeline in file order.
func (v *PipelineView) List(_ context.Context) ([]domain.PipelineDef, error) {
	snapshot := v.store.CurrentSnapshot()
	out := make([]domain.PipelineDef, len(snapshot.Pipelines))
	copy(out, snapshot.Pipelines)
	return out, nil
}
