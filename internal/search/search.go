// Package search implements the search.paths cache invalidation
// consumer: a bleve full-text index over file_path metadata that
// rebuilds a location's documents whenever the indexer publishes
// broadcast.KeySearchPaths.
package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/google/uuid"

	"github.com/duskfall-labs/corevault/internal/broadcast"
	"github.com/duskfall-labs/corevault/internal/storage"
	"github.com/duskfall-labs/corevault/internal/vaultlog"
)

// DebounceWindow coalesces a burst of search.paths invalidations for
// the same location (one SaveTask/UpdateTask chunk commit at a time)
// into a single reindex pass.
const DebounceWindow = 200 * time.Millisecond

// Doc is the document shape indexed per file_path row.
type Doc struct {
	PubID       string `json:"pub_id"`
	LocationID  string `json:"location_id"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	IsDir       bool   `json:"is_dir"`
	SizeInBytes int64  `json:"size_in_bytes"`
}

// Hit is one ranked search result.
type Hit struct {
	PubID string
	Name  string
	Path  string
	Score float64
}

// Index wraps a bleve.Index and keeps it in sync with file_path rows
// via the broadcast hub, rather than requiring callers to push
// updates themselves.
type Index struct {
	bleve   bleve.Index
	gateway *storage.Gateway
	hub     *broadcast.Hub
	log     *vaultlog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	pending map[uuid.UUID]*time.Timer
}

// Open opens an existing bleve index at path, or creates one with
// buildMapping if none exists yet.
func Open(path string, gateway *storage.Gateway, hub *broadcast.Hub, log *vaultlog.Logger) (*Index, error) {
	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(path, buildMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("search: open index %s: %w", path, err)
	}
	if log == nil {
		log = vaultlog.New(vaultlog.DefaultConfig())
	}
	return &Index{
		bleve:   idx,
		gateway: gateway,
		hub:     hub,
		log:     log.WithComponent("search"),
		pending: make(map[uuid.UUID]*time.Timer),
	}, nil
}

func buildMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()

	nameField := bleve.NewTextFieldMapping()
	nameField.Store = true
	nameField.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("name", nameField)

	pathField := bleve.NewTextFieldMapping()
	pathField.Store = true
	pathField.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("path", pathField)

	locField := bleve.NewTextFieldMapping()
	locField.Store = true
	locField.Index = true
	locField.Analyzer = "keyword"
	docMapping.AddFieldMappingsAt("location_id", locField)

	sizeField := bleve.NewNumericFieldMapping()
	sizeField.Store = true
	docMapping.AddFieldMappingsAt("size_in_bytes", sizeField)

	im.AddDocumentMapping("file_path", docMapping)
	im.DefaultMapping = docMapping
	return im
}

// Start subscribes to broadcast.KeySearchPaths and reindexes the
// named location after DebounceWindow of no further invalidations for
// it. It returns immediately; reindexing happens on a background
// goroutine until ctx is canceled or Stop is called.
func (ix *Index) Start(ctx context.Context) {
	ix.mu.Lock()
	if ix.running {
		ix.mu.Unlock()
		return
	}
	ix.running = true
	ctx, cancel := context.WithCancel(ctx)
	ix.cancel = cancel
	ix.mu.Unlock()

	sub := ix.hub.Subscribe(broadcast.KeySearchPaths, 32)
	go ix.watch(ctx, sub)
}

func (ix *Index) watch(ctx context.Context, sub <-chan broadcast.Event) {
	defer ix.hub.Unsubscribe(broadcast.KeySearchPaths, sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			locID, ok := ev.Payload.(uuid.UUID)
			if !ok {
				continue
			}
			ix.scheduleReindex(ctx, locID)
		}
	}
}

func (ix *Index) scheduleReindex(ctx context.Context, locID uuid.UUID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if t, ok := ix.pending[locID]; ok {
		t.Stop()
	}
	ix.pending[locID] = time.AfterFunc(DebounceWindow, func() {
		ix.mu.Lock()
		delete(ix.pending, locID)
		ix.mu.Unlock()
		if err := ix.ReindexLocation(ctx, locID); err != nil {
			ix.log.Error("reindex failed", vaultlog.Fields{"location": locID.String(), "error": err.Error()})
		}
	})
}

// Stop cancels the background watcher and any still-pending debounce
// timers. The index itself remains open; call Close to release it.
func (ix *Index) Stop() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.cancel != nil {
		ix.cancel()
	}
	ix.running = false
	for _, t := range ix.pending {
		t.Stop()
	}
	ix.pending = make(map[uuid.UUID]*time.Timer)
}

// Close stops the watcher and closes the underlying bleve index.
func (ix *Index) Close() error {
	ix.Stop()
	return ix.bleve.Close()
}

// ReindexLocation rebuilds every document under locationID from the
// current file_path rows. Called automatically on invalidation, but
// exported so a cold start (or a full rebuild job) can call it
// directly too.
func (ix *Index) ReindexLocation(ctx context.Context, locationID uuid.UUID) error {
	var rows []storage.FilePath
	err := ix.gateway.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		var err error
		rows, err = storage.FilePathsUnder(ctx, tx, locationID)
		return err
	})
	if err != nil {
		return fmt.Errorf("search: load file paths for %s: %w", locationID, err)
	}

	batch := ix.bleve.NewBatch()
	for _, f := range rows {
		doc := Doc{
			PubID:       f.PubID.String(),
			LocationID:  f.LocationID.String(),
			Name:        f.Name,
			Path:        f.MaterializedPath,
			IsDir:       f.IsDir,
			SizeInBytes: f.SizeInBytes,
		}
		if err := batch.Index(doc.PubID, doc); err != nil {
			return fmt.Errorf("search: batch index %s: %w", doc.PubID, err)
		}
	}
	if err := ix.bleve.Batch(batch); err != nil {
		return fmt.Errorf("search: commit batch for %s: %w", locationID, err)
	}
	return nil
}

// Query runs a bleve query-string search over name/path and returns
// up to limit ranked hits.
func (ix *Index) Query(q string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 20
	}
	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(q), limit, 0, false)
	req.Fields = []string{"name", "path"}

	res, err := ix.bleve.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: query %q: %w", q, err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		name, _ := h.Fields["name"].(string)
		path, _ := h.Fields["path"].(string)
		hits = append(hits, Hit{PubID: h.ID, Name: name, Path: path, Score: h.Score})
	}
	return hits, nil
}
