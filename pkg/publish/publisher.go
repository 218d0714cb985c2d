package publish

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nxadm/tail"
	"github.com/pkg/errors"

	"github.com/hlspipe/hlspipe/pkg/logger"
)

// Publisher mirrors one rendition directory to object storage under a
// key prefix. A single Publisher serves one pipeline run.
type Publisher struct {
	store  Store
	prefix string
	dir    string

	mu   sync.Mutex
	done map[string]bool // segments already uploaded
}

func NewPublisher(store Store, prefix, dir string) *Publisher {
	return &Publisher{
		store:  store,
		prefix: prefix,
		dir:    dir,
		done:   make(map[string]bool),
	}
}

// SyncDir uploads every file currently in the rendition directory. The
// playlist goes last so readers never see it reference a missing
// segment.
func (p *Publisher) SyncDir(ctx context.Context) error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return errors.Wrap(err, "reading rendition dir")
	}

	var playlists []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".m3u8") {
			playlists = append(playlists, e.Name())
			continue
		}
		if err = p.putFile(ctx, e.Name()); err != nil {
			return err
		}
	}
	for _, name := range playlists {
		if err = p.putFile(ctx, name); err != nil {
			return err
		}
	}

	logger.Infow("rendition synced", "dir", p.dir, "prefix", p.prefix, "files", len(entries))
	return nil
}

// Follow tails the playlist while the pipeline runs, uploading each
// segment once the playlist references it and refreshing the playlist
// after every addition. It returns when ctx is cancelled; the final
// playlist state is the caller's to sync.
func (p *Publisher) Follow(ctx context.Context, playlist string) error {
	t, err := tail.TailFile(filepath.Join(p.dir, playlist), tail.Config{
		MustExist: false,
		Follow:    true,
		ReOpen:    true,
	})
	if err != nil {
		return errors.Wrap(err, "following playlist")
	}
	defer t.Cleanup()
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return nil
			}
			if line.Err != nil {
				logger.Warnw("playlist read failed", line.Err, "playlist", playlist)
				continue
			}
			name := strings.TrimSpace(line.Text)
			if name == "" || strings.HasPrefix(name, "#") {
				continue
			}

			// segments are fully written before the playlist names them
			if err = p.putSegment(ctx, path.Base(name)); err != nil {
				return err
			}
			if err = p.putFile(ctx, playlist); err != nil {
				return err
			}
		}
	}
}

func (p *Publisher) putSegment(ctx context.Context, name string) error {
	p.mu.Lock()
	if p.done[name] {
		p.mu.Unlock()
		return nil
	}
	p.done[name] = true
	p.mu.Unlock()
	return p.putFile(ctx, name)
}

func (p *Publisher) putFile(ctx context.Context, name string) error {
	f, err := os.Open(filepath.Join(p.dir, name))
	if err != nil {
		return errors.Wrapf(err, "opening %s", name)
	}
	defer f.Close()

	key := name
	if p.prefix != "" {
		key = path.Join(p.prefix, name)
	}
	logger.Debugw("uploading", "key", key)
	return p.store.Put(ctx, key, f, contentTypeFor(name))
}
