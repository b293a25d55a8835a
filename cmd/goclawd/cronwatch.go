package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/zkoranges/goclaw-engine/internal/config"
)

const cronFileName = "cron.yaml"

// cronFilePath returns the path check_scheduled_jobs syncs for userID
// (spec §4.5); the file need not exist yet — ReadCronFile treats a
// missing file as zero jobs.
func cronFilePath(cfg config.Config, userID string) string {
	return filepath.Join(workspaceDirFor(cfg, userID), cronFileName)
}

func readDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// startCronWatcher watches every user workspace directory for writes to
// cron.yaml and re-syncs that user's jobs immediately, instead of waiting
// for check_scheduled_jobs' 60s poll. If the watcher can't be started
// (e.g. an fs that doesn't support inotify), it logs and returns: the
// scheduler's own periodic poll still covers the same file.
func startCronWatcher(ctx context.Context, eng *engine) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		eng.logger.Warn("cron watcher: unavailable, falling back to periodic poll", "error", err)
		return
	}

	workspaceRoot := filepath.Join(eng.cfg.HomeDir, "workspace")
	watched := map[string]bool{}
	rescan := func() {
		entries, err := readDirNames(workspaceRoot)
		if err != nil {
			return
		}
		for _, userID := range entries {
			dir := workspaceDirFor(eng.cfg, userID)
			if watched[dir] {
				continue
			}
			if err := watcher.Add(dir); err == nil {
				watched[dir] = true
			}
		}
	}
	rescan()
	if err := watcher.Add(workspaceRoot); err == nil {
		watched[workspaceRoot] = true
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != cronFileName {
					if event.Op&(fsnotify.Create) != 0 {
						rescan()
					}
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				userID := filepath.Base(filepath.Dir(event.Name))
				if err := eng.store.SyncCronFile(ctx, userID, event.Name); err != nil {
					eng.logger.Error("cron watcher: sync failed", "user_id", userID, "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				eng.logger.Warn("cron watcher: error", "error", err)
			}
		}
	}()
}
