// Package watcher reports changes to the collections under a vector store
// base path, so a long-running process can drop its search snapshot when
// another process ingests or deletes records.
//
// Events from fsnotify are reduced to one Change per collection and
// debounced, since a single persist rewrites two files through temp files
// and renames.
//
// Usage:
//
//	w, err := watcher.NewStoreWatcher(basePath, watcher.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	defer w.Stop()
//
//	if err := w.Start(ctx); err != nil {
//	    return err
//	}
//
//	for batch := range w.Changes() {
//	    handle.Invalidate()
//	}
package watcher
