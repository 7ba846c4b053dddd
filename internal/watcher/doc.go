// Package watcher delivers debounced fsnotify events for individual files.
// Files are watched through their parent directory so replacements by
// rename, as editors and config tools do, keep being observed.
package watcher
