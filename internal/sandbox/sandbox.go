// Package sandbox constructs the optional filesystem-sandbox wrapper
// command the executor spawns the LLM CLI child inside of (spec §4.4).
// It only builds the wrapping argv; actual mount-namespace isolation is a
// bubblewrap (or equivalent) binary the deployment provides — spec §1
// lists the isolation mechanism itself as out of scope.
package sandbox

import (
	"fmt"
)

// Options describes the mount-namespace shape for one task invocation.
type Options struct {
	// BubblewrapPath is the path to the bwrap binary. Defaults to "bwrap".
	BubblewrapPath string
	// WorkspaceDir is the per-user (or, for admins, shared) directory the
	// child may read and write.
	WorkspaceDir string
	// DataStorePath is the engine's SQLite file, always bound read-only
	// regardless of admin status (spec §4.4: "the data store is read-only
	// inside the sandbox regardless").
	DataStorePath string
	// DeferredDir is the per-user deferred-write directory (spec §4.3),
	// always bound read-write so the child can leave task_{id}_*.json files.
	DeferredDir string
	// IsAdmin widens WorkspaceDir visibility to the whole workspace root
	// rather than a single user's subtree (spec §4.4).
	IsAdmin bool
	// WorkspaceRoot is the parent directory of every per-user workspace
	// subtree; only consulted when IsAdmin is true.
	WorkspaceRoot string
}

// BuildArgv constructs a bubblewrap invocation that mounts the host
// read-only, binds the workspace (scoped by admin status) read-write, and
// binds the data store and deferred directory per spec §4.4's
// visibility rules. The returned slice is the sandbox command prefix the
// executor expects in Request.SandboxCommand: argv[0] is the binary,
// the rest are its arguments.
func BuildArgv(opts Options) []string {
	bwrap := opts.BubblewrapPath
	if bwrap == "" {
		bwrap = "bwrap"
	}

	argv := []string{
		bwrap,
		"--ro-bind", "/usr", "/usr",
		"--ro-bind", "/lib", "/lib",
		"--ro-bind", "/bin", "/bin",
		"--proc", "/proc",
		"--dev", "/dev",
		"--unshare-all",
		"--share-net",
		"--die-with-parent",
	}

	workspace := opts.WorkspaceDir
	if opts.IsAdmin && opts.WorkspaceRoot != "" {
		workspace = opts.WorkspaceRoot
	}
	if workspace != "" {
		argv = append(argv, "--bind", workspace, workspace)
	}
	if opts.DataStorePath != "" {
		argv = append(argv, "--ro-bind", opts.DataStorePath, opts.DataStorePath)
	}
	if opts.DeferredDir != "" {
		argv = append(argv, "--bind", opts.DeferredDir, opts.DeferredDir)
	}

	return argv
}

// Validate reports a configuration error early rather than letting bwrap
// fail opaquely inside the child process.
func Validate(opts Options) error {
	if opts.WorkspaceDir == "" && !(opts.IsAdmin && opts.WorkspaceRoot != "") {
		return fmt.Errorf("sandbox: no workspace directory to bind")
	}
	return nil
}
