// Package statepaths resolves the on-disk layout of the bot from viper
// configuration, with working-directory defaults matching what operators
// already deploy: a BBFiles tree for attachments and a state dir for
// conversation snapshots.
package statepaths

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	defaultStateDir  = "state"
	defaultFilesRoot = "BBFiles"
	defaultDBPath    = "TasksDataBase.db"
)

func StateDir() string {
	return resolveDir(viper.GetString("state.dir"), defaultStateDir)
}

func SessionsDir() string {
	return filepath.Join(StateDir(), "sessions")
}

func LocksDir() string {
	return filepath.Join(StateDir(), ".locks")
}

// FilesRoot is the attachment tree: <root>/<yyyy-mm-dd>/<task-id>/... with
// per-day Logs/ subdirectories and the failed_tasks area.
func FilesRoot() string {
	return resolveDir(viper.GetString("files.root"), defaultFilesRoot)
}

func FailedTasksDir() string {
	return filepath.Join(FilesRoot(), "failed_tasks")
}

func DBPath() string {
	if p := strings.TrimSpace(viper.GetString("db.path")); p != "" {
		return expandHome(p)
	}
	return defaultDBPath
}

func RoutingPath() string {
	if p := strings.TrimSpace(viper.GetString("routing.file")); p != "" {
		return expandHome(p)
	}
	return "routing.yaml"
}

func InstructionPath() string {
	if p := strings.TrimSpace(viper.GetString("instruction.file")); p != "" {
		return expandHome(p)
	}
	return "instruction.txt"
}

func resolveDir(configured, fallback string) string {
	dir := strings.TrimSpace(configured)
	if dir == "" {
		dir = fallback
	}
	return expandHome(dir)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return filepath.Clean(path)
}
