package wizard

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Wizard callback tokens. Everything this package attaches to a button is
// prefixed "wz:" so the runtime can route between wizard and review presses
// without guessing.
const (
	cbPrefix = "wz:"

	CBNewTask     = cbPrefix + "new_task"
	CBFetchFiles  = cbPrefix + "fetch_files"
	CBUploadReply = cbPrefix + "upload_reply"
	CBGetLink     = cbPrefix + "get_link"
	CBCancel      = cbPrefix + "cancel"
	CBFilesYes    = cbPrefix + "files_yes"
	CBFilesNo     = cbPrefix + "files_no"
	CBFileMore    = cbPrefix + "file_more"
	CBFilesDone   = cbPrefix + "files_done"
	CBPublish     = cbPrefix + "publish"

	cbObjectPrefix = cbPrefix + "obj:"
)

var errNotWizardCallback = errors.New("wizard: not a wizard callback")

// IsWizardCallback reports whether the raw callback data belongs here.
func IsWizardCallback(data string) bool {
	return strings.HasPrefix(data, cbPrefix)
}

func objectCallback(idx int) string {
	return fmt.Sprintf("%s%d", cbObjectPrefix, idx)
}

// parseObjectIndex extracts the button index from an object-pick callback.
func parseObjectIndex(data string) (int, bool) {
	raw, ok := strings.CutPrefix(data, cbObjectPrefix)
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(raw)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}
