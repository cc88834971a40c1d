// Package review drives the action chain on delivered task messages:
// accept → complete → approve, with delete available while unclaimed.
package review

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Action string

const (
	ActionAccept   Action = "accept"
	ActionDelete   Action = "delete"
	ActionComplete Action = "complete"
	ActionApprove  Action = "approve"
)

var ErrUnknownCallback = errors.New("review: unknown callback")

// Callback is the decoded button payload: a tagged action plus the task it
// targets. All parsing of callback-data strings happens here, at the
// boundary, and nowhere else.
type Callback struct {
	Action Action
	TaskID int64
}

func (c Callback) Encode() string {
	return fmt.Sprintf("%s:%d", c.Action, c.TaskID)
}

func Decode(data string) (Callback, error) {
	action, rawID, ok := strings.Cut(data, ":")
	if !ok {
		return Callback{}, fmt.Errorf("%w: %q", ErrUnknownCallback, data)
	}
	switch Action(action) {
	case ActionAccept, ActionDelete, ActionComplete, ActionApprove:
	default:
		return Callback{}, fmt.Errorf("%w: %q", ErrUnknownCallback, data)
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return Callback{}, fmt.Errorf("%w: bad task id in %q", ErrUnknownCallback, data)
	}
	return Callback{Action: Action(action), TaskID: id}, nil
}

// IsReviewCallback reports whether the raw callback data belongs to this
// package, so the runtime can route between review and wizard callbacks.
func IsReviewCallback(data string) bool {
	_, err := Decode(data)
	return err == nil
}
