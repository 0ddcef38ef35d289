package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// JobCursor points at the last job of a page; the next page starts below its seq
type JobCursor struct {
	Seq   int64
	JobID string
}

func DecodeJobCursor(cursorStr string) (*JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.Split(string(decoded), "|")
	if len(decodedParts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var seq int64
	if _, err := fmt.Sscanf(decodedParts[0], "%d", &seq); err != nil {
		return nil, fmt.Errorf("invalid seq in cursor: %w", err)
	}
	if seq <= 0 {
		return nil, fmt.Errorf("invalid seq in cursor: %d", seq)
	}

	return &JobCursor{Seq: seq, JobID: decodedParts[1]}, nil
}

func EncodeJobCursor(cursor *JobCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.Seq, cursor.JobID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
