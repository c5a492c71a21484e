package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"campusattend/internal/lecture"
	"campusattend/internal/offline"
	"campusattend/internal/qr"
)

func putLecture(ctx context.Context, dir *lecture.Directory, in io.Reader) (lecture.Lecture, error) {
	var l lecture.Lecture
	if err := json.NewDecoder(in).Decode(&l); err != nil {
		return l, fmt.Errorf("decode lecture: %w", err)
	}
	if l.ID == "" {
		return l, errors.New("lecture id is required")
	}
	if l.Classroom.Radius <= 0 {
		return l, errors.New("classroom radius must be positive")
	}
	return l, dir.Put(ctx, l)
}

func qrPayload(lectureID, sessionID string, ttl time.Duration, key string, now time.Time) (string, error) {
	tok := qr.Token{LectureID: lectureID, SessionID: sessionID, IssuedAt: now, ExpiresAt: now.Add(ttl)}
	if key == "" {
		return qr.Encode(tok), nil
	}
	return qr.Sign(tok, []byte(key))
}

func listDeadLetters(ctx context.Context, path string, out io.Writer) error {
	spool, err := offline.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer spool.Close()
	recs, err := spool.DeadLetters(ctx)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "no dead letters")
		return nil
	}
	return printJSON(out, recs)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
