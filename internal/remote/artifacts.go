package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"burns/internal/models"
	"burns/internal/worker"
)

// WriteFile places a small control document on the worker, creating
// the parent directory as needed. Content travels as a quoted printf
// argument, so it must stay small; control documents are.
func WriteFile(ctx context.Context, t worker.Transport, w, filePath, content string) error {
	cmd := fmt.Sprintf("mkdir -p %s && printf '%%s' %s > %s",
		worker.ShellQuote(path.Dir(filePath)),
		worker.ShellQuote(content),
		worker.ShellQuote(filePath))
	if _, err := t.Exec(ctx, w, cmd); err != nil {
		return fmt.Errorf("writing %s on %s: %w", filePath, w, err)
	}
	return nil
}

// PushFeedback delivers an operator decision to a blocked job. The
// engine polls reports/human-feedback.json while waiting on a gate.
func PushFeedback(ctx context.Context, t worker.Transport, w, ctl string, fb *models.HumanFeedback) error {
	if fb.V == 0 {
		fb.V = models.FeedbackVersion
	}
	data, err := json.Marshal(fb)
	if err != nil {
		return err
	}
	return WriteFile(ctx, t, w, FeedbackPath(ctl), string(data))
}
