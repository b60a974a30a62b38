package sqlite

import (
	"context"
	"time"

	llmux "github.com/eugener/llmux/internal"
)

// InsertPromptLogs writes the batch in one transaction.
func (s *Store) InsertPromptLogs(ctx context.Context, logs []llmux.PromptLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO prompt_logs (request_id, user_token, service, model, family, prompt, completion, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, l := range logs {
		created := l.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			l.RequestID, l.UserToken, string(l.Service), l.Model, string(l.Family),
			l.Prompt, l.Completion, created.UTC().Format(time.RFC3339),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CountPromptLogs returns the number of stored prompt logs for a user.
func (s *Store) CountPromptLogs(ctx context.Context, userToken string) (int, error) {
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM prompt_logs WHERE user_token = ?`, userToken,
	).Scan(&n)
	return n, err
}
