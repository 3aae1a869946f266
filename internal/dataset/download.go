package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
)

// Download fetches the archives listed in Files from baseURL into dir.
// Archives already present are skipped.
func Download(ctx context.Context, dir, baseURL string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Minute).
		SetRetryCount(2)

	for _, name := range Files {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}

		slog.Info("downloading dataset file", "file", name, "base_url", baseURL)

		res, err := client.R().
			SetContext(ctx).
			Get(name)
		if err != nil {
			return fmt.Errorf("download %s: %w", name, err)
		}

		if !res.IsSuccess() {
			return fmt.Errorf("download %s: unexpected status %d", name, res.StatusCode())
		}

		tmp := path + ".part"
		if err := os.WriteFile(tmp, res.Body(), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}

		if err := os.Rename(tmp, path); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}

	return nil
}
