package dispatch

import (
	"context"
	"log/slog"
	"strings"

	"github.com/taskweave/taskweave/pkg/llm"
	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

// File context bounds. Files ride along at execution time only and are
// never persisted on the task.
const (
	maxImageAttachments = 5
	maxFileBytes        = 20 << 20
)

var allowedImageMIME = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// FileFetcher retrieves a referenced file's bytes from the external file
// service.
type FileFetcher interface {
	Fetch(ctx context.Context, ref models.FileReference) ([]byte, error)
}

// loadAttachments materializes the task's file references for one agent
// call. Oversized files fail the step; unsupported image formats and images
// past the cap are dropped with a warning rather than failing the run.
func loadAttachments(ctx context.Context, fetcher FileFetcher, task *models.Task, log *slog.Logger) ([]llm.Attachment, error) {
	refs := task.Constraints.FileReferences
	if fetcher == nil || len(refs) == 0 {
		return nil, nil
	}

	var out []llm.Attachment
	images := 0
	for _, ref := range refs {
		if ref.SizeByte > maxFileBytes {
			return nil, taskerr.New(taskerr.KindInvalidInput,
				"file %s exceeds the %d byte limit", ref.FileID, maxFileBytes)
		}
		isImage := allowedImageMIME[ref.MimeType]
		if !isImage && strings.HasPrefix(ref.MimeType, "image/") {
			log.Warn("Dropping unsupported image attachment",
				"task_id", task.ID, "file_id", ref.FileID, "mime_type", ref.MimeType)
			continue
		}
		if isImage {
			if images >= maxImageAttachments {
				log.Warn("Dropping image attachment past the cap",
					"task_id", task.ID, "file_id", ref.FileID)
				continue
			}
			images++
		}

		data, err := fetcher.Fetch(ctx, ref)
		if err != nil {
			// A file deleted since planning is skipped, not fatal.
			if taskerr.IsKind(err, taskerr.KindNotFound) {
				log.Warn("Skipping deleted file reference",
					"task_id", task.ID, "file_id", ref.FileID)
				continue
			}
			return nil, taskerr.Wrap(taskerr.KindNetwork, err,
				"failed to fetch file %s", ref.FileID)
		}
		if int64(len(data)) > maxFileBytes {
			return nil, taskerr.New(taskerr.KindInvalidInput,
				"file %s exceeds the %d byte limit", ref.FileID, maxFileBytes)
		}
		out = append(out, llm.Attachment{
			Name:     ref.Name,
			MIMEType: ref.MimeType,
			Data:     data,
		})
	}
	return out, nil
}
