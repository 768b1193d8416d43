// downloader.go — загрузка новых элементов источника через yt-dlp.
//
// Порядок для источника:
//  1. Перечисление последних src.Cap записей (--flat-playlist -J --playlist-end).
//  2. Уже загруженные элементы пропускаются.
//  3. Новые скачиваются в {media}/{source_id}/{external_id}/ с паузами rate.Limiter.
//
// Ошибка возвращается, если перечисление не удалось или не скачан ни один
// из новых элементов. Частичный успех — результат без ошибки.
package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bigkaa/chankeeper/internal/domain/model"
	"github.com/bigkaa/chankeeper/internal/repository"
	"github.com/bigkaa/chankeeper/internal/storage/mediastore"
)

// uploadDateLayout — формат upload_date в JSON yt-dlp.
const uploadDateLayout = "20060102"

// outputTemplate — имя файла внутри каталога элемента.
const outputTemplate = "%(id)s.%(ext)s"

// Downloader реализует service.Downloader поверх yt-dlp.
type Downloader struct {
	runner  Runner
	items   repository.ItemRepository
	store   *mediastore.MediaStore
	limiter *rate.Limiter
	now     func() time.Time
	logger  *slog.Logger
}

// NewDownloader создаёт загрузчик. limiter == nil — без ограничения темпа.
func NewDownloader(
	runner Runner,
	items repository.ItemRepository,
	store *mediastore.MediaStore,
	limiter *rate.Limiter,
	logger *slog.Logger,
) *Downloader {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Downloader{
		runner:  runner,
		items:   items,
		store:   store,
		limiter: limiter,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With(slog.String("component", "ytdlp")),
	}
}

// NewLimiter создаёт ограничитель темпа загрузок: perSecond элементов в секунду.
// perSecond <= 0 — без ограничения.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// playlist — ответ yt-dlp --flat-playlist -J.
type playlist struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Entries []entry `json:"entries"`
}

type entry struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	UploadDate string `json:"upload_date"`
	Timestamp  *int64 `json:"timestamp"`
}

// FetchNew скачивает новые элементы источника.
func (d *Downloader) FetchNew(ctx context.Context, src *model.Source) (model.FetchResult, error) {
	var res model.FetchResult

	entries, err := d.enumerate(ctx, src)
	if err != nil {
		return res, err
	}
	res.ItemsFound = len(entries)

	var (
		failed  int
		lastErr error
	)
	for _, e := range entries {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		item, known, err := d.lookup(ctx, src.ID, e)
		if err != nil {
			return res, err
		}
		if known {
			res.ItemsSkipped++
			continue
		}

		if err := d.limiter.Wait(ctx); err != nil {
			return res, fmt.Errorf("ожидание лимита загрузок: %w", err)
		}
		if err := d.fetchItem(ctx, src, item, e); err != nil {
			failed++
			lastErr = err
			continue
		}
		res.ItemsFetched++
	}

	if res.ItemsFetched == 0 && failed > 0 {
		return res, fmt.Errorf("не скачано ни одного из %d новых элементов: %w", failed, lastErr)
	}
	return res, nil
}

// enumerate возвращает последние src.Cap записей источника.
func (d *Downloader) enumerate(ctx context.Context, src *model.Source) ([]entry, error) {
	out, err := d.runner.Run(ctx,
		"--flat-playlist", "-J",
		"--playlist-end", fmt.Sprintf("%d", src.Cap),
		src.URL,
	)
	if err != nil {
		return nil, fmt.Errorf("перечисление источника %d: %w", src.ID, err)
	}
	if len(bytes.TrimSpace(out)) == 0 {
		return nil, fmt.Errorf("перечисление источника %d: пустой ответ yt-dlp", src.ID)
	}

	var pl playlist
	if err := json.Unmarshal(out, &pl); err != nil {
		return nil, fmt.Errorf("разбор ответа yt-dlp для источника %d: %w", src.ID, err)
	}

	entries := make([]entry, 0, len(pl.Entries))
	for _, e := range pl.Entries {
		e.ID = strings.TrimSpace(e.ID)
		if e.ID == "" {
			continue
		}
		entries = append(entries, e)
	}
	if len(entries) > src.Cap {
		entries = entries[:src.Cap]
	}
	return entries, nil
}

// lookup находит или создаёт элемент. known == true — элемент уже скачан.
func (d *Downloader) lookup(ctx context.Context, sourceID int64, e entry) (*model.Item, bool, error) {
	item, err := d.items.GetByExternalID(ctx, sourceID, e.ID)
	switch {
	case err == nil:
		// Вытесненный элемент повторно не скачивается
		if item.Status == model.ItemCompleted {
			return item, true, nil
		}
		return item, false, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, false, fmt.Errorf("поиск элемента %s: %w", e.ID, err)
	}

	item, err = d.items.Create(ctx, &model.Item{
		SourceID:   sourceID,
		ExternalID: e.ID,
		Title:      e.Title,
		Status:     model.ItemPending,
		ProducedAt: producedAt(e),
	})
	if err != nil {
		return nil, false, fmt.Errorf("создание элемента %s: %w", e.ID, err)
	}
	return item, false, nil
}

// fetchItem скачивает один элемент и сохраняет его состояние.
func (d *Downloader) fetchItem(ctx context.Context, src *model.Source, item *model.Item, e entry) error {
	bctx := context.WithoutCancel(ctx)

	rel, err := d.store.Prepare(src.ID, e.ID)
	if err != nil {
		return d.fail(bctx, item, "", err)
	}

	item.Status = model.ItemFetching
	item.ErrorMessage = ""
	if err := d.items.Update(ctx, item); err != nil {
		return fmt.Errorf("обновление элемента %s: %w", e.ID, err)
	}

	out, err := d.runner.Run(ctx,
		"--no-playlist",
		"--no-progress",
		"--restrict-filenames",
		"--no-simulate", "-j",
		"-P", d.store.FullPath(rel),
		"-o", outputTemplate,
		videoURL(e),
	)
	if err != nil {
		return d.fail(bctx, item, rel, err)
	}

	files, err := d.store.Files(rel)
	if err != nil {
		return d.fail(bctx, item, rel, err)
	}
	if len(files) == 0 {
		return d.fail(bctx, item, rel, fmt.Errorf("yt-dlp не создал файлов для %s", e.ID))
	}

	meta := lastJSON(out)
	if meta.Title != "" {
		item.Title = meta.Title
	}
	if t := producedAt(meta); t != nil {
		item.ProducedAt = t
	}
	item.Status = model.ItemCompleted
	item.ExistsOnDisk = true
	item.FilePath = rel
	if err := d.items.Update(bctx, item); err != nil {
		return fmt.Errorf("сохранение элемента %s: %w", e.ID, err)
	}

	d.logger.Info("Элемент скачан",
		slog.Int64("source_id", src.ID),
		slog.String("external_id", e.ID),
		slog.String("path", rel),
		slog.Int("files", len(files)),
	)
	return nil
}

// fail помечает элемент неудачным и удаляет частично скачанные файлы.
func (d *Downloader) fail(ctx context.Context, item *model.Item, rel string, cause error) error {
	if rel != "" {
		if err := d.store.Remove(rel); err != nil {
			d.logger.Warn("Ошибка удаления частичной загрузки",
				slog.String("path", rel),
				slog.String("error", err.Error()),
			)
		}
	}

	item.Status = model.ItemFailed
	item.ExistsOnDisk = false
	item.FilePath = ""
	item.ErrorMessage = model.TruncateError(cause.Error())
	if err := d.items.Update(ctx, item); err != nil {
		d.logger.Error("Ошибка сохранения статуса элемента",
			slog.Int64("item_id", item.ID),
			slog.String("error", err.Error()),
		)
	}

	d.logger.Warn("Элемент не скачан",
		slog.Int64("source_id", item.SourceID),
		slog.String("external_id", item.ExternalID),
		slog.String("error", cause.Error()),
	)
	return fmt.Errorf("элемент %s: %w", item.ExternalID, cause)
}

// producedAt — дата публикации из upload_date или timestamp.
func producedAt(e entry) *time.Time {
	if e.UploadDate != "" {
		if t, err := time.Parse(uploadDateLayout, e.UploadDate); err == nil {
			return &t
		}
	}
	if e.Timestamp != nil && *e.Timestamp > 0 {
		t := time.Unix(*e.Timestamp, 0).UTC()
		return &t
	}
	return nil
}

// lastJSON разбирает последнюю JSON-строку вывода -j.
func lastJSON(out []byte) entry {
	var e entry
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		if json.Unmarshal(line, &e) == nil {
			return e
		}
	}
	return entry{}
}

// videoURL — адрес элемента для загрузки.
func videoURL(e entry) string {
	if strings.HasPrefix(e.URL, "http://") || strings.HasPrefix(e.URL, "https://") {
		return e.URL
	}
	return "https://www.youtube.com/watch?v=" + e.ID
}
