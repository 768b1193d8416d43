package ytdlp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/bigkaa/chankeeper/internal/domain/model"
	"github.com/bigkaa/chankeeper/internal/repository"
	"github.com/bigkaa/chankeeper/internal/storage/mediastore"
)

// fakeRunner — yt-dlp с функцией-полем.
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	fn    func(args []string) ([]byte, error)
}

func (r *fakeRunner) Run(_ context.Context, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, args)
	r.mu.Unlock()
	return r.fn(args)
}

// memItems — in-memory ItemRepository.
type memItems struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]*model.Item
}

func newMemItems() *memItems { return &memItems{items: make(map[int64]*model.Item)} }

func (m *memItems) Create(_ context.Context, it *model.Item) (*model.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cp := *it
	cp.ID = m.nextID
	m.items[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memItems) GetByExternalID(_ context.Context, sourceID int64, externalID string) (*model.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if it.SourceID == sourceID && it.ExternalID == externalID {
			cp := *it
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memItems) Update(_ context.Context, it *model.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[it.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *it
	m.items[it.ID] = &cp
	return nil
}

func (m *memItems) ListOnDisk(context.Context, int64) ([]model.Item, error) { return nil, nil }

func (m *memItems) MarkEvicted(context.Context, int64, time.Time) error { return nil }

func (m *memItems) Stats(context.Context, int64) (int, int, error) { return 0, 0, nil }

func (m *memItems) byExternal(id string) *model.Item {
	it, err := m.GetByExternalID(context.Background(), 1, id)
	if err != nil {
		return nil
	}
	return it
}

type testEnv struct {
	fs     afero.Fs
	items  *memItems
	runner *fakeRunner
	dl     *Downloader
}

func newTestEnv(t *testing.T, fn func(fs afero.Fs, args []string) ([]byte, error)) *testEnv {
	t.Helper()
	fs := afero.NewMemMapFs()
	store, err := mediastore.New(fs, "/media")
	if err != nil {
		t.Fatalf("mediastore.New: %v", err)
	}
	env := &testEnv{fs: fs, items: newMemItems()}
	env.runner = &fakeRunner{fn: func(args []string) ([]byte, error) { return fn(fs, args) }}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.dl = NewDownloader(env.runner, env.items, store, nil, logger)
	return env
}

const testPlaylist = `{"id":"UC1","title":"Lectures","entries":[
	{"id":"a","title":"A","url":"https://www.youtube.com/watch?v=a"},
	{"id":"b","title":"B"},
	{"id":"","title":"broken"},
	{"id":"c","title":"C","timestamp":1767225600}
]}`

// argAfter возвращает значение флага или пустую строку.
func argAfter(args []string, flag string) string {
	for i := range args[:len(args)-1] {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func isEnumerate(args []string) bool { return args[0] == "--flat-playlist" }

// writeMedia пишет файл элемента туда, куда указывает -P.
func writeMedia(fs afero.Fs, args []string) string {
	url := args[len(args)-1]
	id := url[strings.LastIndex(url, "=")+1:]
	_ = afero.WriteFile(fs, filepath.Join(argAfter(args, "-P"), id+".mp4"), []byte("video"), 0o644)
	return id
}

func testSource() *model.Source {
	return &model.Source{ID: 1, URL: "https://www.youtube.com/@lectures", Cap: 10, Enabled: true}
}

func TestFetchNew_DownloadsNewAndSkipsKnown(t *testing.T) {
	env := newTestEnv(t, func(fs afero.Fs, args []string) ([]byte, error) {
		if isEnumerate(args) {
			return []byte(testPlaylist), nil
		}
		id := writeMedia(fs, args)
		return []byte(`[download] Destination: x` + "\n" +
			`{"id":"` + id + `","title":"Full ` + id + `","upload_date":"20260301"}`), nil
	})
	if _, err := env.items.Create(context.Background(), &model.Item{
		SourceID: 1, ExternalID: "a", Status: model.ItemCompleted, ExistsOnDisk: true, FilePath: "1/a",
	}); err != nil {
		t.Fatal(err)
	}

	res, err := env.dl.FetchNew(context.Background(), testSource())
	if err != nil {
		t.Fatalf("FetchNew: %v", err)
	}
	if res.ItemsFound != 3 || res.ItemsFetched != 2 || res.ItemsSkipped != 1 {
		t.Errorf("результат: %+v, ожидается found=3 fetched=2 skipped=1", res)
	}

	b := env.items.byExternal("b")
	if b == nil || b.Status != model.ItemCompleted || !b.ExistsOnDisk {
		t.Fatalf("элемент b: %+v", b)
	}
	if b.FilePath != filepath.Join("1", "b") || b.Title != "Full b" {
		t.Errorf("элемент b: path=%s title=%s", b.FilePath, b.Title)
	}
	if b.ProducedAt == nil || !b.ProducedAt.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("produced_at элемента b: %v", b.ProducedAt)
	}

	enum := env.runner.calls[0]
	if argAfter(enum, "--playlist-end") != "10" || enum[len(enum)-1] != testSource().URL {
		t.Errorf("аргументы перечисления: %v", enum)
	}
	if len(env.runner.calls) != 3 {
		t.Errorf("вызовов yt-dlp: хотели 3, получили %d", len(env.runner.calls))
	}
}

func TestFetchNew_EvictedNotRedownloaded(t *testing.T) {
	env := newTestEnv(t, func(_ afero.Fs, args []string) ([]byte, error) {
		if isEnumerate(args) {
			return []byte(`{"entries":[{"id":"a"}]}`), nil
		}
		t.Error("вытесненный элемент скачан повторно")
		return nil, nil
	})
	removed := time.Now()
	if _, err := env.items.Create(context.Background(), &model.Item{
		SourceID: 1, ExternalID: "a", Status: model.ItemCompleted, RemovedAt: &removed,
	}); err != nil {
		t.Fatal(err)
	}

	res, err := env.dl.FetchNew(context.Background(), testSource())
	if err != nil || res.ItemsSkipped != 1 {
		t.Errorf("FetchNew = %+v, %v", res, err)
	}
}

func TestFetchNew_AllFailed(t *testing.T) {
	env := newTestEnv(t, func(fs afero.Fs, args []string) ([]byte, error) {
		if isEnumerate(args) {
			return []byte(`{"entries":[{"id":"a"},{"id":"b"}]}`), nil
		}
		// Частичный файл остаётся от прерванной загрузки
		_ = afero.WriteFile(fs, filepath.Join(argAfter(args, "-P"), "x.mp4.part"), []byte("x"), 0o644)
		return nil, &RunError{ExitCode: 1, Stderr: "ERROR: HTTP Error 503: Service Unavailable"}
	})

	res, err := env.dl.FetchNew(context.Background(), testSource())
	if err == nil {
		t.Fatal("ожидалась ошибка: не скачано ни одного элемента")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("ошибка должна содержать stderr yt-dlp: %v", err)
	}
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Errorf("ошибка не оборачивает RunError: %v", err)
	}
	if res.ItemsFound != 2 || res.ItemsFetched != 0 {
		t.Errorf("результат: %+v", res)
	}

	a := env.items.byExternal("a")
	if a.Status != model.ItemFailed || a.ErrorMessage == "" || a.ExistsOnDisk {
		t.Errorf("элемент a: %+v", a)
	}
	if ok, _ := afero.DirExists(env.fs, "/media/1/a"); ok {
		t.Error("каталог неудачной загрузки не удалён")
	}
}

func TestFetchNew_PartialSuccess(t *testing.T) {
	env := newTestEnv(t, func(fs afero.Fs, args []string) ([]byte, error) {
		if isEnumerate(args) {
			return []byte(`{"entries":[{"id":"a"},{"id":"b"}]}`), nil
		}
		if strings.HasSuffix(args[len(args)-1], "=a") {
			return nil, &RunError{ExitCode: 1, Stderr: "ERROR: Private video"}
		}
		writeMedia(fs, args)
		return nil, nil
	})

	res, err := env.dl.FetchNew(context.Background(), testSource())
	if err != nil {
		t.Fatalf("частичный успех не должен быть ошибкой: %v", err)
	}
	if res.ItemsFetched != 1 {
		t.Errorf("ItemsFetched: хотели 1, получили %d", res.ItemsFetched)
	}
}

func TestFetchNew_RetriesFailedItem(t *testing.T) {
	env := newTestEnv(t, func(fs afero.Fs, args []string) ([]byte, error) {
		if isEnumerate(args) {
			return []byte(`{"entries":[{"id":"a"}]}`), nil
		}
		writeMedia(fs, args)
		return nil, nil
	})
	if _, err := env.items.Create(context.Background(), &model.Item{
		SourceID: 1, ExternalID: "a", Status: model.ItemFailed, ErrorMessage: "timeout",
	}); err != nil {
		t.Fatal(err)
	}

	res, err := env.dl.FetchNew(context.Background(), testSource())
	if err != nil || res.ItemsFetched != 1 {
		t.Fatalf("FetchNew = %+v, %v", res, err)
	}
	if a := env.items.byExternal("a"); a.Status != model.ItemCompleted || a.ErrorMessage != "" {
		t.Errorf("элемент a: %+v", a)
	}
}

func TestFetchNew_NoFilesWritten(t *testing.T) {
	env := newTestEnv(t, func(_ afero.Fs, args []string) ([]byte, error) {
		if isEnumerate(args) {
			return []byte(`{"entries":[{"id":"a"}]}`), nil
		}
		return []byte(`{"id":"a"}`), nil
	})

	if _, err := env.dl.FetchNew(context.Background(), testSource()); err == nil {
		t.Error("загрузка без файлов должна считаться неудачной")
	}
}

func TestFetchNew_EnumerateErrors(t *testing.T) {
	tests := []struct {
		name string
		out  string
		err  error
	}{
		{"ошибка процесса", "", &RunError{ExitCode: 1, Stderr: "ERROR: This channel does not exist"}},
		{"пустой ответ", "  ", nil},
		{"не JSON", "<html>", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(afero.Fs, []string) ([]byte, error) {
				return []byte(tt.out), tt.err
			})
			if _, err := env.dl.FetchNew(context.Background(), testSource()); err == nil {
				t.Error("ожидалась ошибка перечисления")
			}
		})
	}
}

func TestFetchNew_CapTruncates(t *testing.T) {
	env := newTestEnv(t, func(fs afero.Fs, args []string) ([]byte, error) {
		if isEnumerate(args) {
			return []byte(`{"entries":[{"id":"a"},{"id":"b"},{"id":"c"}]}`), nil
		}
		writeMedia(fs, args)
		return nil, nil
	})
	src := testSource()
	src.Cap = 2

	res, err := env.dl.FetchNew(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if res.ItemsFound != 2 || env.items.byExternal("c") != nil {
		t.Errorf("обработано сверх cap: %+v", res)
	}
}

func TestProducedAt(t *testing.T) {
	ts := int64(1767225600)
	tests := []struct {
		name string
		e    entry
		want *time.Time
	}{
		{"upload_date", entry{UploadDate: "20260301"}, ptr(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))},
		{"timestamp", entry{Timestamp: &ts}, ptr(time.Unix(ts, 0).UTC())},
		{"некорректная дата", entry{UploadDate: "NA"}, nil},
		{"нет даты", entry{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := producedAt(tt.e)
			if (got == nil) != (tt.want == nil) || (got != nil && !got.Equal(*tt.want)) {
				t.Errorf("producedAt = %v, ожидается %v", got, tt.want)
			}
		})
	}
}

func TestNewLimiter(t *testing.T) {
	if l := NewLimiter(0, 0); l.Limit() != rateInf() {
		t.Errorf("0 — без ограничения, получили %v", l.Limit())
	}
	if l := NewLimiter(0.5, 0); l.Burst() != 1 || float64(l.Limit()) != 0.5 {
		t.Errorf("лимит 0.5/с: limit=%v burst=%d", l.Limit(), l.Burst())
	}
}

func ptr(t time.Time) *time.Time { return &t }
