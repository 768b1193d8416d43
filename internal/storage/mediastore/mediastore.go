// Пакет mediastore — каталоги элементов архива на диске.
// Раскладка: {root}/{source_id}/{external_id}/. Работает поверх afero.Fs,
// в тестах — поверх afero.NewMemMapFs.
package mediastore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// MediaStore — управление каталогами элементов архива.
type MediaStore struct {
	// root — корневая директория архива (CK_MEDIA_DIR)
	root string
	// fs — файловая система, ограниченная root
	fs afero.Fs
}

// New создаёт MediaStore поверх base. Создаёт корневую директорию,
// если она не существует.
func New(base afero.Fs, root string) (*MediaStore, error) {
	if err := base.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию архива %s: %w", root, err)
	}

	return &MediaStore{
		root: root,
		fs:   afero.NewBasePathFs(base, root),
	}, nil
}

// NewOS создаёт MediaStore на локальном диске.
func NewOS(root string) (*MediaStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("некорректный путь архива %s: %w", root, err)
	}
	return New(afero.NewOsFs(), abs)
}

// ItemDir возвращает относительный путь каталога элемента.
func ItemDir(sourceID int64, externalID string) string {
	return filepath.Join(strconv.FormatInt(sourceID, 10), sanitize(externalID))
}

// Prepare создаёт каталог элемента и возвращает его относительный путь.
func (s *MediaStore) Prepare(sourceID int64, externalID string) (string, error) {
	rel := ItemDir(sourceID, externalID)
	if err := s.fs.MkdirAll(rel, 0o750); err != nil {
		return "", fmt.Errorf("ошибка создания каталога %s: %w", rel, err)
	}
	return rel, nil
}

// FullPath возвращает абсолютный путь на диске для относительного пути.
func (s *MediaStore) FullPath(rel string) string {
	return filepath.Join(s.root, rel)
}

// Remove удаляет каталог или файл элемента вместе с содержимым.
// Возвращает nil, если путь уже не существует.
func (s *MediaStore) Remove(rel string) error {
	if rel == "" || filepath.Clean(rel) == "." {
		return fmt.Errorf("пустой путь элемента")
	}
	if err := s.fs.RemoveAll(rel); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления %s: %w", rel, err)
	}
	return nil
}

// Exists проверяет существование пути.
func (s *MediaStore) Exists(rel string) bool {
	ok, err := afero.Exists(s.fs, rel)
	return err == nil && ok
}

// Files возвращает завершённые файлы каталога элемента.
// Временные файлы загрузчика (.part, .ytdl, .tmp) пропускаются.
func (s *MediaStore) Files(rel string) ([]string, error) {
	entries, err := afero.ReadDir(s.fs, rel)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения каталога %s: %w", rel, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || isPartial(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(rel, e.Name()))
	}
	return files, nil
}

// Size возвращает суммарный размер файлов по пути.
func (s *MediaStore) Size(rel string) (int64, error) {
	var total int64
	err := afero.Walk(s.fs, rel, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта размера %s: %w", rel, err)
	}
	return total, nil
}

// Root возвращает корневую директорию архива.
func (s *MediaStore) Root() string {
	return s.root
}

func isPartial(name string) bool {
	for _, suffix := range []string{".part", ".ytdl", ".tmp"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// sanitize убирает небезопасные символы из идентификатора.
// Оставляет только буквы, цифры, дефис и подчёркивание.
func sanitize(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	if result.Len() == 0 {
		return "item"
	}
	return result.String()
}
