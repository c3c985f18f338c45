// Package artifact 管理每个分析在磁盘上的产物目录。
//
// 目录布局：
//
//	<root>/<analysis_id>/raw_data.xlsx
//	<root>/<analysis_id>/financial_collector.gob
//	<root>/<analysis_id>/sections/section_NN.html
package artifact

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Kind 产物类型
type Kind int

const (
	RawData Kind = iota
	Snapshot
	SectionsDir
)

const (
	rawDataFile  = "raw_data.xlsx"
	snapshotFile = "financial_collector.gob"
	sectionsDir  = "sections"
)

var ErrInvalidAnalysisID = errors.New("非法的分析ID")

// Store 产物存储，根目录下每个分析一个子目录
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root 返回根目录
func (s *Store) Root() string {
	return s.root
}

// Dir 返回分析的产物目录
func (s *Store) Dir(analysisID string) string {
	return filepath.Join(s.root, analysisID)
}

// Path 返回指定产物的路径
func (s *Store) Path(analysisID string, kind Kind) string {
	switch kind {
	case RawData:
		return filepath.Join(s.Dir(analysisID), rawDataFile)
	case Snapshot:
		return filepath.Join(s.Dir(analysisID), snapshotFile)
	default:
		return filepath.Join(s.Dir(analysisID), sectionsDir)
	}
}

// SectionPath 章节 HTML 路径
func (s *Store) SectionPath(analysisID string, number int) string {
	return filepath.Join(s.Path(analysisID, SectionsDir), fmt.Sprintf("section_%02d.html", number))
}

// Exists 判断产物是否存在
func (s *Store) Exists(analysisID string, kind Kind) bool {
	info, err := os.Stat(s.Path(analysisID, kind))
	if err != nil {
		return false
	}
	if kind == SectionsDir {
		return info.IsDir()
	}
	return info.Mode().IsRegular()
}

// CollectionReady Phase A 的两个产物是否都存在
func (s *Store) CollectionReady(analysisID string) bool {
	return s.Exists(analysisID, RawData) && s.Exists(analysisID, Snapshot)
}

// Ensure 创建分析目录及 sections 子目录
func (s *Store) Ensure(analysisID string) error {
	if err := validateID(analysisID); err != nil {
		return err
	}
	return os.MkdirAll(s.Path(analysisID, SectionsDir), 0o755)
}

// ClearSections 删除 sections 目录下的全部文件，返回删除的文件数
func (s *Store) ClearSections(analysisID string) (int, error) {
	if err := validateID(analysisID); err != nil {
		return 0, err
	}
	dir := s.Path(analysisID, SectionsDir)
	count, err := countFiles(dir)
	if err != nil {
		return 0, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return count, err
	}
	return count, nil
}

// Reset 删除整个分析目录后重建空目录，返回删除的文件数
func (s *Store) Reset(analysisID string) (int, error) {
	count, err := s.Remove(analysisID)
	if err != nil {
		return count, err
	}
	return count, s.Ensure(analysisID)
}

// Remove 删除整个分析目录，目录不存在时返回 0
func (s *Store) Remove(analysisID string) (int, error) {
	if err := validateID(analysisID); err != nil {
		return 0, err
	}
	dir := s.Dir(analysisID)
	count, err := countFiles(dir)
	if err != nil {
		return 0, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, err
	}
	return count, nil
}

// ListAnalysisDirs 列出根目录下全部分析目录名
func (s *Store) ListAnalysisDirs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// WriteAtomic 先写临时文件再 rename，失败时不留下任何文件
func WriteAtomic(path string, write func(w io.Writer) error) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = write(tmp); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func countFiles(dir string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return count, err
}

func validateID(analysisID string) error {
	if analysisID == "" || analysisID == "." || analysisID == ".." ||
		filepath.Base(analysisID) != analysisID {
		return ErrInvalidAnalysisID
	}
	return nil
}
