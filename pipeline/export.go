package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-offers/models"
)

// ErrAlreadyExported is returned when a mapping is exported twice.
var ErrAlreadyExported = errors.New("pipeline: mapping already exported")

// Exporter persists the final shop to price mapping. Export receives the
// deduplicated mapping exactly once; Close commits or discards it.
type Exporter interface {
	Export(shops []models.ShopPrice) error
	Close() error
}

type encodeFunc func(w io.Writer, shops []models.ShopPrice) error

// FileExporter stages the export in a hidden temporary file next to the
// target and renames it into place on Close. A run that never exports, or
// fails halfway, leaves any previous file at the target untouched.
type FileExporter struct {
	mu     sync.Mutex
	path   string
	tmp    *os.File
	encode encodeFunc
	done   bool // Export was called
	ok     bool // Export succeeded
}

// NewCSVExporter exports to a CSV file with a shop, price, price_known and
// scraped_at column. An unknown price is an empty cell with price_known false.
func NewCSVExporter(path string) (*FileExporter, error) {
	return newFileExporter(path, encodeCSV)
}

// NewJSONLExporter exports one JSON object per shop; an unknown price is null.
func NewJSONLExporter(path string) (*FileExporter, error) {
	return newFileExporter(path, encodeJSONL)
}

func newFileExporter(path string, encode encodeFunc) (*FileExporter, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", path, err)
	}
	return &FileExporter{path: path, tmp: tmp, encode: encode}, nil
}

// Path is the file the export is committed to.
func (e *FileExporter) Path() string {
	return e.path
}

func (e *FileExporter) Export(shops []models.ShopPrice) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done {
		return ErrAlreadyExported
	}
	e.done = true
	if e.tmp == nil {
		return fmt.Errorf("export %s: exporter closed", e.path)
	}

	buf := bufio.NewWriter(e.tmp)
	if err := e.encode(buf, shops); err != nil {
		return fmt.Errorf("encode %s: %w", e.path, err)
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", e.path, err)
	}
	e.ok = true
	return nil
}

// Close renames a successful export into place and drops anything else.
func (e *FileExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tmp == nil {
		return nil
	}
	staged := e.tmp.Name()
	err := e.tmp.Close()
	e.tmp = nil
	if err != nil || !e.ok {
		os.Remove(staged)
		return err
	}
	if err := os.Rename(staged, e.path); err != nil {
		os.Remove(staged)
		return fmt.Errorf("commit %s: %w", e.path, err)
	}
	return nil
}

func encodeCSV(w io.Writer, shops []models.ShopPrice) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"shop", "price", "price_known", "scraped_at"}); err != nil {
		return err
	}
	for _, shop := range shops {
		price := ""
		if shop.Price != nil {
			price = strconv.FormatFloat(*shop.Price, 'f', -1, 64)
		}
		record := []string{
			shop.Shop,
			price,
			strconv.FormatBool(shop.Price != nil),
			shop.ScrapedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func encodeJSONL(w io.Writer, shops []models.ShopPrice) error {
	enc := json.NewEncoder(w)
	for _, shop := range shops {
		if err := enc.Encode(shop); err != nil {
			return err
		}
	}
	return nil
}

// MultiExporter fans one mapping out to several exporters. Every exporter
// is attempted; failures are joined.
type MultiExporter []Exporter

func (m MultiExporter) Export(shops []models.ShopPrice) error {
	var errs []error
	for _, e := range m {
		errs = append(errs, e.Export(shops))
	}
	return errors.Join(errs...)
}

func (m MultiExporter) Close() error {
	var errs []error
	for _, e := range m {
		errs = append(errs, e.Close())
	}
	return errors.Join(errs...)
}
