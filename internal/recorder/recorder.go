package recorder

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/gradsense/internal/frame"
)

// Recorder writes decoded frames to CSV files with automatic rotation.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	maxRows int
	enabled bool
	layout  frame.Layout
	now     func() time.Time

	file   *os.File
	writer *csv.Writer
	header []string
	rows   int
	path   string
}

// Config holds recorder configuration.
type Config struct {
	Enabled bool
	Path    string
	MaxRows int
	Layout  frame.Layout
}

const (
	defaultMaxRows = 100_000 // ~80 min at 20 Hz
)

var channelNames = []string{"x", "y", "z", "t"}

// New creates a new Recorder. Files are opened lazily on the first frame.
func New(cfg Config) *Recorder {
	if cfg.Path == "" {
		cfg.Path = "/var/log/gradsense"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if cfg.Layout.Values() == 0 {
		cfg.Layout = frame.DefaultLayout
	}
	return &Recorder{
		dir:     cfg.Path,
		maxRows: cfg.MaxRows,
		enabled: cfg.Enabled,
		layout:  cfg.Layout,
		now:     time.Now,
		header:  Header(cfg.Layout),
	}
}

// Header returns the CSV column names for a layout.
func Header(l frame.Layout) []string {
	h := []string{"received", "id", "timestamp_ms"}
	for n := 0; n < l.Nodes; n++ {
		for c := 0; c < l.Channels; c++ {
			name := strconv.Itoa(c)
			if c < len(channelNames) {
				name = channelNames[c]
			}
			h = append(h, fmt.Sprintf("n%d_%s", n, name))
		}
	}
	return h
}

// SetEnabled allows toggling recording at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on && r.file != nil {
		r.closeFile()
	}
}

// IsEnabled returns whether recording is active.
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Path returns the file currently being written, or "".
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Record appends one frame. Frames with an unexpected value count are
// dropped so every row matches the header.
func (r *Recorder) Record(f *frame.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled || f == nil {
		return
	}
	if len(f.Values) != r.layout.Values() {
		log.Printf("[recorder] frame %d has %d values, want %d", f.ID, len(f.Values), r.layout.Values())
		return
	}

	now := r.now()
	if r.writer == nil || r.rows >= r.maxRows {
		if err := r.rotateFile(now); err != nil {
			log.Printf("[recorder] rotate failed: %v", err)
			return
		}
	}

	if err := r.writer.Write(buildRow(now, f)); err != nil {
		log.Printf("[recorder] write failed: %v", err)
		return
	}
	r.writer.Flush()
	r.rows++
}

// Close flushes and closes the current file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotateFile(now time.Time) error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}

	filename := fmt.Sprintf("gradsense_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(r.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0
	r.path = path

	if err := r.writer.Write(r.header); err != nil {
		return err
	}
	r.writer.Flush()

	log.Printf("[recorder] opened %s", path)
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	r.path = ""
}

func buildRow(ts time.Time, f *frame.Frame) []string {
	row := make([]string, 0, 3+len(f.Values))
	row = append(row,
		ts.Format(time.RFC3339Nano),
		strconv.FormatUint(uint64(f.ID), 10),
		strconv.FormatUint(uint64(f.Timestamp), 10),
	)
	for _, v := range f.Values {
		row = append(row, strconv.FormatFloat(float64(v), 'f', 4, 32))
	}
	return row
}
