// Package audit records the raw bytes of forwarded connections to disk.
//
// Each connection gets its own file under
// <dir>/<server>/<yyyy-mm-dd>/<client>-<unixnano>.log, optionally zstd
// compressed (.log.zst). A file is a sequence of records, each a one byte
// direction, a 4-byte big-endian length and that many payload bytes.
package audit

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// DefaultDir is the default audit log directory.
const DefaultDir = "/var/log/relayd/audit"

// MaxRecordSize is the largest payload a single record carries. It matches
// the pump buffer size; longer writes are split across records.
const MaxRecordSize = 16383

// Direction marks which way a recorded chunk travelled.
type Direction byte

const (
	Request  Direction = '>'
	Response Direction = '<'
)

func (d Direction) String() string {
	switch d {
	case Request:
		return "request"
	case Response:
		return "response"
	default:
		return fmt.Sprintf("Direction(%d)", byte(d))
	}
}

// Config holds the audit recorder configuration.
type Config struct {
	// Enabled turns recording on.
	Enabled bool `yaml:"enabled"`

	// Dir is the root directory of the audit tree.
	// Default: /var/log/relayd/audit
	Dir string `yaml:"dir"`

	// Compress writes zstd compressed files.
	Compress bool `yaml:"compress"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Dir == "" {
		c.Dir = DefaultDir
	}
}

// Validate checks that required fields are set and values are acceptable.
func (c *Config) Validate() error {
	if c.Enabled && !filepath.IsAbs(c.Dir) {
		return fmt.Errorf("audit: dir must be an absolute path, got %q", c.Dir)
	}
	return nil
}

// Recorder opens per-connection audit logs.
type Recorder struct {
	cfg    Config
	logger *slog.Logger
}

// NewRecorder creates a Recorder rooted at cfg.Dir, creating the directory
// if needed.
func NewRecorder(cfg Config, logger *slog.Logger) (*Recorder, error) {
	cfg.ApplyDefaults()
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("audit: create %s: %w", cfg.Dir, err)
	}
	return &Recorder{cfg: cfg, logger: logger.With("component", "audit")}, nil
}

// Path returns the file a connection between server and client opened at t
// is recorded to.
func (r *Recorder) Path(server, client string, t time.Time) string {
	name := sanitize(client) + "-" + strconv.FormatInt(t.UnixNano(), 10) + ".log"
	if r.cfg.Compress {
		name += ".zst"
	}
	return filepath.Join(r.cfg.Dir, sanitize(server), t.UTC().Format("2006-01-02"), name)
}

// Open creates the audit log for one connection.
func (r *Recorder) Open(server, client string, t time.Time) (*Log, error) {
	path := r.Path(server, client, t)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}

	l := &Log{path: path, file: f, logger: r.logger.With("path", path)}
	if r.cfg.Compress {
		enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("audit: open: %w", err)
		}
		l.enc = enc
		l.buf = bufio.NewWriter(enc)
	} else {
		l.buf = bufio.NewWriter(f)
	}
	return l, nil
}

// Log is one connection's audit file. Its methods are safe for concurrent
// use by the two pumps of a session. A write failure disables the log
// without affecting the connection.
type Log struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	file   *os.File
	enc    *zstd.Encoder
	buf    *bufio.Writer
	err    error
	closed bool
}

// Path returns the file path of the log.
func (l *Log) Path() string { return l.path }

// Request records a chunk read from the inbound connection.
func (l *Log) Request(p []byte) { l.write(Request, p) }

// Response records a chunk read from the outbound connection.
func (l *Log) Response(p []byte) { l.write(Response, p) }

func (l *Log) write(dir Direction, p []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.err != nil {
		return
	}
	for {
		n := min(len(p), MaxRecordSize)
		var hdr [5]byte
		hdr[0] = byte(dir)
		binary.BigEndian.PutUint32(hdr[1:], uint32(n))
		if _, err := l.buf.Write(hdr[:]); err != nil {
			l.fail(err)
			return
		}
		if _, err := l.buf.Write(p[:n]); err != nil {
			l.fail(err)
			return
		}
		p = p[n:]
		if len(p) == 0 {
			return
		}
	}
}

func (l *Log) fail(err error) {
	l.err = err
	l.logger.Warn("audit log disabled after write failure", "error", err)
}

// Close flushes and closes the file. It is idempotent.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var errs []error
	if err := l.buf.Flush(); err != nil && l.err == nil {
		errs = append(errs, err)
	}
	if l.enc != nil {
		if err := l.enc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("audit: close %s: %w", l.path, errs[0])
	}
	return nil
}

// Record is one decoded audit record.
type Record struct {
	Direction Direction
	Data      []byte
}

// Reader decodes an audit file.
type Reader struct {
	r   *bufio.Reader
	dec *zstd.Decoder
}

// NewReader decodes records from r. compressed selects zstd decoding.
func NewReader(r io.Reader, compressed bool) (*Reader, error) {
	if !compressed {
		return &Reader{r: bufio.NewReader(r)}, nil
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("audit: reader: %w", err)
	}
	return &Reader{r: bufio.NewReader(dec), dec: dec}, nil
}

// Next returns the next record, or io.EOF at the end of the file.
func (r *Reader) Next() (Record, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("audit: truncated record header: %w", err)
	}
	size := binary.BigEndian.Uint32(hdr[1:])
	if size > MaxRecordSize {
		return Record{}, fmt.Errorf("audit: record too large: %d bytes", size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return Record{}, fmt.Errorf("audit: truncated record: %w", err)
	}
	return Record{Direction: Direction(hdr[0]), Data: data}, nil
}

// Close releases the decoder.
func (r *Reader) Close() {
	if r.dec != nil {
		r.dec.Close()
	}
}

// sanitize makes an address usable as a path element.
func sanitize(addr string) string {
	return strings.NewReplacer(":", "_", "/", "_", "[", "", "]", "").Replace(addr)
}
